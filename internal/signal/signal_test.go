package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/datanode/internal/block"
	"github.com/tunnelmesh/datanode/pkg/proto"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("testing.(*M).Run.func1"),
		goleak.IgnoreTopFunction("testing.tRunner"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"started", UpgradeStarted, false},
		{"STARTED", UpgradeStarted, false},
		{"Start", UpgradeStarted, false},
		{"finalized", UpgradeFinalized, false},
		{" Finalize ", UpgradeFinalized, false},
		{"rollback", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSignal_String(t *testing.T) {
	assert.Equal(t, "started", UpgradeStarted.String())
	assert.Equal(t, "finalized", UpgradeFinalized.String())
	assert.Contains(t, Signal{Pool: "BP-1", Kind: UpgradeStarted}.String(), "BP-1")
}

func TestQueue_Delay(t *testing.T) {
	now := time.Unix(1000, 0)
	q := NewQueue(5 * time.Second)
	q.now = func() time.Time { return now }

	q.Publish(Signal{Pool: "BP-1", Kind: UpgradeStarted})
	q.Publish(Signal{Pool: "BP-2", Kind: UpgradeStarted})
	assert.Equal(t, 2, q.Len())

	got, err := q.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)

	now = now.Add(5 * time.Second)
	q.Publish(Signal{Pool: "BP-1", Kind: UpgradeFinalized})

	got, err = q.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Signal{
		{Pool: "BP-1", Kind: UpgradeStarted},
		{Pool: "BP-2", Kind: UpgradeStarted},
	}, got)
	assert.Equal(t, 1, q.Len())

	now = now.Add(5 * time.Second)
	got, err = q.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Signal{{Pool: "BP-1", Kind: UpgradeFinalized}}, got)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_CancelledContext(t *testing.T) {
	q := NewQueue(0)
	q.Publish(Signal{Pool: "BP-1", Kind: UpgradeStarted})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Poll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, q.Len())
}

func TestHTTPSource_Poll(t *testing.T) {
	var gotAuth, gotNode string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotNode = r.URL.Query().Get("node")
		assert.Equal(t, "/api/v1/rolling-upgrade", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(proto.RollingUpgradeResponse{
			Pools: []proto.PoolUpgradeStatus{
				{BlockPoolID: "BP-1", Status: "STARTED"},
				{BlockPoolID: "BP-2", Status: proto.UpgradeStatusFinalized},
				{BlockPoolID: "BP-3", Status: proto.UpgradeStatusNone},
				{BlockPoolID: "../bad", Status: proto.UpgradeStatusStarted},
				{BlockPoolID: "BP-4", Status: "paused"},
			},
		})
	}))
	defer server.Close()

	src := NewHTTPSource(server.URL, "secret", "dn 1")
	defer src.client.CloseIdleConnections()
	sigs, err := src.Poll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "dn 1", gotNode)
	assert.Equal(t, []Signal{
		{Pool: "BP-1", Kind: UpgradeStarted},
		{Pool: "BP-2", Kind: UpgradeFinalized},
	}, sigs)
}

func TestHTTPSource_Error(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(proto.ErrorResponse{Error: "unauthorized", Message: "bad token"})
	}))
	defer server.Close()

	src := NewHTTPSource(server.URL, "wrong", "dn1")
	defer src.client.CloseIdleConnections()
	_, err := src.Poll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad token")
}

// recordingHandler records every signal and fails while failures > 0.
type recordingHandler struct {
	mu       sync.Mutex
	handled  []Signal
	failures int
}

func (h *recordingHandler) HandleSignal(_ context.Context, sig Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, sig)
	if h.failures > 0 {
		h.failures--
		return errors.New("disk full")
	}
	return nil
}

func (h *recordingHandler) Handled() []Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Signal, len(h.handled))
	copy(out, h.handled)
	return out
}

func TestDispatcher_RetriesFailedSignal(t *testing.T) {
	q := NewQueue(0)
	h := &recordingHandler{failures: 1}
	d := NewDispatcher(q, h, time.Millisecond, nil)
	sig := Signal{Pool: "BP-1", Kind: UpgradeStarted}

	q.Publish(sig)
	err := d.DeliverOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, []Signal{sig}, d.Pending())

	// Redelivered without being republished.
	require.NoError(t, d.DeliverOnce(context.Background()))
	assert.Empty(t, d.Pending())
	assert.Equal(t, []Signal{sig, sig}, h.Handled())
}

func TestDispatcher_CoalescesPerPool(t *testing.T) {
	q := NewQueue(0)
	h := &recordingHandler{}
	d := NewDispatcher(q, h, time.Millisecond, nil)

	q.Publish(Signal{Pool: "BP-1", Kind: UpgradeStarted})
	q.Publish(Signal{Pool: "BP-2", Kind: UpgradeStarted})
	q.Publish(Signal{Pool: "BP-1", Kind: UpgradeFinalized})

	require.NoError(t, d.DeliverOnce(context.Background()))
	assert.Equal(t, []Signal{
		{Pool: "BP-1", Kind: UpgradeFinalized},
		{Pool: "BP-2", Kind: UpgradeStarted},
	}, h.Handled())
}

func TestDispatcher_NewerSignalReplacesPending(t *testing.T) {
	q := NewQueue(0)
	h := &recordingHandler{failures: 1}
	d := NewDispatcher(q, h, time.Millisecond, nil)

	q.Publish(Signal{Pool: "BP-1", Kind: UpgradeStarted})
	require.Error(t, d.DeliverOnce(context.Background()))

	q.Publish(Signal{Pool: "BP-1", Kind: UpgradeFinalized})
	require.NoError(t, d.DeliverOnce(context.Background()))

	assert.Equal(t, []Signal{
		{Pool: "BP-1", Kind: UpgradeStarted},
		{Pool: "BP-1", Kind: UpgradeFinalized},
	}, h.Handled())
}

func TestDispatcher_Run(t *testing.T) {
	q := NewQueue(0)
	h := &recordingHandler{}
	d := NewDispatcher(q, h, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()

	q.Publish(Signal{Pool: "BP-1", Kind: UpgradeStarted})
	assert.Eventually(t, func() bool { return len(h.Handled()) == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestDispatcher_DefaultInterval(t *testing.T) {
	d := NewDispatcher(NewQueue(0), HandlerFunc(func(context.Context, Signal) error { return nil }), 0, nil)
	assert.Equal(t, DefaultPollInterval, d.interval)
}

func TestCoalesce(t *testing.T) {
	in := []Signal{
		{Pool: "A", Kind: UpgradeStarted},
		{Pool: "B", Kind: UpgradeStarted},
		{Pool: "A", Kind: UpgradeFinalized},
		{Pool: "A", Kind: UpgradeStarted},
	}
	assert.Equal(t, []Signal{
		{Pool: "A", Kind: UpgradeStarted},
		{Pool: block.PoolID("B"), Kind: UpgradeStarted},
	}, coalesce(in))
	assert.Empty(t, coalesce(nil))
}
