package loki

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

// lokiServer records every push it receives.
type lokiServer struct {
	mu     sync.Mutex
	pushes []pushRequest
	status int
}

func (s *lokiServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/loki/api/v1/push", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req pushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.pushes = append(s.pushes, req)
		status := s.status
		s.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *lokiServer) lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, p := range s.pushes {
		for _, st := range p.Streams {
			for _, v := range st.Values {
				out = append(out, v[1])
			}
		}
	}
	return out
}

func TestWriter_FlushOnStop(t *testing.T) {
	ls := &lokiServer{}
	server := httptest.NewServer(ls.handler(t))
	defer server.Close()

	w := NewWriter(Config{URL: server.URL, Labels: map[string]string{"node": "dn1"}, FlushInterval: time.Hour})
	defer w.client.CloseIdleConnections()
	w.Start()

	logger := zerolog.New(w)
	logger.Info().Str("pool", "BP-1").Msg("rolling upgrade started")
	w.Stop()

	lines := ls.lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "rolling upgrade started")

	ls.mu.Lock()
	labels := ls.pushes[0].Streams[0].Stream
	ls.mu.Unlock()
	assert.Equal(t, "datanode", labels["job"])
	assert.Equal(t, "dn1", labels["node"])
	assert.Zero(t, w.FlushErrors())
}

func TestWriter_FlushWhenBatchFull(t *testing.T) {
	ls := &lokiServer{}
	server := httptest.NewServer(ls.handler(t))
	defer server.Close()

	w := NewWriter(Config{URL: server.URL, BatchSize: 2, FlushInterval: time.Hour})
	defer w.client.CloseIdleConnections()
	w.Start()
	defer w.Stop()

	_, _ = w.Write([]byte("one\n"))
	_, _ = w.Write([]byte("two\n"))

	assert.Eventually(t, func() bool { return len(ls.lines()) == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestWriter_IgnoresEmptyLines(t *testing.T) {
	w := NewWriter(Config{URL: "http://127.0.0.1:0"})

	n, err := w.Write([]byte("  \n"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, w.Flush())
}

func TestWriter_ServerError(t *testing.T) {
	ls := &lokiServer{status: http.StatusInternalServerError}
	server := httptest.NewServer(ls.handler(t))
	defer server.Close()

	w := NewWriter(Config{URL: server.URL})
	defer w.client.CloseIdleConnections()
	_, _ = w.Write([]byte("lost line"))

	assert.Error(t, w.Flush())
	assert.Equal(t, uint64(1), w.FlushErrors())

	// The failed batch is not retried.
	assert.NoError(t, w.Flush())
}

func TestWriter_SetLabels(t *testing.T) {
	ls := &lokiServer{}
	server := httptest.NewServer(ls.handler(t))
	defer server.Close()

	w := NewWriter(Config{URL: server.URL})
	defer w.client.CloseIdleConnections()
	w.SetLabels(map[string]string{"pool": "BP-1"})
	_, _ = w.Write([]byte("x"))
	require.NoError(t, w.Flush())

	ls.mu.Lock()
	defer ls.mu.Unlock()
	assert.Equal(t, "BP-1", ls.pushes[0].Streams[0].Stream["pool"])
}
