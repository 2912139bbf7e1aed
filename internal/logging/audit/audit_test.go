package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogTransition(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(zerolog.New(&buf))

	l.LogTransition("BP-1", "start", "NORMAL", "TRASH_ACTIVE", "sess-1", nil)
	l.LogTransition("BP-1", "finalize", "TRASH_ACTIVE", "NORMAL", "sess-1", errors.New("disk full"))

	events := decodeLines(t, &buf)
	require.Len(t, events, 2)

	assert.Equal(t, "upgrade_transition", events[0]["event_type"])
	assert.Equal(t, "BP-1", events[0]["pool"])
	assert.Equal(t, "start", events[0]["transition"])
	assert.Equal(t, "TRASH_ACTIVE", events[0]["to"])
	assert.Equal(t, "sess-1", events[0]["session"])
	assert.Equal(t, ResultOK, events[0]["result"])
	assert.Equal(t, "info", events[0]["level"])
	assert.NotContains(t, events[0], "details")

	assert.Equal(t, ResultFailed, events[1]["result"])
	assert.Equal(t, "warn", events[1]["level"])
	assert.Equal(t, "disk full", events[1]["details"])
}

func TestLogRestoreAndPurge(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(zerolog.New(&buf))

	l.LogRestore("BP-2", "sess-2", 17, nil)
	l.LogPurge("BP-2", "", "stray_root", nil)

	events := decodeLines(t, &buf)
	require.Len(t, events, 2)

	assert.Equal(t, "trash_restore", events[0]["event_type"])
	assert.Equal(t, float64(17), events[0]["blocks"])

	assert.Equal(t, "trash_purge", events[1]["event_type"])
	assert.Equal(t, "stray_root", events[1]["reason"])
	assert.NotContains(t, events[1], "session")
}

func TestNilLogger(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() {
		l.LogTransition("BP-1", "start", "NORMAL", "TRASH_ACTIVE", "", nil)
		l.LogRestore("BP-1", "", 0, nil)
		l.LogPurge("BP-1", "", "finalize", nil)
	})
}
