// Package audit records rolling upgrade events that change what happens to
// stored blocks, separately from operational logs.
package audit

import (
	"github.com/rs/zerolog"
)

// Results recorded on audit events.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// Logger writes structured audit events. A nil *Logger discards everything.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger writing through logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

func result(err error) (zerolog.Level, string) {
	if err != nil {
		return zerolog.WarnLevel, ResultFailed
	}
	return zerolog.InfoLevel, ResultOK
}

// LogTransition records a pool state transition.
// transition: "start", "finalize", "rollback" or "reconcile"
// from, to: persisted state names before and after
// session: trash window id (may be empty)
func (l *Logger) LogTransition(pool, transition, from, to, session string, err error) {
	if l == nil {
		return
	}
	level, res := result(err)

	event := l.logger.WithLevel(level).
		Str("event_type", "upgrade_transition").
		Str("pool", pool).
		Str("transition", transition).
		Str("from", from).
		Str("to", to).
		Str("result", res)

	if session != "" {
		event = event.Str("session", session)
	}
	if err != nil {
		event = event.Str("details", err.Error())
	}
	event.Msg("Upgrade transition")
}

// LogRestore records how many blocks a rollback brought back.
func (l *Logger) LogRestore(pool, session string, blocks int, err error) {
	if l == nil {
		return
	}
	level, res := result(err)

	event := l.logger.WithLevel(level).
		Str("event_type", "trash_restore").
		Str("pool", pool).
		Str("session", session).
		Int("blocks", blocks).
		Str("result", res)

	if err != nil {
		event = event.Str("details", err.Error())
	}
	event.Msg("Trash restored")
}

// LogPurge records the permanent removal of a pool's trash.
func (l *Logger) LogPurge(pool, session, reason string, err error) {
	if l == nil {
		return
	}
	level, res := result(err)

	event := l.logger.WithLevel(level).
		Str("event_type", "trash_purge").
		Str("pool", pool).
		Str("reason", reason).
		Str("result", res)

	if session != "" {
		event = event.Str("session", session)
	}
	if err != nil {
		event = event.Str("details", err.Error())
	}
	event.Msg("Trash purged")
}
