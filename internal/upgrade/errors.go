package upgrade

import "errors"

// Upgrade error types.
var (
	// ErrPurge means the trash could not be fully removed on finalize. Partial
	// progress is kept and the whole finalize may be retried.
	ErrPurge = errors.New("purge trash")
	// ErrRestore means rollback could not restore every trashed block. The
	// restore may be retried; restored entries are skipped.
	ErrRestore = errors.New("restore trash")
	// ErrInconsistentState means the marker and the trash root disagree in a
	// way that cannot be resolved without losing data.
	ErrInconsistentState = errors.New("upgrade marker and trash root disagree")
)
