package trash

import "errors"

// Trash error types.
var (
	ErrSourceMissing       = errors.New("block files missing")
	ErrAlreadyTrashed      = errors.New("block already in trash")
	ErrDestinationOccupied = errors.New("live block already exists at canonical path")
	ErrTrashConflict       = errors.New("trash already holds a file with the same name as a live block file")
	ErrOutsidePool         = errors.New("path is outside the block pool")
)

// IsBenign reports whether err only says the deletion already happened.
func IsBenign(err error) bool {
	return errors.Is(err, ErrSourceMissing) || errors.Is(err, ErrAlreadyTrashed)
}
