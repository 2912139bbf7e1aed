// Package upgradestate persists, per block pool, whether trash mode is active.
package upgradestate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/moby/sys/atomicwriter"
	"github.com/tunnelmesh/datanode/internal/block"
)

// ErrPersist is returned when the marker could not be written. The caller must
// not assume the new state took effect.
var ErrPersist = errors.New("persist upgrade state")

// State is the upgrade state of one block pool.
type State int

const (
	// Normal means deletions erase blocks immediately.
	Normal State = iota
	// TrashActive means deletions are deferred into the pool's trash.
	TrashActive
)

// String returns the persisted name of the state.
func (s State) String() string {
	switch s {
	case Normal:
		return "NORMAL"
	case TrashActive:
		return "TRASH_ACTIVE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ParseState parses a persisted state name.
func ParseState(s string) (State, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NORMAL", "":
		return Normal, nil
	case "TRASH_ACTIVE":
		return TrashActive, nil
	default:
		return Normal, fmt.Errorf("unknown upgrade state %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	st, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Marker is the persisted record for one pool.
type Marker struct {
	State     State     `json:"state"`
	SessionID string    `json:"session_id,omitempty"` // Trash window this state belongs to
	UpdatedAt time.Time `json:"updated_at"`
}

// Store reads and writes the per-pool markers under a data directory.
type Store struct {
	dataDir string
}

// NewStore creates a marker store for the volume rooted at dataDir.
func NewStore(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

// Load reads the pool's marker. A missing marker is a fresh pool in Normal state.
func (s *Store) Load(pool block.PoolID) (Marker, error) {
	path := block.NewLayout(s.dataDir, pool).MarkerPath()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Marker{State: Normal}, nil
	}
	if err != nil {
		return Marker{}, fmt.Errorf("read upgrade marker: %w", err)
	}

	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, fmt.Errorf("unmarshal upgrade marker %s: %w", path, err)
	}
	return m, nil
}

// Save replaces the pool's marker. The new content is written to a temporary
// file, synced and renamed over the old marker, so readers see either the old
// or the new record.
func (s *Store) Save(pool block.PoolID, m Marker) error {
	layout := block.NewLayout(s.dataDir, pool)
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %w", ErrPersist, err)
	}
	if err := os.MkdirAll(layout.PoolDir(), 0755); err != nil {
		return fmt.Errorf("%w: create pool dir: %w", ErrPersist, err)
	}
	if err := atomicwriter.WriteFile(layout.MarkerPath(), data, 0644); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}
