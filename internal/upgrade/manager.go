package upgrade

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/datanode/internal/block"
	"github.com/tunnelmesh/datanode/internal/logging/audit"
	"github.com/tunnelmesh/datanode/internal/metrics"
	"github.com/tunnelmesh/datanode/internal/signal"
	"github.com/tunnelmesh/datanode/internal/trash"
	"github.com/tunnelmesh/datanode/internal/upgradestate"
)

// PoolStatus is a read-only snapshot of one pool's upgrade state.
type PoolStatus struct {
	Pool            block.PoolID `json:"pool"`
	State           string       `json:"state"`
	SessionID       string       `json:"session_id,omitempty"`
	TrashRootExists bool         `json:"trash_root_exists"`
}

// Manager owns one Coordinator per block pool hosted on a volume.
type Manager struct {
	dataDir string
	states  *upgradestate.Store
	metrics *metrics.DatanodeMetrics
	audit   *audit.Logger

	mu    sync.RWMutex
	pools map[block.PoolID]*Coordinator
}

// NewManager creates a manager for the volume rooted at dataDir. m may be nil.
func NewManager(dataDir string, m *metrics.DatanodeMetrics) *Manager {
	return &Manager{
		dataDir: dataDir,
		states:  upgradestate.NewStore(dataDir),
		metrics: m,
		pools:   make(map[block.PoolID]*Coordinator),
	}
}

// SetAudit sets the audit trail handed to every pool opened afterwards.
func (m *Manager) SetAudit(a *audit.Logger) {
	m.audit = a
}

// DiscoverPools lists the pools that already have a storage area under dataDir.
func DiscoverPools(dataDir string) ([]block.PoolID, error) {
	entries, err := os.ReadDir(block.PoolsDir(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pools dir: %w", err)
	}

	var pools []block.PoolID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pool := block.PoolID(e.Name())
		if pool.Validate() != nil {
			continue
		}
		pools = append(pools, pool)
	}
	return pools, nil
}

// Open runs the startup check of every configured and discovered pool.
// Pools are independent: a failing pool does not stop the others, and all
// failures are returned together.
func (m *Manager) Open(ctx context.Context, configured []block.PoolID, rollback bool) error {
	discovered, err := DiscoverPools(m.dataDir)
	if err != nil {
		return err
	}

	seen := make(map[block.PoolID]bool)
	var errs []error
	for _, pool := range append(append([]block.PoolID{}, configured...), discovered...) {
		if seen[pool] {
			continue
		}
		seen[pool] = true
		if _, err := m.open(ctx, pool, rollback); err != nil {
			errs = append(errs, fmt.Errorf("pool %s: %w", pool, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) open(ctx context.Context, pool block.PoolID, rollback bool) (*Coordinator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.pools[pool]; ok {
		return c, nil
	}

	ts, err := trash.NewStore(block.NewLayout(m.dataDir, pool))
	if err != nil {
		return nil, err
	}
	c := NewCoordinator(pool, m.states, ts, m.metrics)
	c.SetAudit(m.audit)
	if err := c.RecoverAtStartup(ctx, rollback); err != nil {
		return nil, err
	}
	m.pools[pool] = c

	log.Debug().Str("pool", pool.String()).Bool("trash_active", c.IsTrashActive()).Msg("block pool opened")
	return c, nil
}

// Coordinator returns the coordinator of an opened pool.
func (m *Manager) Coordinator(pool block.PoolID) (*Coordinator, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.pools[pool]
	return c, ok
}

// Pool returns the coordinator of pool, opening it without a rollback
// directive if this is the first time the node sees it.
func (m *Manager) Pool(ctx context.Context, pool block.PoolID) (*Coordinator, error) {
	if c, ok := m.Coordinator(pool); ok {
		return c, nil
	}
	if err := pool.Validate(); err != nil {
		return nil, err
	}
	return m.open(ctx, pool, false)
}

// HandleSignal applies a live coordinator signal. Signals are idempotent and
// safe to deliver more than once.
func (m *Manager) HandleSignal(ctx context.Context, sig signal.Signal) error {
	c, err := m.Pool(ctx, sig.Pool)
	if err != nil {
		return err
	}

	switch sig.Kind {
	case signal.UpgradeStarted:
		return c.Start(ctx)
	case signal.UpgradeFinalized:
		return c.Finalize(ctx)
	default:
		return fmt.Errorf("unsupported signal kind %s", sig.Kind)
	}
}

// IsTrashActive reports whether pool defers deletions. Unknown pools are Normal.
func (m *Manager) IsTrashActive(pool block.PoolID) bool {
	c, ok := m.Coordinator(pool)
	return ok && c.IsTrashActive()
}

// TrashRootExists reports whether pool's trash root is present.
func (m *Manager) TrashRootExists(pool block.PoolID) bool {
	c, ok := m.Coordinator(pool)
	return ok && c.TrashRootExists()
}

// Pools returns the opened pools in sorted order.
func (m *Manager) Pools() []block.PoolID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pools := make([]block.PoolID, 0, len(m.pools))
	for p := range m.pools {
		pools = append(pools, p)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i] < pools[j] })
	return pools
}

// Status returns a snapshot of every opened pool.
func (m *Manager) Status() []PoolStatus {
	pools := m.Pools()
	out := make([]PoolStatus, 0, len(pools))
	for _, p := range pools {
		c, ok := m.Coordinator(p)
		if !ok {
			continue
		}
		marker := c.Marker()
		out = append(out, PoolStatus{
			Pool:            p,
			State:           marker.State.String(),
			SessionID:       marker.SessionID,
			TrashRootExists: c.TrashRootExists(),
		})
	}
	return out
}
