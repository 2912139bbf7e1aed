// Package upgrade owns the per-pool trash state machine that makes deletions
// reversible for the duration of a rolling upgrade.
//
// A pool is either Normal or TrashActive. The live signal path moves it
// Normal -> TrashActive (upgrade started) and TrashActive -> Normal (upgrade
// finalized, trash purged). Rollback is never a live signal: the coordinator
// restarts as part of a rollback, so the node detects it while starting and
// restores its trash before anything else touches the pool.
package upgrade

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/datanode/internal/block"
	"github.com/tunnelmesh/datanode/internal/logging/audit"
	"github.com/tunnelmesh/datanode/internal/metrics"
	"github.com/tunnelmesh/datanode/internal/trash"
	"github.com/tunnelmesh/datanode/internal/upgradestate"
)

// Coordinator is the upgrade state machine of one block pool. It exclusively
// owns the pool's marker and trash root.
//
// Transitions hold the write lock for their whole sequence. Deletions hold the
// read lock while they decide and perform their route, so they observe the
// state strictly before or strictly after any transition.
type Coordinator struct {
	pool    block.PoolID
	states  *upgradestate.Store
	trash   *trash.Store
	metrics *metrics.DatanodeMetrics
	audit   *audit.Logger

	mu     sync.RWMutex
	marker upgradestate.Marker // last successfully persisted
}

// NewCoordinator creates the coordinator for pool. The persisted state is not
// read until RecoverAtStartup runs.
func NewCoordinator(pool block.PoolID, states *upgradestate.Store, trashStore *trash.Store, m *metrics.DatanodeMetrics) *Coordinator {
	return &Coordinator{
		pool:    pool,
		states:  states,
		trash:   trashStore,
		metrics: m,
		marker:  upgradestate.Marker{State: upgradestate.Normal},
	}
}

// SetAudit sets the audit trail for transitions. It must be called before the
// coordinator is used.
func (c *Coordinator) SetAudit(a *audit.Logger) {
	c.audit = a
}

// Pool returns the pool id.
func (c *Coordinator) Pool() block.PoolID {
	return c.pool
}

// Trash returns the pool's trash store.
func (c *Coordinator) Trash() *trash.Store {
	return c.trash
}

// IsTrashActive reports whether deletions are currently deferred to trash.
// It reflects the last persisted state, never a transition in flight.
func (c *Coordinator) IsTrashActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.marker.State == upgradestate.TrashActive
}

// Marker returns the last persisted marker.
func (c *Coordinator) Marker() upgradestate.Marker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.marker
}

// TrashRootExists reports whether the pool's trash root is present.
func (c *Coordinator) TrashRootExists() bool {
	ok, err := c.trash.RootExists()
	if err != nil {
		log.Warn().Err(err).Str("pool", c.pool.String()).Msg("failed to stat trash root")
		return false
	}
	return ok
}

// AcquireDeletion returns the route for one deletion and a release function.
// No transition can start until release is called.
func (c *Coordinator) AcquireDeletion() (trashActive bool, release func()) {
	c.mu.RLock()
	return c.marker.State == upgradestate.TrashActive, c.mu.RUnlock
}

// persist writes the marker and only then adopts it as the current state.
func (c *Coordinator) persist(m upgradestate.Marker) error {
	m.UpdatedAt = time.Now().UTC()
	if err := c.states.Save(c.pool, m); err != nil {
		return err
	}
	c.marker = m
	c.metrics.SetTrashActive(c.pool.String(), m.State == upgradestate.TrashActive)
	return nil
}

// Start opens the trash window: the trash root is created and TrashActive is
// persisted. No files move; only later deletions are affected.
func (c *Coordinator) Start(ctx context.Context) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.marker.State == upgradestate.TrashActive {
		return nil
	}

	m := upgradestate.Marker{State: upgradestate.TrashActive, SessionID: uuid.NewString()}
	defer func() {
		c.metrics.RecordTransition(c.pool.String(), "start", err)
		c.audit.LogTransition(c.pool.String(), "start", upgradestate.Normal.String(), m.State.String(), m.SessionID, err)
	}()

	if err := c.trash.EnsureRoot(); err != nil {
		return err
	}

	if err := c.persist(m); err != nil {
		// Nothing can have been trashed yet; drop the root so the pool stays consistent.
		if rmErr := c.trash.PurgeAll(); rmErr != nil {
			log.Warn().Err(rmErr).Str("pool", c.pool.String()).Msg("failed to remove trash root after persist failure")
		}
		return fmt.Errorf("start trash window: %w", err)
	}

	log.Info().
		Str("pool", c.pool.String()).
		Str("session", m.SessionID).
		Msg("rolling upgrade started, deletions go to trash")
	return nil
}

// Finalize commits the upgrade: every trashed block is purged and Normal is
// persisted. Normal is written only after the purge succeeded, so a crash in
// between leaves the pool TrashActive and the next finalize resumes the purge.
func (c *Coordinator) Finalize(ctx context.Context) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.marker.State == upgradestate.Normal {
		return nil
	}

	session := c.marker.SessionID
	defer func() {
		c.metrics.RecordTransition(c.pool.String(), "finalize", err)
		c.audit.LogTransition(c.pool.String(), "finalize", upgradestate.TrashActive.String(), upgradestate.Normal.String(), session, err)
	}()

	purgeErr := c.trash.PurgeAll()
	c.audit.LogPurge(c.pool.String(), session, "finalize", purgeErr)
	if purgeErr != nil {
		return fmt.Errorf("%w: %w", ErrPurge, purgeErr)
	}
	c.metrics.RecordPurge(c.pool.String())

	if err := c.persist(upgradestate.Marker{State: upgradestate.Normal, SessionID: session}); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}

	log.Info().
		Str("pool", c.pool.String()).
		Str("session", session).
		Msg("rolling upgrade finalized, trash purged")
	return nil
}

// RecoverAtStartup loads the persisted state and resolves it before the pool
// serves any deletion. rollback is the startup directive saying this boot
// reverts an upgrade.
//
// Rollback never arrives as a live signal since the coordinator restarts
// along with the node.
func (c *Coordinator) RecoverAtStartup(ctx context.Context, rollback bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	marker, err := c.states.Load(c.pool)
	if err != nil {
		return err
	}
	c.marker = marker
	c.metrics.SetTrashActive(c.pool.String(), marker.State == upgradestate.TrashActive)

	if marker.State == upgradestate.TrashActive {
		if rollback {
			return c.rollbackLocked()
		}
		// Resume the open window; the root may be missing after a crash.
		if err := c.trash.EnsureRoot(); err != nil {
			return err
		}
		log.Info().
			Str("pool", c.pool.String()).
			Str("session", marker.SessionID).
			Msg("resuming rolling upgrade, deletions go to trash")
		return nil
	}

	if rollback {
		log.Info().Str("pool", c.pool.String()).Msg("rollback requested but no upgrade in progress")
	}
	return c.reconcileNormalLocked()
}

func (c *Coordinator) rollbackLocked() (err error) {
	session := c.marker.SessionID
	defer func() {
		c.metrics.RecordTransition(c.pool.String(), "rollback", err)
		c.audit.LogTransition(c.pool.String(), "rollback", upgradestate.TrashActive.String(), upgradestate.Normal.String(), session, err)
	}()

	restored, err := c.trash.RestoreAll()
	c.metrics.RecordRestore(c.pool.String(), restored)
	c.audit.LogRestore(c.pool.String(), session, restored, err)
	if err != nil {
		return fmt.Errorf("%w: %d blocks restored before failure: %w", ErrRestore, restored, err)
	}

	// Only empty directories remain.
	if err := c.trash.PurgeAll(); err != nil {
		return fmt.Errorf("%w: %w", ErrPurge, err)
	}

	if err := c.persist(upgradestate.Marker{State: upgradestate.Normal, SessionID: session}); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}

	log.Info().
		Str("pool", c.pool.String()).
		Str("session", session).
		Int("blocks", restored).
		Msg("rolling upgrade rolled back, trash restored")
	return nil
}

// reconcileNormalLocked removes a trash root left behind by a start that
// crashed before persisting. A root that still holds blocks is surfaced.
func (c *Coordinator) reconcileNormalLocked() error {
	exists, err := c.trash.RootExists()
	if err != nil || !exists {
		return err
	}

	empty, err := c.trash.IsRootEmpty()
	if err != nil {
		return err
	}
	if !empty {
		return fmt.Errorf("%w: pool %s is NORMAL but its trash root holds blocks", ErrInconsistentState, c.pool)
	}

	log.Info().Str("pool", c.pool.String()).Msg("removing empty trash root of pool in normal state")
	err = c.trash.PurgeAll()
	c.audit.LogPurge(c.pool.String(), "", "stray_root", err)
	return err
}
