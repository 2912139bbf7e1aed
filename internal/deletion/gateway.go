// Package deletion is where the ordinary block deletion path splits between
// permanent removal and deferral into the rolling upgrade trash. Nothing else
// in the block lifecycle needs to know about upgrade state.
package deletion

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/datanode/internal/block"
	"github.com/tunnelmesh/datanode/internal/metrics"
	"github.com/tunnelmesh/datanode/internal/trash"
	"github.com/tunnelmesh/datanode/internal/upgrade"
)

// Pools resolves the upgrade coordinator of a block pool.
type Pools interface {
	Pool(ctx context.Context, pool block.PoolID) (*upgrade.Coordinator, error)
}

// Gateway routes block deletions. It holds no state of its own.
type Gateway struct {
	pools   Pools
	metrics *metrics.DatanodeMetrics
}

// NewGateway creates a gateway. m may be nil.
func NewGateway(pools Pools, m *metrics.DatanodeMetrics) *Gateway {
	return &Gateway{pools: pools, metrics: m}
}

// Delete removes one block version. While the pool's trash is active the files
// are moved into trash; otherwise they are unlinked. Both routes accept only
// paths inside the pool. A block that is already gone or already trashed
// counts as deleted. Any other error, including trash.ErrTrashConflict, means
// the block's files are still live.
func (g *Gateway) Delete(ctx context.Context, pool block.PoolID, id block.Identity, dataPath, metaPath string) error {
	c, err := g.pools.Pool(ctx, pool)
	if err != nil {
		return fmt.Errorf("resolve pool %s: %w", pool, err)
	}

	trashActive, release := c.AcquireDeletion()
	defer release()

	if trashActive {
		err := c.Trash().MoveToTrash(id, dataPath, metaPath)
		switch {
		case errors.Is(err, trash.ErrSourceMissing):
			g.metrics.RecordBenignDelete(pool.String(), "source_missing")
			return nil
		case errors.Is(err, trash.ErrAlreadyTrashed):
			g.metrics.RecordBenignDelete(pool.String(), "already_trashed")
			return nil
		case err != nil:
			g.metrics.RecordDeleteError(pool.String())
			return fmt.Errorf("move block %s to trash: %w", id, err)
		}
		g.metrics.RecordTrashMove(pool.String())
		return nil
	}

	if err := c.Trash().CheckPaths(dataPath, metaPath); err != nil {
		g.metrics.RecordDeleteError(pool.String())
		return fmt.Errorf("delete block %s: %w", id, err)
	}
	if err := removeFiles(dataPath, metaPath); err != nil {
		g.metrics.RecordDeleteError(pool.String())
		return fmt.Errorf("delete block %s: %w", id, err)
	}
	g.metrics.RecordDirectDelete(pool.String())
	log.Debug().Str("pool", pool.String()).Str("block", id.String()).Msg("block deleted")
	return nil
}

// DeleteBlock deletes a block stored at its canonical layout location.
func (g *Gateway) DeleteBlock(ctx context.Context, pool block.PoolID, id block.Identity) error {
	c, err := g.pools.Pool(ctx, pool)
	if err != nil {
		return fmt.Errorf("resolve pool %s: %w", pool, err)
	}
	layout := c.Trash().Layout()
	return g.Delete(ctx, pool, id, layout.DataFile(id), layout.MetaFile(id))
}

// removeFiles unlinks every path, treating missing files as already deleted.
func removeFiles(paths ...string) error {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
