package block

import (
	"fmt"
	"path/filepath"
)

// Directory names inside a pool's storage area.
const (
	CurrentDir   = "current"
	FinalizedDir = "finalized"
	TrashDir     = "trash"
	MarkerFile   = "rolling_upgrade.json"
)

// Layout computes the on-disk locations of one pool on one volume.
//
//	{dataDir}/
//	  current/
//	    {pool}/
//	      rolling_upgrade.json          # upgrade state marker
//	      current/
//	        finalized/
//	          subdir{a}/subdir{b}/
//	            blk_{id}                # block data
//	            blk_{id}_{gs}.meta      # block checksums
//	      trash/
//	        finalized/...               # mirror of current/ for deferred deletions
type Layout struct {
	dataDir string
	pool    PoolID
}

// NewLayout returns the layout of pool under dataDir.
func NewLayout(dataDir string, pool PoolID) Layout {
	return Layout{dataDir: dataDir, pool: pool}
}

// PoolsDir returns the directory containing every pool's storage area.
func PoolsDir(dataDir string) string {
	return filepath.Join(dataDir, CurrentDir)
}

// Pool returns the pool id.
func (l Layout) Pool() PoolID {
	return l.pool
}

// PoolDir returns the root of the pool's storage area.
func (l Layout) PoolDir() string {
	return filepath.Join(PoolsDir(l.dataDir), string(l.pool))
}

// CurrentDir returns the directory holding live blocks.
func (l Layout) CurrentDir() string {
	return filepath.Join(l.PoolDir(), CurrentDir)
}

// TrashRoot returns the root of the pool's trash mirror.
func (l Layout) TrashRoot() string {
	return filepath.Join(l.PoolDir(), TrashDir)
}

// MarkerPath returns the path of the upgrade state marker.
func (l Layout) MarkerPath() string {
	return filepath.Join(l.PoolDir(), MarkerFile)
}

// BlockDir returns the directory of a block relative to current/ or trash/.
func BlockDir(blockID int64) string {
	a := (blockID >> 16) & 0x1F
	b := (blockID >> 8) & 0x1F
	return filepath.Join(FinalizedDir, fmt.Sprintf("subdir%d", a), fmt.Sprintf("subdir%d", b))
}

// DataFile returns the canonical path of the block's data file.
func (l Layout) DataFile(id Identity) string {
	return filepath.Join(l.CurrentDir(), BlockDir(id.BlockID), id.DataFileName())
}

// MetaFile returns the canonical path of the block's checksum file.
func (l Layout) MetaFile(id Identity) string {
	return filepath.Join(l.CurrentDir(), BlockDir(id.BlockID), id.MetaFileName())
}
