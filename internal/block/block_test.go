package block

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolID_Validate(t *testing.T) {
	tests := []struct {
		pool    PoolID
		wantErr bool
	}{
		{"BP-1", false},
		{"BP-526805057-127.0.0.1-1411980876842", false},
		{"", true},
		{".", true},
		{"..", true},
		{"a/b", true},
		{`a\b`, true},
		{"a\x00b", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.pool), func(t *testing.T) {
			err := tt.pool.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIdentity_FileNames(t *testing.T) {
	id := Identity{BlockID: 1073741825, GenStamp: 1001}

	assert.Equal(t, "blk_1073741825_1001", id.String())
	assert.Equal(t, "blk_1073741825", id.DataFileName())
	assert.Equal(t, "blk_1073741825_1001.meta", id.MetaFileName())
}

func TestParseFileNames(t *testing.T) {
	ident, ok := ParseMetaFileName("blk_42_7.meta")
	require.True(t, ok)
	assert.Equal(t, Identity{BlockID: 42, GenStamp: 7}, ident)

	id, ok := ParseDataFileName("blk_-9")
	require.True(t, ok)
	assert.Equal(t, int64(-9), id)

	_, ok = ParseMetaFileName("blk_42.meta")
	assert.False(t, ok)
	_, ok = ParseDataFileName("blk_42_7.meta")
	assert.False(t, ok)
	_, ok = ParseDataFileName("blk_42.tmp")
	assert.False(t, ok)

	assert.True(t, IsBlockFile("blk_1"))
	assert.True(t, IsBlockFile("blk_1_2.meta"))
	assert.False(t, IsBlockFile("VERSION"))
}

func TestLayout(t *testing.T) {
	l := NewLayout("/data", "BP-1")
	id := Identity{BlockID: 0x030201, GenStamp: 5}

	assert.Equal(t, PoolID("BP-1"), l.Pool())
	assert.Equal(t, filepath.Join("/data", "current", "BP-1"), l.PoolDir())
	assert.Equal(t, filepath.Join("/data", "current", "BP-1", "current"), l.CurrentDir())
	assert.Equal(t, filepath.Join("/data", "current", "BP-1", "trash"), l.TrashRoot())
	assert.Equal(t, filepath.Join("/data", "current", "BP-1", "rolling_upgrade.json"), l.MarkerPath())

	dir := filepath.Join("/data", "current", "BP-1", "current", "finalized", "subdir3", "subdir2")
	assert.Equal(t, filepath.Join(dir, "blk_197121"), l.DataFile(id))
	assert.Equal(t, filepath.Join(dir, "blk_197121_5.meta"), l.MetaFile(id))
}

func TestBlockDir_Bounded(t *testing.T) {
	// Subdirectory indexes never exceed 31 regardless of the block id.
	for _, id := range []int64{0, 1 << 40, -1, 0x7fffffffffffffff} {
		dir := BlockDir(id)
		var a, b int
		_, err := fmt.Sscanf(filepath.ToSlash(dir), "finalized/subdir%d/subdir%d", &a, &b)
		require.NoError(t, err, dir)
		assert.LessOrEqual(t, a, 31)
		assert.LessOrEqual(t, b, 31)
		assert.GreaterOrEqual(t, a, 0)
		assert.GreaterOrEqual(t, b, 0)
	}
}
