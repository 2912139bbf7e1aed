package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/datanode/internal/block"
	"github.com/tunnelmesh/datanode/internal/upgrade"
	"github.com/tunnelmesh/datanode/internal/upgradestate"
	"github.com/tunnelmesh/datanode/testutil"
)

func TestNewRootCmd(t *testing.T) {
	cmd := newRootCmd()

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["status"])
	assert.True(t, names["version"])
	assert.True(t, names["service"])

	serve, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	assert.NotNil(t, serve.Flags().Lookup("rollback"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
}

func TestCollectStatus(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	m := upgrade.NewManager(dir, nil)
	require.NoError(t, m.Open(ctx, []block.PoolID{"BP-1", "BP-2"}, false))
	c, ok := m.Coordinator("BP-1")
	require.True(t, ok)
	require.NoError(t, c.Start(ctx))

	layout := block.NewLayout(dir, "BP-1")
	id := block.Identity{BlockID: 1, GenStamp: 1}
	dataPath, metaPath := testutil.WriteBlock(t, layout, id, make([]byte, 2048))
	require.NoError(t, c.Trash().MoveToTrash(id, dataPath, metaPath))

	report, err := collectStatus(dir, []block.PoolID{"BP-3"}, 1024)
	require.NoError(t, err)
	require.Len(t, report.Pools, 3)

	bp1 := report.Pools[0]
	assert.Equal(t, "BP-1", bp1.Pool)
	assert.Equal(t, "TRASH_ACTIVE", bp1.State)
	assert.True(t, bp1.TrashRootExists)
	assert.True(t, bp1.Consistent)
	assert.True(t, bp1.OverWarnSize)
	assert.GreaterOrEqual(t, bp1.TrashBytes, int64(2048))

	bp3 := report.Pools[2]
	assert.Equal(t, "BP-3", bp3.Pool)
	assert.Equal(t, "NORMAL", bp3.State)
	assert.False(t, bp3.TrashRootExists)

	// Status is read-only: nothing was created for the unknown pool.
	assert.False(t, testutil.Exists(block.NewLayout(dir, "BP-3").PoolDir()))
	marker, err := upgradestate.NewStore(dir).Load("BP-1")
	require.NoError(t, err)
	assert.Equal(t, upgradestate.TrashActive, marker.State)

	var buf bytes.Buffer
	printStatus(&buf, report)
	out := buf.String()
	assert.Contains(t, out, "BP-1")
	assert.Contains(t, out, "TRASH_ACTIVE")
	assert.Contains(t, out, "(!)")
}

func TestPrintStatus_NoPools(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, &statusReport{DataDir: "/data"})
	assert.Contains(t, buf.String(), "No block pools found.")
}
