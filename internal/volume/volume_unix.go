//go:build !windows

package volume

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// GetStats returns filesystem statistics for the volume holding path.
// Available uses Bavail (non-root available space).
func GetStats(path string) (Stats, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return Stats{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	// Bsize is int64 on linux but uint32 on darwin.
	bsize := int64(stat.Bsize) //nolint:unconvert
	total := int64(stat.Blocks) * bsize
	return Stats{
		TotalBytes:     total,
		UsedBytes:      total - int64(stat.Bfree)*bsize,
		AvailableBytes: int64(stat.Bavail) * bsize,
	}, nil
}
