//go:build windows

package volume

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// GetStats returns filesystem statistics for the volume holding path.
func GetStats(path string) (Stats, error) {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return Stats{}, fmt.Errorf("utf16 path: %w", err)
	}

	var freeBytesAvailable, totalBytes, totalFreeBytes uint64
	if err := windows.GetDiskFreeSpaceEx(
		pathPtr,
		(*uint64)(unsafe.Pointer(&freeBytesAvailable)),
		(*uint64)(unsafe.Pointer(&totalBytes)),
		(*uint64)(unsafe.Pointer(&totalFreeBytes)),
	); err != nil {
		return Stats{}, fmt.Errorf("GetDiskFreeSpaceEx %s: %w", path, err)
	}

	return Stats{
		TotalBytes:     int64(totalBytes),
		UsedBytes:      int64(totalBytes) - int64(totalFreeBytes),
		AvailableBytes: int64(freeBytesAvailable),
	}, nil
}
