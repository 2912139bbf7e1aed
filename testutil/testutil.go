// Package testutil provides shared test utilities for datanode tests.
package testutil

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/tunnelmesh/datanode/internal/block"
)

// Seed is the default seed for deterministic block content.
const Seed = 0x1BADF00D

// TempDir creates a temporary directory for testing and returns a cleanup function.
func TempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "datanode-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	return dir, func() {
		_ = os.RemoveAll(dir)
	}
}

// TempFile creates a temporary file with the given content and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// DeterministicBytes returns size pseudo-random bytes derived from seed.
func DeterministicBytes(seed int64, size int) []byte {
	buf := make([]byte, size)
	r := rand.New(rand.NewSource(seed))
	_, _ = r.Read(buf)
	return buf
}

// WriteBlock stores a block at its canonical location in layout and returns
// the data and checksum file paths.
func WriteBlock(t *testing.T, layout block.Layout, id block.Identity, data []byte) (dataPath, metaPath string) {
	t.Helper()
	dataPath = layout.DataFile(id)
	metaPath = layout.MetaFile(id)

	if err := os.MkdirAll(filepath.Dir(dataPath), 0755); err != nil {
		t.Fatalf("failed to create block dir: %v", err)
	}
	if err := os.WriteFile(dataPath, data, 0644); err != nil {
		t.Fatalf("failed to write block data: %v", err)
	}
	meta := []byte{0, 1, byte(len(data) & 0xff)}
	if err := os.WriteFile(metaPath, meta, 0644); err != nil {
		t.Fatalf("failed to write block meta: %v", err)
	}
	return dataPath, metaPath
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
