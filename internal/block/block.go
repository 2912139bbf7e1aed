// Package block describes stored block versions and where their files live on disk.
package block

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// PoolID identifies a block pool. A node may host several pools at once and
// each one keeps independent trash state.
type PoolID string

// String returns the pool id.
func (p PoolID) String() string {
	return string(p)
}

// Validate rejects pool ids that cannot be used as a single directory name.
func (p PoolID) Validate() error {
	s := string(p)
	if s == "" {
		return fmt.Errorf("block pool id cannot be empty")
	}
	if strings.ContainsRune(s, 0) {
		return fmt.Errorf("null bytes not allowed")
	}
	if s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("invalid block pool id %q", s)
	}
	return nil
}

// Identity uniquely identifies one stored block version within a pool.
type Identity struct {
	BlockID  int64
	GenStamp int64
}

// String formats the identity the way block files are named.
func (id Identity) String() string {
	return fmt.Sprintf("blk_%d_%d", id.BlockID, id.GenStamp)
}

// DataFileName returns the name of the block's data file.
func (id Identity) DataFileName() string {
	return "blk_" + strconv.FormatInt(id.BlockID, 10)
}

// MetaFileName returns the name of the block's checksum file.
func (id Identity) MetaFileName() string {
	return id.String() + ".meta"
}

var (
	dataFilePattern = regexp.MustCompile(`^blk_(-?\d+)$`)
	metaFilePattern = regexp.MustCompile(`^blk_(-?\d+)_(\d+)\.meta$`)
)

// ParseMetaFileName extracts the identity from a checksum file name.
func ParseMetaFileName(name string) (Identity, bool) {
	m := metaFilePattern.FindStringSubmatch(name)
	if m == nil {
		return Identity{}, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return Identity{}, false
	}
	gs, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return Identity{}, false
	}
	return Identity{BlockID: id, GenStamp: gs}, true
}

// ParseDataFileName extracts the block id from a data file name.
func ParseDataFileName(name string) (int64, bool) {
	m := dataFilePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// IsBlockFile reports whether name is a data or checksum file.
func IsBlockFile(name string) bool {
	return dataFilePattern.MatchString(name) || metaFilePattern.MatchString(name)
}
