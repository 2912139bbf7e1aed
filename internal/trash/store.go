// Package trash relocates block files between their canonical location and a
// per-pool trash mirror. It has no knowledge of upgrade semantics.
package trash

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/datanode/internal/block"
)

const lockStripes = 64

// Store moves block files of one pool into and out of its trash root.
// All paths handed to the filesystem are relative to the pool directory, so a
// trash path is the canonical path with its leading "current" replaced by "trash".
type Store struct {
	layout block.Layout
	fs     billy.Filesystem
	locks  [lockStripes]sync.Mutex
}

// NewStore creates a trash store for the pool described by layout.
func NewStore(layout block.Layout) (*Store, error) {
	if err := layout.Pool().Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool: %w", err)
	}
	if err := os.MkdirAll(layout.PoolDir(), 0755); err != nil {
		return nil, fmt.Errorf("create pool dir: %w", err)
	}
	return NewStoreWithFS(layout, osfs.New(layout.PoolDir())), nil
}

// NewStoreWithFS creates a trash store on top of fs, which must be rooted at
// the pool directory.
func NewStoreWithFS(layout block.Layout, fs billy.Filesystem) *Store {
	return &Store{layout: layout, fs: fs}
}

// Layout returns the pool layout.
func (s *Store) Layout() block.Layout {
	return s.layout
}

func (s *Store) lockFor(blockID int64) *sync.Mutex {
	return &s.locks[uint64(blockID)%lockStripes]
}

// poolRelative converts an absolute canonical path to a pool-relative one.
func (s *Store) poolRelative(path string) (string, error) {
	rel, err := filepath.Rel(s.layout.PoolDir(), path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrOutsidePool, path)
	}
	if !strings.HasPrefix(rel, block.CurrentDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsidePool, path)
	}
	return rel, nil
}

func toTrash(rel string) string {
	return filepath.Join(block.TrashDir, strings.TrimPrefix(rel, block.CurrentDir+string(filepath.Separator)))
}

func toCurrent(rel string) string {
	return filepath.Join(block.CurrentDir, strings.TrimPrefix(rel, block.TrashDir+string(filepath.Separator)))
}

// CheckPaths returns ErrOutsidePool if any path is not under the pool's
// current directory.
func (s *Store) CheckPaths(paths ...string) error {
	for _, p := range paths {
		if _, err := s.poolRelative(p); err != nil {
			return err
		}
	}
	return nil
}

// TrashPath returns the absolute trash location mirroring a canonical path.
func (s *Store) TrashPath(path string) (string, error) {
	rel, err := s.poolRelative(path)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.layout.PoolDir(), toTrash(rel)), nil
}

func (s *Store) exists(rel string) (bool, error) {
	_, err := s.fs.Stat(rel)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// MoveToTrash renames the block's data and checksum files into the trash mirror.
// An existing trash file is never overwritten. ErrAlreadyTrashed and
// ErrSourceMissing both mean there was nothing left to move. ErrTrashConflict
// means a live file could not be moved because its trash slot is taken; in that
// case nothing is moved.
func (s *Store) MoveToTrash(id block.Identity, dataPath, metaPath string) error {
	mu := s.lockFor(id.BlockID)
	mu.Lock()
	defer mu.Unlock()

	type move struct{ src, dst string }
	var moves []move
	trashed := false

	for _, p := range []string{dataPath, metaPath} {
		src, err := s.poolRelative(p)
		if err != nil {
			return err
		}
		dst := toTrash(src)

		srcExists, err := s.exists(src)
		if err != nil {
			return fmt.Errorf("stat %s: %w", src, err)
		}
		dstExists, err := s.exists(dst)
		if err != nil {
			return fmt.Errorf("stat %s: %w", dst, err)
		}

		switch {
		case dstExists && srcExists:
			return fmt.Errorf("%w: %s", ErrTrashConflict, dst)
		case dstExists:
			trashed = true
		case srcExists:
			moves = append(moves, move{src: src, dst: dst})
		}
	}

	if len(moves) == 0 {
		if trashed {
			return fmt.Errorf("%w: %s", ErrAlreadyTrashed, id)
		}
		return fmt.Errorf("%w: %s", ErrSourceMissing, id)
	}

	for _, m := range moves {
		// Rename creates the destination's parent directories.
		if err := s.fs.Rename(m.src, m.dst); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("move %s to trash: %w", m.src, err)
		}
	}

	log.Debug().
		Str("pool", s.layout.Pool().String()).
		Str("block", id.String()).
		Msg("block moved to trash")
	return nil
}

// Exists reports whether any of the block's files are in trash.
func (s *Store) Exists(id block.Identity) bool {
	dir := filepath.Join(block.TrashDir, block.BlockDir(id.BlockID))
	for _, name := range []string{id.DataFileName(), id.MetaFileName()} {
		if ok, _ := s.exists(filepath.Join(dir, name)); ok {
			return true
		}
	}
	return false
}

// Restore moves the block's files from trash back to their canonical location.
// It is a no-op when the block has no trash entry.
func (s *Store) Restore(id block.Identity) error {
	mu := s.lockFor(id.BlockID)
	mu.Lock()
	defer mu.Unlock()

	dir := filepath.Join(block.CurrentDir, block.BlockDir(id.BlockID))
	_, err := s.restoreFiles([]string{
		toTrash(filepath.Join(dir, id.DataFileName())),
		toTrash(filepath.Join(dir, id.MetaFileName())),
	})
	return err
}

// restoreFiles moves trash files back. Every destination is checked before the
// first rename so an occupied slot leaves the entry untouched.
func (s *Store) restoreFiles(trashFiles []string) (int, error) {
	var pending []string
	for _, t := range trashFiles {
		ok, err := s.exists(t)
		if err != nil {
			return 0, fmt.Errorf("stat %s: %w", t, err)
		}
		if !ok {
			continue
		}
		occupied, err := s.exists(toCurrent(t))
		if err != nil {
			return 0, fmt.Errorf("stat %s: %w", toCurrent(t), err)
		}
		if occupied {
			return 0, fmt.Errorf("%w: %s", ErrDestinationOccupied, toCurrent(t))
		}
		pending = append(pending, t)
	}

	restored := 0
	for _, t := range pending {
		if err := s.fs.Rename(t, toCurrent(t)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return restored, fmt.Errorf("restore %s: %w", t, err)
		}
		restored++
	}
	return restored, nil
}

// RestoreAll restores every entry under the trash root and returns the number
// of blocks restored. Entries restored by an earlier call are simply absent, so
// repeating the call after a crash is safe.
func (s *Store) RestoreAll() (int, error) {
	groups, err := s.entries()
	if err != nil {
		return 0, err
	}

	ids := make([]int64, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	count := 0
	for _, id := range ids {
		mu := s.lockFor(id)
		mu.Lock()
		n, err := s.restoreFiles(groups[id])
		mu.Unlock()
		if err != nil {
			return count, err
		}
		if n > 0 {
			count++
		}
	}

	log.Info().
		Str("pool", s.layout.Pool().String()).
		Int("blocks", count).
		Msg("restored blocks from trash")
	return count, nil
}

// entries groups every file under the trash root by block id. Files that do
// not look like block files are grouped under their own pseudo id so they are
// still mirrored back.
func (s *Store) entries() (map[int64][]string, error) {
	ok, err := s.RootExists()
	if err != nil || !ok {
		return nil, err
	}

	groups := make(map[int64][]string)
	var stray int64 = -1 << 62
	walkErr := util.Walk(s.fs, block.TrashDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		name := filepath.Base(path)
		if id, ok := block.ParseDataFileName(name); ok {
			groups[id] = append(groups[id], path)
			return nil
		}
		if ident, ok := block.ParseMetaFileName(name); ok {
			groups[ident.BlockID] = append(groups[ident.BlockID], path)
			return nil
		}
		groups[stray] = []string{path}
		stray++
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walk trash: %w", walkErr)
	}
	return groups, nil
}

// PurgeAll recursively deletes the pool's trash root. It is a no-op when the
// root does not exist.
func (s *Store) PurgeAll() error {
	if err := util.RemoveAll(s.fs, block.TrashDir); err != nil {
		return fmt.Errorf("remove trash root: %w", err)
	}
	log.Info().Str("pool", s.layout.Pool().String()).Msg("trash purged")
	return nil
}

// EnsureRoot creates the trash root if it does not exist.
func (s *Store) EnsureRoot() error {
	if err := s.fs.MkdirAll(block.TrashDir, 0755); err != nil {
		return fmt.Errorf("create trash root: %w", err)
	}
	return nil
}

// RootExists reports whether the trash root directory exists.
func (s *Store) RootExists() (bool, error) {
	info, err := s.fs.Stat(block.TrashDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat trash root: %w", err)
	}
	return info.IsDir(), nil
}

// IsRootEmpty reports whether the trash root holds no files. Empty
// directories left behind by restores do not count.
func (s *Store) IsRootEmpty() (bool, error) {
	groups, err := s.entries()
	if err != nil {
		return false, err
	}
	return len(groups) == 0, nil
}
