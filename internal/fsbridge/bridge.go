// Package fsbridge provides adapters between fs.Filesystem and billy.Filesystem.
// The sync engine accepts the project's native filesystem abstraction but needs
// billy semantics (chroot, O_EXCL creates, rename) for go-git storage and for
// its lock and metadata records.
package fsbridge

import (
	"fmt"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/input-output-hk/catalyst-forge-libs/fs"
	fsb "github.com/input-output-hk/catalyst-forge-libs/fs/billy"
)

// ToBilly converts an fs.Filesystem to a billy.Filesystem.
// The passed filesystem must be a billy-backed wrapper from the fs/billy
// package; other implementations cannot expose the primitives go-git needs.
//
//nolint:ireturn // returns interface as required by billy.Filesystem interface
func ToBilly(fsys fs.Filesystem) (billy.Filesystem, error) {
	billyFS, ok := fsys.(*fsb.FS)
	if !ok {
		return nil, fmt.Errorf("filesystem must be a billy FS from fs/billy package, got %T", fsys)
	}

	return billyFS.Raw(), nil
}

// Scope returns a billy filesystem rooted at dir within fsys, creating dir if
// it does not exist.
//
//nolint:ireturn // chroot returns the billy.Filesystem interface
func Scope(fsys billy.Filesystem, dir string) (billy.Filesystem, error) {
	if dir == "" || dir == "." {
		return fsys, nil
	}

	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %q: %w", dir, err)
	}

	scoped, err := fsys.Chroot(dir)
	if err != nil {
		return nil, fmt.Errorf("scoping to %q: %w", dir, err)
	}
	return scoped, nil
}

// NewStorage creates git object storage over billyFS with an LRU object
// cache. Invalid cache sizes fall back to a minimal cache.
func NewStorage(billyFS billy.Filesystem, cacheSize int) *filesystem.Storage {
	if cacheSize <= 0 {
		cacheSize = 100
	}

	objCache := cache.NewObjectLRU(cache.FileSize(cacheSize))
	return filesystem.NewStorage(billyFS, objCache)
}
