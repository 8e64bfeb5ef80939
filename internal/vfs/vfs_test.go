package vfs

import (
	"path/filepath"
	"testing"

	"github.com/distr1/plaraefs"
	"github.com/distr1/plaraefs/internal/allocator"
	"github.com/distr1/plaraefs/internal/backingstore"
	"github.com/distr1/plaraefs/internal/blockcache"
	"github.com/distr1/plaraefs/internal/blockcrypto"
)

// newTestFilesystem provisions a fresh backing store, crypto layer, cache,
// and allocator exactly as internal/volume.Create does, then wraps them in
// a Filesystem. Mirrors internal/allocator's own newTestAllocator helper.
func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	path := filepath.Join(t.TempDir(), "volume.img")
	headerSize := int64(plaraefs.PhysicalBlockSize)
	size := headerSize + int64(plaraefs.BitsPerSuperblock+1)*plaraefs.PhysicalBlockSize
	store, err := backingstore.Create(path, size)
	if err != nil {
		t.Fatalf("backingstore.Create: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	var key [32]byte
	layer, err := blockcrypto.New(store, key, headerSize)
	if err != nil {
		t.Fatalf("blockcrypto.New: %v", err)
	}
	cache, err := blockcache.New(layer, 256)
	if err != nil {
		t.Fatalf("blockcache.New: %v", err)
	}

	alloc, err := allocator.InitRoot(cache)
	if err != nil {
		t.Fatalf("allocator.InitRoot: %v", err)
	}
	alloc.SetExtend(layer.Extend)
	alloc.SetTotalBlocks(layer.TotalBlocks)

	fs := &Filesystem{Cache: cache, Alloc: alloc}
	if err := fs.InitHeaderAt(plaraefs.RootHeaderID, ModeDirectory); err != nil {
		t.Fatalf("InitHeaderAt(root): %v", err)
	}
	return fs
}
