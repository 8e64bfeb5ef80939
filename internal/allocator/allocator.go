// Package allocator implements the bitmap block allocator (§4.3 of
// SPEC_FULL.md): free/used logical blocks are tracked in "superblocks"
// interleaved into the logical address space, with an in-memory hint of
// the next likely-free index.
package allocator

import (
	"sync"

	"golang.org/x/xerrors"

	"github.com/distr1/plaraefs"
	"github.com/distr1/plaraefs/internal/blockcache"
)

// regionSize is the number of logical indices owned by one superblock,
// including the superblock itself: one bit per block, bit 0 reserved for
// the superblock.
const regionSize = plaraefs.BitsPerSuperblock + 1

// Allocator hands out and reclaims logical block indices.
type Allocator struct {
	mu    sync.Mutex
	cache *blockcache.Cache
	hint  uint64
	// free caches the number of unallocated data-block slots across every
	// existing superblock region, seeded by a bitmap scan in Open and
	// maintained incrementally rather than recomputed on every query.
	free uint64

	// extend grows the underlying crypto layer (and therefore backing
	// store) to admit more logical blocks; totalBlocks reports how many
	// exist now. Both are installed by internal/volume at construction
	// time, since the allocator otherwise only ever touches blocks through
	// the cache, never the crypto layer or backing store directly.
	extend      func(to uint64) error
	totalBlocks func() (uint64, error)
}

// SuperblockIndex returns the logical index of the superblock that governs
// index, i.e. the start of the region index belongs to.
func SuperblockIndex(index uint64) uint64 {
	return (index / regionSize) * regionSize
}

// Open constructs an Allocator over an already-initialised set of
// superblocks, scanning them once to seed the free-count cache.
func Open(cache *blockcache.Cache, totalBlocks uint64) (*Allocator, error) {
	a := &Allocator{cache: cache}
	regions := totalBlocks / regionSize
	var free uint64
	for r := uint64(0); r < regions; r++ {
		sbIndex := r * regionSize
		p, err := cache.Get(sbIndex)
		if err != nil {
			return nil, xerrors.Errorf("reading superblock %d: %w", sbIndex, err)
		}
		if p.Data[0]&1 == 0 {
			return nil, plaraefs.Wrap(plaraefs.ErrCorruptBlock, "superblock %d has bit 0 clear", sbIndex)
		}
		free += plaraefs.BitsPerSuperblock - countSetBits(p.Data[:])
	}
	a.free = free
	return a, nil
}

// InitRoot initialises the very first superblock (at logical index 0) and
// allocates the root header block (logical index plaraefs.RootHeaderID) for
// a freshly created, empty volume.
func InitRoot(cache *blockcache.Cache) (*Allocator, error) {
	a := &Allocator{cache: cache, free: plaraefs.BitsPerSuperblock}
	p, err := cache.NewPage(0)
	if err != nil {
		return nil, err
	}
	for i := range p.Data {
		p.Data[i] = 0
	}
	setBit(p.Data[:], 0) // superblock self-reference
	setBit(p.Data[:], 1) // root header, logical index 1
	a.free -= 2
	a.hint = 2
	if _, err := cache.NewPage(plaraefs.RootHeaderID); err != nil {
		return nil, err
	}
	return a, nil
}

// CountFree returns the number of free data-block slots across all
// existing superblock regions.
func (a *Allocator) CountFree() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free
}

// Allocate finds and marks used the lowest-indexed free logical block at or
// after the in-memory hint, extending the volume with a new superblock
// region if none is free in any existing region.
func (a *Allocator) Allocate() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	totalBlocks, err := a.totalBlocksLocked()
	if err != nil {
		return 0, err
	}
	regions := totalBlocks / regionSize

	startRegion := a.hint / regionSize
	for r := startRegion; r < regions; r++ {
		sbIndex := r * regionSize
		p, err := a.cache.GetMut(sbIndex)
		if err != nil {
			return 0, err
		}
		bit, ok := firstZeroBit(p.Data[:], bitOffsetWithinRegion(r, a.hint))
		if ok {
			setBit(p.Data[:], bit)
			index := sbIndex + uint64(bit)
			a.hint = index + 1
			a.free--
			// index has never been written; seed its page so a later
			// Get/GetMut is a cache hit instead of decrypting garbage.
			if _, err := a.cache.NewPage(index); err != nil {
				return 0, err
			}
			return index, nil
		}
	}

	// No free bit in any existing region: extend by one superblock's worth
	// of logical blocks.
	newRegion := regions
	newSbIndex := newRegion * regionSize
	if newSbIndex+regionSize < newSbIndex {
		return 0, plaraefs.Wrap(plaraefs.ErrNoSpace, "logical address space exhausted")
	}
	if err := a.cache.FlushOne(0); err != nil { // write superblock 0 back before extending
		return 0, err
	}
	if err := a.extendLocked(newSbIndex + regionSize); err != nil {
		return 0, err
	}
	p, err := a.cache.NewPage(newSbIndex)
	if err != nil {
		return 0, err
	}
	setBit(p.Data[:], 0)
	setBit(p.Data[:], 1)
	a.free += plaraefs.BitsPerSuperblock - 2
	index := newSbIndex + 1
	a.hint = index + 1
	if _, err := a.cache.NewPage(index); err != nil {
		return 0, err
	}
	return index, nil
}

func (a *Allocator) extendLocked(to uint64) error {
	if a.extend == nil {
		return xerrors.New("allocator: no extend function configured")
	}
	return a.extend(to)
}

// SetExtend installs the callback used to grow the volume when every
// existing superblock region is full.
func (a *Allocator) SetExtend(fn func(to uint64) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.extend = fn
}

func (a *Allocator) totalBlocksLocked() (uint64, error) {
	if a.totalBlocks == nil {
		return 0, xerrors.New("allocator: no totalBlocks function configured")
	}
	return a.totalBlocks()
}

// SetTotalBlocks installs the callback used to learn how many logical
// blocks currently exist, so the allocator knows how many superblock
// regions it can scan without extending.
func (a *Allocator) SetTotalBlocks(fn func() (uint64, error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalBlocks = fn
}

// Free clears the bit for index and lowers the hint to min(hint, index).
func (a *Allocator) Free(index uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if index%regionSize == 0 {
		return xerrors.Errorf("cannot free superblock index %d", index)
	}
	sbIndex := SuperblockIndex(index)
	p, err := a.cache.GetMut(sbIndex)
	if err != nil {
		return err
	}
	bit := uint(index - sbIndex)
	clearBit(p.Data[:], bit)
	if index < a.hint {
		a.hint = index
	}
	a.free++
	return nil
}

// IsAllocated reports whether index is currently marked used.
func (a *Allocator) IsAllocated(index uint64) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sbIndex := SuperblockIndex(index)
	p, err := a.cache.Get(sbIndex)
	if err != nil {
		return false, err
	}
	bit := uint(index - sbIndex)
	return p.Data[bit/8]&(1<<(bit%8)) != 0, nil
}

func bitOffsetWithinRegion(region, hint uint64) uint {
	regionStart := region * regionSize
	if hint <= regionStart {
		return 1 // bit 0 is the superblock itself, never a candidate
	}
	off := hint - regionStart
	if off < 1 {
		off = 1
	}
	return uint(off)
}

// firstZeroBit scans data (a bit-per-block bitmap) starting at bit index
// `from`, returning the lowest-indexed zero bit at or after `from`. Byte
// order within the bitmap is little-endian by bit (bit 0 = LSB of byte 0),
// matching the deterministic lowest-indexed tie-break required by
// spec.md §4.3.
func firstZeroBit(data []byte, from uint) (uint, bool) {
	total := uint(len(data)) * 8
	for bit := from; bit < total; bit++ {
		if data[bit/8]&(1<<(bit%8)) == 0 {
			return bit, true
		}
	}
	return 0, false
}

func setBit(data []byte, bit uint)   { data[bit/8] |= 1 << (bit % 8) }
func clearBit(data []byte, bit uint) { data[bit/8] &^= 1 << (bit % 8) }

func countSetBits(data []byte) uint64 {
	var n uint64
	for _, b := range data {
		for b != 0 {
			n += uint64(b & 1)
			b >>= 1
		}
	}
	return n
}
