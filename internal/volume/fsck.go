package volume

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/distr1/plaraefs"
	"github.com/distr1/plaraefs/internal/allocator"
	"github.com/distr1/plaraefs/internal/vfs"
)

// FsckReport summarizes a read-only consistency check (SPEC_FULL.md §D.1).
// A future `fsck -fix` could reuse Unreachable/BitmapMismatch to actually
// repair a volume; today this only reports.
type FsckReport struct {
	TotalBlocks     uint64
	SuperblockCount uint64
	Reachable       uint64
	// Unreachable lists allocated blocks that no traversal from the root
	// directory reached: leaked space, not corruption.
	Unreachable []uint64
	// BitmapMismatch lists blocks whose reachability disagrees with their
	// bitmap bit: a block reachable from the tree but marked free, or a
	// block marked used that nothing references.
	BitmapMismatch []uint64
}

func (r *FsckReport) String() string {
	return fmt.Sprintf("blocks: %d total, %d reachable, %d unreachable, %d bitmap mismatches",
		r.TotalBlocks, r.Reachable, len(r.Unreachable), len(r.BitmapMismatch))
}

// Fsck walks the directory tree from the root, marks every block it visits,
// and compares that reachability set against the allocator's bitmaps. It
// never writes to the volume.
func (v *Volume) Fsck() (*FsckReport, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	totalBlocks, err := v.crypto.TotalBlocks()
	if err != nil {
		return nil, err
	}

	reachable := make(map[uint64]bool)
	if err := v.markReachable(plaraefs.RootHeaderID, reachable, map[uint64]bool{}); err != nil {
		return nil, err
	}
	reachable[0] = true // superblock 0 is self-referential, always "reachable"

	const regionSize = plaraefs.BitsPerSuperblock + 1
	regions := totalBlocks / regionSize

	report := &FsckReport{TotalBlocks: totalBlocks, SuperblockCount: regions}
	var g errgroup.Group
	mismatches := make([][]uint64, regions)
	for r := uint64(0); r < regions; r++ {
		r := r
		g.Go(func() error {
			sbIndex := r * regionSize
			allocated, err := v.readSuperblockBits(sbIndex)
			if err != nil {
				return err
			}
			var local []uint64
			for bit := uint64(1); bit < regionSize; bit++ {
				idx := sbIndex + bit
				if idx >= totalBlocks {
					break
				}
				isAlloc := allocated[bit]
				isReach := reachable[idx]
				if isAlloc != isReach {
					local = append(local, idx)
				}
			}
			mismatches[r] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, m := range mismatches {
		report.BitmapMismatch = append(report.BitmapMismatch, m...)
	}
	report.Reachable = uint64(len(reachable))
	for _, idx := range report.BitmapMismatch {
		if !reachable[idx] {
			report.Unreachable = append(report.Unreachable, idx)
		}
	}
	return report, nil
}

func (v *Volume) readSuperblockBits(sbIndex uint64) ([]bool, error) {
	p, err := v.cache.Get(sbIndex)
	if err != nil {
		return nil, err
	}
	bits := make([]bool, plaraefs.BitsPerSuperblock+1)
	for i := range bits {
		byteIdx := i / 8
		if byteIdx >= len(p.Data) {
			break
		}
		bits[i] = p.Data[byteIdx]&(1<<(uint(i)%8)) != 0
	}
	return bits, nil
}

func (v *Volume) isAllocatedUnlocked(idx uint64) (bool, error) {
	sbIndex := allocator.SuperblockIndex(idx)
	p, err := v.cache.Get(sbIndex)
	if err != nil {
		return false, err
	}
	bit := idx - sbIndex
	return p.Data[bit/8]&(1<<(bit%8)) != 0, nil
}

// markReachable walks the file/directory/xattr graph from headerID,
// recording every block id it touches.
func (v *Volume) markReachable(headerID uint64, seen map[uint64]bool, visitedDirs map[uint64]bool) error {
	if seen[headerID] {
		return nil
	}
	seen[headerID] = true

	h, _, err := v.fs.Stat(headerID)
	if err != nil {
		return err
	}
	for _, id := range h.Direct {
		if id != 0 {
			seen[id] = true
		}
	}
	contID := h.NextContinuation
	visitedCont := map[uint64]bool{}
	for contID != 0 {
		if visitedCont[contID] {
			return plaraefs.Wrap(plaraefs.ErrCorruptBlock, "fsck: cycle in continuation chain at block %d", contID)
		}
		visitedCont[contID] = true
		seen[contID] = true
		c, err := v.readContinuationForFsck(contID)
		if err != nil {
			return err
		}
		for _, id := range c.Direct {
			if id != 0 {
				seen[id] = true
			}
		}
		contID = c.NextContinuation
	}
	if h.XattrOverflow != 0 {
		id := h.XattrOverflow
		visitedXattr := map[uint64]bool{}
		for id != 0 {
			if visitedXattr[id] {
				return plaraefs.Wrap(plaraefs.ErrCorruptBlock, "fsck: cycle in xattr overflow chain at block %d", id)
			}
			visitedXattr[id] = true
			seen[id] = true
			p, err := v.cache.Get(id)
			if err != nil {
				return err
			}
			id = binary.LittleEndian.Uint64(p.Data[:plaraefs.BlockIDSize])
		}
	}

	if h.Mode != vfs.ModeDirectory {
		return nil
	}
	if visitedDirs[headerID] {
		return nil
	}
	visitedDirs[headerID] = true
	entries, err := v.fs.DirList(headerID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := v.markReachable(e.ID, seen, visitedDirs); err != nil {
			return err
		}
	}
	return nil
}

func (v *Volume) readContinuationForFsck(id uint64) (*vfs.Continuation, error) {
	p, err := v.cache.Get(id)
	if err != nil {
		return nil, err
	}
	return vfs.DecodeContinuation(p.Data[:])
}
