package vfs

import (
	"github.com/distr1/plaraefs"
	"github.com/distr1/plaraefs/internal/allocator"
	"github.com/distr1/plaraefs/internal/blockcache"
)

// Filesystem implements the file-header/continuation-chain/directory/xattr
// primitives of SPEC_FULL.md §4.4, parameterised by a file-header block id
// on every call (per spec.md's own framing).
type Filesystem struct {
	Cache *blockcache.Cache
	Alloc *allocator.Allocator
}

func (fs *Filesystem) readHeader(id uint64) (*FileHeader, error) {
	p, err := fs.Cache.Get(id)
	if err != nil {
		return nil, err
	}
	return DecodeHeader(p.Data[:])
}

func (fs *Filesystem) writeHeader(id uint64, h *FileHeader) error {
	p, err := fs.Cache.GetMut(id)
	if err != nil {
		return err
	}
	copy(p.Data[:], h.Encode())
	return nil
}

func (fs *Filesystem) readContinuation(id uint64) (*Continuation, error) {
	p, err := fs.Cache.Get(id)
	if err != nil {
		return nil, err
	}
	return DecodeContinuation(p.Data[:])
}

func (fs *Filesystem) writeContinuation(id uint64, c *Continuation) error {
	p, err := fs.Cache.GetMut(id)
	if err != nil {
		return err
	}
	copy(p.Data[:], c.Encode())
	return nil
}

// CreateFile allocates a single header block, writes an empty header for
// it, and returns its id.
func (fs *Filesystem) CreateFile(mode Mode) (uint64, error) {
	id, err := fs.Alloc.Allocate()
	if err != nil {
		return 0, err
	}
	if err := fs.writeHeader(id, &FileHeader{Mode: mode}); err != nil {
		return 0, err
	}
	return id, nil
}

// InitHeaderAt writes a fresh, empty header for a block id the allocator
// has already reserved (used for the root directory's fixed header id,
// which InitRoot marks allocated without going through CreateFile).
func (fs *Filesystem) InitHeaderAt(id uint64, mode Mode) error {
	return fs.writeHeader(id, &FileHeader{Mode: mode})
}

// DeleteFile walks the continuation chain, freeing every referenced data
// block, continuation block, xattr overflow block, and finally the header
// itself.
func (fs *Filesystem) DeleteFile(headerID uint64) error {
	h, err := fs.readHeader(headerID)
	if err != nil {
		return err
	}
	for _, id := range h.Direct {
		if id != 0 {
			if err := fs.Alloc.Free(id); err != nil {
				return err
			}
		}
	}
	visited := map[uint64]bool{headerID: true}
	contID := h.NextContinuation
	for contID != 0 {
		if visited[contID] {
			return plaraefs.Wrap(plaraefs.ErrCorruptBlock, "cycle in continuation chain at block %d", contID)
		}
		visited[contID] = true
		c, err := fs.readContinuation(contID)
		if err != nil {
			return err
		}
		for _, id := range c.Direct {
			if id != 0 {
				if err := fs.Alloc.Free(id); err != nil {
					return err
				}
			}
		}
		next := c.NextContinuation
		if err := fs.Alloc.Free(contID); err != nil {
			return err
		}
		contID = next
	}
	if h.XattrOverflow != 0 {
		if err := fs.freeXattrOverflowChain(h.XattrOverflow); err != nil {
			return err
		}
	}
	return fs.Alloc.Free(headerID)
}

// chainSlotBlock returns the data-block id for logical slot s within the
// chain rooted at headerID, optionally allocating continuation/data blocks
// as needed when create is true.
func (fs *Filesystem) chainSlotBlock(headerID uint64, h *FileHeader, slot uint64, create bool) (uint64, error) {
	if slot < plaraefs.DirectBlockCount {
		id := h.Direct[slot]
		if id == 0 && create {
			newID, err := fs.Alloc.Allocate()
			if err != nil {
				return 0, err
			}
			h.Direct[slot] = newID
			if err := fs.writeHeader(headerID, h); err != nil {
				return 0, err
			}
			return newID, nil
		}
		return id, nil
	}

	slot -= plaraefs.DirectBlockCount
	prevID := headerID
	contID := h.NextContinuation
	visited := map[uint64]bool{}
	for {
		if contID == 0 {
			if !create {
				return 0, nil
			}
			newContID, err := fs.Alloc.Allocate()
			if err != nil {
				return 0, err
			}
			newCont := &Continuation{PrevContinuation: prevID}
			if err := fs.writeContinuation(newContID, newCont); err != nil {
				return 0, err
			}
			if prevID == headerID {
				h.NextContinuation = newContID
				if err := fs.writeHeader(headerID, h); err != nil {
					return 0, err
				}
			} else {
				prevCont, err := fs.readContinuation(prevID)
				if err != nil {
					return 0, err
				}
				prevCont.NextContinuation = newContID
				if err := fs.writeContinuation(prevID, prevCont); err != nil {
					return 0, err
				}
			}
			contID = newContID
		}
		if visited[contID] {
			return 0, plaraefs.Wrap(plaraefs.ErrCorruptBlock, "cycle in continuation chain at block %d", contID)
		}
		visited[contID] = true

		if slot < plaraefs.DirectBlockCount {
			c, err := fs.readContinuation(contID)
			if err != nil {
				return 0, err
			}
			id := c.Direct[slot]
			if id == 0 && create {
				newID, err := fs.Alloc.Allocate()
				if err != nil {
					return 0, err
				}
				c.Direct[slot] = newID
				if err := fs.writeContinuation(contID, c); err != nil {
					return 0, err
				}
				return newID, nil
			}
			return id, nil
		}

		slot -= plaraefs.DirectBlockCount
		c, err := fs.readContinuation(contID)
		if err != nil {
			return 0, err
		}
		prevID = contID
		contID = c.NextContinuation
	}
}

// ReadBytes reads up to length bytes starting at offset from the file
// rooted at headerID. Reads within the recorded file size but beyond any
// written block return zeros (holes); reads at or beyond file size return
// io.EOF-equivalent by returning fewer bytes than requested (callers at the
// operation surface translate a short read at EOF into a clean zero-length
// result, matching FUSE's expectations).
func (fs *Filesystem) ReadBytes(headerID uint64, offset uint64, length uint64) ([]byte, error) {
	h, err := fs.readHeader(headerID)
	if err != nil {
		return nil, err
	}
	if offset >= h.FileSize {
		return nil, nil
	}
	if offset+length > h.FileSize {
		length = h.FileSize - offset
	}
	out := make([]byte, 0, length)
	for uint64(len(out)) < length {
		slot := offset / plaraefs.LogicalBlockSize
		within := offset % plaraefs.LogicalBlockSize
		blockID, err := fs.chainSlotBlock(headerID, h, slot, false)
		if err != nil {
			return nil, err
		}
		want := plaraefs.LogicalBlockSize - within
		remaining := length - uint64(len(out))
		if want > remaining {
			want = remaining
		}
		if blockID == 0 {
			out = append(out, make([]byte, want)...)
		} else {
			p, err := fs.Cache.Get(blockID)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Data[within:within+want]...)
		}
		offset += want
	}
	return out, nil
}

// WriteBytes writes data at offset into the file rooted at headerID,
// extending the chain as needed and updating file_size if the write grows
// the file.
func (fs *Filesystem) WriteBytes(headerID uint64, offset uint64, data []byte) error {
	h, err := fs.readHeader(headerID)
	if err != nil {
		return err
	}
	written := uint64(0)
	for written < uint64(len(data)) {
		pos := offset + written
		slot := pos / plaraefs.LogicalBlockSize
		within := pos % plaraefs.LogicalBlockSize
		blockID, err := fs.chainSlotBlock(headerID, h, slot, true)
		if err != nil {
			return err
		}
		n := plaraefs.LogicalBlockSize - within
		remaining := uint64(len(data)) - written
		if n > remaining {
			n = remaining
		}
		p, err := fs.Cache.GetMut(blockID)
		if err != nil {
			return err
		}
		copy(p.Data[within:within+n], data[written:written+n])
		written += n
	}
	if offset+uint64(len(data)) > h.FileSize {
		h.FileSize = offset + uint64(len(data))
		if err := fs.writeHeader(headerID, h); err != nil {
			return err
		}
	}
	return nil
}

// TruncateFile frees blocks beyond newSize, zero-fills the tail of the
// last retained block, and updates file_size. Growing leaves blocks
// unreferenced (read as zero) until written.
func (fs *Filesystem) TruncateFile(headerID uint64, newSize uint64) error {
	h, err := fs.readHeader(headerID)
	if err != nil {
		return err
	}
	if newSize >= h.FileSize {
		h.FileSize = newSize
		return fs.writeHeader(headerID, h)
	}

	oldLastSlot := slotCount(h.FileSize)
	newLastSlot := slotCount(newSize)

	for slot := oldLastSlot; slot > newLastSlot; slot-- {
		blockID, err := fs.chainSlotBlock(headerID, h, slot-1, false)
		if err != nil {
			return err
		}
		if blockID != 0 {
			if err := fs.Alloc.Free(blockID); err != nil {
				return err
			}
			if err := fs.clearSlot(headerID, h, slot-1); err != nil {
				return err
			}
		}
	}

	if newSize%plaraefs.LogicalBlockSize != 0 && newLastSlot > 0 {
		blockID, err := fs.chainSlotBlock(headerID, h, newLastSlot-1, false)
		if err != nil {
			return err
		}
		if blockID != 0 {
			p, err := fs.Cache.GetMut(blockID)
			if err != nil {
				return err
			}
			within := newSize % plaraefs.LogicalBlockSize
			for i := within; i < plaraefs.LogicalBlockSize; i++ {
				p.Data[i] = 0
			}
		}
	}

	fs.unlinkTrailingContinuations(headerID, h, newLastSlot)

	h.FileSize = newSize
	return fs.writeHeader(headerID, h)
}

func (fs *Filesystem) clearSlot(headerID uint64, h *FileHeader, slot uint64) error {
	if slot < plaraefs.DirectBlockCount {
		h.Direct[slot] = 0
		return fs.writeHeader(headerID, h)
	}
	slot -= plaraefs.DirectBlockCount
	contID := h.NextContinuation
	for contID != 0 {
		if slot < plaraefs.DirectBlockCount {
			c, err := fs.readContinuation(contID)
			if err != nil {
				return err
			}
			c.Direct[slot] = 0
			return fs.writeContinuation(contID, c)
		}
		slot -= plaraefs.DirectBlockCount
		c, err := fs.readContinuation(contID)
		if err != nil {
			return err
		}
		contID = c.NextContinuation
	}
	return nil
}

// unlinkTrailingContinuations frees every continuation block whose entire
// 32-slot range lies beyond newLastSlot.
func (fs *Filesystem) unlinkTrailingContinuations(headerID uint64, h *FileHeader, newLastSlot uint64) {
	if newLastSlot <= plaraefs.DirectBlockCount {
		// Every continuation is entirely beyond the new end.
		contID := h.NextContinuation
		h.NextContinuation = 0
		fs.writeHeader(headerID, h)
		fs.freeContinuationChain(contID)
		return
	}
	slotsIntoContinuations := newLastSlot - plaraefs.DirectBlockCount
	keepContinuations := (slotsIntoContinuations + plaraefs.DirectBlockCount - 1) / plaraefs.DirectBlockCount

	contID := h.NextContinuation
	var prevKept uint64
	for i := uint64(0); contID != 0; i++ {
		c, err := fs.readContinuation(contID)
		if err != nil {
			return
		}
		if i < keepContinuations {
			prevKept = contID
			contID = c.NextContinuation
			continue
		}
		// Unlink here and free the rest of the chain.
		if prevKept != 0 {
			prevCont, err := fs.readContinuation(prevKept)
			if err == nil {
				prevCont.NextContinuation = 0
				fs.writeContinuation(prevKept, prevCont)
			}
		}
		fs.freeContinuationChain(contID)
		return
	}
}

func (fs *Filesystem) freeContinuationChain(contID uint64) {
	for contID != 0 {
		c, err := fs.readContinuation(contID)
		if err != nil {
			return
		}
		for _, id := range c.Direct {
			if id != 0 {
				fs.Alloc.Free(id)
			}
		}
		next := c.NextContinuation
		fs.Alloc.Free(contID)
		contID = next
	}
}

func slotCount(size uint64) uint64 {
	if size == 0 {
		return 0
	}
	return (size + plaraefs.LogicalBlockSize - 1) / plaraefs.LogicalBlockSize
}

// Stat returns the decoded header and the number of allocated blocks in its
// chain (for getattr's st_blocks per spec.md §4.5).
func (fs *Filesystem) Stat(headerID uint64) (*FileHeader, uint64, error) {
	h, err := fs.readHeader(headerID)
	if err != nil {
		return nil, 0, err
	}
	count := uint64(1) // the header block itself
	for _, id := range h.Direct {
		if id != 0 {
			count++
		}
	}
	visited := map[uint64]bool{}
	contID := h.NextContinuation
	for contID != 0 {
		if visited[contID] {
			return nil, 0, plaraefs.Wrap(plaraefs.ErrCorruptBlock, "cycle in continuation chain at block %d", contID)
		}
		visited[contID] = true
		count++
		c, err := fs.readContinuation(contID)
		if err != nil {
			return nil, 0, err
		}
		for _, id := range c.Direct {
			if id != 0 {
				count++
			}
		}
		contID = c.NextContinuation
	}
	return h, count, nil
}
