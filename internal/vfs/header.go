// Package vfs implements the file-system layer of SPEC_FULL.md §4.4: file
// header / continuation chains, directory encoding, xattr encoding, and
// free-space-aware read/write/truncate, all built on top of
// internal/blockcache and internal/allocator.
package vfs

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/distr1/plaraefs"
)

// Mode identifies the kind of file a header describes.
type Mode uint8

const (
	ModeRegular   Mode = 0
	ModeDirectory Mode = 1
	// ModeSymlink is a supplemented value (SPEC_FULL.md §E): spec.md §9
	// explicitly allows "mode gains a third value" if symlinks are
	// implemented, which this repository does.
	ModeSymlink Mode = 2
)

// headerFixedSize is the byte length of a FileHeader's fixed fields, before
// the unused data_region padding that rounds the block out to
// plaraefs.LogicalBlockSize (data_region carries no addressable content in
// this implementation).
const headerFixedSize = 1 + plaraefs.FileSizeSize + plaraefs.BlockIDSize +
	plaraefs.DirectBlockCount*plaraefs.BlockIDSize + plaraefs.BlockIDSize + plaraefs.XattrInlineSize

// FileHeader is the decoded payload of a file header block (§3).
type FileHeader struct {
	Mode             Mode
	FileSize         uint64
	NextContinuation uint64
	Direct           [plaraefs.DirectBlockCount]uint64
	XattrOverflow    uint64
	XattrInline      [plaraefs.XattrInlineSize]byte
}

// Encode serializes h into a LogicalBlockSize buffer.
func (h *FileHeader) Encode() []byte {
	buf := make([]byte, plaraefs.LogicalBlockSize)
	w := buf
	w[0] = byte(h.Mode)
	w = w[1:]
	binary.LittleEndian.PutUint64(w, h.FileSize)
	w = w[plaraefs.FileSizeSize:]
	binary.LittleEndian.PutUint64(w, h.NextContinuation)
	w = w[plaraefs.BlockIDSize:]
	for _, id := range h.Direct {
		binary.LittleEndian.PutUint64(w, id)
		w = w[plaraefs.BlockIDSize:]
	}
	binary.LittleEndian.PutUint64(w, h.XattrOverflow)
	w = w[plaraefs.BlockIDSize:]
	copy(w, h.XattrInline[:])
	return buf
}

// DecodeHeader parses a LogicalBlockSize buffer into a FileHeader.
func DecodeHeader(buf []byte) (*FileHeader, error) {
	if len(buf) < headerFixedSize {
		return nil, xerrors.Errorf("header block too short: %d bytes", len(buf))
	}
	h := &FileHeader{}
	r := buf
	h.Mode = Mode(r[0])
	r = r[1:]
	h.FileSize = binary.LittleEndian.Uint64(r)
	r = r[plaraefs.FileSizeSize:]
	h.NextContinuation = binary.LittleEndian.Uint64(r)
	r = r[plaraefs.BlockIDSize:]
	for i := range h.Direct {
		h.Direct[i] = binary.LittleEndian.Uint64(r)
		r = r[plaraefs.BlockIDSize:]
	}
	h.XattrOverflow = binary.LittleEndian.Uint64(r)
	r = r[plaraefs.BlockIDSize:]
	copy(h.XattrInline[:], r[:plaraefs.XattrInlineSize])
	return h, nil
}

// continuationFixedSize is the byte length of a Continuation's fixed
// fields.
const continuationFixedSize = plaraefs.BlockIDSize + plaraefs.BlockIDSize +
	plaraefs.DirectBlockCount*plaraefs.BlockIDSize

// Continuation is the decoded payload of a file continuation block (§3).
type Continuation struct {
	NextContinuation uint64
	PrevContinuation uint64
	Direct           [plaraefs.DirectBlockCount]uint64
}

// Encode serializes c into a LogicalBlockSize buffer.
func (c *Continuation) Encode() []byte {
	buf := make([]byte, plaraefs.LogicalBlockSize)
	w := buf
	binary.LittleEndian.PutUint64(w, c.NextContinuation)
	w = w[plaraefs.BlockIDSize:]
	binary.LittleEndian.PutUint64(w, c.PrevContinuation)
	w = w[plaraefs.BlockIDSize:]
	for _, id := range c.Direct {
		binary.LittleEndian.PutUint64(w, id)
		w = w[plaraefs.BlockIDSize:]
	}
	return buf
}

// DecodeContinuation parses a LogicalBlockSize buffer into a Continuation.
func DecodeContinuation(buf []byte) (*Continuation, error) {
	if len(buf) < continuationFixedSize {
		return nil, xerrors.Errorf("continuation block too short: %d bytes", len(buf))
	}
	c := &Continuation{}
	r := buf
	c.NextContinuation = binary.LittleEndian.Uint64(r)
	r = r[plaraefs.BlockIDSize:]
	c.PrevContinuation = binary.LittleEndian.Uint64(r)
	r = r[plaraefs.BlockIDSize:]
	for i := range c.Direct {
		c.Direct[i] = binary.LittleEndian.Uint64(r)
		r = r[plaraefs.BlockIDSize:]
	}
	return c, nil
}

var zeroBlock [plaraefs.LogicalBlockSize]byte

func isZero(b []byte) bool { return bytes.Equal(b, zeroBlock[:len(b)]) }
