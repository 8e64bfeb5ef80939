package vfs

import (
	"bytes"
	"encoding/binary"

	"github.com/distr1/plaraefs"
)

// dirEntrySize is the width of one packed directory entry: a NUL-padded
// name followed by the child's file-header block id.
const dirEntrySize = plaraefs.FilenameSize + plaraefs.BlockIDSize

// DirEntry is one decoded directory entry.
type DirEntry struct {
	Name string
	ID   uint64
}

func encodeDirEntry(name string, id uint64) []byte {
	buf := make([]byte, dirEntrySize)
	copy(buf, name)
	binary.LittleEndian.PutUint64(buf[plaraefs.FilenameSize:], id)
	return buf
}

func decodeDirEntry(buf []byte) DirEntry {
	nameBytes := buf[:plaraefs.FilenameSize]
	if i := bytes.IndexByte(nameBytes, 0); i >= 0 {
		nameBytes = nameBytes[:i]
	}
	return DirEntry{
		Name: string(nameBytes),
		ID:   binary.LittleEndian.Uint64(buf[plaraefs.FilenameSize:]),
	}
}

// DirList returns every (name, child id) entry in the directory rooted at
// headerID, in insertion order.
func (fs *Filesystem) DirList(headerID uint64) ([]DirEntry, error) {
	h, err := fs.readHeader(headerID)
	if err != nil {
		return nil, err
	}
	data, err := fs.ReadBytes(headerID, 0, h.FileSize)
	if err != nil {
		return nil, err
	}
	n := len(data) / dirEntrySize
	entries := make([]DirEntry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, decodeDirEntry(data[i*dirEntrySize:(i+1)*dirEntrySize]))
	}
	return entries, nil
}

// DirLookup finds name within the directory rooted at headerID.
func (fs *Filesystem) DirLookup(headerID uint64, name string) (uint64, bool, error) {
	entries, err := fs.DirList(headerID)
	if err != nil {
		return 0, false, err
	}
	for _, e := range entries {
		if e.Name == name {
			return e.ID, true, nil
		}
	}
	return 0, false, nil
}

// DirInsert appends a new (name, childID) entry to the directory rooted at
// headerID. Callers must have already checked for a name collision.
func (fs *Filesystem) DirInsert(headerID uint64, name string, childID uint64) error {
	h, err := fs.readHeader(headerID)
	if err != nil {
		return err
	}
	return fs.WriteBytes(headerID, h.FileSize, encodeDirEntry(name, childID))
}

// DirRemove removes name from the directory rooted at headerID by swapping
// in the last entry and truncating (per spec.md §3's directory encoding,
// "removal swaps in the last entry and truncates").
func (fs *Filesystem) DirRemove(headerID uint64, name string) error {
	entries, err := fs.DirList(headerID)
	if err != nil {
		return err
	}
	idx := -1
	for i, e := range entries {
		if e.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return plaraefs.ErrNotFound
	}
	last := len(entries) - 1
	if idx != last {
		h, err := fs.readHeader(headerID)
		if err != nil {
			return err
		}
		offset := uint64(idx) * dirEntrySize
		if err := fs.WriteBytes(headerID, offset, encodeDirEntry(entries[last].Name, entries[last].ID)); err != nil {
			return err
		}
		h, err = fs.readHeader(headerID)
		if err != nil {
			return err
		}
		return fs.TruncateFile(headerID, h.FileSize-dirEntrySize)
	}
	h, err := fs.readHeader(headerID)
	if err != nil {
		return err
	}
	return fs.TruncateFile(headerID, h.FileSize-dirEntrySize)
}

// DirIsEmpty reports whether the directory rooted at headerID has no
// entries.
func (fs *Filesystem) DirIsEmpty(headerID uint64) (bool, error) {
	h, err := fs.readHeader(headerID)
	if err != nil {
		return false, err
	}
	return h.FileSize == 0, nil
}
