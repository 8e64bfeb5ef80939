// Package backingstore provides the fixed-size seekable byte container
// (§2 "Backing store" of SPEC_FULL.md) underneath the crypto block layer:
// pread/pwrite of arbitrary byte ranges plus length-extension, guarded by
// an advisory single-host exclusive lock.
package backingstore

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/distr1/plaraefs"
)

// Store is an opened backing file plus its advisory lock.
type Store struct {
	f        *os.File
	lock     *flock.Flock
	readOnly bool
}

// Create creates a new backing file of the given size, failing if one
// already exists at path. The file is built in a sibling temp file and
// published with a single atomic rename, so a crash or a full disk during
// mkfs never leaves a partially-sized file visible at path. Logical blocks
// within it are not otherwise initialised (per spec.md §4.1, "new physical
// blocks need not be initialised until first written").
func Create(path string, size int64) (*Store, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, xerrors.Errorf("creating backing store: %s already exists", path)
	}
	tmp, err := renameio.TempFile(filepath.Dir(path), path)
	if err != nil {
		return nil, xerrors.Errorf("creating backing store: %w", err)
	}
	defer tmp.Cleanup()
	if err := tmp.Truncate(size); err != nil {
		return nil, xerrors.Errorf("sizing backing store: %w", err)
	}
	if err := tmp.CloseAtomicallyReplace(); err != nil {
		return nil, xerrors.Errorf("publishing backing store: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, xerrors.Errorf("opening newly created backing store: %w", err)
	}
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil || !locked {
		f.Close()
		return nil, plaraefs.Wrap(plaraefs.ErrAlreadyMounted, "locking new backing store %s", path)
	}
	return &Store{f: f, lock: lock}, nil
}

// Open opens an existing backing file and takes the exclusive (or shared,
// for read-only opens) advisory lock that enforces the single-host,
// single-mount Non-goal described in SPEC_FULL.md §D.3.
func Open(path string, readOnly bool) (*Store, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, xerrors.Errorf("opening backing store: %w", err)
	}
	lock := flock.New(path + ".lock")
	var locked bool
	if readOnly {
		locked, err = lock.TryRLock()
	} else {
		locked, err = lock.TryLock()
	}
	if err != nil || !locked {
		f.Close()
		return nil, plaraefs.Wrap(plaraefs.ErrAlreadyMounted, "locking backing store %s", path)
	}
	return &Store{f: f, lock: lock, readOnly: readOnly}, nil
}

// ReadAt reads len(buf) bytes starting at off. Any short read (fewer bytes
// than len(buf)), including one that stops at EOF, is reported as
// plaraefs.ErrShortRead.
func (s *Store) ReadAt(off int64, buf []byte) error {
	n, err := s.f.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err != nil {
		return plaraefs.Wrap(plaraefs.ErrShortRead, "reading %d bytes at offset %d: %w", len(buf), off, err)
	}
	return plaraefs.Wrap(plaraefs.ErrShortRead, "reading %d bytes at offset %d: got %d", len(buf), off, n)
}

// WriteAt writes buf at off as a single pwrite.
func (s *Store) WriteAt(off int64, buf []byte) error {
	if s.readOnly {
		return xerrors.New("backingstore: write to read-only store")
	}
	n, err := s.f.WriteAt(buf, off)
	if err != nil {
		return plaraefs.Wrap(plaraefs.ErrIOError, "writing %d bytes at offset %d: %w", len(buf), off, err)
	}
	if n != len(buf) {
		return plaraefs.Wrap(plaraefs.ErrShortWrite, "writing %d bytes at offset %d: wrote %d", len(buf), off, n)
	}
	return nil
}

// Size returns the current length of the backing file.
func (s *Store) Size() (int64, error) {
	fi, err := s.f.Stat()
	if err != nil {
		return 0, xerrors.Errorf("stat backing store: %w", err)
	}
	return fi.Size(), nil
}

// Extend grows the backing file so that byte offset to-1 is addressable.
// It is a no-op if the file is already at least that long.
func (s *Store) Extend(to int64) error {
	size, err := s.Size()
	if err != nil {
		return err
	}
	if size >= to {
		return nil
	}
	if err := s.f.Truncate(to); err != nil {
		return plaraefs.Wrap(plaraefs.ErrIOError, "extending backing store to %d: %w", to, err)
	}
	return nil
}

// Sync forces pending writes to stable storage.
func (s *Store) Sync() error {
	if s.readOnly {
		return nil
	}
	return s.f.Sync()
}

// Close releases the advisory lock and closes the underlying file.
func (s *Store) Close() error {
	defer s.lock.Unlock()
	return s.f.Close()
}
