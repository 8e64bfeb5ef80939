package backingstore

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/distr1/plaraefs"
)

func TestCreateAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.img")

	s, err := Create(path, 4096*4)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	size, err := s.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 4096*4 {
		t.Fatalf("Size = %d, want %d", size, 4096*4)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open after Create: %v", err)
	}
	defer s2.Close()
	size2, err := s2.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size2 != size {
		t.Fatalf("reopened size = %d, want %d", size2, size)
	}
}

func TestCreateRefusesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.img")
	s, err := Create(path, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	s.Close()

	if _, err := Create(path, 4096); err == nil {
		t.Fatalf("Create over an existing file succeeded, want error")
	}
}

func TestWriteAtReadAtRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.img")
	s, err := Create(path, 4096*2)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Close()

	want := []byte("0123456789abcdef")
	if err := s.WriteAt(4096, want); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, len(want))
	if err := s.ReadAt(4096, got); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("ReadAt = %q, want %q", got, want)
	}
}

func TestReadAtShortReadPastEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.img")
	s, err := Create(path, 16)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Close()

	buf := make([]byte, 32)
	err = s.ReadAt(0, buf)
	if err == nil {
		t.Fatalf("ReadAt past end of file succeeded, want ErrShortRead")
	}
	if !errors.Is(err, plaraefs.ErrShortRead) {
		t.Fatalf("ReadAt error = %v, want ErrShortRead", err)
	}
}

func TestExtend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.img")
	s, err := Create(path, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Close()

	if err := s.Extend(4096 * 4); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	size, err := s.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 4096*4 {
		t.Fatalf("Size after Extend = %d, want %d", size, 4096*4)
	}

	// Extending to a smaller size is a no-op, not a truncation.
	if err := s.Extend(4096); err != nil {
		t.Fatalf("Extend (shrink no-op): %v", err)
	}
	size, err = s.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 4096*4 {
		t.Fatalf("Extend with a smaller target shrank the file: Size = %d", size)
	}
}

func TestOpenTwiceExclusiveFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.img")
	s, err := Create(path, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Close()

	_, err = Open(path, false)
	if err == nil {
		t.Fatalf("second exclusive Open succeeded, want ErrAlreadyMounted")
	}
	if !errors.Is(err, plaraefs.ErrAlreadyMounted) {
		t.Fatalf("second Open error = %v, want ErrAlreadyMounted", err)
	}
}

func TestReadOnlyRejectsWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.img")
	s, err := Create(path, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	s.Close()

	ro, err := Open(path, true)
	if err != nil {
		t.Fatalf("Open read-only: %v", err)
	}
	defer ro.Close()

	if err := ro.WriteAt(0, []byte("x")); err == nil {
		t.Fatalf("WriteAt on read-only store succeeded")
	}
}
