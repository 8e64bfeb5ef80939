package vfs

import (
	"testing"

	"github.com/distr1/plaraefs"
)

func TestDirInsertThenDirLookup(t *testing.T) {
	fs := newTestFilesystem(t)
	childID, err := fs.CreateFile(ModeRegular)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := fs.DirInsert(plaraefs.RootHeaderID, "child", childID); err != nil {
		t.Fatalf("DirInsert: %v", err)
	}

	got, ok, err := fs.DirLookup(plaraefs.RootHeaderID, "child")
	if err != nil {
		t.Fatalf("DirLookup: %v", err)
	}
	if !ok || got != childID {
		t.Fatalf("DirLookup(child) = (%d, %v), want (%d, true)", got, ok, childID)
	}

	if _, ok, err := fs.DirLookup(plaraefs.RootHeaderID, "missing"); err != nil || ok {
		t.Fatalf("DirLookup(missing) = (_, %v, %v), want (_, false, nil)", ok, err)
	}
}

func TestDirListIsInsertionOrder(t *testing.T) {
	fs := newTestFilesystem(t)
	names := []string{"a", "b", "c"}
	for _, n := range names {
		id, err := fs.CreateFile(ModeRegular)
		if err != nil {
			t.Fatalf("CreateFile: %v", err)
		}
		if err := fs.DirInsert(plaraefs.RootHeaderID, n, id); err != nil {
			t.Fatalf("DirInsert(%s): %v", n, err)
		}
	}

	entries, err := fs.DirList(plaraefs.RootHeaderID)
	if err != nil {
		t.Fatalf("DirList: %v", err)
	}
	if len(entries) != len(names) {
		t.Fatalf("DirList returned %d entries, want %d", len(entries), len(names))
	}
	for i, n := range names {
		if entries[i].Name != n {
			t.Fatalf("DirList[%d].Name = %q, want %q", i, entries[i].Name, n)
		}
	}
}

func TestDirRemoveSwapsLastEntryAndTruncates(t *testing.T) {
	fs := newTestFilesystem(t)
	var ids []uint64
	for _, n := range []string{"a", "b", "c"} {
		id, err := fs.CreateFile(ModeRegular)
		if err != nil {
			t.Fatalf("CreateFile: %v", err)
		}
		ids = append(ids, id)
		if err := fs.DirInsert(plaraefs.RootHeaderID, n, id); err != nil {
			t.Fatalf("DirInsert(%s): %v", n, err)
		}
	}

	if err := fs.DirRemove(plaraefs.RootHeaderID, "a"); err != nil {
		t.Fatalf("DirRemove(a): %v", err)
	}

	entries, err := fs.DirList(plaraefs.RootHeaderID)
	if err != nil {
		t.Fatalf("DirList: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("DirList after removal has %d entries, want 2", len(entries))
	}
	// "c" (the last entry) was swapped into "a"'s old slot.
	if entries[0].Name != "c" || entries[0].ID != ids[2] {
		t.Fatalf("entries[0] = %+v, want {c %d}", entries[0], ids[2])
	}
	if entries[1].Name != "b" {
		t.Fatalf("entries[1].Name = %q, want b", entries[1].Name)
	}
}

func TestDirRemoveMissingNameFails(t *testing.T) {
	fs := newTestFilesystem(t)
	if err := fs.DirRemove(plaraefs.RootHeaderID, "nope"); err == nil {
		t.Fatalf("DirRemove of a missing name succeeded, want error")
	}
}

func TestDirIsEmpty(t *testing.T) {
	fs := newTestFilesystem(t)
	empty, err := fs.DirIsEmpty(plaraefs.RootHeaderID)
	if err != nil {
		t.Fatalf("DirIsEmpty: %v", err)
	}
	if !empty {
		t.Fatalf("freshly initialised root reports non-empty")
	}

	childID, err := fs.CreateFile(ModeRegular)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := fs.DirInsert(plaraefs.RootHeaderID, "child", childID); err != nil {
		t.Fatalf("DirInsert: %v", err)
	}
	empty, err = fs.DirIsEmpty(plaraefs.RootHeaderID)
	if err != nil {
		t.Fatalf("DirIsEmpty: %v", err)
	}
	if empty {
		t.Fatalf("root reports empty after an insert")
	}
}
