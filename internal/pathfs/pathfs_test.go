package pathfs

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/distr1/plaraefs"
	"github.com/distr1/plaraefs/internal/vfs"
	"github.com/distr1/plaraefs/internal/volume"
)

func newTestFS(t *testing.T) (*FS, *volume.Volume) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "volume.img")
	vol, err := volume.Create(path, plaraefs.Options{Passphrase: []byte("p"), CacheCapacity: 64})
	if err != nil {
		t.Fatalf("volume.Create: %v", err)
	}
	t.Cleanup(func() { vol.Close() })
	return New(vol), vol
}

func mkdir(t *testing.T, fs *FS, parent fuseops.InodeID, name string) fuseops.InodeID {
	t.Helper()
	op := &fuseops.MkDirOp{Parent: parent, Name: name, Mode: os.ModeDir | 0777}
	if err := fs.MkDir(context.Background(), op); err != nil {
		t.Fatalf("MkDir(%s): %v", name, err)
	}
	return op.Entry.Child
}

func createFile(t *testing.T, fs *FS, parent fuseops.InodeID, name string) fuseops.InodeID {
	t.Helper()
	op := &fuseops.CreateFileOp{Parent: parent, Name: name, Mode: 0666}
	if err := fs.CreateFile(context.Background(), op); err != nil {
		t.Fatalf("CreateFile(%s): %v", name, err)
	}
	return op.Entry.Child
}

func TestResolveEmptyAndSlashIsRoot(t *testing.T) {
	_, vol := newTestFS(t)
	for _, p := range []string{"", "/"} {
		id, err := Resolve(vol, p)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", p, err)
		}
		if id != plaraefs.RootHeaderID {
			t.Fatalf("Resolve(%q) = %d, want root id %d", p, id, plaraefs.RootHeaderID)
		}
	}
}

func TestLookUpInodeNotFound(t *testing.T) {
	fs, _ := newTestFS(t)
	op := &fuseops.LookUpInodeOp{Parent: fuseops.InodeID(plaraefs.RootHeaderID), Name: "missing"}
	err := fs.LookUpInode(context.Background(), op)
	if err != syscallENOENT() {
		t.Fatalf("LookUpInode(missing) = %v, want ENOENT", err)
	}
}

func TestCreateFileWriteReadRoundTrip(t *testing.T) {
	fs, _ := newTestFS(t)
	ctx := context.Background()

	childID := createFile(t, fs, fuseops.InodeID(plaraefs.RootHeaderID), "hello.txt")

	data := []byte("hello")
	wop := &fuseops.WriteFileOp{Inode: childID, Offset: 0, Data: data}
	if err := fs.WriteFile(ctx, wop); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	rop := &fuseops.ReadFileOp{Inode: childID, Offset: 0, Size: 5, Dst: make([]byte, len(data))}
	if err := fs.ReadFile(ctx, rop); err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(rop.Dst[:rop.BytesRead], data) {
		t.Fatalf("ReadFile = %q, want %q", rop.Dst[:rop.BytesRead], data)
	}

	attrOp := &fuseops.GetInodeAttributesOp{Inode: childID}
	if err := fs.GetInodeAttributes(ctx, attrOp); err != nil {
		t.Fatalf("GetInodeAttributes: %v", err)
	}
	if attrOp.Attributes.Size != uint64(len(data)) {
		t.Fatalf("Size = %d, want %d", attrOp.Attributes.Size, len(data))
	}
}

func TestMkDirCreateLookupRmDir(t *testing.T) {
	fs, _ := newTestFS(t)
	ctx := context.Background()

	aID := mkdir(t, fs, fuseops.InodeID(plaraefs.RootHeaderID), "a")
	bID := mkdir(t, fs, aID, "b")
	_ = bID

	if err := fs.RmDir(ctx, &fuseops.RmDirOp{Parent: fuseops.InodeID(plaraefs.RootHeaderID), Name: "a"}); err != syscallENOTEMPTY() {
		t.Fatalf("RmDir(a) with non-empty child = %v, want ENOTEMPTY", err)
	}

	if err := fs.RmDir(ctx, &fuseops.RmDirOp{Parent: aID, Name: "b"}); err != nil {
		t.Fatalf("RmDir(a/b): %v", err)
	}
	if err := fs.RmDir(ctx, &fuseops.RmDirOp{Parent: fuseops.InodeID(plaraefs.RootHeaderID), Name: "a"}); err != nil {
		t.Fatalf("RmDir(a) after emptying: %v", err)
	}

	lookup := &fuseops.LookUpInodeOp{Parent: fuseops.InodeID(plaraefs.RootHeaderID), Name: "a"}
	if err := fs.LookUpInode(ctx, lookup); err != syscallENOENT() {
		t.Fatalf("LookUpInode(a) after RmDir = %v, want ENOENT", err)
	}
}

func TestCreateCollisionFails(t *testing.T) {
	fs, _ := newTestFS(t)
	ctx := context.Background()
	createFile(t, fs, fuseops.InodeID(plaraefs.RootHeaderID), "dup")
	op := &fuseops.CreateFileOp{Parent: fuseops.InodeID(plaraefs.RootHeaderID), Name: "dup", Mode: 0666}
	if err := fs.CreateFile(ctx, op); err != syscallEEXIST() {
		t.Fatalf("CreateFile collision = %v, want EEXIST", err)
	}
}

func TestUnlinkRemovesFileAndRejectsDirectory(t *testing.T) {
	fs, _ := newTestFS(t)
	ctx := context.Background()
	createFile(t, fs, fuseops.InodeID(plaraefs.RootHeaderID), "f")
	if err := fs.Unlink(ctx, &fuseops.UnlinkOp{Parent: fuseops.InodeID(plaraefs.RootHeaderID), Name: "f"}); err != nil {
		t.Fatalf("Unlink(f): %v", err)
	}
	lookup := &fuseops.LookUpInodeOp{Parent: fuseops.InodeID(plaraefs.RootHeaderID), Name: "f"}
	if err := fs.LookUpInode(ctx, lookup); err != syscallENOENT() {
		t.Fatalf("LookUpInode(f) after Unlink = %v, want ENOENT", err)
	}

	mkdir(t, fs, fuseops.InodeID(plaraefs.RootHeaderID), "d")
	if err := fs.Unlink(ctx, &fuseops.UnlinkOp{Parent: fuseops.InodeID(plaraefs.RootHeaderID), Name: "d"}); err != syscallEISDIR() {
		t.Fatalf("Unlink(d) on a directory = %v, want EISDIR", err)
	}
}

func TestRenameMovesEntryBetweenDirectories(t *testing.T) {
	fs, _ := newTestFS(t)
	ctx := context.Background()

	dirID := mkdir(t, fs, fuseops.InodeID(plaraefs.RootHeaderID), "dir")
	fileID := createFile(t, fs, fuseops.InodeID(plaraefs.RootHeaderID), "f")

	if err := fs.Rename(ctx, &fuseops.RenameOp{
		OldParent: fuseops.InodeID(plaraefs.RootHeaderID), OldName: "f",
		NewParent: dirID, NewName: "g",
	}); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if err := fs.LookUpInode(ctx, &fuseops.LookUpInodeOp{Parent: fuseops.InodeID(plaraefs.RootHeaderID), Name: "f"}); err != syscallENOENT() {
		t.Fatalf("LookUpInode(f) after rename away = %v, want ENOENT", err)
	}
	lookup := &fuseops.LookUpInodeOp{Parent: dirID, Name: "g"}
	if err := fs.LookUpInode(ctx, lookup); err != nil {
		t.Fatalf("LookUpInode(dir/g): %v", err)
	}
	if lookup.Entry.Child != fileID {
		t.Fatalf("LookUpInode(dir/g).Child = %d, want %d", lookup.Entry.Child, fileID)
	}
}

// POSIX defines rename(p, p) as a no-op success; it must not delete p.
func TestRenameOntoSelfIsNoop(t *testing.T) {
	fs, _ := newTestFS(t)
	ctx := context.Background()

	fileID := createFile(t, fs, fuseops.InodeID(plaraefs.RootHeaderID), "f")
	if err := fs.WriteFile(ctx, &fuseops.WriteFileOp{Inode: fileID, Offset: 0, Data: []byte("hello")}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := fs.Rename(ctx, &fuseops.RenameOp{
		OldParent: fuseops.InodeID(plaraefs.RootHeaderID), OldName: "f",
		NewParent: fuseops.InodeID(plaraefs.RootHeaderID), NewName: "f",
	}); err != nil {
		t.Fatalf("Rename(f, f): %v", err)
	}

	lookup := &fuseops.LookUpInodeOp{Parent: fuseops.InodeID(plaraefs.RootHeaderID), Name: "f"}
	if err := fs.LookUpInode(ctx, lookup); err != nil {
		t.Fatalf("LookUpInode(f) after self-rename: %v", err)
	}
	if lookup.Entry.Child != fileID {
		t.Fatalf("LookUpInode(f).Child = %d, want unchanged %d", lookup.Entry.Child, fileID)
	}

	readOp := &fuseops.ReadFileOp{Inode: fileID, Offset: 0, Size: 5, Dst: make([]byte, 5)}
	if err := fs.ReadFile(ctx, readOp); err != nil {
		t.Fatalf("ReadFile after self-rename: %v", err)
	}
	if string(readOp.Dst[:readOp.BytesRead]) != "hello" {
		t.Fatalf("ReadFile after self-rename = %q, want %q (rename(p,p) destroyed the file)", readOp.Dst[:readOp.BytesRead], "hello")
	}
}

func TestRenameFileOntoExistingDirectoryFails(t *testing.T) {
	fs, _ := newTestFS(t)
	ctx := context.Background()

	createFile(t, fs, fuseops.InodeID(plaraefs.RootHeaderID), "f")
	mkdir(t, fs, fuseops.InodeID(plaraefs.RootHeaderID), "d")

	err := fs.Rename(ctx, &fuseops.RenameOp{
		OldParent: fuseops.InodeID(plaraefs.RootHeaderID), OldName: "f",
		NewParent: fuseops.InodeID(plaraefs.RootHeaderID), NewName: "d",
	})
	if err != syscallEISDIR() {
		t.Fatalf("Rename(file onto dir) = %v, want EISDIR", err)
	}
}

func TestRenameDirectoryOntoExistingFileFails(t *testing.T) {
	fs, _ := newTestFS(t)
	ctx := context.Background()

	mkdir(t, fs, fuseops.InodeID(plaraefs.RootHeaderID), "d")
	createFile(t, fs, fuseops.InodeID(plaraefs.RootHeaderID), "f")

	err := fs.Rename(ctx, &fuseops.RenameOp{
		OldParent: fuseops.InodeID(plaraefs.RootHeaderID), OldName: "d",
		NewParent: fuseops.InodeID(plaraefs.RootHeaderID), NewName: "f",
	})
	if err != syscallENOTDIR() {
		t.Fatalf("Rename(dir onto file) = %v, want ENOTDIR", err)
	}
}

// openDirEntries drives OpenDir against inode and returns the raw snapshot
// OpenDir stored for the handle (same in-process package, so the test can
// inspect it directly rather than re-deriving fuseutil's wire dirent
// format). ReadDir is exercised separately by TestReaddirListsInsertedEntries
// via its BytesRead check; this only verifies the entry set/order OpenDir
// computed.
func openDirEntries(t *testing.T, fs *FS, inode fuseops.InodeID) []vfs.DirEntry {
	t.Helper()
	ctx := context.Background()
	openOp := &fuseops.OpenDirOp{Inode: inode}
	if err := fs.OpenDir(ctx, openOp); err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	fs.mu.Lock()
	entries := append([]vfs.DirEntry(nil), fs.dirH[openOp.Handle]...)
	fs.mu.Unlock()
	fs.ReleaseDirHandle(ctx, &fuseops.ReleaseDirHandleOp{Handle: openOp.Handle})
	return entries
}

func TestReaddirRootOnFreshVolumeListsDotEntries(t *testing.T) {
	fs, _ := newTestFS(t)
	entries := openDirEntries(t, fs, fuseops.InodeID(plaraefs.RootHeaderID))
	if len(entries) != 2 || entries[0].Name != "." || entries[1].Name != ".." {
		t.Fatalf("readdir(\"/\") on a fresh volume = %v, want [\".\", \"..\"]", entries)
	}
	if entries[0].ID != plaraefs.RootHeaderID || entries[1].ID != plaraefs.RootHeaderID {
		t.Fatalf("readdir(\"/\") dot entries = %v, want both pointing at the root inode %d", entries, plaraefs.RootHeaderID)
	}
}

func TestReaddirListsInsertedEntries(t *testing.T) {
	fs, _ := newTestFS(t)
	ctx := context.Background()
	createFile(t, fs, fuseops.InodeID(plaraefs.RootHeaderID), "one")
	createFile(t, fs, fuseops.InodeID(plaraefs.RootHeaderID), "two")

	openOp := &fuseops.OpenDirOp{Inode: fuseops.InodeID(plaraefs.RootHeaderID)}
	if err := fs.OpenDir(ctx, openOp); err != nil {
		t.Fatalf("OpenDir: %v", err)
	}

	readOp := &fuseops.ReadDirOp{Inode: fuseops.InodeID(plaraefs.RootHeaderID), Handle: openOp.Handle, Dst: make([]byte, 4096)}
	if err := fs.ReadDir(ctx, readOp); err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if readOp.BytesRead == 0 {
		t.Fatalf("ReadDir wrote no entries")
	}

	entries := openDirEntries(t, fs, fuseops.InodeID(plaraefs.RootHeaderID))
	want := map[string]bool{".": true, "..": true, "one": true, "two": true}
	if len(entries) != len(want) {
		t.Fatalf("readdir(\"/\") = %v, want entries %v", entries, want)
	}
	for _, e := range entries {
		if !want[e.Name] {
			t.Fatalf("readdir(\"/\") returned unexpected entry %q", e.Name)
		}
	}

	if err := fs.ReleaseDirHandle(ctx, &fuseops.ReleaseDirHandleOp{Handle: openOp.Handle}); err != nil {
		t.Fatalf("ReleaseDirHandle: %v", err)
	}
}

func TestReaddirSubdirDotDotIsParent(t *testing.T) {
	fs, _ := newTestFS(t)
	ctx := context.Background()
	dirID := mkdir(t, fs, fuseops.InodeID(plaraefs.RootHeaderID), "sub")

	// The kernel always resolves "sub" via LookUpInode before it can open
	// it; re-resolve here to populate the same parent-tracking path a real
	// mount would exercise.
	if err := fs.LookUpInode(ctx, &fuseops.LookUpInodeOp{Parent: fuseops.InodeID(plaraefs.RootHeaderID), Name: "sub"}); err != nil {
		t.Fatalf("LookUpInode(sub): %v", err)
	}

	entries := openDirEntries(t, fs, dirID)
	if len(entries) != 2 {
		t.Fatalf("readdir(sub) = %v, want exactly [\".\", \"..\"]", entries)
	}
	if entries[0].Name != "." || entries[0].ID != uint64(dirID) {
		t.Fatalf("first entry = %+v, want \".\" at inode %d", entries[0], dirID)
	}
	if entries[1].Name != ".." || entries[1].ID != plaraefs.RootHeaderID {
		t.Fatalf("second entry = %+v, want \"..\" at root inode %d", entries[1], plaraefs.RootHeaderID)
	}
}

func TestXattrSetGetRemoveThroughFS(t *testing.T) {
	fs, _ := newTestFS(t)
	ctx := context.Background()
	id := createFile(t, fs, fuseops.InodeID(plaraefs.RootHeaderID), "x")

	if err := fs.SetXattr(ctx, &fuseops.SetXattrOp{Inode: id, Name: "user.k", Value: []byte("v")}); err != nil {
		t.Fatalf("SetXattr: %v", err)
	}

	getOp := &fuseops.GetXattrOp{Inode: id, Name: "user.k", Dst: make([]byte, 16)}
	if err := fs.GetXattr(ctx, getOp); err != nil {
		t.Fatalf("GetXattr: %v", err)
	}
	if !bytes.Equal(getOp.Dst[:getOp.BytesRead], []byte("v")) {
		t.Fatalf("GetXattr = %q, want %q", getOp.Dst[:getOp.BytesRead], "v")
	}

	listOp := &fuseops.ListXattrOp{Inode: id, Dst: make([]byte, 64)}
	if err := fs.ListXattr(ctx, listOp); err != nil {
		t.Fatalf("ListXattr: %v", err)
	}
	if listOp.BytesRead == 0 {
		t.Fatalf("ListXattr returned no names")
	}

	if err := fs.RemoveXattr(ctx, &fuseops.RemoveXattrOp{Inode: id, Name: "user.k"}); err != nil {
		t.Fatalf("RemoveXattr: %v", err)
	}
	if err := fs.GetXattr(ctx, &fuseops.GetXattrOp{Inode: id, Name: "user.k", Dst: make([]byte, 16)}); err != syscallENOATTRAsENOENT() {
		t.Fatalf("GetXattr after RemoveXattr = %v, want ENOENT", err)
	}
}

func TestStatFSReportsGeometry(t *testing.T) {
	fs, vol := newTestFS(t)
	op := &fuseops.StatFSOp{}
	if err := fs.StatFS(context.Background(), op); err != nil {
		t.Fatalf("StatFS: %v", err)
	}
	if op.BlockSize != plaraefs.LogicalBlockSize {
		t.Fatalf("BlockSize = %d, want %d", op.BlockSize, plaraefs.LogicalBlockSize)
	}
	total, err := vol.TotalBlocks()
	if err != nil {
		t.Fatalf("TotalBlocks: %v", err)
	}
	if op.Blocks != total {
		t.Fatalf("Blocks = %d, want %d", op.Blocks, total)
	}
}

func TestSetInodeAttributesTruncates(t *testing.T) {
	fs, _ := newTestFS(t)
	ctx := context.Background()
	id := createFile(t, fs, fuseops.InodeID(plaraefs.RootHeaderID), "t")
	if err := fs.WriteFile(ctx, &fuseops.WriteFileOp{Inode: id, Offset: 0, Data: []byte("0123456789")}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	newSize := uint64(3)
	if err := fs.SetInodeAttributes(ctx, &fuseops.SetInodeAttributesOp{Inode: id, Size: &newSize}); err != nil {
		t.Fatalf("SetInodeAttributes: %v", err)
	}
	attrOp := &fuseops.GetInodeAttributesOp{Inode: id}
	if err := fs.GetInodeAttributes(ctx, attrOp); err != nil {
		t.Fatalf("GetInodeAttributes: %v", err)
	}
	if attrOp.Attributes.Size != newSize {
		t.Fatalf("Size after truncate = %d, want %d", attrOp.Attributes.Size, newSize)
	}
}

func syscallENOENT() error         { return syscall.ENOENT }
func syscallENOTEMPTY() error      { return syscall.ENOTEMPTY }
func syscallEEXIST() error         { return syscall.EEXIST }
func syscallEISDIR() error         { return syscall.EISDIR }
func syscallENOTDIR() error        { return syscall.ENOTDIR }
func syscallENOATTRAsENOENT() error { return syscall.ENOENT }
