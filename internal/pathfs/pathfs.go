// Package pathfs implements the path resolver / operation surface of
// SPEC_FULL.md §4.5 as a github.com/jacobsa/fuse/fuseutil.FileSystem,
// grounded directly on _examples/distr1-distri/internal/fuse/fuse.go's
// shape (a single struct embedding fuseutil.NotImplementedFileSystem,
// dispatching each op against shared state under one lock).
//
// Every file-header block id doubles as the inode id handed to the kernel:
// plaraefs.RootHeaderID (1) coincides with fuseops.RootInodeID, so no
// separate inode table is needed. Because deleting a file frees its blocks
// immediately (spec.md §3, "no hidden file on delete"), ForgetInode and
// BatchForget are no-ops. A freed id can be handed out again by the
// allocator's next Allocate even while an open handle still refers to it.
package pathfs

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/distr1/plaraefs"
	"github.com/distr1/plaraefs/internal/vfs"
	"github.com/distr1/plaraefs/internal/volume"
)

// FS adapts a *volume.Volume to the jacobsa/fuse operation surface.
type FS struct {
	fuseutil.NotImplementedFileSystem

	vol *volume.Volume

	mu         sync.Mutex
	nextHandle fuseops.HandleID
	fileH      map[fuseops.HandleID]uint64
	dirH       map[fuseops.HandleID][]vfs.DirEntry

	// parent records the directory id each known directory was last
	// looked up or created under, so OpenDir can synthesize a ".." entry
	// (spec.md §8 boundary scenario 1: readdir("/") == [".", ".."]). The
	// kernel always resolves every path component through LookUpInode (or
	// a create op, which implies the same entry) before it can open a
	// directory, so this map is populated before it is ever consulted.
	parent map[uint64]uint64
}

// New constructs an FS backed by vol.
func New(vol *volume.Volume) *FS {
	return &FS{
		vol:    vol,
		fileH:  make(map[fuseops.HandleID]uint64),
		dirH:   make(map[fuseops.HandleID][]vfs.DirEntry),
		parent: map[uint64]uint64{plaraefs.RootHeaderID: plaraefs.RootHeaderID},
	}
}

// setParent records that childID was last reached through parentID.
func (fs *FS) setParent(childID, parentID uint64) {
	fs.mu.Lock()
	fs.parent[childID] = parentID
	fs.mu.Unlock()
}

// parentOf returns the last known parent of id, defaulting to id itself
// (so a directory with no recorded parent at least reports a stable,
// self-consistent "..") when nothing has looked it up yet.
func (fs *FS) parentOf(id uint64) uint64 {
	fs.mu.Lock()
	p, ok := fs.parent[id]
	fs.mu.Unlock()
	if !ok {
		return id
	}
	return p
}

// forgetParent drops id's recorded parent, called whenever id is freed so
// a later reallocation of the same block id by the allocator does not
// inherit a stale ".." entry.
func (fs *FS) forgetParent(id uint64) {
	fs.mu.Lock()
	delete(fs.parent, id)
	fs.mu.Unlock()
}

// errno maps a plaraefs error to the POSIX errno spec.md §4.5 names,
// defaulting to EIO for anything else (authentication failure, backing
// store errors, or a poisoned volume).
func errno(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, plaraefs.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, plaraefs.ErrNotADirectory):
		return syscall.ENOTDIR
	case errors.Is(err, plaraefs.ErrIsADirectory):
		return syscall.EISDIR
	case errors.Is(err, plaraefs.ErrAlreadyExists):
		return syscall.EEXIST
	case errors.Is(err, plaraefs.ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, plaraefs.ErrNameTooLong):
		return syscall.ENAMETOOLONG
	case errors.Is(err, plaraefs.ErrNoSpace):
		return syscall.ENOSPC
	case errors.Is(err, plaraefs.ErrInvalidArgument):
		return syscall.EINVAL
	case errors.Is(err, plaraefs.ErrNotSupported):
		return syscall.ENOSYS
	default:
		return syscall.EIO
	}
}

// splitValidate rejects overlong or NUL-containing path components, per
// spec.md §4.5.
func splitValidate(name string) error {
	if len(name) == 0 || len(name) >= plaraefs.FilenameSize {
		return plaraefs.ErrNameTooLong
	}
	if strings.IndexByte(name, 0) >= 0 {
		return plaraefs.ErrInvalidArgument
	}
	return nil
}

// Resolve walks a slash-separated path from the root directory, returning
// the header id of the final component. An empty path or "/" resolves to
// the root. This is the path-splitting resolver named in spec.md §4.5; the
// FUSE bridge itself never calls it (the kernel already resolves one
// component at a time), and within this repository only the tests call it.
func Resolve(vol *volume.Volume, path string) (uint64, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return plaraefs.RootHeaderID, nil
	}
	current := plaraefs.RootHeaderID
	for _, comp := range strings.Split(path, "/") {
		if err := splitValidate(comp); err != nil {
			return 0, err
		}
		var next uint64
		err := vol.Do(func(fs *vfs.Filesystem) error {
			h, _, err := fs.Stat(current)
			if err != nil {
				return err
			}
			if h.Mode != vfs.ModeDirectory {
				return plaraefs.ErrNotADirectory
			}
			id, ok, err := fs.DirLookup(current, comp)
			if err != nil {
				return err
			}
			if !ok {
				return plaraefs.ErrNotFound
			}
			next = id
			return nil
		})
		if err != nil {
			return 0, err
		}
		current = next
	}
	return current, nil
}

func modeOf(h *vfs.FileHeader) os.FileMode {
	switch h.Mode {
	case vfs.ModeDirectory:
		return os.ModeDir | 0777
	case vfs.ModeSymlink:
		return os.ModeSymlink | 0777
	default:
		return 0777
	}
}

func (fs *FS) attrs(headerID uint64) (fuseops.InodeAttributes, error) {
	var attrs fuseops.InodeAttributes
	err := fs.vol.Do(func(v *vfs.Filesystem) error {
		h, _, err := v.Stat(headerID)
		if err != nil {
			return err
		}
		nlink := uint64(1)
		if h.Mode == vfs.ModeDirectory {
			entries, err := v.DirList(headerID)
			if err != nil {
				return err
			}
			nlink = uint64(2 + len(entries))
		}
		attrs = fuseops.InodeAttributes{
			Size:  h.FileSize,
			Nlink: nlink,
			Mode:  modeOf(h),
		}
		return nil
	})
	return attrs, errno(err)
}

func (fs *FS) allocHandle() fuseops.HandleID {
	fs.nextHandle++
	return fs.nextHandle
}

// StatFS reports f_bsize = LogicalBlockSize, f_blocks = total_blocks,
// f_bfree = count_free, f_namemax = FilenameSize, per spec.md §6.2.
func (fs *FS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	total, err := fs.vol.TotalBlocks()
	if err != nil {
		return errno(err)
	}
	free := fs.vol.CountFree()
	op.BlockSize = plaraefs.LogicalBlockSize
	op.Blocks = total
	op.BlocksFree = free
	op.BlocksAvailable = free
	op.IoSize = plaraefs.LogicalBlockSize
	op.Inodes = total
	op.InodesFree = free
	return nil
}

func (fs *FS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	if err := splitValidate(op.Name); err != nil {
		return errno(err)
	}
	var childID uint64
	err := fs.vol.Do(func(v *vfs.Filesystem) error {
		h, _, err := v.Stat(uint64(op.Parent))
		if err != nil {
			return err
		}
		if h.Mode != vfs.ModeDirectory {
			return plaraefs.ErrNotADirectory
		}
		id, ok, err := v.DirLookup(uint64(op.Parent), op.Name)
		if err != nil {
			return err
		}
		if !ok {
			return plaraefs.ErrNotFound
		}
		childID = id
		return nil
	})
	if err != nil {
		return errno(err)
	}
	attrs, err := fs.attrs(childID)
	if err != nil {
		return err
	}
	fs.setParent(childID, uint64(op.Parent))
	op.Entry.Child = fuseops.InodeID(childID)
	op.Entry.Attributes = attrs
	return nil
}

func (fs *FS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	attrs, err := fs.attrs(uint64(op.Inode))
	if err != nil {
		return err
	}
	op.Attributes = attrs
	return nil
}

// SetInodeAttributes only honors Size (truncate via ftruncate/truncate);
// Uid/Gid/Mode/Atime/Mtime have no backing field (st_mode is a fixed 0777
// per spec.md §3/§9) and are accepted without error but ignored.
func (fs *FS) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	if op.Size != nil {
		if err := fs.vol.Do(func(v *vfs.Filesystem) error {
			return v.TruncateFile(uint64(op.Inode), *op.Size)
		}); err != nil {
			return errno(err)
		}
	}
	attrs, err := fs.attrs(uint64(op.Inode))
	if err != nil {
		return err
	}
	op.Attributes = attrs
	return nil
}

func (fs *FS) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error { return nil }
func (fs *FS) BatchForget(ctx context.Context, op *fuseops.BatchForgetOp) error { return nil }

func (fs *FS) create(parent uint64, name string, mode vfs.Mode) (uint64, error) {
	if err := splitValidate(name); err != nil {
		return 0, err
	}
	var id uint64
	err := fs.vol.Do(func(v *vfs.Filesystem) error {
		h, _, err := v.Stat(parent)
		if err != nil {
			return err
		}
		if h.Mode != vfs.ModeDirectory {
			return plaraefs.ErrNotADirectory
		}
		if _, ok, err := v.DirLookup(parent, name); err != nil {
			return err
		} else if ok {
			return plaraefs.ErrAlreadyExists
		}
		newID, err := v.CreateFile(mode)
		if err != nil {
			return err
		}
		if err := v.DirInsert(parent, name, newID); err != nil {
			return err
		}
		id = newID
		return nil
	})
	if err != nil {
		return 0, err
	}
	fs.setParent(id, parent)
	return id, nil
}

func (fs *FS) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	id, err := fs.create(uint64(op.Parent), op.Name, vfs.ModeDirectory)
	if err != nil {
		return errno(err)
	}
	attrs, err := fs.attrs(id)
	if err != nil {
		return err
	}
	op.Entry.Child = fuseops.InodeID(id)
	op.Entry.Attributes = attrs
	return nil
}

// MkNode creates a regular file node (mknod(2) with S_IFREG). Device and
// other special-file requests are rejected, matching spec.md §9's framing
// that only regular files, directories, and (as implemented here) symlinks
// are supported.
func (fs *FS) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	if op.Mode&os.ModeType != 0 && op.Mode&os.ModeType != os.ModeDir {
		return errno(plaraefs.ErrNotSupported)
	}
	id, err := fs.create(uint64(op.Parent), op.Name, vfs.ModeRegular)
	if err != nil {
		return errno(err)
	}
	attrs, err := fs.attrs(id)
	if err != nil {
		return err
	}
	op.Entry.Child = fuseops.InodeID(id)
	op.Entry.Attributes = attrs
	return nil
}

func (fs *FS) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	id, err := fs.create(uint64(op.Parent), op.Name, vfs.ModeRegular)
	if err != nil {
		return errno(err)
	}
	attrs, err := fs.attrs(id)
	if err != nil {
		return err
	}
	op.Entry.Child = fuseops.InodeID(id)
	op.Entry.Attributes = attrs

	fs.mu.Lock()
	h := fs.allocHandle()
	fs.fileH[h] = id
	fs.mu.Unlock()
	op.Handle = h
	return nil
}

func (fs *FS) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	id, err := fs.create(uint64(op.Parent), op.Name, vfs.ModeSymlink)
	if err != nil {
		return errno(err)
	}
	if err := fs.vol.Do(func(v *vfs.Filesystem) error {
		return v.WriteBytes(id, 0, []byte(op.Target))
	}); err != nil {
		return errno(err)
	}
	attrs, err := fs.attrs(id)
	if err != nil {
		return err
	}
	op.Entry.Child = fuseops.InodeID(id)
	op.Entry.Attributes = attrs
	return nil
}

func (fs *FS) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	var target []byte
	err := fs.vol.Do(func(v *vfs.Filesystem) error {
		h, _, err := v.Stat(uint64(op.Inode))
		if err != nil {
			return err
		}
		if h.Mode != vfs.ModeSymlink {
			return plaraefs.ErrInvalidArgument
		}
		target, err = v.ReadBytes(uint64(op.Inode), 0, h.FileSize)
		return err
	})
	if err != nil {
		return errno(err)
	}
	op.Target = string(target)
	return nil
}

func (fs *FS) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	if err := splitValidate(op.NewName); err != nil {
		return errno(err)
	}
	// rename(p, p) is a POSIX no-op: same parent, same name. Without this
	// short-circuit the code below would look up src and dst as the same
	// id, delete it as the "existing destination", then re-insert and
	// remove the now-freed id, destroying the file instead of doing
	// nothing.
	if op.OldParent == op.NewParent && op.OldName == op.NewName {
		return nil
	}
	var freedID uint64
	err := fs.vol.Do(func(v *vfs.Filesystem) error {
		srcID, ok, err := v.DirLookup(uint64(op.OldParent), op.OldName)
		if err != nil {
			return err
		}
		if !ok {
			return plaraefs.ErrNotFound
		}
		if dstID, exists, err := v.DirLookup(uint64(op.NewParent), op.NewName); err != nil {
			return err
		} else if exists {
			if dstID == srcID {
				return nil
			}
			srcH, _, err := v.Stat(srcID)
			if err != nil {
				return err
			}
			dstH, _, err := v.Stat(dstID)
			if err != nil {
				return err
			}
			if dstH.Mode == vfs.ModeDirectory {
				if srcH.Mode != vfs.ModeDirectory {
					return plaraefs.ErrIsADirectory
				}
				empty, err := v.DirIsEmpty(dstID)
				if err != nil {
					return err
				}
				if !empty {
					return plaraefs.ErrNotEmpty
				}
			} else if srcH.Mode == vfs.ModeDirectory {
				return plaraefs.ErrNotADirectory
			}
			if err := v.DirRemove(uint64(op.NewParent), op.NewName); err != nil {
				return err
			}
			if err := v.DeleteFile(dstID); err != nil {
				return err
			}
			freedID = dstID
		}
		if err := v.DirInsert(uint64(op.NewParent), op.NewName, srcID); err != nil {
			return err
		}
		if err := v.DirRemove(uint64(op.OldParent), op.OldName); err != nil {
			return err
		}
		fs.setParent(srcID, uint64(op.NewParent))
		return nil
	})
	if freedID != 0 {
		fs.forgetParent(freedID)
	}
	return errno(err)
}

func (fs *FS) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	var id uint64
	err := fs.vol.Do(func(v *vfs.Filesystem) error {
		var ok bool
		var err error
		id, ok, err = v.DirLookup(uint64(op.Parent), op.Name)
		if err != nil {
			return err
		}
		if !ok {
			return plaraefs.ErrNotFound
		}
		h, _, err := v.Stat(id)
		if err != nil {
			return err
		}
		if h.Mode != vfs.ModeDirectory {
			return plaraefs.ErrNotADirectory
		}
		empty, err := v.DirIsEmpty(id)
		if err != nil {
			return err
		}
		if !empty {
			return plaraefs.ErrNotEmpty
		}
		if err := v.DirRemove(uint64(op.Parent), op.Name); err != nil {
			return err
		}
		return v.DeleteFile(id)
	})
	if err == nil {
		fs.forgetParent(id)
	}
	return errno(err)
}

func (fs *FS) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	var id uint64
	err := fs.vol.Do(func(v *vfs.Filesystem) error {
		var ok bool
		var err error
		id, ok, err = v.DirLookup(uint64(op.Parent), op.Name)
		if err != nil {
			return err
		}
		if !ok {
			return plaraefs.ErrNotFound
		}
		h, _, err := v.Stat(id)
		if err != nil {
			return err
		}
		if h.Mode == vfs.ModeDirectory {
			return plaraefs.ErrIsADirectory
		}
		if err := v.DirRemove(uint64(op.Parent), op.Name); err != nil {
			return err
		}
		return v.DeleteFile(id)
	})
	if err == nil {
		fs.forgetParent(id)
	}
	return errno(err)
}

func (fs *FS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	inode := uint64(op.Inode)
	var listed []vfs.DirEntry
	err := fs.vol.Do(func(v *vfs.Filesystem) error {
		h, _, err := v.Stat(inode)
		if err != nil {
			return err
		}
		if h.Mode != vfs.ModeDirectory {
			return plaraefs.ErrNotADirectory
		}
		listed, err = v.DirList(inode)
		return err
	})
	if err != nil {
		return errno(err)
	}
	// The kernel does not inject "." / ".." for a low-level FUSE
	// filesystem (spec.md §8 boundary scenario 1: readdir("/") ==
	// [".", ".."] on a fresh, empty volume), so they are synthesized here
	// ahead of whatever DirList returned.
	entries := make([]vfs.DirEntry, 0, len(listed)+2)
	entries = append(entries, vfs.DirEntry{Name: ".", ID: inode})
	entries = append(entries, vfs.DirEntry{Name: "..", ID: fs.parentOf(inode)})
	entries = append(entries, listed...)

	fs.mu.Lock()
	h := fs.allocHandle()
	// A snapshot at open time gives readdir a stable, seekable offset space
	// for the duration of the handle, matching the "looks like a freshly
	// opened directory" contract fuseops.ReadDirOp documents.
	fs.dirH[h] = entries
	fs.mu.Unlock()
	op.Handle = h
	return nil
}

func (fs *FS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	entries, ok := fs.dirH[op.Handle]
	fs.mu.Unlock()
	if !ok {
		return syscall.EIO
	}
	if int(op.Offset) > len(entries) {
		return syscall.EIO
	}
	for i, e := range entries[op.Offset:] {
		dirType := fuseutil.DT_File
		var mode vfs.Mode
		if err := fs.vol.Do(func(v *vfs.Filesystem) error {
			h, _, err := v.Stat(e.ID)
			if err != nil {
				return err
			}
			mode = h.Mode
			return nil
		}); err != nil {
			return errno(err)
		}
		if mode == vfs.ModeDirectory {
			dirType = fuseutil.DT_Directory
		}
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: op.Offset + fuseops.DirOffset(i) + 1, // opaque offset of the next entry
			Inode:  fuseops.InodeID(e.ID),
			Name:   e.Name,
			Type:   dirType,
		})
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *FS) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.mu.Lock()
	delete(fs.dirH, op.Handle)
	fs.mu.Unlock()
	return nil
}

func (fs *FS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	err := fs.vol.Do(func(v *vfs.Filesystem) error {
		h, _, err := v.Stat(uint64(op.Inode))
		if err != nil {
			return err
		}
		if h.Mode == vfs.ModeDirectory {
			return plaraefs.ErrIsADirectory
		}
		return nil
	})
	if err != nil {
		return errno(err)
	}
	fs.mu.Lock()
	h := fs.allocHandle()
	fs.fileH[h] = uint64(op.Inode)
	fs.mu.Unlock()
	op.Handle = h
	return nil
}

func (fs *FS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	var data []byte
	err := fs.vol.Do(func(v *vfs.Filesystem) error {
		b, err := v.ReadBytes(uint64(op.Inode), uint64(op.Offset), uint64(op.Size))
		data = b
		return err
	})
	if err != nil {
		return errno(err)
	}
	op.BytesRead = copy(op.Dst, data)
	return nil
}

func (fs *FS) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	err := fs.vol.Do(func(v *vfs.Filesystem) error {
		return v.WriteBytes(uint64(op.Inode), uint64(op.Offset), op.Data)
	})
	return errno(err)
}

// SyncFile and FlushFile both trigger a full cache flush, per spec.md §6.2.
func (fs *FS) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	return errno(fs.vol.Flush())
}

func (fs *FS) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return errno(fs.vol.Flush())
}

func (fs *FS) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fs.mu.Lock()
	delete(fs.fileH, op.Handle)
	fs.mu.Unlock()
	return nil
}

func (fs *FS) SetXattr(ctx context.Context, op *fuseops.SetXattrOp) error {
	err := fs.vol.Do(func(v *vfs.Filesystem) error {
		return v.XattrSet(uint64(op.Inode), op.Name, op.Value, int(op.Flags))
	})
	return errno(err)
}

func (fs *FS) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) error {
	var value []byte
	err := fs.vol.Do(func(v *vfs.Filesystem) error {
		val, err := v.XattrGet(uint64(op.Inode), op.Name)
		value = val
		return err
	})
	if err != nil {
		return errno(err)
	}
	op.BytesRead = len(value)
	if len(value) > len(op.Dst) {
		if len(op.Dst) == 0 {
			return nil
		}
		return syscall.ERANGE
	}
	copy(op.Dst, value)
	return nil
}

func (fs *FS) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) error {
	var names []string
	err := fs.vol.Do(func(v *vfs.Filesystem) error {
		ns, err := v.XattrList(uint64(op.Inode))
		names = ns
		return err
	})
	if err != nil {
		return errno(err)
	}
	total := 0
	for _, n := range names {
		total += len(n) + 1
	}
	op.BytesRead = total
	if total > len(op.Dst) {
		if len(op.Dst) == 0 {
			return nil
		}
		return syscall.ERANGE
	}
	off := 0
	for _, n := range names {
		copy(op.Dst[off:], n)
		off += len(n) + 1
		op.Dst[off-1] = 0
	}
	return nil
}

func (fs *FS) RemoveXattr(ctx context.Context, op *fuseops.RemoveXattrOp) error {
	err := fs.vol.Do(func(v *vfs.Filesystem) error {
		return v.XattrRemove(uint64(op.Inode), op.Name)
	})
	return errno(err)
}

func (fs *FS) Destroy() {
	fs.vol.Close()
}
