package plaraefs

import "golang.org/x/xerrors"

// Errno is one of the error kinds named in SPEC_FULL.md / spec.md §7. Core
// packages return errors wrapped with golang.org/x/xerrors around one of
// these sentinels so that callers can recover the kind with errors.Is after
// unwrapping, while still getting a human-readable chain from Error().
type Errno int

const (
	// ErrCorruptBlock means an AEAD tag mismatch: the physical block does
	// not authenticate under the master key and its recorded index.
	ErrCorruptBlock Errno = iota + 1

	// ErrShortRead means the backing store returned fewer bytes than a
	// full physical block.
	ErrShortRead

	// ErrShortWrite means the backing store accepted fewer bytes than a
	// full physical block write.
	ErrShortWrite

	// ErrNoSpace means the addressable logical block space
	// (2**(BlockIDSize*8)) is exhausted.
	ErrNoSpace

	// ErrNotFound is a missing path component or directory entry.
	ErrNotFound

	// ErrNotADirectory is an intermediate path component that is not a
	// directory.
	ErrNotADirectory

	// ErrIsADirectory is a directory where a regular file was required.
	ErrIsADirectory

	// ErrAlreadyExists is a create/mkdir/link collision.
	ErrAlreadyExists

	// ErrNotEmpty is a non-empty directory where rmdir/rename requires
	// emptiness.
	ErrNotEmpty

	// ErrNameTooLong is a path component that is empty or longer than
	// FilenameSize-1 bytes. A component containing a NUL byte is
	// ErrInvalidArgument instead.
	ErrNameTooLong

	// ErrInvalidArgument covers malformed operation arguments (e.g. an
	// unrecognized mount option, an unrecognized xattr flag combination).
	ErrInvalidArgument

	// ErrIOError is a backing-store failure beneath the crypto layer (short
	// reads/writes already have their own kinds; this is for everything
	// else, e.g. the underlying device returning an I/O error).
	ErrIOError

	// ErrPoisoned is returned for every operation on a volume once fatal
	// corruption (§7) has been detected, until the volume is remounted.
	ErrPoisoned

	// ErrAlreadyMounted is returned when opening a backing store that is
	// already exclusively locked by another process (a supplemented
	// feature; see SPEC_FULL.md §D.3).
	ErrAlreadyMounted

	// ErrNotSupported covers operations explicitly permitted to be
	// unimplemented by spec.md §9 (symlinks/special files), should a build
	// choose not to implement them. This repository implements symlinks,
	// so this is reserved for mknod of device nodes.
	ErrNotSupported
)

func (e Errno) Error() string {
	switch e {
	case ErrCorruptBlock:
		return "corrupt block: authentication failed"
	case ErrShortRead:
		return "short read from backing store"
	case ErrShortWrite:
		return "short write to backing store"
	case ErrNoSpace:
		return "no space: logical address space exhausted"
	case ErrNotFound:
		return "not found"
	case ErrNotADirectory:
		return "not a directory"
	case ErrIsADirectory:
		return "is a directory"
	case ErrAlreadyExists:
		return "already exists"
	case ErrNotEmpty:
		return "directory not empty"
	case ErrNameTooLong:
		return "name too long"
	case ErrInvalidArgument:
		return "invalid argument"
	case ErrIOError:
		return "backing store I/O error"
	case ErrPoisoned:
		return "volume poisoned by prior corruption"
	case ErrAlreadyMounted:
		return "backing store already mounted elsewhere"
	case ErrNotSupported:
		return "not supported"
	default:
		return "unknown plaraefs error"
	}
}

// Wrap annotates err with a message while preserving Errno as the root
// cause for errors.Is(err, kind) after unwrapping.
func Wrap(kind Errno, format string, args ...interface{}) error {
	wrapped := xerrors.Errorf(format, args...)
	return &wrappedErrno{kind: kind, err: wrapped}
}

type wrappedErrno struct {
	kind Errno
	err  error
}

func (w *wrappedErrno) Error() string { return w.kind.Error() + ": " + w.err.Error() }
func (w *wrappedErrno) Unwrap() error { return w.err }
func (w *wrappedErrno) Is(target error) bool {
	kind, ok := target.(Errno)
	return ok && kind == w.kind
}
