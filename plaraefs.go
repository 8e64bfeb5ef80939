// Package plaraefs implements an encrypted, authenticated, user-space file
// system stored inside a single host file. See SPEC_FULL.md for the full
// design: a per-block AEAD crypto layer, a bitmap block allocator, a
// file/directory/xattr layer on top, and a path resolver exposed as a FUSE
// operation surface in internal/pathfs.
package plaraefs

// On-disk geometry. All integers on disk are little-endian unsigned.
const (
	// PhysicalBlockSize is the size, in bytes, of one physical (ciphertext)
	// block as stored on the backing store.
	PhysicalBlockSize = 4096

	// IVSize is the length of the per-block initialisation vector prefix.
	IVSize = 16

	// TagSize is the length of the AEAD authentication tag suffix.
	TagSize = 16

	// LogicalBlockSize is the amount of plaintext carried by one physical
	// block: PhysicalBlockSize - IVSize - TagSize.
	LogicalBlockSize = PhysicalBlockSize - IVSize - TagSize

	// BlockIDSize is the on-disk width of a logical block index / id.
	BlockIDSize = 8

	// FileSizeSize is the on-disk width of a file's byte length.
	FileSizeSize = 8

	// FilenameSize is the maximum (NUL-padded) length of one path component.
	FilenameSize = 256

	// XattrInlineSize is the size of the inline xattr area in a file header.
	XattrInlineSize = 256

	// DirectBlockCount is the number of direct block pointers carried by a
	// file header or continuation block.
	DirectBlockCount = 32

	// BitsPerSuperblock is the number of bits addressed by one superblock,
	// i.e. the number of data blocks one superblock governs (including
	// itself, at bit 0).
	BitsPerSuperblock = LogicalBlockSize * 8

	// DefaultCacheCapacity is the default number of logical blocks held in
	// the write-back block cache (§6.3 of SPEC_FULL.md).
	DefaultCacheCapacity = 256
)

// xattr set flags (spec.md §4.4: "recognized values: XATTR_CREATE,
// XATTR_REPLACE, 0").
const (
	XattrCreate  = 1 << iota // fail with ErrAlreadyExists if the attribute exists
	XattrReplace             // fail with ErrNotFound if the attribute does not exist
)

// RootHeaderID is the fixed logical block index of the root directory's
// file header: the first non-superblock block after the volume header,
// i.e. logical index 1 (index 0 is always the first superblock).
const RootHeaderID uint64 = 1

// Options configures a volume at open/mount time (§6.3).
type Options struct {
	// Passphrase is the raw passphrase material used to derive the master
	// key via internal/kdf. Never logged, never retained beyond derivation.
	Passphrase []byte

	// CacheCapacity is the number of logical blocks kept in the write-back
	// cache. Zero means DefaultCacheCapacity.
	CacheCapacity int

	// ReadOnly mounts/opens the volume without permitting mutation.
	ReadOnly bool

	// AllowOther is passed through to the FUSE bridge unmodified; the core
	// does not interpret it.
	AllowOther bool
}

func (o Options) cacheCapacity() int {
	if o.CacheCapacity <= 0 {
		return DefaultCacheCapacity
	}
	return o.CacheCapacity
}
