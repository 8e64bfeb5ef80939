// Package volume ties the crypto, cache, allocator, and file-system layers
// together behind the "volume" open/create API named in SPEC_FULL.md §6.3,
// and owns the coarse volume lock and poisoned-flag semantics of §5/§7.
package volume

import (
	"encoding/binary"
	"log"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/distr1/plaraefs"
	"github.com/distr1/plaraefs/internal/allocator"
	"github.com/distr1/plaraefs/internal/backingstore"
	"github.com/distr1/plaraefs/internal/blockcache"
	"github.com/distr1/plaraefs/internal/blockcrypto"
	"github.com/distr1/plaraefs/internal/kdf"
	"github.com/distr1/plaraefs/internal/vfs"
)

const (
	magic      = "PLARAEFS"
	formatVers = 1

	// headerSize is the on-disk size of the volume header region,
	// rounded up to a multiple of PhysicalBlockSize per spec.md §6.1.
	headerSize = plaraefs.PhysicalBlockSize
)

// header is the decoded volume header (§3 "Volume header").
type header struct {
	Version    uint32
	UUID       uuid.UUID // supplemented field, SPEC_FULL.md §D.2
	Salt       [kdf.SaltSize]byte
	KDFParams  kdf.Params
	// WrappedKey holds the master key encrypted under a key derived from
	// the passphrase; the volume-header's own AEAD binds it to UUID as
	// associated data so a header cannot be spliced onto a different
	// volume's blocks.
	WrappedKeyNonce [12]byte
	WrappedKey      [48]byte // 32-byte key + 16-byte GCM tag
}

func (h *header) encode() []byte {
	buf := make([]byte, headerSize)
	w := buf
	copy(w, magic)
	w = w[len(magic):]
	binary.LittleEndian.PutUint32(w, h.Version)
	w = w[4:]
	copy(w, h.UUID[:])
	w = w[16:]
	copy(w, h.Salt[:])
	w = w[kdf.SaltSize:]
	binary.LittleEndian.PutUint32(w, h.KDFParams.Time)
	w = w[4:]
	binary.LittleEndian.PutUint32(w, h.KDFParams.Memory)
	w = w[4:]
	w[0] = h.KDFParams.Threads
	w = w[1:]
	copy(w, h.WrappedKeyNonce[:])
	w = w[12:]
	copy(w, h.WrappedKey[:])
	return buf
}

func decodeHeader(buf []byte) (*header, error) {
	if len(buf) < headerSize {
		return nil, xerrors.Errorf("volume header too short")
	}
	if string(buf[:len(magic)]) != magic {
		return nil, plaraefs.Wrap(plaraefs.ErrCorruptBlock, "bad volume magic")
	}
	h := &header{}
	r := buf[len(magic):]
	h.Version = binary.LittleEndian.Uint32(r)
	r = r[4:]
	copy(h.UUID[:], r[:16])
	r = r[16:]
	copy(h.Salt[:], r[:kdf.SaltSize])
	r = r[kdf.SaltSize:]
	h.KDFParams.Time = binary.LittleEndian.Uint32(r)
	r = r[4:]
	h.KDFParams.Memory = binary.LittleEndian.Uint32(r)
	r = r[4:]
	h.KDFParams.Threads = r[0]
	r = r[1:]
	copy(h.WrappedKeyNonce[:], r[:12])
	r = r[12:]
	copy(h.WrappedKey[:], r[:48])
	if h.Version != formatVers {
		return nil, xerrors.Errorf("unsupported volume format version %d", h.Version)
	}
	return h, nil
}

// Volume is an opened plaraefs volume: the single per-process object with
// an explicit open/close lifecycle described in spec.md §9 ("Global
// state").
type Volume struct {
	mu sync.Mutex // the single coarse volume lock (§5)

	store  *backingstore.Store
	crypto *blockcrypto.Layer
	cache  *blockcache.Cache
	alloc  *allocator.Allocator
	fs     *vfs.Filesystem

	uuid     uuid.UUID
	poisoned bool
	closed   bool
}

// Create initializes a brand new, empty volume at path: an empty root
// directory, one superblock, and a freshly generated random master key
// wrapped under a key derived from the passphrase.
func Create(path string, opts plaraefs.Options) (*Volume, error) {
	// One superblock's region (32513 blocks) plus the header is enough for
	// an empty volume; the allocator extends further as needed.
	initialBlocks := uint64(plaraefs.BitsPerSuperblock + 1)
	size := int64(headerSize) + int64(initialBlocks)*plaraefs.PhysicalBlockSize

	store, err := backingstore.Create(path, size)
	if err != nil {
		return nil, err
	}

	salt, err := kdf.NewSalt()
	if err != nil {
		store.Close()
		return nil, err
	}
	wrapKey := kdf.DeriveMasterKey(opts.Passphrase, salt, kdf.DefaultParams)

	var masterKey [32]byte
	if _, err := randRead(masterKey[:]); err != nil {
		store.Close()
		return nil, err
	}

	id := uuid.New()
	wrappedNonce, wrapped, err := wrapKey32(wrapKey, masterKey, id)
	if err != nil {
		store.Close()
		return nil, err
	}

	h := &header{
		Version:         formatVers,
		UUID:            id,
		Salt:            salt,
		KDFParams:       kdf.DefaultParams,
		WrappedKeyNonce: wrappedNonce,
		WrappedKey:      wrapped,
	}
	if err := store.WriteAt(0, h.encode()); err != nil {
		store.Close()
		return nil, err
	}

	v, err := newVolume(store, masterKey, id, opts)
	if err != nil {
		store.Close()
		return nil, err
	}

	a, err := allocator.InitRoot(v.cache)
	if err != nil {
		v.Close()
		return nil, err
	}
	a.SetExtend(v.extend)
	a.SetTotalBlocks(v.crypto.TotalBlocks)
	v.alloc = a
	v.fs = &vfs.Filesystem{Cache: v.cache, Alloc: v.alloc}

	if err := v.fs.InitHeaderAt(plaraefs.RootHeaderID, vfs.ModeDirectory); err != nil {
		v.Close()
		return nil, err
	}
	if err := v.cache.Flush(); err != nil {
		v.Close()
		return nil, err
	}
	return v, nil
}

// Open opens an existing volume at path, deriving the master key from
// opts.Passphrase and verifying the root header.
func Open(path string, opts plaraefs.Options) (*Volume, error) {
	store, err := backingstore.Open(path, opts.ReadOnly)
	if err != nil {
		return nil, err
	}
	var raw [headerSize]byte
	if err := store.ReadAt(0, raw[:]); err != nil {
		store.Close()
		return nil, err
	}
	h, err := decodeHeader(raw[:])
	if err != nil {
		store.Close()
		return nil, err
	}
	wrapKey := kdf.DeriveMasterKey(opts.Passphrase, h.Salt, h.KDFParams)
	masterKey, err := unwrapKey32(wrapKey, h.WrappedKeyNonce, h.WrappedKey, h.UUID)
	if err != nil {
		store.Close()
		return nil, plaraefs.Wrap(plaraefs.ErrCorruptBlock, "bad passphrase or corrupt volume header: %w", err)
	}

	v, err := newVolume(store, masterKey, h.UUID, opts)
	if err != nil {
		store.Close()
		return nil, err
	}

	totalBlocks, err := v.crypto.TotalBlocks()
	if err != nil {
		v.Close()
		return nil, err
	}
	a, err := allocator.Open(v.cache, totalBlocks)
	if err != nil {
		v.poisoned = true
		v.Close()
		return nil, err
	}
	a.SetExtend(v.extend)
	a.SetTotalBlocks(v.crypto.TotalBlocks)
	v.alloc = a
	v.fs = &vfs.Filesystem{Cache: v.cache, Alloc: v.alloc}

	if _, _, err := v.fs.Stat(plaraefs.RootHeaderID); err != nil {
		v.poisoned = true
		v.Close()
		return nil, plaraefs.Wrap(plaraefs.ErrCorruptBlock, "root header unreadable: %w", err)
	}

	log.Printf("plaraefs: opened volume %s (uuid %s)", path, v.uuid)
	return v, nil
}

func newVolume(store *backingstore.Store, masterKey [32]byte, id uuid.UUID, opts plaraefs.Options) (*Volume, error) {
	crypto, err := blockcrypto.New(store, masterKey, headerSize)
	if err != nil {
		return nil, err
	}
	cache, err := blockcache.New(crypto, opts.cacheCapacity())
	if err != nil {
		return nil, err
	}
	return &Volume{store: store, crypto: crypto, cache: cache, uuid: id}, nil
}

func (v *Volume) extend(to uint64) error {
	return v.crypto.Extend(to)
}

func (v *Volume) checkHealthy() error {
	if v.poisoned {
		return plaraefs.ErrPoisoned
	}
	return nil
}

// Do runs fn against the opened volume's file-system layer under the
// volume lock, poisoning the volume if fn reports block corruption.
func (v *Volume) Do(fn func(fs *vfs.Filesystem) error) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkHealthy(); err != nil {
		return err
	}
	if err := fn(v.fs); err != nil {
		if xerrorsIs(err, plaraefs.ErrCorruptBlock) {
			v.poisoned = true
		}
		return err
	}
	return nil
}

// UUID returns the volume's identifier.
func (v *Volume) UUID() uuid.UUID { return v.uuid }

// CountFree reports the allocator's free-block count.
func (v *Volume) CountFree() uint64 { return v.alloc.CountFree() }

// TotalBlocks reports the current logical block count.
func (v *Volume) TotalBlocks() (uint64, error) { return v.crypto.TotalBlocks() }

// Flush triggers a full cache flush, as used by both flush(2) and fsync(2)
// per spec.md §6.2. Consistent with Do, only block corruption poisons the
// volume; a transient backing-store I/O error (e.g. ErrShortWrite from a
// momentarily full disk) surfaces EIO for this call without bricking the
// volume for later operations.
func (v *Volume) Flush() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkHealthy(); err != nil {
		return err
	}
	if err := v.cache.Flush(); err != nil {
		if xerrorsIs(err, plaraefs.ErrCorruptBlock) {
			v.poisoned = true
		}
		return err
	}
	return nil
}

// Close flushes the cache and closes the backing store. It is safe to call
// on every exit path, including after an error, per spec.md §5's "Volume
// close" resource-lifecycle guarantee, and safe to call more than once (a
// CLI's normal FUSE-unmount path and its last-resort atexit cleanup may
// both reach it).
func (v *Volume) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	var flushErr error
	if v.cache != nil && !v.poisoned {
		flushErr = v.cache.Flush()
	}
	closeErr := v.store.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
