// Package blockcache implements the bounded write-back cache of decrypted
// logical blocks described in §4.2 of SPEC_FULL.md, using a generic LRU
// with an eviction callback (grounded on
// _examples/mirendev-runtime/pkg/entity/cache.go's use of
// github.com/hashicorp/golang-lru/v2) so that evicting a dirty page writes
// it back through the crypto layer.
package blockcache

import (
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/distr1/plaraefs"
	"github.com/distr1/plaraefs/internal/blockcrypto"
)

// Page is one cached logical block.
type Page struct {
	Data  [plaraefs.LogicalBlockSize]byte
	dirty bool
}

// Cache is a bounded, write-back LRU cache of logical blocks.
type Cache struct {
	mu     sync.Mutex
	crypto *blockcrypto.Layer
	lru    *lru.Cache[uint64, *Page]

	// stuck holds pages the LRU evicted whose write-back failed.
	// golang-lru's eviction callback cannot veto the Add that triggered it
	// (the entry is already gone from the LRU's own map by the time
	// onEvict runs), so a failed write-back would otherwise silently lose
	// the page's dirty data. Keeping it here instead means it stays
	// resident and dirty — satisfying spec.md §4.2/§7's "the page remains
	// dirty ... the caller either retries or aborts" — until a later
	// Flush/FlushOne successfully writes it back and returns it to normal
	// LRU management.
	stuck map[uint64]*Page

	// evictErr surfaces a stuck write-back failure once, to whichever
	// Get/GetMut/NewPage call's Add happened to trigger the eviction, so
	// the failure isn't silently swallowed even though the page itself
	// survives in c.stuck for a later retry.
	evictErr error
}

// New constructs a Cache of the given capacity (in logical blocks) backed
// by crypto.
func New(crypto *blockcrypto.Layer, capacity int) (*Cache, error) {
	c := &Cache{crypto: crypto, stuck: make(map[uint64]*Page)}
	l, err := lru.NewWithEvict[uint64, *Page](capacity, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// onEvict runs synchronously inside the Add call that triggered the
// eviction, with c.mu already held by the caller.
func (c *Cache) onEvict(index uint64, p *Page) {
	if !p.dirty {
		return
	}
	if err := c.crypto.WriteBlock(index, p.Data[:]); err != nil {
		// The page is already gone from the LRU's own bookkeeping; keep it
		// in c.stuck so it is still found (still dirty) by a later Get,
		// and so Flush/FlushOne can retry the write-back.
		c.stuck[index] = p
		c.evictErr = err
		return
	}
}

// Get returns the (possibly dirty) page at index, decrypting on miss.
func (c *Cache) Get(index uint64) (*Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(index)
}

func (c *Cache) getLocked(index uint64) (*Page, error) {
	if p, ok := c.stuck[index]; ok {
		return p, nil
	}
	if p, ok := c.lru.Get(index); ok {
		return p, nil
	}
	plaintext, err := c.crypto.ReadBlock(index)
	if err != nil {
		return nil, err
	}
	p := &Page{}
	copy(p.Data[:], plaintext)
	c.lru.Add(index, p)
	if err := c.pendingEvictErrLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

// NewPage materialises a freshly allocated, all-zero page at index without
// reading it back through the crypto layer, and marks it dirty so it is
// written out (as a properly authenticated block) on the next flush or
// eviction. Every index handed out by an allocator has never been through
// WriteBlock, so decrypting it (as Get/GetMut do on a cache miss) would
// fail authentication; callers that are the first to touch a newly
// allocated block must go through NewPage instead of GetMut.
func (c *Cache) NewPage(index uint64) (*Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := &Page{dirty: true}
	c.lru.Add(index, p)
	if err := c.pendingEvictErrLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

// GetMut returns the page at index marked dirty, for in-place mutation.
func (c *Cache) GetMut(index uint64) (*Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.getLocked(index)
	if err != nil {
		return nil, err
	}
	p.dirty = true
	return p, nil
}

func (c *Cache) pendingEvictErrLocked() error {
	if c.evictErr != nil {
		err := c.evictErr
		c.evictErr = nil
		return err
	}
	return nil
}

// FlushOne writes the page at index through the crypto layer if dirty and
// marks it clean, without dropping it from the cache. If index previously
// fell off the LRU with a failed write-back (see onEvict), a successful
// retry here returns it to normal LRU management.
func (c *Cache) FlushOne(index uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.stuck[index]; ok {
		if err := c.crypto.WriteBlock(index, p.Data[:]); err != nil {
			return err
		}
		p.dirty = false
		delete(c.stuck, index)
		c.lru.Add(index, p)
		return nil
	}
	p, ok := c.lru.Peek(index)
	if !ok || !p.dirty {
		return nil
	}
	if err := c.crypto.WriteBlock(index, p.Data[:]); err != nil {
		return err
	}
	p.dirty = false
	return nil
}

// Flush writes out every dirty page (including any stuck ones left behind
// by a prior failed eviction) in ascending logical-index order and marks
// them clean, without dropping any of them from the cache. It stops at the
// first failure, leaving the remaining dirty/stuck pages exactly as they
// were for a later retry.
func (c *Cache) Flush() error {
	c.mu.Lock()
	keys := append([]uint64(nil), c.lru.Keys()...)
	for k := range c.stuck {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		if err := c.FlushOne(k); err != nil {
			return err
		}
	}
	return nil
}

// DropClean evicts index from the cache if present and not dirty. It is a
// no-op for dirty or absent pages.
func (c *Cache) DropClean(index uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.lru.Peek(index); ok && !p.dirty {
		c.lru.Remove(index)
	}
}
