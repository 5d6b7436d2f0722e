// Package pager implements the bounded page cache and copy-on-write pager
// that sits between the B+ tree and the underlying block file.
package pager

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"

	"storageengine/internal/engineerr"
	"storageengine/internal/storage/blockfile"
)

// maxConcurrentReads bounds the number of in-flight BlockFile.ReadBlock
// calls per pager, so a burst of cold-cache reads degrades to queuing
// instead of spawning unbounded goroutine fan-out ahead of the cache
// admission check.
const maxConcurrentReads = 32

// DefaultCacheCapacity is the default number of cached pages (§4.2).
const DefaultCacheCapacity = 256

// BlockID aliases the block file's id type so callers of this package don't
// need to import blockfile separately just to name pages.
type BlockID = blockfile.BlockID

// entry is one page cache slot.
type entry struct {
	id       BlockID
	payload  []byte
	dirty    bool
	pinCount int
	stable   bool // reachable from the stable root at time of load
}

// cache is a bounded page cache built on a recency list from
// hashicorp/golang-lru, with pin-awareness and dirty tracking layered on
// top — concerns the library itself does not know about.
type cache struct {
	mu       sync.Mutex
	capacity int
	recency  *lru.Cache[BlockID, struct{}]
	entries  map[BlockID]*entry
}

func newCache(capacity int) *cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	// lru.New with a bound of four times capacity, which the recency list
	// never reaches because entries are capped at capacity, so the library
	// never evicts on its own; eviction here must be pin-aware and flush
	// dirty pages first, which the generic library can't express, so
	// admission is driven entirely by our own capacity check below.
	rec, _ := lru.New[BlockID, struct{}](capacity * 4)
	return &cache{capacity: capacity, recency: rec, entries: make(map[BlockID]*entry, capacity)}
}

func (c *cache) touch(id BlockID) { c.recency.Add(id, struct{}{}) }

// evictOne finds and removes the least-recently-used entry with pin_count
// == 0, flushing it first if dirty. Returns false if nothing can be evicted.
func (c *cache) evictOne(flush func(*entry) error) (bool, error) {
	keys := c.recency.Keys() // oldest first
	for _, id := range keys {
		e, ok := c.entries[id]
		if !ok || e.pinCount > 0 {
			continue
		}
		if e.dirty {
			if err := flush(e); err != nil {
				return false, err
			}
		}
		delete(c.entries, id)
		c.recency.Remove(id)
		return true, nil
	}
	return false, nil
}

// Pager owns a BlockFile and the bounded PageCache layered above it,
// implementing COW-on-first-write of stable pages, pin/unpin, and
// checkpoint coordination (§4.2).
type Pager struct {
	bf *blockfile.BlockFile
	c  *cache

	mu             sync.Mutex
	stableRoot     BlockID
	workingRoot    BlockID
	retired        map[BlockID]struct{}
	workingOnly    map[BlockID]struct{} // pages allocated purely as COW copies this generation
	nextAllocGuard sync.Mutex
	readSem        *semaphore.Weighted
}

// Config configures a Pager.
type Config struct {
	CacheCapacityPages int
}

// Open wraps an already-open BlockFile with a bounded page cache.
func Open(bf *blockfile.BlockFile, cfg Config) *Pager {
	root := bf.StableRoot()
	return &Pager{
		bf:          bf,
		c:           newCache(cfg.CacheCapacityPages),
		stableRoot:  root,
		workingRoot: root,
		retired:     make(map[BlockID]struct{}),
		workingOnly: make(map[BlockID]struct{}),
		readSem:     semaphore.NewWeighted(maxConcurrentReads),
	}
}

// readBlock bounds concurrent cold-cache disk reads through the pager's
// semaphore before delegating to the block file.
func (p *Pager) readBlock(id BlockID) ([]byte, error) {
	ctx := context.Background()
	if err := p.readSem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("pager: acquire read slot: %w", err)
	}
	defer p.readSem.Release(1)
	return p.bf.ReadBlock(id)
}

// BlockFile returns the underlying block file (used by callers that need
// PageSize()/Stats() directly).
func (p *Pager) BlockFile() *blockfile.BlockFile { return p.bf }

// WorkingRoot returns the in-memory root reflecting uncheckpointed
// mutations.
func (p *Pager) WorkingRoot() BlockID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workingRoot
}

// SetWorkingRoot updates the in-memory root after a BTree split grows the
// tree or otherwise changes its root block.
func (p *Pager) SetWorkingRoot(id BlockID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workingRoot = id
}

// StableRoot returns the root id recorded in the active checkpoint slot.
func (p *Pager) StableRoot() BlockID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stableRoot
}

// PinnedPage is a read-intent handle. Payload must not be mutated; callers
// that need to write must use pin_page_mut instead.
type PinnedPage struct {
	ID      BlockID
	Payload []byte
}

// PinPage loads id from cache or disk, bumping its pin count.
func (p *Pager) PinPage(id BlockID) (*PinnedPage, error) {
	p.c.mu.Lock()
	if e, ok := p.c.entries[id]; ok {
		e.pinCount++
		p.c.touch(id)
		payload := e.payload
		p.c.mu.Unlock()
		return &PinnedPage{ID: id, Payload: payload}, nil
	}
	p.c.mu.Unlock()

	payload, err := p.readBlock(id)
	if err != nil {
		return nil, err
	}
	if err := p.admit(id, payload, false, true); err != nil {
		return nil, err
	}
	return &PinnedPage{ID: id, Payload: payload}, nil
}

// UnpinPage releases a read-intent pin.
func (p *Pager) UnpinPage(id BlockID) {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	if e, ok := p.c.entries[id]; ok && e.pinCount > 0 {
		e.pinCount--
	}
}

// PinnedPageMut is a write-intent handle. WorkingID is the block id the
// caller must mutate and eventually commit or abort; it may differ from
// the id originally requested if a COW copy was made.
type PinnedPageMut struct {
	WorkingID  BlockID
	OriginalID BlockID // 0 and Allocated=false if no COW occurred
	Allocated  bool
	Payload    []byte
}

// admit inserts a freshly loaded page into the cache, evicting if
// necessary. Must be called without c.mu held.
func (p *Pager) admit(id BlockID, payload []byte, dirty, stable bool) error {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	if len(p.c.entries) >= p.c.capacity {
		ok, err := p.c.evictOne(p.flushEntryLocked)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("pager: admit block %d: %w", id, engineerr.CachePressure)
		}
	}
	p.c.entries[id] = &entry{id: id, payload: payload, dirty: dirty, pinCount: 1, stable: stable}
	p.c.touch(id)
	return nil
}

// flushEntryLocked writes a dirty entry back to the block file. c.mu is
// held by the caller.
func (p *Pager) flushEntryLocked(e *entry) error {
	if err := p.bf.WriteBlock(e.id, e.payload); err != nil {
		return err
	}
	e.dirty = false
	return nil
}

// PinPageMut returns a write-intent handle for id. If id is part of the
// stable tree, a new block is allocated, the contents copied, and the
// original id recorded for retirement when the caller commits.
func (p *Pager) PinPageMut(id BlockID) (*PinnedPageMut, error) {
	p.c.mu.Lock()
	e, cached := p.c.entries[id]
	stable := cached && e.stable
	p.c.mu.Unlock()

	if !cached {
		payload, err := p.readBlock(id)
		if err != nil {
			return nil, err
		}
		// A page not yet materialized is assumed stable unless it is
		// already known to be a bare working allocation.
		p.mu.Lock()
		_, isWorkingOnly := p.workingOnly[id]
		p.mu.Unlock()
		stable = !isWorkingOnly
		if err := p.admit(id, payload, false, stable); err != nil {
			return nil, err
		}
		p.c.mu.Lock()
		e = p.c.entries[id]
		p.c.mu.Unlock()
	}

	if !stable {
		e.pinCount++
		cp := append([]byte(nil), e.payload...)
		return &PinnedPageMut{WorkingID: id, Payload: cp}, nil
	}

	// COW: allocate a fresh working block, copy contents.
	newID, err := p.bf.AllocateExtent(1)
	if err != nil {
		p.c.mu.Lock()
		e.pinCount--
		p.c.mu.Unlock()
		return nil, err
	}
	cp := append([]byte(nil), e.payload...)
	if err := p.admit(newID, cp, true, false); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.workingOnly[newID] = struct{}{}
	p.mu.Unlock()
	p.c.mu.Lock()
	e.pinCount--
	p.c.mu.Unlock()
	return &PinnedPageMut{WorkingID: newID, OriginalID: id, Allocated: true, Payload: cp}, nil
}

// UnpinPageMutCommit writes the handle's buffer into the cache entry for
// its working id and, if a COW copy was made, records the original id for
// retirement at the next checkpoint.
func (p *Pager) UnpinPageMutCommit(h *PinnedPageMut) error {
	p.c.mu.Lock()
	e, ok := p.c.entries[h.WorkingID]
	if !ok {
		p.c.mu.Unlock()
		return fmt.Errorf("pager: commit unknown working page %d", h.WorkingID)
	}
	e.payload = h.Payload
	e.dirty = true
	if e.pinCount > 0 {
		e.pinCount--
	}
	p.c.mu.Unlock()

	if h.OriginalID != 0 {
		p.mu.Lock()
		p.retired[h.OriginalID] = struct{}{}
		p.mu.Unlock()
	}
	return nil
}

// AllocatePage allocates a brand-new block (not a COW copy of anything) and
// admits it to the cache as a dirty, pinned working page — used by the
// btree when a split or root growth needs a page that has no stable
// predecessor to retire.
func (p *Pager) AllocatePage(payload []byte) (*PinnedPageMut, error) {
	id, err := p.bf.AllocateExtent(1)
	if err != nil {
		return nil, err
	}
	if err := p.admit(id, payload, true, false); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.workingOnly[id] = struct{}{}
	p.mu.Unlock()
	return &PinnedPageMut{WorkingID: id, Allocated: true, Payload: payload}, nil
}

// UnpinPageMutAbort discards the working buffer. If the working id was
// freshly allocated for this pin, it is returned to avail immediately; the
// original id (if any) is not retired.
func (p *Pager) UnpinPageMutAbort(h *PinnedPageMut) {
	p.c.mu.Lock()
	if e, ok := p.c.entries[h.WorkingID]; ok {
		if e.pinCount > 0 {
			e.pinCount--
		}
		if h.Allocated {
			delete(p.c.entries, h.WorkingID)
			p.c.recency.Remove(h.WorkingID)
		}
	}
	p.c.mu.Unlock()

	if h.Allocated {
		p.bf.FreeExtent(h.WorkingID, 1)
		p.mu.Lock()
		delete(p.workingOnly, h.WorkingID)
		p.mu.Unlock()
	}
}

// FlushCache writes every dirty entry back via BlockFile.WriteBlock and
// marks them clean. Fails if any dirty page is still pinned.
func (p *Pager) FlushCache() error {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	for _, e := range p.c.entries {
		if e.dirty && e.pinCount > 0 {
			return fmt.Errorf("pager: flush: block %d dirty and pinned: %w", e.id, engineerr.CachePressure)
		}
	}
	for _, e := range p.c.entries {
		if e.dirty {
			if err := p.flushEntryLocked(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// Checkpoint flushes the cache, commits a new stable root in the block
// file, and moves retired pages into the block file's discard set.
func (p *Pager) Checkpoint(newRoot BlockID) error {
	if err := p.FlushCache(); err != nil {
		return err
	}
	if err := p.bf.CommitCheckpoint(newRoot); err != nil {
		return err
	}
	p.mu.Lock()
	for id := range p.retired {
		p.bf.FreeExtent(id, 1)
	}
	p.retired = make(map[BlockID]struct{})
	p.workingOnly = make(map[BlockID]struct{})
	p.stableRoot = newRoot
	p.workingRoot = newRoot
	p.mu.Unlock()

	// Every surviving cache entry is now reachable only from the new
	// stable root; mark it stable so the next write against it triggers
	// COW again.
	p.c.mu.Lock()
	for _, e := range p.c.entries {
		e.stable = true
	}
	p.c.mu.Unlock()
	return nil
}

// Stats reports cache occupancy, used by tests and the CLI stats command.
type Stats struct {
	CachedPages int
	DirtyPages  int
	PinnedPages int
	Capacity    int
}

func (p *Pager) Stats() Stats {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	s := Stats{CachedPages: len(p.c.entries), Capacity: p.c.capacity}
	for _, e := range p.c.entries {
		if e.dirty {
			s.DirtyPages++
		}
		if e.pinCount > 0 {
			s.PinnedPages++
		}
	}
	return s
}
