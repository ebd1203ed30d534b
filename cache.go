package pintosfs

import (
	"container/list"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/jacobsa/syncutil"
)

// NCache is the fixed buffer cache capacity, spec.md §4.1.
const NCache = 64

// frame is a single cache slot. Its own lock is held across both the
// memcpy into/out of data and, when the frame is fetched or evicted, the
// device I/O that fills or flushes it -- per spec.md §5, per-frame locks
// are the one lock in the ordering that is allowed to be held across I/O.
type frame struct {
	mu       sync.Mutex
	sector   uint32 // NotMapped if this frame holds nothing
	dirty    bool
	accessed bool
	data     [SectorSize]byte

	listed bool // GUARDED_BY(Cache.listMu): true while in the recency list
}

// Cache is the fixed-capacity (NCache by default, overridable via
// Filesystem's WithCacheCapacity) write-back buffer cache over device
// sectors described in spec.md §4.1. At most one frame holds a given
// sector id at any quiescent point (checked by checkInvariants below
// whenever listMu is locked or unlocked, mirroring the invariant-checked
// mutex pattern jacobsa-fuse's samples/memfs uses for its own in-memory
// tables).
type Cache struct {
	dev Device
	log *log.Logger

	// listMu guards order (recency list, front = least recent) and index
	// (sector -> list element). It is never held across a device read or
	// write; per-frame locks cover that instead.
	listMu syncutil.InvariantMutex
	order  *list.List // of *frame
	index  map[uint32]*list.Element

	frames []*frame
}

// NewCache allocates NCache cache frames for dev, discarding diagnostic
// output. Frames exist for the lifetime of the process, per spec.md §3.
func NewCache(dev Device) *Cache {
	return newCache(dev, NCache, log.New(io.Discard, "", 0))
}

// newCache is NewCache generalized with a capacity override and a
// diagnostic sink, used by Filesystem's WithCacheCapacity/WithLogger
// Options.
func newCache(dev Device, capacity int, logger *log.Logger) *Cache {
	c := &Cache{
		dev:    dev,
		log:    logger,
		order:  list.New(),
		index:  make(map[uint32]*list.Element, capacity),
		frames: make([]*frame, capacity),
	}
	c.listMu = syncutil.NewInvariantMutex(c.checkInvariants)
	for i := range c.frames {
		c.frames[i] = &frame{sector: NotMapped}
	}
	return c
}

// checkInvariants is run by the InvariantMutex on every Lock/Unlock in
// race-instrumented test builds. It restates spec.md §3's residency
// invariant directly as code.
func (c *Cache) checkInvariants() {
	seen := make(map[uint32]bool)
	for e := c.order.Front(); e != nil; e = e.Next() {
		fr := e.Value.(*frame)
		if fr.sector == NotMapped {
			continue
		}
		if seen[fr.sector] {
			panic(fmt.Sprintf("buffer cache: sector %d cached in more than one frame", fr.sector))
		}
		seen[fr.sector] = true
	}
}

// fetch returns the frame holding sector, locked, loading it from the
// device first if necessary. The caller must call fr.mu.Unlock() when
// done and is responsible for setting dirty/accessed appropriately.
func (c *Cache) fetch(sector uint32) (*frame, error) {
	c.listMu.Lock()
	if e, ok := c.index[sector]; ok {
		fr := e.Value.(*frame)
		c.order.MoveToBack(e)
		c.listMu.Unlock()
		fr.mu.Lock()
		// The frame may have been evicted and reassigned between the
		// index lookup and taking its lock; re-check under the lock.
		if fr.sector == sector {
			fr.accessed = true
			return fr, nil
		}
		fr.mu.Unlock()
		// Lost the race: fetch again, by miss or by a fresh hit.
		return c.fetch(sector)
	}

	victim := c.pickVictim()
	c.listMu.Unlock()

	victim.mu.Lock()
	if victim.sector == sector {
		// Someone else already refilled this exact frame with our
		// target sector while we didn't hold any lock; nothing to do.
		c.listMu.Lock()
		c.reinsert(victim)
		c.listMu.Unlock()
		victim.accessed = true
		return victim, nil
	}
	if victim.dirty {
		if err := c.dev.WriteSector(victim.sector, victim.data[:]); err != nil {
			victim.mu.Unlock()
			return nil, err
		}
		victim.dirty = false
	}

	if err := c.dev.ReadSector(sector, victim.data[:]); err != nil {
		victim.mu.Unlock()
		return nil, err
	}
	victim.sector = sector
	victim.dirty = false
	victim.accessed = true

	c.listMu.Lock()
	c.reinsert(victim)
	c.listMu.Unlock()

	return victim, nil
}

// pickVictim removes a frame from the recency list (it becomes briefly
// "in transit", invisible to concurrent fetch/find) and returns it.
// Must be called with listMu held.
func (c *Cache) pickVictim() *frame {
	// First pass: any frame not yet in the list at all (startup fill).
	for _, fr := range c.frames {
		if !fr.listed {
			return fr
		}
	}

	// Clock-ish sweep: first frame with accessed == false.
	for e := c.order.Front(); e != nil; e = e.Next() {
		fr := e.Value.(*frame)
		if !fr.accessed {
			c.remove(fr, e)
			return fr
		}
	}

	// Degenerate fallback after a full unsuccessful sweep: the front of the
	// recency list, i.e. the least recently used frame.
	e := c.order.Front()
	fr := e.Value.(*frame)
	c.remove(fr, e)
	c.log.Printf("cache: clock sweep found every frame accessed, evicting sector %d under churn", fr.sector)
	return fr
}

func (c *Cache) remove(fr *frame, e *list.Element) {
	delete(c.index, fr.sector)
	c.order.Remove(e)
	fr.listed = false
}

// reinsert adds fr back to the tail of the recency list under its new (or
// unchanged) sector id. Must be called with listMu held.
func (c *Cache) reinsert(fr *frame) {
	e := c.order.PushBack(fr)
	c.index[fr.sector] = e
	fr.listed = true
}

// Read copies len bytes from sector's cached contents, at offsetInSector,
// into dst, bringing the sector into cache first if it is not resident.
func (c *Cache) Read(sector uint32, dst []byte, offsetInSector, length int) error {
	fr, err := c.fetch(sector)
	if err != nil {
		return err
	}
	copy(dst[:length], fr.data[offsetInSector:offsetInSector+length])
	fr.accessed = true
	fr.mu.Unlock()
	return nil
}

// Write copies len bytes from src into sector's cached contents at
// offsetInSector. The write stays resident in the cache (dirty) and is
// not immediately propagated to the device.
func (c *Cache) Write(sector uint32, src []byte, offsetInSector, length int) error {
	fr, err := c.fetch(sector)
	if err != nil {
		return err
	}
	copy(fr.data[offsetInSector:offsetInSector+length], src[:length])
	fr.accessed = true
	fr.dirty = true
	fr.mu.Unlock()
	return nil
}

// writeback flushes fr to the device if dirty. The caller must hold
// fr.mu, per spec.md §4.1.
func (c *Cache) writeback(fr *frame) error {
	if !fr.dirty {
		return nil
	}
	if err := c.dev.WriteSector(fr.sector, fr.data[:]); err != nil {
		return err
	}
	fr.dirty = false
	fr.accessed = false
	return nil
}

// WritebackSector forces sector's frame to the device immediately if it
// is resident and dirty. Used for metadata sectors (inode creation,
// inode close) that want durability without waiting for a full Flush.
func (c *Cache) WritebackSector(sector uint32) error {
	c.listMu.Lock()
	e, ok := c.index[sector]
	c.listMu.Unlock()
	if !ok {
		return nil
	}
	fr := e.Value.(*frame)
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if fr.sector != sector {
		return nil
	}
	return c.writeback(fr)
}

// Flush writes back every dirty frame. Called only from a clean shutdown,
// per spec.md §1's Non-goal of mid-operation crash recovery.
func (c *Cache) Flush() error {
	for _, fr := range c.frames {
		fr.mu.Lock()
		err := c.writeback(fr)
		fr.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Readahead is a best-effort hint that the sector immediately following
// sector will likely be read next; failures are logged, not propagated.
func (c *Cache) Readahead(sector uint32) {
	next := sector + 1
	if next >= c.dev.SectorCount() {
		return
	}
	fr, err := c.fetch(next)
	if err != nil {
		c.log.Printf("cache: readahead miss for sector %d: %v", next, err)
		return
	}
	fr.mu.Unlock()
}

// FreeFrame evicts sector from the cache without writing it back, used
// when the sector's owning inode or data block is being released to the
// free map and its prior contents are no longer meaningful.
func (c *Cache) FreeFrame(sector uint32) {
	c.listMu.Lock()
	e, ok := c.index[sector]
	if !ok {
		c.listMu.Unlock()
		return
	}
	fr := e.Value.(*frame)
	c.remove(fr, e)
	c.listMu.Unlock()

	fr.mu.Lock()
	if fr.sector == sector {
		fr.sector = NotMapped
		fr.dirty = false
		fr.accessed = false
	}
	fr.mu.Unlock()

	c.listMu.Lock()
	c.order.PushFront(fr) // available for reuse, least-recent
	fr.listed = true
	c.listMu.Unlock()
}
