package pintosfs

import (
	"fmt"
	"io"
	"log"
	"sync"
)

// FreeMapSector is the conventional location of the free-map's own bitmap
// storage, fixed per spec.md §6.
const FreeMapSector = 0

// ReservedSectors is the number of sectors the format stage reserves for
// bookkeeping before any file data can be allocated: sector 0 for the free
// map, sector 1 (RootDirSector) for the root directory.
const ReservedSectors = 2

// RootDirSector is fixed by spec.md §6: a freshly formatted device
// contains exactly one inode at this sector, the root directory, whose
// "." and ".." both point at itself.
const RootDirSector = 1

// FreeMap is the free-sector-bitmap collaborator named in spec.md §1: an
// external allocator the inode store consumes through Alloc/Release. It
// is not part of the buffer cache's residency protocol -- the bitmap is
// read and written directly against the device so that a torn buffer
// cache eviction can never corrupt allocation bookkeeping.
type FreeMap interface {
	Alloc(n int) ([]uint32, error)
	Release(sector uint32, n int)
}

// bitmapFreeMap is the default FreeMap implementation: one bit per sector,
// packed into the sectors starting at FreeMapSector. It is guarded by a
// single mutex, consistent with spec.md §5's lock-ordering position
// "Free-map lock (external)" below the per-inode mutex and above the
// cache list lock.
type bitmapFreeMap struct {
	mu     sync.Mutex
	dev    Device
	log    *log.Logger
	bits   []byte // one bit per sector, reserved sectors pre-marked used
	nbits  uint32
	dirty  bool
	sector uint32 // first sector of the bitmap's own on-disk storage
}

func newBitmapFreeMap(dev Device, sector uint32) *bitmapFreeMap {
	n := dev.SectorCount()
	return &bitmapFreeMap{
		dev:    dev,
		log:    log.New(io.Discard, "", 0),
		bits:   make([]byte, (n+7)/8),
		nbits:  n,
		sector: sector,
	}
}

// createFreeMap initializes a fresh bitmap marking the reserved sectors
// (free map + root directory) as used, and persists it.
func createFreeMap(dev Device) (*bitmapFreeMap, error) {
	fm := newBitmapFreeMap(dev, FreeMapSector)
	for s := uint32(0); s < ReservedSectors; s++ {
		fm.setBit(s, true)
	}
	fm.dirty = true
	if err := fm.flush(); err != nil {
		return nil, err
	}
	return fm, nil
}

// openFreeMap loads an existing bitmap from the device.
func openFreeMap(dev Device) (*bitmapFreeMap, error) {
	fm := newBitmapFreeMap(dev, FreeMapSector)
	nsectors := (uint32(len(fm.bits)) + SectorSize - 1) / SectorSize
	buf := make([]byte, SectorSize)
	for i := uint32(0); i < nsectors; i++ {
		if err := dev.ReadSector(FreeMapSector+i, buf); err != nil {
			return nil, err
		}
		copy(fm.bits[i*SectorSize:], buf)
	}
	return fm, nil
}

func (fm *bitmapFreeMap) bit(s uint32) bool {
	return fm.bits[s/8]&(1<<(s%8)) != 0
}

func (fm *bitmapFreeMap) setBit(s uint32, v bool) {
	if v {
		fm.bits[s/8] |= 1 << (s % 8)
	} else {
		fm.bits[s/8] &^= 1 << (s % 8)
	}
}

// Alloc finds n sectors, not necessarily contiguous, marks them used, and
// returns their ids. It fails with ErrNoSpace if fewer than n sectors are
// free.
func (fm *bitmapFreeMap) Alloc(n int) ([]uint32, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	out := make([]uint32, 0, n)
	for s := uint32(0); s < fm.nbits && len(out) < n; s++ {
		if !fm.bit(s) {
			out = append(out, s)
		}
	}
	if len(out) < n {
		fm.log.Printf("free map: exhausted, wanted %d sector(s), found %d free", n, len(out))
		return nil, ErrNoSpace
	}
	for _, s := range out {
		fm.setBit(s, true)
	}
	fm.dirty = true
	if err := fm.flush(); err != nil {
		// Roll back the in-memory bits so a later retry doesn't believe
		// these sectors are taken when the persisted map disagrees.
		for _, s := range out {
			fm.setBit(s, false)
		}
		return nil, err
	}
	return out, nil
}

// Release marks n consecutive sectors starting at sector as free again.
func (fm *bitmapFreeMap) Release(sector uint32, n int) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	for i := 0; i < n; i++ {
		fm.setBit(sector+uint32(i), false)
	}
	fm.dirty = true
	_ = fm.flush()
}

// flush persists the bitmap to its reserved sectors. Must be called with
// fm.mu held.
func (fm *bitmapFreeMap) flush() error {
	if !fm.dirty {
		return nil
	}
	nsectors := (uint32(len(fm.bits)) + SectorSize - 1) / SectorSize
	buf := make([]byte, SectorSize)
	for i := uint32(0); i < nsectors; i++ {
		for j := range buf {
			buf[j] = 0
		}
		start := i * SectorSize
		end := start + SectorSize
		if end > uint32(len(fm.bits)) {
			end = uint32(len(fm.bits))
		}
		copy(buf, fm.bits[start:end])
		if err := fm.dev.WriteSector(FreeMapSector+i, buf); err != nil {
			return fmt.Errorf("free map flush: %w", err)
		}
	}
	fm.dirty = false
	return nil
}
