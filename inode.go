package pintosfs

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/jacobsa/syncutil"
)

const (
	// DirectCount is the number of direct sector pointers in an inode,
	// spec.md §3.
	DirectCount = 123
	// IndirectIndex is the slot holding the single-indirect block pointer.
	IndirectIndex = 123
	// DoubleIndirectIndex is the slot holding the double-indirect block
	// pointer.
	DoubleIndirectIndex = 124
	// NumSectorPtrs is the total width of the inode's pointer array.
	NumSectorPtrs = 125

	// InodeMagic sanity-checks that a sector actually holds an inode.
	InodeMagic = 0x494E4F44
)

// MaxFileSectors and MaxFileBytes are the largest file size this
// addressing scheme can represent: 123 direct + P indirect +
// P*P double-indirect sectors.
const (
	MaxFileSectors = DirectCount + PointersPerBlock + PointersPerBlock*PointersPerBlock
	MaxFileBytes   = int64(MaxFileSectors) * SectorSize
)

// InodeType distinguishes a regular file from a directory, spec.md §3.
type InodeType uint32

const (
	RegularFile InodeType = 0
	DirType     InodeType = 1
)

// onDiskInode is the bit-exact, one-sector inode record of spec.md §6. It
// is deliberately a distinct type from pointerBlock (Design Note 1 in
// spec.md §9), even though both marshal to exactly SectorSize bytes.
type onDiskInode struct {
	sectors   [NumSectorPtrs]uint32
	length    int32
	magic     uint32
	inodeType uint32
}

func (d *onDiskInode) marshal() []byte {
	buf := make([]byte, SectorSize)
	for i, s := range d.sectors {
		binary.LittleEndian.PutUint32(buf[i*4:], s)
	}
	binary.LittleEndian.PutUint32(buf[500:], uint32(d.length))
	binary.LittleEndian.PutUint32(buf[504:], d.magic)
	binary.LittleEndian.PutUint32(buf[508:], d.inodeType)
	return buf
}

func (d *onDiskInode) unmarshal(buf []byte) {
	for i := range d.sectors {
		d.sectors[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	d.length = int32(binary.LittleEndian.Uint32(buf[500:]))
	d.magic = binary.LittleEndian.Uint32(buf[504:])
	d.inodeType = binary.LittleEndian.Uint32(buf[508:])
}

// Inode is the in-memory, shared, refcounted representation of an open
// file or directory, spec.md §3. Exactly one Inode exists per on-device
// sector at any time: InodeStore.Open is the only constructor and always
// consults the registry first.
type Inode struct {
	store  *InodeStore
	sector uint32

	mu        sync.Mutex
	noWriters *sync.Cond

	openCount      int
	removed        bool
	isDir          bool
	parent         uint32 // cached ".." sector, directories only
	denyWriteCount int
	writerCount    int
}

// InodeStore is the process-wide open-inode registry and the entry point
// for every inode operation in spec.md §4.2.
type InodeStore struct {
	cache   *Cache
	freemap FreeMap

	registryMu syncutil.InvariantMutex
	registry   map[uint32]*Inode
}

// NewInodeStore wires an InodeStore over cache and freemap.
func NewInodeStore(cache *Cache, freemap FreeMap) *InodeStore {
	s := &InodeStore{
		cache:    cache,
		freemap:  freemap,
		registry: make(map[uint32]*Inode),
	}
	s.registryMu = syncutil.NewInvariantMutex(s.checkInvariants)
	return s
}

// checkInvariants restates spec.md §3's "at most one in-memory inode per
// on-device sector" invariant.
func (s *InodeStore) checkInvariants() {
	for sector, in := range s.registry {
		if in.sector != sector {
			panic(fmt.Sprintf("inode store: registry key %d does not match inode sector %d", sector, in.sector))
		}
	}
}

func (s *InodeStore) readDiskAt(sector uint32) (*onDiskInode, error) {
	buf := make([]byte, SectorSize)
	if err := s.cache.Read(sector, buf, 0, SectorSize); err != nil {
		return nil, err
	}
	d := &onDiskInode{}
	d.unmarshal(buf)
	return d, nil
}

func (s *InodeStore) writeDiskAt(sector uint32, d *onDiskInode) error {
	return s.cache.Write(sector, d.marshal(), 0, SectorSize)
}

func (s *InodeStore) readPointerBlockAt(sector uint32) (pointerBlock, error) {
	var blk pointerBlock
	buf := make([]byte, SectorSize)
	if err := s.cache.Read(sector, buf, 0, SectorSize); err != nil {
		return blk, err
	}
	blk.unmarshal(buf)
	return blk, nil
}

func (s *InodeStore) writePointerBlockAt(sector uint32, blk *pointerBlock) error {
	return s.cache.Write(sector, blk.marshal(), 0, SectorSize)
}

func (s *InodeStore) allocSector() (uint32, error) {
	secs, err := s.freemap.Alloc(1)
	if err != nil {
		return 0, err
	}
	return secs[0], nil
}

// Create zero-fills an on-disk inode of the given type at sector and
// writes it through to the device immediately, spec.md §4.2.
func (s *InodeStore) Create(sector uint32, isDir bool) error {
	d := &onDiskInode{magic: InodeMagic}
	if isDir {
		d.inodeType = uint32(DirType)
	}
	if err := s.writeDiskAt(sector, d); err != nil {
		return err
	}
	return s.cache.WritebackSector(sector)
}

// Open is the unique entry point for obtaining an *Inode, spec.md §4.2:
// identity-preserving across repeated opens of the same sector.
func (s *InodeStore) Open(sector uint32) (*Inode, error) {
	s.registryMu.Lock()
	if in, ok := s.registry[sector]; ok {
		in.mu.Lock()
		in.openCount++
		in.mu.Unlock()
		s.registryMu.Unlock()
		return in, nil
	}

	disk, err := s.readDiskAt(sector)
	if err != nil {
		s.registryMu.Unlock()
		return nil, err
	}

	in := &Inode{
		store:     s,
		sector:    sector,
		openCount: 1,
		isDir:     disk.inodeType == uint32(DirType),
	}
	in.noWriters = sync.NewCond(&in.mu)

	if in.isDir {
		parent, err := parentSectorOf(in)
		if err != nil {
			s.registryMu.Unlock()
			return nil, err
		}
		in.parent = parent
	} else {
		in.parent = RootDirSector
	}

	s.registry[sector] = in
	s.registryMu.Unlock()
	return in, nil
}

// Reopen increments the refcount and returns the same Inode.
func (in *Inode) Reopen() *Inode {
	in.mu.Lock()
	in.openCount++
	in.mu.Unlock()
	return in
}

// Close decrements the refcount. At zero, the inode leaves the registry;
// if it was marked removed, every sector it owns (data, indirect,
// double-indirect, and the inode sector itself) is released to the free
// map, otherwise the inode sector is written back, spec.md §4.2.
func (in *Inode) Close() error {
	s := in.store
	s.registryMu.Lock()
	in.mu.Lock()
	in.openCount--
	stillOpen := in.openCount > 0
	removed := in.removed
	in.mu.Unlock()
	if stillOpen {
		s.registryMu.Unlock()
		return nil
	}
	delete(s.registry, in.sector)
	s.registryMu.Unlock()

	if removed {
		return in.deallocateAll()
	}
	return s.cache.WritebackSector(in.sector)
}

func (in *Inode) deallocateAll() error {
	s := in.store
	disk, err := s.readDiskAt(in.sector)
	if err != nil {
		return err
	}
	for i, sec := range disk.sectors {
		if sec == 0 {
			continue
		}
		level := 0
		if i >= DirectCount {
			level++
		}
		if i >= DirectCount+1 {
			level++
		}
		s.deallocate(sec, level)
	}
	s.deallocate(in.sector, 0)
	return nil
}

// deallocate releases sector and, if level > 0, every sector it points to
// (recursively, one level shallower each time) before releasing sector
// itself.
func (s *InodeStore) deallocate(sector uint32, level int) {
	if level > 0 {
		if blk, err := s.readPointerBlockAt(sector); err == nil {
			for _, ptr := range blk {
				if ptr != 0 {
					s.deallocate(ptr, level-1)
				}
			}
		}
	}
	s.cache.FreeFrame(sector)
	s.freemap.Release(sector, 1)
}

// Remove marks the inode for deletion; actual block release happens in
// Close, once the last opener lets go.
func (in *Inode) Remove() {
	in.mu.Lock()
	in.removed = true
	in.mu.Unlock()
}

// Sector returns the inode's on-device sector number (its inumber).
func (in *Inode) Sector() uint32 { return in.sector }

// IsDir reports whether this inode is a directory.
func (in *Inode) IsDir() bool { return in.isDir }

// Parent returns the cached parent-directory sector for a directory
// inode.
func (in *Inode) Parent() uint32 { return in.parent }

// OpenCount returns the current refcount, used by dir_remove's
// approximate CWD-in-use check (spec.md §4.3).
func (in *Inode) OpenCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.openCount
}

// Removed reports whether Remove has been called on this inode.
func (in *Inode) Removed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.removed
}

// Length returns the file's current size in bytes.
func (in *Inode) Length() (int64, error) {
	disk, err := in.store.readDiskAt(in.sector)
	if err != nil {
		return 0, err
	}
	return int64(disk.length), nil
}

func (in *Inode) setLength(n int64) error {
	disk, err := in.store.readDiskAt(in.sector)
	if err != nil {
		return err
	}
	disk.length = int32(n)
	return in.store.writeDiskAt(in.sector, disk)
}

// sectorForOffset implements spec.md §4.2's addressing table. It returns
// 0 (never a valid data sector; 0 and 1 are reserved, ReservedSectors) to
// mean "hole" when create is false and the path is unallocated. When
// create is true, the whole read-modify-write of the pointer-bearing
// sector on the path is serialized under in.mu -- the Open Question in
// spec.md §9 resolved as a correctness requirement, not a performance
// one.
func (in *Inode) sectorForOffset(offset int64, create bool) (uint32, error) {
	s := int(offset / SectorSize)
	if create {
		in.mu.Lock()
		defer in.mu.Unlock()
	}

	store := in.store

	switch {
	case s < DirectCount:
		disk, err := store.readDiskAt(in.sector)
		if err != nil {
			return 0, err
		}
		slot := disk.sectors[s]
		if slot == 0 {
			if !create {
				return 0, nil
			}
			newSec, err := store.allocSector()
			if err != nil {
				return 0, err
			}
			disk.sectors[s] = newSec
			if err := store.writeDiskAt(in.sector, disk); err != nil {
				return 0, err
			}
			slot = newSec
		}
		return slot, nil

	case s < DirectCount+PointersPerBlock:
		disk, err := store.readDiskAt(in.sector)
		if err != nil {
			return 0, err
		}
		indSec := disk.sectors[IndirectIndex]
		if indSec == 0 {
			if !create {
				return 0, nil
			}
			newSec, err := store.allocSector()
			if err != nil {
				return 0, err
			}
			var blank pointerBlock
			if err := store.writePointerBlockAt(newSec, &blank); err != nil {
				return 0, err
			}
			disk.sectors[IndirectIndex] = newSec
			if err := store.writeDiskAt(in.sector, disk); err != nil {
				return 0, err
			}
			indSec = newSec
		}
		blk, err := store.readPointerBlockAt(indSec)
		if err != nil {
			return 0, err
		}
		idx := s - DirectCount
		slot := blk[idx]
		if slot == 0 {
			if !create {
				return 0, nil
			}
			newSec, err := store.allocSector()
			if err != nil {
				return 0, err
			}
			blk[idx] = newSec
			if err := store.writePointerBlockAt(indSec, &blk); err != nil {
				return 0, err
			}
			slot = newSec
		}
		return slot, nil

	default:
		disk, err := store.readDiskAt(in.sector)
		if err != nil {
			return 0, err
		}
		dbSec := disk.sectors[DoubleIndirectIndex]
		if dbSec == 0 {
			if !create {
				return 0, nil
			}
			newSec, err := store.allocSector()
			if err != nil {
				return 0, err
			}
			var blank pointerBlock
			if err := store.writePointerBlockAt(newSec, &blank); err != nil {
				return 0, err
			}
			disk.sectors[DoubleIndirectIndex] = newSec
			if err := store.writeDiskAt(in.sector, disk); err != nil {
				return 0, err
			}
			dbSec = newSec
		}
		dbBlk, err := store.readPointerBlockAt(dbSec)
		if err != nil {
			return 0, err
		}
		rel := s - DirectCount - PointersPerBlock
		d := rel / PointersPerBlock
		i := rel % PointersPerBlock

		indSec := dbBlk[d]
		if indSec == 0 {
			if !create {
				return 0, nil
			}
			newSec, err := store.allocSector()
			if err != nil {
				return 0, err
			}
			var blank pointerBlock
			if err := store.writePointerBlockAt(newSec, &blank); err != nil {
				return 0, err
			}
			dbBlk[d] = newSec
			if err := store.writePointerBlockAt(dbSec, &dbBlk); err != nil {
				return 0, err
			}
			indSec = newSec
		}
		blk, err := store.readPointerBlockAt(indSec)
		if err != nil {
			return 0, err
		}
		slot := blk[i]
		if slot == 0 {
			if !create {
				return 0, nil
			}
			newSec, err := store.allocSector()
			if err != nil {
				return 0, err
			}
			blk[i] = newSec
			if err := store.writePointerBlockAt(indSec, &blk); err != nil {
				return 0, err
			}
			slot = newSec
		}
		return slot, nil
	}
}

// Read copies up to len(dst) bytes from the inode's data starting at
// offset, stopping at end-of-file. Unallocated regions (holes) read back
// as zero. Returns bytes actually copied.
func (in *Inode) Read(dst []byte, offset int64) (int, error) {
	length, err := in.Length()
	if err != nil {
		return 0, err
	}

	n := 0
	for n < len(dst) {
		curOffset := offset + int64(n)
		if curOffset >= length {
			break
		}
		sectorOfs := int(curOffset % SectorSize)
		chunk := SectorSize - sectorOfs
		if remaining := len(dst) - n; chunk > remaining {
			chunk = remaining
		}
		if left := length - curOffset; int64(chunk) > left {
			chunk = int(left)
		}

		sector, err := in.sectorForOffset(curOffset, false)
		if err != nil {
			return n, err
		}
		if sector == 0 {
			for i := 0; i < chunk; i++ {
				dst[n+i] = 0
			}
		} else {
			if err := in.store.cache.Read(sector, dst[n:n+chunk], sectorOfs, chunk); err != nil {
				return n, err
			}
			in.store.cache.Readahead(sector)
		}
		n += chunk
	}
	return n, nil
}

// Write writes len(src) bytes to the inode's data starting at offset,
// implicitly growing the file (including leaving a sparse hole if offset
// is beyond the current length -- spec.md §4.2 permits omitting physical
// zero-fill for such a gap, since reads of unallocated slots already
// return zero). Returns bytes actually written, which is 0 with no error
// if a deny-write is active (spec.md §7: DenyWriteActive silently
// converts to a zero-byte write).
func (in *Inode) Write(src []byte, offset int64) (int, error) {
	in.mu.Lock()
	if in.denyWriteCount > 0 {
		in.mu.Unlock()
		return 0, nil
	}
	in.writerCount++
	in.mu.Unlock()

	defer func() {
		in.mu.Lock()
		in.writerCount--
		if in.writerCount == 0 {
			in.noWriters.Broadcast()
		}
		in.mu.Unlock()
	}()

	length, err := in.Length()
	if err != nil {
		return 0, err
	}

	written := 0
	for written < len(src) {
		curOffset := offset + int64(written)
		if curOffset >= MaxFileBytes {
			break
		}
		sectorOfs := int(curOffset % SectorSize)
		chunk := SectorSize - sectorOfs
		if remaining := len(src) - written; chunk > remaining {
			chunk = remaining
		}
		if left := MaxFileBytes - curOffset; int64(chunk) > left {
			chunk = int(left)
		}

		sector, err := in.sectorForOffset(curOffset, true)
		if err != nil {
			break
		}
		if err := in.store.cache.Write(sector, src[written:written+chunk], sectorOfs, chunk); err != nil {
			break
		}
		written += chunk
	}

	if newEnd := offset + int64(written); newEnd > length {
		if err := in.setLength(newEnd); err != nil {
			return written, err
		}
	}
	return written, nil
}

// DenyWrite blocks until no writer is active, then marks the inode
// read-only for further writes. Used to protect a running executable's
// text segment, spec.md §4.2.
func (in *Inode) DenyWrite() {
	in.mu.Lock()
	for in.writerCount > 0 {
		in.noWriters.Wait()
	}
	in.denyWriteCount++
	in.mu.Unlock()
}

// AllowWrite reverses one DenyWrite.
func (in *Inode) AllowWrite() {
	in.mu.Lock()
	if in.denyWriteCount <= 0 {
		in.mu.Unlock()
		panic("pintosfs: AllowWrite without a matching DenyWrite")
	}
	in.denyWriteCount--
	in.mu.Unlock()
}
