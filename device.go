package pintosfs

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// SectorSize is the canonical size of a device sector and the unit of
// buffer cache residency.
const SectorSize = 512

// NotMapped is the sentinel sector id used by a cache frame that holds no
// sector, and by addressing code to report "not allocated" without
// colliding with sector 0.
const NotMapped = ^uint32(0)

// Device is the block device collaborator: fixed-size sector I/O plus a
// sector count. The buffer cache and free map are the only consumers; the
// filesystem core never talks to a Device directly.
type Device interface {
	SectorCount() uint32
	ReadSector(id uint32, buf []byte) error
	WriteSector(id uint32, buf []byte) error
}

// MemDevice is an in-memory Device, used by tests and by callers that want
// a disposable scratch filesystem without touching the local disk.
type MemDevice struct {
	mu      sync.Mutex
	sectors [][SectorSize]byte
}

// NewMemDevice allocates an in-memory device of the given sector count.
func NewMemDevice(sectorCount uint32) *MemDevice {
	return &MemDevice{sectors: make([][SectorSize]byte, sectorCount)}
}

func (d *MemDevice) SectorCount() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint32(len(d.sectors))
}

func (d *MemDevice) ReadSector(id uint32, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("%w: read buffer must be %d bytes, got %d", ErrBadDevice, SectorSize, len(buf))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if id >= uint32(len(d.sectors)) {
		return fmt.Errorf("%w: sector %d out of range (count %d)", ErrBadDevice, id, len(d.sectors))
	}
	copy(buf, d.sectors[id][:])
	return nil
}

func (d *MemDevice) WriteSector(id uint32, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("%w: write buffer must be %d bytes, got %d", ErrBadDevice, SectorSize, len(buf))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if id >= uint32(len(d.sectors)) {
		return fmt.Errorf("%w: sector %d out of range (count %d)", ErrBadDevice, id, len(d.sectors))
	}
	copy(d.sectors[id][:], buf)
	return nil
}

// FileDevice is a Device backed by a regular file (a "disk image"). It
// takes an advisory exclusive flock on the backing file for the lifetime
// of the Device, so that two processes don't accidentally mount the same
// image at once -- the concurrent-mounts scenario spec.md keeps as a
// Non-goal at the filesystem level, defended here at the collaborator
// level instead.
type FileDevice struct {
	f     *os.File
	count uint32
}

// OpenFileDevice opens path as a sector device with the given sector
// count, setting the file's size to exactly count*SectorSize bytes
// (growing a smaller file, truncating a larger one).
func OpenFileDevice(path string, count uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDevice, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: image already locked by another process: %v", ErrBadDevice, err)
	}

	size := int64(count) * SectorSize
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrBadDevice, err)
	}

	return &FileDevice{f: f, count: count}, nil
}

func (d *FileDevice) SectorCount() uint32 {
	return d.count
}

func (d *FileDevice) ReadSector(id uint32, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("%w: read buffer must be %d bytes, got %d", ErrBadDevice, SectorSize, len(buf))
	}
	if id >= d.count {
		return fmt.Errorf("%w: sector %d out of range (count %d)", ErrBadDevice, id, d.count)
	}
	if _, err := d.f.ReadAt(buf, int64(id)*SectorSize); err != nil {
		return fmt.Errorf("%w: %v", ErrBadDevice, err)
	}
	return nil
}

func (d *FileDevice) WriteSector(id uint32, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("%w: write buffer must be %d bytes, got %d", ErrBadDevice, SectorSize, len(buf))
	}
	if id >= d.count {
		return fmt.Errorf("%w: sector %d out of range (count %d)", ErrBadDevice, id, d.count)
	}
	if _, err := d.f.WriteAt(buf, int64(id)*SectorSize); err != nil {
		return fmt.Errorf("%w: %v", ErrBadDevice, err)
	}
	return nil
}

// Sync forces the backing file's data to stable storage. It is not part of
// the Device interface; callers that care (the CLI) invoke it explicitly
// after Filesystem.Shutdown.
func (d *FileDevice) Sync() error {
	return d.f.Sync()
}

// Close releases the flock and closes the backing file. It does not flush
// the buffer cache -- callers must call Filesystem.Shutdown first.
func (d *FileDevice) Close() error {
	return d.f.Close()
}
