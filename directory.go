package pintosfs

import (
	"encoding/binary"
)

// NameMax is the longest a single path component may be, spec.md §6.
const NameMax = 14

// dirEntrySize is the marshaled width of one directory slot: a 4-byte
// in-use flag, a NAME_MAX+1-byte name padded to a 4-byte boundary, and a
// 4-byte sector id.
const (
	dirNameCap  = 16 // NameMax+1, padded for alignment
	dirEntrySize = 4 + dirNameCap + 4
)

// dirEntry is one fixed-size slot of a directory's contents, spec.md §3.
type dirEntry struct {
	inUse  bool
	name   [dirNameCap]byte
	sector uint32
}

func (e *dirEntry) marshal() []byte {
	buf := make([]byte, dirEntrySize)
	if e.inUse {
		binary.LittleEndian.PutUint32(buf[0:], 1)
	}
	copy(buf[4:4+dirNameCap], e.name[:])
	binary.LittleEndian.PutUint32(buf[4+dirNameCap:], e.sector)
	return buf
}

func (e *dirEntry) unmarshal(buf []byte) {
	e.inUse = binary.LittleEndian.Uint32(buf[0:]) != 0
	copy(e.name[:], buf[4:4+dirNameCap])
	e.sector = binary.LittleEndian.Uint32(buf[4+dirNameCap:])
}

func (e *dirEntry) nameString() string {
	n := dirNameCap
	for i, b := range e.name {
		if b == 0 {
			n = i
			break
		}
	}
	return string(e.name[:n])
}

func (e *dirEntry) setName(name string) error {
	if len(name) > NameMax {
		return ErrNameTooLong
	}
	for i := range e.name {
		e.name[i] = 0
	}
	copy(e.name[:], name)
	return nil
}

// Directory wraps a directory-type Inode with the fixed-slot entry
// operations of spec.md §4.3.
type Directory struct {
	inode *Inode
}

// CreateDirectory builds a fresh directory inode at sector, pre-populated
// with "." (pointing at sector) and ".." (pointing at parentSector; for
// the root, parentSector == sector).
func CreateDirectory(store *InodeStore, sector, parentSector uint32) error {
	if err := store.Create(sector, true); err != nil {
		return err
	}
	in, err := store.Open(sector)
	if err != nil {
		return err
	}
	defer in.Close()

	d := &Directory{inode: in}
	if err := d.addRaw(".", sector); err != nil {
		return err
	}
	return d.addRaw("..", parentSector)
}

// WrapDirectory views an already-open Inode as a Directory. Fails if the
// inode is not a directory.
func WrapDirectory(in *Inode) (*Directory, error) {
	if !in.IsDir() {
		return nil, ErrNotADirectory
	}
	return &Directory{inode: in}, nil
}

// Inode returns the underlying inode.
func (d *Directory) Inode() *Inode { return d.inode }

// Sector returns the directory's own inode sector.
func (d *Directory) Sector() uint32 { return d.inode.Sector() }

// Close releases the directory's inode reference.
func (d *Directory) Close() error { return d.inode.Close() }

func (d *Directory) entryCount() (int, error) {
	length, err := d.inode.Length()
	if err != nil {
		return 0, err
	}
	return int(length) / dirEntrySize, nil
}

func (d *Directory) readEntryAt(idx int) (dirEntry, error) {
	buf := make([]byte, dirEntrySize)
	if _, err := d.inode.Read(buf, int64(idx)*dirEntrySize); err != nil {
		return dirEntry{}, err
	}
	var e dirEntry
	e.unmarshal(buf)
	return e, nil
}

func (d *Directory) writeEntryAt(idx int, e *dirEntry) error {
	n, err := d.inode.Write(e.marshal(), int64(idx)*dirEntrySize)
	if err != nil {
		return err
	}
	if n < dirEntrySize {
		// Inode.Write stops short without an error when the slot's sector
		// could not be allocated or written.
		return ErrNoSpace
	}
	return nil
}

// addRaw installs name/sector into the first free slot without the
// already-exists or name-length checks Add applies; used only for the
// "." and ".." bootstrap entries, whose names are always valid.
func (d *Directory) addRaw(name string, sector uint32) error {
	var e dirEntry
	e.inUse = true
	if err := e.setName(name); err != nil {
		return err
	}
	e.sector = sector

	n, err := d.entryCount()
	if err != nil {
		return err
	}
	return d.writeEntryAt(n, &e)
}

// Lookup linear-scans for an in-use entry named name.
func (d *Directory) Lookup(name string) (sector uint32, found bool, err error) {
	n, err := d.entryCount()
	if err != nil {
		return 0, false, err
	}
	for i := 0; i < n; i++ {
		e, err := d.readEntryAt(i)
		if err != nil {
			return 0, false, err
		}
		if e.inUse && e.nameString() == name {
			return e.sector, true, nil
		}
	}
	return 0, false, nil
}

// Add installs a new entry, failing if name already exists or is too
// long. It reuses the first free slot, or extends the directory.
func (d *Directory) Add(name string, sector uint32) error {
	if len(name) > NameMax {
		return ErrNameTooLong
	}
	_, found, err := d.Lookup(name)
	if err != nil {
		return err
	}
	if found {
		return ErrExists
	}

	n, err := d.entryCount()
	if err != nil {
		return err
	}
	slot := n
	for i := 0; i < n; i++ {
		e, err := d.readEntryAt(i)
		if err != nil {
			return err
		}
		if !e.inUse {
			slot = i
			break
		}
	}

	var e dirEntry
	e.inUse = true
	if err := e.setName(name); err != nil {
		return err
	}
	e.sector = sector
	return d.writeEntryAt(slot, &e)
}

// isEmpty reports whether the directory holds anything besides "." and
// "..".
func (d *Directory) isEmpty() (bool, error) {
	n, err := d.entryCount()
	if err != nil {
		return false, err
	}
	for i := 0; i < n; i++ {
		e, err := d.readEntryAt(i)
		if err != nil {
			return false, err
		}
		if e.inUse && e.nameString() != "." && e.nameString() != ".." {
			return false, nil
		}
	}
	return true, nil
}

// Remove deletes the named entry and marks its target inode removed.
// Fails on "." or "..", on a non-empty target directory, or (the
// approximation spec.md §4.3 permits) when the target is open by more
// than this call's own reference -- standing in for "is anyone's CWD".
func (d *Directory) Remove(store *InodeStore, name string) error {
	if name == "." || name == ".." {
		return ErrInvalidPath
	}

	n, err := d.entryCount()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		e, err := d.readEntryAt(i)
		if err != nil {
			return err
		}
		if !e.inUse || e.nameString() != name {
			continue
		}

		target, err := store.Open(e.sector)
		if err != nil {
			return err
		}
		if target.IsDir() {
			sub, err := WrapDirectory(target)
			if err != nil {
				target.Close()
				return err
			}
			empty, err := sub.isEmpty()
			if err != nil {
				target.Close()
				return err
			}
			if !empty {
				target.Close()
				return ErrNotEmpty
			}
		}
		// Busy-as-someone's-CWD is approximated, per spec.md §4.3, by a
		// refcount above the one reference this call itself holds.
		if target.OpenCount() > 1 {
			target.Close()
			return ErrNotEmpty
		}

		e.inUse = false
		if err := d.writeEntryAt(i, &e); err != nil {
			target.Close()
			return err
		}
		target.Remove()
		return target.Close()
	}
	return ErrNoSuchFile
}

// Readdir returns the next in-use entry name at or after cursor,
// skipping "." and "..", and the cursor to resume from on the next call.
// ok is false once entries are exhausted.
func (d *Directory) Readdir(cursor int) (name string, next int, ok bool, err error) {
	n, err := d.entryCount()
	if err != nil {
		return "", cursor, false, err
	}
	for i := cursor; i < n; i++ {
		e, err := d.readEntryAt(i)
		if err != nil {
			return "", cursor, false, err
		}
		if e.inUse && e.nameString() != "." && e.nameString() != ".." {
			return e.nameString(), i + 1, true, nil
		}
	}
	return "", n, false, nil
}

// parentSectorOf reads a directory inode's ".." entry directly, used by
// InodeStore.Open to populate the in-memory parent-sector cache before
// the Inode is handed to any caller. Per Design Note 2 in spec.md §9,
// ".." on disk is the source of truth; the in-memory cache is derived
// from it.
func parentSectorOf(in *Inode) (uint32, error) {
	d := &Directory{inode: in}
	sector, found, err := d.Lookup("..")
	if err != nil {
		return 0, err
	}
	if !found {
		return in.Sector(), nil
	}
	return sector, nil
}
