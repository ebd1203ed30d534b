package pintosfs

import "encoding/binary"

// PointersPerBlock is P in spec.md §3: with a 512-byte sector and 4-byte
// sector ids, an indirect block holds this many pointers.
const PointersPerBlock = SectorSize / 4 // 128

// pointerBlock is the on-disk record for an indirect or double-indirect
// block: P sector ids, zero meaning "unallocated". Design Note 1 calls out
// that the original conflates this with the inode record even though both
// are one sector wide; this type keeps them distinct.
type pointerBlock [PointersPerBlock]uint32

func (b *pointerBlock) marshal() []byte {
	buf := make([]byte, SectorSize)
	for i, p := range b {
		binary.LittleEndian.PutUint32(buf[i*4:], p)
	}
	return buf
}

func (b *pointerBlock) unmarshal(buf []byte) {
	for i := range b {
		b[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
}
