package pintosfs

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// SnapshotCodec selects the compression used for a whole-device backup,
// repurposing the per-file compressor concept the teacher uses for
// individual squashfs data blocks into a whole-image export/import
// pair.
type SnapshotCodec int

const (
	// CodecZstd is the default: fast, good ratio for sparse disk images.
	CodecZstd SnapshotCodec = iota
	// CodecXZ trades speed for a tighter ratio.
	CodecXZ
)

// ExportSnapshot writes every sector of dev to w, compressed with codec.
// dev should not be concurrently written while exporting; callers
// typically call Filesystem.Shutdown first.
func ExportSnapshot(dev Device, w io.Writer, codec SnapshotCodec) error {
	switch codec {
	case CodecZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return err
		}
		if err := copySectors(dev, zw); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()
	case CodecXZ:
		xw, err := xz.NewWriter(w)
		if err != nil {
			return err
		}
		if err := copySectors(dev, xw); err != nil {
			xw.Close()
			return err
		}
		return xw.Close()
	default:
		return fmt.Errorf("pintosfs: unknown snapshot codec %d", codec)
	}
}

// ImportSnapshot reads a snapshot produced by ExportSnapshot with the
// same codec and restores its first dev.SectorCount() sectors into dev,
// sector by sector. It fails with ErrBadDevice if the snapshot holds fewer
// sectors than dev; snapshot sectors beyond dev's count are not restored.
func ImportSnapshot(dev Device, r io.Reader, codec SnapshotCodec) error {
	switch codec {
	case CodecZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return err
		}
		defer zr.Close()
		return restoreSectors(dev, zr)
	case CodecXZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return err
		}
		return restoreSectors(dev, xr)
	default:
		return fmt.Errorf("pintosfs: unknown snapshot codec %d", codec)
	}
}

func copySectors(dev Device, w io.Writer) error {
	buf := make([]byte, SectorSize)
	count := dev.SectorCount()
	for i := uint32(0); i < count; i++ {
		if err := dev.ReadSector(i, buf); err != nil {
			return err
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

func restoreSectors(dev Device, r io.Reader) error {
	buf := make([]byte, SectorSize)
	count := dev.SectorCount()
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("%w: truncated snapshot at sector %d: %v", ErrBadDevice, i, err)
		}
		if err := dev.WriteSector(i, buf); err != nil {
			return err
		}
	}
	return nil
}
