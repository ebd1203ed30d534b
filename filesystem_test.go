package pintosfs_test

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aakriti/pintosfs"
)

func mustFormat(t *testing.T, sectors uint32) *pintosfs.Filesystem {
	t.Helper()
	dev := pintosfs.NewMemDevice(sectors)
	fsys, err := pintosfs.Format(dev)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	return fsys
}

// Boundary scenario 1 (spec §8): create, write "hello", reopen, read back.
func TestCreateWriteReopenReadHello(t *testing.T) {
	fsys := mustFormat(t, 4096)

	if err := fsys.Create(nil, "x", 0); err != nil {
		t.Fatalf("Create: %v", err)
	}

	h, err := fsys.Open(nil, "x")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := h.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	h2, err := fsys.Open(nil, "x")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer h2.Close()

	size, err := h2.Filesize()
	if err != nil {
		t.Fatalf("Filesize: %v", err)
	}
	if size != 5 {
		t.Errorf("filesize = %d, want 5", size)
	}

	buf := make([]byte, 5)
	n, err := h2.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 5 || string(buf) != "hello" {
		t.Errorf("read %q (%d bytes), want %q", buf[:n], n, "hello")
	}
}

// Boundary scenario 2: a write far beyond EOF leaves a zero-filled hole.
func TestSparseWriteLeavesHole(t *testing.T) {
	fsys := mustFormat(t, 4096)

	if err := fsys.Create(nil, "sparse", 0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	h, err := fsys.Open(nil, "sparse")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	h.Seek(65536)
	if _, err := h.Write([]byte("end")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	head := make([]byte, 4)
	h.Seek(0)
	if _, err := h.Read(head); err != nil {
		t.Fatalf("Read head: %v", err)
	}
	if !bytes.Equal(head, []byte{0, 0, 0, 0}) {
		t.Errorf("hole bytes = %v, want zeros", head)
	}

	tail := make([]byte, 3)
	h.Seek(65536)
	if _, err := h.Read(tail); err != nil {
		t.Fatalf("Read tail: %v", err)
	}
	if string(tail) != "end" {
		t.Errorf("tail = %q, want %q", tail, "end")
	}

	size, err := h.Filesize()
	if err != nil {
		t.Fatalf("Filesize: %v", err)
	}
	if size != 65539 {
		t.Errorf("filesize = %d, want 65539", size)
	}
}

// Create's initial_size presizing must leave the gap sparse, exactly like
// original_source/src/filesys/filesys.c's one-byte-at-the-end trick: a
// device with only enough free sectors, beyond the root directory's data
// sector, for the inode, one indirect pointer block, and one data sector
// must still be able to presize a file far larger than that -- an eager
// presizer would need roughly 100000/SectorSize sectors instead and fail
// with ErrNoSpace.
func TestCreateInitialSizeLeavesSparseHole(t *testing.T) {
	fsys := mustFormat(t, pintosfs.ReservedSectors+4)

	if err := fsys.Create(nil, "big", 100000); err != nil {
		t.Fatalf("Create with large initial_size: %v", err)
	}

	h, err := fsys.Open(nil, "big")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	size, err := h.Filesize()
	if err != nil {
		t.Fatalf("Filesize: %v", err)
	}
	if size != 100000 {
		t.Errorf("filesize = %d, want 100000", size)
	}

	head := make([]byte, pintosfs.SectorSize)
	if _, err := h.Read(head); err != nil {
		t.Fatalf("Read head: %v", err)
	}
	for _, b := range head {
		if b != 0 {
			t.Fatalf("hole byte = %d, want 0", b)
		}
	}
}

// Boundary scenario 3: 65 files on a 64-frame cache forces eviction and
// writeback; every file still reads back correctly after reopen.
func TestManyFilesForceEviction(t *testing.T) {
	fsys := mustFormat(t, 4096)

	const count = pintosfs.NCache + 1
	names := make([]string, count)
	for i := 0; i < count; i++ {
		name := string(rune('a'+(i%26))) + string(rune('A'+(i/26)))
		names[i] = name
		if err := fsys.Create(nil, name, 0); err != nil {
			t.Fatalf("Create(%q): %v", name, err)
		}
		h, err := fsys.Open(nil, name)
		if err != nil {
			t.Fatalf("Open(%q): %v", name, err)
		}
		if _, err := h.Write([]byte{byte(i)}); err != nil {
			t.Fatalf("Write(%q): %v", name, err)
		}
		if err := h.Close(); err != nil {
			t.Fatalf("Close(%q): %v", name, err)
		}
	}

	for i, name := range names {
		h, err := fsys.Open(nil, name)
		if err != nil {
			t.Fatalf("reopen(%q): %v", name, err)
		}
		buf := make([]byte, 1)
		if _, err := h.Read(buf); err != nil {
			t.Fatalf("read(%q): %v", name, err)
		}
		if buf[0] != byte(i) {
			t.Errorf("%q: got %d, want %d", name, buf[0], i)
		}
		h.Close()
	}
}

// Round-trip law: write N bytes at offset 0, close, reopen, read back N
// bytes identical, across direct-only, direct+indirect, and
// double-indirect regimes.
func TestRoundTripAcrossAddressingRegimes(t *testing.T) {
	sizes := []int{100, 63_000, 8_000_000}
	fsys := mustFormat(t, 20000)

	for _, n := range sizes {
		name := "f"
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(i)
		}

		if err := fsys.Remove(nil, name); err != nil && !errors.Is(err, pintosfs.ErrNoSuchFile) {
			t.Fatalf("Remove(%d): %v", n, err)
		}
		if err := fsys.Create(nil, name, 0); err != nil {
			t.Fatalf("Create(%d): %v", n, err)
		}
		h, err := fsys.Open(nil, name)
		if err != nil {
			t.Fatalf("Open(%d): %v", n, err)
		}
		if _, err := h.Write(data); err != nil {
			t.Fatalf("Write(%d): %v", n, err)
		}
		if err := h.Close(); err != nil {
			t.Fatalf("Close(%d): %v", n, err)
		}

		h2, err := fsys.Open(nil, name)
		if err != nil {
			t.Fatalf("reopen(%d): %v", n, err)
		}
		got := make([]byte, n)
		if _, err := h2.Read(got); err != nil {
			t.Fatalf("Read(%d): %v", n, err)
		}
		h2.Close()

		if !bytes.Equal(got, data) {
			t.Errorf("round trip for %d bytes did not match", n)
		}
	}
}

// Boundary scenario 5: a concurrent deny_write blocks until the writer
// finishes, and the writer's next write then returns zero.
func TestConcurrentWriteThenDenyWriteBlocksing(t *testing.T) {
	fsys := mustFormat(t, 4096)
	if err := fsys.Create(nil, "f", 0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	writerHandle, err := fsys.Open(nil, "f")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer writerHandle.Close()
	in := writerHandle.Inode()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, 4096)
		if _, err := writerHandle.Write(buf); err != nil {
			t.Errorf("writer Write: %v", err)
		}
	}()

	// DenyWrite waits on writer_count reaching zero before returning, so
	// by the time it returns here the in-flight write has completed.
	in.DenyWrite()
	wg.Wait()

	n, err := writerHandle.Write([]byte("more"))
	if err != nil {
		t.Fatalf("Write after DenyWrite: %v", err)
	}
	if n != 0 {
		t.Errorf("write under deny-write wrote %d bytes, want 0", n)
	}
	in.AllowWrite()
}

// Boundary scenario 6: deny_write/allow_write gating from a second
// handle on the same inode.
func TestDenyWriteGatesOtherHandle(t *testing.T) {
	fsys := mustFormat(t, 4096)
	if err := fsys.Create(nil, "f", 0); err != nil {
		t.Fatalf("Create: %v", err)
	}

	h1, err := fsys.Open(nil, "f")
	if err != nil {
		t.Fatalf("Open h1: %v", err)
	}
	defer h1.Close()
	h2, err := fsys.Open(nil, "f")
	if err != nil {
		t.Fatalf("Open h2: %v", err)
	}
	defer h2.Close()

	h1.DenyWrite()

	n, err := h2.Write([]byte("blocked"))
	if err != nil {
		t.Fatalf("Write under deny: %v", err)
	}
	if n != 0 {
		t.Errorf("write under deny wrote %d bytes, want 0", n)
	}

	h1.AllowWrite()

	n, err = h2.Write([]byte("ok"))
	if err != nil {
		t.Fatalf("Write after allow: %v", err)
	}
	if n != 2 {
		t.Errorf("write after allow wrote %d bytes, want 2", n)
	}
}

func TestOpenTwiceSharesIdentity(t *testing.T) {
	fsys := mustFormat(t, 4096)
	if err := fsys.Create(nil, "f", 0); err != nil {
		t.Fatalf("Create: %v", err)
	}

	in1, err := pintosfs.Resolve(fsys.Store(), nil, "f")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	defer in1.Close()
	in2, err := fsys.Store().Open(in1.Sector())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer in2.Close()

	if in1 != in2 {
		t.Errorf("open(x); open(x) returned distinct in-memory inodes")
	}
	if in1.OpenCount() != 2 {
		t.Errorf("open_cnt = %d, want 2", in1.OpenCount())
	}
}

func TestRemoveThenOpenIsNoSuchFile(t *testing.T) {
	fsys := mustFormat(t, 4096)
	if err := fsys.Create(nil, "p", 0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	h, err := fsys.Open(nil, "p")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := fsys.Remove(nil, "p"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := fsys.Open(nil, "p"); !errors.Is(err, pintosfs.ErrNoSuchFile) {
		t.Errorf("Open after remove: got %v, want ErrNoSuchFile", err)
	}
}

func TestFlushClearsDirtyFrames(t *testing.T) {
	dev := pintosfs.NewMemDevice(256)
	c := pintosfs.NewCache(dev)
	if err := c.Write(5, make([]byte, pintosfs.SectorSize), 0, pintosfs.SectorSize); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	// A second flush should be a silent no-op; nothing left dirty.
	if err := c.Flush(); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
}

// A too-long name must not leak the free-map sector Create provisionally
// allocates: rejecting it before the allocation ever happens leaves every
// sector still available to a subsequent, validly-named Create. Format
// takes one sector beyond the reserved ones for the root directory's
// entries, leaving exactly two for files.
func TestCreateRejectsLongNameWithoutLeakingSector(t *testing.T) {
	fsys := mustFormat(t, pintosfs.ReservedSectors+3)

	longName := "012345678901234" // 15 chars, NameMax is 14
	if err := fsys.Create(nil, longName, 0); !errors.Is(err, pintosfs.ErrNameTooLong) {
		t.Fatalf("Create(long name): got %v, want ErrNameTooLong", err)
	}

	if err := fsys.Create(nil, "a", 0); err != nil {
		t.Fatalf("Create a: %v", err)
	}
	if err := fsys.Create(nil, "b", 0); err != nil {
		t.Fatalf("Create b (would fail if the long name leaked a sector): %v", err)
	}
}

// The root directory's entries take one sector beyond the reserved ones,
// leaving room for exactly two file inodes.
func TestCreateFailsWhenFreeMapExhausted(t *testing.T) {
	fsys := mustFormat(t, pintosfs.ReservedSectors+3)
	if err := fsys.Create(nil, "a", 0); err != nil {
		t.Fatalf("Create a: %v", err)
	}
	err := fsys.Create(nil, "b", 0)
	if err != nil {
		t.Fatalf("Create b: %v", err)
	}
	if err := fsys.Create(nil, "c", 0); !errors.Is(err, pintosfs.ErrNoSpace) {
		t.Errorf("Create c: got %v, want ErrNoSpace", err)
	}
}

// WithLogger receives the free-map exhaustion warning instead of it
// being discarded. The device holds the reserved sectors plus the one
// sector Format needs for the root directory's entries, nothing more.
func TestWithLoggerReceivesFreeMapExhaustionWarning(t *testing.T) {
	var buf bytes.Buffer
	dev := pintosfs.NewMemDevice(pintosfs.ReservedSectors + 1)
	fsys, err := pintosfs.Format(dev, pintosfs.WithLogger(log.New(&buf, "", 0)))
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if err := fsys.Create(nil, "a", 0); !errors.Is(err, pintosfs.ErrNoSpace) {
		t.Fatalf("Create a: got %v, want ErrNoSpace", err)
	}
	if !strings.Contains(buf.String(), "free map") {
		t.Errorf("logger output = %q, want a free-map exhaustion message", buf.String())
	}
}

// WithCacheCapacity lets a small device force eviction churn without
// needing NCache+1 distinct files.
func TestWithCacheCapacityForcesEvictionAtSmallScale(t *testing.T) {
	dev := pintosfs.NewMemDevice(256)
	fsys, err := pintosfs.Format(dev, pintosfs.WithCacheCapacity(2))
	if err != nil {
		t.Fatalf("Format: %v", err)
	}

	names := []string{"a", "b", "c", "d"}
	for i, name := range names {
		if err := fsys.Create(nil, name, 0); err != nil {
			t.Fatalf("Create(%q): %v", name, err)
		}
		h, err := fsys.Open(nil, name)
		if err != nil {
			t.Fatalf("Open(%q): %v", name, err)
		}
		if _, err := h.Write([]byte{byte(i)}); err != nil {
			t.Fatalf("Write(%q): %v", name, err)
		}
		if err := h.Close(); err != nil {
			t.Fatalf("Close(%q): %v", name, err)
		}
	}

	for i, name := range names {
		h, err := fsys.Open(nil, name)
		if err != nil {
			t.Fatalf("reopen(%q): %v", name, err)
		}
		buf := make([]byte, 1)
		if _, err := h.Read(buf); err != nil {
			t.Fatalf("read(%q): %v", name, err)
		}
		if buf[0] != byte(i) {
			t.Errorf("%q: got %d, want %d", name, buf[0], i)
		}
		h.Close()
	}
}

func TestShutdownIsIdempotentAcrossDelay(t *testing.T) {
	fsys := mustFormat(t, 4096)
	done := make(chan struct{})
	go func() {
		time.Sleep(time.Millisecond)
		close(done)
	}()
	<-done
	if err := fsys.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := fsys.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
