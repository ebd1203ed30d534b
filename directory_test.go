package pintosfs_test

import (
	"errors"
	"testing"

	"github.com/aakriti/pintosfs"
)

// Boundary scenario 4: resolve_parent decomposes a nested path, and
// removing a non-empty directory fails with NOT_EMPTY.
func TestResolveParentAndRemoveNotEmpty(t *testing.T) {
	fsys := mustFormat(t, 4096)

	if err := fsys.Mkdir(nil, "/a"); err != nil {
		t.Fatalf("Mkdir /a: %v", err)
	}
	if err := fsys.Mkdir(nil, "/a/b"); err != nil {
		t.Fatalf("Mkdir /a/b: %v", err)
	}
	if err := fsys.Create(nil, "/a/b/c", 0); err != nil {
		t.Fatalf("Create /a/b/c: %v", err)
	}

	parent, name, err := pintosfs.ResolveParent(fsys.Store(), nil, "/a/b/c")
	if err != nil {
		t.Fatalf("ResolveParent: %v", err)
	}
	if name != "c" {
		t.Errorf("final component = %q, want %q", name, "c")
	}

	bIn, err := pintosfs.Resolve(fsys.Store(), nil, "/a/b")
	if err != nil {
		t.Fatalf("Resolve /a/b: %v", err)
	}
	if parent.Sector() != bIn.Sector() {
		t.Errorf("resolve_parent's directory (sector %d) does not match dir(/a/b) (sector %d)", parent.Sector(), bIn.Sector())
	}
	bIn.Close()
	// Release /a/b before removing it: Remove treats any other open
	// reference to the target as busy.
	parent.Close()

	if err := fsys.Remove(nil, "/a/b"); !errors.Is(err, pintosfs.ErrNotEmpty) {
		t.Errorf("Remove /a/b (non-empty): got %v, want ErrNotEmpty", err)
	}

	// Once emptied, removal succeeds.
	if err := fsys.Remove(nil, "/a/b/c"); err != nil {
		t.Fatalf("Remove /a/b/c: %v", err)
	}
	if err := fsys.Remove(nil, "/a/b"); err != nil {
		t.Errorf("Remove /a/b (empty): %v", err)
	}
}

func TestDirAddRejectsDuplicateAndTooLongNames(t *testing.T) {
	fsys := mustFormat(t, 4096)

	if err := fsys.Create(nil, "dup", 0); err != nil {
		t.Fatalf("Create dup: %v", err)
	}
	if err := fsys.Create(nil, "dup", 0); !errors.Is(err, pintosfs.ErrExists) {
		t.Errorf("Create dup again: got %v, want ErrExists", err)
	}

	longName := "012345678901234" // 15 chars, NameMax is 14
	if err := fsys.Create(nil, longName, 0); !errors.Is(err, pintosfs.ErrNameTooLong) {
		t.Errorf("Create with long name: got %v, want ErrNameTooLong", err)
	}
}

func TestDirRemoveRejectsDotAndDotDot(t *testing.T) {
	fsys := mustFormat(t, 4096)
	if err := fsys.Mkdir(nil, "/a"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := fsys.Remove(nil, "/a/."); err == nil {
		t.Errorf("Remove(\".\") unexpectedly succeeded")
	}
	if err := fsys.Remove(nil, "/a/.."); err == nil {
		t.Errorf("Remove(\"..\") unexpectedly succeeded")
	}
}

// A FileHandle opened on a directory must reject Write with
// ErrIsADirectory rather than letting a caller corrupt its entries.
func TestWriteToDirectoryHandleIsRejected(t *testing.T) {
	fsys := mustFormat(t, 4096)
	if err := fsys.Mkdir(nil, "/a"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	h, err := fsys.Open(nil, "/a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()
	if _, err := h.Write([]byte("garbage")); !errors.Is(err, pintosfs.ErrIsADirectory) {
		t.Errorf("Write to directory handle: got %v, want ErrIsADirectory", err)
	}
}

func TestReaddirSkipsDotEntries(t *testing.T) {
	fsys := mustFormat(t, 4096)
	if err := fsys.Mkdir(nil, "/a"); err != nil {
		t.Fatalf("Mkdir /a: %v", err)
	}
	if err := fsys.Create(nil, "/a/one", 0); err != nil {
		t.Fatalf("Create /a/one: %v", err)
	}
	if err := fsys.Create(nil, "/a/two", 0); err != nil {
		t.Fatalf("Create /a/two: %v", err)
	}

	in, err := pintosfs.Resolve(fsys.Store(), nil, "/a")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	defer in.Close()
	d, err := pintosfs.WrapDirectory(in)
	if err != nil {
		t.Fatalf("WrapDirectory: %v", err)
	}

	seen := map[string]bool{}
	cursor := 0
	for {
		name, next, ok, err := d.Readdir(cursor)
		if err != nil {
			t.Fatalf("Readdir: %v", err)
		}
		if !ok {
			break
		}
		seen[name] = true
		cursor = next
	}

	if seen["."] || seen[".."] {
		t.Errorf("Readdir leaked reserved entries: %v", seen)
	}
	if !seen["one"] || !seen["two"] {
		t.Errorf("Readdir missing entries: %v", seen)
	}
	if len(seen) != 2 {
		t.Errorf("Readdir returned %d entries, want 2", len(seen))
	}
}
