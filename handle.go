package pintosfs

// FileHandle is a per-opener view of an Inode: its own seek cursor and
// its own deny-write state, spec.md §3. Not shared across openers;
// closing it always closes exactly one reference on the underlying
// Inode.
type FileHandle struct {
	inode          *Inode
	cursor         int64
	denyWriteTaken bool
}

// NewFileHandle wraps an already-open Inode reference. Ownership of that
// reference transfers to the handle: closing the handle closes the
// inode.
func NewFileHandle(inode *Inode) *FileHandle {
	return &FileHandle{inode: inode}
}

// Inode returns the underlying inode.
func (h *FileHandle) Inode() *Inode { return h.inode }

// Read reads at the handle's current cursor and advances it by the
// number of bytes actually read.
func (h *FileHandle) Read(dst []byte) (int, error) {
	n, err := h.inode.Read(dst, h.cursor)
	h.cursor += int64(n)
	return n, err
}

// Write writes at the handle's current cursor and advances it by the
// number of bytes actually written. Directories are never writable
// through a FileHandle: their contents are mutated only through
// Directory's own slot operations.
func (h *FileHandle) Write(src []byte) (int, error) {
	if h.inode.IsDir() {
		return 0, ErrIsADirectory
	}
	n, err := h.inode.Write(src, h.cursor)
	h.cursor += int64(n)
	return n, err
}

// Seek repositions the cursor. Pintos semantics: seeking past
// end-of-file is legal and simply means the next write extends the
// file.
func (h *FileHandle) Seek(position int64) {
	h.cursor = position
}

// Tell returns the current cursor position.
func (h *FileHandle) Tell() int64 {
	return h.cursor
}

// Filesize returns the underlying file's current length.
func (h *FileHandle) Filesize() (int64, error) {
	return h.inode.Length()
}

// IsDir reports whether the handle's inode is a directory.
func (h *FileHandle) IsDir() bool {
	return h.inode.IsDir()
}

// Inumber returns the inode's on-device sector, used as its stable
// identity number.
func (h *FileHandle) Inumber() uint32 {
	return h.inode.Sector()
}

// DenyWrite asserts this handle's deny-write hold on the inode. Safe to
// call at most once per handle.
func (h *FileHandle) DenyWrite() {
	if h.denyWriteTaken {
		return
	}
	h.inode.DenyWrite()
	h.denyWriteTaken = true
}

// AllowWrite releases a hold taken by DenyWrite, if any.
func (h *FileHandle) AllowWrite() {
	if !h.denyWriteTaken {
		return
	}
	h.inode.AllowWrite()
	h.denyWriteTaken = false
}

// Close releases any deny-write hold and closes the underlying inode
// reference.
func (h *FileHandle) Close() error {
	h.AllowWrite()
	return h.inode.Close()
}
