//go:build fuse

package pintosfs

import (
	"context"
	"errors"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// node is a FUSE-visible view of one sector of a Filesystem. Unlike the
// teacher's read-only inode_fuse.go, nodes here hold no live Inode
// reference between calls: every operation opens its own inode from the
// store and closes it before returning, consistent with this package's
// refcounted-on-demand inode model.
type node struct {
	fs.Inode
	fsys   *Filesystem
	sector uint32
}

func errnoOf(err error) syscall.Errno {
	switch {
	case err == nil:
		return fs.OK
	case errors.Is(err, ErrNoSuchFile):
		return syscall.ENOENT
	case errors.Is(err, ErrExists):
		return syscall.EEXIST
	case errors.Is(err, ErrNotADirectory):
		return syscall.ENOTDIR
	case errors.Is(err, ErrIsADirectory):
		return syscall.EISDIR
	case errors.Is(err, ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, ErrNameTooLong):
		return syscall.ENAMETOOLONG
	case errors.Is(err, ErrNoSpace):
		return syscall.ENOSPC
	case errors.Is(err, ErrInvalidPath):
		return syscall.EINVAL
	default:
		return syscall.EIO
	}
}

func attrMode(isDir bool) uint32 {
	if isDir {
		return fuse.S_IFDIR | 0o755
	}
	return fuse.S_IFREG | 0o644
}

func (n *node) fillAttr(in *Inode, out *fuse.Attr) {
	out.Ino = uint64(n.sector)
	out.Mode = attrMode(in.IsDir())
	if length, err := in.Length(); err == nil {
		out.Size = uint64(length)
	}
}

// Getattr implements fs.NodeGetattrer.
func (n *node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	in, err := n.fsys.Store().Open(n.sector)
	if err != nil {
		return errnoOf(err)
	}
	defer in.Close()
	n.fillAttr(in, &out.Attr)
	return fs.OK
}

// Lookup implements fs.NodeLookuper.
func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	dirIn, err := n.fsys.Store().Open(n.sector)
	if err != nil {
		return nil, errnoOf(err)
	}
	d, err := WrapDirectory(dirIn)
	if err != nil {
		dirIn.Close()
		return nil, errnoOf(err)
	}
	sector, found, err := d.Lookup(name)
	dirIn.Close()
	if err != nil {
		return nil, errnoOf(err)
	}
	if !found {
		return nil, syscall.ENOENT
	}

	childIn, err := n.fsys.Store().Open(sector)
	if err != nil {
		return nil, errnoOf(err)
	}
	defer childIn.Close()

	child := &node{fsys: n.fsys, sector: sector}
	n.fillAttr(childIn, &out.Attr)
	out.Ino = uint64(sector)
	return n.NewInode(ctx, child, fs.StableAttr{Mode: attrMode(childIn.IsDir()), Ino: uint64(sector)}), fs.OK
}

// Readdir implements fs.NodeReaddirer.
func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	dirIn, err := n.fsys.Store().Open(n.sector)
	if err != nil {
		return nil, errnoOf(err)
	}
	defer dirIn.Close()
	d, err := WrapDirectory(dirIn)
	if err != nil {
		return nil, errnoOf(err)
	}

	var entries []fuse.DirEntry
	cursor := 0
	for {
		name, next, ok, err := d.Readdir(cursor)
		if err != nil {
			return nil, errnoOf(err)
		}
		if !ok {
			break
		}
		entries = append(entries, fuse.DirEntry{Name: name})
		cursor = next
	}
	return fs.NewListDirStream(entries), fs.OK
}

// Mkdir implements fs.NodeMkdirer.
func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	dirIn, err := n.fsys.Store().Open(n.sector)
	if err != nil {
		return nil, errnoOf(err)
	}
	d, err := WrapDirectory(dirIn)
	if err != nil {
		dirIn.Close()
		return nil, errnoOf(err)
	}
	if err := n.fsys.Mkdir(d, name); err != nil {
		dirIn.Close()
		return nil, errnoOf(err)
	}
	sector, _, err := d.Lookup(name)
	dirIn.Close()
	if err != nil {
		return nil, errnoOf(err)
	}
	child := &node{fsys: n.fsys, sector: sector}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFDIR, Ino: uint64(sector)}), fs.OK
}

// Create implements fs.NodeCreater.
func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	dirIn, err := n.fsys.Store().Open(n.sector)
	if err != nil {
		return nil, nil, 0, errnoOf(err)
	}
	d, err := WrapDirectory(dirIn)
	if err != nil {
		dirIn.Close()
		return nil, nil, 0, errnoOf(err)
	}
	if err := n.fsys.Create(d, name, 0); err != nil {
		dirIn.Close()
		return nil, nil, 0, errnoOf(err)
	}
	sector, _, err := d.Lookup(name)
	dirIn.Close()
	if err != nil {
		return nil, nil, 0, errnoOf(err)
	}

	childIn, err := n.fsys.Store().Open(sector)
	if err != nil {
		return nil, nil, 0, errnoOf(err)
	}
	child := &node{fsys: n.fsys, sector: sector}
	inode := n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFREG, Ino: uint64(sector)})
	return inode, &fileHandle{h: NewFileHandle(childIn)}, 0, fs.OK
}

// Unlink implements fs.NodeUnlinker.
func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	dirIn, err := n.fsys.Store().Open(n.sector)
	if err != nil {
		return errnoOf(err)
	}
	d, err := WrapDirectory(dirIn)
	if err != nil {
		dirIn.Close()
		return errnoOf(err)
	}
	err = d.Remove(n.fsys.Store(), name)
	dirIn.Close()
	return errnoOf(err)
}

// Rmdir implements fs.NodeRmdirer. Directory removal shares dir_remove's
// rules with Unlink; both route through Directory.Remove.
func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.Unlink(ctx, name)
}

// Open implements fs.NodeOpener.
func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	in, err := n.fsys.Store().Open(n.sector)
	if err != nil {
		return nil, 0, errnoOf(err)
	}
	return &fileHandle{h: NewFileHandle(in)}, 0, fs.OK
}

// fileHandle adapts *FileHandle to go-fuse's fs.FileHandle plus the
// FileReader/FileWriter/FileReleaser optional interfaces.
type fileHandle struct {
	h *FileHandle
}

func (fh *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	fh.h.Seek(off)
	n, err := fh.h.Read(dest)
	if err != nil {
		return nil, errnoOf(err)
	}
	return fuse.ReadResultData(dest[:n]), fs.OK
}

func (fh *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	fh.h.Seek(off)
	n, err := fh.h.Write(data)
	if err != nil {
		return uint32(n), errnoOf(err)
	}
	return uint32(n), fs.OK
}

func (fh *fileHandle) Release(ctx context.Context) syscall.Errno {
	return errnoOf(fh.h.Close())
}

// MountFuse mounts fs at mountpoint using go-fuse's higher-level node API,
// rooted at the filesystem's root directory.
func MountFuse(filesystem *Filesystem, mountpoint string, opts *fs.Options) (*fuse.Server, error) {
	root := &node{fsys: filesystem, sector: RootDirSector}
	return fs.Mount(mountpoint, root, opts)
}
