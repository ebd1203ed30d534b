package pintosfs

import "errors"

// Package-specific error variables that can be used with errors.Is() for error handling.
var (
	// ErrNoSuchFile is returned when a path component does not resolve to
	// an existing directory entry.
	ErrNoSuchFile = errors.New("no such file or directory")

	// ErrExists is returned by create/mkdir when the target name is
	// already present in the parent directory.
	ErrExists = errors.New("file exists")

	// ErrNotADirectory is returned when a non-final path component, or a
	// chdir/readdir target, does not refer to a directory inode.
	ErrNotADirectory = errors.New("not a directory")

	// ErrIsADirectory is returned when an operation that requires a
	// regular file is given a directory inode.
	ErrIsADirectory = errors.New("is a directory")

	// ErrNotEmpty is returned by dir_remove when the target directory
	// still holds entries other than "." and "..".
	ErrNotEmpty = errors.New("directory not empty")

	// ErrNameTooLong is returned when a path component exceeds NameMax.
	ErrNameTooLong = errors.New("name too long")

	// ErrNoSpace is returned when the free map has no sectors left to allocate.
	ErrNoSpace = errors.New("no space left on device")

	// ErrOutOfMemory is returned when an in-memory allocation (inode
	// record, cache frame) fails.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrInvalidPath is returned for empty paths, "/" in parent mode, and
	// other syntactically invalid path expressions.
	ErrInvalidPath = errors.New("invalid path")

	// ErrDenyWriteActive is never propagated to a Write caller: per the
	// write contract it is silently converted to a zero-byte write. It is
	// exported so internal callers and tests can distinguish the case.
	ErrDenyWriteActive = errors.New("deny write active")

	// ErrBadDevice wraps a fatal underlying device I/O failure. It is
	// never retried by this package.
	ErrBadDevice = errors.New("bad device")
)
