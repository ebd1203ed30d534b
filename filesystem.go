package pintosfs

import (
	"fmt"
	"io"
	"log"
)

// Filesystem is the top-level handle over a formatted or mounted device:
// the wiring point for the buffer cache, free map, and inode store named
// in spec.md §2's data-flow diagram.
type Filesystem struct {
	dev     Device
	cache   *Cache
	freemap FreeMap
	store   *InodeStore
	log     *log.Logger
}

// config collects the settings an Option may adjust. It exists
// separately from Filesystem because one of them -- cache capacity --
// must be known before the cache itself is built.
type config struct {
	logger        *log.Logger
	cacheCapacity int
}

func defaultConfig() *config {
	return &config{
		logger:        log.New(io.Discard, "", 0),
		cacheCapacity: NCache,
	}
}

func buildConfig(opts []Option) (*config, error) {
	c := defaultConfig()
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Option configures a Filesystem at Format or Mount time.
type Option func(*config) error

// WithLogger directs the filesystem's diagnostic output (cache eviction
// churn, readahead misses, free-map exhaustion warnings, format/mount
// milestones) to l instead of the default, which discards it.
func WithLogger(l *log.Logger) Option {
	return func(c *config) error {
		c.logger = l
		return nil
	}
}

// WithCacheCapacity overrides the buffer cache's frame count from its
// default of NCache. Tests use a small capacity to force eviction churn
// without needing NCache+1 distinct files.
func WithCacheCapacity(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return fmt.Errorf("pintosfs: cache capacity must be positive, got %d", n)
		}
		c.cacheCapacity = n
		return nil
	}
}

func newFilesystem(dev Device, fm *bitmapFreeMap, opts []Option) (*Filesystem, error) {
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	fm.log = cfg.logger
	cache := newCache(dev, cfg.cacheCapacity, cfg.logger)
	return &Filesystem{
		dev:     dev,
		cache:   cache,
		freemap: fm,
		store:   NewInodeStore(cache, fm),
		log:     cfg.logger,
	}, nil
}

// Format initializes a fresh free map and root directory on dev, per
// spec.md §6: sector 0 is the free map, sector 1 (RootDirSector) is the
// root directory, whose "." and ".." both point at itself.
func Format(dev Device, opts ...Option) (*Filesystem, error) {
	fm, err := createFreeMap(dev)
	if err != nil {
		return nil, err
	}
	fs, err := newFilesystem(dev, fm, opts)
	if err != nil {
		return nil, err
	}
	if err := CreateDirectory(fs.store, RootDirSector, RootDirSector); err != nil {
		return nil, err
	}
	fs.log.Printf("formatted device of %d sectors", dev.SectorCount())
	return fs, nil
}

// Mount loads the free map and inode store of an already-formatted
// device.
func Mount(dev Device, opts ...Option) (*Filesystem, error) {
	fm, err := openFreeMap(dev)
	if err != nil {
		return nil, err
	}
	fs, err := newFilesystem(dev, fm, opts)
	if err != nil {
		return nil, err
	}
	fs.log.Printf("mounted device of %d sectors", dev.SectorCount())
	return fs, nil
}

// Shutdown flushes every dirty cache frame to the device. Per spec.md
// §1's Non-goal of mid-operation crash recovery, this clean flush is
// the filesystem's only durability guarantee.
func (fs *Filesystem) Shutdown() error {
	fs.log.Printf("shutting down, flushing cache")
	return fs.cache.Flush()
}

// Store exposes the inode store for callers (directory.go, path.go,
// the fuse adapter) that need it directly.
func (fs *Filesystem) Store() *InodeStore { return fs.store }

// RootDirectory opens the filesystem's root directory. The caller owns
// the returned Directory and must Close it.
func (fs *Filesystem) RootDirectory() (*Directory, error) {
	in, err := fs.store.Open(RootDirSector)
	if err != nil {
		return nil, err
	}
	return WrapDirectory(in)
}

// Create makes a new regular file named by path, pre-sized to
// initialSize zero bytes, per spec.md §6's filesys_create semantics.
// cwd may be nil, meaning resolution starts at root.
func (fs *Filesystem) Create(cwd *Directory, path string, initialSize int64) error {
	parent, name, err := ResolveParent(fs.store, cwd, path)
	if err != nil {
		return err
	}
	defer parent.Close()

	if len(name) > NameMax {
		return ErrNameTooLong
	}
	if _, found, err := parent.Lookup(name); err != nil {
		return err
	} else if found {
		return ErrExists
	}

	secs, err := fs.freemap.Alloc(1)
	if err != nil {
		return err
	}
	sector := secs[0]

	if err := fs.store.Create(sector, false); err != nil {
		fs.freemap.Release(sector, 1)
		return err
	}

	// initial_size is presized the way original_source/src/filesys/filesys.c's
	// filesys_create does: a single byte written at the last offset, so
	// [0, initialSize-1) stays an unallocated sparse hole instead of
	// eagerly allocating every sector up front.
	if initialSize > 0 {
		in, err := fs.store.Open(sector)
		if err != nil {
			releaseOrphanInode(fs.store, sector)
			return err
		}
		if _, err := in.Write([]byte{0}, initialSize-1); err != nil {
			in.Remove()
			in.Close()
			return err
		}
		if err := in.Close(); err != nil {
			return err
		}
	}

	if err := parent.Add(name, sector); err != nil {
		releaseOrphanInode(fs.store, sector)
		return err
	}
	fs.log.Printf("create %q (%d bytes) at sector %d", path, initialSize, sector)
	return nil
}

// releaseOrphanInode deallocates sector and whatever blocks it has
// accumulated when an already-created inode turns out not to be usable:
// the directory entry that was supposed to reference it failed to commit.
// Opening it again and asking it to remove itself reuses the same
// deallocateAll path a normal file removal takes, instead of releasing
// just the inode sector and leaking its data blocks.
func releaseOrphanInode(store *InodeStore, sector uint32) {
	if in, err := store.Open(sector); err == nil {
		in.Remove()
		in.Close()
	}
}

// Mkdir creates a new, empty subdirectory named by path.
func (fs *Filesystem) Mkdir(cwd *Directory, path string) error {
	parent, name, err := ResolveParent(fs.store, cwd, path)
	if err != nil {
		return err
	}
	defer parent.Close()

	if len(name) > NameMax {
		return ErrNameTooLong
	}
	if _, found, err := parent.Lookup(name); err != nil {
		return err
	} else if found {
		return ErrExists
	}

	secs, err := fs.freemap.Alloc(1)
	if err != nil {
		return err
	}
	sector := secs[0]

	if err := CreateDirectory(fs.store, sector, parent.Sector()); err != nil {
		fs.freemap.Release(sector, 1)
		return err
	}
	if err := parent.Add(name, sector); err != nil {
		releaseOrphanInode(fs.store, sector)
		return err
	}
	fs.log.Printf("mkdir %q at sector %d", path, sector)
	return nil
}

// Remove unlinks the file or empty directory named by path.
func (fs *Filesystem) Remove(cwd *Directory, path string) error {
	parent, name, err := ResolveParent(fs.store, cwd, path)
	if err != nil {
		return err
	}
	defer parent.Close()
	if err := parent.Remove(fs.store, name); err != nil {
		return err
	}
	fs.log.Printf("remove %q", path)
	return nil
}

// Open resolves path to its inode and returns a fresh FileHandle over
// it.
func (fs *Filesystem) Open(cwd *Directory, path string) (*FileHandle, error) {
	in, err := Resolve(fs.store, cwd, path)
	if err != nil {
		return nil, err
	}
	return NewFileHandle(in), nil
}

// Chdir resolves path to a directory and returns it, for the caller to
// install as its new CWD (replacing, and eventually closing, its
// previous one).
func (fs *Filesystem) Chdir(cwd *Directory, path string) (*Directory, error) {
	in, err := Resolve(fs.store, cwd, path)
	if err != nil {
		return nil, err
	}
	d, err := WrapDirectory(in)
	if err != nil {
		in.Close()
		return nil, err
	}
	return d, nil
}

// IsDir reports whether path names a directory.
func (fs *Filesystem) IsDir(cwd *Directory, path string) (bool, error) {
	in, err := Resolve(fs.store, cwd, path)
	if err != nil {
		return false, err
	}
	defer in.Close()
	return in.IsDir(), nil
}

// Inumber returns the stable inode number (on-device sector) for path.
func (fs *Filesystem) Inumber(cwd *Directory, path string) (uint32, error) {
	in, err := Resolve(fs.store, cwd, path)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	return in.Sector(), nil
}
