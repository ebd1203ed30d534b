// Command pintosfs manipulates a pintosfs disk image file.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/aakriti/pintosfs"
)

const usage = `pintosfs - block-oriented filesystem image tool

Usage:
  pintosfs format <image> <sector_count>        Create and format a new image
  pintosfs ls <image> [<path>]                  List a directory's entries
  pintosfs cat <image> <file>                   Print a file's contents
  pintosfs put <image> <local_file> <path>      Copy a local file into the image
  pintosfs get <image> <path> <local_file>      Copy a file out of the image
  pintosfs mkdir <image> <path>                 Create a directory
  pintosfs rm <image> <path>                    Remove a file or empty directory
  pintosfs info <image>                         Print image size and root entry count
  pintosfs help                                 Show this help message
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "format":
		err = cmdFormat(os.Args[2:])
	case "ls":
		err = cmdLs(os.Args[2:])
	case "cat":
		err = cmdCat(os.Args[2:])
	case "put":
		err = cmdPut(os.Args[2:])
	case "get":
		err = cmdGet(os.Args[2:])
	case "mkdir":
		err = cmdMkdir(os.Args[2:])
	case "rm":
		err = cmdRm(os.Args[2:])
	case "info":
		err = cmdInfo(os.Args[2:])
	case "help":
		fmt.Print(usage)
		return
	default:
		fmt.Printf("Error: unknown command %q\n", os.Args[1])
		fmt.Print(usage)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func openImage(path string) (*pintosfs.FileDevice, *pintosfs.Filesystem, error) {
	// OpenFileDevice sets the image file to exactly the given sector count,
	// truncating a larger file, so passing 0 here would wipe the image --
	// read the current size instead.
	fi, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}
	count := uint32(fi.Size() / pintosfs.SectorSize)
	dev, err := pintosfs.OpenFileDevice(path, count)
	if err != nil {
		return nil, nil, err
	}
	fsys, err := pintosfs.Mount(dev)
	if err != nil {
		dev.Close()
		return nil, nil, err
	}
	return dev, fsys, nil
}

func closeImage(dev *pintosfs.FileDevice, fsys *pintosfs.Filesystem) error {
	if err := fsys.Shutdown(); err != nil {
		dev.Close()
		return err
	}
	if err := dev.Sync(); err != nil {
		dev.Close()
		return err
	}
	return dev.Close()
}

func cmdFormat(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: pintosfs format <image> <sector_count>")
	}
	n, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid sector count: %w", err)
	}
	dev, err := pintosfs.OpenFileDevice(args[0], uint32(n))
	if err != nil {
		return err
	}
	fsys, err := pintosfs.Format(dev)
	if err != nil {
		dev.Close()
		return err
	}
	return closeImage(dev, fsys)
}

func cmdLs(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: pintosfs ls <image> [<path>]")
	}
	dev, fsys, err := openImage(args[0])
	if err != nil {
		return err
	}
	defer closeImage(dev, fsys)

	path := "/"
	if len(args) > 1 {
		path = args[1]
	}

	in, err := pintosfs.Resolve(fsys.Store(), nil, path)
	if err != nil {
		return err
	}
	defer in.Close()
	d, err := pintosfs.WrapDirectory(in)
	if err != nil {
		return err
	}

	cursor := 0
	for {
		name, next, ok, err := d.Readdir(cursor)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		fmt.Println(name)
		cursor = next
	}
}

func cmdCat(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: pintosfs cat <image> <file>")
	}
	dev, fsys, err := openImage(args[0])
	if err != nil {
		return err
	}
	defer closeImage(dev, fsys)

	h, err := fsys.Open(nil, args[1])
	if err != nil {
		return err
	}
	defer h.Close()

	buf := make([]byte, 4096)
	for {
		n, err := h.Read(buf)
		if n > 0 {
			os.Stdout.Write(buf[:n])
		}
		if n == 0 || err != nil {
			return nil
		}
	}
}

func cmdPut(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: pintosfs put <image> <local_file> <path>")
	}
	dev, fsys, err := openImage(args[0])
	if err != nil {
		return err
	}
	defer closeImage(dev, fsys)

	data, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}
	if err := fsys.Create(nil, args[2], int64(len(data))); err != nil {
		return err
	}
	h, err := fsys.Open(nil, args[2])
	if err != nil {
		return err
	}
	defer h.Close()
	_, err = h.Write(data)
	return err
}

func cmdGet(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: pintosfs get <image> <path> <local_file>")
	}
	dev, fsys, err := openImage(args[0])
	if err != nil {
		return err
	}
	defer closeImage(dev, fsys)

	h, err := fsys.Open(nil, args[1])
	if err != nil {
		return err
	}
	defer h.Close()

	size, err := h.Filesize()
	if err != nil {
		return err
	}
	buf := make([]byte, size)
	if _, err := h.Read(buf); err != nil {
		return err
	}
	return os.WriteFile(args[2], buf, 0o644)
}

func cmdMkdir(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: pintosfs mkdir <image> <path>")
	}
	dev, fsys, err := openImage(args[0])
	if err != nil {
		return err
	}
	defer closeImage(dev, fsys)
	return fsys.Mkdir(nil, args[1])
}

func cmdRm(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: pintosfs rm <image> <path>")
	}
	dev, fsys, err := openImage(args[0])
	if err != nil {
		return err
	}
	defer closeImage(dev, fsys)
	return fsys.Remove(nil, args[1])
}

func cmdInfo(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: pintosfs info <image>")
	}
	dev, fsys, err := openImage(args[0])
	if err != nil {
		return err
	}
	defer closeImage(dev, fsys)

	root, err := fsys.RootDirectory()
	if err != nil {
		return err
	}
	defer root.Close()

	n := 0
	cursor := 0
	for {
		_, next, ok, err := root.Readdir(cursor)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		n++
		cursor = next
	}

	fmt.Printf("sectors: %d\n", dev.SectorCount())
	fmt.Printf("root entries: %d\n", n)
	return nil
}
