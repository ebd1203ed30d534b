package pintosfs

// splitPath tokenizes a '/'-separated path, dropping empty tokens
// produced by leading, trailing, or consecutive slashes.
func splitPath(path string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				out = append(out, path[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func startSector(path string, cwd *Directory) uint32 {
	if len(path) > 0 && path[0] == '/' {
		return RootDirSector
	}
	if cwd != nil {
		return cwd.Sector()
	}
	return RootDirSector
}

// walkToken advances cur by one path component, closing cur and
// returning the next open inode, or closing cur and returning an error.
// Every path -- success or failure -- leaves exactly one inode open
// (the caller's return value) or none at all, per spec.md §4.4's
// resource contract.
func walkToken(store *InodeStore, cur *Inode, tok string) (*Inode, error) {
	if !cur.IsDir() {
		cur.Close()
		return nil, ErrNotADirectory
	}
	switch tok {
	case ".":
		return cur, nil
	case "..":
		next, err := store.Open(cur.Parent())
		cur.Close()
		return next, err
	default:
		dv, err := WrapDirectory(cur)
		if err != nil {
			cur.Close()
			return nil, err
		}
		sector, found, err := dv.Lookup(tok)
		if err != nil {
			cur.Close()
			return nil, err
		}
		if !found {
			cur.Close()
			return nil, ErrNoSuchFile
		}
		next, err := store.Open(sector)
		cur.Close()
		return next, err
	}
}

// Resolve is target mode, spec.md §4.4: the inode a path names, for
// open/chdir/isdir.
func Resolve(store *InodeStore, cwd *Directory, path string) (*Inode, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}
	if path == "/" {
		return store.Open(RootDirSector)
	}

	cur, err := store.Open(startSector(path, cwd))
	if err != nil {
		return nil, err
	}

	for _, tok := range splitPath(path) {
		cur, err = walkToken(store, cur, tok)
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// ResolveParent is parent mode, spec.md §4.4: the containing directory
// plus the final path component, for create/mkdir/remove. It only
// decomposes the path; whether the final component must or must not
// already exist is a property of the caller (Filesystem.Create rejects
// an existing name, Directory.Remove requires one).
func ResolveParent(store *InodeStore, cwd *Directory, path string) (*Directory, string, error) {
	if path == "" || path == "/" {
		return nil, "", ErrInvalidPath
	}
	tokens := splitPath(path)
	if len(tokens) == 0 {
		return nil, "", ErrInvalidPath
	}

	cur, err := store.Open(startSector(path, cwd))
	if err != nil {
		return nil, "", err
	}

	for _, tok := range tokens[:len(tokens)-1] {
		cur, err = walkToken(store, cur, tok)
		if err != nil {
			return nil, "", err
		}
	}

	if !cur.IsDir() {
		cur.Close()
		return nil, "", ErrNotADirectory
	}
	dv, err := WrapDirectory(cur)
	if err != nil {
		cur.Close()
		return nil, "", err
	}

	return dv, tokens[len(tokens)-1], nil
}
