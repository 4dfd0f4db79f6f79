package storage

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/onexay/project-vs/internal/types"
)

// TreeStore owns one directory per project under a shared root. It knows
// nothing about history beyond keeping the reserved history entry out of
// listings and copies.
type TreeStore struct {
	root string
}

// NewTreeStore creates the root directory if needed.
func NewTreeStore(root string) (*TreeStore, error) {
	if root == "" {
		return nil, errors.New("store root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, ioErr("create root", abs, err)
	}
	return &TreeStore{root: abs}, nil
}

// Root returns the absolute store root.
func (t *TreeStore) Root() string { return t.root }

// Path returns the directory of a project tree.
func (t *TreeStore) Path(id string) string {
	return filepath.Join(t.root, id)
}

// Exists reports whether a project tree is present. A symlink in place of
// the tree does not count.
func (t *TreeStore) Exists(id string) (bool, error) {
	info, err := os.Lstat(t.Path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, ioErr("stat tree", id, err)
	}
	return info.IsDir(), nil
}

// Create makes an empty tree for id.
func (t *TreeStore) Create(id string) error {
	if err := ValidateProjectID(id); err != nil {
		return err
	}
	if err := os.MkdirAll(t.root, 0o755); err != nil {
		return ioErr("create root", t.root, err)
	}
	if err := os.Mkdir(t.Path(id), 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return &ConflictError{Resource: ResourceProject, Key: id}
		}
		return ioErr("create tree", id, err)
	}
	return nil
}

// Remove deletes the tree and everything in it, history included. It
// reports whether anything existed. Symlinks inside the tree are unlinked,
// never followed.
func (t *TreeStore) Remove(id string) (bool, error) {
	if err := ValidateProjectID(id); err != nil {
		return false, err
	}
	dir := t.Path(id)
	info, err := os.Lstat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, ioErr("stat tree", id, err)
	}
	if !info.IsDir() {
		if err := os.Remove(dir); err != nil {
			return false, ioErr("remove tree", id, err)
		}
		return true, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return true, ioErr("remove tree", id, err)
	}
	return true, nil
}

// CopyInto copies every directory and regular file of src into a new tree
// dst, at any depth. The history entry and symlinks are not copied. A
// failed copy leaves no target tree behind.
func (t *TreeStore) CopyInto(src, dst string) (err error) {
	if err := ValidateProjectID(src); err != nil {
		return err
	}
	if err := ValidateProjectID(dst); err != nil {
		return err
	}
	ok, err := t.Exists(src)
	if err != nil {
		return err
	}
	if !ok {
		return &NotFoundError{Resource: ResourceSource, Key: src}
	}
	if err := os.Mkdir(t.Path(dst), 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return &ConflictError{Resource: ResourceTarget, Key: dst}
		}
		return ioErr("create tree", dst, err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(t.Path(dst))
		}
	}()

	srcRoot, dstRoot := t.Path(src), t.Path(dst)
	return walkTree(srcRoot, func(rel string, d fs.DirEntry) error {
		target := filepath.Join(dstRoot, filepath.FromSlash(rel))
		info, err := d.Info()
		if err != nil {
			return ioErr("stat", rel, err)
		}
		if d.IsDir() {
			if err := os.MkdirAll(target, info.Mode().Perm()|0o700); err != nil {
				return ioErr("copy dir", rel, err)
			}
			return nil
		}
		return copyFile(filepath.Join(srcRoot, filepath.FromSlash(rel)), target, info.Mode().Perm())
	})
}

// List returns every regular file of the tree depth-first, in lexical order
// within each directory.
func (t *TreeStore) List(id string) ([]types.FileEntry, error) {
	if err := t.requireTree(id); err != nil {
		return nil, err
	}
	entries := make([]types.FileEntry, 0)
	err := walkTree(t.Path(id), func(rel string, d fs.DirEntry) error {
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return ioErr("stat", rel, err)
		}
		entries = append(entries, types.FileEntry{
			Path:      rel,
			Type:      "file",
			Size:      info.Size(),
			UpdatedAt: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ReadFile returns the content of a regular file. A path that does not
// resolve to a regular file is reported through found, not as an error.
func (t *TreeStore) ReadFile(id, p string) (data []byte, found bool, err error) {
	if err := t.requireTree(id); err != nil {
		return nil, false, err
	}
	full, err := t.resolve(id, p)
	if err != nil {
		return nil, false, err
	}
	info, err := os.Lstat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ioErr("stat file", p, err)
	}
	if !info.Mode().IsRegular() {
		return nil, false, nil
	}
	data, err = os.ReadFile(full)
	if err != nil {
		return nil, false, ioErr("read file", p, err)
	}
	return data, true, nil
}

// WriteFile replaces the content of p, creating parent directories. The new
// content becomes visible atomically.
func (t *TreeStore) WriteFile(id, p string, content []byte) error {
	if err := t.requireTree(id); err != nil {
		return err
	}
	full, err := t.resolve(id, p)
	if err != nil {
		return err
	}
	if info, err := os.Lstat(full); err == nil && info.IsDir() {
		return &ValidationError{Message: "path " + p + " is a directory"}
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ioErr("create dir", p, err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+filepath.Base(full)+"-")
	if err != nil {
		return ioErr("write file", p, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		cleanup()
		return ioErr("write file", p, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return ioErr("sync file", p, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return ioErr("write file", p, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return ioErr("chmod file", p, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		cleanup()
		return ioErr("rename file", p, err)
	}
	return nil
}

// RemoveFile deletes a regular file and prunes directories it leaves empty.
func (t *TreeStore) RemoveFile(id, p string) error {
	if err := t.requireTree(id); err != nil {
		return err
	}
	full, err := t.resolve(id, p)
	if err != nil {
		return err
	}
	info, err := os.Lstat(full)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && info.IsDir()) {
		return &NotFoundError{Resource: ResourceFile, Key: p}
	}
	if err != nil {
		return ioErr("stat file", p, err)
	}
	if err := os.Remove(full); err != nil {
		return ioErr("remove file", p, err)
	}

	root := t.Path(id)
	for dir := filepath.Dir(full); dir != root && strings.HasPrefix(dir, root); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			break
		}
	}
	return nil
}

func (t *TreeStore) requireTree(id string) error {
	if err := ValidateProjectID(id); err != nil {
		return err
	}
	ok, err := t.Exists(id)
	if err != nil {
		return err
	}
	if !ok {
		return &NotFoundError{Resource: ResourceProject, Key: id}
	}
	return nil
}

// resolve maps a cleaned relative path to its location on disk and refuses
// to traverse a symlinked directory on the way.
func (t *TreeStore) resolve(id, p string) (string, error) {
	rel, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	cur := t.Path(id)
	segs := strings.Split(rel, "/")
	for _, seg := range segs[:len(segs)-1] {
		cur = filepath.Join(cur, seg)
		info, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		if err != nil {
			return "", ioErr("stat", p, err)
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return "", &PathError{Path: p, Reason: "traverses a symlink"}
		}
	}
	return filepath.Join(t.Path(id), filepath.FromSlash(rel)), nil
}

// walkTree visits every directory and regular file below root depth-first
// in lexical order, passing slash-separated relative paths. The history
// entry, leftover temp files, symlinks and special files are skipped.
func walkTree(root string, fn func(rel string, d fs.DirEntry) error) error {
	return filepath.WalkDir(root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return ioErr("walk", full, err)
		}
		if full == root {
			return nil
		}
		rel, err := filepath.Rel(root, full)
		if err != nil {
			return ioErr("walk", full, err)
		}
		rel = filepath.ToSlash(rel)
		if rel == historyDir {
			return filepath.SkipDir
		}
		if !d.IsDir() && (!d.Type().IsRegular() || strings.HasPrefix(d.Name(), tempPrefix)) {
			return nil
		}
		return fn(path.Clean(rel), d)
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return ioErr("copy file", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm|0o600)
	if err != nil {
		return ioErr("copy file", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return ioErr("copy file", dst, err)
	}
	if err := out.Close(); err != nil {
		return ioErr("copy file", dst, err)
	}
	return nil
}
