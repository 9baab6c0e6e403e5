// Package fs holds the filesystem primitives shared by the archive and
// restore code: ownership, moves across devices, and path containment.
package fs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// maxUniqueAttempts bounds the counter suffix tried by UniquePath.
const maxUniqueAttempts = 1000

// PermissionMask selects the bits a copy or restore preserves.
const PermissionMask = fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky

// Move renames src to dst. When the two are on different devices it copies
// src to dst and then removes src.
func Move(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !isCrossDevice(err) {
		return err
	}

	if err := CopyTree(src, dst); err != nil {
		os.RemoveAll(dst)
		return fmt.Errorf("copying across devices: %w", err)
	}
	if err := os.RemoveAll(src); err != nil {
		return fmt.Errorf("removing source after copy: %w", err)
	}
	return nil
}

// CopyTree copies a file, symlink or directory tree from src to dst,
// preserving permission bits and modification times. dst must not exist.
func CopyTree(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}

	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		link, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(link, dst)

	case info.IsDir():
		if err := os.Mkdir(dst, 0700); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := CopyTree(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
				return err
			}
		}
		if err := os.Chmod(dst, info.Mode()&PermissionMask); err != nil {
			return err
		}
		return os.Chtimes(dst, info.ModTime(), info.ModTime())

	case info.Mode().IsRegular():
		if err := copyFile(src, dst, info.Mode()&PermissionMask); err != nil {
			return err
		}
		return os.Chtimes(dst, info.ModTime(), info.ModTime())

	default:
		return fmt.Errorf("unsupported file type %s: %s", info.Mode().Type(), src)
	}
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	// OpenFile's perm is filtered by the umask.
	return os.Chmod(dst, perm)
}

// UniquePath returns p if nothing exists there, otherwise the first free
// p_1, p_2, ... variant.
func UniquePath(p string) (string, error) {
	candidate := p
	for i := 1; i <= maxUniqueAttempts; i++ {
		_, err := os.Lstat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		candidate = p + "_" + strconv.Itoa(i)
	}
	return "", fmt.Errorf("no free name for %s after %d attempts", p, maxUniqueAttempts)
}

// WithinRoots reports whether target lies strictly below one of roots.
// Symlinks in the existing part of target's parent and in each root are
// resolved first, so a link cannot be used to escape a root. A root itself
// is never a valid target.
func WithinRoots(target string, roots []string) (bool, error) {
	abs, err := filepath.Abs(target)
	if err != nil {
		return false, err
	}
	parent, err := resolveExisting(filepath.Dir(abs))
	if err != nil {
		return false, err
	}
	resolved := filepath.Join(parent, filepath.Base(abs))

	for _, root := range roots {
		if root == "" {
			continue
		}
		r, err := filepath.Abs(root)
		if err != nil {
			return false, err
		}
		if r, err = resolveExisting(r); err != nil {
			return false, err
		}
		if isBelow(resolved, r) {
			return true, nil
		}
	}
	return false, nil
}

func isBelow(p, root string) bool {
	if p == root {
		return false
	}
	if root == string(filepath.Separator) {
		return strings.HasPrefix(p, root)
	}
	return strings.HasPrefix(p, root+string(filepath.Separator))
}

// resolveExisting evaluates symlinks in the deepest existing ancestor of p
// and re-appends the components that do not exist yet.
func resolveExisting(p string) (string, error) {
	p = filepath.Clean(p)
	var rest []string
	for {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			for i := len(rest) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, rest[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", err
		}
		rest = append(rest, filepath.Base(p))
		p = parent
	}
}
