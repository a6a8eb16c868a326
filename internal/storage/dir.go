// Package storage provides path-confined file access for the download
// and outbox directories.
package storage

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

const (
	dirPerm  = fs.FileMode(0o755)
	filePerm = fs.FileMode(0o644)

	// TempPrefix marks in-progress writes. Watchers skip these.
	TempPrefix = ".pylon-write-"

	maxUniqueAttempts = 1000
)

// Dir provides serialized filesystem operations confined to one root.
// Writes take an exclusive lock; reads a shared one so a reader never
// sees a partially renamed file.
type Dir struct {
	root string
	mu   sync.RWMutex
}

// NewDir creates a Dir rooted at root, creating the directory if needed.
// root must be absolute.
func NewDir(root string) (*Dir, error) {
	if root == "" {
		return nil, fmt.Errorf("storage directory must not be empty")
	}

	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("storage directory must be absolute: %s", root)
	}

	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("creating storage directory %s: %w", root, err)
	}

	// Symlink checks below compare against the real root.
	real, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("resolving storage directory %s: %w", root, err)
	}

	return &Dir{root: real}, nil
}

// Root returns the absolute root directory.
func (d *Dir) Root() string {
	return d.root
}

// Abs returns the absolute path for relPath after validation.
func (d *Dir) Abs(relPath string) (string, error) {
	return d.resolve(relPath)
}

// Save writes data to relPath atomically: it writes a temp file in the
// destination directory and renames it into place. Parent directories
// are created. It returns the absolute path written.
func (d *Dir) Save(relPath string, data []byte) (string, error) {
	abs, err := d.resolve(relPath)
	if err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := writeAtomic(abs, data); err != nil {
		return "", fmt.Errorf("saving %s: %w", relPath, err)
	}

	return abs, nil
}

func writeAtomic(abs string, data []byte) error {
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tmpName, filePerm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("setting permissions: %w", err)
	}

	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}

// SaveUnique writes data like Save but never replaces an existing file.
// When relPath is taken it tries "name (1).ext", "name (2).ext" and so
// on. It returns the relative and absolute paths actually written.
func (d *Dir) SaveUnique(relPath string, data []byte) (rel, abs string, err error) {
	relPath = NormalizePath(relPath)
	if _, err := d.resolve(relPath); err != nil {
		return "", "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ext := path.Ext(relPath)
	stem := strings.TrimSuffix(relPath, ext)

	for i := range maxUniqueAttempts {
		candidate := relPath
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}

		abs, err := d.resolve(candidate)
		if err != nil {
			return "", "", err
		}

		if _, err := os.Lstat(abs); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return "", "", fmt.Errorf("stat %s: %w", candidate, err)
		}

		if err := writeAtomic(abs, data); err != nil {
			return "", "", fmt.Errorf("saving %s: %w", candidate, err)
		}

		return candidate, abs, nil
	}

	return "", "", fmt.Errorf("no free name for %s after %d attempts", relPath, maxUniqueAttempts)
}

// ReadFile reads a file by relative path.
func (d *Dir) ReadFile(relPath string) ([]byte, error) {
	abs, err := d.resolve(relPath)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	return os.ReadFile(abs) //nolint:gosec // G304: abs validated by resolve
}

// Stat returns file info for a relative path.
func (d *Dir) Stat(relPath string) (os.FileInfo, error) {
	abs, err := d.resolve(relPath)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	return os.Stat(abs)
}

// Remove deletes a file by relative path. A missing file is not an error.
func (d *Dir) Remove(relPath string) error {
	abs, err := d.resolve(relPath)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", relPath, err)
	}

	return nil
}

// Rename moves a file within the root, creating the destination's parent.
func (d *Dir) Rename(oldRel, newRel string) error {
	oldAbs, err := d.resolve(oldRel)
	if err != nil {
		return err
	}

	newAbs, err := d.resolve(newRel)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(newAbs), dirPerm); err != nil {
		return fmt.Errorf("creating directory for %s: %w", newRel, err)
	}

	return os.Rename(oldAbs, newAbs)
}

// resolve converts a relative path to an absolute path within the root,
// rejecting null bytes, ".." segments, and symlinks that escape it.
func (d *Dir) resolve(relPath string) (string, error) {
	if strings.ContainsRune(relPath, 0) {
		return "", fmt.Errorf("path contains null byte: %q", relPath)
	}

	relPath = strings.ReplaceAll(relPath, "\\", "/")

	for _, seg := range strings.Split(relPath, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path contains ..: %q", relPath)
		}
	}

	relPath = NormalizePath(relPath)
	if relPath == "" {
		return "", fmt.Errorf("empty path")
	}

	abs := filepath.Join(d.root, filepath.FromSlash(relPath))
	if !d.within(abs) {
		return "", fmt.Errorf("path traversal blocked: %q resolves outside %s", relPath, d.root)
	}

	real, err := evalExistingPrefix(abs)
	if err != nil {
		return "", fmt.Errorf("resolving symlinks for %q: %w", relPath, err)
	}

	if !d.within(real) {
		return "", fmt.Errorf("symlink traversal blocked: %q resolves to %q", relPath, real)
	}

	return abs, nil
}

func (d *Dir) within(p string) bool {
	return p == d.root || strings.HasPrefix(p, d.root+string(os.PathSeparator))
}

// evalExistingPrefix resolves symlinks for the longest existing prefix
// of abs and appends the remaining components.
func evalExistingPrefix(abs string) (string, error) {
	real, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return real, nil
	}

	if !os.IsNotExist(err) {
		return "", err
	}

	dir := filepath.Dir(abs)
	if dir == abs {
		return abs, nil
	}

	parent, err := evalExistingPrefix(dir)
	if err != nil {
		return "", err
	}

	return filepath.Join(parent, filepath.Base(abs)), nil
}

// NormalizePath converts separators to forward slashes, collapses
// repeated slashes, trims leading and trailing slashes, and applies NFC.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.ReplaceAll(p, "\u00A0", " ")

	var b strings.Builder

	prevSlash := false

	for _, r := range p {
		if r == '/' {
			if prevSlash {
				continue
			}

			prevSlash = true
		} else {
			prevSlash = false
		}

		b.WriteRune(r)
	}

	return norm.NFC.String(strings.Trim(b.String(), "/"))
}
