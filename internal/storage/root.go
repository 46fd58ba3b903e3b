package storage

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrRootNotFound = errors.New("root directory not found")
	ErrNotDirectory = errors.New("root is not a directory")
)

// Root is a read-only view of the directory being served.
type Root struct {
	path string
}

func NewRoot(dir string) (*Root, error) {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve directory: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRootNotFound, absPath)
		}
		return nil, fmt.Errorf("failed to resolve directory: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to stat directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, absPath)
	}

	dirFile, err := os.Open(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to open directory: %w", err)
	}
	defer dirFile.Close()

	if _, err := dirFile.Readdirnames(1); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	return &Root{
		path: resolved,
	}, nil
}

// Path returns the absolute, symlink-resolved root directory.
func (r *Root) Path() string {
	return r.path
}

// FileSystem exposes the root to http.FileServer. Files are opened read-only.
func (r *Root) FileSystem() http.FileSystem {
	return http.Dir(r.path)
}

// Contains reports whether path, which need not exist yet, lies inside the root.
func (r *Root) Contains(path string) (bool, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false, fmt.Errorf("failed to resolve path: %w", err)
	}

	resolved, err := resolveExisting(absPath)
	if err != nil {
		return false, err
	}

	rel, err := filepath.Rel(r.path, resolved)
	if err != nil {
		return false, nil
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false, nil
	}
	return true, nil
}

// resolveExisting resolves symlinks in the longest existing prefix of path
// and re-joins the components that do not exist yet.
func resolveExisting(path string) (string, error) {
	var missing []string
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(append([]string{resolved}, missing...)...), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to resolve path: %w", err)
		}

		parent := filepath.Dir(current)
		if parent == current {
			return path, nil
		}
		missing = append([]string{filepath.Base(current)}, missing...)
		current = parent
	}
}
