// Package security validates paths the CLI writes reports to.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideAllowedDirs is returned when a path resolves outside every
// allowed directory.
var ErrOutsideAllowedDirs = errors.New("path outside allowed directories")

// WithinDirectory reports whether path, after resolving symlinks, stays
// inside dir. path need not exist yet: its deepest existing ancestor is
// resolved instead, which catches a new file under a symlinked directory.
func WithinDirectory(path, dir string) (bool, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", path, err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", dir, err)
	}
	realDir, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", dir, err)
	}
	realPath, err := resolveExisting(absPath)
	if err != nil {
		return false, err
	}

	rel, err := filepath.Rel(realDir, realPath)
	if err != nil {
		return false, nil
	}
	escapes := rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel)
	return !escapes, nil
}

// resolveExisting resolves symlinks in the longest existing prefix of an
// absolute path and re-attaches the missing tail.
func resolveExisting(abs string) (string, error) {
	tail := ""
	cur := abs
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(resolved, tail), nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		tail = filepath.Join(filepath.Base(cur), tail)
		cur = parent
	}
}

// ValidatePathWithinDirs returns nil when path resolves inside one of dirs.
func ValidatePathWithinDirs(path string, dirs ...string) error {
	if len(dirs) == 0 {
		return errors.New("no allowed directories specified")
	}
	for _, dir := range dirs {
		ok, err := WithinDirectory(path, dir)
		if err != nil {
			continue
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%s: %w %v", path, ErrOutsideAllowedDirs, dirs)
}

// ValidateOutputPath checks a report destination. Reports may only be
// written under the working directory or the system temp directory.
func ValidateOutputPath(path string) error {
	if path == "" {
		return errors.New("empty output path")
	}
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	return ValidatePathWithinDirs(path, cwd, os.TempDir())
}
