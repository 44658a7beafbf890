package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestWithinDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	safeDir := filepath.Join(tmpDir, "reports")
	otherDir := filepath.Join(tmpDir, "elsewhere")
	for _, d := range []string{safeDir, otherDir, filepath.Join(safeDir, "nested")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
	// A symlink inside the safe directory that leads out of it.
	if err := os.Symlink(otherDir, filepath.Join(safeDir, "escape")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"new file", filepath.Join(safeDir, "rounds.png"), true},
		{"new file in missing subdir", filepath.Join(safeDir, "a", "b", "rounds.png"), true},
		{"nested dir", filepath.Join(safeDir, "nested", "rounds.svg"), true},
		{"dir itself", safeDir, true},
		{"dot dot", filepath.Join(safeDir, "..", "elsewhere", "x.png"), false},
		{"sibling", filepath.Join(otherDir, "x.png"), false},
		{"through symlink", filepath.Join(safeDir, "escape", "x.png"), false},
		{"missing file through symlink", filepath.Join(safeDir, "escape", "new", "x.png"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := WithinDirectory(tt.path, safeDir)
			if err != nil {
				t.Fatalf("WithinDirectory: %v", err)
			}
			if got != tt.want {
				t.Errorf("WithinDirectory(%s) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestWithinDirectoryMissingDir(t *testing.T) {
	if _, err := WithinDirectory("x.png", filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for a directory that does not exist")
	}
}

func TestValidatePathWithinDirs(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()

	if err := ValidatePathWithinDirs(filepath.Join(b, "plot.pdf"), a, b); err != nil {
		t.Errorf("path in second dir rejected: %v", err)
	}
	err := ValidatePathWithinDirs("/definitely/not/here.png", a, b)
	if !errors.Is(err, ErrOutsideAllowedDirs) {
		t.Errorf("expected ErrOutsideAllowedDirs, got %v", err)
	}
	if err := ValidatePathWithinDirs(filepath.Join(a, "x.png")); err == nil {
		t.Error("expected error with no allowed dirs")
	}
}

func TestValidateOutputPath(t *testing.T) {
	work := t.TempDir()
	t.Chdir(work)

	if err := ValidateOutputPath("rounds.png"); err != nil {
		t.Errorf("relative path in working dir rejected: %v", err)
	}
	if err := ValidateOutputPath(filepath.Join(os.TempDir(), "rounds.png")); err != nil {
		t.Errorf("temp dir path rejected: %v", err)
	}
	if err := ValidateOutputPath(""); err == nil {
		t.Error("expected error for empty path")
	}
	if err := ValidateOutputPath("/proc/rounds.png"); !errors.Is(err, ErrOutsideAllowedDirs) {
		t.Errorf("expected /proc to be rejected, got %v", err)
	}
}
