// Package security validates file paths supplied by operators before the
// service writes to them.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned when a path resolves outside its allowed
// directory.
var ErrPathEscape = errors.New("path escapes allowed directory")

// ValidatePathWithinDirectory checks that filePath resolves inside dir after
// cleaning and symlink resolution. The file itself need not exist; its
// nearest existing ancestor is resolved instead, so a symlinked parent
// cannot redirect a new file elsewhere.
func ValidatePathWithinDirectory(filePath, dir string) error {
	absPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve directory: %w", err)
	}
	canonicalDir, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return fmt.Errorf("resolve directory symlinks: %w", err)
	}

	rel, err := filepath.Rel(canonicalDir, canonicalize(absPath))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%s: %w %s", filePath, ErrPathEscape, dir)
	}
	return nil
}

// canonicalize resolves symlinks in the longest existing prefix of absPath.
func canonicalize(absPath string) string {
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		return resolved
	}
	for check := absPath; ; {
		parent := filepath.Dir(check)
		if parent == check {
			return absPath
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			rest, _ := filepath.Rel(parent, absPath)
			return filepath.Join(resolved, rest)
		}
		check = parent
	}
}

// ValidateExportPath accepts paths under the temp directory, the working
// directory, or any of extraDirs.
func ValidateExportPath(filePath string, extraDirs ...string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}
	dirs := append([]string{os.TempDir(), cwd}, extraDirs...)
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := ValidatePathWithinDirectory(filePath, dir); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%s: %w (allowed: %v)", filePath, ErrPathEscape, dirs)
}
