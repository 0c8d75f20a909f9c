package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	safeDir := filepath.Join(tmpDir, "exports")
	outside := filepath.Join(tmpDir, "outside")
	for _, d := range []string{safeDir, outside} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
	if err := os.Symlink(outside, filepath.Join(safeDir, "link")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	tests := []struct {
		name      string
		filePath  string
		wantError bool
	}{
		{name: "file in dir", filePath: filepath.Join(safeDir, "aps.geojson")},
		{name: "nested new dir", filePath: filepath.Join(safeDir, "2026", "03", "aps.geojson")},
		{name: "dot dot escape", filePath: filepath.Join(safeDir, "..", "aps.geojson"), wantError: true},
		{name: "absolute elsewhere", filePath: "/etc/passwd", wantError: true},
		{name: "through symlink", filePath: filepath.Join(safeDir, "link", "aps.geojson"), wantError: true},
		{name: "dot dot that stays inside", filePath: filepath.Join(safeDir, "a", "..", "aps.geojson")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.filePath, safeDir)
			if (err != nil) != tt.wantError {
				t.Fatalf("ValidatePathWithinDirectory(%q) error = %v, wantError %v", tt.filePath, err, tt.wantError)
			}
			if tt.wantError && !errors.Is(err, ErrPathEscape) {
				t.Errorf("error %v should wrap ErrPathEscape", err)
			}
		})
	}

	if err := ValidatePathWithinDirectory("x", filepath.Join(tmpDir, "missing")); err == nil {
		t.Error("a missing directory should be rejected")
	}
}

func TestValidateExportPath(t *testing.T) {
	extra := t.TempDir()

	if err := ValidateExportPath(filepath.Join(os.TempDir(), "aps.geojson")); err != nil {
		t.Errorf("temp dir path rejected: %v", err)
	}
	if err := ValidateExportPath("aps.geojson"); err != nil {
		t.Errorf("relative path in working dir rejected: %v", err)
	}
	if err := ValidateExportPath(filepath.Join(extra, "aps.geojson"), extra); err != nil {
		t.Errorf("extra dir path rejected: %v", err)
	}
	if err := ValidateExportPath("/etc/passwd"); !errors.Is(err, ErrPathEscape) {
		t.Errorf("ValidateExportPath(/etc/passwd) = %v, want ErrPathEscape", err)
	}
}
