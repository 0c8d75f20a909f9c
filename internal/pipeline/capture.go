package pipeline

import (
	"strings"

	"github.com/banshee-data/aplocate/internal/fsutil"
)

// FlagFile enables capture while a flag file exists and does not read as
// off. The file is checked on every call so an operator can toggle capture
// without restarting the service.
type FlagFile struct {
	Path string
	FS   fsutil.FileSystem
}

// NewFlagFile returns a FlagFile on the OS filesystem.
func NewFlagFile(path string) *FlagFile {
	return &FlagFile{Path: path, FS: fsutil.OSFileSystem{}}
}

// Enabled reports whether capture is on. A missing or unreadable file means
// off; an empty file means on.
func (f *FlagFile) Enabled() bool {
	data, err := f.FS.ReadFile(f.Path)
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(string(data))) {
	case "0", "off", "false", "no", "stop":
		return false
	}
	return true
}
