package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCurrent(t *testing.T) {
	oldV, oldSHA, oldBuilt := Version, GitSHA, BuildTime
	t.Cleanup(func() { Version, GitSHA, BuildTime = oldV, oldSHA, oldBuilt })

	Version, GitSHA, BuildTime = "v0.3.1", "0123456789abcdef", "2026-10-01T08:00:00Z"
	info := Current()
	assert.Equal(t, Info{Version: "v0.3.1", GitSHA: "0123456789abcdef", BuildTime: "2026-10-01T08:00:00Z"}, info)
	assert.Equal(t, "aplocate v0.3.1 (0123456, built 2026-10-01T08:00:00Z)", info.String())
}

func TestInfoString_ShortSHA(t *testing.T) {
	assert.Equal(t, "aplocate dev (unknown, built unknown)", Info{Version: "dev", GitSHA: "unknown", BuildTime: "unknown"}.String())
}
