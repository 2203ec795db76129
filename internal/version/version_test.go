package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func restore(t *testing.T) {
	v, r, d := Version, Revision, BuildDate
	t.Cleanup(func() { Version, Revision, BuildDate = v, r, d })
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "onefilesync", AppName)
	assert.Contains(t, Short(), Version)
	assert.Contains(t, Detailed(), Revision)
	assert.Contains(t, Detailed(), "/")
	assert.True(t, strings.HasPrefix(DetailedWithApp(), "onefilesync "))
}

func TestFill_FromBuildInfo(t *testing.T) {
	restore(t)
	Version, Revision, BuildDate = devVersion, "HEAD", ""

	fill("v1.4.0", map[string]string{
		"vcs.revision": "abcdef1234567890",
		"vcs.modified": "true",
		"vcs.time":     "2025-06-01T12:00:00Z",
	})

	assert.Equal(t, "1.4.0", Version)
	assert.Equal(t, "abcdef123456-dirty", Revision)
	assert.Equal(t, "2025-06-01T12:00:00Z", BuildDate)
}

func TestFill_DevelKeepsPlaceholder(t *testing.T) {
	restore(t)
	Version, Revision, BuildDate = devVersion, "HEAD", ""

	fill("(devel)", map[string]string{})

	assert.Equal(t, devVersion, Version)
	assert.Equal(t, "HEAD", Revision)
	assert.Contains(t, Detailed(), "unknown")
}

func TestFill_LdflagsWin(t *testing.T) {
	restore(t)
	Version, Revision, BuildDate = "2.0.0", "deadbeef", "from-ldflags"

	fill("v9.9.9", map[string]string{"vcs.revision": "abcdef", "vcs.time": "2025-06-01T12:00:00Z"})

	assert.Equal(t, "2.0.0", Version)
	assert.Equal(t, "deadbeef", Revision)
	assert.Equal(t, "from-ldflags", BuildDate)
}
