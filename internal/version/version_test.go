package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetInfoShortensCommit(t *testing.T) {
	fillOnce.Do(func() {})
	Version, CommitHash = "v1.0.0", "0123456789abcdef"
	t.Cleanup(func() { Version, CommitHash = "dev", "" })

	assert.Equal(t, "v1.0.0 (0123456)", GetInfo())

	CommitHash = ""
	assert.Equal(t, "v1.0.0", GetInfo())
}
