package version

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	assert.Equal(t, "dev", GetVersion())
	assert.Equal(t, "unknown", GetCommit())
	assert.Equal(t, "unknown", GetDate())
}

func TestFieldsFollowLinkerOverrides(t *testing.T) {
	oldVersion, oldCommit := version, commit
	t.Cleanup(func() { version, commit = oldVersion, oldCommit })

	version, commit = "v1.2.0", "abc123"

	assert.Equal(t, log.Fields{
		"version":    "v1.2.0",
		"commit":     "abc123",
		"build_date": "unknown",
	}, Fields())
	assert.Equal(t, "v1.2.0", GetVersion())
}
