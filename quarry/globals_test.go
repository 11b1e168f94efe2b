package quarry

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIndexDir(t *testing.T) {
	dir, err := DefaultIndexDir("/home/alice/project")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(dir, DefaultCacheRoot))
	assert.Equal(t, filepath.Join(DefaultCacheRoot, "home", "alice", "project"), dir)
}

func TestDefaultIndexDirIsStable(t *testing.T) {
	a, err := DefaultIndexDir("/srv/data")
	require.NoError(t, err)
	b, err := DefaultIndexDir("/srv/data")
	require.NoError(t, err)
	c, err := DefaultIndexDir("/srv/other")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestDefaultNamedIndexDir(t *testing.T) {
	base, err := DefaultIndexDir("/srv/data")
	require.NoError(t, err)
	named, err := DefaultNamedIndexDir("/srv/data", "notes")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(base, "__index_notes"), named)
}

func TestGetLogger(t *testing.T) {
	logger := GetLogger()
	assert.NotPanics(t, func() {
		logger.Debug().Str("component", "test").Msg("logger smoke test")
	})
}
