package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crdtree.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
snapshot_every: 50
batch_size: 10
max_backoff: 2m
rename_window: 250ms
ignore:
  - "*.swp"
  - build/
mdns: false
`), 0o644))

	c, err := Load(path, false)
	require.NoError(t, err)
	assert.Equal(t, 50, c.SnapshotEvery)
	assert.Equal(t, 10, c.BatchSize)
	assert.Equal(t, 2*time.Minute, c.MaxBackoff)
	assert.Equal(t, 250*time.Millisecond, c.RenameWindow)
	assert.Equal(t, []string{"*.swp", "build/"}, c.Ignore)
	assert.False(t, c.MDNS)
	assert.Equal(t, Default().HandshakeTimeout, c.HandshakeTimeout, "unmentioned keys keep their defaults")
	assert.Equal(t, Default().Listen, c.Listen)
}

func TestLoadMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.yaml")
	c, err := Load(path, true)
	require.NoError(t, err)
	require.Equal(t, Default(), c)
	_, err = Load(path, false)
	require.Error(t, err)
}

func TestParseRejects(t *testing.T) {
	for _, doc := range []string{
		"batch_size: 0",
		"max_pending_rounds: -1",
		"initial_backoff: 1m\nmax_backoff: 1s",
		"max_frame_size: 10",
		"handshake_timeout: 0s",
		"batch_size: [",
	} {
		require.Error(t, Parse([]byte(doc), Default()), doc)
	}
}
