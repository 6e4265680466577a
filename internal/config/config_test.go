package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/blobsync/internal/bulk"
	"github.com/aweris/blobsync/internal/cache"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(dir, "cache"))
	return dir
}

func TestDefaults(t *testing.T) {
	dir := isolate(t)

	c, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "cache", "blobsync"), c.CacheDir)
	assert.Equal(t, 24*time.Hour, c.LockRetention)
	assert.Equal(t, time.Hour, c.SweepInterval)
	assert.False(t, c.Bulk.Enabled)
	assert.Equal(t, bulk.DefaultBinary, c.Bulk.Binary)
	assert.Equal(t, int64(bulk.DefaultThreshold), c.Bulk.Threshold)
	assert.Equal(t, "info", c.Log.Level)

	policy, err := c.LinkStrategies()
	require.NoError(t, err)
	assert.Equal(t, cache.DefaultLinkPolicy, policy)
}

func TestEnvironmentOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("BLOBSYNC_CACHE_DIR", "/srv/blobsync")
	t.Setenv("BLOBSYNC_BULK_ENABLED", "true")
	t.Setenv("BLOBSYNC_BULK_THRESHOLD", "1024")
	t.Setenv("BLOBSYNC_LOCK_RETENTION", "90m")
	t.Setenv("BLOBSYNC_LINK_POLICY", "hardlink,copy")

	c, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "/srv/blobsync", c.CacheDir)
	assert.True(t, c.Bulk.Enabled)
	assert.Equal(t, int64(1024), c.Bulk.Threshold)
	assert.Equal(t, 90*time.Minute, c.LockRetention)

	policy, err := c.LinkStrategies()
	require.NoError(t, err)
	assert.Equal(t, []cache.Strategy{cache.Hardlink, cache.Copy}, policy)
}

func TestConfigFile(t *testing.T) {
	dir := isolate(t)
	file := filepath.Join(dir, "blobsync.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
cache_dir: /data/cache
concurrency: 16
sweep_interval: 10m
bulk:
  enabled: true
  binary: fastcp
log:
  level: debug
`), 0o644))

	c, err := Load(New(), file)
	require.NoError(t, err)
	assert.Equal(t, "/data/cache", c.CacheDir)
	assert.Equal(t, 16, c.Concurrency)
	assert.Equal(t, 10*time.Minute, c.SweepInterval)
	assert.True(t, c.Bulk.Enabled)
	assert.Equal(t, "fastcp", c.Bulk.Binary)
	assert.Equal(t, "debug", c.Log.Level)
}

func TestMissingExplicitFile(t *testing.T) {
	dir := isolate(t)
	_, err := Load(New(), filepath.Join(dir, "nope.yaml"))
	assert.Error(t, err)
}

func TestRejectsUnknownLinkStrategy(t *testing.T) {
	isolate(t)
	t.Setenv("BLOBSYNC_LINK_POLICY", "teleport")
	_, err := Load(New(), "")
	assert.Error(t, err)
}
