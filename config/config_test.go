package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ericselin/offline-cache/replay"
	"github.com/ericselin/offline-cache/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	filename := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(filename, []byte(content), 0o644))
	return filename
}

func TestDefaultsNeedOnlyOrigin(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.Validate())
	cfg.Origin = "http://localhost:8000"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, strategy.DefaultBindings(), cfg.Routes)
	assert.Equal(t, replay.DefaultQueues(), cfg.Queues)
}

func TestYAML(t *testing.T) {
	filename := writeFile(t, "offline-cache.yaml", `
origin: https://library.example
version: v7
store:
  driver: leveldb
  path: /var/lib/offline-cache
network:
  timeout: 5s
  coalesce: true
routes:
  - prefix: /api/library/sections
    strategy: network-first
notifications:
  icon: /icon.png
`)
	cfg := Default()
	require.NoError(t, cfg.readFile(filename))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://library.example", cfg.Origin)
	assert.Equal(t, "v7", cfg.Version)
	assert.Equal(t, Store{Driver: "leveldb", Path: "/var/lib/offline-cache"}, cfg.Store)
	assert.Equal(t, Duration(5*time.Second), cfg.Network.Timeout)
	assert.True(t, cfg.Network.Coalesce)
	assert.Equal(t, []strategy.Binding{{Prefix: "/api/library/sections", Strategy: strategy.NetworkFirst}}, cfg.Routes)
	assert.Equal(t, "/icon.png", cfg.Notifications.Icon)
	// untouched values keep their defaults
	assert.Equal(t, "/api/", cfg.APIPrefix)
	assert.Equal(t, []int{100, 50, 100}, cfg.Notifications.Vibrate)
}

func TestTOML(t *testing.T) {
	filename := writeFile(t, "offline-cache.toml", `
origin = "http://127.0.0.1:8000"
api_prefix = "/v2/api/"

[connectivity]
interval = "1m"

[[queues]]
name = "favorites"
endpoint = "/v2/api/sync/favorites"
`)
	cfg := Default()
	require.NoError(t, cfg.readFile(filename))
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/v2/api/", cfg.APIPrefix)
	assert.Equal(t, Duration(time.Minute), cfg.Connectivity.Interval)
	assert.Equal(t, []replay.Queue{{Name: "favorites", Endpoint: "/v2/api/sync/favorites"}}, cfg.Queues)
}

func TestUnknownExtension(t *testing.T) {
	filename := writeFile(t, "offline-cache.json", `{}`)
	cfg := Default()
	assert.Error(t, cfg.readFile(filename))
}

func TestInvalidStrategy(t *testing.T) {
	filename := writeFile(t, "offline-cache.yaml", `
routes:
  - prefix: /api
    strategy: cache-sometimes
`)
	cfg := Default()
	assert.Error(t, cfg.readFile(filename))
}

func TestEnvironment(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.applyEnv([]string{
		"OFFLINE_CACHE_ORIGIN=http://origin.test",
		"OFFLINE_CACHE_VERSION=v2",
		"OFFLINE_CACHE_AUTO_INSTALL=false",
		"OFFLINE_CACHE_PRECACHE_MANIFEST=/,/static/app.js",
		"OFFLINE_CACHE_NETWORK_TIMEOUT=3s",
		"UNRELATED=1",
	}))
	assert.Equal(t, "http://origin.test", cfg.Origin)
	assert.Equal(t, "v2", cfg.Version)
	assert.False(t, cfg.AutoInstall)
	assert.True(t, cfg.SkipWaiting)
	assert.Equal(t, []string{"/", "/static/app.js"}, cfg.Precache.Manifest)
	assert.Equal(t, Duration(3*time.Second), cfg.Network.Timeout)
	assert.Equal(t, ":8080", cfg.Listen)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Origin = "ftp://origin.test"
	cfg.Store.Driver = "postgres"
	cfg.APIPrefix = "api"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http or https")
	assert.Contains(t, err.Error(), "postgres")
	assert.Contains(t, err.Error(), "api prefix")
}
