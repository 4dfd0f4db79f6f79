package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/onexay/project-vs/internal/registry"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.APIAddr)
	require.Equal(t, DefaultBodyLimit, cfg.BodyLimit)
	require.Equal(t, "data/projects", cfg.Storage.Root)
	require.Equal(t, RegistryBackendMemory, cfg.Registry.Backend)
	require.Equal(t, registry.DefaultShareTTL, cfg.Share.TTL)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "json", cfg.Log.Format)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
}

func TestLoadFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  addr: ":9090"
storage:
  root: /srv/projects
registry:
  backend: keydb
keydb:
  addr: keydb:6379
share:
  ttl: 1h
log:
  level: warn
`), 0o600))
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("STORAGE_AUTHOR", "ci-bot")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.APIAddr)
	require.Equal(t, "/srv/projects", cfg.Storage.Root)
	require.Equal(t, "ci-bot", cfg.Storage.Author)
	require.Equal(t, RegistryBackendKeyDB, cfg.Registry.Backend)
	require.Equal(t, "keydb:6379", cfg.Registry.KeyDB.Addr)
	require.Equal(t, time.Hour, cfg.Share.TTL)
	require.Equal(t, "debug", cfg.Log.Level, "environment wins over the file")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Run("backend", func(t *testing.T) {
		t.Setenv("REGISTRY_BACKEND", "postgres")
		_, err := Load("")
		require.ErrorContains(t, err, "unknown registry backend")
	})
	t.Run("ttl", func(t *testing.T) {
		t.Setenv("SHARE_TTL", "soon")
		_, err := Load("")
		require.ErrorContains(t, err, "share.ttl")
	})
	t.Run("body limit", func(t *testing.T) {
		t.Setenv("API_BODY_LIMIT", "lots")
		_, err := Load("")
		require.ErrorContains(t, err, "api.body_limit")
	})
	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("api: [unclosed"), 0o600))
		_, err := Load(path)
		require.Error(t, err)
	})
}
