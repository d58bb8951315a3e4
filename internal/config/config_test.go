package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9090
debug: true
proxy-urls: "socks5://127.0.0.1:1080,socks5://127.0.0.1:1081"
max-retry: 5
mirror:
  project: "acme/backups"
  token: "ghp_test"
  encrypt-key: "hunter2"
vertex:
  api-key: "vk-123"
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Port)
	require.True(t, cfg.Debug)
	require.Equal(t, 5, cfg.MaxRetry)
	require.Equal(t, "socks5://127.0.0.1:1080,socks5://127.0.0.1:1081", cfg.ProxyURLs)
	require.True(t, cfg.Mirror.Enabled())
	require.Equal(t, "acme/backups", cfg.Mirror.Project)
	require.True(t, cfg.Vertex.Enabled())
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, "data/panel.db", cfg.DBPath)
	require.Equal(t, 3, cfg.MaxRetry)
	require.Equal(t, 5, cfg.Mirror.SyncMinutes)
	require.False(t, cfg.Mirror.Enabled())
	require.False(t, cfg.Vertex.Enabled())
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("admin-token: from-file\nkeep-alive: false\n"), 0o600))

	t.Setenv("ADMIN_PASSWORD", "from-env")
	t.Setenv("KEEPALIVE", "true")
	t.Setenv("MAX_RETRY", "7")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.AdminToken)
	require.True(t, cfg.KeepAlive)
	require.Equal(t, 7, cfg.MaxRetry)
}

func TestBoolEnvAcceptsCommonSpellings(t *testing.T) {
	t.Setenv("WEB_SEARCH", "on")
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.True(t, cfg.WebSearch)

	t.Setenv("WEB_SEARCH", "off")
	cfg, err = LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.False(t, cfg.WebSearch)
}
