package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfigFile(t, `
api:
  hostname: 0.0.0.0
storage:
  folder: /var/lib/registry-cache
upstreams:
  - host: cache.local
    registry: registry-1.docker.io
    port: 443
    schema: https
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.API.Hostname)
	require.Len(t, cfg.Upstreams, 1)
	require.Equal(t, "registry-1.docker.io", cfg.Upstreams[0].Registry)
	require.False(t, cfg.TLSEnabled())
}

func TestLoadRejectsEmptyUpstreams(t *testing.T) {
	path := writeConfigFile(t, `
storage:
  folder: /var/lib/registry-cache
upstreams: []
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadSchema(t *testing.T) {
	path := writeConfigFile(t, `
storage:
  folder: /var/lib/registry-cache
upstreams:
  - host: cache.local
    registry: registry-1.docker.io
    port: 443
    schema: ftp
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMismatchedTLSFiles(t *testing.T) {
	path := writeConfigFile(t, `
api:
  tls_cert: /etc/cache/cert.pem
storage:
  folder: /var/lib/registry-cache
upstreams:
  - host: cache.local
    registry: registry-1.docker.io
    port: 443
    schema: https
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	path := writeConfigFile(t, `
storage:
  folder: /var/lib/registry-cache
upstreams:
  - host: cache.local
    registry: registry-1.docker.io
    port: 443
    schema: https
`)

	t.Setenv("REGISTRY_CACHE_STORAGE_FOLDER", "/mnt/cache")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/mnt/cache", cfg.Storage.Folder)
}
