package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/envhub/internal/container"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("ENVHUB_CONFIG", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8765", cfg.Listen)
	assert.Equal(t, "quay.io/jupyterhub/repo2docker:main", cfg.Builder.Image)
	assert.Equal(t, "gcr.io/nii-ap-ops/rdmfs:2024.12.0", cfg.RDMFS.Image)
	assert.Equal(t, "sqlite", cfg.TokenStore.Backend)
	assert.Equal(t, 8888, cfg.Session.Port)
	assert.Zero(t, cfg.MemoryBytes())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
listen: 0.0.0.0:9000
limits:
  memory: 2G
  cpu: 1.5
session:
  port: 8888
  mounts:
    - /srv/shared:/home/jovyan/shared:ro
rdmfs:
  base_path: /data/rdmfs
token_store:
  backend: secretsmanager
  region: ap-northeast-1
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, int64(2<<30), cfg.MemoryBytes())
	assert.Equal(t, 1.5, cfg.Limits.CPU)
	assert.Equal(t, "/data/rdmfs", cfg.RDMFS.BasePath)
	assert.Equal(t, "secretsmanager", cfg.TokenStore.Backend)
	assert.Equal(t, "ap-northeast-1", cfg.TokenStore.Region)
	// Unset sections keep defaults.
	assert.Equal(t, "jupyter-", cfg.Session.NamePrefix)

	mounts, err := cfg.SessionMounts()
	require.NoError(t, err)
	assert.Equal(t, []container.MountConfig{{Source: "/srv/shared", Target: "/home/jovyan/shared", ReadOnly: true}}, mounts)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "listen: 127.0.0.1:1\n")
	t.Setenv("ENVHUB_LISTEN", "127.0.0.1:2")
	t.Setenv("ENVHUB_CPU_LIMIT", "0.5")
	t.Setenv("ENVHUB_RDMFS_BASE_PATH", "/tmp/rdmfs")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:2", cfg.Listen)
	assert.Equal(t, 0.5, cfg.Limits.CPU)
	assert.Equal(t, "/tmp/rdmfs", cfg.RDMFS.BasePath)
}

func TestLoad_ConfigEnvPath(t *testing.T) {
	path := writeConfig(t, "listen: 127.0.0.1:7\n")
	t.Setenv("ENVHUB_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7", cfg.Listen)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit path must exist")

	_, err = Load(writeConfig(t, "listen: [unclosed\n"))
	assert.ErrorContains(t, err, "parsing")

	_, err = Load(writeConfig(t, "token_store:\n  backend: etcd\n"))
	assert.ErrorContains(t, err, "token_store.backend")

	_, err = Load(writeConfig(t, "limits:\n  memory: lots\n  cpu: -1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limits.memory")
	assert.Contains(t, err.Error(), "limits.cpu")

	t.Setenv("ENVHUB_CPU_LIMIT", "many")
	_, err = Load(writeConfig(t, ""))
	assert.ErrorContains(t, err, "ENVHUB_CPU_LIMIT")
}

func TestParseMount(t *testing.T) {
	m, err := ParseMount("/a:/b")
	require.NoError(t, err)
	assert.Equal(t, container.MountConfig{Source: "/a", Target: "/b"}, m)

	m, err = ParseMount("/a:/b:ro")
	require.NoError(t, err)
	assert.True(t, m.ReadOnly)

	for _, bad := range []string{"/a", ":/b", "/a:/b:rx", "/a:/b:ro:x"} {
		_, err := ParseMount(bad)
		assert.Error(t, err, bad)
	}
}
