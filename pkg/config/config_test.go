package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, map[string]string{"memory": ":memory:"}, cfg.Databases)
	assert.Equal(t, "memory", cfg.Default)
	assert.True(t, cfg.Cache.Enabled)
	assert.False(t, cfg.Auth.Enabled)
}

func TestLoad_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bifrost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 8080
  workers: 32
databases:
  main: ./data/main.db
  scratch: ":memory:"
defaultDatabase: main
pool:
  size: 8
  acquireTimeout: 10s
cache:
  enabled: true
  maxEntries: 500
  maxBytes: 64MB
auth:
  enabled: true
  token: sekrit
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 32, cfg.Server.Workers)
	assert.Equal(t, "./data/main.db", cfg.Databases["main"])
	assert.Equal(t, ":memory:", cfg.Databases["scratch"])
	assert.Equal(t, "main", cfg.Default)
	assert.Equal(t, 8, cfg.Pool.Size)
	assert.Equal(t, 10*time.Second, cfg.Pool.AcquireTimeout)
	assert.Equal(t, int64(64*1024*1024), cfg.CacheMaxBytes())
	assert.True(t, cfg.Auth.Enabled)
	// Address not in the file keeps its default.
	assert.Equal(t, "0.0.0.0", cfg.Server.Address)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bifrost.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8080\n"), 0o644))

	t.Setenv("BIFROST_PORT", "9090")
	t.Setenv("BIFROST_DATABASES", "main=./main.db, extra = ./extra.db")
	t.Setenv("BIFROST_DEFAULT_DATABASE", "main")
	t.Setenv("BIFROST_CACHE_MAX_BYTES", "1GB")
	t.Setenv("BIFROST_POOL_ACQUIRE_TIMEOUT", "45")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, map[string]string{"main": "./main.db", "extra": "./extra.db"}, cfg.Databases)
	assert.Equal(t, int64(1<<30), cfg.CacheMaxBytes())
	assert.Equal(t, 45*time.Second, cfg.Pool.AcquireTimeout, "bare numbers parse as seconds")
}

func TestValidate(t *testing.T) {
	t.Run("bad port", func(t *testing.T) {
		cfg := Default()
		cfg.Server.Port = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("no databases", func(t *testing.T) {
		cfg := Default()
		cfg.Databases = nil
		assert.Error(t, cfg.Validate())
	})

	t.Run("unknown default database", func(t *testing.T) {
		cfg := Default()
		cfg.Default = "missing"
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad cache byte budget", func(t *testing.T) {
		cfg := Default()
		cfg.Cache.MaxBytes = "lots"
		assert.Error(t, cfg.Validate())
	})

	t.Run("auth without token", func(t *testing.T) {
		cfg := Default()
		cfg.Auth.Enabled = true
		assert.Error(t, cfg.Validate())
	})

	t.Run("disabled cache skips cache checks", func(t *testing.T) {
		cfg := Default()
		cfg.Cache.Enabled = false
		cfg.Cache.MaxBytes = "junk"
		assert.NoError(t, cfg.Validate())
	})
}

func TestParseMemorySize(t *testing.T) {
	cases := map[string]int64{
		"1024":  1024,
		"1KB":   1024,
		"64MB":  64 << 20,
		"1GB":   1 << 30,
		"2g":    2 << 30,
		"":      0,
		"bogus": 0,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseMemorySize(in), "input %q", in)
	}
}

func TestString_OmitsToken(t *testing.T) {
	cfg := Default()
	cfg.Auth.Enabled = true
	cfg.Auth.Token = "super-secret"
	assert.NotContains(t, cfg.String(), "super-secret")
}
