package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/codefionn/pluginhost/internal/logger"
	"github.com/codefionn/pluginhost/internal/secrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:9998", cfg.ListenAddress())
	assert.Equal(t, 30*time.Second, cfg.PingInterval())
	assert.Equal(t, logger.LevelInfo, cfg.LogLevel())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesProvidedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"server": {"port": 8080},
		"log": {"level": "DEBUG", "categories": ["channel", "jsonrpc"]}
	}`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Address)
	assert.Equal(t, 4096, cfg.Server.WriteBuffer)
	assert.Equal(t, logger.LevelDebug, cfg.LogLevel())
	assert.Equal(t, logger.CategoryChannel|logger.CategoryJSONRPC, cfg.LogCategories())
	assert.Equal(t, DefaultTokenPasswordEnv, cfg.Security.TokenPasswordEnv)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server":`), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 70000 }},
		{"ping", func(c *Config) { c.Server.PingIntervalSeconds = 0 }},
		{"buffers", func(c *Config) { c.Server.WriteBuffer = 8 }},
		{"workers", func(c *Config) { c.Workers.Count = 0 }},
		{"tls files", func(c *Config) { c.TLS.Enabled = true }},
		{"client certs", func(c *Config) { c.TLS.RequireClientCert = true }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestTokenEncryptedOnSave(t *testing.T) {
	t.Setenv(DefaultTokenPasswordEnv, "hunter2")
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg := Default()
	cfg.Security.Token = "s3cret"
	require.NoError(t, cfg.Save(path))
	assert.Equal(t, "s3cret", cfg.Security.Token)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.True(t, secrets.IsEncrypted(loaded.Security.Token))

	token, err := loaded.ResolveToken()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", token)

	t.Setenv(DefaultTokenPasswordEnv, "wrong")
	_, err = loaded.ResolveToken()
	assert.ErrorIs(t, err, secrets.ErrInvalidPassword)

	t.Setenv(DefaultTokenPasswordEnv, "")
	_, err = loaded.ResolveToken()
	assert.Error(t, err)
}

func TestPlainTokenWithoutPassword(t *testing.T) {
	t.Setenv(DefaultTokenPasswordEnv, "")
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := Default()
	cfg.Security.Token = "plain"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	token, err := loaded.ResolveToken()
	require.NoError(t, err)
	assert.Equal(t, "plain", token)
}

func TestWatcherReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, Default().Save(path))

	changes := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { changes <- c })
	require.NoError(t, err)
	defer w.Close()

	// An invalid file is skipped.
	require.NoError(t, os.WriteFile(path, []byte(`{"server":{"port":-1}}`), 0600))
	time.Sleep(3 * reloadDelay)

	cfg := Default()
	cfg.Log.Level = "debug"
	require.NoError(t, cfg.Save(path))

	select {
	case got := <-changes:
		assert.Equal(t, "debug", got.Log.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the change")
	}
}

func TestLockPath(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "pluginhost.lock", filepath.Base(cfg.LockPath()))

	cfg.Server.LockFile = filepath.Join(t.TempDir(), "custom.lock")
	assert.Equal(t, cfg.Server.LockFile, cfg.LockPath())
	assert.Equal(t, "config.json", filepath.Base(DefaultPath()))
}
