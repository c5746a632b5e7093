package config_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/weavesync/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.NotEmpty(t, cfg.Service.URL)
	assert.Equal(t, "1.0", cfg.Service.Version)
	assert.Positive(t, cfg.Service.Timeout)
	assert.NotEmpty(t, cfg.Storage.DataDir)
	assert.Equal(t, 100, cfg.Sync.ChunkSize)
	assert.Equal(t, []string{"history", "bookmarks", "tabs"}, cfg.Sync.Collections)
	assert.True(t, cfg.Sync.StrictASCII)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr string
	}{
		{
			name:    "valid config",
			modify:  func(c *config.Config) {},
			wantErr: "",
		},
		{
			name: "missing service URL",
			modify: func(c *config.Config) {
				c.Service.URL = ""
			},
			wantErr: "service.url is required",
		},
		{
			name: "invalid log level",
			modify: func(c *config.Config) {
				c.Log.Level = "invalid"
			},
			wantErr: "invalid log level",
		},
		{
			name: "invalid log format",
			modify: func(c *config.Config) {
				c.Log.Format = "xml"
			},
			wantErr: "invalid log format",
		},
		{
			name: "negative timeout",
			modify: func(c *config.Config) {
				c.Service.Timeout = -1
			},
			wantErr: "service.timeout must be positive",
		},
		{
			name: "zero chunk size",
			modify: func(c *config.Config) {
				c.Sync.ChunkSize = 0
			},
			wantErr: "sync.chunk_size must be positive",
		},
		{
			name: "unknown collection",
			modify: func(c *config.Config) {
				c.Sync.Collections = []string{"history", "passwords"}
			},
			wantErr: `sync.collections[1] failed "oneof" validation`,
		},
		{
			name: "no collections",
			modify: func(c *config.Config) {
				c.Sync.Collections = nil
			},
			wantErr: `sync.collections failed "min" validation`,
		},
		{
			name: "malformed service URL",
			modify: func(c *config.Config) {
				c.Service.URL = "not a url"
			},
			wantErr: `service.url failed "url" validation`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoaderEnv(t *testing.T) {
	t.Setenv("WEAVESYNC_SERVICE_URL", "https://test.example.com")
	t.Setenv("WEAVESYNC_SERVICE_TIMEOUT", "45s")
	t.Setenv("WEAVESYNC_LOG_LEVEL", "DEBUG")
	t.Setenv("WEAVESYNC_SYNC_CHUNK_SIZE", "25")
	t.Setenv("WEAVESYNC_SYNC_COLLECTIONS", "history,tabs")
	t.Setenv("WEAVESYNC_ACCOUNT_PASSPHRASE", "secret")

	loader := config.NewLoader("").WithEnvFile("")
	cfg, err := loader.Load()

	require.NoError(t, err)
	assert.Equal(t, "https://test.example.com", cfg.Service.URL)
	assert.Equal(t, 45*time.Second, cfg.Service.Timeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 25, cfg.Sync.ChunkSize)
	assert.Equal(t, []string{"history", "tabs"}, cfg.Sync.Collections)
	assert.Equal(t, "secret", cfg.Account.Passphrase)
}

func TestLoaderDotEnv(t *testing.T) {
	tmpDir := t.TempDir()
	envPath := filepath.Join(tmpDir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("WEAVESYNC_ACCOUNT_USERNAME=dotenv-user\n"), 0600))
	t.Cleanup(func() { os.Unsetenv("WEAVESYNC_ACCOUNT_USERNAME") })

	cfg, err := config.NewLoader("").WithEnvFile(envPath).Load()

	require.NoError(t, err)
	assert.Equal(t, "dotenv-user", cfg.Account.Username)
}

func TestLoaderMissingDotEnv(t *testing.T) {
	_, err := config.NewLoader("").WithEnvFile(filepath.Join(t.TempDir(), "absent.env")).Load()
	assert.NoError(t, err)
}

func TestLoaderFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test.json")

	configJSON := `{
		"service": {
			"url": "https://file.example.com",
			"timeout": "10s"
		},
		"sync": {
			"chunk_size": 50,
			"strict_schema": true
		},
		"log": {
			"level": "warn",
			"format": "json"
		}
	}`

	require.NoError(t, os.WriteFile(configPath, []byte(configJSON), 0644))

	loader := config.NewLoader(configPath).WithEnvFile("")
	cfg, err := loader.Load()

	require.NoError(t, err)
	assert.Equal(t, "https://file.example.com", cfg.Service.URL)
	assert.Equal(t, 10*time.Second, cfg.Service.Timeout)
	assert.Equal(t, 50, cfg.Sync.ChunkSize)
	assert.True(t, cfg.Sync.StrictSchema)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "1.0", cfg.Service.Version)
	assert.Equal(t, configPath, loader.ConfigPath())
}

func TestLoaderEnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"log":{"level":"warn"}}`), 0644))
	t.Setenv("WEAVESYNC_LOG_LEVEL", "error")

	cfg, err := config.NewLoader(configPath).WithEnvFile("").Load()

	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestLoaderInvalidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "bad.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"sync":{"chunk_size":0}}`), 0644))

	_, err := config.NewLoader(configPath).WithEnvFile("").Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync.chunk_size must be positive")
}

func TestSaveExample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.json")
	require.NoError(t, config.SaveExample(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "service")
	assert.NotContains(t, string(data), "passphrase")

	cfg, err := config.NewLoader(path).WithEnvFile("").Load()
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", cfg.Account.Username)
}

func TestConfigEnsureDirectories(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = filepath.Join(tmpDir, "data")
	cfg.Storage.DatabaseFile = filepath.Join(tmpDir, "db", "ledger.db")
	cfg.Log.File = filepath.Join(tmpDir, "logs", "app.log")

	require.NoError(t, cfg.EnsureDirectories())

	assert.DirExists(t, cfg.Storage.DataDir)
	assert.DirExists(t, filepath.Join(tmpDir, "db"))
	assert.DirExists(t, filepath.Dir(cfg.Log.File))
	assert.Equal(t, cfg.Storage.DatabaseFile, cfg.Storage.DatabasePath())
}
