package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all application configuration.
type Config struct {
	// Storage service endpoints
	Service ServiceConfig `json:"service" mapstructure:"service"`

	// Account credentials
	Account AccountConfig `json:"account" mapstructure:"account"`

	// Local ledger location
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Sync behavior
	Sync SyncConfig `json:"sync" mapstructure:"sync"`

	// Logging
	Log LogConfig `json:"log" mapstructure:"log"`

	// Event bridge for a host UI
	Bridge BridgeConfig `json:"bridge" mapstructure:"bridge"`
}

// ServiceConfig for server communication.
type ServiceConfig struct {
	URL       string        `json:"url" mapstructure:"url" validate:"required,url"`
	Version   string        `json:"version" mapstructure:"version" validate:"required"`
	Cluster   string        `json:"cluster,omitempty" mapstructure:"cluster" validate:"omitempty,url"`
	Timeout   time.Duration `json:"timeout" mapstructure:"timeout" validate:"gt=0"`
	UserAgent string        `json:"user_agent" mapstructure:"user_agent"`
}

// AccountConfig for the storage account. The passphrase unlocks the
// private key and is never written by SaveExample.
type AccountConfig struct {
	Username   string `json:"username,omitempty" mapstructure:"username"`
	Password   string `json:"password,omitempty" mapstructure:"password"`
	Passphrase string `json:"-" mapstructure:"passphrase"`
}

// StorageConfig for local file paths.
type StorageConfig struct {
	DataDir      string `json:"data_dir" mapstructure:"data_dir" validate:"required"`
	DatabaseFile string `json:"database_file" mapstructure:"database_file" validate:"required"`
}

// DatabasePath returns the ledger file path.
func (s StorageConfig) DatabasePath() string {
	if filepath.IsAbs(s.DatabaseFile) {
		return s.DatabaseFile
	}
	return filepath.Join(s.DataDir, s.DatabaseFile)
}

// SyncConfig for synchronization behavior.
type SyncConfig struct {
	Collections   []string      `json:"collections" mapstructure:"collections" validate:"min=1,dive,oneof=history bookmarks tabs"`
	ChunkSize     int           `json:"chunk_size" mapstructure:"chunk_size" validate:"gt=0"`      // Ids per task
	MaxHistory    time.Duration `json:"max_history" mapstructure:"max_history" validate:"gte=0"`   // 0 = everything
	RetryAttempts int           `json:"retry_attempts" mapstructure:"retry_attempts" validate:"gte=0"`
	RetryDelay    time.Duration `json:"retry_delay" mapstructure:"retry_delay" validate:"gte=0"`
	StrictASCII   bool          `json:"strict_ascii" mapstructure:"strict_ascii"`   // printable-only cleartext filter
	StrictSchema  bool          `json:"strict_schema" mapstructure:"strict_schema"` // fail on table version mismatch
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // text, json
	File   string `json:"file" mapstructure:"file"`     // Log file path (empty = stderr)
	Color  bool   `json:"color" mapstructure:"color"`   // Enable colored output
}

// BridgeConfig for the websocket event bridge.
type BridgeConfig struct {
	Listen       string        `json:"listen" mapstructure:"listen" validate:"required"`
	PingInterval time.Duration `json:"ping_interval" mapstructure:"ping_interval" validate:"gt=0"`
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			URL:       "https://services.mozilla.com",
			Version:   "1.0",
			Timeout:   30 * time.Second,
			UserAgent: "weavesync/0.1",
		},
		Storage: StorageConfig{
			DataDir:      ".weavesync",
			DatabaseFile: "ledger.db",
		},
		Sync: SyncConfig{
			Collections:   []string{"history", "bookmarks", "tabs"},
			ChunkSize:     100,
			MaxHistory:    0,
			RetryAttempts: 3,
			RetryDelay:    time.Second,
			StrictASCII:   true,
			StrictSchema:  false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Color:  true,
		},
		Bridge: BridgeConfig{
			Listen:       "127.0.0.1:7780",
			PingInterval: 30 * time.Second,
		},
	}
}

var validate = validator.New()

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Service.URL == "" {
		return errors.New("service.url is required")
	}

	if c.Service.Timeout <= 0 {
		return errors.New("service.timeout must be positive")
	}

	if c.Sync.ChunkSize <= 0 {
		return errors.New("sync.chunk_size must be positive")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%s failed %q validation", fieldPath(verrs[0].Namespace()), verrs[0].Tag())
		}
		return err
	}

	return nil
}

// fieldPath turns "Config.Sync.ChunkSize" into "sync.chunksize".
func fieldPath(ns string) string {
	if idx := strings.Index(ns, "."); idx >= 0 {
		ns = ns[idx+1:]
	}
	return strings.ToLower(ns)
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		filepath.Dir(c.Storage.DatabasePath()),
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
