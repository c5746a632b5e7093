package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
	envFile    string
}

// NewLoader creates a config loader.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envPrefix:  "WEAVESYNC",
		envFile:    ".env",
	}
}

// WithEnvFile sets the dotenv file read before the environment. An empty
// path disables it.
func (l *Loader) WithEnvFile(path string) *Loader {
	l.envFile = path
	return l
}

// ConfigPath returns the file the last Load read, if any.
func (l *Loader) ConfigPath() string {
	return l.configPath
}

// Load reads configuration from defaults, file, .env and environment.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	setDefaults(v, cfg)

	if err := l.loadDotEnv(); err != nil {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	v.SetEnvPrefix(l.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.configPath != "" {
		v.SetConfigFile(l.configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	} else {
		for _, path := range l.defaultPaths() {
			if _, err := os.Stat(path); err == nil {
				l.configPath = path
				v.SetConfigFile(path)
				if err := v.ReadInConfig(); err != nil {
					return nil, fmt.Errorf("load config file %s: %w", path, err)
				}
				break
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (l *Loader) loadDotEnv() error {
	if l.envFile == "" {
		return nil
	}
	err := godotenv.Load(l.envFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// defaultPaths returns default config file locations.
func (l *Loader) defaultPaths() []string {
	paths := []string{
		"weavesync.json",
		"weavesync.yaml",
		".weavesync.json",
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, ".config", "weavesync", "config.json"),
			filepath.Join(homeDir, ".config", "weavesync", "config.yaml"),
		)
	}

	return paths
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.url", cfg.Service.URL)
	v.SetDefault("service.version", cfg.Service.Version)
	v.SetDefault("service.cluster", cfg.Service.Cluster)
	v.SetDefault("service.timeout", cfg.Service.Timeout)
	v.SetDefault("service.user_agent", cfg.Service.UserAgent)

	v.SetDefault("account.username", cfg.Account.Username)
	v.SetDefault("account.password", cfg.Account.Password)
	v.SetDefault("account.passphrase", cfg.Account.Passphrase)

	v.SetDefault("storage.data_dir", cfg.Storage.DataDir)
	v.SetDefault("storage.database_file", cfg.Storage.DatabaseFile)

	v.SetDefault("sync.collections", cfg.Sync.Collections)
	v.SetDefault("sync.chunk_size", cfg.Sync.ChunkSize)
	v.SetDefault("sync.max_history", cfg.Sync.MaxHistory)
	v.SetDefault("sync.retry_attempts", cfg.Sync.RetryAttempts)
	v.SetDefault("sync.retry_delay", cfg.Sync.RetryDelay)
	v.SetDefault("sync.strict_ascii", cfg.Sync.StrictASCII)
	v.SetDefault("sync.strict_schema", cfg.Sync.StrictSchema)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.color", cfg.Log.Color)

	v.SetDefault("bridge.listen", cfg.Bridge.Listen)
	v.SetDefault("bridge.ping_interval", cfg.Bridge.PingInterval)
}

// SaveExample writes an example config file.
func SaveExample(path string) error {
	cfg := DefaultConfig()
	cfg.Account.Username = "user@example.com"

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	return nil
}
