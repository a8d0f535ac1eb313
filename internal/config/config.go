package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Catalog CatalogConfig
	Monitor MonitorConfig
	Log     LogConfig
	API     APIConfig
}

type ServerConfig struct {
	Port int
}

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
)

type StorageConfig struct {
	DataDir string
	Backend string
}

type CatalogConfig struct {
	// File is an optional YAML catalog of additional settings.
	File string
}

type MonitorConfig struct {
	Enabled  bool
	Interval string
}

// PollInterval parses Interval, falling back to 30s when it is empty or invalid.
func (m MonitorConfig) PollInterval() time.Duration {
	d, err := time.ParseDuration(m.Interval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

type LogConfig struct {
	Level string
}

type APIConfig struct {
	Token string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
			Backend: BackendSQLite,
		},
		Monitor: MonitorConfig{
			Enabled:  true,
			Interval: "30s",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.bigmem.app) and the API
// token lives in the Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/bigmem/config.json
// and the API token lives in $XDG_DATA_HOME/bigmem/secrets.json.
//
// Environment variables (BIGMEM_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.API.Token == "" {
		if tok, err := kc.Get(secretService, apiTokenAccount); err == nil && tok != "" {
			cfg.API.Token = tok
		}
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	switch cfg.Storage.Backend {
	case BackendSQLite, BackendFile:
	default:
		return fmt.Errorf("invalid storage.backend %q: want %q or %q", cfg.Storage.Backend, BackendSQLite, BackendFile)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", cfg.Server.Port)
	}
	if cfg.Storage.DataDir == "" {
		return fmt.Errorf("missing required config: storage.data_dir")
	}
	return nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
