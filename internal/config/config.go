// Package config handles configuration loading, validation, and
// defaults for taglockd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config holds the complete daemon configuration.
type Config struct {
	// Storage configuration for persistence.
	Storage StorageConfig `toml:"storage"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging"`

	// Monitor configuration for the foreground event monitor.
	Monitor MonitorConfig `toml:"monitor"`

	// Observe configuration for the OS observation adapter.
	Observe ObserveConfig `toml:"observe"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the path to the SQLite database file.
	Path string `toml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format"`

	// Output is "stdout", "stderr", or a log file path.
	Output string `toml:"output"`
}

// MonitorConfig holds event monitor configuration.
type MonitorConfig struct {
	// CooldownMs is the redirect debounce window in milliseconds.
	// Repeated foreground announcements for the same blocked candidate
	// inside this window produce a single redirect.
	CooldownMs int `toml:"cooldown_ms"`

	// SkipPackages are extra identities that are never evaluated, on
	// top of the built-in shell/launcher/dialer set.
	SkipPackages []string `toml:"skip_packages"`

	// OwnIdentity is the engine's own package identity, skipped before
	// any evaluation.
	OwnIdentity string `toml:"own_identity"`
}

// ObserveConfig holds observation adapter configuration.
type ObserveConfig struct {
	// PollIntervalMs is the fallback polling cadence for adapters
	// without a push signal.
	PollIntervalMs int `toml:"poll_interval_ms"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Storage: StorageConfig{
			Path: filepath.Join(dir, "taglockd.db"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Monitor: MonitorConfig{
			CooldownMs:   500,
			SkipPackages: nil,
			OwnIdentity:  "org.taglockd",
		},
		Observe: ObserveConfig{
			PollIntervalMs: 200,
		},
	}
}

// Path returns the default configuration file path.
func Path() string {
	return filepath.Join(DataDir(), "config.toml")
}

// Load reads configuration from the given path. A missing file yields
// defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = Path()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("decode TOML: %w", err)
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// ApplyEnvOverrides applies TAGLOCKD_* environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("TAGLOCKD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("TAGLOCKD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TAGLOCKD_LOG_OUTPUT"); v != "" {
		c.Logging.Output = v
	}
	if v := os.Getenv("TAGLOCKD_COOLDOWN_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Monitor.CooldownMs = ms
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path must not be empty")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "text", "json", "":
	default:
		return fmt.Errorf("logging.format: must be \"text\" or \"json\"")
	}

	if c.Monitor.CooldownMs < 100 || c.Monitor.CooldownMs > 2000 {
		return fmt.Errorf("monitor.cooldown_ms: %d out of range [100, 2000]", c.Monitor.CooldownMs)
	}

	if c.Observe.PollIntervalMs <= 0 {
		return fmt.Errorf("observe.poll_interval_ms: must be positive")
	}

	return nil
}

// Write saves the configuration to the given path as TOML.
func (c *Config) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encode TOML: %w", err)
	}
	return nil
}

// DataDir returns the base taglockd data directory. TAGLOCKD_DATA_DIR
// overrides the platform default.
func DataDir() string {
	if envDir := os.Getenv("TAGLOCKD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return platformDataDir()
}

func platformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "taglockd")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, "taglockd")
	default:
		if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
			return filepath.Join(dataHome, "taglockd")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "taglockd")
	}
}
