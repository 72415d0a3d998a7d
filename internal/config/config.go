// Package config provides configuration management for Only.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/rescale/only/internal/logging"
)

// Config represents the only.conf configuration.
//
// Config file location:
//   - Windows: %APPDATA%\Only\only.conf
//   - Unix: ~/.config/only/only.conf
//
// INI format:
//
//	[instance]
//	app_name = editor
//	runtime_dir =
//	connect_attempts = 5
//	connect_timeout_ms = 2000
//	read_timeout_ms = 30000
//
//	[logging]
//	level = info
//	file =
//	max_size_mb = 10
//	max_backups = 5
//	max_age_days = 30
//
//	[notifications]
//	enabled = false
type Config struct {
	Instance      InstanceConfig
	Logging       LoggingConfig
	Notifications NotificationConfig
}

// InstanceConfig contains single-instance coordination settings.
type InstanceConfig struct {
	// AppName is the application half of the identifier.
	// Default: executable base name.
	AppName string `ini:"app_name"`

	// RuntimeDir holds the lock, PID and socket files.
	// Empty means the platform default (see appid.DefaultRuntimeDir).
	RuntimeDir string `ini:"runtime_dir"`

	// ConnectAttempts is how many times a follower tries to reach the leader.
	// Minimum: 1, Maximum: 50, Default: 5
	ConnectAttempts int `ini:"connect_attempts"`

	// ConnectTimeoutMs bounds a single follower hand-off.
	// Minimum: 100, Maximum: 60000, Default: 2000
	ConnectTimeoutMs int `ini:"connect_timeout_ms"`

	// ReadTimeoutMs bounds how long the leader waits for one follower message.
	// Minimum: 1000, Maximum: 600000, Default: 30000
	ReadTimeoutMs int `ini:"read_timeout_ms"`
}

// LoggingConfig contains log level and rotating file settings.
type LoggingConfig struct {
	Level      string `ini:"level"`
	File       string `ini:"file"`
	MaxSizeMB  int    `ini:"max_size_mb"`
	MaxBackups int    `ini:"max_backups"`
	MaxAgeDays int    `ini:"max_age_days"`
}

// NotificationConfig controls the desktop notification raised on activation.
type NotificationConfig struct {
	Enabled bool `ini:"enabled"`
}

// Validation errors
var (
	ErrInvalidConnectAttempts = errors.New("connect_attempts must be between 1 and 50")
	ErrInvalidConnectTimeout  = errors.New("connect_timeout_ms must be between 100 and 60000")
	ErrInvalidReadTimeout     = errors.New("read_timeout_ms must be between 1000 and 600000")
	ErrInvalidLogLevel        = errors.New("level must be one of trace, debug, info, warn, error, off")
)

// Environment overrides, applied after the file is read.
const (
	EnvAppName    = "ONLY_APP_NAME"
	EnvRuntimeDir = "ONLY_RUNTIME_DIR"
	EnvLogLevel   = "ONLY_LOG_LEVEL"
)

// DefaultConfigPath returns the default path for the only.conf file.
//   - Windows: %APPDATA%\Only\only.conf
//   - Unix: ~/.config/only/only.conf
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDirectory()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "only.conf"), nil
}

// New creates a Config with default values.
func New() *Config {
	return &Config{
		Instance: InstanceConfig{
			ConnectAttempts:  5,
			ConnectTimeoutMs: 2000,
			ReadTimeoutMs:    30000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// Load loads configuration from an only.conf file.
// If path is empty, uses the default path.
// If the file doesn't exist, returns defaults (with env overrides) and no error.
// If the file exists but is invalid, returns an error.
func Load(path string) (*Config, error) {
	cfg := New()

	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			cfg.applyEnv()
			return cfg, nil
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg.applyEnv()
		return cfg, nil
	}

	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load only.conf: %w", err)
	}

	instSection := iniFile.Section("instance")
	cfg.Instance.AppName = instSection.Key("app_name").String()
	cfg.Instance.RuntimeDir = instSection.Key("runtime_dir").String()
	cfg.Instance.ConnectAttempts = instSection.Key("connect_attempts").MustInt(5)
	cfg.Instance.ConnectTimeoutMs = instSection.Key("connect_timeout_ms").MustInt(2000)
	cfg.Instance.ReadTimeoutMs = instSection.Key("read_timeout_ms").MustInt(30000)

	logSection := iniFile.Section("logging")
	cfg.Logging.Level = logSection.Key("level").MustString("info")
	cfg.Logging.File = logSection.Key("file").String()
	cfg.Logging.MaxSizeMB = logSection.Key("max_size_mb").MustInt(10)
	cfg.Logging.MaxBackups = logSection.Key("max_backups").MustInt(5)
	cfg.Logging.MaxAgeDays = logSection.Key("max_age_days").MustInt(30)

	notifySection := iniFile.Section("notifications")
	cfg.Notifications.Enabled = notifySection.Key("enabled").MustBool(false)

	cfg.applyEnv()
	return cfg, nil
}

func (cfg *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvAppName)); v != "" {
		cfg.Instance.AppName = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRuntimeDir)); v != "" {
		cfg.Instance.RuntimeDir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = v
	}
}

// Save writes configuration to an only.conf file.
// If path is empty, uses the default path.
// Creates parent directories if they don't exist.
func Save(cfg *Config, path string) error {
	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("failed to determine config path: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	iniFile := ini.Empty()

	instSection, err := iniFile.NewSection("instance")
	if err != nil {
		return fmt.Errorf("failed to create instance section: %w", err)
	}
	instSection.Key("app_name").SetValue(cfg.Instance.AppName)
	instSection.Key("runtime_dir").SetValue(cfg.Instance.RuntimeDir)
	instSection.Key("connect_attempts").SetValue(fmt.Sprintf("%d", cfg.Instance.ConnectAttempts))
	instSection.Key("connect_timeout_ms").SetValue(fmt.Sprintf("%d", cfg.Instance.ConnectTimeoutMs))
	instSection.Key("read_timeout_ms").SetValue(fmt.Sprintf("%d", cfg.Instance.ReadTimeoutMs))

	logSection, err := iniFile.NewSection("logging")
	if err != nil {
		return fmt.Errorf("failed to create logging section: %w", err)
	}
	logSection.Key("level").SetValue(cfg.Logging.Level)
	logSection.Key("file").SetValue(cfg.Logging.File)
	logSection.Key("max_size_mb").SetValue(fmt.Sprintf("%d", cfg.Logging.MaxSizeMB))
	logSection.Key("max_backups").SetValue(fmt.Sprintf("%d", cfg.Logging.MaxBackups))
	logSection.Key("max_age_days").SetValue(fmt.Sprintf("%d", cfg.Logging.MaxAgeDays))

	notifySection, err := iniFile.NewSection("notifications")
	if err != nil {
		return fmt.Errorf("failed to create notifications section: %w", err)
	}
	notifySection.Key("enabled").SetValue(fmt.Sprintf("%t", cfg.Notifications.Enabled))

	// Temporary file + rename for atomicity
	tmpPath := path + ".tmp"
	if err := iniFile.SaveTo(tmpPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0600); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to set config permissions: %w", err)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid.
func (cfg *Config) Validate() error {
	if cfg.Instance.ConnectAttempts < 1 || cfg.Instance.ConnectAttempts > 50 {
		return ErrInvalidConnectAttempts
	}
	if cfg.Instance.ConnectTimeoutMs < 100 || cfg.Instance.ConnectTimeoutMs > 60000 {
		return ErrInvalidConnectTimeout
	}
	if cfg.Instance.ReadTimeoutMs < 1000 || cfg.Instance.ReadTimeoutMs > 600000 {
		return ErrInvalidReadTimeout
	}
	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		return ErrInvalidLogLevel
	}
	return nil
}

// ConnectTimeout returns the follower hand-off timeout.
func (cfg *Config) ConnectTimeout() time.Duration {
	return time.Duration(cfg.Instance.ConnectTimeoutMs) * time.Millisecond
}

// ReadTimeout returns the leader's per-connection read timeout.
func (cfg *Config) ReadTimeout() time.Duration {
	return time.Duration(cfg.Instance.ReadTimeoutMs) * time.Millisecond
}

// LogFile returns the rotating file settings for the logger.
func (cfg *Config) LogFile() logging.FileConfig {
	return logging.FileConfig{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   true,
	}
}
