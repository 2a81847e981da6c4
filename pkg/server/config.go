package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Storage drivers understood by [storage].driver.
const (
	DriverSQLite = "sqlite"
	DriverJSON   = "json"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server   ServerSection   `toml:"server"`
	Storage  StorageSection  `toml:"storage"`
	Channels ChannelsSection `toml:"channels"`
	Limits   LimitsSection   `toml:"limits"`
	Logging  LoggingSection  `toml:"logging"`
}

type ServerSection struct {
	HTTPAddr    string `toml:"http_addr"`
	MetricsAddr string `toml:"metrics_addr"`
}

type StorageSection struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
}

type ChannelsSection struct {
	DefaultPublicName string `toml:"default_public_name"`
}

type LimitsSection struct {
	MaxMessageLength  int `toml:"max_message_length"`
	MaxUsernameLength int `toml:"max_username_length"`
}

type LoggingSection struct {
	Level string `toml:"level"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			HTTPAddr:    ":8080",
			MetricsAddr: ":9090",
		},
		Storage: StorageSection{
			Driver: DriverSQLite,
			Path:   "~/.parlor/parlor.db",
		},
		Channels: ChannelsSection{
			DefaultPublicName: "Public Channel",
		},
		Limits: LimitsSection{
			MaxMessageLength:  4096,
			MaxUsernameLength: 32,
		},
		Logging: LoggingSection{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	// Sections missing from the file keep their defaults.
	config := DefaultTOMLConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Unwritable location: run on defaults anyway.
		_ = writeDefaultConfig(path)
	} else if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	config = applyEnvOverrides(config)
	if err := config.Validate(); err != nil {
		return TOMLConfig{}, err
	}
	return config, nil
}

// Validate rejects settings the server cannot run with.
func (c *TOMLConfig) Validate() error {
	switch c.Storage.Driver {
	case DriverSQLite, DriverJSON:
	default:
		return fmt.Errorf("unknown storage driver %q (want %q or %q)", c.Storage.Driver, DriverSQLite, DriverJSON)
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage path must not be empty")
	}
	if c.Limits.MaxMessageLength < 0 || c.Limits.MaxUsernameLength < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: PARLOR_SECTION_KEY
// Example: PARLOR_SERVER_HTTP_ADDR=:8081
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	// Server section
	if val := os.Getenv("PARLOR_SERVER_HTTP_ADDR"); val != "" {
		config.Server.HTTPAddr = val
	}
	if val, ok := os.LookupEnv("PARLOR_SERVER_METRICS_ADDR"); ok {
		// Empty disables the metrics listener.
		config.Server.MetricsAddr = val
	}

	// Storage section
	if val := os.Getenv("PARLOR_STORAGE_DRIVER"); val != "" {
		config.Storage.Driver = strings.ToLower(val)
	}
	if val := os.Getenv("PARLOR_STORAGE_PATH"); val != "" {
		config.Storage.Path = val
	}

	// Channels section
	if val := os.Getenv("PARLOR_CHANNELS_DEFAULT_PUBLIC_NAME"); val != "" {
		config.Channels.DefaultPublicName = val
	}

	// Limits section
	if val := os.Getenv("PARLOR_LIMITS_MAX_MESSAGE_LENGTH"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxMessageLength = limit
		}
	}
	if val := os.Getenv("PARLOR_LIMITS_MAX_USERNAME_LENGTH"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxUsernameLength = limit
		}
	}

	// Logging section
	if val := os.Getenv("PARLOR_LOGGING_LEVEL"); val != "" {
		config.Logging.Level = val
	}

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# Parlor Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# PARLOR_SECTION_KEY (e.g., PARLOR_SERVER_HTTP_ADDR=:8081)

[server]
# Address for the public HTTP server (/ws, /health)
http_addr = ":8080"

# Address for the Prometheus /metrics endpoint
# Set to "" to disable
metrics_addr = ":9090"

[storage]
# "sqlite" keeps every collection in one SQLite database at path.
# "json" writes users.json, channel-data.json, friendships.json and
# friend-requests.json into the directory at path.
driver = "sqlite"
path = "~/.parlor/parlor.db"

[channels]
# Name of the Public channel created on first startup
default_public_name = "Public Channel"

[limits]
# Maximum message length in bytes (0 = unlimited)
max_message_length = 4096

# Maximum username length in characters (0 = unlimited)
max_username_length = 32

[logging]
# debug, info, warn or error
level = "info"
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.HTTPAddr) != "" {
		cfg.HTTPAddr = c.Server.HTTPAddr
	}
	cfg.MetricsAddr = c.Server.MetricsAddr
	cfg.MaxMessageLength = c.Limits.MaxMessageLength
	cfg.MaxUsernameLength = c.Limits.MaxUsernameLength

	return cfg
}

// GetStoragePath returns the storage path with ~ expanded
func (c *TOMLConfig) GetStoragePath() (string, error) {
	return expandHome(c.Storage.Path)
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
