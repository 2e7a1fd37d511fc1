package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/marmos91/dittosnap/pkg/authority/rpc"
	"github.com/marmos91/dittosnap/pkg/gc"
	"github.com/marmos91/dittosnap/pkg/metrics"
)

// Config represents the complete DittoSnap configuration.
//
// One file configures both processes:
//   - the snapshot proxy, which uses logging, volume, authority, store,
//     journal and metrics
//   - the authority server, which uses logging, server, authority (local),
//     store (for garbage collection), gc and metrics
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DITTOSNAP_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values (lowest priority)
//
// Store Configuration Pattern:
// Each store backend defines its own configuration type. The Store section
// contains type-specific maps (store.filesystem, store.s3) and only the one
// matching store.type is decoded.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server configures the authority RPC server
	Server rpc.ServerConfig `mapstructure:"server" yaml:"server"`

	// Volume describes the protected volume and its device
	Volume VolumeConfig `mapstructure:"volume" yaml:"volume"`

	// Authority selects the metadata authority
	Authority AuthorityConfig `mapstructure:"authority" yaml:"authority"`

	// Store selects the preservation store
	Store StoreConfig `mapstructure:"store" yaml:"store"`

	// Journal configures the durable intent journal
	Journal JournalConfig `mapstructure:"journal" yaml:"journal"`

	// Metrics configures Prometheus metrics
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// GC configures garbage collection of orphaned preserved objects
	GC gc.Config `mapstructure:"gc" yaml:"gc"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// VolumeConfig describes the volume the proxy protects.
type VolumeConfig struct {
	// Name identifies the volume to the authority
	Name string `mapstructure:"name" validate:"omitempty,excludesall=/" yaml:"name"`

	// Role is the volume's replication role
	// Valid values: standalone, primary, secondary
	Role string `mapstructure:"role" validate:"required,oneof=standalone primary secondary" yaml:"role"`

	// Replication enables remote (replication) snapshots and journaling
	Replication bool `mapstructure:"replication" yaml:"replication"`

	// Device is the block device or image file backing the volume
	Device DeviceConfig `mapstructure:"device" yaml:"device"`

	// BlockSize is the COW granularity in bytes. It must be a power of two,
	// a multiple of the device alignment, and match the authority's.
	BlockSize uint64 `mapstructure:"cow_block_size" validate:"required" yaml:"cow_block_size"`

	// ReadConcurrency bounds parallel fetches per snapshot read
	ReadConcurrency int `mapstructure:"read_concurrency" validate:"min=1" yaml:"read_concurrency"`
}

// DeviceConfig configures raw device access.
type DeviceConfig struct {
	// Path to the block device or image file
	Path string `mapstructure:"path" yaml:"path"`

	// DirectIO bypasses the page cache
	DirectIO bool `mapstructure:"direct_io" yaml:"direct_io"`

	// Sync makes every device write durable before it returns
	Sync bool `mapstructure:"sync" yaml:"sync"`

	// Alignment is the device I/O unit in bytes (power of two)
	Alignment uint64 `mapstructure:"alignment" validate:"required" yaml:"alignment"`
}

// AuthorityConfig selects the metadata authority.
//
// "local" opens the reference authority's BadgerDB in-process; "remote"
// talks to an authority server over RPC.
type AuthorityConfig struct {
	// Type specifies which authority to use
	// Valid values: local, remote
	Type string `mapstructure:"type" validate:"required,oneof=local remote" yaml:"type"`

	// Local configures the in-process reference authority
	// Only used when Type = "local" (and by the authority server)
	Local LocalAuthorityConfig `mapstructure:"local" yaml:"local"`

	// Remote configures the RPC client
	// Only used when Type = "remote"; validated by a custom rule
	Remote rpc.ClientConfig `mapstructure:"remote" validate:"-" yaml:"remote"`
}

// LocalAuthorityConfig configures the BadgerDB-backed reference authority.
type LocalAuthorityConfig struct {
	// Path is the BadgerDB directory
	Path string `mapstructure:"path" yaml:"path"`

	// InMemory keeps authority state in memory (tests, demos)
	InMemory bool `mapstructure:"in_memory" yaml:"in_memory"`

	// SyncWrites fsyncs every commit
	SyncWrites bool `mapstructure:"sync_writes" yaml:"sync_writes"`
}

// StoreConfig specifies preservation store configuration.
//
// The Type field determines which store implementation is used.
// Only the corresponding type-specific configuration section is used.
type StoreConfig struct {
	// Type specifies which store implementation to use
	// Valid values: memory, filesystem, s3
	Type string `mapstructure:"type" validate:"required,oneof=memory filesystem s3" yaml:"type"`

	// Filesystem contains filesystem-specific configuration
	// Only used when Type = "filesystem"
	Filesystem map[string]any `mapstructure:"filesystem" yaml:"filesystem"`

	// S3 contains S3-specific configuration
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3" yaml:"s3"`
}

// JournalConfig configures the durable intent journal used by replicating
// volumes.
type JournalConfig struct {
	// Path is the journal's BadgerDB directory
	Path string `mapstructure:"path" yaml:"path"`

	// InMemory keeps the journal in memory. Intents are then not durable.
	InMemory bool `mapstructure:"in_memory" yaml:"in_memory"`

	// SyncWrites fsyncs every append
	SyncWrites bool `mapstructure:"sync_writes" yaml:"sync_writes"`

	// QueueSize bounds intents waiting for the writer
	QueueSize int `mapstructure:"queue_size" validate:"min=1" yaml:"queue_size"`
}

// MetricsConfig configures Prometheus metrics collection.
type MetricsConfig struct {
	// Enabled turns on collection and the HTTP endpoint
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	metrics.ServerConfig `mapstructure:",squash" yaml:",inline"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DITTOSNAP_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Configure viper
	if err := setupViper(v, configPath); err != nil {
		return nil, err
	}

	// Read configuration file if it exists
	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	// Unmarshal into config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply defaults for any missing values
	ApplyDefaults(&cfg)

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables, defaults and
// config file settings.
func setupViper(v *viper.Viper, configPath string) error {
	// Environment variables use DITTOSNAP_ prefix and underscores
	// Example: DITTOSNAP_VOLUME_DEVICE_PATH=/dev/sdb
	v.SetEnvPrefix("DITTOSNAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only overrides keys viper knows about; registering every
	// default makes each of them settable from the environment.
	defaults, err := toMap(GetDefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to build default config: %w", err)
	}
	for key, value := range flatten("", defaults) {
		v.SetDefault(key, value)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/dittosnap/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	return nil
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// Config file not found is acceptable - use defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittosnap")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "dittosnap")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
