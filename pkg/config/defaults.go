package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/dittosnap/pkg/authority/rpc"
	"github.com/marmos91/dittosnap/pkg/cow"
	"github.com/marmos91/dittosnap/pkg/device"
	"github.com/marmos91/dittosnap/pkg/journal"
	"github.com/marmos91/dittosnap/pkg/proxy"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Store-specific defaults are handled by store implementations
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	cfg.Server.ApplyDefaults()
	applyVolumeDefaults(&cfg.Volume)
	applyAuthorityDefaults(&cfg.Authority)
	applyStoreDefaults(&cfg.Store)
	applyJournalDefaults(&cfg.Journal)
	applyMetricsDefaults(&cfg.Metrics)
	cfg.GC.ApplyDefaults()
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyVolumeDefaults sets volume and device defaults.
func applyVolumeDefaults(cfg *VolumeConfig) {
	if cfg.Role == "" {
		cfg.Role = "standalone"
	}
	cfg.Role = strings.ToLower(cfg.Role)

	if cfg.BlockSize == 0 {
		cfg.BlockSize = cow.DefaultBlockSize
	}
	if cfg.ReadConcurrency == 0 {
		cfg.ReadConcurrency = proxy.DefaultReadConcurrency
	}
	if cfg.Device.Alignment == 0 {
		cfg.Device.Alignment = device.DefaultAlignment
	}
}

// applyAuthorityDefaults sets authority defaults.
//
// A local authority without a path keeps its state next to the config file
// rather than in memory, so snapshots survive restarts by default.
func applyAuthorityDefaults(cfg *AuthorityConfig) {
	if cfg.Type == "" {
		cfg.Type = "local"
	}
	if cfg.Local.Path == "" && !cfg.Local.InMemory {
		cfg.Local.Path = filepath.Join(getConfigDir(), "authority")
	}
	cfg.Remote.ApplyDefaults()
}

// applyStoreDefaults sets preservation store defaults.
func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Type == "" {
		cfg.Type = "filesystem"
	}

	// Initialize maps if nil
	if cfg.Filesystem == nil {
		cfg.Filesystem = make(map[string]any)
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}

	if _, ok := cfg.Filesystem["path"]; !ok {
		cfg.Filesystem["path"] = filepath.Join(getConfigDir(), "preserved")
	}
	if _, ok := cfg.S3["region"]; !ok {
		cfg.S3["region"] = "us-east-1"
	}
}

// applyJournalDefaults sets journal defaults.
func applyJournalDefaults(cfg *JournalConfig) {
	if cfg.Path == "" && !cfg.InMemory {
		cfg.Path = filepath.Join(getConfigDir(), "journal")
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = journal.DefaultQueueSize
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
//
// The volume name and device path have no defaults; the returned config
// leaves them empty.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// sampleConfig is the default config plus placeholders for the fields a
// user must fill in.
func sampleConfig() *Config {
	cfg := GetDefaultConfig()
	cfg.Volume.Name = "vol0"
	cfg.Volume.Device.Path = "/dev/sdb"
	cfg.Authority.Remote = rpc.ClientConfig{Address: "127.0.0.1:7420"}
	cfg.Authority.Remote.ApplyDefaults()
	return cfg
}

// InitConfig writes the default configuration to the default location.
//
// Returns the path written. Fails if a config file already exists there
// unless force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	return path, InitConfigToPath(path, force)
}

// InitConfigToPath writes the default configuration as YAML to path,
// creating parent directories as needed.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	data, err := RenderDefaultConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// RenderDefaultConfig returns the default configuration as YAML, using the
// same keys Load reads. The volume name and device path hold placeholders.
func RenderDefaultConfig() ([]byte, error) {
	m, err := toMap(sampleConfig())
	if err != nil {
		return nil, err
	}

	var buf strings.Builder
	buf.WriteString("# DittoSnap configuration\n")
	buf.WriteString("# Every key can be overridden with DITTOSNAP_<SECTION>_<KEY>, e.g. DITTOSNAP_VOLUME_DEVICE_PATH.\n\n")

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("failed to encode default config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode default config: %w", err)
	}
	return []byte(buf.String()), nil
}

// toMap converts cfg to nested maps keyed by mapstructure tags.
func toMap(cfg *Config) (map[string]any, error) {
	var m map[string]any
	if err := mapstructure.Decode(cfg, &m); err != nil {
		return nil, fmt.Errorf("failed to convert config: %w", err)
	}
	return m, nil
}

// flatten turns nested maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
