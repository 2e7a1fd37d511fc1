package config

import (
	"strings"
	"testing"
)

func TestValidate_ValidConfig(t *testing.T) {
	isolate(t)
	cfg := GetDefaultConfig()

	err := Validate(cfg)
	if err != nil {
		t.Errorf("Expected valid config to pass validation, got error: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	isolate(t)
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "INVALID"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid log level")
	}
	if !strings.Contains(err.Error(), "oneof") {
		t.Errorf("Expected 'oneof' validation error, got: %v", err)
	}
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	isolate(t)
	cfg := GetDefaultConfig()
	cfg.Logging.Format = "xml"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid log format")
	}
}

func TestValidate_InvalidStoreType(t *testing.T) {
	isolate(t)
	cfg := GetDefaultConfig()
	cfg.Store.Type = "tape"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid store type")
	}
}

func TestValidate_InvalidAuthorityType(t *testing.T) {
	isolate(t)
	cfg := GetDefaultConfig()
	cfg.Authority.Type = "etcd"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid authority type")
	}
}

func TestValidate_BlockSize(t *testing.T) {
	tests := []struct {
		name      string
		blockSize uint64
		alignment uint64
		wantErr   bool
	}{
		{"default", 1 << 20, 512, false},
		{"minimum", 4 << 10, 4096, false},
		{"not power of two", 3 << 20, 512, true},
		{"too small", 512, 512, true},
		{"not a multiple of alignment", 4 << 10, 8192, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			cfg := GetDefaultConfig()
			cfg.Volume.BlockSize = tt.blockSize
			cfg.Volume.Device.Alignment = tt.alignment

			err := Validate(cfg)
			if tt.wantErr && err == nil {
				t.Fatal("Expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if tt.wantErr && !strings.Contains(err.Error(), "cow_block_size") {
				t.Errorf("Expected error to name cow_block_size, got: %v", err)
			}
		})
	}
}

func TestValidate_RemoteAuthorityRequiresAddress(t *testing.T) {
	isolate(t)
	cfg := GetDefaultConfig()
	cfg.Authority.Type = "remote"
	cfg.Authority.Remote.Address = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for remote authority without address")
	}
	if !strings.Contains(err.Error(), "Address") {
		t.Errorf("Expected error to name Address, got: %v", err)
	}

	// The same empty address is fine while the authority is local
	cfg.Authority.Type = "local"
	if err := Validate(cfg); err != nil {
		t.Errorf("Expected local authority to ignore remote settings, got: %v", err)
	}
}

func TestValidate_LocalAuthorityNeedsPathOrMemory(t *testing.T) {
	isolate(t)
	cfg := GetDefaultConfig()
	cfg.Authority.Local.Path = ""

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for local authority without path")
	}

	cfg.Authority.Local.InMemory = true
	if err := Validate(cfg); err != nil {
		t.Errorf("Expected in-memory authority to pass, got: %v", err)
	}
}

func TestValidate_ReplicationNeedsJournal(t *testing.T) {
	isolate(t)
	cfg := GetDefaultConfig()
	cfg.Volume.Replication = true
	cfg.Journal.Path = ""

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for replication without journal")
	}

	cfg.Journal.InMemory = true
	if err := Validate(cfg); err != nil {
		t.Errorf("Expected in-memory journal to pass, got: %v", err)
	}
}

func TestValidate_VolumeNameWithSlash(t *testing.T) {
	isolate(t)
	cfg := GetDefaultConfig()
	cfg.Volume.Name = "pool/vol0"

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for volume name containing '/'")
	}
}

func TestValidate_InvalidMetricsPort(t *testing.T) {
	isolate(t)
	cfg := GetDefaultConfig()
	cfg.Metrics.Port = 70000

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for metrics port out of range")
	}
}

func TestValidate_LogLevelNormalization(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"debug", "DEBUG"},
		{"Info", "INFO"},
		{"WARN", "WARN"},
		{"error", "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			cfg := &Config{Logging: LoggingConfig{Level: tt.input}}
			ApplyDefaults(cfg)

			if cfg.Logging.Level != tt.expected {
				t.Errorf("Expected normalized level %q, got %q", tt.expected, cfg.Logging.Level)
			}
		})
	}
}

func TestValidateVolume(t *testing.T) {
	isolate(t)
	cfg := GetDefaultConfig()

	if err := ValidateVolume(cfg); err == nil {
		t.Fatal("Expected error without a volume name")
	}

	cfg.Volume.Name = "vol0"
	if err := ValidateVolume(cfg); err == nil {
		t.Fatal("Expected error without a device path")
	}

	cfg.Volume.Device.Path = "/dev/vdb"
	if err := ValidateVolume(cfg); err != nil {
		t.Errorf("Expected volume to validate, got: %v", err)
	}
}
