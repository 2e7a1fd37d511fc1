package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/marmos91/dittosnap/pkg/cow"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Volume identity (name and device) is checked separately by ValidateVolume,
// since the authority server runs without a volume.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	// Run struct tag validation
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	// Custom validation rules that can't be expressed in tags
	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// ValidateVolume checks the settings a proxy needs beyond Validate.
func ValidateVolume(cfg *Config) error {
	if cfg.Volume.Name == "" {
		return fmt.Errorf("volume.name: a volume name is required")
	}
	if cfg.Volume.Device.Path == "" {
		return fmt.Errorf("volume.device.path: a device path is required")
	}
	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	// The COW block size must suit both the authority and the device
	if err := cow.ValidateBlockSize(cfg.Volume.BlockSize, cfg.Volume.Device.Alignment); err != nil {
		return fmt.Errorf("volume.cow_block_size: %w", err)
	}

	// Remote settings only matter when the authority is remote
	if cfg.Authority.Type == "remote" {
		if err := validate.Struct(&cfg.Authority.Remote); err != nil {
			return formatValidationError(err)
		}
	}

	// A local authority needs somewhere to keep its state
	if cfg.Authority.Type == "local" && cfg.Authority.Local.Path == "" && !cfg.Authority.Local.InMemory {
		return fmt.Errorf("authority.local: path is required unless in_memory is set")
	}

	// Replicating volumes journal their snapshot intents
	if cfg.Volume.Replication && cfg.Journal.Path == "" && !cfg.Journal.InMemory {
		return fmt.Errorf("journal: path is required when volume replication is enabled")
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		// Return the first validation error with context
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
