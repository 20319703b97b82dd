package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var validate = validator.New()

// Validate checks the configuration using struct tags and the rules that
// tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	if err := validateLoop("reconcile", cfg.Reconcile); err != nil {
		return err
	}
	if err := validateLoop("cleanup", cfg.Cleanup); err != nil {
		return err
	}
	if cfg.Audit.RetentionDays > 0 {
		if err := validateLoop("audit.cleanup", cfg.Audit.Cleanup); err != nil {
			return err
		}
	}
	if cfg.Remote.Timeout < 0 {
		return fmt.Errorf("remote.timeout: must not be negative")
	}
	if cfg.Remote.LinkExpiry < 0 {
		return fmt.Errorf("remote.link_expiry: must not be negative")
	}
	if cfg.Archive.Encrypt && cfg.Encryption.Type == "none" {
		return fmt.Errorf("archive.encrypt: requires encryption.type other than none")
	}
	if cfg.Encryption.Type == "age" && (cfg.Encryption.PublicKeyPath == "" || cfg.Encryption.PrivateKeyPath == "") {
		return fmt.Errorf("encryption: age needs public_key_path and private_key_path")
	}
	return nil
}

func validateLoop(name string, loop LoopConfig) error {
	if loop.Schedule != "" {
		if _, err := cron.ParseStandard(loop.Schedule); err != nil {
			return fmt.Errorf("%s.schedule: %w", name, err)
		}
		return nil
	}
	if loop.Interval <= 0 {
		return fmt.Errorf("%s.interval: must be positive", name)
	}
	return nil
}

// formatValidationError reports the first failing field.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
