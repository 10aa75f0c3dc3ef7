package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
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
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	// Disk names double as node names, so both must be unique and must
	// not claim the generated "node-" namespace.
	names := make(map[string]bool)
	for i, d := range cfg.Disks {
		if names[d.Name] {
			return fmt.Errorf("disks[%d]: duplicate disk name %q", i, d.Name)
		}
		names[d.Name] = true

		if strings.HasPrefix(d.Name, "node-") {
			return fmt.Errorf("disks[%d]: the \"node-\" name prefix is reserved for generated names", i)
		}
		if d.Device != "" && names[d.Device] {
			return fmt.Errorf("disks[%d]: device name %q collides with another disk", i, d.Device)
		}
		if d.Device != "" {
			names[d.Device] = true
		}

		if d.File == "" && len(d.Options) == 0 {
			return fmt.Errorf("disks[%d]: either file or options must be set", i)
		}
		if d.Snapshot && d.ReadOnly {
			return fmt.Errorf("disks[%d]: snapshot mode requires a writable overlay", i)
		}
		if d.Throttle.Group != "" && d.Throttle.IOPS == 0 {
			return fmt.Errorf("disks[%d]: throttle group %q needs an iops rate", i, d.Throttle.Group)
		}
		if d.Throttle.Group == "" && d.Throttle.IOPS != 0 {
			return fmt.Errorf("disks[%d]: throttle iops without a group name", i)
		}
	}

	if cfg.BitmapStore.Enabled && cfg.BitmapStore.Path == "" {
		return fmt.Errorf("bitmap_store: path is required when enabled")
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
