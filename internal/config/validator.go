package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers countersign-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	// audit_output: validates "stdout" or "file://<absolute-path>"
	if err := v.RegisterValidation("audit_output", validateAuditOutput); err != nil {
		return fmt.Errorf("failed to register audit_output validator: %w", err)
	}
	return nil
}

// validateAuditOutput validates the audit output field.
// Valid values: "stdout" or "file://<absolute-path>"
func validateAuditOutput(fl validator.FieldLevel) bool {
	output := fl.Field().String()

	if output == "stdout" {
		return true
	}

	if strings.HasPrefix(output, "file://") {
		path := strings.TrimPrefix(output, "file://")
		return path != "" && filepath.IsAbs(path)
	}

	return false
}

// Validate validates the Config using struct tags and cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	return c.validateDurations()
}

// validateDurations checks that every duration-typed string parses and
// stays within sane bounds. TTL must be positive; skew may be zero.
func (c *Config) validateDurations() error {
	ttl, err := time.ParseDuration(c.Envelope.TTL)
	if err != nil {
		return fmt.Errorf("envelope.ttl: invalid duration %q", c.Envelope.TTL)
	}
	if ttl <= 0 {
		return errors.New("envelope.ttl: must be positive")
	}

	skew, err := time.ParseDuration(c.Envelope.ClockSkew)
	if err != nil {
		return fmt.Errorf("envelope.clock_skew: invalid duration %q", c.Envelope.ClockSkew)
	}
	if skew < 0 {
		return errors.New("envelope.clock_skew: must not be negative")
	}
	if skew >= ttl {
		return errors.New("envelope.clock_skew: must be smaller than envelope.ttl")
	}

	if _, err := time.ParseDuration(c.Store.SweepInterval); err != nil {
		return fmt.Errorf("store.sweep_interval: invalid duration %q", c.Store.SweepInterval)
	}
	if _, err := time.ParseDuration(c.Store.Retention); err != nil {
		return fmt.Errorf("store.retention: invalid duration %q", c.Store.Retention)
	}

	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "audit_output":
		return fmt.Sprintf("%s must be 'stdout' or 'file://<absolute-path>'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
