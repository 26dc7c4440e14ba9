package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers gateway-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	// duration: a non-negative duration string, see Duration
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	// env_entry: KEY=VALUE with a non-empty key
	if err := v.RegisterValidation("env_entry", validateEnvEntry); err != nil {
		return fmt.Errorf("failed to register env_entry validator: %w", err)
	}
	return nil
}

func validateEnvEntry(fl validator.FieldLevel) bool {
	k, _, ok := strings.Cut(fl.Field().String(), "=")
	return ok && k != ""
}

func validateDuration(fl validator.FieldLevel) bool {
	d, err := Duration(fl.Field().String())
	return err == nil && d >= 0
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

	if err := c.validateSweeper(); err != nil {
		return err
	}

	return nil
}

// validateSweeper rejects a zero cleanup interval while idle expiry is on.
func (c *Config) validateSweeper() error {
	ttl, _ := Duration(c.Gateway.SessionIdleTTL)
	interval, _ := Duration(c.Gateway.CleanupInterval)
	if ttl > 0 && interval == 0 {
		return errors.New("gateway.cleanup_interval must be positive when gateway.session_idle_ttl is set")
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

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a non-negative duration such as \"30s\" or \"1h\", got %q", field, e.Value())
	case "env_entry":
		return fmt.Sprintf("%s must have the form KEY=VALUE, got %q", field, e.Value())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
