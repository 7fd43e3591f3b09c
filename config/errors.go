package config

import (
	"fmt"

	"github.com/LukeEvansTech/certdeploy/interfaces"
)

// ConfigurationError names the input that is missing or malformed.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

// Error implements error.
func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", interfaces.ErrConfiguration, e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", interfaces.ErrConfiguration, e.Field, e.Reason)
}

// Is makes errors.Is(err, interfaces.ErrConfiguration) hold.
func (e *ConfigurationError) Is(target error) bool {
	return target == interfaces.ErrConfiguration
}

// Unwrap returns the underlying cause, if any.
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func missing(field string) error {
	return &ConfigurationError{Field: field, Reason: "is required"}
}

func invalid(field, reason string, err error) error {
	return &ConfigurationError{Field: field, Reason: reason, Err: err}
}
