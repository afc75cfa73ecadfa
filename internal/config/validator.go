package config

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/hpcgrid/sessionbroker/internal/session"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "broker.target_timeout")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidTransports returns the list of valid transport schemes
func ValidTransports() []string {
	var out []string
	for _, t := range session.ValidTransports() {
		out = append(out, string(t))
	}
	return out
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateBroker()...)
	errors = append(errors, c.validatePersist()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateMetrics()...)
	errors = append(errors, c.validateTracing()...)

	return errors
}

// validateBroker validates the BrokerConfig
func (c *Config) validateBroker() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidModes(), c.Broker.Mode) {
		errors = append(errors, ValidationError{
			Field:   "broker.mode",
			Value:   c.Broker.Mode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidModes(), ", ")),
		})
	}

	if strings.TrimSpace(c.Broker.HeadNode) == "" {
		errors = append(errors, ValidationError{
			Field:   "broker.head_node",
			Value:   c.Broker.HeadNode,
			Message: "must not be empty",
		})
	}

	if c.Broker.Transport != "" && !slices.Contains(ValidTransports(), c.Broker.Transport) {
		errors = append(errors, ValidationError{
			Field:   "broker.transport",
			Value:   c.Broker.Transport,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidTransports(), ", ")),
		})
	}

	if c.Broker.TargetTimeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "broker.target_timeout",
			Value:   c.Broker.TargetTimeout,
			Message: "must be non-negative",
		})
	}

	if c.Broker.IdleTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "broker.idle_timeout",
			Value:   c.Broker.IdleTimeout,
			Message: "must be positive",
		})
	}

	return errors
}

// validatePersist validates the PersistConfig
func (c *Config) validatePersist() []ValidationError {
	var errors []ValidationError

	if c.Persist.Dir != "" {
		path := c.Persist.Dir

		// Check for null bytes which are invalid in paths
		if strings.ContainsRune(path, '\x00') {
			errors = append(errors, ValidationError{
				Field:   "persist.dir",
				Value:   path,
				Message: "path contains invalid null character",
			})
		}

		const maxPathLength = 4096
		if len(path) > maxPathLength {
			errors = append(errors, ValidationError{
				Field:   "persist.dir",
				Value:   path,
				Message: fmt.Sprintf("path exceeds maximum length of %d characters", maxPathLength),
			})
		}
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}

// validateMetrics validates the MetricsConfig
func (c *Config) validateMetrics() []ValidationError {
	var errors []ValidationError

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			errors = append(errors, ValidationError{
				Field:   "metrics.listen",
				Value:   c.Metrics.Listen,
				Message: "must be a host:port address",
			})
		}
	}

	return errors
}

// validateTracing validates the TracingConfig
func (c *Config) validateTracing() []ValidationError {
	var errors []ValidationError

	if c.Tracing.Endpoint != "" {
		u, err := url.Parse(c.Tracing.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errors = append(errors, ValidationError{
				Field:   "tracing.endpoint",
				Value:   c.Tracing.Endpoint,
				Message: "must be an http or https URL",
			})
		}
	}

	return errors
}
