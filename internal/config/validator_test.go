package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{
		Field:   "test.field",
		Value:   123,
		Message: "must be greater than zero",
	}

	expected := "test.field: must be greater than zero (got: 123)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestValidationErrors_Error(t *testing.T) {
	t.Run("empty errors", func(t *testing.T) {
		var errs ValidationErrors
		if errs.Error() != "" {
			t.Errorf("Error() for empty = %q, want empty string", errs.Error())
		}
	})

	t.Run("single error", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "test.field", Value: 123, Message: "is invalid"},
		}
		expected := "test.field: is invalid (got: 123)"
		if errs.Error() != expected {
			t.Errorf("Error() = %q, want %q", errs.Error(), expected)
		}
	})

	t.Run("multiple errors", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "field1", Value: "bad", Message: "is invalid"},
			{Field: "field2", Value: -1, Message: "must be positive"},
		}
		result := errs.Error()
		if !strings.Contains(result, "2 validation errors") {
			t.Errorf("Error() should mention 2 errors: %s", result)
		}
		if !strings.Contains(result, "field1") || !strings.Contains(result, "field2") {
			t.Errorf("Error() should mention both fields: %s", result)
		}
	})
}

func TestConfig_Validate_DefaultConfig(t *testing.T) {
	cfg := Default()
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("Default config should be valid, got %d errors: %v", len(errs), errs)
	}
}

// hasField reports whether errs contains an error for field.
func hasField(errs []ValidationError, field string) bool {
	for _, err := range errs {
		if err.Field == field {
			return true
		}
	}
	return false
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		field   string
		wantErr bool
	}{
		{"durable mode", func(c *Config) { c.Broker.Mode = "durable" }, "broker.mode", false},
		{"unknown mode", func(c *Config) { c.Broker.Mode = "sometimes" }, "broker.mode", true},
		{"uppercase mode", func(c *Config) { c.Broker.Mode = "DURABLE" }, "broker.mode", true},
		{"empty head node", func(c *Config) { c.Broker.HeadNode = "  " }, "broker.head_node", true},
		{"https transport", func(c *Config) { c.Broker.Transport = "https" }, "broker.transport", false},
		{"empty transport", func(c *Config) { c.Broker.Transport = "" }, "broker.transport", false},
		{"unknown transport", func(c *Config) { c.Broker.Transport = "pigeon" }, "broker.transport", true},
		{"zero target timeout", func(c *Config) { c.Broker.TargetTimeout = 0 }, "broker.target_timeout", false},
		{"negative target timeout", func(c *Config) { c.Broker.TargetTimeout = -time.Second }, "broker.target_timeout", true},
		{"zero idle timeout", func(c *Config) { c.Broker.IdleTimeout = 0 }, "broker.idle_timeout", true},
		{"persist dir", func(c *Config) { c.Persist.Dir = "/srv/state" }, "persist.dir", false},
		{"persist dir null byte", func(c *Config) { c.Persist.Dir = "/srv/\x00" }, "persist.dir", true},
		{"persist dir too long", func(c *Config) { c.Persist.Dir = "/" + strings.Repeat("a", 5000) }, "persist.dir", true},
		{"debug level", func(c *Config) { c.Logging.Level = "debug" }, "logging.level", false},
		{"empty level", func(c *Config) { c.Logging.Level = "" }, "logging.level", false},
		{"uppercase level", func(c *Config) { c.Logging.Level = "INFO" }, "logging.level", true},
		{"metrics off ignores listen", func(c *Config) { c.Metrics.Listen = "nope" }, "metrics.listen", false},
		{"metrics bad listen", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Listen = "nope" }, "metrics.listen", true},
		{"metrics listen", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Listen = ":9464" }, "metrics.listen", false},
		{"tracing endpoint", func(c *Config) { c.Tracing.Endpoint = "http://otel:4318" }, "tracing.endpoint", false},
		{"tracing bad scheme", func(c *Config) { c.Tracing.Endpoint = "grpc://otel:4317" }, "tracing.endpoint", true},
		{"tracing no host", func(c *Config) { c.Tracing.Endpoint = "otel:4318" }, "tracing.endpoint", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			if got := hasField(cfg.Validate(), tt.field); got != tt.wantErr {
				t.Errorf("error for %s = %v, want %v", tt.field, got, tt.wantErr)
			}
		})
	}
}

func TestConfig_Validate_MultipleErrors(t *testing.T) {
	cfg := Default()
	cfg.Broker.Mode = "bad"
	cfg.Logging.Level = "loud"

	if errs := cfg.Validate(); len(errs) != 2 {
		t.Errorf("Validate() returned %d errors, want 2: %v", len(errs), errs)
	}
}

func TestValidLogLevels(t *testing.T) {
	levels := ValidLogLevels()
	if len(levels) != 4 || levels[0] != "debug" {
		t.Errorf("ValidLogLevels() = %v", levels)
	}
}

func TestValidTransports(t *testing.T) {
	if got := ValidTransports(); len(got) != 5 || got[0] != "net.tcp" {
		t.Errorf("ValidTransports() = %v", got)
	}
}
