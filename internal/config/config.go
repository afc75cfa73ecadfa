package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/hpcgrid/sessionbroker/internal/session"
)

// Config represents the complete session broker configuration
type Config struct {
	Broker  BrokerConfig  `mapstructure:"broker" yaml:"broker"`
	Persist PersistConfig `mapstructure:"persist" yaml:"persist"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// BrokerConfig controls how sessions are created and attached
type BrokerConfig struct {
	// Mode is the durability of sessions this process creates: "interactive" or "durable"
	Mode string `mapstructure:"mode" yaml:"mode"`
	// HeadNode is the cluster head node the broker targets
	HeadNode string `mapstructure:"head_node" yaml:"head_node"`
	// Transport is the endpoint scheme: "net.tcp", "http", "https", "nethttp" or "custom"
	Transport string `mapstructure:"transport" yaml:"transport"`
	// ServiceVersion is advertised in every broker's init result when set
	ServiceVersion string `mapstructure:"service_version" yaml:"service_version"`
	// TargetTimeout bounds each create or attach (0 = no bound)
	TargetTimeout time.Duration `mapstructure:"target_timeout" yaml:"target_timeout"`
	// IdleTimeout is how long an in-process broker waits for an attach
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	// Debug restricts the process to the single in-process debug session
	Debug bool `mapstructure:"debug" yaml:"debug"`
}

// PersistConfig controls where durable session state is kept
type PersistConfig struct {
	// Dir is the state directory. Empty means "state" under ConfigDir().
	// Supports ~ for home directory expansion.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// LoggingConfig controls structured logging
type LoggingConfig struct {
	// Enabled controls whether logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level" yaml:"level"`
	// Dir is where broker.log is written. Empty means stderr.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// MetricsConfig controls the prometheus endpoint
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Listen is the address /metrics is served on while a session is hosted
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// TracingConfig controls OpenTelemetry export
type TracingConfig struct {
	// Endpoint is the OTLP/HTTP collector URL. Empty disables tracing.
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

// Kind returns the configured session durability.
func (b *BrokerConfig) Kind() session.Kind {
	kind, err := session.ParseKind(b.Mode)
	if err != nil {
		return session.KindInteractive
	}
	return kind
}

// Identity builds the request identity the configuration describes.
func (b *BrokerConfig) Identity() session.Identity {
	return session.Identity{
		Transport:      session.Transport(b.Transport),
		HeadNode:       b.HeadNode,
		ServiceVersion: b.ServiceVersion,
		Durable:        b.Kind() == session.KindDurable,
		Debug:          b.Debug,
		TargetTimeout:  b.TargetTimeout,
	}
}

// ResolveDir returns the resolved state directory path.
// If Dir is empty, it returns "state" under ConfigDir().
// If Dir starts with ~, it expands to the user's home directory.
func (p *PersistConfig) ResolveDir() string {
	if p.Dir == "" {
		return filepath.Join(ConfigDir(), "state")
	}

	path := p.Dir
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = home
		}
	}
	return path
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Mode:          "interactive",
			HeadNode:      "localhost",
			Transport:     string(session.TransportNetTCP),
			TargetTimeout: 60 * time.Second,
			IdleTimeout:   10 * time.Minute,
			Debug:         true,
		},
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
		},
		Tracing: TracingConfig{
			ServiceName: "sessionbroker",
		},
	}
}

// SetDefaults registers default values with the global viper instance
func SetDefaults() {
	SetDefaultsOn(viper.GetViper())
}

// SetDefaultsOn registers default values with v
func SetDefaultsOn(v *viper.Viper) {
	defaults := Default()

	// Broker defaults
	v.SetDefault("broker.mode", defaults.Broker.Mode)
	v.SetDefault("broker.head_node", defaults.Broker.HeadNode)
	v.SetDefault("broker.transport", defaults.Broker.Transport)
	v.SetDefault("broker.service_version", defaults.Broker.ServiceVersion)
	v.SetDefault("broker.target_timeout", defaults.Broker.TargetTimeout)
	v.SetDefault("broker.idle_timeout", defaults.Broker.IdleTimeout)
	v.SetDefault("broker.debug", defaults.Broker.Debug)

	// Persist defaults
	v.SetDefault("persist.dir", defaults.Persist.Dir)

	// Logging defaults
	v.SetDefault("logging.enabled", defaults.Logging.Enabled)
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.dir", defaults.Logging.Dir)

	// Metrics defaults
	v.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	v.SetDefault("metrics.listen", defaults.Metrics.Listen)

	// Tracing defaults
	v.SetDefault("tracing.endpoint", defaults.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)
}

// Load reads the configuration from the global viper instance and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads the configuration from v into a Config struct and validates it.
// Durations accept Go duration strings such as "90s".
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "sessionbroker")
	}
	// Fall back to ~/.config/sessionbroker
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sessionbroker"
	}
	return filepath.Join(home, ".config", "sessionbroker")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidModes returns the list of valid broker modes
func ValidModes() []string {
	return []string{session.KindInteractive.String(), session.KindDurable.String()}
}
