package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hpcgrid/sessionbroker/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify sessionbroker configuration",
	Long: `View or modify sessionbroker configuration.

Without arguments, displays the current configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  sessionbroker config set broker.mode durable
  sessionbroker config set broker.target_timeout 90s
  sessionbroker config set logging.level debug

Valid keys:
  broker.mode             - interactive or durable
  broker.head_node        - Cluster head node
  broker.transport        - net.tcp, http, https, nethttp or custom
  broker.service_version  - Version advertised by brokers
  broker.target_timeout   - Bound on each create or attach (e.g. 60s, 0 = none)
  broker.idle_timeout     - How long an in-process broker waits for an attach
  broker.debug            - Use the single debug session (true/false)
  persist.dir             - Durable session state directory
  logging.enabled         - Enable structured logging (true/false)
  logging.level           - debug, info, warn or error
  logging.dir             - Log directory (empty = stderr)
  metrics.enabled         - Serve prometheus metrics (true/false)
  metrics.listen          - Metrics listen address
  tracing.endpoint        - OTLP/HTTP collector URL (empty = disabled)
  tracing.service_name    - Service name reported in traces`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/sessionbroker/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

// configKeyTypes maps every settable key to its value type.
var configKeyTypes = map[string]string{
	"broker.mode":            "string",
	"broker.head_node":       "string",
	"broker.transport":       "string",
	"broker.service_version": "string",
	"broker.target_timeout":  "duration",
	"broker.idle_timeout":    "duration",
	"broker.debug":           "bool",
	"persist.dir":            "string",
	"logging.enabled":        "bool",
	"logging.level":          "string",
	"logging.dir":            "string",
	"metrics.enabled":        "bool",
	"metrics.listen":         "string",
	"tracing.endpoint":       "string",
	"tracing.service_name":   "string",
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(w, "# Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(w, "# Config file: (none - using defaults)\n")
	}
	return writeYAML(cmd, cfg)
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	keyType, ok := configKeyTypes[key]
	if !ok {
		return fmt.Errorf("unknown configuration key: %s\nRun 'sessionbroker config set --help' to see valid keys", key)
	}

	var typedValue any
	switch keyType {
	case "string":
		typedValue = value
	case "bool":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		typedValue = b
	case "duration":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: expected a duration such as 90s", key)
		}
		typedValue = d.String()
	}

	previous := viper.Get(key)
	viper.Set(key, typedValue)
	if _, err := config.Load(); err != nil {
		viper.Set(key, previous)
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	// Ensure config directory exists
	configDir := config.ConfigDir()
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := config.ConfigFile()
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Set %s = %v\n", key, typedValue)
	fmt.Fprintf(w, "Config saved to %s\n", configFile)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := config.ConfigDir()
	configFile := config.ConfigFile()

	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'sessionbroker config set' to modify values", configFile)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configFile, []byte(defaultConfigContent), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Created config file at %s\n", configFile)
	fmt.Fprintln(w, "Edit this file to customize the session broker.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(w, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(w, "Default path: %s (not created)\n", config.ConfigFile())
	}

	fmt.Fprintln(w, "\nSearch paths:")
	fmt.Fprintf(w, "  1. %s\n", filepath.Join(config.ConfigDir(), "config.yaml"))
	fmt.Fprintf(w, "  2. ./config.yaml (current directory)\n")
	fmt.Fprintln(w, "\nEnvironment variables: SESSIONBROKER_* (e.g., SESSIONBROKER_BROKER_HEAD_NODE)")
	return nil
}

const defaultConfigContent = `# Session broker configuration

broker:
  # Durability of sessions this process creates: interactive or durable
  mode: interactive
  # Cluster head node the broker targets
  head_node: localhost
  # Endpoint scheme: net.tcp, http, https, nethttp or custom
  transport: net.tcp
  # Bound on each create or attach (0 = none)
  target_timeout: 60s
  # How long an in-process broker waits for an attach
  idle_timeout: 10m
  # Use the single in-process debug session
  debug: true

persist:
  # Durable session state (empty = state/ next to this file)
  dir: ""

logging:
  enabled: true
  # debug, info, warn or error
  level: info
  # Log directory (empty = stderr)
  dir: ""

metrics:
  enabled: false
  listen: 127.0.0.1:9464

tracing:
  # OTLP/HTTP collector URL (empty = disabled)
  endpoint: ""
  service_name: sessionbroker
`
