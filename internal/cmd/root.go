package cmd

import (
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hpcgrid/sessionbroker/internal/config"
	"github.com/hpcgrid/sessionbroker/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "sessionbroker",
	Short: "Compute session broker for a cluster head node",
	Long: `sessionbroker creates, attaches to and closes compute sessions on a
cluster head node. Interactive sessions live as long as the client that
created them; durable sessions persist their state and survive restarts.`,
	SilenceUsage: true,
}

// liveLogger is the logger of the running command, if any. Config reloads
// apply the new log level to it.
var liveLogger atomic.Pointer[logging.Logger]

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/sessionbroker/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SESSIONBROKER")
	// Replace dots with underscores for nested keys in env vars
	// e.g., SESSIONBROKER_BROKER_HEAD_NODE for broker.head_node
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	if err := viper.ReadInConfig(); err == nil {
		viper.OnConfigChange(onConfigChange)
		viper.WatchConfig()
	}
}

// onConfigChange applies settings that are safe to change while a session
// is hosted. Everything else takes effect on the next start.
func onConfigChange(e fsnotify.Event) {
	l := liveLogger.Load()
	if l == nil {
		return
	}
	level := logging.ParseLevel(viper.GetString("logging.level"))
	if level == l.Level() {
		return
	}
	l.SetLevel(level)
	l.Info("log level reloaded", "file", e.Name, "level", level)
}
