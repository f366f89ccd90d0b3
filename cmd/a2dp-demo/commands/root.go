package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"bluetooth-audio/internal/config"
)

var (
	// Global flags
	verbose    bool
	configPath string

	globalConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "a2dp-demo",
	Short: "A2DP connection manager on top of BlueZ",
	Long: `a2dp-demo - drive an A2DP audio connection through BlueZ.

The run command registers a media endpoint on the configured adapter and
keeps one audio association alive: it accepts incoming connections, opens
outgoing ones on request and reconnects audio when a peer brings up remote
control first.

Configuration is read from the YAML file given with --config:

  adapter: hci0
  role: source
  reconnect_on_rc_open: 2s
  log_level: info
  metrics_addr: 127.0.0.1:9464

Examples:
  # List speakers and headsets in range for 15 seconds
  a2dp-demo scan --timeout 15s

  # Run as a source and connect to a speaker
  a2dp-demo run --connect 00:11:22:33:44:55`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
}

// setup loads the configuration and installs the default logger.
func setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	globalConfig = cfg

	level, err := cfg.Level()
	if err != nil {
		return err
	}
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

// GetConfig returns the configuration loaded for this invocation.
func GetConfig() (*config.Config, error) {
	if globalConfig == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	return globalConfig, nil
}

// IsVerbose returns whether verbose mode is enabled.
func IsVerbose() bool {
	return verbose
}
