// Package cli implements the zoocwl command line.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/me/zoocwl/internal/config"
	"github.com/me/zoocwl/internal/logging"
)

var (
	flagConfig    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	cfg    config.Config
	logger *slog.Logger
)

// NewRootCmd creates the root cobra command for the zoocwl CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "zoocwl",
		Short: "zoocwl: execution handler for CWL processing jobs",
		Long: `zoocwl runs a CWL application package through an external runner,
resolves object-storage credentials for its inputs and results, and turns the
workflow's output catalog into a single STAC result collection.

Settings come from the environment (STAGEIN_AWS_*, STAGEOUT_AWS_*,
WORKSPACE_*, ...) and, optionally, a config file.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			// Flags given on the command line win over file and environment.
			if cmd.Flags().Changed("log-level") || flagDebug {
				level := flagLogLevel
				if flagDebug {
					level = "debug"
				}
				v.Set(config.KeyLogLevel, level)
			}
			if cmd.Flags().Changed("log-format") {
				v.Set(config.KeyLogFormat, flagLogFormat)
			}

			var err error
			cfg, err = config.Load(v, flagConfig)
			if err != nil {
				return err
			}
			logger = logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (yaml, json, or toml)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newAssembleCmd(),
		newResolveCmd(),
		newServeCmd(),
		newJobsCmd(),
	)

	return root
}
