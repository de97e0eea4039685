// Command replicatord runs one multi-master replication endpoint: it owns a
// set of durable event logs, dials the connections configured for it, and
// serves reads back to whichever peers pull from it.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	flagConfigFile string
	flagLogLevel   string
	flagLogFormat  string

	logOutput io.Writer
	logger    zerolog.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "replicatord",
	Short: "A multi-master event replication daemon",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(flagLogLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", flagLogLevel, err)
		}
		zerolog.SetGlobalLevel(level)

		if flagLogFormat == "console" {
			logOutput = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
		} else {
			logOutput = os.Stderr
		}
		logger = zerolog.New(logOutput).With().Timestamp().Logger()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFile, "config", "", "path to a TOML config file (default: $HOME/.replicatord/config.toml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "console", "log format (console, json)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(availabilityCmd)
}
