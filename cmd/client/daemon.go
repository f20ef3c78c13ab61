package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dropsync/dropsync/internal/client"
	"github.com/dropsync/dropsync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(newDaemonCmd())
}

// newDaemonCmd runs the sync engine in the foreground. It is the same
// engine the root command starts; it exists as an explicit subcommand for
// process supervisors (systemd, launchd) that expect a verb to invoke.
func newDaemonCmd() *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the dropsync engine in the foreground",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			slog.Info("dropsync daemon", "version", version.Version, "revision", version.Revision, "build", version.BuildDate)
			slog.Info("daemon using config", "path", viper.ConfigFileUsed())

			cfg, err := configFromViper()
			if err != nil {
				return err
			}

			c, err := client.New(cfg)
			if err != nil {
				return err
			}

			defer slog.Info("Bye!")
			if err := c.Start(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("daemon start", "error", err)
				return err
			}
			return nil
		},
	}

	return daemonCmd
}
