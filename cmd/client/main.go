package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dropsync/dropsync/internal/client"
	"github.com/dropsync/dropsync/internal/client/config"
	"github.com/dropsync/dropsync/internal/utils"
	"github.com/dropsync/dropsync/internal/version"
)

var (
	home, _          = os.UserHomeDir()
	defaultServerURL = "https://api.dropsync.example.com"
	configFileName   = "config"
)

var rootCmd = &cobra.Command{
	Use:     "dropsync",
	Short:   "Dropsync CLI",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := configFromViper()
		if err != nil {
			return err
		}

		cmd.SilenceUsage = true
		printBanner()

		c, err := client.New(cfg)
		if err != nil {
			return err
		}

		defer slog.Info("Bye!")
		return c.Start(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("email", "e", "", "Email associated with this sync account")
	rootCmd.Flags().StringP("syncdir", "d", config.DefaultSyncDir, "Directory to sync")
	rootCmd.Flags().StringP("server", "s", defaultServerURL, "Dropsync server URL")
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "Dropsync config file")
}

func main() {
	logFile := config.DefaultLogFilePath
	logDir := filepath.Dir(logFile)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create log directory: %v\n", err)
		os.Exit(1)
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	logInterceptor := utils.NewLogInterceptor(file)
	fileHandler := slog.NewTextHandler(logInterceptor, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})

	multiLogHandler := utils.NewMultiLogHandler(stdoutHandler, fileHandler)
	slog.SetDefault(slog.New(multiLogHandler))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".dropsync"))
		viper.AddConfigPath(filepath.Join(home, ".config", "dropsync"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !errors.Is(err, os.ErrNotExist) && !notFound {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("email", cmd.Flags().Lookup("email"))
	viper.BindPFlag("sync_dir", cmd.Flags().Lookup("syncdir"))
	viper.BindPFlag("server_url", cmd.Flags().Lookup("server"))

	viper.SetEnvPrefix("DROPSYNC")
	viper.AutomaticEnv()

	return nil
}

func configFromViper() (*config.Config, error) {
	cfg := &config.Config{
		Path:                viper.ConfigFileUsed(),
		Email:               viper.GetString("email"),
		SyncDir:             viper.GetString("sync_dir"),
		ServerURL:           viper.GetString("server_url"),
		RefreshToken:        viper.GetString("refresh_token"),
		AccessToken:         viper.GetString("access_token"),
		CaseSensitiveHost:   viper.GetBool("case_sensitive_host"),
		WorkerPoolSize:      viper.GetInt("worker_pool_size"),
		MaintenanceInterval: viper.GetInt("maintenance_interval_s"),
		PauseResetThreshold: viper.GetInt("pause_reset_threshold_s"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func printBanner() {
	color.New(color.FgHiCyan, color.Bold).Printf("dropsync %s\n", version.Version)
}
