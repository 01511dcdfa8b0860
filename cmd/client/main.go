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
	"time"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirrorbox/mirrorbox/internal/client"
	"github.com/mirrorbox/mirrorbox/internal/client/config"
	"github.com/mirrorbox/mirrorbox/internal/utils"
	"github.com/mirrorbox/mirrorbox/internal/version"
)

var (
	home, _          = os.UserHomeDir()
	defaultServerURL = "http://localhost:8080"
	configFileName   = "config"
)

var rootCmd = &cobra.Command{
	Use:     "mirrorbox",
	Short:   "MirrorBox sync client",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := &config.Config{
			Path:             viper.ConfigFileUsed(),
			DataDir:          viper.GetString("data_dir"),
			ServerURL:        viper.GetString("server_url"),
			GroupID:          viper.GetString("group_id"),
			ClientID:         viper.GetString("client_id"),
			FullSyncInterval: viper.GetDuration("full_sync_interval"),
			Debounce:         viper.GetDuration("debounce"),
			MaxRetries:       viper.GetInt("max_retries"),
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		cmd.SilenceUsage = true
		showHeader()

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
	rootCmd.Flags().StringP("datadir", "d", config.DefaultDataDir, "Directory to keep in sync")
	rootCmd.Flags().StringP("server", "s", defaultServerURL, "Relay server URL")
	rootCmd.Flags().StringP("group", "g", "", "Sync group identifier")
	rootCmd.Flags().DurationP("interval", "i", config.DefaultFullSyncInterval, "Full sync interval")
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "MirrorBox config file")
}

func main() {
	setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.RFC3339,
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})

	logFile := filepath.Join(home, ".mirrorbox", "client.log")
	if err := utils.EnsureParent(logFile); err != nil {
		fmt.Fprintf(os.Stderr, "create log directory: %v\n", err)
		os.Exit(1)
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewTextHandler(file, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	logger := slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler))
	slog.SetDefault(logger)
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".mirrorbox"))
		viper.AddConfigPath(filepath.Join(home, ".config/mirrorbox"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("data_dir", cmd.Flags().Lookup("datadir"))
	viper.BindPFlag("server_url", cmd.Flags().Lookup("server"))
	viper.BindPFlag("group_id", cmd.Flags().Lookup("group"))
	viper.BindPFlag("full_sync_interval", cmd.Flags().Lookup("interval"))

	viper.SetEnvPrefix("MIRRORBOX")
	viper.AutomaticEnv()

	return nil
}

func showHeader() {
	color.New(color.FgHiCyan, color.Bold).
		Printf("%s %s\n", version.AppName, version.Version)
}
