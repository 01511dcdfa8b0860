package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/mirrorbox/mirrorbox/internal/server"
	"github.com/mirrorbox/mirrorbox/internal/server/storage"
	"github.com/mirrorbox/mirrorbox/internal/version"
)

func main() {
	var addr string
	var certFile string
	var keyFile string
	var dataDir string
	var dbPath string
	var storageKind string
	var s3Bucket string
	var s3Region string
	var s3Endpoint string
	var tombstoneGrace time.Duration

	handler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.RFC3339,
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	slog.SetDefault(slog.New(handler))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:     "mirrorbox-server",
		Short:   "MirrorBox relay server",
		Version: version.Detailed(),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			config := &server.Config{
				Http: &server.HttpConfig{
					Addr:     addr,
					CertFile: certFile,
					KeyFile:  keyFile,
				},
				Storage: &storage.Config{
					Kind:    storageKind,
					DataDir: dataDir,
					S3: &storage.S3Config{
						BucketName: s3Bucket,
						Region:     s3Region,
						Endpoint:   s3Endpoint,
						AccessKey:  os.Getenv("MIRRORBOX_S3_ACCESS_KEY"),
						SecretKey:  os.Getenv("MIRRORBOX_S3_SECRET_KEY"),
					},
				},
				DBPath:         dbPath,
				TombstoneGrace: tombstoneGrace,
			}

			s, err := server.New(config)
			if err != nil {
				return err
			}

			defer slog.Info("Bye!")
			return s.Start(cmd.Context())
		},
	}

	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringVarP(&addr, "bind", "b", server.DefaultAddr, "Address to bind the server")
	rootCmd.Flags().StringVarP(&certFile, "cert", "c", "", "Path to the certificate file")
	rootCmd.Flags().StringVarP(&keyFile, "key", "k", "", "Path to the key file")
	rootCmd.Flags().StringVarP(&dataDir, "datadir", "d", "./data/envelopes", "Directory for the local storage backend")
	rootCmd.Flags().StringVar(&dbPath, "db", "./data/relay.db", "Path to the relay database")
	rootCmd.Flags().StringVar(&storageKind, "storage", "local", "Storage backend (local or s3)")
	rootCmd.Flags().StringVar(&s3Bucket, "s3-bucket", "mirrorbox", "S3 bucket name")
	rootCmd.Flags().StringVar(&s3Region, "s3-region", "us-east-1", "S3 region")
	rootCmd.Flags().StringVar(&s3Endpoint, "s3-endpoint", "", "S3 endpoint override")
	rootCmd.Flags().DurationVar(&tombstoneGrace, "tombstone-grace", 24*time.Hour, "Tombstone retention before pruning")

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
