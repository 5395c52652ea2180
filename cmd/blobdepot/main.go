package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blobdepot/blobdepot/internal/blob"
	"github.com/blobdepot/blobdepot/internal/config"
	"github.com/blobdepot/blobdepot/internal/db"
	"github.com/blobdepot/blobdepot/internal/storage"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

const version = "0.3.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:     "blobdepot",
	Short:   "Blob metadata and lifecycle maintenance",
	Version: version,
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete unattached blobs older than a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, err := cmd.Flags().GetDuration("older-than")
		if err != nil {
			return err
		}

		store, cleanup, err := openStore()
		if err != nil {
			return err
		}
		defer cleanup()

		result, err := store.PurgeUnattached(cmd.Context(), olderThan)
		if err != nil {
			return err
		}
		fmt.Printf("scanned %d, purged %d, failed %d\n", result.Scanned, result.Purged, result.Failed)
		return nil
	},
}

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List configured storage backends",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		setupLogger(cfg)

		// Constructing the registry validates every backend eagerly.
		registry, err := storage.NewRegistry(cfg.Backends, cfg.DefaultService)
		if err != nil {
			return err
		}

		for _, name := range registry.Names() {
			marker := " "
			if name == registry.DefaultName() {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, name)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show blob store totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cleanup, err := openStore()
		if err != nil {
			return err
		}
		defer cleanup()

		count, total, err := store.Totals(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%d blobs, %s\n", count, humanize.IBytes(uint64(total)))
		return nil
	},
}

func openStore() (*blob.Store, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	setupLogger(cfg)

	registry, err := storage.NewRegistry(cfg.Backends, cfg.DefaultService)
	if err != nil {
		return nil, nil, err
	}

	database, err := db.NewSqliteDB(db.WithPath(cfg.DBPath))
	if err != nil {
		return nil, nil, err
	}

	store, err := blob.NewStore(database, registry)
	if err != nil {
		database.Close()
		return nil, nil, err
	}

	return store, func() { database.Close() }, nil
}

func setupLogger(cfg *config.Config) {
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      cfg.SlogLevel(),
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	slog.SetDefault(slog.New(handler))
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "blobdepot.yaml", "Path to the config file")
	purgeCmd.Flags().Duration("older-than", 24*time.Hour, "Only purge blobs created before now minus this duration")
	rootCmd.AddCommand(purgeCmd, backendsCmd, statsCmd)
}

func main() {
	// .env is optional; ignore a missing file
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
