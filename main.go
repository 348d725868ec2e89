package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/guidebazaar/studlyff-sub000/config"
	"github.com/guidebazaar/studlyff-sub000/db"
	"github.com/guidebazaar/studlyff-sub000/expiry"
	"github.com/guidebazaar/studlyff-sub000/logging"
	"github.com/guidebazaar/studlyff-sub000/server"
	"github.com/guidebazaar/studlyff-sub000/service"
	"github.com/guidebazaar/studlyff-sub000/supervisor"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:          "socialgraph",
		Short:        "Connection requests, connections and direct messages over HTTP",
		SilenceUsage: true,
		RunE:         runServe,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the expiry sweeper (default)",
		RunE:  runServe,
	}

	purgeCmd = &cobra.Command{
		Use:   "purge",
		Short: "Remove expired connection requests and messages once, then exit",
		RunE:  runPurge,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default: $"+config.PathEnvVar+" or ./config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(purgeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads configuration, configures logging and opens the store.
func setup() (*config.Config, db.Store, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, err
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	store, err := db.Open(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	logging.Info().
		Str("driver", cfg.Store.Driver).
		Str("path", cfg.Store.Path).
		Bool("breaker", cfg.Breaker.Enabled).
		Msg("store opened")
	return cfg, store, nil
}

func closeStore(store db.Store) {
	if err := store.Close(); err != nil {
		logging.Error().Err(err).Msg("close store")
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, store, err := setup()
	if err != nil {
		return err
	}
	defer closeStore(store)

	opts := service.Options{
		TTL:          cfg.Expiry.TTL,
		MaxTextBytes: cfg.Messages.MaxTextBytes,
	}
	srv := server.New(
		service.NewGraph(store, opts),
		service.NewChannel(store, opts),
		store,
		server.ConfigFrom(cfg),
	)

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddMaintenanceService(expiry.NewSweeper(store, cfg.Expiry.SweepInterval))
	tree.AddAPIService(supervisor.NewHTTPService(srv.HTTPServer(), cfg.Server.Addr(), cfg.Server.ShutdownTimeout))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().
		Str("addr", cfg.Server.Addr()).
		Dur("ttl", cfg.Expiry.TTL).
		Dur("sweep_interval", cfg.Expiry.SweepInterval).
		Msg("starting")

	err = tree.Serve(ctx)
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		logging.Info().Msg("shutting down")
		return nil
	}
	return err
}

func runPurge(cmd *cobra.Command, _ []string) error {
	_, store, err := setup()
	if err != nil {
		return err
	}
	defer closeStore(store)

	result, err := expiry.NewSweeper(store, 0).Sweep(cmd.Context())
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "purged %d connection requests, %d messages\n", result.Requests, result.Messages)
	return nil
}
