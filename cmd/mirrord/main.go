package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/config"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/mirrorserver"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/store/pgstore"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagDatabaseURL = "database-url"
	flagListenAddr  = "listen-addr"
	flagAPIKey      = "api-key"
	flagStore       = "store"
	envPrefix       = "MIRRORD"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mirrord: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.MirrorServerConfig{}
	cmd := &cobra.Command{
		Use:           "mirrord",
		Short:         "Remote authoritative token ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, "", "PostgreSQL URL, sqlite:// URL or SQLite file path")
	cmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	cmd.Flags().String(flagAPIKey, "", "bearer key required on ledger routes (empty disables auth)")
	cmd.Flags().String(flagStore, config.StoreBackendGorm, "store backend: gorm (SQLite or PostgreSQL) or pgx (PostgreSQL)")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *config.MirrorServerConfig) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range []string{flagDatabaseURL, flagListenAddr, flagAPIKey, flagStore} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.APIKey = v.GetString(flagAPIKey)
	cfg.StoreBackend = strings.TrimSpace(v.GetString(flagStore))
	return cfg.Validate()
}

func runServer(ctx context.Context, cfg *config.MirrorServerConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	server, err := mirrorserver.New(store,
		mirrorserver.WithAPIKey(cfg.APIKey),
		mirrorserver.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("mirror server init: %w", err)
	}
	if cfg.APIKey == "" {
		logger.Warn("api key not configured; ledger routes are unauthenticated")
	}
	return server.Run(ctx, cfg.ListenAddr)
}

func openStore(ctx context.Context, cfg *config.MirrorServerConfig, logger *zap.Logger) (mirrorserver.Store, func(), error) {
	if cfg.StoreBackend == config.StoreBackendPgx {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database open: %w", err)
		}
		store := pgstore.New(pool)
		if err := store.PrepareSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("mirror database ready", zap.String("backend", cfg.StoreBackend))
		return store, pool.Close, nil
	}

	gormDB, closeDB, driver, err := gormstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database open: %w", err)
	}
	if err := gormstore.PrepareSchema(gormDB, driver); err != nil {
		_ = closeDB()
		return nil, nil, err
	}
	logger.Info("mirror database ready", zap.String("backend", cfg.StoreBackend), zap.String("driver", driver))
	return gormstore.New(gormDB), func() { _ = closeDB() }, nil
}
