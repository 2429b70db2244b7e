package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/xypine/codestrain/internal/api"
	"github.com/xypine/codestrain/internal/battle"
	"github.com/xypine/codestrain/internal/config"
	"github.com/xypine/codestrain/internal/logging"
	"github.com/xypine/codestrain/internal/repository"
	"github.com/xypine/codestrain/internal/sandbox"
	"github.com/xypine/codestrain/internal/tournament"
)

var (
	configPath = flag.String("config", "config/config.yaml", "path to configuration file")
	version    = "dev" // set via ldflags during build
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting codestrain server",
		zap.String("version", version),
		zap.String("config", *configPath),
	)

	// Create context that listens for termination signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	store, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		logger.Fatal("failed to migrate store", zap.Error(err))
	}

	rules, err := cfg.Battle.Rules()
	if err != nil {
		logger.Fatal("invalid battle rules", zap.Error(err))
	}

	adapter := sandbox.NewAdapter(sandbox.NewJSCapability(logger), cfg.Sandbox.Options(), logger)
	logger.Info("sandbox initialized",
		zap.Duration("load_timeout", cfg.Sandbox.LoadTimeout),
		zap.Duration("call_timeout", cfg.Sandbox.CallTimeout),
	)

	hub := api.NewHub(logger)
	go hub.Run(ctx)

	runner, err := battle.NewRunner(rules, store, store, adapter, logger,
		battle.WithObserver(hub.Publish),
		battle.WithArchiver(battle.NewArchiver(logger, cfg.Battle.ReplayDir)),
	)
	if err != nil {
		logger.Fatal("failed to create battle runner", zap.Error(err))
	}
	logger.Info("battle runner initialized",
		zap.Int("arena_size", rules.ArenaSize),
		zap.Int("moves_per_round", rules.MovesPerRound),
		zap.String("illegal_move_policy", string(rules.Policy)),
		zap.String("replay_dir", cfg.Battle.ReplayDir),
	)

	tournamentMgr := tournament.NewManager(runner, cfg.Battle.MaxConcurrent, logger)
	logger.Info("tournament manager initialized",
		zap.Int("max_concurrent", cfg.Battle.MaxConcurrent),
	)

	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      api.NewServer(ctx, store, runner, tournamentMgr, hub, logger).Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", zap.String("address", cfg.Server.Address))
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(serveErr))
			sigChan <- syscall.SIGTERM
		}
	}()

	// Wait for termination signal
	sig := <-sigChan
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	logger.Info("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}

	// Running tournaments stop scheduling battles once the context is gone.
	cancel()
	tournamentMgr.Wait()

	logger.Info("codestrain server stopped")
}

// openStore connects to the configured database driver.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (repository.Store, error) {
	switch cfg.Driver {
	case "postgres":
		db, err := repository.NewDB(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		stats := db.Stats()
		logger.Info("database connection pool initialized",
			zap.Int32("total_conns", stats.TotalConns()),
			zap.Int32("idle_conns", stats.IdleConns()),
		)
		return repository.NewPostgres(db, logger), nil
	case "sqlite":
		store, err := repository.OpenSQLite(cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("sqlite database opened", zap.String("path", cfg.SQLitePath))
		return store, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
