package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"guestmode/internal/api"
	"guestmode/internal/clock"
	"guestmode/internal/config"
	"guestmode/internal/guest"
	"guestmode/internal/ha"
	"guestmode/internal/policy"
	"guestmode/internal/restore"
	"guestmode/internal/shadowstate"
	"guestmode/internal/state"

	"go.uber.org/zap"
)

func main() {
	cfg, foundEnv, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if !foundEnv {
		logger.Warn("No .env file found, using environment variables")
	}

	logger.Info("Starting Guest Mode service",
		zap.String("url", cfg.HAURL),
		zap.String("zones_file", cfg.ZonesFile),
		zap.Bool("read_only", cfg.ReadOnly))

	store := policy.NewStore(cfg.ZonesFile, logger)
	if err := store.Load(); err != nil {
		logger.Fatal("Failed to load zones", zap.Error(err))
	}

	restoreStore, err := openRestoreStore(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal("Failed to open restore store", zap.Error(err))
	}
	defer restoreStore.Close()

	client := ha.NewClient(cfg.HAURL, cfg.HAToken, logger)
	if err := client.Connect(); err != nil {
		logger.Fatal("Failed to connect to Home Assistant", zap.Error(err))
	}
	defer client.Disconnect()

	logger.Info("Connected to Home Assistant")

	stateManager := state.NewManager(client, logger, cfg.ReadOnly)
	registry := shadowstate.NewSubscriptionRegistry()

	manager := guest.NewManager(client, store, stateManager, restoreStore, registry, clock.System, logger, cfg.ReadOnly)
	if err := manager.Start(); err != nil {
		logger.Fatal("Failed to start guest mode", zap.Error(err))
	}
	defer manager.Stop()

	if cfg.ReadOnly {
		logger.Info("Running in READ-ONLY mode - no changes will be made to Home Assistant")
	}

	if cfg.ReloadInterval > 0 {
		watcher := config.NewWatcher(cfg.ZonesFile, cfg.ReloadInterval, manager.Reload, logger)
		watcher.Start()
		defer watcher.Stop()
	}

	if cfg.APIPort > 0 {
		server := api.NewServer(manager, logger, cfg.APIPort)
		if err := server.Start(); err != nil {
			logger.Fatal("Failed to start HTTP API", zap.Error(err))
		}
		defer func() {
			if err := server.Stop(); err != nil {
				logger.Error("Failed to stop HTTP API", zap.Error(err))
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	logger.Info("Guest mode running. Press Ctrl+C to exit.")

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			logger.Info("Received SIGHUP, reloading zones")
			if err := manager.Reload(); err != nil {
				logger.Error("Failed to reload zones", zap.Error(err))
			}
			continue
		}
		break
	}

	logger.Info("Shutting down gracefully...")
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// openRestoreStore uses SQLite when a path is configured and memory otherwise
func openRestoreStore(path string, logger *zap.Logger) (restore.Store, error) {
	if path == "" {
		logger.Info("DB_PATH not set, switch positions will not survive a restart")
		return restore.NewMemoryStore(), nil
	}
	store, err := restore.Open(path)
	if err != nil {
		return nil, err
	}
	logger.Info("Opened restore store", zap.String("path", path))
	return store, nil
}
