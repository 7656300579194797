// Package main runs the sync daemon: the multi-device synchronization
// backend serving desktop and mobile clients over WebSocket.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codetaoist/taishanglaojun/internal/config"
	"github.com/codetaoist/taishanglaojun/internal/db"
	"github.com/codetaoist/taishanglaojun/internal/entity"
	"github.com/codetaoist/taishanglaojun/internal/logging"
	"github.com/codetaoist/taishanglaojun/internal/models"
	"github.com/codetaoist/taishanglaojun/internal/offline"
	"github.com/codetaoist/taishanglaojun/internal/realtime"
	syncsvc "github.com/codetaoist/taishanglaojun/internal/sync"
	"github.com/codetaoist/taishanglaojun/internal/sync/conflict"
	"github.com/codetaoist/taishanglaojun/internal/sync/scheduler"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Init(os.Stdout, "info")
		logging.Error("Invalid configuration", err, nil)
		os.Exit(1)
	}
	logging.Init(os.Stdout, cfg.LogLevel)
	logging.Info("Sync daemon starting", map[string]interface{}{
		"version": Version,
		"port":    cfg.ListenPort,
	})

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		logging.Error("Failed to open database", err, nil)
		os.Exit(1)
	}
	defer database.Close()

	if err := db.Initialize(database.DB); err != nil {
		logging.Error("Failed to initialize schema", err, nil)
		os.Exit(1)
	}

	repo := db.NewRepository(database.DB)
	defer repo.Close()

	entities := entity.NewStore(repo)
	deviceTypes := func(deviceID string) models.DeviceType {
		d, err := repo.GetDevice(deviceID)
		if err != nil {
			return ""
		}
		return d.DeviceType
	}
	resolver := conflict.NewResolver(cfg.ConflictPolicy, cfg.PriorityDevice, deviceTypes, nil)
	service := syncsvc.NewService(repo, entities, resolver, cfg)

	manager, err := offline.NewManager(repo, cfg)
	if err != nil {
		logging.Error("Failed to restore offline state", err, nil)
		os.Exit(1)
	}

	// Queued operations drain into the change journal with their original
	// write time, so stale queued writes lose conflict resolution against
	// newer edits instead of overwriting them
	applier := offline.ApplierFunc(func(op *models.OfflineOperation) error {
		_, err := service.ApplyQueuedOperation(op)
		return err
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.NewScheduler(manager, applier, cfg)
	sched.Start(ctx)

	rt := realtime.NewManager(service, cfg)
	errCh := make(chan error, 1)
	go func() { errCh <- rt.StartService() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info("Shutting down", map[string]interface{}{"signal": sig.String()})
	case err := <-errCh:
		if err != nil {
			logging.Error("Realtime service failed", err, nil)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		logging.Error("Realtime shutdown failed", err, nil)
	}
	sched.Stop()
	cancel()

	logging.Info("Sync daemon stopped", nil)
}
