package main

import (
	"github.com/Marcinkowski-D/dma-vtt/auth"
	"github.com/Marcinkowski-D/dma-vtt/broadcast"
	"github.com/Marcinkowski-D/dma-vtt/config"
	"github.com/Marcinkowski-D/dma-vtt/logger"
	"github.com/Marcinkowski-D/dma-vtt/monitor"
	"github.com/Marcinkowski-D/dma-vtt/persistence"
	"github.com/Marcinkowski-D/dma-vtt/pipeline"
	"github.com/Marcinkowski-D/dma-vtt/server"
	"github.com/Marcinkowski-D/dma-vtt/services"
	"github.com/Marcinkowski-D/dma-vtt/session"
	"github.com/Marcinkowski-D/dma-vtt/state"
	"github.com/Marcinkowski-D/dma-vtt/timer"
	vttrpc "github.com/Marcinkowski-D/dma-vtt/rpc"
)

func main() {
	// Initialize logger
	logger.Init()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize Database
	var db persistence.Database
	switch cfg.Database.Driver {
	case "sql":
		db, err = persistence.NewPostgres(
			cfg.Database.Postgres.Host,
			cfg.Database.Postgres.Port,
			cfg.Database.Postgres.User,
			cfg.Database.Postgres.Password,
			cfg.Database.Postgres.DBName,
		)
	default:
		db, err = persistence.NewGormPostgres(
			cfg.Database.Postgres.Host,
			cfg.Database.Postgres.Port,
			cfg.Database.Postgres.User,
			cfg.Database.Postgres.Password,
			cfg.Database.Postgres.DBName,
		)
	}
	if err != nil {
		logger.Log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Log.Info("Database connection successful.")

	// Shared infrastructure
	timers := timer.NewManager()
	defer timers.Stop()
	mon := monitor.NewMonitor("dma_vtt")
	if cfg.Server.MonitorAddress != "" {
		mon.StartServer(cfg.Server.MonitorAddress)
	}

	registry := session.NewRegistry()
	dispatcher := broadcast.NewDispatcher(registry, mon)
	worker := persistence.NewSyncWorker(db, timers, mon, 1024, cfg.Engine.CheckpointInterval)
	defer worker.Close()

	// Scene residency: every applied mutation reaches the dispatcher and the
	// persistence worker through the store's sink list.
	scenes := state.NewManager(db, db, timers, mon, cfg.Engine.SceneIdleTTL, dispatcher, worker)
	scenes.SetEvictHook(dispatcher.DropScene)
	worker.SetSnapshotFunc(scenes.SnapshotGM)

	verifier := auth.NewJWTProvider(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	pipe := pipeline.New(scenes, dispatcher, db, mon)

	// Admin RPC surface
	sceneService := services.NewSceneService(db, scenes)
	admin := vttrpc.NewAdminService(sceneService, scenes, registry, verifier)
	rpcServer, err := vttrpc.NewServer(cfg.Server.RPCAddress, admin)
	if err != nil {
		logger.Log.Fatalf("Failed to create RPC server: %v", err)
	}

	// Start Server
	gameServer := server.NewGameServer(cfg.Server.HTTPAddress, registry, pipe, verifier, mon, rpcServer, cfg.Engine.SessionOutboxSize)
	logger.Log.Infof("Starting scene sync server on %s", cfg.Server.HTTPAddress)
	if err := gameServer.Start(); err != nil {
		logger.Log.Fatalf("Failed to start server: %v", err)
	}
}
