// Package main is the entry point for the document and query API server.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Aryan1718/enterprise-rag-platform/internal/api"
	"github.com/Aryan1718/enterprise-rag-platform/internal/api/handlers"
	"github.com/Aryan1718/enterprise-rag-platform/internal/api/middleware"
	"github.com/Aryan1718/enterprise-rag-platform/internal/app"
	"github.com/Aryan1718/enterprise-rag-platform/internal/config"
	"github.com/Aryan1718/enterprise-rag-platform/internal/metrics"
	"github.com/Aryan1718/enterprise-rag-platform/internal/realtime"
	"github.com/Aryan1718/enterprise-rag-platform/pkg/logger"
	"github.com/Aryan1718/enterprise-rag-platform/pkg/shutdown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
	})
	log.SetDefault()

	log.Info("starting API server",
		"version", api.ServiceVersion,
		"environment", cfg.Server.Environment,
		"port", cfg.Server.Port,
	)

	shutdownHandler := shutdown.New(log.Logger, cfg.Server.ShutdownTimeout)

	a, err := app.New(cfg, log.Logger)
	if err != nil {
		return err
	}
	shutdownHandler.RegisterNamed("connections", a.Close)

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.DB.Migrate(initCtx); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	blobs, err := a.OpenBlobs(initCtx)
	if err != nil {
		return err
	}

	engine, err := a.QueryEngine()
	if err != nil {
		return err
	}

	scheduler, _, err := a.Queue(initCtx)
	if err != nil {
		return fmt.Errorf("failed to connect to job queue: %w", err)
	}
	docs, err := a.DocumentService(initCtx, scheduler, a.Events(initCtx))
	if err != nil {
		return err
	}

	checks := []handlers.NamedCheck{
		{Name: "database", Checker: a.DB},
		{Name: "object_storage", Checker: blobs},
	}

	// Status events reach browsers through the hub. Without NATS the hub
	// still accepts connections but has nothing to forward.
	hub := realtime.NewWSHub(realtime.DefaultWSConfig(), log.Logger)
	var source realtime.EventSource
	if nc, err := a.NATS(initCtx); err == nil {
		source = nc
		checks = append(checks, handlers.NamedCheck{Name: "nats", Checker: nc})
	}
	if err := hub.Start(ctx, source); err != nil {
		return fmt.Errorf("failed to start WebSocket hub: %w", err)
	}

	deps := api.Dependencies{
		Logger:     log.Logger,
		Documents:  docs,
		Query:      engine,
		History:    a.History(),
		Hub:        hub,
		Metrics:    metrics.Handler(),
		Workspaces: a.DB,
	}
	if redis := a.OpenRedis(); redis != nil {
		deps.RateCounter = redis
		checks = append(checks, handlers.NamedCheck{Name: "redis", Checker: redis})
	}
	deps.Checks = checks

	routerCfg := api.DefaultRouterConfig()
	routerCfg.AllowedOrigins = cfg.Server.AllowedOrigins
	if cfg.Query.RateLimit > 0 {
		routerCfg.QueryLimit = middleware.Limit{Requests: cfg.Query.RateLimit, Window: cfg.Query.RateWindow}
	}
	if cfg.LLM.Timeout > 0 && cfg.LLM.Timeout+30*time.Second > routerCfg.RequestTimeout {
		routerCfg.RequestTimeout = cfg.LLM.Timeout + 30*time.Second
	}

	serverCfg := api.DefaultServerConfig()
	serverCfg.Port = cfg.Server.Port
	if routerCfg.RequestTimeout+30*time.Second > serverCfg.WriteTimeout {
		serverCfg.WriteTimeout = routerCfg.RequestTimeout + 30*time.Second
	}
	server := api.NewServer(api.NewRouter(deps, routerCfg), serverCfg, log.Logger)

	shutdownHandler.RegisterNamed("websocket_hub", hub.Stop)
	shutdownHandler.RegisterNamed("http_server", server.Shutdown)

	go func() {
		if err := server.Start(); err != nil {
			log.Error("HTTP server error", "error", err)
			shutdownHandler.Trigger()
		}
	}()

	log.Info("API server started", "addr", server.Addr())

	if err := shutdownHandler.Wait(); err != nil {
		log.Error("shutdown completed with errors", "error", err)
		return err
	}
	log.Info("API server stopped")
	return nil
}
