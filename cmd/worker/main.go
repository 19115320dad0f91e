// Package main is the entry point for the ingestion worker. It consumes
// extract and index jobs and runs the stale reservation sweeper.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/Aryan1718/enterprise-rag-platform/internal/api/handlers"
	"github.com/Aryan1718/enterprise-rag-platform/internal/app"
	"github.com/Aryan1718/enterprise-rag-platform/internal/config"
	"github.com/Aryan1718/enterprise-rag-platform/internal/metrics"
	"github.com/Aryan1718/enterprise-rag-platform/pkg/logger"
	"github.com/Aryan1718/enterprise-rag-platform/pkg/shutdown"
)

const version = "0.1.0"

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

	log.Info("starting ingestion worker",
		"version", version,
		"environment", cfg.Server.Environment,
		"queue", cfg.Queue.Backend,
		"concurrency", cfg.Queue.Concurrency,
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

	scheduler, consumer, err := a.Queue(initCtx)
	if err != nil {
		return fmt.Errorf("failed to connect to job queue: %w", err)
	}

	pipeline, err := a.Pipeline(initCtx, scheduler, a.Events(initCtx))
	if err != nil {
		return err
	}

	if err := consumer.Start(ctx, pipeline.Handlers()); err != nil {
		return fmt.Errorf("failed to start job consumer: %w", err)
	}
	shutdownHandler.RegisterNamed("job_consumer", consumer.Stop)
	log.Info("job consumer started")

	sweep := a.Sweeper()
	if err := sweep.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sweeper: %w", err)
	}
	shutdownHandler.RegisterNamed("sweeper", sweep.Stop)

	checks := []handlers.NamedCheck{{Name: "database", Checker: a.DB}}
	if cfg.Queue.Backend != "rabbitmq" {
		if nc, err := a.NATS(initCtx); err == nil {
			checks = append(checks, handlers.NamedCheck{Name: "nats", Checker: nc})
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/health", handlers.ReadyCheck(checks...))
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.WorkerPort),
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("starting HTTP server", "port", cfg.Server.WorkerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", "error", err)
		}
	}()

	shutdownHandler.RegisterNamed("http_server", server.Shutdown)

	log.Info("worker started successfully",
		"version", version,
		"http_port", cfg.Server.WorkerPort,
	)

	if err := shutdownHandler.Wait(); err != nil {
		log.Error("shutdown completed with errors", "error", err)
		return err
	}
	log.Info("worker stopped")
	return nil
}
