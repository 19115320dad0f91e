// Package main is the operator CLI: schema migration, usage inspection,
// manual sweeps and in-process ingestion and queries.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Aryan1718/enterprise-rag-platform/internal/app"
	"github.com/Aryan1718/enterprise-rag-platform/internal/config"
	"github.com/Aryan1718/enterprise-rag-platform/pkg/logger"
)

// Version information (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := &cobra.Command{
		Use:           "ragctl",
		Short:         "Enterprise RAG operator CLI",
		Long:          "Operate the document store, token ledger and ingestion pipeline directly against the database.",
		Version:       fmt.Sprintf("%s (built %s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newWorkspaceCmd())
	rootCmd.AddCommand(newUsageCmd())
	rootCmd.AddCommand(newSweepCmd())
	rootCmd.AddCommand(newUploadCmd())
	rootCmd.AddCommand(newIngestCmd())
	rootCmd.AddCommand(newReindexCmd())
	rootCmd.AddCommand(newQueryCmd())

	return rootCmd.ExecuteContext(ctx)
}

// bootstrap loads configuration and connects to the database. Callers must
// Close the returned App.
func bootstrap() (*app.App, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
		Output:    os.Stderr,
	})
	log.SetDefault()

	a, err := app.New(cfg, log.Logger)
	if err != nil {
		return nil, nil, err
	}
	return a, log, nil
}

func parseWorkspace(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("invalid --workspace %q", raw)
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
