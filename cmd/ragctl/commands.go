package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/Aryan1718/enterprise-rag-platform/internal/app"
	"github.com/Aryan1718/enterprise-rag-platform/internal/documents"
	"github.com/Aryan1718/enterprise-rag-platform/internal/jobs"
	"github.com/Aryan1718/enterprise-rag-platform/internal/query"
	"github.com/Aryan1718/enterprise-rag-platform/internal/realtime"
	"github.com/Aryan1718/enterprise-rag-platform/internal/storage"
	"github.com/Aryan1718/enterprise-rag-platform/internal/sweeper"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if err := a.DB.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("failed to apply schema: %w", err)
			}
			log.Info("schema applied")
			return nil
		},
	}
}

func newWorkspaceCmd() *cobra.Command {
	var id, name string

	cmd := &cobra.Command{
		Use:   "workspace",
		Short: "Create a workspace",
		Example: `  # Create a workspace with a generated id
  ragctl workspace --name=legal

  # Create a workspace with a known id
  ragctl workspace --id=3f1c... --name=legal`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws := uuid.New()
			if id != "" {
				parsed, err := parseWorkspace(id)
				if err != nil {
					return err
				}
				ws = parsed
			}

			a, _, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if err := a.DB.EnsureWorkspace(cmd.Context(), ws, name); err != nil {
				return err
			}
			fmt.Println(ws)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Workspace id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "Workspace name")
	return cmd
}

func newUsageCmd() *cobra.Command {
	var workspace string

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show today's token usage for a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := parseWorkspace(workspace)
			if err != nil {
				return err
			}
			a, _, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if err := a.DB.EnsureWorkspace(cmd.Context(), ws, ""); err != nil {
				return err
			}
			status, err := a.Ledger.Status(cmd.Context(), ws)
			if err != nil {
				return err
			}
			return printJSON(status)
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "Workspace id (required)")
	_ = cmd.MarkFlagRequired("workspace")
	return cmd
}

func newSweepCmd() *cobra.Command {
	var staleAfter time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Release stale token reservations once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if staleAfter <= 0 {
				staleAfter = a.Config.Budget.ReservationTTL
			}
			rows, err := sweeper.New(a.Ledger, sweeper.Config{StaleAfter: staleAfter}, log.Logger).RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			for _, row := range rows {
				fmt.Printf("%s  %s  released %d\n", row.WorkspaceID, row.Date.Format(time.DateOnly), row.Released)
			}
			fmt.Printf("%d ledger rows swept\n", len(rows))
			return nil
		},
	}

	cmd.Flags().DurationVar(&staleAfter, "stale-after", 0, "Reclaim reservations idle for longer than this (default BUDGET_RESERVATION_TTL)")
	return cmd
}

func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run an ingestion stage in this process",
		Long: "Run extraction or indexing for one document without a broker. " +
			"A successful extraction continues straight into indexing.",
	}
	cmd.AddCommand(newStageCmd("extract", jobs.StageExtract, "Extract pages from an uploaded document, then index it"))
	cmd.AddCommand(newStageCmd("index", jobs.StageIndex, "Chunk and embed a document whose pages are extracted"))
	return cmd
}

func newStageCmd(use, stage, short string) *cobra.Command {
	var workspace, document string

	cmd := &cobra.Command{
		Use:     use,
		Short:   short,
		Example: fmt.Sprintf("  ragctl ingest %s --workspace=... --document=...", use),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := parseWorkspace(workspace)
			if err != nil {
				return err
			}
			docID, err := uuid.Parse(document)
			if err != nil {
				return fmt.Errorf("invalid --document %q", document)
			}

			a, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			inline, err := inlineScheduler(cmd.Context(), a, log.Logger)
			if err != nil {
				return err
			}
			if err := inline.Enqueue(cmd.Context(), stage, ws, docID); err != nil {
				return err
			}
			doc, err := a.Documents.Get(cmd.Context(), ws, docID)
			if err != nil {
				return err
			}
			return printJSON(doc)
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "Workspace id (required)")
	cmd.Flags().StringVarP(&document, "document", "d", "", "Document id (required)")
	_ = cmd.MarkFlagRequired("workspace")
	_ = cmd.MarkFlagRequired("document")
	return cmd
}

func newUploadCmd() *cobra.Command {
	var workspace, file string
	var inline bool

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload a local PDF and start ingestion",
		Long: "Register the file like upload-prepare, store it in object storage and complete the upload. " +
			"With --inline the pipeline runs in this process, otherwise the job is queued for the worker.",
		Example: `  ragctl upload --workspace=... --file=./handbook.pdf --inline`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := parseWorkspace(workspace)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", file, err)
			}
			sum := sha256.Sum256(data)

			a, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			ctx := cmd.Context()

			if err := a.DB.EnsureWorkspace(ctx, ws, ""); err != nil {
				return err
			}
			blobs, err := a.OpenBlobs(ctx)
			if err != nil {
				return err
			}
			docs, err := documentService(ctx, a, log.Logger, inline)
			if err != nil {
				return err
			}

			ticket, err := docs.PrepareUpload(ctx, ws, documents.PrepareUploadRequest{
				Filename:      filepath.Base(file),
				FileSizeBytes: int64(len(data)),
				SHA256:        hex.EncodeToString(sum[:]),
				ContentType:   "application/pdf",
			})
			if err != nil {
				return err
			}
			if _, err := blobs.UploadBytes(ctx, data, ticket.Document.StoragePath, "application/pdf"); err != nil {
				return err
			}
			if _, err := docs.CompleteUpload(ctx, ws, ticket.Document.ID); err != nil {
				return err
			}

			doc, err := docs.Get(ctx, ws, ticket.Document.ID)
			if err != nil {
				return err
			}
			return printJSON(doc)
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "Workspace id (required)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "PDF to upload (required)")
	cmd.Flags().BoolVar(&inline, "inline", false, "Run the pipeline in this process instead of queueing")
	_ = cmd.MarkFlagRequired("workspace")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newReindexCmd() *cobra.Command {
	var workspace, document string
	var allFailed, inline bool

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Restart ingestion for failed documents",
		Example: `  # Requeue one failed document
  ragctl reindex --workspace=... --document=...

  # Requeue every failed document in a workspace and run it here
  ragctl reindex --workspace=... --all-failed --inline`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := parseWorkspace(workspace)
			if err != nil {
				return err
			}
			if (document == "") == !allFailed {
				return errors.New("specify exactly one of --document or --all-failed")
			}

			a, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			ctx := cmd.Context()

			docs, err := documentService(ctx, a, log.Logger, inline)
			if err != nil {
				return err
			}

			var targets []storage.Document
			if allFailed {
				targets, err = docs.Failed(ctx, ws)
				if err != nil {
					return err
				}
			} else {
				id, err := uuid.Parse(document)
				if err != nil {
					return fmt.Errorf("invalid --document %q", document)
				}
				doc, err := docs.Get(ctx, ws, id)
				if err != nil {
					return err
				}
				targets = []storage.Document{*doc}
			}
			if len(targets) == 0 {
				fmt.Println("no failed documents")
				return nil
			}

			bar := progressbar.NewOptions(len(targets),
				progressbar.OptionSetDescription("Reindexing documents"),
				progressbar.OptionShowCount(),
				progressbar.OptionSetTheme(progressbar.Theme{
					Saucer:        "=",
					SaucerHead:    ">",
					SaucerPadding: " ",
					BarStart:      "[",
					BarEnd:        "]",
				}),
			)

			var failed int
			for _, doc := range targets {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if _, err := docs.Reindex(ctx, ws, doc.ID); err != nil {
					log.WithWorkspace(ws.String()).WithDocument(doc.ID.String()).WithError(err).
						Error("failed to reindex document")
					failed++
				}
				_ = bar.Add(1)
			}
			fmt.Println()

			if failed > 0 {
				return fmt.Errorf("%d of %d documents could not be reindexed", failed, len(targets))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "Workspace id (required)")
	cmd.Flags().StringVarP(&document, "document", "d", "", "Failed document id")
	cmd.Flags().BoolVar(&allFailed, "all-failed", false, "Reindex every failed document in the workspace")
	cmd.Flags().BoolVar(&inline, "inline", false, "Run the pipeline in this process instead of queueing")
	_ = cmd.MarkFlagRequired("workspace")
	return cmd
}

func newQueryCmd() *cobra.Command {
	var workspace, question string
	var documents []string

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Ask a question against indexed documents",
		Example: `  ragctl query --workspace=... --documents=<id>,<id> --question="What is the notice period?"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := parseWorkspace(workspace)
			if err != nil {
				return err
			}
			ids := make([]uuid.UUID, 0, len(documents))
			for _, raw := range documents {
				id, err := uuid.Parse(strings.TrimSpace(raw))
				if err != nil {
					return fmt.Errorf("invalid document id %q", raw)
				}
				ids = append(ids, id)
			}

			a, _, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if err := a.DB.EnsureWorkspace(cmd.Context(), ws, ""); err != nil {
				return err
			}
			engine, err := a.QueryEngine()
			if err != nil {
				return err
			}
			res, err := engine.Run(cmd.Context(), query.Request{
				WorkspaceID: ws,
				Question:    question,
				DocumentIDs: ids,
			})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "Workspace id (required)")
	cmd.Flags().StringSliceVarP(&documents, "documents", "d", nil, "Document ids to search (required)")
	cmd.Flags().StringVarP(&question, "question", "q", "", "Question (required)")
	_ = cmd.MarkFlagRequired("workspace")
	_ = cmd.MarkFlagRequired("documents")
	_ = cmd.MarkFlagRequired("question")
	return cmd
}

// inlineScheduler runs pipeline stages in this process. Status events are
// dropped since no hub listens to a CLI run.
func inlineScheduler(ctx context.Context, a *app.App, log *slog.Logger) (*jobs.InlineScheduler, error) {
	s := jobs.NewInlineScheduler(log)
	pipeline, err := a.Pipeline(ctx, s, realtime.NopPublisher{})
	if err != nil {
		return nil, err
	}
	for stage, h := range pipeline.Handlers() {
		s.Register(stage, h)
	}
	return s, nil
}

// documentService schedules ingestion either inline or on the configured queue.
func documentService(ctx context.Context, a *app.App, log *slog.Logger, inline bool) (*documents.Service, error) {
	if inline {
		s, err := inlineScheduler(ctx, a, log)
		if err != nil {
			return nil, err
		}
		return a.DocumentService(ctx, s, realtime.NopPublisher{})
	}
	scheduler, _, err := a.Queue(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to job queue: %w", err)
	}
	return a.DocumentService(ctx, scheduler, a.Events(ctx))
}
