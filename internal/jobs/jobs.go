// Package jobs hands ingestion work between processes. A job names a stage
// and a document; the stage itself decides whether there is anything to do.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage subjects. They double as queue names for RabbitMQ.
const (
	StageExtract = "ingest.extract"
	StageIndex   = "ingest.index"
)

// Stages lists every stage a consumer serves.
var Stages = []string{StageExtract, StageIndex}

// Job is the payload of one queued stage run.
type Job struct {
	ID          uuid.UUID `json:"job_id"`
	Stage       string    `json:"stage"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
	DocumentID  uuid.UUID `json:"document_id"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// NewJob creates a job with a fresh id.
func NewJob(stage string, workspaceID, documentID uuid.UUID) Job {
	return Job{
		ID:          uuid.New(),
		Stage:       stage,
		WorkspaceID: workspaceID,
		DocumentID:  documentID,
		EnqueuedAt:  time.Now().UTC(),
	}
}

// Validate checks if the job has required fields.
func (j Job) Validate() error {
	switch j.Stage {
	case StageExtract, StageIndex:
	default:
		return fmt.Errorf("unknown stage %q", j.Stage)
	}
	if j.DocumentID == uuid.Nil {
		return fmt.Errorf("document_id is required")
	}
	if j.WorkspaceID == uuid.Nil {
		return fmt.Errorf("workspace_id is required")
	}
	return nil
}

func decodeJob(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, fmt.Errorf("failed to decode job: %w", err)
	}
	if err := j.Validate(); err != nil {
		return Job{}, fmt.Errorf("invalid job: %w", err)
	}
	return j, nil
}

// Scheduler enqueues a stage run. It is fire-and-forget: delivery may be
// duplicated or reordered and stages must tolerate both.
type Scheduler interface {
	Enqueue(ctx context.Context, stage string, workspaceID, documentID uuid.UUID) error
}

// Handler runs one job. A nil return acknowledges the job, including jobs the
// stage handled by marking the document failed. An error means the stage
// could not record an outcome and the job should be redelivered.
type Handler func(ctx context.Context, job Job) error

// Handlers maps stage names to handlers.
type Handlers map[string]Handler

// Consumer delivers queued jobs to handlers until stopped.
type Consumer interface {
	Start(ctx context.Context, handlers Handlers) error
	Stop(ctx context.Context) error
}

// RedeliveryConfig bounds redelivery of failed jobs.
type RedeliveryConfig struct {
	MaxDeliver   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRedeliveryConfig is 5 deliveries with delays from 2s up to 1m.
func DefaultRedeliveryConfig() RedeliveryConfig {
	return RedeliveryConfig{
		MaxDeliver:   5,
		InitialDelay: 2 * time.Second,
		MaxDelay:     time.Minute,
	}
}

// Action is what a consumer does with a delivery once the handler returned.
type Action int

const (
	ActionAck Action = iota
	ActionRetry
	ActionDrop
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionDrop:
		return "drop"
	default:
		return "ack"
	}
}

// Decide maps a handler result and the delivery count (1 for the first
// delivery) to an action and, for retries, the delay before redelivery.
func (c RedeliveryConfig) Decide(err error, delivered int) (Action, time.Duration) {
	if err == nil {
		return ActionAck, 0
	}
	if delivered >= c.MaxDeliver {
		return ActionDrop, 0
	}
	delay := c.InitialDelay
	for i := 1; i < delivered && delay < c.MaxDelay; i++ {
		delay *= 2
	}
	return ActionRetry, min(delay, c.MaxDelay)
}
