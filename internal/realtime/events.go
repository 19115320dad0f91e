// Package realtime pushes document status changes to WebSocket clients of
// the owning workspace.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status events are published per workspace on documents.status.<workspace_id>.
const (
	subjectStatusPrefix = "documents.status."
	SubjectStatusAll    = subjectStatusPrefix + "*"
)

// StatusSubject returns the subject for a workspace's status events.
func StatusSubject(workspaceID uuid.UUID) string {
	return subjectStatusPrefix + workspaceID.String()
}

// DocumentStatusEvent is published on every document transition.
type DocumentStatusEvent struct {
	EventID      string    `json:"event_id"`
	WorkspaceID  uuid.UUID `json:"workspace_id"`
	DocumentID   uuid.UUID `json:"document_id"`
	Status       string    `json:"status"`
	PageCount    int       `json:"page_count,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// NewDocumentStatusEvent creates an event with a generated ID.
func NewDocumentStatusEvent(workspaceID, documentID uuid.UUID, status string) DocumentStatusEvent {
	return DocumentStatusEvent{
		EventID:     uuid.New().String(),
		WorkspaceID: workspaceID,
		DocumentID:  documentID,
		Status:      status,
		OccurredAt:  time.Now().UTC(),
	}
}

// Validate checks if the event has required fields.
func (e *DocumentStatusEvent) Validate() error {
	if e.WorkspaceID == uuid.Nil {
		return fmt.Errorf("workspace_id is required")
	}
	if e.DocumentID == uuid.Nil {
		return fmt.Errorf("document_id is required")
	}
	if e.Status == "" {
		return fmt.Errorf("status is required")
	}
	return nil
}

// Publisher sends status events.
type Publisher interface {
	PublishStatus(ctx context.Context, event DocumentStatusEvent) error
}

// Bus is the subset of the NATS client used for status events.
type Bus interface {
	Publish(subject string, event any) error
}

// BusPublisher publishes status events on a Bus.
type BusPublisher struct {
	bus Bus
}

// NewBusPublisher creates a BusPublisher.
func NewBusPublisher(bus Bus) *BusPublisher {
	return &BusPublisher{bus: bus}
}

// PublishStatus implements Publisher.
func (p *BusPublisher) PublishStatus(ctx context.Context, event DocumentStatusEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	return p.bus.Publish(StatusSubject(event.WorkspaceID), event)
}

// NopPublisher drops events. It is used when NATS is not configured.
type NopPublisher struct{}

// PublishStatus implements Publisher.
func (NopPublisher) PublishStatus(context.Context, DocumentStatusEvent) error { return nil }

func decodeStatusEvent(subject string, data []byte) (DocumentStatusEvent, error) {
	var event DocumentStatusEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return event, fmt.Errorf("failed to unmarshal status event: %w", err)
	}
	if err := event.Validate(); err != nil {
		return event, err
	}
	// The subject is authoritative for routing.
	if ws := strings.TrimPrefix(subject, subjectStatusPrefix); ws != event.WorkspaceID.String() {
		return event, fmt.Errorf("event workspace %s does not match subject %s", event.WorkspaceID, subject)
	}
	return event, nil
}
