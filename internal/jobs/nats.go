package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// StreamIngest holds the stage subjects as a work queue.
const StreamIngest = "INGEST"

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	URL            string
	Name           string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
}

// DefaultNATSConfig returns a sensible default configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		Name:           "enterprise-rag",
		MaxReconnects:  -1, // Infinite reconnects
		ReconnectWait:  2 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// NATSClient wraps NATS connection and JetStream context.
type NATSClient struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	config NATSConfig
	logger *slog.Logger
}

// NewNATSClient connects to NATS with JetStream support.
func NewNATSClient(cfg NATSConfig, logger *slog.Logger) (*NATSClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultNATSConfig()
	if cfg.URL == "" {
		cfg.URL = d.URL
	}
	if cfg.Name == "" {
		cfg.Name = d.Name
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = d.MaxReconnects
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = d.ReconnectWait
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = d.ConnectTimeout
	}

	c := &NATSClient{config: cfg, logger: logger.With("component", "nats")}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(conn *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.logger.Info("reconnected to NATS", "url", conn.ConnectedUrl())
		}),
		nats.ErrorHandler(func(conn *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			c.logger.Error("NATS error", "error", err, "subject", subject)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	c.conn = conn
	c.js = js
	c.logger.Info("connected to NATS", "url", cfg.URL)
	return c, nil
}

// SetupStreams creates or updates the ingest work-queue stream.
func (c *NATSClient) SetupStreams(ctx context.Context) error {
	cfg := &nats.StreamConfig{
		Name:        StreamIngest,
		Description: "Document ingestion stage jobs",
		Subjects:    []string{"ingest.>"},
		Storage:     nats.FileStorage,
		Retention:   nats.WorkQueuePolicy,
		MaxAge:      7 * 24 * time.Hour,
		Duplicates:  2 * time.Minute,
		Replicas:    1,
		Discard:     nats.DiscardOld,
	}

	_, err := c.js.StreamInfo(cfg.Name, nats.Context(ctx))
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, err := c.js.AddStream(cfg, nats.Context(ctx)); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
		}
		c.logger.Info("created stream", "stream", cfg.Name)
	case err != nil:
		return fmt.Errorf("failed to get stream info for %s: %w", cfg.Name, err)
	default:
		if _, err := c.js.UpdateStream(cfg, nats.Context(ctx)); err != nil {
			c.logger.Warn("failed to update stream", "stream", cfg.Name, "error", err)
		}
	}
	return nil
}

// Publish sends an ephemeral event on core NATS. Status events are not
// persisted; a subscriber that is not connected misses them.
func (c *NATSClient) Publish(subject string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe listens on a core NATS subject.
func (c *NATSClient) Subscribe(subject string, handler func(subject string, data []byte)) (*nats.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// JetStream returns the underlying JetStream context.
func (c *NATSClient) JetStream() nats.JetStreamContext {
	return c.js
}

// IsConnected returns true if connected to NATS.
func (c *NATSClient) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Health reports an error when the connection is down.
func (c *NATSClient) Health(ctx context.Context) error {
	if !c.IsConnected() {
		return errors.New("NATS is not connected")
	}
	return nil
}

// Close drains and closes the NATS connection.
func (c *NATSClient) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to drain connection: %w", err)
	}
	c.logger.Info("closed NATS connection")
	return nil
}

// NATSScheduler publishes jobs to JetStream.
type NATSScheduler struct {
	client *NATSClient
	logger *slog.Logger
}

// NewNATSScheduler creates a NATSScheduler.
func NewNATSScheduler(client *NATSClient, logger *slog.Logger) *NATSScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSScheduler{client: client, logger: logger.With("component", "nats_scheduler")}
}

// Enqueue implements Scheduler. The job id is the JetStream message id, so a
// retried publish within the duplicate window is stored once.
func (s *NATSScheduler) Enqueue(ctx context.Context, stage string, workspaceID, documentID uuid.UUID) error {
	job := NewJob(stage, workspaceID, documentID)
	if err := job.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if _, err := s.client.JetStream().Publish(stage, data, nats.Context(ctx), nats.MsgId(job.ID.String())); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", stage, err)
	}
	s.logger.Debug("job enqueued", "stage", stage, "document_id", documentID, "job_id", job.ID)
	return nil
}

// NATSConsumer runs handlers for JetStream jobs. Each stage gets Concurrency
// queue subscriptions on one durable consumer.
type NATSConsumer struct {
	client      *NATSClient
	concurrency int
	ackWait     time.Duration
	redelivery  RedeliveryConfig
	logger      *slog.Logger

	mu       sync.Mutex
	subs     []*nats.Subscription
	stopping bool
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// NewNATSConsumer creates a NATSConsumer.
func NewNATSConsumer(client *NATSClient, concurrency int, ackWait time.Duration, redelivery RedeliveryConfig, logger *slog.Logger) *NATSConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSConsumer{
		client:      client,
		concurrency: max(1, concurrency),
		ackWait:     ackWait,
		redelivery:  redelivery,
		logger:      logger.With("component", "nats_consumer"),
	}
}

// Start subscribes every stage in handlers.
func (c *NATSConsumer) Start(ctx context.Context, handlers Handlers) error {
	ctx, c.cancel = context.WithCancel(ctx)

	for stage, h := range handlers {
		durable := durableName(stage)
		for i := 0; i < c.concurrency; i++ {
			sub, err := c.client.JetStream().QueueSubscribe(
				stage,
				durable,
				func(msg *nats.Msg) {
					if !c.begin() {
						// Left for redelivery to another worker.
						_ = msg.Nak()
						return
					}
					defer c.wg.Done()
					c.handle(ctx, stage, h, msg)
				},
				nats.Durable(durable),
				nats.ManualAck(),
				nats.AckExplicit(),
				nats.AckWait(c.ackWait),
				nats.MaxDeliver(c.redelivery.MaxDeliver),
			)
			if err != nil {
				return fmt.Errorf("failed to subscribe to %s: %w", stage, err)
			}
			c.mu.Lock()
			c.subs = append(c.subs, sub)
			c.mu.Unlock()
		}
		c.logger.Info("consuming stage", "stage", stage, "workers", c.concurrency)
	}
	return nil
}

// begin registers an in-flight job. It refuses once Stop has started so the
// wait group is never incremented while Stop waits on it.
func (c *NATSConsumer) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return false
	}
	c.wg.Add(1)
	return true
}

func (c *NATSConsumer) handle(ctx context.Context, stage string, h Handler, msg *nats.Msg) {
	job, err := decodeJob(msg.Data)
	if err != nil {
		c.logger.Error("dropping malformed job", "stage", stage, "error", err)
		_ = msg.Term()
		return
	}

	delivered := 1
	if meta, err := msg.Metadata(); err == nil && meta != nil {
		delivered = int(meta.NumDelivered)
	}

	log := c.logger.With("stage", stage, "job_id", job.ID, "document_id", job.DocumentID, "delivery", delivered)
	err = h(ctx, job)

	action, delay := c.redelivery.Decide(err, delivered)
	switch action {
	case ActionAck:
		if ackErr := msg.Ack(); ackErr != nil {
			log.Warn("failed to ack job", "error", ackErr)
		}
	case ActionRetry:
		log.Warn("job failed, redelivering", "error", err, "delay_ms", delay.Milliseconds())
		_ = msg.NakWithDelay(delay)
	case ActionDrop:
		log.Error("job failed, giving up", "error", err, "max_deliver", c.redelivery.MaxDeliver)
		_ = msg.Term()
	}
}

// Stop drains subscriptions and waits for in-flight jobs.
func (c *NATSConsumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopping = true
	for _, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn("failed to drain subscription", "subject", sub.Subject, "error", err)
		}
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("consumer stop timed out")
		if c.cancel != nil {
			c.cancel()
		}
		return ctx.Err()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.logger.Info("consumer stopped")
	return nil
}

func durableName(stage string) string {
	return strings.ReplaceAll(stage, ".", "-") + "-workers"
}
