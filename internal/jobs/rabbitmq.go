package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// headerDelivery counts deliveries of a job across republishes.
const headerDelivery = "x-delivery"

// DialRabbitMQ connects and proves the broker answers on a channel.
func DialRabbitMQ(ctx context.Context, url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq failed: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		ch, err := conn.Channel()
		if err == nil {
			err = ch.Close()
		}
		done <- err
	}()

	select {
	case <-checkCtx.Done():
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq health check timeout: %w", checkCtx.Err())
	case err := <-done:
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("open rabbitmq channel failed: %w", err)
		}
		return conn, nil
	}
}

func declareStageQueue(ch *amqp.Channel, stage string) error {
	_, err := ch.QueueDeclare(
		stage,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare queue %s failed: %w", stage, err)
	}
	return nil
}

func publishJob(ctx context.Context, ch *amqp.Channel, job Job, delivery int) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job failed: %w", err)
	}
	return ch.PublishWithContext(ctx,
		"",
		job.Stage,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    job.ID.String(),
			Body:         payload,
			DeliveryMode: amqp.Persistent,
			Headers:      amqp.Table{headerDelivery: int32(delivery)},
		},
	)
}

// RabbitScheduler publishes jobs to one durable queue per stage.
type RabbitScheduler struct {
	conn   *amqp.Connection
	logger *slog.Logger
}

// NewRabbitScheduler creates a RabbitScheduler.
func NewRabbitScheduler(conn *amqp.Connection, logger *slog.Logger) *RabbitScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RabbitScheduler{conn: conn, logger: logger.With("component", "rabbitmq_scheduler")}
}

// Enqueue implements Scheduler.
func (s *RabbitScheduler) Enqueue(ctx context.Context, stage string, workspaceID, documentID uuid.UUID) error {
	job := NewJob(stage, workspaceID, documentID)
	if err := job.Validate(); err != nil {
		return err
	}

	ch, err := s.conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	defer ch.Close()

	if err := declareStageQueue(ch, stage); err != nil {
		return err
	}
	if err := publishJob(ctx, ch, job, 1); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", stage, err)
	}
	s.logger.Debug("job enqueued", "stage", stage, "document_id", documentID, "job_id", job.ID)
	return nil
}

// RabbitConsumer runs handlers for jobs from the stage queues. Classic queues
// do not count deliveries, so a failed job is acked and republished with its
// delivery count in a header after the redelivery delay.
type RabbitConsumer struct {
	conn        *amqp.Connection
	concurrency int
	redelivery  RedeliveryConfig
	logger      *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRabbitConsumer creates a RabbitConsumer.
func NewRabbitConsumer(conn *amqp.Connection, concurrency int, redelivery RedeliveryConfig, logger *slog.Logger) *RabbitConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &RabbitConsumer{
		conn:        conn,
		concurrency: max(1, concurrency),
		redelivery:  redelivery,
		logger:      logger.With("component", "rabbitmq_consumer"),
	}
}

// Start opens one channel per stage and Concurrency workers on it.
func (c *RabbitConsumer) Start(ctx context.Context, handlers Handlers) error {
	if c.cancel != nil {
		return nil
	}
	workerCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	for stage, h := range handlers {
		ch, err := c.conn.Channel()
		if err != nil {
			cancel()
			return fmt.Errorf("open worker channel failed: %w", err)
		}
		if err := declareStageQueue(ch, stage); err != nil {
			_ = ch.Close()
			cancel()
			return err
		}
		if err := ch.Qos(c.concurrency, 0, false); err != nil {
			_ = ch.Close()
			cancel()
			return fmt.Errorf("set qos failed: %w", err)
		}

		deliveries, err := ch.Consume(
			stage,
			"",
			false, // autoAck
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			_ = ch.Close()
			cancel()
			return fmt.Errorf("consume queue %s failed: %w", stage, err)
		}

		var stageWG sync.WaitGroup
		for i := 0; i < c.concurrency; i++ {
			stageWG.Add(1)
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				defer stageWG.Done()
				c.work(workerCtx, stage, h, deliveries)
			}()
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			stageWG.Wait()
			_ = ch.Close()
		}()

		c.logger.Info("consuming stage", "stage", stage, "workers", c.concurrency)
	}
	return nil
}

func (c *RabbitConsumer) work(ctx context.Context, stage string, h Handler, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.handle(ctx, stage, h, d)
		}
	}
}

func (c *RabbitConsumer) handle(ctx context.Context, stage string, h Handler, d amqp.Delivery) {
	job, err := decodeJob(d.Body)
	if err != nil {
		c.logger.Error("dropping malformed job", "stage", stage, "error", err)
		_ = d.Nack(false, false)
		return
	}

	delivered := deliveryCount(d.Headers)
	log := c.logger.With("stage", stage, "job_id", job.ID, "document_id", job.DocumentID, "delivery", delivered)
	err = h(ctx, job)

	action, delay := c.redelivery.Decide(err, delivered)
	switch action {
	case ActionAck:
		_ = d.Ack(false)
	case ActionDrop:
		log.Error("job failed, giving up", "error", err, "max_deliver", c.redelivery.MaxDeliver)
		_ = d.Nack(false, false)
	case ActionRetry:
		log.Warn("job failed, redelivering", "error", err, "delay_ms", delay.Milliseconds())
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			_ = d.Nack(false, true)
			return
		case <-timer.C:
		}
		if err := c.republish(ctx, job, delivered+1); err != nil {
			log.Warn("failed to republish job", "error", err)
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
	}
}

// republish uses its own channel; the consuming channel is shared by the
// stage's workers.
func (c *RabbitConsumer) republish(ctx context.Context, job Job, delivery int) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	defer ch.Close()
	return publishJob(ctx, ch, job, delivery)
}

func deliveryCount(headers amqp.Table) int {
	switch v := headers[headerDelivery].(type) {
	case int32:
		return max(1, int(v))
	case int64:
		return max(1, int(v))
	case int:
		return max(1, v)
	default:
		return 1
	}
}

// Stop cancels the workers and waits for them.
func (c *RabbitConsumer) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("consumer stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
