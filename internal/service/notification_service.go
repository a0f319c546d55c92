package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ampline/fieldtest-api/internal/models"
	"github.com/ampline/fieldtest-api/pkg/jobs"
)

// EventPublisher delivers report events to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event models.ReportEvent) error
}

// RedisEventPublisher publishes events as JSON on a Redis channel.
type RedisEventPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisEventPublisher constructs the publisher.
func NewRedisEventPublisher(client *redis.Client, channel string) *RedisEventPublisher {
	return &RedisEventPublisher{client: client, channel: channel}
}

// Publish implements EventPublisher.
func (p *RedisEventPublisher) Publish(ctx context.Context, event models.ReportEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal report event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.channel, err)
	}
	return nil
}

// LogEventPublisher only logs events; used when Redis is disabled.
type LogEventPublisher struct {
	logger *zap.Logger
}

// NewLogEventPublisher constructs the publisher.
func NewLogEventPublisher(logger *zap.Logger) *LogEventPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogEventPublisher{logger: logger}
}

// Publish implements EventPublisher.
func (p *LogEventPublisher) Publish(_ context.Context, event models.ReportEvent) error {
	p.logger.Info("report event",
		zap.String("type", event.Type),
		zap.String("report_id", event.ReportID),
		zap.String("from", string(event.From)),
		zap.String("to", string(event.To)),
		zap.String("actor_id", event.ActorID),
	)
	return nil
}

// NotificationConfig tunes event fan-out.
type NotificationConfig struct {
	Workers        int
	Retries        int
	PublishTimeout time.Duration
}

// NotificationService queues report events for asynchronous publication.
// Delivery never blocks or fails the operation that produced the event.
type NotificationService struct {
	queue     *jobs.Queue
	publisher EventPublisher
	metrics   *MetricsService
	logger    *zap.Logger
	timeout   time.Duration
}

// NewNotificationService builds the service and its worker queue.
func NewNotificationService(publisher EventPublisher, cfg NotificationConfig, metrics *MetricsService, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 3 * time.Second
	}
	svc := &NotificationService{publisher: publisher, metrics: metrics, logger: logger, timeout: cfg.PublishTimeout}
	svc.queue = jobs.NewQueue("report-events", svc.handle, jobs.QueueConfig{
		Workers:    cfg.Workers,
		MaxRetries: cfg.Retries,
		RetryDelay: 500 * time.Millisecond,
		Logger:     logger,
	})
	return svc
}

// Start launches the delivery workers.
func (s *NotificationService) Start(ctx context.Context) {
	if s == nil {
		return
	}
	s.queue.Start(ctx)
}

// Stop drains pending events and stops the workers.
func (s *NotificationService) Stop() {
	if s == nil {
		return
	}
	s.queue.Stop()
}

// Stats reports queue throughput.
func (s *NotificationService) Stats() jobs.Stats {
	if s == nil {
		return jobs.Stats{}
	}
	return s.queue.Stats()
}

// Notify enqueues an event for delivery.
func (s *NotificationService) Notify(event models.ReportEvent) {
	if s == nil || s.publisher == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := s.queue.Enqueue(jobs.Job{ID: event.ReportID, Type: event.Type, Payload: event}); err != nil {
		s.metrics.RecordEvent(event.Type, "dropped")
		s.logger.Warn("report event dropped", zap.String("report_id", event.ReportID), zap.String("type", event.Type), zap.Error(err))
		return
	}
	s.metrics.RecordEvent(event.Type, "queued")
}

func (s *NotificationService) handle(ctx context.Context, job jobs.Job) error {
	event, ok := job.Payload.(models.ReportEvent)
	if !ok {
		return fmt.Errorf("unexpected payload %T", job.Payload)
	}
	pubCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.publisher.Publish(pubCtx, event); err != nil {
		s.metrics.RecordEvent(event.Type, "failed")
		return err
	}
	s.metrics.RecordEvent(event.Type, "published")
	return nil
}
