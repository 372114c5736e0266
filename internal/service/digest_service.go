package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/extension-api/internal/models"
	"github.com/noah-isme/extension-api/pkg/config"
	"github.com/noah-isme/extension-api/pkg/jobs"
)

type digestQueueStore interface {
	ListQueued(ctx context.Context, limit int) ([]models.Notification, error)
	MarkSent(ctx context.Context, id string, sentAt time.Time) error
	PurgeSentBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// MessageSink delivers one rendered digest to a recipient. Production wires
// a mail gateway; development logs the payload.
type MessageSink interface {
	Send(ctx context.Context, recipientID, subject, body string) error
}

type digestRecorder interface {
	RecordDigest(sent, failed int)
}

// DigestService batches queued notifications per recipient and delivers
// them through a worker pool.
type DigestService struct {
	queue   digestQueueStore
	sink    MessageSink
	workers *jobs.Queue
	metrics digestRecorder
	cfg     config.DigestConfig
	logger  *zap.Logger
}

// NewDigestService constructs a DigestService. Start must be called before
// Run so the worker pool is live.
func NewDigestService(queue digestQueueStore, sink MessageSink, cfg config.DigestConfig, metrics digestRecorder, logger *zap.Logger) *DigestService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &DigestService{
		queue:   queue,
		sink:    sink,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger,
	}
	s.workers = jobs.NewQueue("digest", s.deliver, jobs.QueueConfig{
		Workers:    cfg.WorkerConcurrency,
		MaxRetries: cfg.WorkerRetries,
		Logger:     logger,
	})
	return s
}

// Start launches the delivery workers.
func (s *DigestService) Start(ctx context.Context) {
	s.workers.Start(ctx)
}

// Stop drains the delivery workers.
func (s *DigestService) Stop() {
	s.workers.Stop()
}

// digestJob groups one recipient's pending notifications into one message.
type digestJob struct {
	RecipientID   string
	Notifications []models.Notification
}

// Run drains the queue once: pending notifications are grouped per recipient
// and handed to the workers, then delivered sent entries past the retention
// window are purged.
func (s *DigestService) Run(ctx context.Context) (int, error) {
	queued, err := s.queue.ListQueued(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("list queued notifications: %w", err)
	}
	if len(queued) == 0 {
		return 0, s.purge(ctx)
	}

	grouped := make(map[string][]models.Notification)
	order := make([]string, 0)
	for _, n := range queued {
		if _, seen := grouped[n.RecipientID]; !seen {
			order = append(order, n.RecipientID)
		}
		grouped[n.RecipientID] = append(grouped[n.RecipientID], n)
	}

	for _, recipientID := range order {
		job := jobs.Job{
			ID:   fmt.Sprintf("digest-%s-%d", recipientID, time.Now().UnixNano()),
			Type: "digest",
			Payload: digestJob{
				RecipientID:   recipientID,
				Notifications: grouped[recipientID],
			},
		}
		if err := s.workers.Enqueue(job); err != nil {
			return 0, fmt.Errorf("enqueue digest: %w", err)
		}
	}

	s.logger.Info("digest run dispatched",
		zap.Int("notifications", len(queued)),
		zap.Int("recipients", len(order)))
	if err := s.purge(ctx); err != nil {
		return len(queued), err
	}
	return len(queued), nil
}

func (s *DigestService) deliver(ctx context.Context, job jobs.Job) error {
	payload, ok := job.Payload.(digestJob)
	if !ok {
		return fmt.Errorf("unexpected digest payload %T", job.Payload)
	}

	subject := fmt.Sprintf("Extension request digest (%d updates)", len(payload.Notifications))
	body := ""
	for _, n := range payload.Notifications {
		body += fmt.Sprintf("[%s] %s\n%s\n\n", n.CreatedAt.UTC().Format("2 Jan 15:04"), n.Subject, n.Content)
	}

	if err := s.sink.Send(ctx, payload.RecipientID, subject, body); err != nil {
		if s.metrics != nil {
			s.metrics.RecordDigest(0, len(payload.Notifications))
		}
		return fmt.Errorf("deliver digest to %s: %w", payload.RecipientID, err)
	}

	now := time.Now().UTC()
	for _, n := range payload.Notifications {
		if err := s.queue.MarkSent(ctx, n.ID, now); err != nil {
			s.logger.Warn("failed to mark notification sent", zap.String("notification_id", n.ID), zap.Error(err))
		}
	}
	if s.metrics != nil {
		s.metrics.RecordDigest(len(payload.Notifications), 0)
	}
	return nil
}

func (s *DigestService) purge(ctx context.Context) error {
	if s.cfg.RetainSent <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-s.cfg.RetainSent)
	purged, err := s.queue.PurgeSentBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purge sent notifications: %w", err)
	}
	if purged > 0 {
		s.logger.Info("purged delivered notifications", zap.Int("purged", purged))
	}
	return nil
}

// LogSink writes digests to the application log. Used when no mail gateway
// is configured.
type LogSink struct {
	Logger *zap.Logger
}

// Send implements MessageSink.
func (s LogSink) Send(_ context.Context, recipientID, subject, body string) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("digest delivered",
		zap.String("recipient_id", recipientID),
		zap.String("subject", subject),
		zap.Int("bytes", len(body)))
	return nil
}
