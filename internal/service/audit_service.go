package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/auth-gateway/internal/models"
	"github.com/noah-isme/auth-gateway/pkg/jobs"
)

const auditJobType = "audit.write"

// AuditEvent is an authentication event to be persisted.
type AuditEvent struct {
	UserID    string
	Action    models.AuditAction
	IP        string
	UserAgent string
	Details   map[string]any
}

// AuditRecorder accepts audit events without blocking the request path.
type AuditRecorder interface {
	Record(ctx context.Context, event AuditEvent)
}

type auditWriter interface {
	Create(ctx context.Context, log *models.AuditLog) error
}

// AuditService writes audit entries through a background job queue. Entries are dropped, and
// counted, when the queue is saturated.
type AuditService struct {
	repo    auditWriter
	queue   *jobs.Queue
	logger  *zap.Logger
	metrics *MetricsService
	timeout time.Duration
}

// NewAuditService builds the writer and its queue. Call Start before recording.
func NewAuditService(repo auditWriter, workers int, timeout time.Duration, logger *zap.Logger, metrics *MetricsService) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &AuditService{repo: repo, logger: logger, metrics: metrics, timeout: timeout}
	s.queue = jobs.NewQueue("audit", s.handle, jobs.QueueConfig{
		Workers:    workers,
		MaxRetries: 2,
		RetryDelay: 500 * time.Millisecond,
		Logger:     logger,
	})
	return s
}

// Start launches the queue workers.
func (s *AuditService) Start(ctx context.Context) { s.queue.Start(ctx) }

// Stop halts the workers. Entries still buffered are discarded.
func (s *AuditService) Stop() { s.queue.Stop() }

// Record enqueues event. It never fails the caller.
func (s *AuditService) Record(_ context.Context, event AuditEvent) {
	entry := &models.AuditLog{
		ID:        uuid.NewString(),
		Action:    event.Action,
		Resource:  "auth",
		IPAddress: event.IP,
		UserAgent: event.UserAgent,
		CreatedAt: time.Now().UTC(),
	}
	if event.UserID != "" {
		userID := event.UserID
		entry.UserID = &userID
	}
	if len(event.Details) > 0 {
		payload, err := json.Marshal(event.Details)
		if err != nil {
			s.logger.Warn("failed to encode audit details", zap.String("action", string(event.Action)), zap.Error(err))
		} else {
			entry.NewValues = payload
		}
	}

	if err := s.queue.TryEnqueue(jobs.Job{ID: entry.ID, Type: auditJobType, Payload: entry}); err != nil {
		s.metrics.RecordAuditDropped()
		s.logger.Warn("audit entry dropped", zap.String("action", string(event.Action)), zap.Error(err))
	}
}

func (s *AuditService) handle(ctx context.Context, job jobs.Job) error {
	entry, ok := job.Payload.(*models.AuditLog)
	if !ok {
		return fmt.Errorf("unexpected audit payload %T", job.Payload)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.repo.Create(ctx, entry)
}
