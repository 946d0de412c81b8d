package usecase

import (
	"context"
	"log/slog"
	"time"

	"verifier-dispatch/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Snapshot is the operator view of the dispatch core.
type Snapshot struct {
	Queue     *domain.QueueStats `json:"queue"`
	Verifiers []*domain.Worker   `json:"verifiers"`
}

// heartbeatReader is implemented by presence registries that expose the
// last heartbeat instant.
type heartbeatReader interface {
	LastHeartbeat(ctx context.Context, workerID string) (time.Time, error)
}

// StatusService answers read-only operator queries.
type StatusService struct {
	queue    domain.Queue
	presence domain.Presence
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewStatusService creates a new StatusService instance.
func NewStatusService(queue domain.Queue, presence domain.Presence, logger *slog.Logger) *StatusService {
	return &StatusService{
		queue:    queue,
		presence: presence,
		logger:   logger.With("component", "status-service"),
		tracer:   otel.Tracer("verifier-dispatch-usecase"),
	}
}

// Snapshot collects queue counters and the inflight count of every active verifier.
func (s *StatusService) Snapshot(ctx context.Context) (*Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "service.Snapshot")
	defer span.End()

	stats, err := s.queue.Stats(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read queue stats")
		return nil, err
	}

	active, err := s.presence.ListActive(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list active verifiers")
		return nil, err
	}

	verifiers := make([]*domain.Worker, 0, len(active))
	for _, id := range active {
		n, err := s.queue.Inflight(ctx, id)
		if err != nil {
			s.logger.Warn("failed to read inflight count", "worker_id", id, "error", err)
		}
		w := &domain.Worker{ID: id, InflightCount: n}
		if hr, ok := s.presence.(heartbeatReader); ok {
			w.LastHeartbeatAt, _ = hr.LastHeartbeat(ctx, id)
		}
		verifiers = append(verifiers, w)
	}
	span.SetAttributes(attribute.Int("verifiers", len(verifiers)), attribute.Int64("backlog", stats.Backlog))

	return &Snapshot{Queue: stats, Verifiers: verifiers}, nil
}

// DeadLetters lists up to limit dead-lettered tasks, oldest first.
func (s *StatusService) DeadLetters(ctx context.Context, limit int) ([]*domain.DeadLetter, error) {
	ctx, span := s.tracer.Start(ctx, "service.DeadLetters")
	defer span.End()
	span.SetAttributes(attribute.Int("limit", limit))

	records, err := s.queue.DeadLetters(ctx, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list dead letters")
	}
	return records, err
}

// Outcome returns the recorded outcome of a task or domain.ErrNotFound.
func (s *StatusService) Outcome(ctx context.Context, taskID string) (*domain.Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "service.Outcome")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", taskID))

	outcome, err := s.queue.Outcome(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read outcome")
	}
	return outcome, err
}
