// internal/scheduler/cron_scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Cycle is a periodic unit of work. It receives the scheduler's run context.
type Cycle func(ctx context.Context)

// CycleScheduler triggers named cycles at fixed intervals. A cycle that is
// still running when its next tick fires is skipped, never stacked.
type CycleScheduler struct {
	cron   *cron.Cron
	cycles map[string]cron.EntryID
	ctx    context.Context
	logger *slog.Logger
	tracer trace.Tracer
}

// NewCycleScheduler creates a scheduler whose cycles run with ctx.
func NewCycleScheduler(ctx context.Context, logger *slog.Logger) *CycleScheduler {
	l := logger.With("component", "cycle-scheduler")
	c := cron.New(
		cron.WithChain(cron.Recover(cronLogger{l}), cron.SkipIfStillRunning(cronLogger{l})),
	)
	return &CycleScheduler{
		cron:   c,
		cycles: make(map[string]cron.EntryID),
		ctx:    ctx,
		logger: l,
		tracer: otel.Tracer("verifier-dispatch-scheduler"),
	}
}

// Start runs the scheduler until its context is done, then waits for running cycles.
func (s *CycleScheduler) Start() error {
	s.logger.Info("cycle scheduler started", "cycles", len(s.cycles))
	s.cron.Start()
	<-s.ctx.Done()
	s.logger.Info("cycle scheduler stopping...")
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("cycle scheduler stopped")
	return s.ctx.Err()
}

// AddCycle registers fn to run every interval. Re-adding a name replaces it.
func (s *CycleScheduler) AddCycle(name string, interval time.Duration, fn Cycle) error {
	if interval <= 0 {
		return fmt.Errorf("cycle %s: interval must be positive, got %s", name, interval)
	}
	if entryID, ok := s.cycles[name]; ok {
		s.cron.Remove(entryID)
	}

	wrapper := &cycleWrapper{
		name:   name,
		fn:     fn,
		ctx:    s.ctx,
		logger: s.logger.With("cycle", name),
		tracer: s.tracer,
	}
	s.cycles[name] = s.cron.Schedule(cron.Every(interval), wrapper)
	s.logger.Info("added cycle", "cycle", name, "interval", interval)
	return nil
}

type cycleWrapper struct {
	name   string
	fn     Cycle
	ctx    context.Context
	logger *slog.Logger
	tracer trace.Tracer
}

// Run is called by the cron library.
func (w *cycleWrapper) Run() {
	if w.ctx.Err() != nil {
		return
	}
	ctx, span := w.tracer.Start(w.ctx, "scheduler.Cycle",
		trace.WithAttributes(attribute.String("cycle.name", w.name)))
	defer span.End()

	w.fn(ctx)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
