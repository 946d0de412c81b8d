// internal/dispatcher/dispatcher.go
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"verifier-dispatch/internal/domain"
	"verifier-dispatch/internal/metrics"
	"verifier-dispatch/internal/scheduler"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config tunes the dispatcher's cycles.
type Config struct {
	DispatchInterval     time.Duration
	TimeoutCheckInterval time.Duration
	VisibilityTimeout    time.Duration
	BatchSize            int
	// ScanLimit bounds how many expired assignments one worker yields per scan.
	ScanLimit int
	// MaxBacklogPages bounds how far one pass reads past entries it left in place.
	MaxBacklogPages int
}

// Watcher delivers rebalance signals.
type Watcher interface {
	WatchChanges(ctx context.Context, ready func(), onChange func(reason string)) error
}

// Report summarizes one dispatch pass.
type Report struct {
	Read       int
	Workers    int
	Assigned   int
	Claimed    int
	Stale      int
	AtCapacity int
	Cursor     int64
	// Assignments maps each assigned task id to its worker, in backlog order.
	Assignments []Placement
}

// Placement is one task-to-worker decision.
type Placement struct {
	TaskID   string
	WorkerID string
}

// ScanReport summarizes one timeout scan.
type ScanReport struct {
	Workers      int
	TimedOut     int
	Requeued     int
	DeadLettered int
}

// Dispatcher assigns backlog entries to active workers round-robin and
// reclaims assignments that outlive the visibility timeout.
type Dispatcher struct {
	queue    domain.Queue
	presence domain.Presence
	watcher  Watcher
	cfg      Config
	clock    clockwork.Clock
	trigger  chan string
	logger   *slog.Logger
	tracer   trace.Tracer

	// passMu serializes dispatch passes of the timer and of rebalance triggers.
	passMu sync.Mutex
}

// New creates a new dispatcher.
func New(queue domain.Queue, presence domain.Presence, watcher Watcher, cfg Config, clock clockwork.Clock, logger *slog.Logger) *Dispatcher {
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 100
	}
	if cfg.MaxBacklogPages <= 0 {
		cfg.MaxBacklogPages = 10
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Dispatcher{
		queue:    queue,
		presence: presence,
		watcher:  watcher,
		cfg:      cfg,
		clock:    clock,
		trigger:  make(chan string, 1),
		logger:   logger.With("component", "dispatcher"),
		tracer:   otel.Tracer("verifier-dispatch-dispatcher"),
	}
}

// Run starts the dispatch cycle, the timeout-scan cycle and the rebalance
// listener, and blocks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	sched := scheduler.NewCycleScheduler(ctx, d.logger)
	if err := sched.AddCycle("dispatch", d.cfg.DispatchInterval, d.dispatchCycle); err != nil {
		return err
	}
	if err := sched.AddCycle("timeout-scan", d.cfg.TimeoutCheckInterval, d.scanCycle); err != nil {
		return err
	}

	if d.watcher != nil {
		go func() {
			err := d.watcher.WatchChanges(ctx, nil, func(reason string) {
				d.Trigger(reason)
			})
			if err != nil {
				d.logger.Error("rebalance listener stopped", "error", err)
			}
		}()
	}
	go d.triggerLoop(ctx)

	d.Trigger("startup")
	return sched.Start()
}

// Trigger requests an out-of-cycle dispatch pass. Requests arriving while
// one is queued are coalesced.
func (d *Dispatcher) Trigger(reason string) {
	select {
	case d.trigger <- reason:
	default:
	}
}

func (d *Dispatcher) triggerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-d.trigger:
			d.logger.Debug("rebalance pass", "reason", reason)
			d.dispatchCycle(ctx)
		}
	}
}

func (d *Dispatcher) dispatchCycle(ctx context.Context) {
	if _, err := d.DispatchOnce(ctx); err != nil {
		d.logger.Error("dispatch pass failed", "error", err)
	}
}

func (d *Dispatcher) scanCycle(ctx context.Context) {
	if _, err := d.ScanTimeouts(ctx); err != nil {
		d.logger.Error("timeout scan failed", "error", err)
	}
}

// DispatchOnce reads one batch of the backlog and assigns it. When no
// worker is active the backlog is left untouched. Entries whose task is
// claimed stay in place and the pass reads past them.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (*Report, error) {
	d.passMu.Lock()
	defer d.passMu.Unlock()

	ctx, span := d.tracer.Start(ctx, "dispatcher.DispatchOnce")
	defer span.End()

	report := &Report{}
	entries, err := d.queue.ReadBacklog(ctx, d.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read backlog")
		return report, err
	}
	report.Read = len(entries)
	if len(entries) == 0 {
		return report, nil
	}

	active, err := d.presence.ListActive(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list active workers")
		return report, err
	}
	report.Workers = len(active)
	if len(active) == 0 {
		d.logger.Debug("no active workers, backlog left untouched", "backlog_read", len(entries))
		return report, nil
	}

	cursor, err := d.queue.Cursor(ctx)
	if err != nil {
		return report, err
	}
	span.SetAttributes(attribute.Int("batch.size", len(entries)), attribute.Int("workers", len(active)))

	full := make(map[string]bool, len(active))
	now := d.clock.Now()
	index := int64(0)

	for page := 1; ; page++ {
		requested := len(entries)
		left := 0
		for _, entry := range entries {
			if len(full) == len(active) {
				break
			}
			res := d.place(ctx, entry, active, cursor+index, full, now, report)
			index++
			if res == domain.AssignClaimed || res == domain.AssignStale {
				left++
			}
		}

		if left == 0 || len(full) == len(active) || page >= d.cfg.MaxBacklogPages || len(entries) < requested {
			break
		}
		last := entries[len(entries)-1].Position
		if entries, err = d.queue.ReadBacklogAfter(ctx, last, left); err != nil {
			d.logger.Error("failed to read past skipped entries", "after", last, "error", err)
			break
		}
		if len(entries) == 0 {
			break
		}
		report.Read += len(entries)
	}
	report.AtCapacity = len(full)

	report.Cursor = cursor
	if report.Assigned > 0 {
		if report.Cursor, err = d.queue.AdvanceCursor(ctx, report.Assigned); err != nil {
			span.RecordError(err)
			return report, fmt.Errorf("assigned %d tasks but cursor not advanced: %w", report.Assigned, err)
		}
		d.logger.Info("dispatch pass complete",
			"assigned", report.Assigned,
			"claimed", report.Claimed,
			"stale", report.Stale,
			"workers_full", report.AtCapacity,
			"workers", report.Workers,
			"cursor", report.Cursor,
		)
	}
	span.SetAttributes(attribute.Int("assigned", report.Assigned))
	return report, nil
}

// place assigns one entry to active[offset % n], stepping forward past
// workers that are full.
func (d *Dispatcher) place(ctx context.Context, entry *domain.BacklogEntry, active []string, offset int64, full map[string]bool, now time.Time, report *Report) domain.AssignResult {
	n := int64(len(active))
	for step := int64(0); step < n; step++ {
		workerID := active[(offset+step)%n]
		if full[workerID] {
			continue
		}

		res, err := d.queue.Assign(ctx, entry, workerID, now)
		if err != nil {
			d.logger.Error("assign failed", "task_id", entry.Task.ID, "worker_id", workerID, "error", err)
			return domain.AssignAtCapacity
		}

		switch res {
		case domain.AssignOK:
			report.Assigned++
			report.Assignments = append(report.Assignments, Placement{TaskID: entry.Task.ID, WorkerID: workerID})
			metrics.DispatchAssigned.Inc()
			d.logger.Debug("task assigned", "task_id", entry.Task.ID, "worker_id", workerID, "retry_count", entry.Task.RetryCount)
		case domain.AssignClaimed:
			report.Claimed++
			metrics.DispatchSkipped.WithLabelValues("claimed").Inc()
			d.logger.Warn("task already claimed, leaving in backlog", "task_id", entry.Task.ID, "entry_id", entry.Position)
		case domain.AssignStale:
			report.Stale++
			metrics.DispatchSkipped.WithLabelValues("stale").Inc()
			d.logger.Debug("backlog entry already consumed", "task_id", entry.Task.ID, "entry_id", entry.Position)
		case domain.AssignAtCapacity:
			full[workerID] = true
			metrics.DispatchSkipped.WithLabelValues("capacity").Inc()
			continue
		}
		return res
	}
	return domain.AssignAtCapacity
}

// ScanTimeouts reclaims every assignment older than the visibility timeout,
// including those of workers that are no longer connected.
func (d *Dispatcher) ScanTimeouts(ctx context.Context) (*ScanReport, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.ScanTimeouts")
	defer span.End()

	report := &ScanReport{}
	workers, err := d.queue.PendingWorkers(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list pending workers")
		return report, err
	}
	report.Workers = len(workers)

	now := d.clock.Now()
	cutoff := now.Add(-d.cfg.VisibilityTimeout)

	for _, workerID := range workers {
		if ctx.Err() != nil {
			break
		}
		expired, err := d.queue.Expired(ctx, workerID, cutoff, d.cfg.ScanLimit)
		if err != nil {
			d.logger.Error("failed to scan worker", "worker_id", workerID, "error", err)
			continue
		}

		for _, taskID := range expired {
			res, retry, err := d.queue.Reclaim(ctx, taskID, workerID, now)
			if err != nil {
				d.logger.Error("failed to reclaim assignment", "task_id", taskID, "worker_id", workerID, "error", err)
				continue
			}

			switch res {
			case domain.ReclaimRequeued:
				report.TimedOut++
				report.Requeued++
				metrics.DispatchTimedOut.Inc()
				metrics.DispatchRequeued.Inc()
				d.logger.Warn("assignment timed out, requeued", "task_id", taskID, "worker_id", workerID, "retry_count", retry)
			case domain.ReclaimDeadLettered:
				report.TimedOut++
				report.DeadLettered++
				metrics.DispatchTimedOut.Inc()
				metrics.DispatchDeadLettered.Inc()
				d.logger.Error("assignment exhausted retries, dead-lettered", "task_id", taskID, "worker_id", workerID, "retry_count", retry)
			}
		}
	}

	if report.TimedOut > 0 {
		d.logger.Info("timeout scan complete",
			"workers", report.Workers,
			"timed_out", report.TimedOut,
			"requeued", report.Requeued,
			"dead_lettered", report.DeadLettered,
		)
		d.Trigger("requeue")
	}
	return report, nil
}
