package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"verifier-dispatch/internal/domain"
	"verifier-dispatch/internal/metrics"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// Runner is a long-lived loop that stops when its context is done.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// DispatcherService keeps the tap and the dispatcher running on exactly one
// node. Without a leader manager the node assumes it is the only one.
type DispatcherService struct {
	leaderManager domain.LeaderElectionManager
	runners       []Runner
	enabled       bool
	nodeID        string
	retryDelay    time.Duration
	clock         clockwork.Clock
	logger        *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewDispatcherService creates the service. leaderManager may be nil.
func NewDispatcherService(leaderManager domain.LeaderElectionManager, enabled bool, nodeID string, clock clockwork.Clock, logger *slog.Logger, runners ...Runner) *DispatcherService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &DispatcherService{
		leaderManager: leaderManager,
		runners:       runners,
		enabled:       enabled,
		nodeID:        nodeID,
		retryDelay:    5 * time.Second,
		clock:         clock,
		logger:        logger.With("component", "dispatcher-service", "node_id", nodeID),
	}
}

// Running reports whether the runners are active on this node.
func (s *DispatcherService) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start blocks until ctx is done.
func (s *DispatcherService) Start(ctx context.Context) error {
	if !s.enabled {
		s.logger.Warn("dispatch disabled by configuration, idling")
		<-ctx.Done()
		return ctx.Err()
	}

	if s.leaderManager == nil {
		s.logger.Info("no leader election configured, running as the only dispatcher")
		return s.lead(ctx, nil)
	}

	metrics.IsLeader.WithLabelValues(s.nodeID).Set(0)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Info("attempting to campaign for leadership...")
		lost, err := s.leaderManager.Campaign(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("error during leadership campaign, retrying", "error", err, "retry_in", s.retryDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.clock.After(s.retryDelay):
			}
			continue
		}

		metrics.IsLeader.WithLabelValues(s.nodeID).Set(1)
		s.logger.Info("became the leader, starting tap and dispatcher")
		err = s.lead(ctx, lost)
		metrics.IsLeader.WithLabelValues(s.nodeID).Set(0)

		resignCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		if rerr := s.leaderManager.Resign(resignCtx); rerr != nil {
			s.logger.Warn("failed to resign leadership", "error", rerr)
		}
		cancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !errors.Is(err, errLeadershipLost) {
			s.logger.Error("runners stopped with error", "error", err)
		}
		s.logger.Warn("leadership lost, campaigning again")
	}
}

var errLeadershipLost = errors.New("leadership lost")

// lead runs every runner until ctx is done, lost is closed, or one of them fails.
func (s *DispatcherService) lead(ctx context.Context, lost <-chan struct{}) error {
	s.setRunning(true)
	defer s.setRunning(false)

	g, gctx := errgroup.WithContext(ctx)
	if lost != nil {
		g.Go(func() error {
			select {
			case <-lost:
				return errLeadershipLost
			case <-gctx.Done():
				return nil
			}
		})
	}
	for _, r := range s.runners {
		r := r
		g.Go(func() error { return r.Run(gctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *DispatcherService) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}
