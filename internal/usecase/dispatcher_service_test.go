package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLeader struct {
	mu        sync.Mutex
	campaigns int
	resigns   int
	failNext  error
	lost      chan struct{}
	elected   chan struct{}
}

func newFakeLeader() *fakeLeader {
	return &fakeLeader{elected: make(chan struct{}, 10)}
}

func (f *fakeLeader) Campaign(ctx context.Context) (<-chan struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.campaigns++
	if err := f.failNext; err != nil {
		f.failNext = nil
		return nil, err
	}
	f.lost = make(chan struct{})
	f.elected <- struct{}{}
	return f.lost, nil
}

func (f *fakeLeader) Resign(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resigns++
	return nil
}

func (f *fakeLeader) IsLeader() bool { return false }

func (f *fakeLeader) loseLeadership() {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.lost)
}

func (f *fakeLeader) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.campaigns, f.resigns
}

// blockingRunner counts starts and blocks until its context is done.
type blockingRunner struct {
	starts atomic.Int32
	active atomic.Int32
}

func (r *blockingRunner) Run(ctx context.Context) error {
	r.starts.Add(1)
	r.active.Add(1)
	defer r.active.Add(-1)
	<-ctx.Done()
	return ctx.Err()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startService(t *testing.T, svc *DispatcherService) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitStopped(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
		return nil
	}
}

func TestDisabledServiceIdles(t *testing.T) {
	runner := &blockingRunner{}
	svc := NewDispatcherService(nil, false, "node-1", nil, discardLogger(), runner)
	cancel, done := startService(t, svc)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, runner.starts.Load())
	assert.False(t, svc.Running())

	cancel()
	assert.ErrorIs(t, waitStopped(t, done), context.Canceled)
}

func TestWithoutLeaderManagerRunsImmediately(t *testing.T) {
	a, b := &blockingRunner{}, &blockingRunner{}
	svc := NewDispatcherService(nil, true, "node-1", nil, discardLogger(), a, b)
	cancel, done := startService(t, svc)

	require.Eventually(t, func() bool {
		return a.active.Load() == 1 && b.active.Load() == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, svc.Running())

	cancel()
	assert.ErrorIs(t, waitStopped(t, done), context.Canceled)
	assert.False(t, svc.Running())
	assert.Zero(t, a.active.Load())
	assert.Zero(t, b.active.Load())
}

func TestFailingRunnerStopsTheOthers(t *testing.T) {
	other := &blockingRunner{}
	boom := errors.New("store unreachable")
	failing := RunnerFunc(func(context.Context) error { return boom })

	svc := NewDispatcherService(nil, true, "node-1", nil, discardLogger(), other, failing)
	_, done := startService(t, svc)

	assert.ErrorIs(t, waitStopped(t, done), boom)
	assert.Zero(t, other.active.Load())
}

func TestLostLeadershipStopsRunnersAndCampaignsAgain(t *testing.T) {
	leader := newFakeLeader()
	runner := &blockingRunner{}
	svc := NewDispatcherService(leader, true, "node-1", clockwork.NewFakeClock(), discardLogger(), runner)
	cancel, done := startService(t, svc)

	<-leader.elected
	require.Eventually(t, func() bool { return runner.active.Load() == 1 }, time.Second, 5*time.Millisecond)

	leader.loseLeadership()

	select {
	case <-leader.elected:
	case <-time.After(2 * time.Second):
		t.Fatal("service did not campaign again")
	}
	require.Eventually(t, func() bool { return runner.starts.Load() == 2 && runner.active.Load() == 1 }, time.Second, 5*time.Millisecond)

	campaigns, resigns := leader.counts()
	assert.Equal(t, 2, campaigns)
	assert.Equal(t, 1, resigns)

	cancel()
	assert.ErrorIs(t, waitStopped(t, done), context.Canceled)
	_, resigns = leader.counts()
	assert.Equal(t, 2, resigns)
	assert.False(t, svc.Running())
}

func TestCampaignErrorIsRetriedAfterDelay(t *testing.T) {
	leader := newFakeLeader()
	leader.failNext = errors.New("etcd unavailable")
	clock := clockwork.NewFakeClock()
	runner := &blockingRunner{}
	svc := NewDispatcherService(leader, true, "node-1", clock, discardLogger(), runner)
	cancel, done := startService(t, svc)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	campaigns, _ := leader.counts()
	assert.Equal(t, 1, campaigns)
	assert.Zero(t, runner.starts.Load())

	clock.Advance(svc.retryDelay)

	select {
	case <-leader.elected:
	case <-time.After(2 * time.Second):
		t.Fatal("campaign was not retried")
	}
	require.Eventually(t, func() bool { return runner.active.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, waitStopped(t, done), context.Canceled)
}
