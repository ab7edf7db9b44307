package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingExecutor struct {
	release chan struct{}
	running int32
	peak    int32
	mu      sync.Mutex
	seen    []string
}

func (e *blockingExecutor) Execute(ctx context.Context, ticketID string) error {
	n := atomic.AddInt32(&e.running, 1)
	defer atomic.AddInt32(&e.running, -1)
	for {
		peak := atomic.LoadInt32(&e.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&e.peak, peak, n) {
			break
		}
	}
	e.mu.Lock()
	e.seen = append(e.seen, ticketID)
	e.mu.Unlock()
	select {
	case <-e.release:
	case <-ctx.Done():
	}
	return nil
}

func TestDeployWorkerBoundsConcurrencyAndDrains(t *testing.T) {
	exec := &blockingExecutor{release: make(chan struct{})}
	w := NewDeployWorker(exec, 2, time.Minute, nil)

	for _, id := range []string{"a", "b", "c", "d"} {
		w.Dispatch(id)
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&exec.running) == 2 }, time.Second, 5*time.Millisecond)
	close(exec.release)

	require.NoError(t, w.Shutdown(context.Background()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&exec.peak))
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, exec.seen)

	w.Dispatch("late")
	assert.Len(t, exec.seen, 4)
}

func TestDeployWorkerShutdownDeadlineCancels(t *testing.T) {
	exec := &blockingExecutor{release: make(chan struct{})}
	w := NewDeployWorker(exec, 1, 0, nil)
	w.Dispatch("slow")
	require.Eventually(t, func() bool { return atomic.LoadInt32(&exec.running) == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Shutdown(ctx), context.DeadlineExceeded)
}

type countingSweeps struct {
	expire, stale, channels int32
}

func (c *countingSweeps) ExpireOverdue(context.Context, int) (int, error) {
	atomic.AddInt32(&c.expire, 1)
	return 0, nil
}

func (c *countingSweeps) FailStaleDeploys(context.Context, int) (int, error) {
	atomic.AddInt32(&c.stale, 1)
	return 0, nil
}

func (c *countingSweeps) SweepDue(context.Context, int) (int, error) {
	atomic.AddInt32(&c.channels, 1)
	return 1, nil
}

func TestSweeperRunsEveryJob(t *testing.T) {
	sweeps := &countingSweeps{}
	s := NewSweeper(sweeps, sweeps, 10*time.Millisecond, 10, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&sweeps.channels) >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.GreaterOrEqual(t, atomic.LoadInt32(&sweeps.expire), int32(2))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&sweeps.stale), int32(2))
}
