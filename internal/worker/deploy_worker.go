package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Executor runs one deployment.
type Executor interface {
	Execute(ctx context.Context, ticketID string) error
}

// DeployWorker runs deployments in the background with bounded concurrency.
// Dispatch never blocks the caller.
type DeployWorker struct {
	executor Executor
	logger   *zap.Logger
	timeout  time.Duration

	slots chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
	base   context.Context
	cancel context.CancelFunc
}

// NewDeployWorker creates a worker running at most workers deployments at once.
func NewDeployWorker(executor Executor, workers int, timeout time.Duration, logger *zap.Logger) *DeployWorker {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &DeployWorker{
		executor: executor,
		logger:   logger,
		timeout:  timeout,
		slots:    make(chan struct{}, workers),
		base:     base,
		cancel:   cancel,
	}
}

// Dispatch schedules ticketID for deployment.
func (w *DeployWorker) Dispatch(ticketID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.logger.Warn("deploy dispatched after shutdown, left for the stale sweep", zap.String("ticket_id", ticketID))
		return
	}
	w.wg.Add(1)
	go w.run(ticketID)
}

func (w *DeployWorker) run(ticketID string) {
	defer w.wg.Done()

	select {
	case w.slots <- struct{}{}:
	case <-w.base.Done():
		return
	}
	defer func() { <-w.slots }()

	ctx := w.base
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := w.executor.Execute(ctx, ticketID); err != nil {
		w.logger.Error("deploy execution failed", zap.String("ticket_id", ticketID), zap.Error(err))
		return
	}
	w.logger.Info("deploy execution finished", zap.String("ticket_id", ticketID), zap.Duration("duration", time.Since(start)))
}

// Shutdown stops accepting work and waits for running deployments. When ctx
// expires first, in-flight calls are cancelled.
func (w *DeployWorker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		<-done
		return ctx.Err()
	}
}
