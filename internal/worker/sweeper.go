package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// TicketSweeps are the periodic ticket maintenance jobs.
type TicketSweeps interface {
	ExpireOverdue(ctx context.Context, limit int) (int, error)
	FailStaleDeploys(ctx context.Context, limit int) (int, error)
}

// ChannelSweeps deletes channels whose teardown is due.
type ChannelSweeps interface {
	SweepDue(ctx context.Context, limit int) (int, error)
}

// Sweeper drives ticket expiry, stale deploy detection and channel teardown.
type Sweeper struct {
	tickets  TicketSweeps
	channels ChannelSweeps
	interval time.Duration
	batch    int
	logger   *zap.Logger
}

// NewSweeper creates a sweeper.
func NewSweeper(tickets TicketSweeps, channels ChannelSweeps, interval time.Duration, batch int, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{tickets: tickets, channels: channels, interval: interval, batch: batch, logger: logger}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs every job a single time.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	if n, err := s.tickets.ExpireOverdue(ctx, s.batch); err != nil {
		s.logger.Warn("expire sweep failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("expired overdue tickets", zap.Int("count", n))
	}

	if n, err := s.tickets.FailStaleDeploys(ctx, s.batch); err != nil {
		s.logger.Warn("stale deploy sweep failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Warn("failed interrupted deploys", zap.Int("count", n))
	}

	if n, err := s.channels.SweepDue(ctx, s.batch); err != nil {
		s.logger.Warn("channel teardown sweep failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("deleted ticket channels", zap.Int("count", n))
	}
}
