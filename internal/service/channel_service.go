package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/deploy-ticket-service/internal/messaging"
	"github.com/spec-kit/deploy-ticket-service/internal/repository"
	"github.com/spec-kit/deploy-ticket-service/pkg/util/errorutil"
)

// ChannelService tears down ticket channels once their delete deadline passed.
type ChannelService struct {
	tickets   repository.TicketRepository
	messenger messaging.Messenger
	logger    *zap.Logger
	now       func() time.Time
}

// NewChannelService constructs the service.
func NewChannelService(tickets repository.TicketRepository, messenger messaging.Messenger, logger *zap.Logger, clock func() time.Time) *ChannelService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &ChannelService{tickets: tickets, messenger: messenger, logger: logger, now: clock}
}

// SweepDue deletes channels whose teardown is due. Each ticket is claimed
// before the delete so concurrent sweepers never delete twice. Delete
// failures are logged and not retried.
func (s *ChannelService) SweepDue(ctx context.Context, limit int) (int, error) {
	now := s.now()
	due, err := s.tickets.ListTeardownDue(ctx, now, limit)
	if err != nil {
		return 0, errorutil.NewPersistenceError(err)
	}

	deleted := 0
	for _, ticket := range due {
		claimed, err := s.tickets.ClaimTeardown(ctx, ticket.ID, now)
		if err != nil {
			s.logger.Warn("teardown claim failed", zap.String("ticket_id", ticket.ID), zap.Error(err))
			continue
		}
		if !claimed {
			continue
		}

		err = s.messenger.DeleteChannel(ctx, ticket.ChannelID)
		switch {
		case err == nil:
			deleted++
			s.logger.Info("ticket channel deleted", zap.String("ticket_id", ticket.ID), zap.String("channel_id", ticket.ChannelID))
		case errors.Is(err, messaging.ErrChannelNotFound):
			s.logger.Info("ticket channel already gone", zap.String("ticket_id", ticket.ID), zap.String("channel_id", ticket.ChannelID))
		default:
			s.logger.Error("ticket channel delete failed", zap.String("ticket_id", ticket.ID), zap.String("channel_id", ticket.ChannelID), zap.Error(err))
		}
	}
	return deleted, nil
}
