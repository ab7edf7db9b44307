package service

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/deploy-ticket-service/internal/domain"
	"github.com/spec-kit/deploy-ticket-service/internal/events"
	"github.com/spec-kit/deploy-ticket-service/internal/payment"
	"github.com/spec-kit/deploy-ticket-service/internal/repository"
	"github.com/spec-kit/deploy-ticket-service/pkg/util/errorutil"
)

// PaymentService creates payment intents for tickets awaiting payment.
type PaymentService struct {
	tickets    repository.TicketRepository
	users      repository.UserRepository
	guilds     repository.GuildConfigRepository
	payments   repository.PaymentRepository
	gateways   *payment.Registry
	audit      *Auditor
	dispatcher events.Dispatcher
	logger     *zap.Logger
	now        func() time.Time
}

// PaymentDependencies bundles collaborators for the payment service.
type PaymentDependencies struct {
	TicketRepo  repository.TicketRepository
	UserRepo    repository.UserRepository
	GuildRepo   repository.GuildConfigRepository
	PaymentRepo repository.PaymentRepository
	Gateways    *payment.Registry
	Auditor     *Auditor
	Dispatcher  events.Dispatcher
	Logger      *zap.Logger
	Clock       func() time.Time
}

// PaymentIntentResult is returned to the bot for display.
type PaymentIntentResult struct {
	Payment *domain.Payment
	Intent  *payment.Intent
}

// NewPaymentService constructs the service.
func NewPaymentService(deps PaymentDependencies) *PaymentService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &PaymentService{
		tickets:    deps.TicketRepo,
		users:      deps.UserRepo,
		guilds:     deps.GuildRepo,
		payments:   deps.PaymentRepo,
		gateways:   deps.Gateways,
		audit:      deps.Auditor,
		dispatcher: deps.Dispatcher,
		logger:     logger,
		now:        clock,
	}
}

// CreatePaymentIntent charges the guild's deploy price through provider.
// The Payment row is written only after the provider returned its id; a
// provider failure leaves the ticket in PENDING_PAYMENT for another attempt.
func (s *PaymentService) CreatePaymentIntent(ctx context.Context, ticketID string, provider payment.Provider, payerName string) (*PaymentIntentResult, error) {
	gateway, err := s.gateways.Get(provider)
	if err != nil {
		return nil, errorutil.NewValidationError("unknown payment provider", map[string]any{"provider": provider})
	}

	ticket, err := s.tickets.GetByID(ctx, ticketID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errorutil.NewNotFound("ticket", nil)
	}
	if err != nil {
		return nil, errorutil.NewPersistenceError(err)
	}
	if ticket.Status != domain.TicketStatusPendingPayment {
		return nil, errorutil.NewInvalidTransition(map[string]any{"status": ticket.Status})
	}

	guild, err := s.guilds.Get(ctx, ticket.GuildID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, errorutil.NewPersistenceError(err)
	}
	if guild == nil || guild.DeployPriceCents == nil || *guild.DeployPriceCents <= 0 {
		return nil, errorutil.NewConfigMissing("deploy price is not configured for this server")
	}
	amount := *guild.DeployPriceCents

	user, err := s.users.GetByID(ctx, ticket.UserID)
	if err != nil {
		return nil, errorutil.NewPersistenceError(err)
	}

	intent, err := gateway.CreateIntent(ctx, payment.IntentRequest{
		TicketID:    ticket.ID,
		Payer:       payment.Payer{ExternalID: user.ExternalID, Name: payerName},
		AmountCents: amount,
	})
	if err != nil {
		s.audit.Record(ctx, domain.AuditLevelError, "payment intent creation failed", ticket.ID, ticket.UserID,
			map[string]any{"provider": provider, "error": err.Error()})
		if errors.Is(err, payment.ErrGatewayUnconfigured) {
			return nil, errorutil.NewConfigMissing("payment provider is not configured")
		}
		return nil, errorutil.NewProviderError(err)
	}

	record := &domain.Payment{
		Provider:              string(provider),
		ProviderTransactionID: intent.ProviderTransactionID,
		AmountCents:           amount,
		TicketID:              ticket.ID,
		UserID:                ticket.UserID,
		Status:                domain.PaymentStatusPending,
	}
	if err := s.payments.Create(ctx, record); err != nil {
		s.logger.Error("payment intent not persisted",
			zap.String("ticket_id", ticket.ID),
			zap.String("provider", string(provider)),
			zap.String("provider_transaction_id", intent.ProviderTransactionID),
			zap.Error(err))
		return nil, errorutil.NewPersistenceError(err)
	}

	s.audit.Record(ctx, domain.AuditLevelInfo, "payment intent created", ticket.ID, ticket.UserID, map[string]any{
		"provider":                string(provider),
		"provider_transaction_id": intent.ProviderTransactionID,
		"amount_cents":            amount,
	})
	publish(ctx, s.dispatcher, s.now, events.Event{
		Type:      events.EventPaymentIntentCreated,
		TicketID:  ticket.ID,
		ChannelID: ticket.ChannelID,
		Actor:     userActor(ticket.UserID),
		Payload: events.PaymentIntentCreatedPayload{
			Provider:              string(provider),
			ProviderTransactionID: intent.ProviderTransactionID,
			AmountCents:           amount,
			QRPayload:             intent.QRPayload,
			QRImageRef:            intent.QRImageRef,
			PaymentLinkRef:        intent.PaymentLinkRef,
		},
	})
	return &PaymentIntentResult{Payment: record, Intent: intent}, nil
}
