package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/deploy-ticket-service/internal/domain"
	"github.com/spec-kit/deploy-ticket-service/internal/events"
	"github.com/spec-kit/deploy-ticket-service/internal/payment"
	"github.com/spec-kit/deploy-ticket-service/internal/repository"
	"github.com/spec-kit/deploy-ticket-service/pkg/util/errorutil"
)

// WebhookOutcome classifies how a delivery was handled.
type WebhookOutcome string

const (
	WebhookIgnored     WebhookOutcome = "ignored"
	WebhookNotApproved WebhookOutcome = "not_approved"
	WebhookDuplicate   WebhookOutcome = "duplicate"
	WebhookAccepted    WebhookOutcome = "accepted"
)

// ReplayGuard suppresses replays before they reach the store.
type ReplayGuard interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// DeployDispatcher hands a ticket in DEPLOYING to the executor without blocking.
type DeployDispatcher interface {
	Dispatch(ticketID string)
}

// WebhookService normalizes provider notifications and opens the deploy gate.
type WebhookService struct {
	gateways   *payment.Registry
	payments   repository.PaymentRepository
	tickets    repository.TicketRepository
	ticketSvc  *TicketService
	replay     ReplayGuard
	replayTTL  time.Duration
	deployer   DeployDispatcher
	audit      *Auditor
	dispatcher events.Dispatcher
	logger     *zap.Logger
	now        func() time.Time
}

// WebhookDependencies bundles collaborators for the webhook service.
type WebhookDependencies struct {
	Gateways      *payment.Registry
	PaymentRepo   repository.PaymentRepository
	TicketRepo    repository.TicketRepository
	TicketService *TicketService
	Replay        ReplayGuard
	ReplayTTL     time.Duration
	Deployer      DeployDispatcher
	Auditor       *Auditor
	Dispatcher    events.Dispatcher
	Logger        *zap.Logger
	Clock         func() time.Time
}

// NewWebhookService constructs the service.
func NewWebhookService(deps WebhookDependencies) *WebhookService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	ttl := deps.ReplayTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &WebhookService{
		gateways:   deps.Gateways,
		payments:   deps.PaymentRepo,
		tickets:    deps.TicketRepo,
		ticketSvc:  deps.TicketService,
		replay:     deps.Replay,
		replayTTL:  ttl,
		deployer:   deps.Deployer,
		audit:      deps.Auditor,
		dispatcher: deps.Dispatcher,
		logger:     logger,
		now:        clock,
	}
}

// Ingest processes one provider delivery. Errors wrapping
// payment.ErrMalformedNotification are the sender's fault; every other error
// should be answered so that the provider retries.
func (s *WebhookService) Ingest(ctx context.Context, provider payment.Provider, body []byte) (WebhookOutcome, error) {
	gateway, err := s.gateways.Get(provider)
	if err != nil {
		return WebhookIgnored, err
	}

	notification, err := gateway.ParseNotification(ctx, body)
	if err != nil {
		return WebhookIgnored, err
	}
	log := s.logger.With(
		zap.String("provider", string(provider)),
		zap.String("provider_transaction_id", notification.ProviderTransactionID),
		zap.String("reference", notification.Reference),
	)
	if !notification.Relevant {
		log.Debug("webhook not relevant")
		return WebhookIgnored, nil
	}

	ticketID, known, err := s.resolveTicket(ctx, provider, notification)
	if err != nil {
		return WebhookIgnored, err
	}
	if ticketID == "" {
		log.Warn("webhook without resolvable ticket")
		return WebhookIgnored, nil
	}
	log = log.With(zap.String("ticket_id", ticketID))

	if !notification.Approved {
		log.Info("payment not approved", zap.String("status", notification.Status))
		return WebhookNotApproved, nil
	}

	key := notification.DedupeKey(provider)
	if s.replay != nil {
		claimed, err := s.replay.Claim(ctx, key, s.replayTTL)
		if err != nil {
			log.Warn("replay guard unavailable, relying on ticket gate", zap.Error(err))
		} else if !claimed {
			log.Info("duplicate webhook suppressed", zap.Error(errorutil.NewDuplicateEvent(map[string]any{"key": key})))
			return WebhookDuplicate, nil
		}
	}

	outcome, err := s.approve(ctx, provider, ticketID, known, notification, log)
	if err != nil && s.replay != nil {
		if relErr := s.replay.Release(ctx, key); relErr != nil {
			log.Warn("replay claim not released", zap.Error(relErr))
		}
	}
	return outcome, err
}

func (s *WebhookService) approve(ctx context.Context, provider payment.Provider, ticketID string, known bool, n *payment.Notification, log *zap.Logger) (WebhookOutcome, error) {
	if !known && n.ProviderTransactionID != "" {
		adopted, err := s.adoptIntent(ctx, provider, ticketID, n)
		if err != nil {
			return WebhookIgnored, err
		}
		if !adopted {
			log.Warn("approved payment references unknown ticket")
			return WebhookIgnored, nil
		}
	}

	transitioned, err := s.ticketSvc.BeginDeploy(ctx, ticketID, providerActor(string(provider)))
	if err != nil {
		return WebhookIgnored, err
	}
	if !transitioned {
		log.Info("ticket already past payment, delivery is a no-op")
		return WebhookDuplicate, nil
	}

	s.recordApproval(ctx, provider, ticketID, n, log)

	ticket, err := s.tickets.GetByID(ctx, ticketID)
	channelID := ""
	if err == nil {
		channelID = ticket.ChannelID
	}
	publish(ctx, s.dispatcher, s.now, events.Event{
		Type:      events.EventPaymentApproved,
		TicketID:  ticketID,
		ChannelID: channelID,
		Actor:     providerActor(string(provider)),
		Payload:   events.PaymentApprovedPayload{Provider: string(provider), ProviderTransactionID: n.ProviderTransactionID},
	})

	if s.deployer != nil {
		s.deployer.Dispatch(ticketID)
	}
	log.Info("payment approved, deploy dispatched")
	return WebhookAccepted, nil
}

// recordApproval marks the Payment row approved. Notifications without a
// transaction id fall back to the ticket's newest pending payment.
func (s *WebhookService) recordApproval(ctx context.Context, provider payment.Provider, ticketID string, n *payment.Notification, log *zap.Logger) {
	if n.ProviderTransactionID != "" {
		if err := s.payments.MarkApproved(ctx, string(provider), n.ProviderTransactionID, s.now()); err != nil {
			log.Error("payment approval not recorded", zap.Error(err))
		}
		return
	}
	txID, found, err := s.payments.ApproveLatestPending(ctx, string(provider), ticketID, s.now())
	switch {
	case err != nil:
		log.Error("payment approval not recorded", zap.Error(err))
	case !found:
		s.audit.Record(ctx, domain.AuditLevelWarn, "approved payment without a pending payment row", ticketID, "",
			map[string]any{"provider": string(provider)})
	default:
		log.Info("pending payment approved by ticket reference", zap.String("provider_transaction_id", txID))
	}
}

// resolveTicket prefers the stored Payment row and falls back to the reference
// the provider echoes back. known reports whether the Payment row exists.
func (s *WebhookService) resolveTicket(ctx context.Context, provider payment.Provider, n *payment.Notification) (string, bool, error) {
	if n.ProviderTransactionID != "" {
		p, err := s.payments.GetByProviderTx(ctx, string(provider), n.ProviderTransactionID)
		switch {
		case err == nil:
			if n.Reference != "" && n.Reference != p.TicketID {
				s.logger.Warn("webhook reference disagrees with stored payment",
					zap.String("reference", n.Reference), zap.String("ticket_id", p.TicketID))
			}
			return p.TicketID, true, nil
		case !errors.Is(err, pgx.ErrNoRows):
			return "", false, errorutil.NewPersistenceError(err)
		}
	}
	return n.Reference, false, nil
}

// adoptIntent records a Payment row for an intent whose creation crashed
// before it was persisted.
func (s *WebhookService) adoptIntent(ctx context.Context, provider payment.Provider, ticketID string, n *payment.Notification) (bool, error) {
	ticket, err := s.tickets.GetByID(ctx, ticketID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errorutil.NewPersistenceError(err)
	}

	created, err := s.payments.CreateIfAbsent(ctx, &domain.Payment{
		Provider:              string(provider),
		ProviderTransactionID: n.ProviderTransactionID,
		TicketID:              ticket.ID,
		UserID:                ticket.UserID,
		Status:                domain.PaymentStatusPending,
	})
	if err != nil {
		return false, errorutil.NewPersistenceError(fmt.Errorf("adopt payment intent: %w", err))
	}
	if created {
		s.audit.Record(ctx, domain.AuditLevelWarn, "payment intent adopted from webhook", ticket.ID, ticket.UserID,
			map[string]any{"provider": string(provider), "provider_transaction_id": n.ProviderTransactionID})
	}
	return true, nil
}
