package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/deploy-ticket-service/internal/artifact"
	"github.com/spec-kit/deploy-ticket-service/internal/config"
	"github.com/spec-kit/deploy-ticket-service/internal/domain"
	"github.com/spec-kit/deploy-ticket-service/internal/events"
	"github.com/spec-kit/deploy-ticket-service/internal/hosting"
	"github.com/spec-kit/deploy-ticket-service/internal/messaging"
	"github.com/spec-kit/deploy-ticket-service/internal/repository"
	"github.com/spec-kit/deploy-ticket-service/pkg/util/errorutil"
)

// Generic failure reasons stored on tickets and shown to users.
const (
	ReasonDeploymentFailed      = "deployment failed"
	ReasonDeploymentInterrupted = "deployment interrupted"
	ReasonCredentialRejected    = "hosting key rejected"
)

// TicketService is the deploy ticket state machine. Every transition is a
// compare-and-swap against the stored status.
type TicketService struct {
	tickets     repository.TicketRepository
	users       repository.UserRepository
	guilds      repository.GuildConfigRepository
	credentials *CredentialService
	hosting     hosting.Client
	messenger   messaging.Messenger
	validator   artifact.Validator
	audit       *Auditor
	dispatcher  events.Dispatcher
	logger      *zap.Logger
	lifecycle   config.LifecycleConfig
	now         func() time.Time
}

// TicketDependencies bundles collaborators for the ticket service.
type TicketDependencies struct {
	TicketRepo  repository.TicketRepository
	UserRepo    repository.UserRepository
	GuildRepo   repository.GuildConfigRepository
	Credentials *CredentialService
	Hosting     hosting.Client
	Messenger   messaging.Messenger
	Validator   artifact.Validator
	Auditor     *Auditor
	Dispatcher  events.Dispatcher
	Logger      *zap.Logger
	Lifecycle   config.LifecycleConfig
	Clock       func() time.Time
}

// OpenTicketInput is the bot request to start a deploy.
type OpenTicketInput struct {
	GuildID        string
	ExternalUserID string
	Username       string
}

// ArtifactUpload is an uploaded deploy archive.
type ArtifactUpload struct {
	FileName string
	Content  []byte
}

// NewTicketService constructs the service.
func NewTicketService(deps TicketDependencies) *TicketService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &TicketService{
		tickets:     deps.TicketRepo,
		users:       deps.UserRepo,
		guilds:      deps.GuildRepo,
		credentials: deps.Credentials,
		hosting:     deps.Hosting,
		messenger:   deps.Messenger,
		validator:   deps.Validator,
		audit:       deps.Auditor,
		dispatcher:  deps.Dispatcher,
		logger:      logger,
		lifecycle:   deps.Lifecycle,
		now:         clock,
	}
}

// Open checks guild and user preconditions, creates the private ticket
// channel and then the ticket. The channel is removed if the ticket cannot be created.
func (s *TicketService) Open(ctx context.Context, input OpenTicketInput) (*domain.DeployTicket, error) {
	guild, err := s.guilds.Get(ctx, input.GuildID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, errorutil.NewPersistenceError(err)
	}
	if !guild.Ready() {
		return nil, errorutil.NewConfigMissing("deploys are not configured for this server")
	}

	user, err := s.users.GetOrCreate(ctx, input.ExternalUserID)
	if err != nil {
		return nil, errorutil.NewPersistenceError(err)
	}
	ok, err := s.credentials.HasCredential(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errorutil.NewConfigMissing("register a hosting API key before deploying")
	}
	if existing, err := s.tickets.GetOpenByUser(ctx, user.ID); err == nil {
		return nil, duplicateTicket(existing)
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, errorutil.NewPersistenceError(err)
	}

	channelID, err := s.messenger.CreateChannel(ctx, input.GuildID, *guild.TicketCategoryRef, "deploy-"+input.Username, input.ExternalUserID)
	if err != nil {
		return nil, errorutil.NewInternalError(fmt.Errorf("open ticket channel: %w", err))
	}

	ticket, err := s.Create(ctx, user.ID, channelID, input.GuildID)
	if err != nil {
		if delErr := s.messenger.DeleteChannel(ctx, channelID); delErr != nil {
			s.logger.Warn("orphan ticket channel not removed", zap.String("channel_id", channelID), zap.Error(delErr))
		}
		return nil, err
	}
	return ticket, nil
}

// Create inserts a PENDING_UPLOAD ticket. A user with an open ticket gets DUPLICATE_TICKET.
func (s *TicketService) Create(ctx context.Context, userID, channelID, guildID string) (*domain.DeployTicket, error) {
	if existing, err := s.tickets.GetOpenByUser(ctx, userID); err == nil {
		return nil, duplicateTicket(existing)
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, errorutil.NewPersistenceError(err)
	}

	ticket := &domain.DeployTicket{
		ChannelID: channelID,
		GuildID:   guildID,
		UserID:    userID,
		Status:    domain.TicketStatusPendingUpload,
	}
	if err := s.tickets.Create(ctx, ticket); err != nil {
		if errors.Is(err, repository.ErrDuplicateOpenTicket) {
			return nil, errorutil.NewDuplicateTicket(nil)
		}
		return nil, errorutil.NewPersistenceError(err)
	}

	s.audit.Record(ctx, domain.AuditLevelInfo, "deploy ticket created", ticket.ID, userID, map[string]any{"channel_id": channelID, "guild_id": guildID})
	s.publishEvent(ctx, events.Event{
		Type:      events.EventTicketCreated,
		TicketID:  ticket.ID,
		ChannelID: channelID,
		Actor:     userActor(userID),
		Payload:   events.TicketCreatedPayload{GuildID: guildID, UserID: userID},
	})
	return ticket, nil
}

// Get loads a ticket.
func (s *TicketService) Get(ctx context.Context, ticketID string) (*domain.DeployTicket, error) {
	ticket, err := s.tickets.GetByID(ctx, ticketID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errorutil.NewNotFound("ticket", nil)
	}
	if err != nil {
		return nil, errorutil.NewPersistenceError(err)
	}
	return ticket, nil
}

// AcceptUpload validates the archive, stores it with the hosting API under
// the user's key and moves the ticket to PENDING_PAYMENT. A ticket in any
// other state than PENDING_UPLOAD is left alone and false is returned.
func (s *TicketService) AcceptUpload(ctx context.Context, ticketID string, upload ArtifactUpload) (*domain.DeployTicket, bool, error) {
	ticket, err := s.Get(ctx, ticketID)
	if err != nil {
		return nil, false, err
	}
	if ticket.Status != domain.TicketStatusPendingUpload {
		s.logger.Info("upload ignored, ticket not awaiting upload",
			zap.String("ticket_id", ticketID), zap.String("status", string(ticket.Status)))
		return ticket, false, nil
	}

	manifest, err := s.validator.Validate(upload.FileName, upload.Content)
	if err != nil {
		s.audit.Record(ctx, domain.AuditLevelWarn, "artifact rejected", ticketID, ticket.UserID, map[string]any{"error": err.Error(), "file_name": upload.FileName})
		return nil, false, errorutil.NewValidationError("the archive must be a zip with a manifest at its root", map[string]any{"file_name": upload.FileName})
	}

	var artifactID string
	err = s.credentials.WithAPIKey(ctx, ticket.UserID, func(apiKey string) error {
		id, upErr := s.hosting.UploadArtifact(ctx, apiKey, upload.FileName, upload.Content)
		artifactID = id
		return upErr
	})
	if err != nil {
		s.audit.Record(ctx, domain.AuditLevelError, "artifact upload to hosting failed", ticketID, ticket.UserID, map[string]any{"error": err.Error()})
		if errors.Is(err, hosting.ErrInvalidCredential) {
			return nil, false, errorutil.NewCredentialError(err)
		}
		var domainErr *errorutil.DomainError
		if errors.As(err, &domainErr) {
			return nil, false, err
		}
		return nil, false, errorutil.NewHostingError(err)
	}

	updated, ok, err := s.tickets.Transition(ctx, repository.TicketTransition{
		TicketID:           ticketID,
		From:               []domain.TicketStatus{domain.TicketStatusPendingUpload},
		To:                 domain.TicketStatusPendingPayment,
		UploadedArtifactID: &artifactID,
	})
	if err != nil {
		return nil, false, errorutil.NewPersistenceError(err)
	}
	if !ok {
		s.logger.Info("upload lost race, ticket already moved", zap.String("ticket_id", ticketID))
		return nil, false, nil
	}

	s.recordTransition(ctx, domain.TicketStatusPendingUpload, updated, userActor(updated.UserID),
		"artifact accepted", map[string]any{"artifact_id": artifactID, "manifest": manifest})
	return updated, true, nil
}

// BeginDeploy is the exactly-once gate: PENDING_PAYMENT to DEPLOYING.
// false means another delivery already won or the ticket is in another state.
func (s *TicketService) BeginDeploy(ctx context.Context, ticketID string, actor events.Actor) (bool, error) {
	updated, ok, err := s.tickets.Transition(ctx, repository.TicketTransition{
		TicketID: ticketID,
		From:     []domain.TicketStatus{domain.TicketStatusPendingPayment},
		To:       domain.TicketStatusDeploying,
	})
	if err != nil {
		return false, errorutil.NewPersistenceError(err)
	}
	if !ok {
		return false, nil
	}
	s.recordTransition(ctx, domain.TicketStatusPendingPayment, updated, actor, "payment confirmed, deploy starting", map[string]any{"provider": actor.Provider})
	return true, nil
}

// Complete records a successful deployment.
func (s *TicketService) Complete(ctx context.Context, ticketID, applicationRef string) (*domain.DeployTicket, error) {
	return s.finish(ctx, ticketID, domain.TicketStatusCompleted, repository.TicketTransition{ApplicationRef: &applicationRef},
		"deploy completed", map[string]any{"application_ref": applicationRef})
}

// Fail records a failed deployment with a user-safe reason.
func (s *TicketService) Fail(ctx context.Context, ticketID, reason string) (*domain.DeployTicket, error) {
	if strings.TrimSpace(reason) == "" {
		reason = ReasonDeploymentFailed
	}
	return s.finish(ctx, ticketID, domain.TicketStatusFailed, repository.TicketTransition{FailureReason: &reason},
		"deploy failed", map[string]any{"reason": reason})
}

func (s *TicketService) finish(ctx context.Context, ticketID string, to domain.TicketStatus, tr repository.TicketTransition, message string, meta map[string]any) (*domain.DeployTicket, error) {
	due := s.now().Add(s.lifecycle.ChannelTeardownDelay)
	tr.TicketID = ticketID
	tr.From = []domain.TicketStatus{domain.TicketStatusDeploying}
	tr.To = to
	tr.ChannelDeleteDueAt = &due

	updated, ok, err := s.tickets.Transition(ctx, tr)
	if err != nil {
		return nil, errorutil.NewPersistenceError(err)
	}
	if !ok {
		return s.explainMiss(ctx, ticketID, to)
	}
	level := domain.AuditLevelInfo
	if to == domain.TicketStatusFailed {
		level = domain.AuditLevelError
	}
	s.recordTransitionLevel(ctx, level, domain.TicketStatusDeploying, updated, systemActor(), message, meta)
	return updated, nil
}

// Expire moves an overdue open ticket to EXPIRED. A DEPLOYING ticket is only
// expired once its deploy is also stale, so a live hosting call is never overtaken.
func (s *TicketService) Expire(ctx context.Context, ticketID string) (*domain.DeployTicket, error) {
	ticket, err := s.Get(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.Status.IsTerminal() {
		return ticket, nil
	}
	now := s.now()
	if now.Before(ticket.ExpiresAt(s.lifecycle.TicketTTL)) {
		return nil, errorutil.NewInvalidTransition(map[string]any{"status": ticket.Status, "expires_at": ticket.ExpiresAt(s.lifecycle.TicketTTL)})
	}
	if ticket.Status == domain.TicketStatusDeploying && now.Before(ticket.UpdatedAt.Add(s.lifecycle.DeployStaleAfter)) {
		return nil, errorutil.NewInvalidTransition(map[string]any{"status": ticket.Status})
	}
	return s.expire(ctx, ticket, now)
}

func (s *TicketService) expire(ctx context.Context, ticket *domain.DeployTicket, now time.Time) (*domain.DeployTicket, error) {
	createdBefore := now.Add(-s.lifecycle.TicketTTL)
	due := now.Add(s.lifecycle.ChannelTeardownDelay)
	tr := repository.TicketTransition{
		TicketID:           ticket.ID,
		From:               []domain.TicketStatus{ticket.Status},
		To:                 domain.TicketStatusExpired,
		ClearArtifact:      true,
		ChannelDeleteDueAt: &due,
		CreatedBefore:      &createdBefore,
	}
	if ticket.Status == domain.TicketStatusDeploying {
		updatedBefore := now.Add(-s.lifecycle.DeployStaleAfter)
		tr.UpdatedBefore = &updatedBefore
	}

	updated, ok, err := s.tickets.Transition(ctx, tr)
	if err != nil {
		return nil, errorutil.NewPersistenceError(err)
	}
	if !ok {
		return s.explainMiss(ctx, ticket.ID, domain.TicketStatusExpired)
	}

	meta := map[string]any{}
	if ticket.UploadedArtifactID != nil {
		meta["artifact_id"] = *ticket.UploadedArtifactID
	}
	s.recordTransitionLevel(ctx, domain.AuditLevelWarn, ticket.Status, updated, systemActor(), "deploy ticket expired", meta)
	return updated, nil
}

// ExpireOverdue expires tickets still waiting for upload or payment past their TTL.
func (s *TicketService) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	now := s.now()
	cutoff := now.Add(-s.lifecycle.TicketTTL)
	stale, err := s.tickets.ListStale(ctx, repository.StaleFilter{
		Statuses:      []domain.TicketStatus{domain.TicketStatusPendingUpload, domain.TicketStatusPendingPayment},
		CreatedBefore: &cutoff,
		Limit:         limit,
	})
	if err != nil {
		return 0, errorutil.NewPersistenceError(err)
	}

	expired := 0
	for i := range stale {
		updated, err := s.expire(ctx, &stale[i], now)
		if err != nil {
			s.logger.Warn("expire ticket failed", zap.String("ticket_id", stale[i].ID), zap.Error(err))
			continue
		}
		if updated.Status == domain.TicketStatusExpired {
			expired++
		}
	}
	return expired, nil
}

// FailStaleDeploys fails tickets stuck in DEPLOYING, e.g. after a crash
// between the payment gate and the hosting call. Failed deploys are not retried.
func (s *TicketService) FailStaleDeploys(ctx context.Context, limit int) (int, error) {
	now := s.now()
	cutoff := now.Add(-s.lifecycle.DeployStaleAfter)
	stale, err := s.tickets.ListStale(ctx, repository.StaleFilter{
		Statuses:      []domain.TicketStatus{domain.TicketStatusDeploying},
		UpdatedBefore: &cutoff,
		Limit:         limit,
	})
	if err != nil {
		return 0, errorutil.NewPersistenceError(err)
	}

	failed := 0
	for _, ticket := range stale {
		reason := ReasonDeploymentInterrupted
		due := now.Add(s.lifecycle.ChannelTeardownDelay)
		updated, ok, err := s.tickets.Transition(ctx, repository.TicketTransition{
			TicketID:           ticket.ID,
			From:               []domain.TicketStatus{domain.TicketStatusDeploying},
			To:                 domain.TicketStatusFailed,
			FailureReason:      &reason,
			ChannelDeleteDueAt: &due,
			UpdatedBefore:      &cutoff,
		})
		if err != nil {
			s.logger.Warn("fail stale deploy failed", zap.String("ticket_id", ticket.ID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		failed++
		s.recordTransitionLevel(ctx, domain.AuditLevelError, domain.TicketStatusDeploying, updated, systemActor(),
			"deploy interrupted before completion", map[string]any{"stale_since": ticket.UpdatedAt})
	}
	return failed, nil
}

// explainMiss turns a failed CAS into a no-op (already terminal), NOT_FOUND or INVALID_TRANSITION.
func (s *TicketService) explainMiss(ctx context.Context, ticketID string, wanted domain.TicketStatus) (*domain.DeployTicket, error) {
	current, err := s.Get(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return current, nil
	}
	return nil, errorutil.NewInvalidTransition(map[string]any{"status": current.Status, "wanted": wanted})
}

func (s *TicketService) recordTransition(ctx context.Context, from domain.TicketStatus, ticket *domain.DeployTicket, actor events.Actor, message string, meta map[string]any) {
	s.recordTransitionLevel(ctx, domain.AuditLevelInfo, from, ticket, actor, message, meta)
}

func (s *TicketService) recordTransitionLevel(ctx context.Context, level domain.AuditLevel, from domain.TicketStatus, ticket *domain.DeployTicket, actor events.Actor, message string, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["from"] = from
	meta["to"] = ticket.Status
	s.audit.Record(ctx, level, message, ticket.ID, ticket.UserID, meta)
	s.publishEvent(ctx, events.Event{
		Type:      events.EventTicketStatusChanged,
		TicketID:  ticket.ID,
		ChannelID: ticket.ChannelID,
		Actor:     actor,
		Payload: events.TicketStatusChangedPayload{
			OldStatus:          from,
			NewStatus:          ticket.Status,
			ApplicationRef:     ticket.ApplicationRef,
			FailureReason:      ticket.FailureReason,
			ChannelDeleteDueAt: ticket.ChannelDeleteDueAt,
		},
	})
}

func (s *TicketService) publishEvent(ctx context.Context, event events.Event) {
	publish(ctx, s.dispatcher, s.now, event)
}

func publish(ctx context.Context, dispatcher events.Dispatcher, now func() time.Time, event events.Event) {
	if dispatcher == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = now()
	}
	_ = dispatcher.Publish(ctx, event)
}

func duplicateTicket(existing *domain.DeployTicket) error {
	return errorutil.NewDuplicateTicket(map[string]any{"channel_id": existing.ChannelID})
}

func userActor(userID string) events.Actor {
	return events.Actor{Type: events.ActorUser, UserID: &userID}
}

func providerActor(provider string) events.Actor {
	return events.Actor{Type: events.ActorProvider, Provider: provider}
}

func systemActor() events.Actor {
	return events.Actor{Type: events.ActorSystem}
}
