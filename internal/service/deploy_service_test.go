package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/deploy-ticket-service/internal/domain"
	"github.com/spec-kit/deploy-ticket-service/internal/events"
	"github.com/spec-kit/deploy-ticket-service/internal/hosting"
	"github.com/spec-kit/deploy-ticket-service/internal/messaging"
	"github.com/spec-kit/deploy-ticket-service/internal/payment"
	"github.com/spec-kit/deploy-ticket-service/internal/repository"
	"github.com/spec-kit/deploy-ticket-service/pkg/util/errorutil"
)

func TestDeployFailureIsTerminalAndAudited(t *testing.T) {
	h := newHarness(t)
	h.hosting.createErr = errors.New("quota exceeded for account 42")
	ticketID, txID := h.paidTicket(t, "ext-1")

	outcome, err := h.webhooks.Ingest(h.ctx, payment.ProviderMercadoPago, approvedBody(txID, ticketID))
	require.NoError(t, err)
	assert.Equal(t, WebhookAccepted, outcome)

	ticket, err := h.tickets.Get(h.ctx, ticketID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusFailed, ticket.Status)
	require.NotNil(t, ticket.FailureReason)
	assert.Equal(t, ReasonDeploymentFailed, *ticket.FailureReason)
	assert.NotNil(t, ticket.ChannelDeleteDueAt)

	entries, err := h.store.Audit().ListByTicket(h.ctx, ticketID)
	require.NoError(t, err)
	var detailed bool
	for _, e := range entries {
		if msg, ok := e.Meta["error"].(string); ok && strings.Contains(msg, "quota exceeded") {
			detailed = true
			assert.Equal(t, domain.AuditLevelError, e.Level)
		}
	}
	assert.True(t, detailed, "hosting error detail belongs in the audit trail")

	require.NoError(t, h.deploys.Execute(h.ctx, ticketID))
	assert.Equal(t, int32(1), h.hosting.creates, "no automatic retry")
}

func TestDeployWithRejectedKey(t *testing.T) {
	h := newHarness(t)
	h.hosting.createErr = fmt.Errorf("create application: %w", hosting.ErrInvalidCredential)
	ticketID, txID := h.paidTicket(t, "ext-1")

	_, err := h.webhooks.Ingest(h.ctx, payment.ProviderMercadoPago, approvedBody(txID, ticketID))
	require.NoError(t, err)

	ticket, err := h.tickets.Get(h.ctx, ticketID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusFailed, ticket.Status)
	assert.Equal(t, ReasonCredentialRejected, *ticket.FailureReason)
}

func TestChannelSweepToleratesMissingChannel(t *testing.T) {
	h := newHarness(t)
	h.messenger.deleteErr = fmt.Errorf("delete channel: %w", messaging.ErrChannelNotFound)
	ticketID, txID := h.paidTicket(t, "ext-1")
	_, err := h.webhooks.Ingest(h.ctx, payment.ProviderMercadoPago, approvedBody(txID, ticketID))
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	n, err := h.channels.SweepDue(h.ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = h.channels.SweepDue(h.ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, h.messenger.deleted, 1, "teardown is attempted once")

	ticket, err := h.tickets.Get(h.ctx, ticketID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusCompleted, ticket.Status)
}

func TestCredentialRegistration(t *testing.T) {
	h := newHarness(t)

	_, err := h.creds.Register(h.ctx, "ext-1", "bad-key")
	assert.True(t, errorutil.Is(err, errorutil.CodeCredentialInvalid))

	_, err = h.creds.Register(h.ctx, "ext-1", "  ")
	assert.True(t, errorutil.Is(err, errorutil.CodeValidation))

	user, err := h.creds.Register(h.ctx, "ext-1", "good-key")
	require.NoError(t, err)

	cred, err := h.store.Users().GetCredential(h.ctx, user.ID)
	require.NoError(t, err)
	assert.NotContains(t, cred.Ciphertext, "good-key")

	var got string
	require.NoError(t, h.creds.WithAPIKey(h.ctx, user.ID, func(apiKey string) error {
		got = apiKey
		return nil
	}))
	assert.Equal(t, "good-key", got)

	err = h.creds.WithAPIKey(h.ctx, "nobody", func(string) error { return nil })
	assert.True(t, errorutil.Is(err, errorutil.CodeCredentialInvalid))
}

func TestNotificationsReachTicketChannel(t *testing.T) {
	dispatcher := events.NewInMemoryDispatcher(nil)
	messenger := &fakeMessenger{}
	notifier := NewNotificationService(dispatcher, messenger, nil, 5*time.Minute)
	notifier.RegisterHandlers()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		notifier.Run(ctx)
		close(done)
	}()

	ref := "app-9:my-bot"
	require.NoError(t, dispatcher.Publish(ctx, events.Event{
		Type:      events.EventTicketStatusChanged,
		TicketID:  "t1",
		ChannelID: "chan-1",
		Payload: events.TicketStatusChangedPayload{
			OldStatus:      domain.TicketStatusDeploying,
			NewStatus:      domain.TicketStatusCompleted,
			ApplicationRef: &ref,
		},
	}))

	require.Eventually(t, func() bool { return len(messenger.Messages("chan-1")) == 1 }, time.Second, 5*time.Millisecond)
	msg := messenger.Messages("chan-1")[0]
	assert.Contains(t, msg, "**my-bot**")
	assert.Contains(t, msg, "`app-9`")
	assert.Contains(t, msg, "5m0s")

	cancel()
	<-done
}

// slowHosting answers CreateApplication only once the caller's deadline has passed.
type slowHosting struct {
	*fakeHosting
	succeed bool
}

func (f *slowHosting) CreateApplication(ctx context.Context, _, artifactID string) (*hosting.Application, error) {
	<-ctx.Done()
	if f.succeed {
		return &hosting.Application{ID: "app-" + artifactID, Tag: "bot"}, nil
	}
	return nil, fmt.Errorf("create application: %w", ctx.Err())
}

// ctxTickets and ctxAudit fail once their context is done, like the pgx repositories.
type ctxTickets struct{ repository.TicketRepository }

func (r ctxTickets) GetByID(ctx context.Context, id string) (*domain.DeployTicket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.TicketRepository.GetByID(ctx, id)
}

func (r ctxTickets) Transition(ctx context.Context, tr repository.TicketTransition) (*domain.DeployTicket, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return r.TicketRepository.Transition(ctx, tr)
}

type ctxAudit struct{ repository.AuditRepository }

func (r ctxAudit) Create(ctx context.Context, entry *domain.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.AuditRepository.Create(ctx, entry)
}

func deployingTicket(t *testing.T, h *harness) string {
	t.Helper()
	ticketID, _ := h.paidTicket(t, "ext-1")
	_, ok, err := h.store.Tickets().Transition(h.ctx, repository.TicketTransition{
		TicketID: ticketID,
		From:     []domain.TicketStatus{domain.TicketStatusPendingPayment},
		To:       domain.TicketStatusDeploying,
	})
	require.NoError(t, err)
	require.True(t, ok)
	return ticketID
}

func TestDeployOutcomeRecordedAfterDeadline(t *testing.T) {
	cases := []struct {
		name    string
		succeed bool
		status  domain.TicketStatus
		audit   string
	}{
		{name: "hosting times out", succeed: false, status: domain.TicketStatusFailed, audit: "deployment failed"},
		{name: "hosting answers at the deadline", succeed: true, status: domain.TicketStatusCompleted, audit: "application created"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ticketID := deployingTicket(t, h)

			auditor := NewAuditor(ctxAudit{h.store.Audit()}, nil)
			tickets := NewTicketService(TicketDependencies{
				TicketRepo:  ctxTickets{h.store.Tickets()},
				UserRepo:    h.store.Users(),
				GuildRepo:   h.store.Guilds(),
				Credentials: h.creds,
				Hosting:     h.hosting,
				Messenger:   h.messenger,
				Auditor:     auditor,
				Dispatcher:  events.NewInMemoryDispatcher(nil),
				Lifecycle:   testLifecycle,
				Clock:       h.clock.Now,
			})
			deploys := NewDeployService(DeployDependencies{
				TicketService: tickets,
				Credentials:   h.creds,
				Hosting:       &slowHosting{fakeHosting: h.hosting, succeed: tc.succeed},
				Auditor:       auditor,
			})

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			require.NoError(t, deploys.Execute(ctx, ticketID))

			ticket, err := h.tickets.Get(h.ctx, ticketID)
			require.NoError(t, err)
			assert.Equal(t, tc.status, ticket.Status)

			entries, err := h.store.Audit().ListByTicket(h.ctx, ticketID)
			require.NoError(t, err)
			var messages []string
			for _, e := range entries {
				messages = append(messages, e.Message)
			}
			assert.Contains(t, messages, tc.audit)
		})
	}
}
