package memstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/deploy-ticket-service/internal/domain"
	"github.com/spec-kit/deploy-ticket-service/internal/repository"
)

func TestCreateRejectsSecondOpenTicket(t *testing.T) {
	ctx := context.Background()
	store := New()
	tickets := store.Tickets()

	first := &domain.DeployTicket{UserID: "u1", ChannelID: "c1", GuildID: "g", Status: domain.TicketStatusPendingUpload}
	require.NoError(t, tickets.Create(ctx, first))

	second := &domain.DeployTicket{UserID: "u1", ChannelID: "c2", GuildID: "g", Status: domain.TicketStatusPendingUpload}
	assert.ErrorIs(t, tickets.Create(ctx, second), repository.ErrDuplicateOpenTicket)

	_, _, err := tickets.Transition(ctx, repository.TicketTransition{
		TicketID: first.ID,
		From:     []domain.TicketStatus{domain.TicketStatusPendingUpload},
		To:       domain.TicketStatusExpired,
	})
	require.NoError(t, err)
	assert.NoError(t, tickets.Create(ctx, second))
}

func TestTransitionIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := New()
	tickets := store.Tickets()
	ticket := &domain.DeployTicket{UserID: "u1", ChannelID: "c1", Status: domain.TicketStatusPendingPayment}
	require.NoError(t, tickets.Create(ctx, ticket))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := tickets.Transition(ctx, repository.TicketTransition{
				TicketID: ticket.ID,
				From:     []domain.TicketStatus{domain.TicketStatusPendingPayment},
				To:       domain.TicketStatusDeploying,
			})
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)

	got, err := tickets.GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusDeploying, got.Status)
}

func TestTransitionGuards(t *testing.T) {
	ctx := context.Background()
	store := New()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return base })
	tickets := store.Tickets()
	ticket := &domain.DeployTicket{UserID: "u1", ChannelID: "c1", Status: domain.TicketStatusPendingUpload}
	require.NoError(t, tickets.Create(ctx, ticket))

	early := base.Add(-time.Minute)
	_, ok, err := tickets.Transition(ctx, repository.TicketTransition{
		TicketID:      ticket.ID,
		From:          []domain.TicketStatus{domain.TicketStatusPendingUpload},
		To:            domain.TicketStatusExpired,
		CreatedBefore: &early,
	})
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = tickets.Transition(ctx, repository.TicketTransition{TicketID: "missing", From: domain.OpenTicketStatuses, To: domain.TicketStatusExpired})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTeardownClaimHappensOnce(t *testing.T) {
	ctx := context.Background()
	store := New()
	tickets := store.Tickets()
	ticket := &domain.DeployTicket{UserID: "u1", ChannelID: "c1", Status: domain.TicketStatusDeploying}
	require.NoError(t, tickets.Create(ctx, ticket))

	now := time.Now().UTC()
	due := now.Add(-time.Second)
	ref := "app:tag"
	_, ok, err := tickets.Transition(ctx, repository.TicketTransition{
		TicketID:           ticket.ID,
		From:               []domain.TicketStatus{domain.TicketStatusDeploying},
		To:                 domain.TicketStatusCompleted,
		ApplicationRef:     &ref,
		ChannelDeleteDueAt: &due,
	})
	require.NoError(t, err)
	require.True(t, ok)

	list, err := tickets.ListTeardownDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)

	claimed, err := tickets.ClaimTeardown(ctx, ticket.ID, now)
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = tickets.ClaimTeardown(ctx, ticket.ID, now)
	require.NoError(t, err)
	assert.False(t, claimed)

	list, err = tickets.ListTeardownDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestPaymentsUniqueByProviderTx(t *testing.T) {
	ctx := context.Background()
	payments := New().Payments()

	p := &domain.Payment{Provider: "mercadopago", ProviderTransactionID: "42", TicketID: "t", UserID: "u", AmountCents: 1000}
	require.NoError(t, payments.Create(ctx, p))
	assert.ErrorIs(t, payments.Create(ctx, &domain.Payment{Provider: "mercadopago", ProviderTransactionID: "42"}), repository.ErrDuplicatePayment)
	assert.NoError(t, payments.Create(ctx, &domain.Payment{Provider: "pushinpay", ProviderTransactionID: "42"}))

	require.NoError(t, payments.MarkApproved(ctx, "mercadopago", "42", time.Now()))
	got, err := payments.GetByProviderTx(ctx, "mercadopago", "42")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusApproved, got.Status)

	_, err = payments.GetByProviderTx(ctx, "mercadopago", "43")
	assert.ErrorIs(t, err, pgx.ErrNoRows)
}
