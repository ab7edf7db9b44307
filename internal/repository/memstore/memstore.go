// Package memstore is an in-process implementation of the repository
// interfaces. It honours the same uniqueness and compare-and-swap rules as the
// Postgres schema, but only within one process, so it backs tests and
// single-instance local runs where POSTGRES_DSN is unset.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/deploy-ticket-service/internal/domain"
	"github.com/spec-kit/deploy-ticket-service/internal/repository"
)

// Store holds every table behind a single mutex.
type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	tickets  map[string]*domain.DeployTicket
	users    map[string]*domain.User
	creds    map[string]*domain.Credential
	payments map[string]*domain.Payment
	guilds   map[string]*domain.GuildConfig
	audit    []domain.AuditEntry
}

// New returns an empty store.
func New() *Store {
	return &Store{
		now:      func() time.Time { return time.Now().UTC() },
		tickets:  map[string]*domain.DeployTicket{},
		users:    map[string]*domain.User{},
		creds:    map[string]*domain.Credential{},
		payments: map[string]*domain.Payment{},
		guilds:   map[string]*domain.GuildConfig{},
	}
}

// SetClock overrides the timestamp source used for created_at/updated_at.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Tickets exposes the store as a TicketRepository.
func (s *Store) Tickets() repository.TicketRepository { return ticketRepo{s} }

// Users exposes the store as a UserRepository.
func (s *Store) Users() repository.UserRepository { return userRepo{s} }

// Payments exposes the store as a PaymentRepository.
func (s *Store) Payments() repository.PaymentRepository { return paymentRepo{s} }

// Guilds exposes the store as a GuildConfigRepository.
func (s *Store) Guilds() repository.GuildConfigRepository { return guildRepo{s} }

// Audit exposes the store as an AuditRepository.
func (s *Store) Audit() repository.AuditRepository { return auditRepo{s} }

type ticketRepo struct{ s *Store }

func (r ticketRepo) Create(_ context.Context, ticket *domain.DeployTicket) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tickets {
		if t.UserID == ticket.UserID && !t.Status.IsTerminal() {
			return repository.ErrDuplicateOpenTicket
		}
	}
	now := s.now()
	ticket.ID = uuid.NewString()
	ticket.CreatedAt = now
	ticket.UpdatedAt = now
	stored := *ticket
	s.tickets[ticket.ID] = &stored
	return nil
}

func (r ticketRepo) GetByID(_ context.Context, id string) (*domain.DeployTicket, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *t
	return &cp, nil
}

func (r ticketRepo) GetOpenByUser(_ context.Context, userID string) (*domain.DeployTicket, error) {
	return r.findOpen(func(t *domain.DeployTicket) bool { return t.UserID == userID })
}

func (r ticketRepo) GetOpenByChannel(_ context.Context, channelID string) (*domain.DeployTicket, error) {
	return r.findOpen(func(t *domain.DeployTicket) bool { return t.ChannelID == channelID })
}

func (r ticketRepo) findOpen(match func(*domain.DeployTicket) bool) (*domain.DeployTicket, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tickets {
		if !t.Status.IsTerminal() && match(t) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r ticketRepo) Transition(_ context.Context, tr repository.TicketTransition) (*domain.DeployTicket, bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[tr.TicketID]
	if !ok || !statusIn(t.Status, tr.From) {
		return nil, false, nil
	}
	if tr.CreatedBefore != nil && t.CreatedAt.After(*tr.CreatedBefore) {
		return nil, false, nil
	}
	if tr.UpdatedBefore != nil && t.UpdatedAt.After(*tr.UpdatedBefore) {
		return nil, false, nil
	}
	t.Status = tr.To
	t.UpdatedAt = s.now()
	if tr.UploadedArtifactID != nil {
		id := *tr.UploadedArtifactID
		t.UploadedArtifactID = &id
	} else if tr.ClearArtifact {
		t.UploadedArtifactID = nil
	}
	if tr.ApplicationRef != nil {
		ref := *tr.ApplicationRef
		t.ApplicationRef = &ref
	}
	if tr.FailureReason != nil {
		reason := *tr.FailureReason
		t.FailureReason = &reason
	}
	if tr.ChannelDeleteDueAt != nil {
		due := *tr.ChannelDeleteDueAt
		t.ChannelDeleteDueAt = &due
	}
	cp := *t
	return &cp, true, nil
}

func (r ticketRepo) ListStale(_ context.Context, filter repository.StaleFilter) ([]domain.DeployTicket, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DeployTicket
	for _, t := range s.tickets {
		if !statusIn(t.Status, filter.Statuses) {
			continue
		}
		if filter.CreatedBefore != nil && t.CreatedAt.After(*filter.CreatedBefore) {
			continue
		}
		if filter.UpdatedBefore != nil && t.UpdatedAt.After(*filter.UpdatedBefore) {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return limitTickets(out, filter.Limit), nil
}

func (r ticketRepo) ListTeardownDue(_ context.Context, now time.Time, limit int) ([]domain.DeployTicket, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DeployTicket
	for _, t := range s.tickets {
		if t.ChannelDeletedAt == nil && t.ChannelDeleteDueAt != nil && !t.ChannelDeleteDueAt.After(now) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelDeleteDueAt.Before(*out[j].ChannelDeleteDueAt) })
	return limitTickets(out, limit), nil
}

func (r ticketRepo) ClaimTeardown(_ context.Context, ticketID string, now time.Time) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[ticketID]
	if !ok || t.ChannelDeletedAt != nil || t.ChannelDeleteDueAt == nil {
		return false, nil
	}
	at := now
	t.ChannelDeletedAt = &at
	return true, nil
}

type userRepo struct{ s *Store }

func (r userRepo) GetOrCreate(_ context.Context, externalID string) (*domain.User, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ExternalID == externalID {
			cp := *u
			return &cp, nil
		}
	}
	// callers may hand in strings backed by a reused request buffer
	u := &domain.User{ID: uuid.NewString(), ExternalID: strings.Clone(externalID), CreatedAt: s.now()}
	s.users[u.ID] = u
	cp := *u
	return &cp, nil
}

func (r userRepo) GetByID(_ context.Context, id string) (*domain.User, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *u
	return &cp, nil
}

func (r userRepo) GetByExternalID(_ context.Context, externalID string) (*domain.User, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ExternalID == externalID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r userRepo) UpsertCredential(_ context.Context, cred *domain.Credential) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	cred.UpdatedAt = s.now()
	cp := *cred
	s.creds[cred.UserID] = &cp
	return nil
}

func (r userRepo) GetCredential(_ context.Context, userID string) (*domain.Credential, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[userID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *c
	return &cp, nil
}

type paymentRepo struct{ s *Store }

func paymentKey(provider, txID string) string { return provider + "\x00" + txID }

func (r paymentRepo) Create(ctx context.Context, payment *domain.Payment) error {
	created, err := r.CreateIfAbsent(ctx, payment)
	if err != nil {
		return err
	}
	if !created {
		return repository.ErrDuplicatePayment
	}
	return nil
}

func (r paymentRepo) CreateIfAbsent(_ context.Context, payment *domain.Payment) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	key := paymentKey(payment.Provider, payment.ProviderTransactionID)
	if _, exists := s.payments[key]; exists {
		return false, nil
	}
	if payment.Status == "" {
		payment.Status = domain.PaymentStatusPending
	}
	payment.ID = uuid.NewString()
	payment.CreatedAt = s.now()
	cp := *payment
	s.payments[key] = &cp
	return true, nil
}

func (r paymentRepo) GetByProviderTx(_ context.Context, provider, providerTxID string) (*domain.Payment, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentKey(provider, providerTxID)]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *p
	return &cp, nil
}

func (r paymentRepo) MarkApproved(_ context.Context, provider, providerTxID string, at time.Time) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentKey(provider, providerTxID)]
	if !ok {
		return nil
	}
	p.Status = domain.PaymentStatusApproved
	if p.ApprovedAt == nil {
		approved := at
		p.ApprovedAt = &approved
	}
	return nil
}

func (r paymentRepo) ApproveLatestPending(_ context.Context, provider, ticketID string, at time.Time) (string, bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *domain.Payment
	for _, p := range s.payments {
		if p.Provider != provider || p.TicketID != ticketID || p.Status != domain.PaymentStatusPending {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return "", false, nil
	}
	latest.Status = domain.PaymentStatusApproved
	if latest.ApprovedAt == nil {
		approved := at
		latest.ApprovedAt = &approved
	}
	return latest.ProviderTransactionID, true, nil
}

type guildRepo struct{ s *Store }

func (r guildRepo) Get(_ context.Context, guildID string) (*domain.GuildConfig, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guilds[guildID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *g
	return &cp, nil
}

func (r guildRepo) Upsert(_ context.Context, guildID string, categoryRef *string, priceCents *int64) (*domain.GuildConfig, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guilds[guildID]
	if !ok {
		guildID = strings.Clone(guildID)
		g = &domain.GuildConfig{GuildID: guildID}
		s.guilds[guildID] = g
	}
	if categoryRef != nil {
		ref := strings.Clone(*categoryRef)
		g.TicketCategoryRef = &ref
	}
	if priceCents != nil {
		price := *priceCents
		g.DeployPriceCents = &price
	}
	g.UpdatedAt = s.now()
	cp := *g
	return &cp, nil
}

type auditRepo struct{ s *Store }

func (r auditRepo) Create(_ context.Context, entry *domain.AuditEntry) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = uuid.NewString()
	entry.CreatedAt = s.now()
	s.audit = append(s.audit, *entry)
	return nil
}

func (r auditRepo) ListByTicket(_ context.Context, ticketID string) ([]domain.AuditEntry, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range s.audit {
		if e.TicketID != nil && *e.TicketID == ticketID {
			out = append(out, e)
		}
	}
	return out, nil
}

func statusIn(status domain.TicketStatus, set []domain.TicketStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

func limitTickets(tickets []domain.DeployTicket, limit int) []domain.DeployTicket {
	if limit > 0 && len(tickets) > limit {
		return tickets[:limit]
	}
	return tickets
}
