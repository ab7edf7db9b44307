package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/deploy-ticket-service/internal/domain"
)

// PaymentRepository stores payment intents keyed by (provider, provider transaction id).
type PaymentRepository interface {
	Create(ctx context.Context, payment *domain.Payment) error
	// CreateIfAbsent inserts unless the key exists; it reports whether a row was written.
	CreateIfAbsent(ctx context.Context, payment *domain.Payment) (bool, error)
	GetByProviderTx(ctx context.Context, provider, providerTxID string) (*domain.Payment, error)
	MarkApproved(ctx context.Context, provider, providerTxID string, at time.Time) error
	// ApproveLatestPending approves the newest PENDING payment of ticketID with
	// provider and returns its transaction id, or false when there is none.
	ApproveLatestPending(ctx context.Context, provider, ticketID string, at time.Time) (string, bool, error)
}

type paymentRepository struct {
	pool *pgxpool.Pool
}

// NewPaymentRepository builds repository.
func NewPaymentRepository(pool *pgxpool.Pool) PaymentRepository {
	return &paymentRepository{pool: pool}
}

func (r *paymentRepository) Create(ctx context.Context, payment *domain.Payment) error {
	const query = `
        INSERT INTO payments (provider, provider_transaction_id, amount_cents, ticket_id, user_id, status)
        VALUES ($1,$2,$3,$4,$5,$6)
        RETURNING id, created_at`
	if payment.Status == "" {
		payment.Status = domain.PaymentStatusPending
	}
	err := r.pool.QueryRow(ctx, query,
		payment.Provider,
		payment.ProviderTransactionID,
		payment.AmountCents,
		payment.TicketID,
		payment.UserID,
		payment.Status,
	).Scan(&payment.ID, &payment.CreatedAt)
	if isUniqueViolation(err, paymentUniqueConstraint) {
		return ErrDuplicatePayment
	}
	return err
}

func (r *paymentRepository) CreateIfAbsent(ctx context.Context, payment *domain.Payment) (bool, error) {
	const query = `
        INSERT INTO payments (provider, provider_transaction_id, amount_cents, ticket_id, user_id, status)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT ON CONSTRAINT payments_provider_tx_unique DO NOTHING`
	if payment.Status == "" {
		payment.Status = domain.PaymentStatusPending
	}
	cmd, err := r.pool.Exec(ctx, query,
		payment.Provider,
		payment.ProviderTransactionID,
		payment.AmountCents,
		payment.TicketID,
		payment.UserID,
		payment.Status,
	)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (r *paymentRepository) GetByProviderTx(ctx context.Context, provider, providerTxID string) (*domain.Payment, error) {
	const query = `
        SELECT id, provider, provider_transaction_id, amount_cents, ticket_id, user_id, status, created_at, approved_at
        FROM payments WHERE provider=$1 AND provider_transaction_id=$2`
	var p domain.Payment
	if err := r.pool.QueryRow(ctx, query, provider, providerTxID).Scan(
		&p.ID,
		&p.Provider,
		&p.ProviderTransactionID,
		&p.AmountCents,
		&p.TicketID,
		&p.UserID,
		&p.Status,
		&p.CreatedAt,
		&p.ApprovedAt,
	); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *paymentRepository) MarkApproved(ctx context.Context, provider, providerTxID string, at time.Time) error {
	const query = `
        UPDATE payments SET status=$3, approved_at=COALESCE(approved_at, $4)
        WHERE provider=$1 AND provider_transaction_id=$2`
	_, err := r.pool.Exec(ctx, query, provider, providerTxID, domain.PaymentStatusApproved, at)
	return err
}

func (r *paymentRepository) ApproveLatestPending(ctx context.Context, provider, ticketID string, at time.Time) (string, bool, error) {
	const query = `
        UPDATE payments SET status=$3, approved_at=COALESCE(approved_at, $4)
        WHERE id = (
            SELECT id FROM payments
            WHERE provider=$1 AND ticket_id=$2 AND status=$5
            ORDER BY created_at DESC
            LIMIT 1
            FOR UPDATE
        )
        RETURNING provider_transaction_id`
	var txID string
	err := r.pool.QueryRow(ctx, query, provider, ticketID, domain.PaymentStatusApproved, at, domain.PaymentStatusPending).Scan(&txID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return txID, true, nil
}
