package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/deploy-ticket-service/internal/domain"
)

// AuditRepository stores audit entries.
type AuditRepository interface {
	Create(ctx context.Context, entry *domain.AuditEntry) error
	ListByTicket(ctx context.Context, ticketID string) ([]domain.AuditEntry, error)
}

type auditRepository struct {
	pool *pgxpool.Pool
}

// NewAuditRepository builds repository.
func NewAuditRepository(pool *pgxpool.Pool) AuditRepository {
	return &auditRepository{pool: pool}
}

func (r *auditRepository) Create(ctx context.Context, entry *domain.AuditEntry) error {
	const query = `
        INSERT INTO audit_log (level, message, ticket_id, user_id, meta)
        VALUES ($1,$2,$3,$4,$5)
        RETURNING id, created_at`
	meta := entry.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	return r.pool.QueryRow(ctx, query,
		entry.Level,
		entry.Message,
		entry.TicketID,
		entry.UserID,
		meta,
	).Scan(&entry.ID, &entry.CreatedAt)
}

func (r *auditRepository) ListByTicket(ctx context.Context, ticketID string) ([]domain.AuditEntry, error) {
	if !validID(ticketID) {
		return nil, nil
	}
	const query = `
        SELECT id, level, message, ticket_id, user_id, meta, created_at
        FROM audit_log WHERE ticket_id=$1 ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.AuditEntry
	for rows.Next() {
		var entry domain.AuditEntry
		if err := rows.Scan(
			&entry.ID,
			&entry.Level,
			&entry.Message,
			&entry.TicketID,
			&entry.UserID,
			&entry.Meta,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}
