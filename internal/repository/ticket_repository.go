package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/deploy-ticket-service/internal/domain"
)

// TicketTransition describes a guarded status change. The update only
// applies when the stored status is one of From and every optional guard holds.
type TicketTransition struct {
	TicketID           string
	From               []domain.TicketStatus
	To                 domain.TicketStatus
	UploadedArtifactID *string
	ClearArtifact      bool
	ApplicationRef     *string
	FailureReason      *string
	ChannelDeleteDueAt *time.Time
	CreatedBefore      *time.Time
	UpdatedBefore      *time.Time
}

// StaleFilter selects tickets for the background sweeps.
type StaleFilter struct {
	Statuses      []domain.TicketStatus
	CreatedBefore *time.Time
	UpdatedBefore *time.Time
	Limit         int
}

// TicketRepository encapsulates deploy ticket persistence.
type TicketRepository interface {
	Create(ctx context.Context, ticket *domain.DeployTicket) error
	GetByID(ctx context.Context, id string) (*domain.DeployTicket, error)
	GetOpenByUser(ctx context.Context, userID string) (*domain.DeployTicket, error)
	GetOpenByChannel(ctx context.Context, channelID string) (*domain.DeployTicket, error)
	// Transition is the compare-and-swap primitive. It returns the updated
	// ticket and true when the row matched, or nil and false otherwise.
	Transition(ctx context.Context, tr TicketTransition) (*domain.DeployTicket, bool, error)
	ListStale(ctx context.Context, filter StaleFilter) ([]domain.DeployTicket, error)
	ListTeardownDue(ctx context.Context, now time.Time, limit int) ([]domain.DeployTicket, error)
	// ClaimTeardown marks the channel as deleted; only one caller gets true.
	ClaimTeardown(ctx context.Context, ticketID string, now time.Time) (bool, error)
}

type ticketRepository struct {
	pool *pgxpool.Pool
}

// NewTicketRepository instantiates repository.
func NewTicketRepository(pool *pgxpool.Pool) TicketRepository {
	return &ticketRepository{pool: pool}
}

const ticketColumns = `id, channel_id, guild_id, user_id, status, uploaded_artifact_id, application_ref,
               failure_reason, channel_delete_due_at, channel_deleted_at, created_at, updated_at`

func (r *ticketRepository) Create(ctx context.Context, ticket *domain.DeployTicket) error {
	const query = `
        INSERT INTO deploy_tickets (channel_id, guild_id, user_id, status)
        VALUES ($1,$2,$3,$4)
        RETURNING id, created_at, updated_at`
	err := r.pool.QueryRow(ctx, query,
		ticket.ChannelID,
		ticket.GuildID,
		ticket.UserID,
		ticket.Status,
	).Scan(&ticket.ID, &ticket.CreatedAt, &ticket.UpdatedAt)
	if isUniqueViolation(err, openTicketConstraint) {
		return ErrDuplicateOpenTicket
	}
	return err
}

func (r *ticketRepository) GetByID(ctx context.Context, id string) (*domain.DeployTicket, error) {
	if !validID(id) {
		return nil, pgx.ErrNoRows
	}
	query := `SELECT ` + ticketColumns + ` FROM deploy_tickets WHERE id=$1`
	return r.fetchSingle(ctx, query, id)
}

func (r *ticketRepository) GetOpenByUser(ctx context.Context, userID string) (*domain.DeployTicket, error) {
	if !validID(userID) {
		return nil, pgx.ErrNoRows
	}
	query := `SELECT ` + ticketColumns + ` FROM deploy_tickets
        WHERE user_id=$1 AND status = ANY($2) LIMIT 1`
	return r.fetchSingle(ctx, query, userID, statusStrings(domain.OpenTicketStatuses))
}

func (r *ticketRepository) GetOpenByChannel(ctx context.Context, channelID string) (*domain.DeployTicket, error) {
	query := `SELECT ` + ticketColumns + ` FROM deploy_tickets
        WHERE channel_id=$1 AND status = ANY($2) ORDER BY created_at DESC LIMIT 1`
	return r.fetchSingle(ctx, query, channelID, statusStrings(domain.OpenTicketStatuses))
}

func (r *ticketRepository) Transition(ctx context.Context, tr TicketTransition) (*domain.DeployTicket, bool, error) {
	if !validID(tr.TicketID) || len(tr.From) == 0 {
		return nil, false, nil
	}

	query, args := transitionQuery(tr)
	ticket, err := r.fetchSingle(ctx, query, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return ticket, true, nil
}

// transitionQuery builds the guarded UPDATE for tr. $1..$3 are always the
// target status, the ticket id and the allowed source statuses.
func transitionQuery(tr TicketTransition) (string, []any) {
	args := []any{tr.To, tr.TicketID, statusStrings(tr.From)}
	sets := []string{"status=$1", "updated_at=NOW()"}
	if tr.UploadedArtifactID != nil {
		args = append(args, *tr.UploadedArtifactID)
		sets = append(sets, fmt.Sprintf("uploaded_artifact_id=$%d", len(args)))
	} else if tr.ClearArtifact {
		sets = append(sets, "uploaded_artifact_id=NULL")
	}
	if tr.ApplicationRef != nil {
		args = append(args, *tr.ApplicationRef)
		sets = append(sets, fmt.Sprintf("application_ref=$%d", len(args)))
	}
	if tr.FailureReason != nil {
		args = append(args, *tr.FailureReason)
		sets = append(sets, fmt.Sprintf("failure_reason=$%d", len(args)))
	}
	if tr.ChannelDeleteDueAt != nil {
		args = append(args, *tr.ChannelDeleteDueAt)
		sets = append(sets, fmt.Sprintf("channel_delete_due_at=$%d", len(args)))
	}

	clauses := []string{"id=$2", "status = ANY($3)"}
	if tr.CreatedBefore != nil {
		args = append(args, *tr.CreatedBefore)
		clauses = append(clauses, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	if tr.UpdatedBefore != nil {
		args = append(args, *tr.UpdatedBefore)
		clauses = append(clauses, fmt.Sprintf("updated_at <= $%d", len(args)))
	}

	query := fmt.Sprintf(`UPDATE deploy_tickets SET %s WHERE %s RETURNING %s`,
		strings.Join(sets, ", "), strings.Join(clauses, " AND "), ticketColumns)
	return query, args
}

func (r *ticketRepository) ListStale(ctx context.Context, filter StaleFilter) ([]domain.DeployTicket, error) {
	if len(filter.Statuses) == 0 {
		return nil, nil
	}
	query, args := staleQuery(filter)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

func staleQuery(filter StaleFilter) (string, []any) {
	args := []any{statusStrings(filter.Statuses)}
	clauses := []string{"status = ANY($1)"}
	if filter.CreatedBefore != nil {
		args = append(args, *filter.CreatedBefore)
		clauses = append(clauses, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	if filter.UpdatedBefore != nil {
		args = append(args, *filter.UpdatedBefore)
		clauses = append(clauses, fmt.Sprintf("updated_at <= $%d", len(args)))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM deploy_tickets WHERE %s ORDER BY created_at ASC LIMIT %d`,
		ticketColumns, strings.Join(clauses, " AND "), limit)
	return query, args
}

func (r *ticketRepository) ListTeardownDue(ctx context.Context, now time.Time, limit int) ([]domain.DeployTicket, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM deploy_tickets
        WHERE channel_deleted_at IS NULL AND channel_delete_due_at IS NOT NULL AND channel_delete_due_at <= $1
        ORDER BY channel_delete_due_at ASC LIMIT %d`, ticketColumns, limit)
	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

func (r *ticketRepository) ClaimTeardown(ctx context.Context, ticketID string, now time.Time) (bool, error) {
	if !validID(ticketID) {
		return false, nil
	}
	const query = `
        UPDATE deploy_tickets SET channel_deleted_at=$2
        WHERE id=$1 AND channel_deleted_at IS NULL AND channel_delete_due_at IS NOT NULL`
	cmd, err := r.pool.Exec(ctx, query, ticketID, now)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (r *ticketRepository) fetchSingle(ctx context.Context, query string, args ...any) (*domain.DeployTicket, error) {
	var ticket domain.DeployTicket
	if err := scanTicket(r.pool.QueryRow(ctx, query, args...), &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

func scanTicket(row pgx.Row, ticket *domain.DeployTicket) error {
	return row.Scan(
		&ticket.ID,
		&ticket.ChannelID,
		&ticket.GuildID,
		&ticket.UserID,
		&ticket.Status,
		&ticket.UploadedArtifactID,
		&ticket.ApplicationRef,
		&ticket.FailureReason,
		&ticket.ChannelDeleteDueAt,
		&ticket.ChannelDeletedAt,
		&ticket.CreatedAt,
		&ticket.UpdatedAt,
	)
}

func scanTickets(rows pgx.Rows) ([]domain.DeployTicket, error) {
	var result []domain.DeployTicket
	for rows.Next() {
		var ticket domain.DeployTicket
		if err := scanTicket(rows, &ticket); err != nil {
			return nil, err
		}
		result = append(result, ticket)
	}
	return result, rows.Err()
}

func statusStrings(statuses []domain.TicketStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
