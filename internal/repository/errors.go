package repository

import (
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrDuplicateOpenTicket is returned when a user already holds a non-terminal ticket.
	ErrDuplicateOpenTicket = errors.New("user already holds an open ticket")
	// ErrDuplicatePayment is returned when (provider, provider_transaction_id) already exists.
	ErrDuplicatePayment = errors.New("payment already recorded")
)

const (
	uniqueViolation         = "23505"
	openTicketConstraint    = "deploy_tickets_one_open_per_user"
	paymentUniqueConstraint = "payments_provider_tx_unique"
)

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == uniqueViolation && (constraint == "" || pgErr.ConstraintName == constraint)
}

// validID filters out ids that could never match a UUID primary key.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
