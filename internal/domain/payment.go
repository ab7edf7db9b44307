package domain

import "time"

// PaymentStatus tracks local knowledge about a payment intent.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "PENDING"
	PaymentStatusApproved PaymentStatus = "APPROVED"
)

// Payment correlates a provider-side intent with a ticket.
// (Provider, ProviderTransactionID) is unique.
type Payment struct {
	ID                    string
	Provider              string
	ProviderTransactionID string
	AmountCents           int64
	TicketID              string
	UserID                string
	Status                PaymentStatus
	CreatedAt             time.Time
	ApprovedAt            *time.Time
}
