package events

import (
	"time"

	"github.com/spec-kit/deploy-ticket-service/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventTicketCreated        EventType = "ticket_created"
	EventTicketStatusChanged  EventType = "ticket_status_changed"
	EventPaymentIntentCreated EventType = "payment_intent_created"
	EventPaymentApproved      EventType = "payment_approved"
)

// ActorType names who caused an event.
type ActorType string

const (
	ActorUser     ActorType = "user"
	ActorProvider ActorType = "provider"
	ActorSystem   ActorType = "system"
)

// Actor encapsulates actor metadata for an event.
type Actor struct {
	Type     ActorType `json:"type"`
	UserID   *string   `json:"user_id,omitempty"`
	Provider string    `json:"provider,omitempty"`
}

// Event represents a domain event emitted by services.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	TicketID  string      `json:"ticket_id"`
	ChannelID string      `json:"channel_id"`
	Actor     Actor       `json:"actor"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// TicketCreatedPayload payload.
type TicketCreatedPayload struct {
	GuildID string `json:"guild_id"`
	UserID  string `json:"user_id"`
}

// TicketStatusChangedPayload payload.
type TicketStatusChangedPayload struct {
	OldStatus          domain.TicketStatus `json:"old_status"`
	NewStatus          domain.TicketStatus `json:"new_status"`
	ApplicationRef     *string             `json:"application_ref,omitempty"`
	FailureReason      *string             `json:"failure_reason,omitempty"`
	ChannelDeleteDueAt *time.Time          `json:"channel_delete_due_at,omitempty"`
}

// PaymentIntentCreatedPayload payload.
type PaymentIntentCreatedPayload struct {
	Provider              string `json:"provider"`
	ProviderTransactionID string `json:"provider_transaction_id"`
	AmountCents           int64  `json:"amount_cents"`
	QRPayload             string `json:"qr_payload"`
	QRImageRef            string `json:"qr_image_ref"`
	PaymentLinkRef        string `json:"payment_link_ref"`
}

// PaymentApprovedPayload payload.
type PaymentApprovedPayload struct {
	Provider              string `json:"provider"`
	ProviderTransactionID string `json:"provider_transaction_id,omitempty"`
}
