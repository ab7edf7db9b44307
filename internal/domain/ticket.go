package domain

import "time"

// TicketStatus enumerates lifecycle states for deploy tickets.
type TicketStatus string

const (
	TicketStatusPendingUpload  TicketStatus = "PENDING_UPLOAD"
	TicketStatusPendingPayment TicketStatus = "PENDING_PAYMENT"
	TicketStatusDeploying      TicketStatus = "DEPLOYING"
	TicketStatusCompleted      TicketStatus = "COMPLETED"
	TicketStatusFailed         TicketStatus = "FAILED"
	TicketStatusExpired        TicketStatus = "EXPIRED"
)

// OpenTicketStatuses lists every non-terminal status.
var OpenTicketStatuses = []TicketStatus{
	TicketStatusPendingUpload,
	TicketStatusPendingPayment,
	TicketStatusDeploying,
}

var allowedTransitions = map[TicketStatus][]TicketStatus{
	TicketStatusPendingUpload:  {TicketStatusPendingPayment, TicketStatusExpired},
	TicketStatusPendingPayment: {TicketStatusDeploying, TicketStatusExpired},
	TicketStatusDeploying:      {TicketStatusCompleted, TicketStatusFailed, TicketStatusExpired},
	TicketStatusCompleted:      {},
	TicketStatusFailed:         {},
	TicketStatusExpired:        {},
}

// IsTerminal reports whether no further transition is possible.
func (s TicketStatus) IsTerminal() bool {
	switch s {
	case TicketStatusCompleted, TicketStatusFailed, TicketStatusExpired:
		return true
	}
	return false
}

// IsValid reports whether s is a known status.
func (s TicketStatus) IsValid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// HoldsArtifact reports whether a ticket in this status must carry an uploaded artifact id.
func (s TicketStatus) HoldsArtifact() bool {
	switch s {
	case TicketStatusPendingPayment, TicketStatusDeploying, TicketStatusCompleted, TicketStatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether current -> next is an edge of the lifecycle graph.
func CanTransition(current, next TicketStatus) bool {
	for _, candidate := range allowedTransitions[current] {
		if candidate == next {
			return true
		}
	}
	return false
}

// DeployTicket binds one user's deploy request to a chat channel and a lifecycle status.
type DeployTicket struct {
	ID                 string
	ChannelID          string
	GuildID            string
	UserID             string
	Status             TicketStatus
	UploadedArtifactID *string
	ApplicationRef     *string
	FailureReason      *string
	ChannelDeleteDueAt *time.Time
	ChannelDeletedAt   *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ExpiresAt returns the instant after which the ticket may be expired.
func (t *DeployTicket) ExpiresAt(ttl time.Duration) time.Time {
	return t.CreatedAt.Add(ttl)
}
