package dto

import (
	"time"

	"github.com/spec-kit/deploy-ticket-service/internal/domain"
	"github.com/spec-kit/deploy-ticket-service/internal/payment"
	"github.com/spec-kit/deploy-ticket-service/internal/service"
)

// OpenTicketRequest payload.
type OpenTicketRequest struct {
	GuildID        string `json:"guild_id" validate:"required"`
	ExternalUserID string `json:"external_user_id" validate:"required"`
	Username       string `json:"username" validate:"required,max=100"`
}

// ArtifactURLRequest points at an attachment hosted by the chat platform.
type ArtifactURLRequest struct {
	AttachmentURL string `json:"attachment_url" validate:"required,url"`
	FileName      string `json:"file_name"`
}

// PaymentIntentRequest payload.
type PaymentIntentRequest struct {
	PayerName string `json:"payer_name" validate:"omitempty,max=100"`
}

// TicketResponse is the public view of a deploy ticket.
type TicketResponse struct {
	ID                 string              `json:"id"`
	ChannelID          string              `json:"channel_id"`
	GuildID            string              `json:"guild_id"`
	UserID             string              `json:"user_id"`
	Status             domain.TicketStatus `json:"status"`
	UploadedArtifactID *string             `json:"uploaded_artifact_id,omitempty"`
	ApplicationRef     *string             `json:"application_ref,omitempty"`
	FailureReason      *string             `json:"failure_reason,omitempty"`
	ChannelDeleteDueAt *time.Time          `json:"channel_delete_due_at,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// PaymentIntentResponse carries what the bot renders to the payer.
type PaymentIntentResponse struct {
	PaymentID             string `json:"payment_id"`
	Provider              string `json:"provider"`
	ProviderTransactionID string `json:"provider_transaction_id"`
	AmountCents           int64  `json:"amount_cents"`
	QRPayload             string `json:"qr_payload"`
	QRImageRef            string `json:"qr_image_ref,omitempty"`
	PaymentLinkRef        string `json:"payment_link_ref,omitempty"`
}

// NewTicketResponse maps a domain ticket.
func NewTicketResponse(t *domain.DeployTicket) TicketResponse {
	return TicketResponse{
		ID:                 t.ID,
		ChannelID:          t.ChannelID,
		GuildID:            t.GuildID,
		UserID:             t.UserID,
		Status:             t.Status,
		UploadedArtifactID: t.UploadedArtifactID,
		ApplicationRef:     t.ApplicationRef,
		FailureReason:      t.FailureReason,
		ChannelDeleteDueAt: t.ChannelDeleteDueAt,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}
}

// NewPaymentIntentResponse maps a created intent.
func NewPaymentIntentResponse(res *service.PaymentIntentResult) PaymentIntentResponse {
	out := PaymentIntentResponse{}
	if res.Payment != nil {
		out.PaymentID = res.Payment.ID
		out.Provider = payment.Provider(res.Payment.Provider).Route()
		out.ProviderTransactionID = res.Payment.ProviderTransactionID
		out.AmountCents = res.Payment.AmountCents
	}
	if res.Intent != nil {
		out.QRPayload = res.Intent.QRPayload
		out.QRImageRef = res.Intent.QRImageRef
		out.PaymentLinkRef = res.Intent.PaymentLinkRef
	}
	return out
}
