package dto

import (
	"time"

	"github.com/spec-kit/deploy-ticket-service/internal/domain"
)

// CredentialRequest registers a hosting API key.
type CredentialRequest struct {
	APIKey string `json:"api_key" validate:"required,min=8,max=512"`
}

// CredentialResponse never echoes the key.
type CredentialResponse struct {
	UserID         string `json:"user_id"`
	ExternalUserID string `json:"external_user_id"`
	Registered     bool   `json:"registered"`
}

// GuildConfigRequest updates one or both guild settings.
type GuildConfigRequest struct {
	TicketCategoryRef *string `json:"ticket_category_ref" validate:"omitempty,min=1"`
	DeployPriceCents  *int64  `json:"deploy_price_cents" validate:"omitempty,gt=0"`
}

// GuildConfigResponse is the public view of a guild configuration.
type GuildConfigResponse struct {
	GuildID           string    `json:"guild_id"`
	TicketCategoryRef *string   `json:"ticket_category_ref"`
	DeployPriceCents  *int64    `json:"deploy_price_cents"`
	Ready             bool      `json:"ready"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// NewGuildConfigResponse maps a domain guild config.
func NewGuildConfigResponse(g *domain.GuildConfig) GuildConfigResponse {
	return GuildConfigResponse{
		GuildID:           g.GuildID,
		TicketCategoryRef: g.TicketCategoryRef,
		DeployPriceCents:  g.DeployPriceCents,
		Ready:             g.Ready(),
		UpdatedAt:         g.UpdatedAt,
	}
}

// ApplicationResponse describes one hosted application.
type ApplicationResponse struct {
	ID      string `json:"id"`
	Tag     string `json:"tag"`
	Lang    string `json:"lang,omitempty"`
	Cluster string `json:"cluster,omitempty"`
	RAM     int    `json:"ram_mb,omitempty"`
}

// ApplicationActionResponse reports a completed action.
type ApplicationActionResponse struct {
	ApplicationID string `json:"application_id"`
	Action        string `json:"action"`
	Logs          string `json:"logs,omitempty"`
}
