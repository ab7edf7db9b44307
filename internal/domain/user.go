package domain

import "time"

// User is a chat-platform member known to the service.
type User struct {
	ID         string
	ExternalID string
	CreatedAt  time.Time
}

// Credential is the encrypted hosting API key of a user. Ciphertext and IV are hex encoded.
type Credential struct {
	UserID     string
	Ciphertext string
	IV         string
	UpdatedAt  time.Time
}

// GuildConfig holds per-guild deploy settings.
type GuildConfig struct {
	GuildID           string
	TicketCategoryRef *string
	DeployPriceCents  *int64
	UpdatedAt         time.Time
}

// Ready reports whether tickets can be opened in the guild.
func (g *GuildConfig) Ready() bool {
	return g != nil && g.TicketCategoryRef != nil && *g.TicketCategoryRef != "" &&
		g.DeployPriceCents != nil && *g.DeployPriceCents > 0
}
