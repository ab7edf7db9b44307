package service

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/deploy-ticket-service/internal/domain"
	"github.com/spec-kit/deploy-ticket-service/internal/repository"
	"github.com/spec-kit/deploy-ticket-service/pkg/util/errorutil"
)

// GuildConfigService manages per-guild deploy settings.
type GuildConfigService struct {
	guilds repository.GuildConfigRepository
	audit  *Auditor
}

// NewGuildConfigService constructs the service.
func NewGuildConfigService(guilds repository.GuildConfigRepository, audit *Auditor) *GuildConfigService {
	return &GuildConfigService{guilds: guilds, audit: audit}
}

// Get returns the guild configuration.
func (s *GuildConfigService) Get(ctx context.Context, guildID string) (*domain.GuildConfig, error) {
	cfg, err := s.guilds.Get(ctx, guildID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errorutil.NewNotFound("guild config", nil)
	}
	if err != nil {
		return nil, errorutil.NewPersistenceError(err)
	}
	return cfg, nil
}

// Update sets the provided fields and keeps the rest.
func (s *GuildConfigService) Update(ctx context.Context, guildID string, categoryRef *string, priceCents *int64) (*domain.GuildConfig, error) {
	if categoryRef == nil && priceCents == nil {
		return nil, errorutil.NewValidationError("nothing to update", nil)
	}
	if priceCents != nil && *priceCents <= 0 {
		return nil, errorutil.NewValidationError("deploy price must be positive", nil)
	}
	cfg, err := s.guilds.Upsert(ctx, guildID, categoryRef, priceCents)
	if err != nil {
		return nil, errorutil.NewPersistenceError(err)
	}

	meta := map[string]any{"guild_id": guildID}
	if categoryRef != nil {
		meta["ticket_category_ref"] = *categoryRef
	}
	if priceCents != nil {
		meta["deploy_price_cents"] = *priceCents
	}
	s.audit.Record(ctx, domain.AuditLevelInfo, "guild config updated", "", "", meta)
	return cfg, nil
}
