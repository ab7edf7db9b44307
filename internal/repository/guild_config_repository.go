package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/deploy-ticket-service/internal/domain"
)

// GuildConfigRepository persists per-guild deploy settings.
type GuildConfigRepository interface {
	Get(ctx context.Context, guildID string) (*domain.GuildConfig, error)
	// Upsert creates the row when missing and overwrites only the non-nil fields.
	Upsert(ctx context.Context, guildID string, categoryRef *string, priceCents *int64) (*domain.GuildConfig, error)
}

type guildConfigRepository struct {
	pool *pgxpool.Pool
}

// NewGuildConfigRepository builds repository.
func NewGuildConfigRepository(pool *pgxpool.Pool) GuildConfigRepository {
	return &guildConfigRepository{pool: pool}
}

func (r *guildConfigRepository) Get(ctx context.Context, guildID string) (*domain.GuildConfig, error) {
	const query = `SELECT guild_id, ticket_category_ref, deploy_price_cents, updated_at FROM guild_configs WHERE guild_id=$1`
	var cfg domain.GuildConfig
	if err := r.pool.QueryRow(ctx, query, guildID).Scan(
		&cfg.GuildID, &cfg.TicketCategoryRef, &cfg.DeployPriceCents, &cfg.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *guildConfigRepository) Upsert(ctx context.Context, guildID string, categoryRef *string, priceCents *int64) (*domain.GuildConfig, error) {
	const query = `
        INSERT INTO guild_configs (guild_id, ticket_category_ref, deploy_price_cents)
        VALUES ($1, $2, $3)
        ON CONFLICT (guild_id) DO UPDATE SET
            ticket_category_ref=COALESCE(EXCLUDED.ticket_category_ref, guild_configs.ticket_category_ref),
            deploy_price_cents=COALESCE(EXCLUDED.deploy_price_cents, guild_configs.deploy_price_cents),
            updated_at=NOW()
        RETURNING guild_id, ticket_category_ref, deploy_price_cents, updated_at`
	var cfg domain.GuildConfig
	if err := r.pool.QueryRow(ctx, query, guildID, categoryRef, priceCents).Scan(
		&cfg.GuildID, &cfg.TicketCategoryRef, &cfg.DeployPriceCents, &cfg.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &cfg, nil
}
