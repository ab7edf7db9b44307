package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/deploy-ticket-service/internal/api/dto"
	"github.com/spec-kit/deploy-ticket-service/internal/service"
	apperrors "github.com/spec-kit/deploy-ticket-service/pkg/util/errorutil"
)

// GuildConfigHandler exposes per-guild deploy settings.
type GuildConfigHandler struct {
	guilds *service.GuildConfigService
}

// NewGuildConfigHandler constructs handler.
func NewGuildConfigHandler(guilds *service.GuildConfigService) *GuildConfigHandler {
	return &GuildConfigHandler{guilds: guilds}
}

// Get GET /api/guilds/:guildId/config.
func (h *GuildConfigHandler) Get(c *fiber.Ctx) error {
	cfg, err := h.guilds.Get(c.UserContext(), c.Params("guildId"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewGuildConfigResponse(cfg)})
}

// Update PUT /api/guilds/:guildId/config.
func (h *GuildConfigHandler) Update(c *fiber.Ctx) error {
	var req dto.GuildConfigRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if err := dto.Validate(req); err != nil {
		return err
	}
	cfg, err := h.guilds.Update(c.UserContext(), c.Params("guildId"), req.TicketCategoryRef, req.DeployPriceCents)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewGuildConfigResponse(cfg)})
}
