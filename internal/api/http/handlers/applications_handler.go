package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/deploy-ticket-service/internal/api/dto"
	"github.com/spec-kit/deploy-ticket-service/internal/service"
)

// ApplicationsHandler exposes a user's hosted applications.
type ApplicationsHandler struct {
	apps *service.ApplicationService
}

// NewApplicationsHandler constructs handler.
func NewApplicationsHandler(apps *service.ApplicationService) *ApplicationsHandler {
	return &ApplicationsHandler{apps: apps}
}

// List GET /api/users/:externalId/apps.
func (h *ApplicationsHandler) List(c *fiber.Ctx) error {
	apps, err := h.apps.List(c.UserContext(), c.Params("externalId"))
	if err != nil {
		return err
	}
	out := make([]dto.ApplicationResponse, 0, len(apps))
	for _, a := range apps {
		out = append(out, dto.ApplicationResponse{ID: a.ID, Tag: a.Tag, Lang: a.Lang, Cluster: a.Cluster, RAM: a.RAM})
	}
	return c.JSON(fiber.Map{"data": out})
}

// Act POST /api/users/:externalId/apps/:appId/:action.
func (h *ApplicationsHandler) Act(c *fiber.Ctx) error {
	result, err := h.apps.Run(c.UserContext(), c.Params("externalId"), c.Params("appId"), c.Params("action"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.ApplicationActionResponse{
		ApplicationID: result.ApplicationID,
		Action:        string(result.Action),
		Logs:          result.Logs,
	}})
}
