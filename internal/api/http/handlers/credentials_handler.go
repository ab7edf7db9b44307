package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/deploy-ticket-service/internal/api/dto"
	"github.com/spec-kit/deploy-ticket-service/internal/service"
	apperrors "github.com/spec-kit/deploy-ticket-service/pkg/util/errorutil"
)

// CredentialsHandler stores hosting API keys for chat users.
type CredentialsHandler struct {
	credentials *service.CredentialService
}

// NewCredentialsHandler constructs handler.
func NewCredentialsHandler(credentials *service.CredentialService) *CredentialsHandler {
	return &CredentialsHandler{credentials: credentials}
}

// Register PUT /api/users/:externalId/credential.
func (h *CredentialsHandler) Register(c *fiber.Ctx) error {
	var req dto.CredentialRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if err := dto.Validate(req); err != nil {
		return err
	}
	user, err := h.credentials.Register(c.UserContext(), c.Params("externalId"), req.APIKey)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.CredentialResponse{
		UserID:         user.ID,
		ExternalUserID: user.ExternalID,
		Registered:     true,
	}})
}
