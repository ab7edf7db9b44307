package auth

import (
	"github.com/gofiber/fiber/v2"

	apperrors "github.com/spec-kit/deploy-ticket-service/pkg/util/errorutil"
)

// Scope is a permission carried by an API token.
type Scope string

const (
	// ScopeTickets lets the bot drive ticket, credential and payment flows.
	ScopeTickets Scope = "tickets"
	// ScopeAdmin lets the bot change guild configuration.
	ScopeAdmin Scope = "admin"
)

// RequireScope ensures the authenticated client holds scope.
func RequireScope(scope Scope) fiber.Handler {
	return func(c *fiber.Ctx) error {
		principal, ok := PrincipalFromContext(c)
		if !ok || principal.Claims == nil {
			return apperrors.NewUnauthorized("authentication required")
		}
		if !principal.Claims.HasScope(scope) {
			return apperrors.NewForbidden("insufficient scope")
		}
		return c.Next()
	}
}
