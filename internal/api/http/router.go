package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/deploy-ticket-service/internal/api/http/handlers"
	"github.com/spec-kit/deploy-ticket-service/internal/auth"
)

// NewServerConfig returns the fiber settings shared by main and tests.
// Immutable makes route params and headers safe to keep past the request;
// the in-memory store retains them as keys.
func NewServerConfig(appName string, bodyLimit int) fiber.Config {
	return fiber.Config{
		AppName:               appName,
		BodyLimit:             bodyLimit,
		Immutable:             true,
		DisableStartupMessage: true,
	}
}

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Tickets        *handlers.TicketsHandler
	Credentials    *handlers.CredentialsHandler
	Applications   *handlers.ApplicationsHandler
	GuildConfig    *handlers.GuildConfigHandler
	Webhooks       *handlers.WebhookHandler
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)

	// provider-a, provider-b and the provider names are all accepted
	app.Post("/webhook/:provider", cfg.Webhooks.Receive)

	api := app.Group("/api", cfg.AuthMiddleware.Handle)

	// scopes are attached per route; an empty-prefix group would apply to all of /api
	bot := auth.RequireScope(auth.ScopeTickets)
	api.Put("/users/:externalId/credential", bot, cfg.Credentials.Register)
	api.Get("/users/:externalId/apps", bot, cfg.Applications.List)
	api.Post("/users/:externalId/apps/:appId/:action", bot, cfg.Applications.Act)
	api.Post("/tickets", bot, cfg.Tickets.Open)
	api.Get("/tickets/:id", bot, cfg.Tickets.Get)
	api.Post("/tickets/:id/artifact", bot, cfg.Tickets.UploadArtifact)
	api.Post("/tickets/:id/payments/:provider", bot, cfg.Tickets.CreatePaymentIntent)
	api.Post("/tickets/:id/expire", bot, cfg.Tickets.Expire)

	admin := auth.RequireScope(auth.ScopeAdmin)
	api.Get("/guilds/:guildId/config", admin, cfg.GuildConfig.Get)
	api.Put("/guilds/:guildId/config", admin, cfg.GuildConfig.Update)
	api.Get("/metrics", admin, cfg.Health.Metrics)
}
