package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/deploy-ticket-service/internal/observability"
	"github.com/spec-kit/deploy-ticket-service/internal/payment"
	"github.com/spec-kit/deploy-ticket-service/internal/service"
)

// WebhookHandler receives payment provider notifications. Providers only
// look at the status code: 200 stops retries, anything else schedules one.
type WebhookHandler struct {
	webhooks *service.WebhookService
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewWebhookHandler constructs handler.
func NewWebhookHandler(webhooks *service.WebhookService, metrics *observability.Metrics, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{webhooks: webhooks, metrics: metrics, logger: logger}
}

// Receive POST /webhook/:provider.
func (h *WebhookHandler) Receive(c *fiber.Ctx) error {
	provider, err := payment.ParseProvider(c.Params("provider"))
	if err != nil {
		return c.SendStatus(fiber.StatusNotFound)
	}

	// fasthttp reuses the request buffer once the handler returns
	body := append([]byte(nil), c.Body()...)
	outcome, err := h.webhooks.Ingest(c.UserContext(), provider, body)
	if err != nil {
		status := fiber.StatusInternalServerError
		label := "error"
		if errors.Is(err, payment.ErrMalformedNotification) {
			status = fiber.StatusBadRequest
			label = "malformed"
		}
		h.metrics.RecordWebhook(provider.Route(), label)
		h.logger.Warn("webhook rejected",
			zap.String("provider", string(provider)),
			zap.Int("status", status),
			zap.Error(err))
		return c.SendStatus(status)
	}
	h.metrics.RecordWebhook(provider.Route(), string(outcome))
	return c.Status(fiber.StatusOK).SendString("OK")
}
