package handlers

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/url"
	"path"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/deploy-ticket-service/internal/api/dto"
	"github.com/spec-kit/deploy-ticket-service/internal/domain"
	"github.com/spec-kit/deploy-ticket-service/internal/payment"
	"github.com/spec-kit/deploy-ticket-service/internal/service"
	apperrors "github.com/spec-kit/deploy-ticket-service/pkg/util/errorutil"
)

// TicketsHandler serves the bot-facing ticket endpoints.
type TicketsHandler struct {
	tickets      *service.TicketService
	payments     *service.PaymentService
	maxUpload    int64
	fetchTimeout time.Duration
}

// NewTicketsHandler constructs handler.
func NewTicketsHandler(tickets *service.TicketService, payments *service.PaymentService, maxUpload int64, fetchTimeout time.Duration) *TicketsHandler {
	if fetchTimeout <= 0 {
		fetchTimeout = 30 * time.Second
	}
	return &TicketsHandler{tickets: tickets, payments: payments, maxUpload: maxUpload, fetchTimeout: fetchTimeout}
}

// Open POST /api/tickets.
func (h *TicketsHandler) Open(c *fiber.Ctx) error {
	var req dto.OpenTicketRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if err := dto.Validate(req); err != nil {
		return err
	}
	ticket, err := h.tickets.Open(c.UserContext(), service.OpenTicketInput{
		GuildID:        req.GuildID,
		ExternalUserID: req.ExternalUserID,
		Username:       req.Username,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": dto.NewTicketResponse(ticket)})
}

// Get GET /api/tickets/:id.
func (h *TicketsHandler) Get(c *fiber.Ctx) error {
	ticket, err := h.tickets.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewTicketResponse(ticket)})
}

// UploadArtifact POST /api/tickets/:id/artifact.
// Accepts a multipart "file" part or a JSON body with an attachment URL.
func (h *TicketsHandler) UploadArtifact(c *fiber.Ctx) error {
	var upload service.ArtifactUpload
	var err error
	if header, ferr := c.FormFile("file"); ferr == nil {
		upload, err = h.readMultipart(header)
	} else {
		upload, err = h.fetchAttachment(c)
	}
	if err != nil {
		return err
	}

	ticket, accepted, err := h.tickets.AcceptUpload(c.UserContext(), c.Params("id"), upload)
	if err != nil {
		return err
	}
	if !accepted {
		details := map[string]any{"expected": domain.TicketStatusPendingUpload}
		if ticket != nil {
			details["status"] = ticket.Status
		}
		return apperrors.NewInvalidTransition(details)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"data": dto.NewTicketResponse(ticket)})
}

// CreatePaymentIntent POST /api/tickets/:id/payments/:provider.
func (h *TicketsHandler) CreatePaymentIntent(c *fiber.Ctx) error {
	provider, err := payment.ParseProvider(c.Params("provider"))
	if err != nil {
		return apperrors.NewValidationError("unknown payment provider", map[string]any{"provider": c.Params("provider")})
	}
	var req dto.PaymentIntentRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return apperrors.NewValidationError("invalid payload", nil)
		}
	}
	if err := dto.Validate(req); err != nil {
		return err
	}
	res, err := h.payments.CreatePaymentIntent(c.UserContext(), c.Params("id"), provider, req.PayerName)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": dto.NewPaymentIntentResponse(res)})
}

// Expire POST /api/tickets/:id/expire.
func (h *TicketsHandler) Expire(c *fiber.Ctx) error {
	ticket, err := h.tickets.Expire(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewTicketResponse(ticket)})
}

func (h *TicketsHandler) readMultipart(header *multipart.FileHeader) (service.ArtifactUpload, error) {
	f, err := header.Open()
	if err != nil {
		return service.ArtifactUpload{}, apperrors.NewValidationError("unreadable upload", nil)
	}
	defer f.Close()
	// one byte past the limit lets the validator report the oversize
	content, err := io.ReadAll(io.LimitReader(f, h.maxUpload+1))
	if err != nil {
		return service.ArtifactUpload{}, apperrors.NewValidationError("unreadable upload", nil)
	}
	return service.ArtifactUpload{FileName: header.Filename, Content: content}, nil
}

func (h *TicketsHandler) fetchAttachment(c *fiber.Ctx) (service.ArtifactUpload, error) {
	var req dto.ArtifactURLRequest
	if err := c.BodyParser(&req); err != nil {
		return service.ArtifactUpload{}, apperrors.NewValidationError("a file part or attachment_url is required", nil)
	}
	if err := dto.Validate(req); err != nil {
		return service.ArtifactUpload{}, err
	}
	u, err := url.Parse(req.AttachmentURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return service.ArtifactUpload{}, apperrors.NewValidationError("invalid attachment_url", nil)
	}
	name := req.FileName
	if name == "" {
		name = path.Base(u.Path)
	}

	agent := fiber.Get(u.String())
	agent.MaxResponseBodySize = int(h.maxUpload) + 1
	agent.Timeout(h.fetchTimeout)
	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return service.ArtifactUpload{}, apperrors.NewValidationError("attachment could not be downloaded", map[string]any{"error": fmt.Sprint(errs[0])})
	}
	if code != fiber.StatusOK {
		return service.ArtifactUpload{}, apperrors.NewValidationError("attachment could not be downloaded", map[string]any{"status": code})
	}
	return service.ArtifactUpload{FileName: name, Content: body}, nil
}
