package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/spec-kit/deploy-ticket-service/internal/config"
	"github.com/spec-kit/deploy-ticket-service/internal/restclient"
)

type mercadoPago struct {
	baseURL     string
	accessToken string
	webhookURL  string
	timeout     time.Duration
}

// NewMercadoPago builds provider A. An empty access token yields a gateway
// that reports ErrGatewayUnconfigured on use.
func NewMercadoPago(cfg config.PaymentConfig) Gateway {
	return &mercadoPago{
		baseURL:     strings.TrimRight(cfg.MercadoPagoBaseURL, "/"),
		accessToken: cfg.MercadoPagoAccessToken,
		webhookURL:  cfg.WebhookURL(ProviderMercadoPago.Route()),
		timeout:     time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
}

func (g *mercadoPago) Provider() Provider { return ProviderMercadoPago }

type mpPayment struct {
	ID                 json.Number `json:"id"`
	Status             string      `json:"status"`
	ExternalReference  string      `json:"external_reference"`
	PointOfInteraction struct {
		TransactionData struct {
			QRCode       string `json:"qr_code"`
			QRCodeBase64 string `json:"qr_code_base64"`
			TicketURL    string `json:"ticket_url"`
		} `json:"transaction_data"`
	} `json:"point_of_interaction"`
}

func (g *mercadoPago) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if g.accessToken == "" {
		return nil, ErrGatewayUnconfigured
	}

	agent := fiber.Post(g.baseURL + "/v1/payments")
	agent.Set("Authorization", "Bearer "+g.accessToken)
	agent.Set("X-Idempotency-Key", uuid.NewString())
	agent.JSON(fiber.Map{
		"transaction_amount": float64(req.AmountCents) / 100,
		"description":        "Application deploy - ticket " + req.TicketID,
		"external_reference": req.TicketID,
		"payment_method_id":  "pix",
		"notification_url":   g.webhookURL,
		"payer": fiber.Map{
			"email":      req.Payer.ExternalID + "@bot-payer.com",
			"first_name": req.Payer.Name,
		},
	})

	var resp mpPayment
	if _, err := restclient.Do(ctx, agent, g.timeout, &resp); err != nil {
		return nil, fmt.Errorf("mercadopago create payment: %w", err)
	}
	if resp.ID == "" {
		return nil, errors.New("mercadopago create payment: empty payment id")
	}

	data := resp.PointOfInteraction.TransactionData
	intent := &Intent{
		ProviderTransactionID: resp.ID.String(),
		QRPayload:             data.QRCode,
		PaymentLinkRef:        data.TicketURL,
	}
	if data.QRCodeBase64 != "" {
		intent.QRImageRef = "data:image/png;base64," + data.QRCodeBase64
	} else if data.QRCode != "" {
		intent.QRImageRef = qrRenderURL(data.QRCode)
	}
	return intent, nil
}

type mpNotification struct {
	Action string `json:"action"`
	Type   string `json:"type"`
	Data   struct {
		ID json.RawMessage `json:"id"`
	} `json:"data"`
}

func (g *mercadoPago) ParseNotification(ctx context.Context, body []byte) (*Notification, error) {
	var payload mpNotification
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	if !strings.HasPrefix(payload.Action, "payment.") {
		return &Notification{Relevant: false}, nil
	}

	paymentID := rawID(payload.Data.ID)
	if paymentID == "" {
		return nil, fmt.Errorf("%w: missing payment id", ErrMalformedNotification)
	}
	if g.accessToken == "" {
		return nil, ErrGatewayUnconfigured
	}

	agent := fiber.Get(g.baseURL + "/v1/payments/" + paymentID)
	agent.Set("Authorization", "Bearer "+g.accessToken)

	var details mpPayment
	if _, err := restclient.Do(ctx, agent, g.timeout, &details); err != nil {
		return nil, fmt.Errorf("mercadopago fetch payment %s: %w", paymentID, err)
	}

	txID := details.ID.String()
	if txID == "" {
		txID = paymentID
	}
	return &Notification{
		Relevant:              true,
		ProviderTransactionID: txID,
		Reference:             details.ExternalReference,
		Status:                details.Status,
		Approved:              details.Status == "approved" && details.ExternalReference != "",
	}, nil
}

// rawID accepts an id sent either as a JSON string or number.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
