package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/deploy-ticket-service/internal/config"
	"github.com/spec-kit/deploy-ticket-service/internal/restclient"
)

const (
	qrRenderBase     = "https://api.qrserver.com/v1/create-qr-code/?size=256x256&data="
	pushinPayLinkFmt = "https://pushin.pay/pay/%s"
)

type pushinPay struct {
	baseURL    string
	apiKey     string
	webhookURL string
	timeout    time.Duration
}

// NewPushinPay builds provider B.
func NewPushinPay(cfg config.PaymentConfig) Gateway {
	return &pushinPay{
		baseURL:    strings.TrimRight(cfg.PushinPayBaseURL, "/"),
		apiKey:     cfg.PushinPayAPIKey,
		webhookURL: cfg.WebhookURL(ProviderPushinPay.Route()),
		timeout:    time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
}

func (g *pushinPay) Provider() Provider { return ProviderPushinPay }

type ppCashIn struct {
	ID                json.RawMessage `json:"id"`
	QRCode            string          `json:"qr_code"`
	QRCodeText        string          `json:"qr_code_text"`
	QRCodeBase64      string          `json:"qr_code_base64"`
	QRCodeImageBase64 string          `json:"qr_code_image_base64"`
}

func (g *pushinPay) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if g.apiKey == "" {
		return nil, ErrGatewayUnconfigured
	}

	agent := fiber.Post(g.baseURL + "/api/pix/cashIn")
	agent.Set("Authorization", "Bearer "+g.apiKey)
	agent.Set("Accept", fiber.MIMEApplicationJSON)
	agent.JSON(fiber.Map{
		"value":        req.AmountCents,
		"reference_id": req.TicketID,
		"webhook_url":  g.webhookURL,
	})

	var resp ppCashIn
	if _, err := restclient.Do(ctx, agent, g.timeout, &resp); err != nil {
		return nil, fmt.Errorf("pushinpay cash in: %w", err)
	}
	id := strings.ToLower(rawID(resp.ID))
	if id == "" {
		return nil, errors.New("pushinpay cash in: empty transaction id")
	}

	payload := firstNonEmpty(resp.QRCode, resp.QRCodeText)
	image := firstNonEmpty(resp.QRCodeBase64, resp.QRCodeImageBase64)
	if image == "" && payload != "" {
		image = qrRenderURL(payload)
	}
	return &Intent{
		ProviderTransactionID: id,
		QRPayload:             payload,
		QRImageRef:            image,
		PaymentLinkRef:        fmt.Sprintf(pushinPayLinkFmt, id),
	}, nil
}

type ppNotification struct {
	ID          json.RawMessage `json:"id"`
	Status      string          `json:"status"`
	ReferenceID string          `json:"reference_id"`
}

// ParseNotification accepts JSON or form encoded bodies.
func (g *pushinPay) ParseNotification(_ context.Context, body []byte) (*Notification, error) {
	var txID, status, reference string

	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "{") {
		var payload ppNotification
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
		}
		txID, status, reference = rawID(payload.ID), payload.Status, payload.ReferenceID
	} else {
		values, err := url.ParseQuery(trimmed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
		}
		txID, status, reference = values.Get("id"), values.Get("status"), values.Get("reference_id")
	}

	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, fmt.Errorf("%w: missing reference_id", ErrMalformedNotification)
	}
	status = strings.ToLower(strings.TrimSpace(status))
	return &Notification{
		Relevant:              true,
		ProviderTransactionID: strings.ToLower(strings.TrimSpace(txID)),
		Reference:             reference,
		Status:                status,
		Approved:              status == "paid",
	}, nil
}

func qrRenderURL(payload string) string {
	return qrRenderBase + url.QueryEscape(payload)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
