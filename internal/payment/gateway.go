// Package payment abstracts the payment providers behind one Gateway contract.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Provider names a payment gateway.
type Provider string

const (
	ProviderMercadoPago Provider = "mercadopago"
	ProviderPushinPay   Provider = "pushinpay"
)

var (
	ErrGatewayUnconfigured   = errors.New("payment: gateway credentials not configured")
	ErrMalformedNotification = errors.New("payment: malformed notification")
	ErrUnknownProvider       = errors.New("payment: unknown provider")
)

// Route is the public webhook path segment for the provider.
func (p Provider) Route() string {
	switch p {
	case ProviderMercadoPago:
		return "provider-a"
	case ProviderPushinPay:
		return "provider-b"
	}
	return string(p)
}

// ParseProvider accepts a provider name or its webhook route alias.
func ParseProvider(raw string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "mercadopago", "provider-a", "a":
		return ProviderMercadoPago, nil
	case "pushinpay", "provider-b", "b":
		return ProviderPushinPay, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, raw)
}

// Payer identifies who pays.
type Payer struct {
	ExternalID string
	Name       string
}

// IntentRequest asks a provider for a new charge.
type IntentRequest struct {
	TicketID    string
	Payer       Payer
	AmountCents int64
}

// Intent is what the payer needs to settle a charge.
type Intent struct {
	ProviderTransactionID string
	QRPayload             string
	QRImageRef            string
	PaymentLinkRef        string
}

// Notification is a provider webhook normalized to the fields the ingestor needs.
type Notification struct {
	Relevant              bool
	ProviderTransactionID string
	Reference             string
	Status                string
	Approved              bool
}

// DedupeKey identifies the delivery for replay suppression.
func (n *Notification) DedupeKey(provider Provider) string {
	id := n.ProviderTransactionID
	if id == "" {
		id = "ref:" + n.Reference
	}
	return fmt.Sprintf("webhook:%s:%s", provider, id)
}

// Gateway is implemented once per provider.
type Gateway interface {
	Provider() Provider
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	// ParseNotification validates and normalizes a webhook body. Providers
	// whose webhooks carry only an id fetch the payment state here.
	ParseNotification(ctx context.Context, body []byte) (*Notification, error)
}

// Registry resolves gateways by provider.
type Registry struct {
	gateways map[Provider]Gateway
}

// NewRegistry indexes the given gateways.
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[Provider]Gateway, len(gateways))}
	for _, gw := range gateways {
		r.gateways[gw.Provider()] = gw
	}
	return r
}

// Get returns the gateway for provider.
func (r *Registry) Get(provider Provider) (Gateway, error) {
	gw, ok := r.gateways[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	return gw, nil
}
