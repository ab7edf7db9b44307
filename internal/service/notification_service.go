package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/deploy-ticket-service/internal/domain"
	"github.com/spec-kit/deploy-ticket-service/internal/events"
	"github.com/spec-kit/deploy-ticket-service/internal/messaging"
)

const notificationQueueSize = 256

type channelMessage struct {
	ticketID  string
	channelID string
	content   string
}

// NotificationService posts ticket progress into the ticket channel. Event
// handlers only enqueue; Run delivers, so publishing never waits on the chat API.
type NotificationService struct {
	dispatcher events.Dispatcher
	messenger  messaging.Messenger
	logger     *zap.Logger
	closeDelay time.Duration
	queue      chan channelMessage
}

// NewNotificationService creates the service.
func NewNotificationService(dispatcher events.Dispatcher, messenger messaging.Messenger, logger *zap.Logger, closeDelay time.Duration) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{
		dispatcher: dispatcher,
		messenger:  messenger,
		logger:     logger,
		closeDelay: closeDelay,
		queue:      make(chan channelMessage, notificationQueueSize),
	}
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventTicketCreated, n.handleTicketCreated)
	n.dispatcher.Subscribe(events.EventTicketStatusChanged, n.handleTicketStatusChanged)
	n.dispatcher.Subscribe(events.EventPaymentIntentCreated, n.handlePaymentIntentCreated)
}

// Run delivers queued messages until ctx is cancelled, then drains what is left.
func (n *NotificationService) Run(ctx context.Context) {
	for {
		select {
		case msg := <-n.queue:
			n.deliver(ctx, msg)
		case <-ctx.Done():
			n.drain()
			return
		}
	}
}

func (n *NotificationService) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case msg := <-n.queue:
			n.deliver(ctx, msg)
		default:
			return
		}
	}
}

func (n *NotificationService) deliver(ctx context.Context, msg channelMessage) {
	if n.messenger == nil {
		return
	}
	if err := n.messenger.SendMessage(ctx, msg.channelID, msg.content); err != nil {
		n.logger.Warn("ticket channel message failed",
			zap.String("ticket_id", msg.ticketID), zap.String("channel_id", msg.channelID), zap.Error(err))
	}
}

func (n *NotificationService) enqueue(event events.Event, content string) {
	if event.ChannelID == "" || content == "" {
		return
	}
	select {
	case n.queue <- channelMessage{ticketID: event.TicketID, channelID: event.ChannelID, content: content}:
	default:
		n.logger.Warn("notification queue full, message dropped", zap.String("ticket_id", event.TicketID))
	}
}

func (n *NotificationService) handleTicketCreated(_ context.Context, event events.Event) error {
	n.logger.Info("TicketCreated", zap.String("ticket_id", event.TicketID))
	n.enqueue(event, "Deploy ticket opened. Upload your application as a .zip with its manifest file at the archive root.")
	return nil
}

func (n *NotificationService) handleTicketStatusChanged(_ context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.TicketStatusChangedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}
	n.logger.Info("TicketStatusChanged",
		zap.String("ticket_id", event.TicketID),
		zap.String("old_status", string(payload.OldStatus)),
		zap.String("new_status", string(payload.NewStatus)))
	n.enqueue(event, n.statusMessage(payload))
	return nil
}

func (n *NotificationService) handlePaymentIntentCreated(_ context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.PaymentIntentCreatedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Payment of %s created. Pay with the Pix code below:\n`%s`", formatCents(payload.AmountCents), payload.QRPayload)
	if payload.PaymentLinkRef != "" {
		fmt.Fprintf(&b, "\n%s", payload.PaymentLinkRef)
	}
	n.enqueue(event, b.String())
	return nil
}

func (n *NotificationService) statusMessage(p events.TicketStatusChangedPayload) string {
	closing := fmt.Sprintf("\n\nThis channel will be deleted in %s.", n.closeDelay.Round(time.Second))
	switch p.NewStatus {
	case domain.TicketStatusPendingPayment:
		return "Archive accepted. Choose a payment method to continue."
	case domain.TicketStatusDeploying:
		return "Payment confirmed! Starting the deploy..."
	case domain.TicketStatusCompleted:
		ref := ""
		if p.ApplicationRef != nil {
			ref = *p.ApplicationRef
		}
		id, tag, _ := strings.Cut(ref, ":")
		if tag == "" {
			tag = id
		}
		return fmt.Sprintf("Deploy complete! Your application **%s** is online. ID: `%s`%s", tag, id, closing)
	case domain.TicketStatusFailed:
		reason := ReasonDeploymentFailed
		if p.FailureReason != nil {
			reason = *p.FailureReason
		}
		return fmt.Sprintf("Deploy failed: %s.%s", reason, closing)
	case domain.TicketStatusExpired:
		return "This deploy ticket expired." + closing
	}
	return ""
}

func formatCents(cents int64) string {
	return fmt.Sprintf("R$ %d,%02d", cents/100, cents%100)
}
