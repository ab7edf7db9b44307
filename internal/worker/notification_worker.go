package worker

import (
	"context"

	"github.com/spec-kit/deploy-ticket-service/internal/service"
)

// StartNotificationWorker registers notification handlers and starts delivery.
// It returns a channel closed once delivery stopped after ctx is cancelled.
func StartNotificationWorker(ctx context.Context, notificationService *service.NotificationService) <-chan struct{} {
	done := make(chan struct{})
	if notificationService == nil {
		close(done)
		return done
	}
	notificationService.RegisterHandlers()
	go func() {
		defer close(done)
		notificationService.Run(ctx)
	}()
	return done
}
