package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/spec-kit/deploy-ticket-service/internal/domain"
	"github.com/spec-kit/deploy-ticket-service/internal/repository"
)

// Auditor writes the persistent audit trail. Failures to write are logged
// and never fail the calling operation.
type Auditor struct {
	repo   repository.AuditRepository
	logger *zap.Logger
}

// NewAuditor constructs an Auditor. A nil repo only logs.
func NewAuditor(repo repository.AuditRepository, logger *zap.Logger) *Auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auditor{repo: repo, logger: logger}
}

// Record stores one audit entry for a ticket (ticketID and userID may be empty).
func (a *Auditor) Record(ctx context.Context, level domain.AuditLevel, message, ticketID, userID string, meta map[string]any) {
	if a == nil {
		return
	}
	entry := &domain.AuditEntry{Level: level, Message: message, Meta: meta}
	if ticketID != "" {
		entry.TicketID = &ticketID
	}
	if userID != "" {
		entry.UserID = &userID
	}

	fields := []zap.Field{zap.String("audit_level", string(level)), zap.String("ticket_id", ticketID)}
	switch level {
	case domain.AuditLevelError:
		a.logger.Error(message, fields...)
	case domain.AuditLevelWarn:
		a.logger.Warn(message, fields...)
	default:
		a.logger.Info(message, fields...)
	}

	if a.repo == nil {
		return
	}
	if err := a.repo.Create(ctx, entry); err != nil {
		a.logger.Error("audit write failed", zap.String("ticket_id", ticketID), zap.Error(err))
	}
}
