package domain

import "time"

// AuditLevel grades audit entries.
type AuditLevel string

const (
	AuditLevelInfo  AuditLevel = "INFO"
	AuditLevelWarn  AuditLevel = "WARN"
	AuditLevelError AuditLevel = "ERROR"
)

// AuditEntry is an immutable audit trail record. Detailed failure causes live here only.
type AuditEntry struct {
	ID        string
	Level     AuditLevel
	Message   string
	TicketID  *string
	UserID    *string
	Meta      map[string]any
	CreatedAt time.Time
}
