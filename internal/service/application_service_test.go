package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/deploy-ticket-service/internal/domain"
	"github.com/spec-kit/deploy-ticket-service/internal/hosting"
	"github.com/spec-kit/deploy-ticket-service/internal/repository"
	"github.com/spec-kit/deploy-ticket-service/pkg/util/errorutil"
)

func TestApplicationListUsesStoredKey(t *testing.T) {
	h := newHarness(t)
	h.hosting.apps = []hosting.Application{{ID: "app-1", Tag: "music-bot", RAM: 256}}

	_, err := h.apps.List(h.ctx, "ext-1")
	assert.True(t, errorutil.Is(err, errorutil.CodeCredentialInvalid), "unknown user has no key")

	h.registerUser(t, "ext-1")
	apps, err := h.apps.List(h.ctx, "ext-1")
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, "music-bot", apps[0].Tag)
	assert.Contains(t, h.hosting.keysSeen, "good-key")
}

type recordingAudit struct {
	repository.AuditRepository
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (r *recordingAudit) Create(ctx context.Context, entry *domain.AuditEntry) error {
	r.mu.Lock()
	r.entries = append(r.entries, *entry)
	r.mu.Unlock()
	return r.AuditRepository.Create(ctx, entry)
}

func TestApplicationActionsAreAudited(t *testing.T) {
	h := newHarness(t)
	h.registerUser(t, "ext-1")
	audit := &recordingAudit{AuditRepository: h.store.Audit()}
	h.apps = NewApplicationService(ApplicationDependencies{
		UserRepo:    h.store.Users(),
		Credentials: h.creds,
		Hosting:     h.hosting,
		Auditor:     NewAuditor(audit, nil),
	})

	result, err := h.apps.Run(h.ctx, "ext-1", "app-1", "logs")
	require.NoError(t, err)
	assert.Equal(t, "booted app-1", result.Logs)

	result, err = h.apps.Run(h.ctx, "ext-1", "app-1", "STOP")
	require.NoError(t, err)
	assert.Equal(t, hosting.ActionStop, result.Action)
	assert.Empty(t, result.Logs)
	assert.Equal(t, []string{"app-1/logs", "app-1/stop"}, h.hosting.actions)

	_, err = h.apps.Run(h.ctx, "ext-1", "app-1", "reboot")
	assert.True(t, errorutil.Is(err, errorutil.CodeValidation))

	h.hosting.actionErr = fmt.Errorf("application delete: %w", hosting.ErrInvalidCredential)
	_, err = h.apps.Run(h.ctx, "ext-1", "app-1", "delete")
	assert.True(t, errorutil.Is(err, errorutil.CodeCredentialInvalid))

	h.hosting.actionErr = errors.New("application restart: unexpected status 502")
	_, err = h.apps.Run(h.ctx, "ext-1", "app-1", "restart")
	assert.True(t, errorutil.Is(err, errorutil.CodeHosting))

	user, err := h.store.Users().GetByExternalID(h.ctx, "ext-1")
	require.NoError(t, err)
	var executed, failed int
	for _, e := range audit.entries {
		if e.UserID == nil || *e.UserID != user.ID {
			continue
		}
		switch e.Message {
		case "application action executed":
			executed++
		case "application action failed":
			failed++
		}
	}
	assert.Equal(t, 2, executed)
	assert.Equal(t, 2, failed)
}
