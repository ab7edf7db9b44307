package service

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/deploy-ticket-service/internal/domain"
	"github.com/spec-kit/deploy-ticket-service/internal/hosting"
	"github.com/spec-kit/deploy-ticket-service/internal/repository"
	"github.com/spec-kit/deploy-ticket-service/pkg/util/errorutil"
)

// ApplicationService lets a user list and manage the applications behind
// their own hosting key.
type ApplicationService struct {
	users       repository.UserRepository
	credentials *CredentialService
	hosting     hosting.Client
	audit       *Auditor
	logger      *zap.Logger
}

// ApplicationDependencies bundles collaborators for the application service.
type ApplicationDependencies struct {
	UserRepo    repository.UserRepository
	Credentials *CredentialService
	Hosting     hosting.Client
	Auditor     *Auditor
	Logger      *zap.Logger
}

// ActionResult reports a completed application action. Logs is only set for logs.
type ActionResult struct {
	ApplicationID string
	Action        hosting.AppAction
	Logs          string
}

// NewApplicationService constructs the service.
func NewApplicationService(deps ApplicationDependencies) *ApplicationService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ApplicationService{
		users:       deps.UserRepo,
		credentials: deps.Credentials,
		hosting:     deps.Hosting,
		audit:       deps.Auditor,
		logger:      logger,
	}
}

// List returns the user's applications as the hosting API reports them.
func (s *ApplicationService) List(ctx context.Context, externalUserID string) ([]hosting.Application, error) {
	user, err := s.resolve(ctx, externalUserID)
	if err != nil {
		return nil, err
	}
	var apps []hosting.Application
	err = s.credentials.WithAPIKey(ctx, user.ID, func(apiKey string) error {
		listed, err := s.hosting.ListApplications(ctx, apiKey)
		apps = listed
		return hostingFailure(err)
	})
	if err != nil {
		return nil, err
	}
	return apps, nil
}

// Run performs action on one of the user's applications.
func (s *ApplicationService) Run(ctx context.Context, externalUserID, appID, action string) (*ActionResult, error) {
	parsed, err := hosting.ParseAppAction(action)
	if err != nil {
		return nil, errorutil.NewValidationError("unknown application action", map[string]any{"action": action})
	}
	user, err := s.resolve(ctx, externalUserID)
	if err != nil {
		return nil, err
	}

	result := &ActionResult{ApplicationID: appID, Action: parsed}
	err = s.credentials.WithAPIKey(ctx, user.ID, func(apiKey string) error {
		logs, err := s.hosting.ApplicationAction(ctx, apiKey, appID, parsed)
		result.Logs = logs
		return hostingFailure(err)
	})
	if err != nil {
		s.audit.Record(ctx, domain.AuditLevelWarn, "application action failed", "", user.ID,
			map[string]any{"application_id": appID, "action": string(parsed), "error": err.Error()})
		return nil, err
	}
	s.audit.Record(ctx, domain.AuditLevelInfo, "application action executed", "", user.ID,
		map[string]any{"application_id": appID, "action": string(parsed)})
	return result, nil
}

// resolve maps an unknown user to the missing-credential error; they have
// never stored a key.
func (s *ApplicationService) resolve(ctx context.Context, externalUserID string) (*domain.User, error) {
	user, err := s.users.GetByExternalID(ctx, externalUserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errorutil.NewCredentialError(ErrNoCredential)
	}
	if err != nil {
		return nil, errorutil.NewPersistenceError(err)
	}
	return user, nil
}

func hostingFailure(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, hosting.ErrInvalidCredential) {
		return errorutil.NewCredentialError(err)
	}
	return errorutil.NewHostingError(err)
}
