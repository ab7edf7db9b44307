package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/deploy-ticket-service/internal/domain"
	"github.com/spec-kit/deploy-ticket-service/internal/hosting"
	"github.com/spec-kit/deploy-ticket-service/pkg/util/errorutil"
)

// outcomeWriteTimeout bounds the writes that record a deploy result once the
// hosting call has returned, even when the deploy context already expired.
const outcomeWriteTimeout = 10 * time.Second

// DeployService materializes a paid ticket through the hosting API.
type DeployService struct {
	tickets     *TicketService
	credentials *CredentialService
	hosting     hosting.Client
	audit       *Auditor
	logger      *zap.Logger
}

// DeployDependencies bundles collaborators for the deploy service.
type DeployDependencies struct {
	TicketService *TicketService
	Credentials   *CredentialService
	Hosting       hosting.Client
	Auditor       *Auditor
	Logger        *zap.Logger
}

// NewDeployService constructs the service.
func NewDeployService(deps DeployDependencies) *DeployService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeployService{
		tickets:     deps.TicketService,
		credentials: deps.Credentials,
		hosting:     deps.Hosting,
		audit:       deps.Auditor,
		logger:      logger,
	}
}

// Execute runs the hosting call for a DEPLOYING ticket exactly once and
// records the outcome. Tickets in any other state are ignored. Failures are
// terminal; the detailed cause is kept in the audit trail only.
func (s *DeployService) Execute(ctx context.Context, ticketID string) error {
	ticket, err := s.tickets.Get(ctx, ticketID)
	if err != nil {
		return err
	}
	if ticket.Status != domain.TicketStatusDeploying {
		s.logger.Info("deploy skipped, ticket not deploying",
			zap.String("ticket_id", ticketID), zap.String("status", string(ticket.Status)))
		return nil
	}

	app, err := s.createApplication(ctx, ticket)

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeWriteTimeout)
	defer cancel()
	if err != nil {
		s.audit.Record(recordCtx, domain.AuditLevelError, "deployment failed", ticket.ID, ticket.UserID,
			map[string]any{"error": errorutil.NewDeploymentError(err).Error()})
		_, failErr := s.tickets.Fail(recordCtx, ticket.ID, failureReason(err))
		return failErr
	}

	s.audit.Record(recordCtx, domain.AuditLevelInfo, "application created", ticket.ID, ticket.UserID,
		map[string]any{"application_id": app.ID, "application_tag": app.Tag})
	_, err = s.tickets.Complete(recordCtx, ticket.ID, app.Ref())
	return err
}

func (s *DeployService) createApplication(ctx context.Context, ticket *domain.DeployTicket) (*hosting.Application, error) {
	if ticket.UploadedArtifactID == nil || *ticket.UploadedArtifactID == "" {
		return nil, errors.New("ticket has no uploaded artifact")
	}
	artifactID := *ticket.UploadedArtifactID

	var app *hosting.Application
	err := s.credentials.WithAPIKey(ctx, ticket.UserID, func(apiKey string) error {
		created, err := s.hosting.CreateApplication(ctx, apiKey, artifactID)
		app = created
		return err
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

func failureReason(err error) string {
	if errors.Is(err, hosting.ErrInvalidCredential) || errorutil.Is(err, errorutil.CodeCredentialInvalid) {
		return ReasonCredentialRejected
	}
	return ReasonDeploymentFailed
}
