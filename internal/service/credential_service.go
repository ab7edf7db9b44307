package service

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/deploy-ticket-service/internal/domain"
	"github.com/spec-kit/deploy-ticket-service/internal/hosting"
	"github.com/spec-kit/deploy-ticket-service/internal/repository"
	"github.com/spec-kit/deploy-ticket-service/internal/vault"
	"github.com/spec-kit/deploy-ticket-service/pkg/util/errorutil"
)

// ErrNoCredential is returned when the user never stored a hosting key.
var ErrNoCredential = errors.New("no hosting credential stored")

// CredentialService stores hosting API keys and hands them out one call at a time.
type CredentialService struct {
	users   repository.UserRepository
	vault   *vault.Vault
	hosting hosting.Client
	audit   *Auditor
	logger  *zap.Logger
}

// CredentialDependencies bundles credential service collaborators.
type CredentialDependencies struct {
	UserRepo repository.UserRepository
	Vault    *vault.Vault
	Hosting  hosting.Client
	Auditor  *Auditor
	Logger   *zap.Logger
}

// NewCredentialService constructs the service.
func NewCredentialService(deps CredentialDependencies) *CredentialService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CredentialService{
		users:   deps.UserRepo,
		vault:   deps.Vault,
		hosting: deps.Hosting,
		audit:   deps.Auditor,
		logger:  logger,
	}
}

// Register verifies apiKey against the hosting API, then stores it encrypted.
func (s *CredentialService) Register(ctx context.Context, externalUserID, apiKey string) (*domain.User, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errorutil.NewValidationError("api key is required", nil)
	}

	if err := s.hosting.VerifyKey(ctx, apiKey); err != nil {
		if errors.Is(err, hosting.ErrInvalidCredential) {
			return nil, errorutil.NewCredentialError(err)
		}
		return nil, errorutil.NewHostingError(err)
	}

	user, err := s.users.GetOrCreate(ctx, externalUserID)
	if err != nil {
		return nil, errorutil.NewPersistenceError(err)
	}
	ciphertext, iv, err := s.vault.EncryptString(apiKey)
	if err != nil {
		return nil, errorutil.NewInternalError(err)
	}
	if err := s.users.UpsertCredential(ctx, &domain.Credential{UserID: user.ID, Ciphertext: ciphertext, IV: iv}); err != nil {
		return nil, errorutil.NewPersistenceError(err)
	}

	s.audit.Record(ctx, domain.AuditLevelInfo, "hosting credential stored", "", user.ID, nil)
	return user, nil
}

// HasCredential reports whether the user stored a key.
func (s *CredentialService) HasCredential(ctx context.Context, userID string) (bool, error) {
	_, err := s.users.GetCredential(ctx, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errorutil.NewPersistenceError(err)
	}
	return true, nil
}

// WithAPIKey decrypts the user's key, passes it to fn and discards it when fn returns.
// Errors returned by fn pass through unchanged.
func (s *CredentialService) WithAPIKey(ctx context.Context, userID string, fn func(apiKey string) error) error {
	cred, err := s.users.GetCredential(ctx, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return errorutil.NewCredentialError(ErrNoCredential)
	}
	if err != nil {
		return errorutil.NewPersistenceError(err)
	}

	var fnErr error
	err = s.vault.Use(cred.Ciphertext, cred.IV, func(secret string) error {
		fnErr = fn(secret)
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return errorutil.NewDecryptionError(err)
	}
	return nil
}
