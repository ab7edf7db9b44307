package errorutil

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
)

// Error codes shared by services and the HTTP layer.
const (
	CodeValidation        = "VALIDATION_FAILED"
	CodeDuplicateTicket   = "DUPLICATE_TICKET"
	CodeCredentialInvalid = "CREDENTIAL_INVALID"
	CodeProvider          = "PROVIDER_ERROR"
	CodeHosting           = "HOSTING_UNAVAILABLE"
	CodeDuplicateEvent    = "DUPLICATE_EVENT"
	CodeDeployment        = "DEPLOYMENT_FAILED"
	CodePersistence       = "PERSISTENCE_ERROR"
	CodeDecryption        = "DECRYPTION_FAILED"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeConfigMissing     = "CONFIG_MISSING"
	CodeNotFound          = "NOT_FOUND"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeInternal          = "INTERNAL_ERROR"
)

// DomainError standardizes application errors.
// Message is always safe to show to end users; Err and Details carry the
// specifics that belong in logs and the audit trail.
type DomainError struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError constructs a DomainError.
func NewDomainError(code, message string, status int, details map[string]any) *DomainError {
	return &DomainError{Code: code, Message: message, HTTPStatus: status, Details: details}
}

func NewValidationError(message string, details map[string]any) error {
	return NewDomainError(CodeValidation, message, http.StatusBadRequest, details)
}

// NewDuplicateTicket reports a second open ticket for the same user.
func NewDuplicateTicket(details map[string]any) error {
	return NewDomainError(CodeDuplicateTicket, "an open deploy ticket already exists", http.StatusConflict, details)
}

// NewCredentialError reports a rejected third-party API key.
func NewCredentialError(err error) error {
	return &DomainError{
		Code:       CodeCredentialInvalid,
		Message:    "the stored hosting key is invalid or expired",
		HTTPStatus: http.StatusUnprocessableEntity,
		Err:        err,
	}
}

// NewProviderError reports a failed payment gateway call.
func NewProviderError(err error) error {
	return &DomainError{
		Code:       CodeProvider,
		Message:    "payment provider unavailable",
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// NewHostingError reports a hosting API failure outside a deployment.
func NewHostingError(err error) error {
	return &DomainError{
		Code:       CodeHosting,
		Message:    "hosting service unavailable",
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// NewDuplicateEvent marks a webhook replay. It is acknowledged, never surfaced.
func NewDuplicateEvent(details map[string]any) error {
	return &DomainError{
		Code:       CodeDuplicateEvent,
		Message:    "event already processed",
		HTTPStatus: http.StatusOK,
		Details:    details,
	}
}

// NewDeploymentError wraps a hosting API failure.
func NewDeploymentError(err error) error {
	return &DomainError{
		Code:       CodeDeployment,
		Message:    "deployment failed",
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// NewPersistenceError wraps a store failure.
func NewPersistenceError(err error) error {
	return &DomainError{
		Code:       CodePersistence,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewDecryptionError wraps a vault failure.
func NewDecryptionError(err error) error {
	return &DomainError{
		Code:       CodeDecryption,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

func NewInvalidTransition(details map[string]any) error {
	return NewDomainError(CodeInvalidTransition, "ticket is not in a state that allows this action", http.StatusConflict, details)
}

func NewConfigMissing(message string) error {
	return NewDomainError(CodeConfigMissing, message, http.StatusPreconditionFailed, nil)
}

func NewNotFound(resource string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	return &DomainError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		Details:    details,
	}
}

func NewUnauthorized(message string) error {
	return NewDomainError(CodeUnauthorized, message, http.StatusUnauthorized, nil)
}

func NewForbidden(message string) error {
	return NewDomainError(CodeForbidden, message, http.StatusForbidden, nil)
}

func NewInternalError(err error) error {
	return &DomainError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Is reports whether err carries a DomainError with the given code.
func Is(err error, code string) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code == code
	}
	return false
}

// ToDomainError converts generic errors to DomainError.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	if errors.Is(err, pgx.ErrNoRows) {
		if de, ok := NewNotFound("resource", nil).(*DomainError); ok {
			return de
		}
	}
	if de, ok := NewInternalError(err).(*DomainError); ok {
		return de
	}
	return &DomainError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

func MapError(err error) error {
	return ToDomainError(err)
}
