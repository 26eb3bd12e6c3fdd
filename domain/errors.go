/*
errors.go - Typed error kinds for the recognition engine

PURPOSE:
  All error kinds in one place. Workflows return these; the HTTP layer
  maps them to status codes and the {"detail": ...} envelope.

ERROR CATEGORIES:
  1. Caller input - ValidationError
  2. Permission   - AuthorizationError
  3. Lookup       - NotFoundError
  4. Lifecycle    - InvalidStateError
  5. Redemption   - InsufficientPointsError, OutOfStockError

None of these are retryable: resubmitting the same input reproduces them.

USAGE:
  if errors.Is(err, domain.ErrOutOfStock) { ... }

  var verr *domain.ValidationError
  if errors.As(err, &verr) { issues := verr.Issues }
*/
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation         = errors.New("validation failed")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrInvalidState       = errors.New("invalid state")
	ErrInsufficientPoints = errors.New("insufficient points")
	ErrOutOfStock         = errors.New("out of stock")

	// ErrConflict is returned by stores on unique-key violations (e.g. email).
	ErrConflict = errors.New("conflict")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationIssue describes one rejected field.
type ValidationIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationError struct {
	Issues []ValidationIssue
}

// Invalid builds a ValidationError for a single field.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Issues: []ValidationIssue{{Field: field, Message: fmt.Sprintf(format, args...)}}}
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		msgs[i] = is.Message
	}
	return strings.Join(msgs, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type AuthorizationError struct {
	Reason string
}

func Forbidden(format string, args ...any) *AuthorizationError {
	return &AuthorizationError{Reason: fmt.Sprintf(format, args...)}
}

func (e *AuthorizationError) Error() string { return e.Reason }
func (e *AuthorizationError) Unwrap() error { return ErrForbidden }

type NotFoundError struct {
	Kind string // "user", "reward", "recognition", ...
	ID   string
}

func NotFound(kind, id string) *NotFoundError { return &NotFoundError{Kind: kind, ID: id} }

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Kind + " not found"
	}
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

type InvalidStateError struct {
	Entity string
	From   string
	Action string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s in status %s", e.Action, e.Entity, e.From)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

type InsufficientPointsError struct {
	UserID    string
	Available int64
	Required  int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: available %d, required %d", e.Available, e.Required)
}

func (e *InsufficientPointsError) Unwrap() error { return ErrInsufficientPoints }

type OutOfStockError struct {
	RewardID string
}

func (e *OutOfStockError) Error() string { return "reward is out of stock" }
func (e *OutOfStockError) Unwrap() error { return ErrOutOfStock }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to caller input or a business rule.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrInsufficientPoints) ||
		errors.Is(err, ErrOutOfStock) ||
		errors.Is(err, ErrConflict)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
