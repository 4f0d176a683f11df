package offer

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/AntonyNeal/bloom-booking/internal/apperr"
)

var (
	ErrApplicationNotFound = apperr.New(apperr.NotFound, "application_not_found", "application not found")
	ErrDuplicateEmail      = apperr.New(apperr.Conflict, "application_exists", "an active application already uses this email")
	ErrStaleApplication    = apperr.New(apperr.Conflict, "application_stale", "application was modified concurrently")
	ErrTokenInvalid        = apperr.New(apperr.NotFound, "offer_token_invalid", "offer link is invalid")
	ErrTokenRevoked        = apperr.New(apperr.Conflict, "offer_token_revoked", "offer link has been replaced or withdrawn")
	ErrTokenConsumed       = apperr.New(apperr.Conflict, "offer_token_consumed", "offer link has already been used")
)

// Repository persists applications and their offer tokens. Every method that
// takes an *Application saves it with an optimistic version check, in the
// same transaction as its token change.
type Repository interface {
	Create(ctx context.Context, a *Application) error
	Get(ctx context.Context, id uuid.UUID) (*Application, error)
	Update(ctx context.Context, a *Application) error
	// IssueToken revokes every earlier token of the application and records a new one.
	IssueToken(ctx context.Context, a *Application, tokenHash string, at time.Time) error
	FindToken(ctx context.Context, tokenHash string) (*TokenRecord, error)
	// ConsumeToken marks an active token used.
	ConsumeToken(ctx context.Context, a *Application, tokenHash string, at time.Time) error
	// RevokeTokens revokes every token of the application, used ones included.
	RevokeTokens(ctx context.Context, a *Application, at time.Time) error
}
