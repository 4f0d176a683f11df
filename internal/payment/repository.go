package payment

import (
	"context"
	"time"

	"github.com/AntonyNeal/bloom-booking/internal/apperr"
)

var (
	ErrAuthorizationNotFound  = apperr.New(apperr.NotFound, "payment_not_found", "payment authorization not found")
	ErrDuplicateAuthorization = apperr.New(apperr.Conflict, "payment_exists", "payment authorization already recorded")
	ErrStaleAuthorization     = apperr.New(apperr.Conflict, "payment_stale", "payment authorization was modified concurrently")
)

// Repository persists authorizations. Update is optimistic: it succeeds only
// when a.Version matches the stored row and bumps it on success.
type Repository interface {
	Create(ctx context.Context, a *Authorization) error
	Get(ctx context.Context, paymentIntentID string) (*Authorization, error)
	Update(ctx context.Context, a *Authorization) error
	// ListDanglingAuthorized returns uncaptured, uncancelled sagas that never
	// reached booked before their hold expired.
	ListDanglingAuthorized(ctx context.Context, now time.Time, limit int) ([]Authorization, error)
	// ListDueCaptures returns booked sagas whose capture retry is due.
	ListDueCaptures(ctx context.Context, now time.Time, limit int) ([]Authorization, error)
}
