package payment

import (
	"context"

	"github.com/AntonyNeal/bloom-booking/internal/apperr"
	"github.com/AntonyNeal/bloom-booking/internal/config"
)

var (
	ErrPaymentDeclined        = apperr.New(apperr.PreconditionFailed, "payment_declined", "the payment method was declined")
	ErrGatewayUnavailable     = apperr.New(apperr.Upstream, "gateway_unavailable", "payment gateway is unavailable, please try again")
	ErrIntentNotFound         = apperr.New(apperr.NotFound, "intent_not_found", "payment intent not found at the gateway")
	ErrIntentAlreadyCancelled = apperr.New(apperr.Conflict, "intent_already_cancelled", "payment intent is already cancelled")
	ErrIntentAlreadyCaptured  = apperr.New(apperr.Conflict, "intent_already_captured", "payment intent is already captured")
)

type AuthorizeParams struct {
	Amount         int64
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

type Intent struct {
	ID       string
	Status   Status
	Amount   int64
	Currency string
}

// Gateway is a manual-capture payment provider.
type Gateway interface {
	Authorize(ctx context.Context, p AuthorizeParams) (*Intent, error)
	Capture(ctx context.Context, intentID string) (*Intent, error)
	Cancel(ctx context.Context, intentID, reason string) (*Intent, error)
}

// BookingSystem finalizes a booking on the external calendar. A nil
// BookingSystem means bookings are purely internal.
type BookingSystem interface {
	ConfirmBooking(ctx context.Context, slotExternalID, holderID string) (string, error)
	CancelBooking(ctx context.Context, bookingID, reason string) error
}

// NewGateway returns the REST client when a base URL is configured and the
// in-process sandbox otherwise.
func NewGateway(cfg config.Config) Gateway {
	if cfg.GatewayBaseURL == "" {
		return NewSandboxGateway()
	}
	return NewHTTPGateway(cfg.GatewayBaseURL, cfg.GatewayAPIKey)
}
