package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// HTTPGateway calls a payment-intent REST API with manual capture. Transport
// failures and 5xx answers count against a circuit breaker; declines and
// state errors do not.
type HTTPGateway struct {
	apiKey  string
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewHTTPGateway(baseURL, apiKey string) *HTTPGateway {
	return &HTTPGateway{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "payment-gateway",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			},
		}),
	}
}

type intentJSON struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type apiError struct {
	Error struct {
		Code          string      `json:"code"`
		Message       string      `json:"message"`
		PaymentIntent *intentJSON `json:"payment_intent,omitempty"`
	} `json:"error"`
}

type gatewayResponse struct {
	status int
	intent intentJSON
	apiErr apiError
}

func (g *HTTPGateway) Authorize(ctx context.Context, p AuthorizeParams) (*Intent, error) {
	payload := map[string]any{
		"amount":         p.Amount,
		"currency":       p.Currency,
		"capture_method": "manual",
		"confirm":        true,
		"metadata":       p.Metadata,
	}
	return g.call(ctx, "/payment_intents", payload, p.IdempotencyKey)
}

func (g *HTTPGateway) Capture(ctx context.Context, intentID string) (*Intent, error) {
	return g.call(ctx, fmt.Sprintf("/payment_intents/%s/capture", url.PathEscape(intentID)), map[string]any{}, "capture:"+intentID)
}

func (g *HTTPGateway) Cancel(ctx context.Context, intentID, reason string) (*Intent, error) {
	payload := map[string]any{"cancellation_reason": gatewayReason(reason)}
	return g.call(ctx, fmt.Sprintf("/payment_intents/%s/cancel", url.PathEscape(intentID)), payload, "cancel:"+intentID)
}

func (g *HTTPGateway) call(ctx context.Context, path string, payload any, idempotencyKey string) (*Intent, error) {
	out, err := g.breaker.Execute(func() (interface{}, error) {
		return g.post(ctx, path, payload, idempotencyKey)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrGatewayUnavailable.WithCause(err)
		}
		return nil, err
	}

	resp := out.(*gatewayResponse)
	if resp.status >= 200 && resp.status < 300 {
		return resp.intent.toIntent(), nil
	}
	return nil, classify(resp)
}

// post returns an error only for failures that should trip the breaker.
func (g *HTTPGateway) post(ctx context.Context, path string, payload any, idempotencyKey string) (*gatewayResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	httpResp, err := g.client.Do(req)
	if err != nil {
		return nil, ErrGatewayUnavailable.WithCause(err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 500 {
		return nil, ErrGatewayUnavailable.WithCause(fmt.Errorf("status %d", httpResp.StatusCode))
	}

	resp := &gatewayResponse{status: httpResp.StatusCode}
	dec := json.NewDecoder(httpResp.Body)
	if httpResp.StatusCode < 300 {
		err = dec.Decode(&resp.intent)
	} else {
		err = dec.Decode(&resp.apiErr)
	}
	if err != nil {
		return nil, ErrGatewayUnavailable.WithCause(fmt.Errorf("decode: %w", err))
	}
	return resp, nil
}

func classify(resp *gatewayResponse) error {
	e := resp.apiErr.Error
	cause := fmt.Errorf("%s: %s", e.Code, e.Message)

	if resp.status == http.StatusNotFound || e.Code == "resource_missing" {
		return ErrIntentNotFound.WithCause(cause)
	}
	if e.Code == "payment_intent_unexpected_state" && e.PaymentIntent != nil {
		switch mapIntentStatus(e.PaymentIntent.Status) {
		case StatusCancelled:
			return ErrIntentAlreadyCancelled
		case StatusCaptured:
			return ErrIntentAlreadyCaptured
		}
	}
	if e.Code == "card_declined" || e.Code == "insufficient_funds" || resp.status == http.StatusPaymentRequired {
		return ErrPaymentDeclined.WithCause(cause)
	}
	return ErrGatewayUnavailable.WithCause(cause)
}

func (i intentJSON) toIntent() *Intent {
	return &Intent{
		ID:       i.ID,
		Status:   mapIntentStatus(i.Status),
		Amount:   i.Amount,
		Currency: i.Currency,
	}
}

func mapIntentStatus(s string) Status {
	switch s {
	case "requires_capture":
		return StatusAuthorized
	case "succeeded":
		return StatusCaptured
	case "canceled", "cancelled":
		return StatusCancelled
	default:
		return StatusFailed
	}
}

// gatewayReason maps internal reasons onto the gateway's fixed vocabulary.
func gatewayReason(reason string) string {
	if reason == ReasonRequestedByCustomer {
		return "requested_by_customer"
	}
	return "abandoned"
}
