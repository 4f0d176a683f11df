package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AntonyNeal/bloom-booking/internal/apperr"
	"github.com/AntonyNeal/bloom-booking/internal/config"
	"github.com/AntonyNeal/bloom-booking/internal/slot"
)

func TestHTTPGateway_AuthorizeSendsIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payment_intents", r.URL.Path)
		assert.Equal(t, "auth:slot:tok", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "manual", body["capture_method"])
		assert.EqualValues(t, 25000, body["amount"])

		_, _ = w.Write([]byte(`{"id":"pi_1","status":"requires_capture","amount":25000,"currency":"aud"}`))
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, "sk_test")
	intent, err := gw.Authorize(context.Background(), AuthorizeParams{Amount: 25000, Currency: "aud", IdempotencyKey: "auth:slot:tok"})
	require.NoError(t, err)
	assert.Equal(t, "pi_1", intent.ID)
	assert.Equal(t, StatusAuthorized, intent.Status)
}

func TestHTTPGateway_ErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/payment_intents":
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte(`{"error":{"code":"card_declined","message":"declined"}}`))
		case "/payment_intents/pi_cancelled/cancel":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":"payment_intent_unexpected_state","payment_intent":{"id":"pi_cancelled","status":"canceled"}}}`))
		case "/payment_intents/pi_captured/cancel":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":"payment_intent_unexpected_state","payment_intent":{"id":"pi_captured","status":"succeeded"}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":"resource_missing"}}`))
		}
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, "k")
	ctx := context.Background()

	_, err := gw.Authorize(ctx, AuthorizeParams{Amount: 1, Currency: "aud"})
	assert.ErrorIs(t, err, ErrPaymentDeclined)

	_, err = gw.Cancel(ctx, "pi_cancelled", ReasonBookingFailed)
	assert.ErrorIs(t, err, ErrIntentAlreadyCancelled)

	_, err = gw.Cancel(ctx, "pi_captured", ReasonBookingFailed)
	assert.ErrorIs(t, err, ErrIntentAlreadyCaptured)

	_, err = gw.Capture(ctx, "pi_missing")
	assert.ErrorIs(t, err, ErrIntentNotFound)
}

func TestAuthorize_UnauthorizedIntentReleasesHold(t *testing.T) {
	var cancelled atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/payment_intents":
			_, _ = w.Write([]byte(`{"id":"pi_rpm","status":"requires_payment_method","amount":25000,"currency":"aud"}`))
		case "/payment_intents/pi_rpm/cancel":
			cancelled.Add(1)
			_, _ = w.Write([]byte(`{"id":"pi_rpm","status":"canceled","amount":25000,"currency":"aud"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	h := newHarness(t, nil)
	h.rebuild(NewHTTPGateway(srv.URL, "k"), h.store, h.repo)
	hold := h.reserve(t)

	auth, err := h.orch.Authorize(context.Background(), AuthorizeRequest{SlotID: hold.SlotID, LockToken: hold.LockToken, Amount: 25000})
	assert.Nil(t, auth)
	assert.ErrorIs(t, err, ErrPaymentDeclined)
	assert.Equal(t, slot.StatusFree, h.slotStatus(t))
	assert.Equal(t, int32(1), cancelled.Load(), "the unusable intent is cancelled at the gateway")

	_, err = h.repo.Get(context.Background(), "pi_rpm")
	assert.ErrorIs(t, err, ErrAuthorizationNotFound, "nothing is recorded for an intent that was never authorized")
}

func TestHTTPGateway_BreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, "k")
	for i := 0; i < 8; i++ {
		_, err := gw.Capture(context.Background(), "pi_1")
		require.Error(t, err)
		assert.Equal(t, apperr.Upstream, apperr.KindOf(err))
	}
	assert.Equal(t, int32(5), hits.Load(), "calls stop reaching the gateway once the breaker opens")
}

func TestNewGateway(t *testing.T) {
	_, ok := NewGateway(config.Config{}).(*SandboxGateway)
	assert.True(t, ok)

	_, ok = NewGateway(config.Config{GatewayBaseURL: "http://pay"}).(*HTTPGateway)
	assert.True(t, ok)
}
