package api

import (
	"encoding/json"
	"net/http"

	"github.com/AntonyNeal/bloom-booking/internal/apperr"
	"github.com/AntonyNeal/bloom-booking/internal/logging"
	"github.com/AntonyNeal/bloom-booking/internal/payment"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.PreconditionFailed:
		return http.StatusUnprocessableEntity
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.Upstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeAppError maps a typed error onto the HTTP error body. Upstream and
// internal details are logged, not returned.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := appErrorBody(r, err)
	writeJSON(w, status, body)
}

// writeSagaError is writeAppError plus the saga the failure left behind, so a
// client can see that its payment was reversed.
func writeSagaError(w http.ResponseWriter, r *http.Request, auth *payment.Authorization, err error) {
	status, body := appErrorBody(r, err)
	if auth != nil {
		p := toPaymentResponse(auth)
		body.Payment = &p
	}
	writeJSON(w, status, body)
}

func appErrorBody(r *http.Request, err error) (int, ErrorResponse) {
	logger := logging.FromContext(r.Context())
	kind := apperr.KindOf(err)
	code := apperr.CodeOf(err)
	details := err.Error()

	switch kind {
	case apperr.Upstream:
		logger.Warn().Err(err).Str("code", code).Msg("upstream failure")
		details = "please try again"
	case apperr.Invariant:
		logger.Error().Err(err).Str("code", code).Msg("invariant violated")
		details = "internal error"
	case apperr.Internal:
		logger.Error().Err(err).Msg("request failed")
		code = "internal_error"
		details = "internal error"
	}

	return statusForKind(kind), ErrorResponse{Error: code, Details: details}
}
