package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/AntonyNeal/bloom-booking/internal/payment"
)

func parseSlotID(w http.ResponseWriter, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "slot_id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func authorizeHandler(orch *payment.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AuthorizeRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		slotID, ok := parseSlotID(w, req.SlotID)
		if !ok {
			return
		}

		auth, err := orch.Authorize(r.Context(), payment.AuthorizeRequest{
			SlotID:    slotID,
			LockToken: req.LockToken,
			Amount:    req.Amount,
			Currency:  req.Currency,
		})
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toPaymentResponse(auth))
	}
}

func bookHandler(orch *payment.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		slotID, ok := parseSlotID(w, req.SlotID)
		if !ok {
			return
		}
		if req.PaymentIntentID == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "payment_intent_id is required")
			return
		}

		auth, err := orch.Book(r.Context(), payment.BookRequest{
			SlotID:          slotID,
			LockToken:       req.LockToken,
			PaymentIntentID: req.PaymentIntentID,
		})
		if err != nil {
			writeSagaError(w, r, auth, err)
			return
		}
		writeJSON(w, http.StatusOK, toPaymentResponse(auth))
	}
}

func checkoutHandler(orch *payment.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AuthorizeRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		slotID, ok := parseSlotID(w, req.SlotID)
		if !ok {
			return
		}

		auth, err := orch.Checkout(r.Context(), payment.CheckoutRequest{
			SlotID:    slotID,
			LockToken: req.LockToken,
			Amount:    req.Amount,
			Currency:  req.Currency,
		})
		if err != nil {
			writeSagaError(w, r, auth, err)
			return
		}
		writeJSON(w, http.StatusOK, toPaymentResponse(auth))
	}
}

func cancelPaymentHandler(orch *payment.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CancelPaymentRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.PaymentIntentID == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "payment_intent_id is required")
			return
		}
		reason := req.Reason
		if reason == "" {
			reason = payment.ReasonRequestedByCustomer
		}

		status, err := orch.CancelPayment(r.Context(), req.PaymentIntentID, reason)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, CancelPaymentResponse{
			PaymentIntentID: req.PaymentIntentID,
			Status:          string(status),
		})
	}
}
