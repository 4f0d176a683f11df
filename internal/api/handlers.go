package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/AntonyNeal/bloom-booking/internal/reservation"
	"github.com/AntonyNeal/bloom-booking/internal/slot"
)

func parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", name+" must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func reserveHandler(engine *reservation.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ReserveRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Start.IsZero() || req.End.IsZero() {
			writeError(w, http.StatusBadRequest, "invalid_reservation", "start and end are required")
			return
		}

		hold, err := engine.Reserve(r.Context(), reservation.Request{
			ProviderID:      req.ProviderID,
			StartUnix:       slot.UnixFromTime(req.Start),
			EndUnix:         slot.UnixFromTime(req.End),
			DurationMinutes: req.DurationMinutes,
			HolderID:        req.HolderID,
		})
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, HoldResponse{
			SlotID:    hold.SlotID,
			LockToken: hold.LockToken,
			ExpiresAt: hold.ExpiresAt,
			StartAt:   hold.Slot.StartAt(),
			EndAt:     hold.Slot.EndAt(),
		})
	}
}

func releaseHandler(engine *reservation.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slotID, ok := parseUUIDParam(w, r, "slotID")
		if !ok {
			return
		}
		var req ReleaseRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.LockToken == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "lock_token is required")
			return
		}

		if err := engine.Release(r.Context(), slotID, req.LockToken); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": string(slot.StatusFree)})
	}
}

func listSlotsHandler(store slot.Store, engine *reservation.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := slot.ListFilter{
			ProviderID: q.Get("provider_id"),
			Status:     slot.Status(q.Get("status")),
		}

		for _, p := range []struct {
			name string
			dst  *int64
		}{{"from", &filter.FromUnix}, {"to", &filter.ToUnix}} {
			raw := q.Get(p.name)
			if raw == "" {
				continue
			}
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_query", p.name+" must be RFC3339")
				return
			}
			*p.dst = slot.UnixFromTime(t)
		}

		for _, p := range []struct {
			name string
			dst  *int
		}{{"limit", &filter.Limit}, {"offset", &filter.Offset}} {
			raw := q.Get(p.name)
			if raw == "" {
				continue
			}
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid_query", p.name+" must be a non-negative integer")
				return
			}
			*p.dst = n
		}

		slots, err := store.ListSlots(r.Context(), filter)
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		now := engine.Now()
		resp := make([]SlotResponse, 0, len(slots))
		for _, s := range slots {
			resp = append(resp, toSlotResponse(s, now))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func getSlotHandler(store slot.Store, engine *reservation.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUIDParam(w, r, "slotID")
		if !ok {
			return
		}
		s, err := store.GetSlot(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toSlotResponse(*s, engine.Now()))
	}
}
