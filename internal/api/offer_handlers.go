package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/AntonyNeal/bloom-booking/internal/offer"
)

func submitApplicationHandler(svc *offer.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitApplicationRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		app, err := svc.Submit(r.Context(), offer.SubmitRequest{Email: req.Email, FullName: req.FullName})
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toApplicationResponse(*app))
	}
}

func getApplicationHandler(svc *offer.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUIDParam(w, r, "id")
		if !ok {
			return
		}
		app, err := svc.Get(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toApplicationResponse(*app))
	}
}

func advanceApplicationHandler(svc *offer.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUIDParam(w, r, "id")
		if !ok {
			return
		}
		var req AdvanceRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		to, ok := offer.ParseStatus(req.Status)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_status", "unknown application status")
			return
		}

		app, err := svc.Advance(r.Context(), id, to)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toApplicationResponse(*app))
	}
}

func withdrawApplicationHandler(svc *offer.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUIDParam(w, r, "id")
		if !ok {
			return
		}
		app, err := svc.Withdraw(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toApplicationResponse(*app))
	}
}

func issueOfferHandler(svc *offer.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUIDParam(w, r, "id")
		if !ok {
			return
		}
		token, app, err := svc.IssueOffer(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, OfferIssuedResponse{
			OfferToken:  token,
			AcceptPath:  "/accept-offer/" + token,
			Application: toApplicationResponse(*app),
		})
	}
}

func verifyApplicationHandler(svc *offer.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUIDParam(w, r, "id")
		if !ok {
			return
		}
		res, err := svc.Verify(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, VerifyResponse{
			Verified:    res.Verified,
			Changed:     res.Changed,
			Discrepancy: res.Discrepancy,
			Application: toApplicationResponse(res.Application),
		})
	}
}

func activateApplicationHandler(svc *offer.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUIDParam(w, r, "id")
		if !ok {
			return
		}
		p, err := svc.Activate(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ProviderResponse{
			ID:            p.ID,
			ExternalID:    p.ExternalID,
			ApplicationID: p.ApplicationID,
			DisplayName:   p.DisplayName,
			Active:        p.Active,
		})
	}
}

func resetApplicationHandler(svc *offer.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUIDParam(w, r, "id")
		if !ok {
			return
		}
		app, err := svc.Reset(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toApplicationResponse(*app))
	}
}

func viewOfferHandler(svc *offer.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := svc.ViewOffer(r.Context(), chi.URLParam(r, "token"))
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toOfferViewResponse(view))
	}
}

func acceptOfferHandler(svc *offer.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := svc.AcceptOffer(r.Context(), chi.URLParam(r, "token"))
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toOfferViewResponse(view))
	}
}

func attachContractHandler(svc *offer.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ContractRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		app, err := svc.AttachSignedContract(r.Context(), chi.URLParam(r, "token"), req.SignedContractURL)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toApplicationResponse(*app))
	}
}
