package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/AntonyNeal/bloom-booking/internal/offer"
	"github.com/AntonyNeal/bloom-booking/internal/payment"
	"github.com/AntonyNeal/bloom-booking/internal/slot"
)

type ReserveRequest struct {
	ProviderID      string    `json:"provider_id"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	DurationMinutes int       `json:"duration_minutes"`
	HolderID        string    `json:"holder_id"`
}

type HoldResponse struct {
	SlotID    uuid.UUID `json:"slot_id"`
	LockToken string    `json:"lock_token"`
	ExpiresAt time.Time `json:"expires_at"`
	StartAt   time.Time `json:"start_at"`
	EndAt     time.Time `json:"end_at"`
}

type ReleaseRequest struct {
	LockToken string `json:"lock_token"`
}

type SlotResponse struct {
	ID              uuid.UUID `json:"id"`
	ProviderID      string    `json:"provider_id"`
	ExternalID      string    `json:"external_id"`
	StartUnix       int64     `json:"start_unix"`
	EndUnix         int64     `json:"end_unix"`
	StartAt         time.Time `json:"start_at"`
	EndAt           time.Time `json:"end_at"`
	Status          string    `json:"status"`
	IsBookable      bool      `json:"is_bookable"`
	DurationMinutes int       `json:"duration_minutes"`
	LocationType    string    `json:"location_type"`
}

func toSlotResponse(s slot.Slot, now time.Time) SlotResponse {
	return SlotResponse{
		ID:              s.ID,
		ProviderID:      s.ProviderID,
		ExternalID:      s.ExternalID,
		StartUnix:       s.StartUnix,
		EndUnix:         s.EndUnix,
		StartAt:         s.StartAt(),
		EndAt:           s.EndAt(),
		Status:          string(s.EffectiveStatus(now)),
		IsBookable:      s.IsBookable,
		DurationMinutes: s.DurationMinutes,
		LocationType:    string(s.LocationType),
	}
}

type AuthorizeRequest struct {
	SlotID    string `json:"slot_id"`
	LockToken string `json:"lock_token"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

type BookRequest struct {
	SlotID          string `json:"slot_id"`
	LockToken       string `json:"lock_token"`
	PaymentIntentID string `json:"payment_intent_id"`
}

type CancelPaymentRequest struct {
	PaymentIntentID string `json:"payment_intent_id"`
	Reason          string `json:"reason"`
}

type PaymentResponse struct {
	PaymentIntentID string    `json:"payment_intent_id"`
	SlotID          uuid.UUID `json:"slot_id"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	Status          string    `json:"status"`
	SagaState       string    `json:"saga_state"`
	Reason          string    `json:"reason,omitempty"`
}

func toPaymentResponse(a *payment.Authorization) PaymentResponse {
	return PaymentResponse{
		PaymentIntentID: a.PaymentIntentID,
		SlotID:          a.SlotID,
		Amount:          a.Amount,
		Currency:        a.Currency,
		Status:          string(a.Status),
		SagaState:       string(a.SagaState),
		Reason:          a.Reason,
	}
}

type CancelPaymentResponse struct {
	PaymentIntentID string `json:"payment_intent_id"`
	Status          string `json:"status"`
}

type SubmitApplicationRequest struct {
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

type AdvanceRequest struct {
	Status string `json:"status"`
}

type ContractRequest struct {
	SignedContractURL string `json:"signed_contract_url"`
}

type ApplicationResponse struct {
	ID                   uuid.UUID  `json:"id"`
	Email                string     `json:"email"`
	FullName             string     `json:"full_name"`
	Status               string     `json:"status"`
	OfferSentAt          *time.Time `json:"offer_sent_at,omitempty"`
	OfferAcceptedAt      *time.Time `json:"offer_accepted_at,omitempty"`
	SignedContractURL    *string    `json:"signed_contract_url,omitempty"`
	VerifiedWithProvider bool       `json:"verified_with_provider"`
	VerifiedAt           *time.Time `json:"verified_at,omitempty"`
	LinkedProviderID     *string    `json:"linked_provider_id,omitempty"`
}

func toApplicationResponse(a offer.Application) ApplicationResponse {
	return ApplicationResponse{
		ID:                   a.ID,
		Email:                a.Email,
		FullName:             a.FullName,
		Status:               string(a.Status),
		OfferSentAt:          a.OfferSentAt,
		OfferAcceptedAt:      a.OfferAcceptedAt,
		SignedContractURL:    a.SignedContractURL,
		VerifiedWithProvider: a.VerifiedWithProvider,
		VerifiedAt:           a.VerifiedAt,
		LinkedProviderID:     a.LinkedProviderID,
	}
}

type OfferIssuedResponse struct {
	OfferToken  string              `json:"offer_token"`
	AcceptPath  string              `json:"accept_path"`
	Application ApplicationResponse `json:"application"`
}

type OfferViewResponse struct {
	ApplicationID          uuid.UUID  `json:"application_id"`
	FullName               string     `json:"full_name"`
	Status                 string     `json:"status"`
	OfferSentAt            *time.Time `json:"offer_sent_at,omitempty"`
	OfferAcceptedAt        *time.Time `json:"offer_accepted_at,omitempty"`
	AlreadyAccepted        bool       `json:"already_accepted"`
	RequiresSignedContract bool       `json:"requires_signed_contract"`
	Message                string     `json:"message,omitempty"`
}

func toOfferViewResponse(v *offer.OfferView) OfferViewResponse {
	resp := OfferViewResponse{
		ApplicationID:          v.Application.ID,
		FullName:               v.Application.FullName,
		Status:                 string(v.Application.Status),
		OfferSentAt:            v.Application.OfferSentAt,
		OfferAcceptedAt:        v.Application.OfferAcceptedAt,
		AlreadyAccepted:        v.AlreadyAccepted,
		RequiresSignedContract: !v.Application.HasSignedContract(),
	}
	if v.AlreadyAccepted {
		resp.Message = "already accepted"
	}
	return resp
}

type VerifyResponse struct {
	Verified    bool                `json:"verified"`
	Changed     bool                `json:"changed"`
	Discrepancy string              `json:"discrepancy,omitempty"`
	Application ApplicationResponse `json:"application"`
}

type ProviderResponse struct {
	ID            string     `json:"id"`
	ExternalID    string     `json:"external_id"`
	ApplicationID *uuid.UUID `json:"application_id,omitempty"`
	DisplayName   string     `json:"display_name"`
	Active        bool       `json:"active"`
}

type ErrorResponse struct {
	Error   string           `json:"error"`
	Details string           `json:"details,omitempty"`
	Payment *PaymentResponse `json:"payment,omitempty"`
}
