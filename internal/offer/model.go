package offer

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusSubmitted     Status = "submitted"
	StatusReviewing     Status = "reviewing"
	StatusInterview     Status = "interview"
	StatusAccepted      Status = "accepted"
	StatusOfferSent     Status = "offer_sent"
	StatusOfferAccepted Status = "offer_accepted"
	StatusWithdrawn     Status = "withdrawn"
)

// Application is a practitioner applicant. The offer token itself is never
// stored; OfferTokenHash is its SHA-256.
type Application struct {
	ID                   uuid.UUID
	Email                string
	FullName             string
	Status               Status
	OfferTokenHash       *string
	OfferSentAt          *time.Time
	OfferAcceptedAt      *time.Time
	SignedContractURL    *string
	VerifiedWithProvider bool
	VerifiedAt           *time.Time
	LinkedProviderID     *string
	Version              int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (a Application) HasSignedContract() bool {
	return a.SignedContractURL != nil && *a.SignedContractURL != ""
}

// TokenRecord tracks one issued offer token.
type TokenRecord struct {
	Hash          string
	ApplicationID uuid.UUID
	IssuedAt      time.Time
	ConsumedAt    *time.Time
	RevokedAt     *time.Time
}

func (r TokenRecord) Active() bool {
	return r.ConsumedAt == nil && r.RevokedAt == nil
}

type SubmitRequest struct {
	Email    string
	FullName string
}

// OfferView is what a token holder sees.
type OfferView struct {
	Application     Application
	AlreadyAccepted bool
}

// VerifyResult reports a directory check. Discrepancy is set when the
// directory disagrees with, or could not confirm, an existing linkage.
type VerifyResult struct {
	Application Application
	Verified    bool
	Changed     bool
	Discrepancy string
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
