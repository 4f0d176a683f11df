package offer

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AntonyNeal/bloom-booking/internal/apperr"
	"github.com/AntonyNeal/bloom-booking/internal/logging"
	"github.com/AntonyNeal/bloom-booking/internal/metrics"
	"github.com/AntonyNeal/bloom-booking/internal/provider"
)

var (
	ErrRequiresSignedContract = apperr.New(apperr.PreconditionFailed, "requiresSignedContract", "a signed contract must be uploaded before the offer can be accepted")
	ErrNotVerified            = apperr.New(apperr.PreconditionFailed, "practitioner_not_verified", "practitioner must be verified with the directory before activation")
	ErrOfferNotAccepted       = apperr.New(apperr.PreconditionFailed, "offer_not_accepted", "offer must be accepted before activation")
	ErrResetForbidden         = apperr.New(apperr.PreconditionFailed, "reset_forbidden", "reset is not available in production")
	ErrInvalidApplication     = apperr.New(apperr.Validation, "invalid_application", "application input is invalid")
)

// Service drives the applicant lifecycle from submission to an active provider.
type Service struct {
	repo       Repository
	directory  Directory
	providers  provider.Registry
	production bool
	now        func() time.Time
}

func NewService(repo Repository, directory Directory, providers provider.Registry, production bool) *Service {
	return &Service{
		repo:       repo,
		directory:  directory,
		providers:  providers,
		production: production,
		now:        time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Application, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(req.Email))
	if err != nil {
		return nil, ErrInvalidApplication.WithCause(err)
	}

	app := &Application{
		Email:    strings.ToLower(addr.Address),
		FullName: strings.TrimSpace(req.FullName),
		Status:   StatusSubmitted,
	}
	if err := s.repo.Create(ctx, app); err != nil {
		return nil, err
	}
	metrics.OfferTransitions.WithLabelValues(string(StatusSubmitted)).Inc()
	logging.Component(ctx, "offer").Info().Str("application_id", app.ID.String()).Msg("application submitted")
	return app, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Application, error) {
	return s.repo.Get(ctx, id)
}

// Advance moves an application through review. Offers, acceptance and
// withdrawal have their own operations.
func (s *Service) Advance(ctx context.Context, id uuid.UUID, to Status) (*Application, error) {
	switch to {
	case StatusReviewing, StatusInterview, StatusAccepted:
	default:
		return nil, ErrIllegalTransition.WithCause(fmt.Errorf("advance to %s", to))
	}

	app, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(app.Status, to); err != nil {
		return nil, err
	}

	from := app.Status
	app.Status = to
	if err := s.repo.Update(ctx, app); err != nil {
		return nil, err
	}
	s.transitioned(ctx, app, from)
	return app, nil
}

// Withdraw is allowed from every non-terminal state. A verified, accepted
// practitioner is past the point of withdrawal.
func (s *Service) Withdraw(ctx context.Context, id uuid.UUID) (*Application, error) {
	app, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(app.Status, StatusWithdrawn); err != nil {
		return nil, err
	}
	if app.Status == StatusOfferAccepted && app.VerifiedWithProvider {
		return nil, ErrIllegalTransition.WithCause(errors.New("verified practitioner"))
	}

	from := app.Status
	app.Status = StatusWithdrawn
	app.OfferTokenHash = nil
	if err := s.repo.RevokeTokens(ctx, app, s.now()); err != nil {
		return nil, err
	}
	s.transitioned(ctx, app, from)
	return app, nil
}

// IssueOffer sends (or re-sends) an offer. The returned token is the only
// copy; any earlier token for the application stops working.
func (s *Service) IssueOffer(ctx context.Context, id uuid.UUID) (string, *Application, error) {
	app, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if err := checkTransition(app.Status, StatusOfferSent); err != nil {
		return "", nil, err
	}

	token, hash, err := newToken()
	if err != nil {
		return "", nil, err
	}

	now := s.now()
	from := app.Status
	app.Status = StatusOfferSent
	app.OfferTokenHash = strPtr(hash)
	app.OfferSentAt = timePtr(now)
	if err := s.repo.IssueToken(ctx, app, hash, now); err != nil {
		return "", nil, err
	}
	s.transitioned(ctx, app, from)
	return token, app, nil
}

// resolve maps a presented token to its record and application.
func (s *Service) resolve(ctx context.Context, token string) (*TokenRecord, *Application, error) {
	if token == "" {
		return nil, nil, ErrTokenInvalid
	}
	rec, err := s.repo.FindToken(ctx, hashToken(token))
	if err != nil {
		return nil, nil, err
	}
	if rec.RevokedAt != nil {
		return nil, nil, ErrTokenRevoked
	}
	app, err := s.repo.Get(ctx, rec.ApplicationID)
	if err != nil {
		return nil, nil, err
	}
	if app.Status != StatusOfferSent && app.Status != StatusOfferAccepted {
		// the application moved on without the token being revoked
		return nil, nil, ErrTokenRevoked
	}
	return rec, app, nil
}

// AttachSignedContract records the signed contract for an outstanding offer.
func (s *Service) AttachSignedContract(ctx context.Context, token, contractURL string) (*Application, error) {
	u, err := url.Parse(strings.TrimSpace(contractURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, ErrInvalidApplication.WithCause(fmt.Errorf("contract url %q", contractURL))
	}

	rec, app, err := s.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	if !rec.Active() || app.Status != StatusOfferSent {
		return nil, ErrTokenConsumed
	}

	app.SignedContractURL = strPtr(u.String())
	if err := s.repo.Update(ctx, app); err != nil {
		return nil, err
	}
	logging.Component(ctx, "offer").Info().Str("application_id", app.ID.String()).Msg("signed contract attached")
	return app, nil
}

// ViewOffer is a read-only look at the offer behind a token.
func (s *Service) ViewOffer(ctx context.Context, token string) (*OfferView, error) {
	rec, app, err := s.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	return &OfferView{Application: *app, AlreadyAccepted: rec.ConsumedAt != nil}, nil
}

// AcceptOffer consumes the token. Accepting twice with the same token reports
// the earlier acceptance instead of failing.
func (s *Service) AcceptOffer(ctx context.Context, token string) (*OfferView, error) {
	logger := logging.Component(ctx, "offer")

	rec, app, err := s.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	if rec.ConsumedAt != nil {
		return &OfferView{Application: *app, AlreadyAccepted: true}, nil
	}
	if err := checkTransition(app.Status, StatusOfferAccepted); err != nil {
		return nil, err
	}
	if !app.HasSignedContract() {
		return nil, ErrRequiresSignedContract
	}

	now := s.now()
	from := app.Status
	app.Status = StatusOfferAccepted
	app.OfferAcceptedAt = timePtr(now)
	app.OfferTokenHash = nil
	if err := s.repo.ConsumeToken(ctx, app, rec.Hash, now); err != nil {
		if errors.Is(err, ErrTokenConsumed) {
			// lost a race with a concurrent accept of the same token
			return s.ViewOffer(ctx, token)
		}
		return nil, err
	}
	s.transitioned(ctx, app, from)
	logger.Info().Str("application_id", app.ID.String()).Msg("offer accepted")
	return &OfferView{Application: *app}, nil
}

// Verify checks the applicant against the practitioner directory. It can be
// re-run at any time: existing linkage is never removed, disagreements are
// only reported.
func (s *Service) Verify(ctx context.Context, id uuid.UUID) (*VerifyResult, error) {
	logger := logging.Component(ctx, "offer")

	app, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if app.Status == StatusWithdrawn {
		return nil, ErrIllegalTransition.WithCause(errors.New("withdrawn application"))
	}

	listing, lookupErr := s.directory.Lookup(ctx, app.Email)
	if lookupErr != nil {
		if !app.VerifiedWithProvider {
			if errors.Is(lookupErr, ErrNotListed) {
				return &VerifyResult{Application: *app, Discrepancy: lookupErr.Error()}, nil
			}
			return nil, lookupErr
		}
		logger.Warn().Err(lookupErr).Str("application_id", app.ID.String()).Msg("re-verification failed, keeping existing linkage")
		return &VerifyResult{Application: *app, Verified: true, Discrepancy: lookupErr.Error()}, nil
	}

	if app.VerifiedWithProvider {
		res := &VerifyResult{Application: *app, Verified: true}
		if app.LinkedProviderID == nil || *app.LinkedProviderID != listing.ProviderID {
			res.Discrepancy = fmt.Sprintf("directory now lists provider %s", listing.ProviderID)
			logger.Warn().Str("application_id", app.ID.String()).Str("listed", listing.ProviderID).Msg("directory disagrees with linked provider")
		}
		return res, nil
	}

	app.VerifiedWithProvider = true
	app.VerifiedAt = timePtr(s.now())
	app.LinkedProviderID = strPtr(listing.ProviderID)
	if app.FullName == "" {
		app.FullName = listing.DisplayName
	}
	if err := s.repo.Update(ctx, app); err != nil {
		return nil, err
	}
	logger.Info().Str("application_id", app.ID.String()).Str("provider", listing.ProviderID).Msg("practitioner verified")
	return &VerifyResult{Application: *app, Verified: true, Changed: true}, nil
}

// Activate makes a verified practitioner bookable by registering a provider.
// Activating again returns the provider created the first time.
func (s *Service) Activate(ctx context.Context, id uuid.UUID) (*provider.Provider, error) {
	app, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if app.Status != StatusOfferAccepted {
		return nil, ErrOfferNotAccepted
	}
	if !app.VerifiedWithProvider || app.LinkedProviderID == nil {
		return nil, ErrNotVerified
	}

	existing, err := s.providers.GetByApplication(ctx, app.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, provider.ErrProviderNotFound) {
		return nil, err
	}

	appID := app.ID
	p := &provider.Provider{
		ExternalID:    *app.LinkedProviderID,
		ApplicationID: &appID,
		DisplayName:   app.FullName,
		Active:        true,
	}
	if err := s.providers.Create(ctx, p); err != nil {
		return nil, err
	}
	logging.Component(ctx, "offer").Info().
		Str("application_id", app.ID.String()).
		Str("provider_id", p.ID).
		Msg("provider activated")
	return p, nil
}

// Reset returns an application to review, clearing its offer, contract and
// linkage and deleting the provider it created. Never available in production.
func (s *Service) Reset(ctx context.Context, id uuid.UUID) (*Application, error) {
	if s.production {
		return nil, ErrResetForbidden
	}

	app, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	deleted, err := s.providers.DeleteByApplication(ctx, app.ID)
	if err != nil {
		return nil, fmt.Errorf("delete provider: %w", err)
	}

	from := app.Status
	app.Status = StatusReviewing
	app.OfferTokenHash = nil
	app.OfferSentAt = nil
	app.OfferAcceptedAt = nil
	app.SignedContractURL = nil
	app.VerifiedWithProvider = false
	app.VerifiedAt = nil
	app.LinkedProviderID = nil
	if err := s.repo.RevokeTokens(ctx, app, s.now()); err != nil {
		return nil, err
	}

	s.transitioned(ctx, app, from)
	logging.Component(ctx, "offer").Warn().
		Str("application_id", app.ID.String()).
		Int("providers_deleted", deleted).
		Msg("application reset")
	return app, nil
}

func (s *Service) transitioned(ctx context.Context, app *Application, from Status) {
	metrics.OfferTransitions.WithLabelValues(string(app.Status)).Inc()
	logging.Component(ctx, "offer").Info().
		Str("application_id", app.ID.String()).
		Str("from", string(from)).
		Str("to", string(app.Status)).
		Msg("application status changed")
}
