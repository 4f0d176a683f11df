package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AntonyNeal/bloom-booking/internal/apperr"
	"github.com/AntonyNeal/bloom-booking/internal/availability"
	"github.com/AntonyNeal/bloom-booking/internal/logging"
	"github.com/AntonyNeal/bloom-booking/internal/metrics"
	"github.com/AntonyNeal/bloom-booking/internal/reservation"
	"github.com/AntonyNeal/bloom-booking/internal/slot"
)

var (
	ErrInvalidPayment     = apperr.New(apperr.Validation, "invalid_payment", "amount must be positive")
	ErrPaymentFailed      = apperr.New(apperr.Upstream, "payment_failed", "payment could not be authorized, please try again")
	ErrBookingFailed      = apperr.New(apperr.Conflict, "booking_failed", "booking failed and the payment was reversed")
	ErrBookingUnavailable = apperr.New(apperr.Upstream, "booking_failed", "booking system unavailable, the payment was reversed")
	ErrBookingInProgress  = apperr.New(apperr.Conflict, "booking_in_progress", "payment is already being booked, please retry")
	ErrHoldMismatch       = apperr.New(apperr.Conflict, "hold_mismatch", "payment does not belong to this slot hold")
	ErrCancelBookedSaga   = apperr.New(apperr.Conflict, "booking_stands", "payment for a booked slot cannot be cancelled")
	ErrSagaInconsistency  = apperr.New(apperr.Invariant, "saga_inconsistent", "payment state diverged from the slot")
)

const (
	DefaultCurrency            = "aud"
	DefaultCaptureMaxAttempts  = 3
	DefaultCaptureBaseDelay    = 2 * time.Second
	DefaultCompensationTimeout = 30 * time.Second
	sweepBatch                 = 200
)

type Config struct {
	Currency            string
	CaptureMaxAttempts  int
	CaptureBaseDelay    time.Duration
	CompensationTimeout time.Duration
}

// Orchestrator runs the Authorize → Book → Capture saga. Each completed step
// is undone in reverse order when a later one fails.
type Orchestrator struct {
	gateway Gateway
	repo    Repository
	engine  *reservation.Engine
	slots   slot.Store
	booking BookingSystem
	cfg     Config
	async   func(func())
	tracer  trace.Tracer
}

func NewOrchestrator(gateway Gateway, repo Repository, engine *reservation.Engine, slots slot.Store, booking BookingSystem, cfg Config) *Orchestrator {
	if cfg.Currency == "" {
		cfg.Currency = DefaultCurrency
	}
	if cfg.CaptureMaxAttempts <= 0 {
		cfg.CaptureMaxAttempts = DefaultCaptureMaxAttempts
	}
	if cfg.CaptureBaseDelay <= 0 {
		cfg.CaptureBaseDelay = DefaultCaptureBaseDelay
	}
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = DefaultCompensationTimeout
	}
	return &Orchestrator{
		gateway: gateway,
		repo:    repo,
		engine:  engine,
		slots:   slots,
		booking: booking,
		cfg:     cfg,
		async:   func(f func()) { go f() },
		tracer:  otel.Tracer("github.com/AntonyNeal/bloom-booking/internal/payment"),
	}
}

// WithAsync replaces the runner used for background capture retries.
func (o *Orchestrator) WithAsync(run func(func())) *Orchestrator {
	o.async = run
	return o
}

func (o *Orchestrator) now() time.Time { return o.engine.Now() }

func (o *Orchestrator) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "payment."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Authorize places a manual-capture authorization for a slot the caller holds.
// The authorization is persisted before it is returned. A gateway failure
// gives the hold back.
func (o *Orchestrator) Authorize(ctx context.Context, req AuthorizeRequest) (_ *Authorization, err error) {
	ctx, span := o.startSpan(ctx, "authorize", attribute.String("slot.id", req.SlotID.String()))
	defer func() { endSpan(span, err) }()
	logger := logging.Component(ctx, "payment")

	if req.Amount <= 0 {
		return nil, ErrInvalidPayment
	}
	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = o.cfg.Currency
	}

	held, err := o.engine.Validate(ctx, req.SlotID, req.LockToken)
	if err != nil {
		return nil, err
	}

	intent, err := o.gateway.Authorize(ctx, AuthorizeParams{
		Amount:         req.Amount,
		Currency:       currency,
		IdempotencyKey: "auth:" + req.SlotID.String() + ":" + req.LockToken,
		Metadata: map[string]string{
			"slot_id":     req.SlotID.String(),
			"provider_id": held.ProviderID,
		},
	})
	if err != nil {
		logger.Warn().Err(err).Str("slot_id", req.SlotID.String()).Msg("authorization failed, releasing hold")
		o.relinquish(ctx, req.SlotID, req.LockToken)
		metrics.SagaOutcomes.WithLabelValues("authorize_failed").Inc()
		return nil, ErrPaymentFailed.WithCause(err)
	}
	if intent.Status != StatusAuthorized {
		logger.Warn().
			Str("payment_intent_id", intent.ID).
			Str("intent_status", string(intent.Status)).
			Msg("intent not authorized, releasing hold")
		o.abandonIntent(ctx, intent.ID)
		o.relinquish(ctx, req.SlotID, req.LockToken)
		metrics.SagaOutcomes.WithLabelValues("authorize_failed").Inc()
		return nil, ErrPaymentDeclined.WithCause(fmt.Errorf("intent %s is %s", intent.ID, intent.Status))
	}

	auth := &Authorization{
		PaymentIntentID: intent.ID,
		Amount:          req.Amount,
		Currency:        currency,
		Status:          StatusAuthorized,
		SagaState:       SagaAuthorized,
		SlotID:          req.SlotID,
		LockToken:       req.LockToken,
		HolderID:        held.HeldBy,
		LeaseExpiresAt:  o.now().Add(o.engine.LeaseDuration()),
	}
	if held.LockExpiresAt != nil {
		auth.LeaseExpiresAt = *held.LockExpiresAt
	}
	if err := o.repo.Create(ctx, auth); err != nil {
		if errors.Is(err, ErrDuplicateAuthorization) {
			// the gateway replayed an idempotent authorize for this hold
			return o.repo.Get(ctx, intent.ID)
		}
		logger.Error().Err(err).Str("payment_intent_id", intent.ID).Msg("persist authorization failed, reversing")
		auth.SagaState = SagaPending
		o.compensate(ctx, auth, ReasonPersistFailed, "")
		return nil, fmt.Errorf("persist authorization: %w", err)
	}

	span.SetAttributes(attribute.String("payment.intent_id", intent.ID))
	logger.Info().
		Str("payment_intent_id", intent.ID).
		Str("slot_id", req.SlotID.String()).
		Int64("amount", req.Amount).
		Str("currency", currency).
		Msg("payment authorized")
	return auth, nil
}

// Book turns an authorized hold into a booking and captures the payment.
// Repeating it for a booked or captured saga returns the current state. The
// saga is claimed before any side effect so only one Book call can run it.
func (o *Orchestrator) Book(ctx context.Context, req BookRequest) (_ *Authorization, err error) {
	ctx, span := o.startSpan(ctx, "book",
		attribute.String("slot.id", req.SlotID.String()),
		attribute.String("payment.intent_id", req.PaymentIntentID))
	defer func() { endSpan(span, err) }()
	logger := logging.Component(ctx, "payment")

	auth, err := o.repo.Get(ctx, req.PaymentIntentID)
	if err != nil {
		return nil, err
	}
	if auth.SlotID != req.SlotID || auth.LockToken != req.LockToken {
		return nil, ErrHoldMismatch
	}

	if settled, err := bookOutcome(auth); settled {
		return auth, err
	}
	if auth.Status != StatusAuthorized {
		return auth, ErrBookingFailed.WithCause(fmt.Errorf("payment is %s", auth.Status))
	}

	auth.SagaState = SagaBooking
	if err := o.repo.Update(ctx, auth); err != nil {
		if !errors.Is(err, ErrStaleAuthorization) {
			return nil, fmt.Errorf("claim saga: %w", err)
		}
		cur, gerr := o.repo.Get(ctx, req.PaymentIntentID)
		if gerr != nil {
			return nil, gerr
		}
		if settled, err := bookOutcome(cur); settled {
			return cur, err
		}
		return cur, ErrBookingInProgress
	}

	held, err := o.engine.Validate(ctx, req.SlotID, req.LockToken)
	if err != nil {
		logger.Warn().Err(err).Str("payment_intent_id", auth.PaymentIntentID).Msg("hold no longer valid at booking")
		return o.failBooking(ctx, auth, "", err)
	}

	externalID := ""
	if o.booking != nil {
		externalID, err = o.booking.ConfirmBooking(ctx, held.ExternalID, auth.HolderID)
		if err != nil {
			logger.Warn().Err(err).Str("payment_intent_id", auth.PaymentIntentID).Msg("external booking failed")
			return o.failBooking(ctx, auth, "", err)
		}
	}

	_, err = o.slots.Transition(ctx, slot.TransitionRequest{
		SlotID:    req.SlotID,
		From:      slot.StatusHeld,
		To:        slot.StatusBooked,
		LockToken: req.LockToken,
		Lease:     slot.LeaseActive,
		Actor:     slot.ActorBooking,
		Now:       o.now(),
	})
	if err != nil {
		metrics.SlotTransitions.WithLabelValues("held", "booked", "conflict").Inc()
		if o.bookedBy(ctx, auth) {
			// the transition committed but its result was lost
			logger.Warn().Err(err).Str("payment_intent_id", auth.PaymentIntentID).Msg("slot already booked by this saga")
		} else {
			logger.Warn().Err(err).Str("payment_intent_id", auth.PaymentIntentID).Msg("slot booking lost")
			return o.failBooking(ctx, auth, externalID, err)
		}
	} else {
		metrics.SlotTransitions.WithLabelValues("held", "booked", "ok").Inc()
	}

	auth.SagaState = SagaBooked
	auth.ExternalBookingID = externalID
	if err := o.repo.Update(ctx, auth); err != nil {
		// the row stays claimed and the sweep rolls it forward from the slot
		logger.Error().Err(err).Str("payment_intent_id", auth.PaymentIntentID).Msg("slot booked but saga state not saved")
		return nil, ErrSagaInconsistency.WithCause(err)
	}
	logger.Info().Str("payment_intent_id", auth.PaymentIntentID).Str("slot_id", req.SlotID.String()).Msg("slot booked")

	if done, _ := o.attemptCapture(ctx, auth); !done {
		id := auth.PaymentIntentID
		o.async(func() {
			o.retryCapture(context.WithoutCancel(ctx), id)
		})
	}
	return auth, nil
}

// Checkout authorizes and books in one call.
func (o *Orchestrator) Checkout(ctx context.Context, req CheckoutRequest) (*Authorization, error) {
	auth, err := o.Authorize(ctx, AuthorizeRequest{
		SlotID:    req.SlotID,
		LockToken: req.LockToken,
		Amount:    req.Amount,
		Currency:  req.Currency,
	})
	if err != nil {
		return nil, err
	}
	return o.Book(ctx, BookRequest{
		SlotID:          req.SlotID,
		LockToken:       req.LockToken,
		PaymentIntentID: auth.PaymentIntentID,
	})
}

// bookOutcome reports whether the saga is past the point where Book can act,
// and what a repeated Book call returns for it.
func bookOutcome(auth *Authorization) (bool, error) {
	switch auth.SagaState {
	case SagaBooked, SagaCaptured:
		return true, nil
	case SagaBooking:
		return true, ErrBookingInProgress
	case SagaFailedAndReversed:
		return true, ErrBookingFailed.WithCause(errors.New(auth.Reason))
	}
	return false, nil
}

// bookedBy reports whether the saga's slot is booked under the saga's own
// hold token.
func (o *Orchestrator) bookedBy(ctx context.Context, auth *Authorization) bool {
	s, err := o.slots.GetSlot(ctx, auth.SlotID)
	if err != nil {
		logging.Component(ctx, "payment").Warn().Err(err).Str("slot_id", auth.SlotID.String()).Msg("read slot for saga failed")
		return false
	}
	return s.BookedWith(auth.LockToken)
}

// failBooking reverses the saga. Upstream causes keep their retryable kind;
// the cause itself is only logged.
func (o *Orchestrator) failBooking(ctx context.Context, auth *Authorization, externalID string, cause error) (*Authorization, error) {
	o.compensate(ctx, auth, ReasonBookingFailed, externalID)
	if apperr.IsKind(cause, apperr.Upstream) {
		return auth, ErrBookingUnavailable
	}
	return auth, ErrBookingFailed.WithCause(cause)
}

// abandonIntent cancels an intent the saga will not use. Failures are logged.
func (o *Orchestrator) abandonIntent(ctx context.Context, intentID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CompensationTimeout)
	defer cancel()
	_, err := o.gateway.Cancel(cctx, intentID, ReasonAbandoned)
	if err != nil && !errors.Is(err, ErrIntentAlreadyCancelled) {
		metrics.Compensations.WithLabelValues("payment", "failed").Inc()
		logging.Component(cctx, "payment").Error().Err(err).Str("payment_intent_id", intentID).Msg("cancel unused intent failed")
		return
	}
	metrics.Compensations.WithLabelValues("payment", "ok").Inc()
}

// compensate undoes the saga in reverse order: external booking, payment,
// hold. It runs detached from the caller's cancellation with its own budget.
// A payment that could not be cancelled stays authorized for the sweep.
func (o *Orchestrator) compensate(ctx context.Context, auth *Authorization, reason, externalID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CompensationTimeout)
	defer cancel()

	cctx, span := o.startSpan(cctx, "compensate",
		attribute.String("payment.intent_id", auth.PaymentIntentID),
		attribute.String("reason", reason))
	defer span.End()
	logger := logging.Component(cctx, "payment")

	if externalID != "" && o.booking != nil {
		err := o.booking.CancelBooking(cctx, externalID, reason)
		if err != nil && !errors.Is(err, availability.ErrBookingNotFound) {
			metrics.Compensations.WithLabelValues("external_booking", "failed").Inc()
			logger.Error().Err(err).Str("external_booking_id", externalID).Msg("cancel external booking failed")
		} else {
			metrics.Compensations.WithLabelValues("external_booking", "ok").Inc()
		}
	}

	cancelled := true
	_, err := o.gateway.Cancel(cctx, auth.PaymentIntentID, reason)
	switch {
	case err == nil, errors.Is(err, ErrIntentAlreadyCancelled):
		metrics.Compensations.WithLabelValues("payment", "ok").Inc()
	default:
		cancelled = false
		metrics.Compensations.WithLabelValues("payment", "failed").Inc()
		span.RecordError(err)
		logger.Error().Err(err).Str("payment_intent_id", auth.PaymentIntentID).Msg("cancel payment failed, left for the sweep")
	}

	o.relinquish(cctx, auth.SlotID, auth.LockToken)

	if auth.SagaState == SagaPending {
		return
	}

	auth.Reason = reason
	if cancelled {
		auth.Status = StatusCancelled
		auth.SagaState = SagaFailedAndReversed
		metrics.SagaOutcomes.WithLabelValues(string(SagaFailedAndReversed)).Inc()
	}
	if err := o.repo.Update(cctx, auth); err != nil {
		logger.Error().Err(err).Str("payment_intent_id", auth.PaymentIntentID).Msg("save compensated saga failed")
	}
}

// relinquish gives a hold back whatever its lease. A hold already reclaimed
// or taken over is not an error.
func (o *Orchestrator) relinquish(ctx context.Context, slotID uuid.UUID, token string) {
	err := o.engine.Relinquish(ctx, slotID, token)
	switch {
	case err == nil:
		metrics.Compensations.WithLabelValues("hold", "ok").Inc()
	case errors.Is(err, reservation.ErrHoldInvalid):
		metrics.Compensations.WithLabelValues("hold", "noop").Inc()
	default:
		metrics.Compensations.WithLabelValues("hold", "failed").Inc()
		logging.Component(ctx, "payment").Error().Err(err).Str("slot_id", slotID.String()).Msg("release hold failed")
	}
}

// attemptCapture tries one capture. done is false only when a retry makes sense.
func (o *Orchestrator) attemptCapture(ctx context.Context, auth *Authorization) (done bool, err error) {
	ctx, span := o.startSpan(ctx, "capture", attribute.String("payment.intent_id", auth.PaymentIntentID))
	defer func() { endSpan(span, err) }()
	logger := logging.Component(ctx, "payment")

	_, err = o.gateway.Capture(ctx, auth.PaymentIntentID)
	auth.CaptureAttempts++

	switch {
	case err == nil, errors.Is(err, ErrIntentAlreadyCaptured):
		auth.Status = StatusCaptured
		auth.SagaState = SagaCaptured
		auth.NextCaptureAt = nil
		metrics.CaptureRetries.WithLabelValues("captured").Inc()
		metrics.SagaOutcomes.WithLabelValues(string(SagaCaptured)).Inc()
		if uerr := o.repo.Update(ctx, auth); uerr != nil {
			logger.Error().Err(uerr).Str("payment_intent_id", auth.PaymentIntentID).Msg("payment captured but not saved")
		}
		logger.Info().Str("payment_intent_id", auth.PaymentIntentID).Msg("payment captured")
		return true, nil

	case errors.Is(err, ErrIntentAlreadyCancelled), errors.Is(err, ErrIntentNotFound):
		auth.Status = StatusCancelled
		auth.NextCaptureAt = nil
		metrics.CaptureRetries.WithLabelValues("abandoned").Inc()
		logger.Error().Err(err).Str("payment_intent_id", auth.PaymentIntentID).Msg("booked slot has no capturable payment")
		if uerr := o.repo.Update(ctx, auth); uerr != nil {
			logger.Error().Err(uerr).Str("payment_intent_id", auth.PaymentIntentID).Msg("save abandoned capture failed")
		}
		return true, ErrSagaInconsistency.WithCause(err)
	}

	next := o.now().Add(o.captureDelay(auth.CaptureAttempts))
	auth.NextCaptureAt = &next
	metrics.CaptureRetries.WithLabelValues("failed").Inc()
	logger.Warn().Err(err).
		Str("payment_intent_id", auth.PaymentIntentID).
		Int("attempts", auth.CaptureAttempts).
		Msg("capture failed, booking stands")
	if uerr := o.repo.Update(ctx, auth); uerr != nil {
		logger.Error().Err(uerr).Str("payment_intent_id", auth.PaymentIntentID).Msg("save capture attempt failed")
	}
	return false, err
}

func (o *Orchestrator) captureDelay(attempts int) time.Duration {
	d := o.cfg.CaptureBaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}

// retryCapture retries a failed capture on an exponential schedule until
// CaptureMaxAttempts captures have been tried. When the attempts run out the
// row keeps its next_capture_at for the sweep.
func (o *Orchestrator) retryCapture(ctx context.Context, intentID string) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.CaptureBaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	// the first attempt already ran in Book
	retries := o.cfg.CaptureMaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)

	for {
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			logging.Component(ctx, "payment").Warn().Str("payment_intent_id", intentID).Msg("capture retries exhausted, left for the sweep")
			return
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		auth, err := o.repo.Get(ctx, intentID)
		if err != nil || auth.SagaState != SagaBooked || auth.Status != StatusAuthorized {
			return
		}
		if done, _ := o.attemptCapture(ctx, auth); done {
			return
		}
	}
}

// CancelPayment cancels an authorization that has not been booked. Calling it
// again, or on a captured payment, reports the terminal status without error.
// The saga is claimed as reversed first so a concurrent Book stops.
func (o *Orchestrator) CancelPayment(ctx context.Context, intentID, reason string) (_ Status, err error) {
	ctx, span := o.startSpan(ctx, "cancel", attribute.String("payment.intent_id", intentID))
	defer func() { endSpan(span, err) }()
	logger := logging.Component(ctx, "payment")

	if reason == "" {
		reason = ReasonRequestedByCustomer
	}

	auth, err := o.repo.Get(ctx, intentID)
	if err != nil {
		return "", err
	}
	if auth.Status.Terminal() {
		logger.Info().Str("payment_intent_id", intentID).Str("status", string(auth.Status)).Msg("payment already terminal")
		return auth.Status, nil
	}
	if cancelBlocked(auth.SagaState) {
		return auth.Status, ErrCancelBookedSaga
	}

	if auth.SagaState != SagaFailedAndReversed {
		auth.SagaState = SagaFailedAndReversed
		auth.Reason = reason
		if err := o.repo.Update(ctx, auth); err != nil {
			if !errors.Is(err, ErrStaleAuthorization) {
				return "", err
			}
			cur, gerr := o.repo.Get(ctx, intentID)
			if gerr != nil {
				return "", gerr
			}
			if cur.Status.Terminal() {
				return cur.Status, nil
			}
			if cancelBlocked(cur.SagaState) {
				return cur.Status, ErrCancelBookedSaga
			}
			return cur.Status, err
		}
	}

	_, err = o.gateway.Cancel(ctx, intentID, reason)
	switch {
	case err == nil, errors.Is(err, ErrIntentAlreadyCancelled):
		auth.Status = StatusCancelled
	case errors.Is(err, ErrIntentAlreadyCaptured):
		auth.Status = StatusCaptured
	default:
		return auth.Status, err
	}

	if auth.Status == StatusCancelled {
		o.relinquish(ctx, auth.SlotID, auth.LockToken)
		auth.SagaState = SagaFailedAndReversed
		auth.Reason = reason
	}

	if err := o.repo.Update(ctx, auth); err != nil {
		if !errors.Is(err, ErrStaleAuthorization) {
			return "", err
		}
		cur, gerr := o.repo.Get(ctx, intentID)
		if gerr != nil {
			return "", gerr
		}
		return cur.Status, nil
	}
	logger.Info().Str("payment_intent_id", intentID).Str("status", string(auth.Status)).Str("reason", reason).Msg("payment cancelled")
	return auth.Status, nil
}

func cancelBlocked(s SagaState) bool {
	return s == SagaBooking || s == SagaBooked || s == SagaCaptured
}

// Reconcile is the periodic sweep: it settles authorizations whose hold
// expired before booking, retries due captures, then reclaims expired holds.
// A saga whose slot is booked under its token is rolled forward, any other
// is reversed.
func (o *Orchestrator) Reconcile(ctx context.Context) (ReconcileReport, error) {
	ctx, span := o.startSpan(ctx, "reconcile")
	defer span.End()
	logger := logging.Component(ctx, "payment")

	var rep ReconcileReport
	now := o.now()

	dangling, err := o.repo.ListDanglingAuthorized(ctx, now, sweepBatch)
	if err != nil {
		return rep, fmt.Errorf("list dangling authorizations: %w", err)
	}
	for i := range dangling {
		auth := &dangling[i]
		if auth.SagaState != SagaFailedAndReversed && o.bookedBy(ctx, auth) {
			auth.SagaState = SagaBooked
			auth.Reason = ""
			if err := o.repo.Update(ctx, auth); err != nil {
				logger.Error().Err(err).Str("payment_intent_id", auth.PaymentIntentID).Msg("roll saga forward failed")
				continue
			}
			rep.RolledForward++
			logger.Warn().Str("payment_intent_id", auth.PaymentIntentID).Msg("saga rolled forward from booked slot")
			if done, err := o.attemptCapture(ctx, auth); done && err == nil {
				rep.Captured++
			} else if err != nil {
				rep.CaptureFailures++
			}
			continue
		}
		o.compensate(ctx, auth, ReasonLeaseExpired, auth.ExternalBookingID)
		if auth.Status == StatusCancelled {
			rep.Cancelled++
		}
	}

	due, err := o.repo.ListDueCaptures(ctx, now, sweepBatch)
	if err != nil {
		return rep, fmt.Errorf("list due captures: %w", err)
	}
	for i := range due {
		if done, err := o.attemptCapture(ctx, &due[i]); done && err == nil {
			rep.Captured++
		} else if err != nil {
			rep.CaptureFailures++
		}
	}

	rep.Reclaimed, err = o.engine.ReclaimExpired(ctx)
	if err != nil {
		return rep, err
	}

	if rep != (ReconcileReport{}) {
		logger.Info().
			Int("cancelled", rep.Cancelled).
			Int("rolled_forward", rep.RolledForward).
			Int("captured", rep.Captured).
			Int("capture_failures", rep.CaptureFailures).
			Int("reclaimed", rep.Reclaimed).
			Msg("reconciliation sweep")
	}
	return rep, nil
}
