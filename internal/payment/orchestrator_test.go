package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AntonyNeal/bloom-booking/internal/apperr"
	"github.com/AntonyNeal/bloom-booking/internal/availability"
	"github.com/AntonyNeal/bloom-booking/internal/reservation"
	"github.com/AntonyNeal/bloom-booking/internal/slot"
)

var nineAM = time.Date(2025, 12, 10, 9, 0, 0, 0, time.UTC)

var testConfig = Config{
	CaptureMaxAttempts:  3,
	CaptureBaseDelay:    time.Millisecond,
	CompensationTimeout: time.Second,
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	store   *slot.MemoryStore
	engine  *reservation.Engine
	gateway *SandboxGateway
	repo    *MemoryRepository
	orch    *Orchestrator
	clk     *clock
	slot    slot.Slot
}

func newHarness(t *testing.T, booking BookingSystem) *harness {
	t.Helper()
	h := &harness{
		store:   slot.NewMemoryStore(),
		gateway: NewSandboxGateway(),
		repo:    NewMemoryRepository(),
		clk:     &clock{now: nineAM.Add(-24 * time.Hour)},
	}
	h.slot = h.store.Put(slot.Slot{
		ExternalID:      "w-0900",
		ProviderID:      "P",
		StartUnix:       nineAM.Unix(),
		EndUnix:         nineAM.Add(time.Hour).Unix(),
		Status:          slot.StatusFree,
		IsBookable:      true,
		DurationMinutes: 60,
	})
	h.engine = reservation.NewEngine(h.store, reservation.Config{LeaseDuration: 10 * time.Minute}).WithClock(h.clk.Now)
	h.orch = NewOrchestrator(h.gateway, h.repo, h.engine, h.store, booking, testConfig).WithAsync(func(f func()) { f() })
	return h
}

// rebuild swaps the orchestrator's collaborators while keeping the harness clock and slot.
func (h *harness) rebuild(gw Gateway, slots slot.Store, repo Repository) {
	h.orch = NewOrchestrator(gw, repo, h.engine, slots, nil, testConfig).WithAsync(func(f func()) { f() })
}

func (h *harness) reserve(t *testing.T) *reservation.Hold {
	t.Helper()
	hold, err := h.engine.Reserve(context.Background(), reservation.Request{
		ProviderID:      "P",
		StartUnix:       nineAM.Unix(),
		EndUnix:         nineAM.Add(time.Hour).Unix(),
		DurationMinutes: 60,
		HolderID:        "patient-1",
	})
	require.NoError(t, err)
	return hold
}

func (h *harness) slotStatus(t *testing.T) slot.Status {
	t.Helper()
	s, err := h.store.GetSlot(context.Background(), h.slot.ID)
	require.NoError(t, err)
	return s.Status
}

func TestCheckout_CapturesAndBooks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	hold := h.reserve(t)

	auth, err := h.orch.Checkout(ctx, CheckoutRequest{SlotID: hold.SlotID, LockToken: hold.LockToken, Amount: 12000})
	require.NoError(t, err)
	assert.Equal(t, StatusCaptured, auth.Status)
	assert.Equal(t, SagaCaptured, auth.SagaState)
	assert.Equal(t, "aud", auth.Currency)
	assert.Equal(t, slot.StatusBooked, h.slotStatus(t))

	again, err := h.orch.Book(ctx, BookRequest{SlotID: hold.SlotID, LockToken: hold.LockToken, PaymentIntentID: auth.PaymentIntentID})
	require.NoError(t, err, "booking is idempotent")
	assert.Equal(t, SagaCaptured, again.SagaState)
}

func TestBook_LeaseExpiredReversesPayment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	hold := h.reserve(t)

	auth, err := h.orch.Authorize(ctx, AuthorizeRequest{SlotID: hold.SlotID, LockToken: hold.LockToken, Amount: 25000, Currency: "AUD"})
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, auth.Status)

	h.clk.Advance(11 * time.Minute)

	_, err = h.orch.Book(ctx, BookRequest{SlotID: hold.SlotID, LockToken: hold.LockToken, PaymentIntentID: auth.PaymentIntentID})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBookingFailed)

	stored, err := h.repo.Get(ctx, auth.PaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, stored.Status)
	assert.Equal(t, ReasonBookingFailed, stored.Reason)
	assert.Equal(t, SagaFailedAndReversed, stored.SagaState)

	intent, reason, ok := h.gateway.Intent(auth.PaymentIntentID)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, intent.Status)
	assert.Equal(t, int64(25000), intent.Amount)
	assert.Equal(t, ReasonBookingFailed, reason)

	assert.Equal(t, slot.StatusFree, h.slotStatus(t))
}

func TestAuthorize_FailureReleasesHold(t *testing.T) {
	h := newHarness(t, nil)
	hold := h.reserve(t)
	h.gateway.FailAuthorize(ErrPaymentDeclined)

	_, err := h.orch.Authorize(context.Background(), AuthorizeRequest{SlotID: hold.SlotID, LockToken: hold.LockToken, Amount: 25000})
	assert.ErrorIs(t, err, ErrPaymentFailed)
	assert.Equal(t, slot.StatusFree, h.slotStatus(t))
}

func TestAuthorize_RequiresValidHold(t *testing.T) {
	h := newHarness(t, nil)
	hold := h.reserve(t)

	_, err := h.orch.Authorize(context.Background(), AuthorizeRequest{SlotID: hold.SlotID, LockToken: "stolen", Amount: 100})
	assert.ErrorIs(t, err, reservation.ErrHoldInvalid)

	_, err = h.orch.Authorize(context.Background(), AuthorizeRequest{SlotID: hold.SlotID, LockToken: hold.LockToken})
	assert.ErrorIs(t, err, ErrInvalidPayment)
}

func TestCancelPayment_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	hold := h.reserve(t)

	auth, err := h.orch.Authorize(ctx, AuthorizeRequest{SlotID: hold.SlotID, LockToken: hold.LockToken, Amount: 5000})
	require.NoError(t, err)

	first, err := h.orch.CancelPayment(ctx, auth.PaymentIntentID, "")
	require.NoError(t, err)
	second, err := h.orch.CancelPayment(ctx, auth.PaymentIntentID, "")
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, first)
	assert.Equal(t, first, second)
	assert.Equal(t, slot.StatusFree, h.slotStatus(t), "cancelling before booking gives the slot back")
}

func TestCancelPayment_AfterCaptureReportsCaptured(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	hold := h.reserve(t)

	auth, err := h.orch.Checkout(ctx, CheckoutRequest{SlotID: hold.SlotID, LockToken: hold.LockToken, Amount: 5000})
	require.NoError(t, err)

	status, err := h.orch.CancelPayment(ctx, auth.PaymentIntentID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCaptured, status)
	assert.Equal(t, slot.StatusBooked, h.slotStatus(t))
}

func TestBook_CaptureRetriedInBackground(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	hold := h.reserve(t)
	h.gateway.FailCaptures(2)

	auth, err := h.orch.Checkout(ctx, CheckoutRequest{SlotID: hold.SlotID, LockToken: hold.LockToken, Amount: 5000})
	require.NoError(t, err, "capture failure never fails the booking")
	assert.Equal(t, slot.StatusBooked, h.slotStatus(t))

	stored, err := h.repo.Get(ctx, auth.PaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, StatusCaptured, stored.Status)
	assert.Equal(t, SagaCaptured, stored.SagaState)
	assert.Equal(t, 3, stored.CaptureAttempts)
	assert.Nil(t, stored.NextCaptureAt)
}

func TestReconcile_CapturesAfterRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	hold := h.reserve(t)
	h.gateway.FailCaptures(3)

	auth, err := h.orch.Checkout(ctx, CheckoutRequest{SlotID: hold.SlotID, LockToken: hold.LockToken, Amount: 5000})
	require.NoError(t, err)

	stored, err := h.repo.Get(ctx, auth.PaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.CaptureAttempts, "CaptureMaxAttempts bounds the captures tried, the first included")
	assert.Equal(t, SagaBooked, stored.SagaState)
	assert.Equal(t, StatusAuthorized, stored.Status)
	require.NotNil(t, stored.NextCaptureAt)

	_, err = h.orch.CancelPayment(ctx, auth.PaymentIntentID, "")
	assert.ErrorIs(t, err, ErrCancelBookedSaga)

	h.clk.Advance(time.Hour)
	rep, err := h.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Captured)

	stored, err = h.repo.Get(ctx, auth.PaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, StatusCaptured, stored.Status)
}

func TestReconcile_CancelsDanglingAuthorization(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	hold := h.reserve(t)

	auth, err := h.orch.Authorize(ctx, AuthorizeRequest{SlotID: hold.SlotID, LockToken: hold.LockToken, Amount: 5000})
	require.NoError(t, err)

	rep, err := h.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{}, rep, "nothing is due while the lease runs")

	h.clk.Advance(11 * time.Minute)
	rep, err = h.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Cancelled)

	stored, err := h.repo.Get(ctx, auth.PaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, stored.Status)
	assert.Equal(t, ReasonLeaseExpired, stored.Reason)
	assert.Equal(t, slot.StatusFree, h.slotStatus(t))
}

func TestReconcile_RetriesFailedCompensation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	hold := h.reserve(t)

	auth, err := h.orch.Authorize(ctx, AuthorizeRequest{SlotID: hold.SlotID, LockToken: hold.LockToken, Amount: 5000})
	require.NoError(t, err)

	h.clk.Advance(11 * time.Minute)
	h.gateway.FailCancel(ErrGatewayUnavailable)
	_, err = h.orch.Book(ctx, BookRequest{SlotID: hold.SlotID, LockToken: hold.LockToken, PaymentIntentID: auth.PaymentIntentID})
	assert.ErrorIs(t, err, ErrBookingFailed)

	stored, err := h.repo.Get(ctx, auth.PaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, stored.Status, "an uncancelled payment stays for the sweep")

	h.gateway.FailCancel(nil)
	rep, err := h.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Cancelled)
}

type stubBooking struct {
	confirmErr error
	onConfirm  func()
	cancelled  []string
}

func (b *stubBooking) ConfirmBooking(_ context.Context, slotExternalID, _ string) (string, error) {
	if b.onConfirm != nil {
		b.onConfirm()
	}
	if b.confirmErr != nil {
		return "", b.confirmErr
	}
	return "ext-" + slotExternalID, nil
}

func (b *stubBooking) CancelBooking(_ context.Context, bookingID, _ string) error {
	b.cancelled = append(b.cancelled, bookingID)
	return nil
}

func TestBook_ExternalBookingCancelledWhenSlotLost(t *testing.T) {
	ctx := context.Background()
	booking := &stubBooking{}
	h := newHarness(t, booking)
	booking.onConfirm = func() { h.clk.Advance(11 * time.Minute) }
	hold := h.reserve(t)

	_, err := h.orch.Checkout(ctx, CheckoutRequest{SlotID: hold.SlotID, LockToken: hold.LockToken, Amount: 5000})
	assert.ErrorIs(t, err, ErrBookingFailed)
	assert.Equal(t, []string{"ext-w-0900"}, booking.cancelled)
	assert.Equal(t, slot.StatusFree, h.slotStatus(t))
}

func TestBook_ExternalBookingFailure(t *testing.T) {
	ctx := context.Background()
	booking := &stubBooking{confirmErr: errors.New("calendar refused")}
	h := newHarness(t, booking)
	hold := h.reserve(t)

	auth, err := h.orch.Checkout(ctx, CheckoutRequest{SlotID: hold.SlotID, LockToken: hold.LockToken, Amount: 5000})
	assert.ErrorIs(t, err, ErrBookingFailed)
	require.NotNil(t, auth)
	assert.Equal(t, StatusCancelled, auth.Status)
	assert.Empty(t, booking.cancelled)
	assert.Equal(t, slot.StatusFree, h.slotStatus(t))
}

func TestBook_RejectsForeignHold(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	hold := h.reserve(t)

	auth, err := h.orch.Authorize(ctx, AuthorizeRequest{SlotID: hold.SlotID, LockToken: hold.LockToken, Amount: 5000})
	require.NoError(t, err)

	_, err = h.orch.Book(ctx, BookRequest{SlotID: hold.SlotID, LockToken: "other", PaymentIntentID: auth.PaymentIntentID})
	assert.ErrorIs(t, err, ErrHoldMismatch)
}

func TestBook_ExternalBookingUnavailableIsRetryable(t *testing.T) {
	ctx := context.Background()
	booking := &stubBooking{confirmErr: availability.ErrBookingRejected.WithCause(errors.New("calendar said 503 at https://calendar.internal"))}
	h := newHarness(t, booking)
	hold := h.reserve(t)

	auth, err := h.orch.Checkout(ctx, CheckoutRequest{SlotID: hold.SlotID, LockToken: hold.LockToken, Amount: 5000})
	assert.ErrorIs(t, err, ErrBookingUnavailable)
	assert.Equal(t, apperr.Upstream, apperr.KindOf(err))
	assert.NotContains(t, err.Error(), "calendar.internal")
	require.NotNil(t, auth)
	assert.Equal(t, SagaFailedAndReversed, auth.SagaState)
	assert.Equal(t, ReasonBookingFailed, auth.Reason)
}

// gatedStore parks the first held -> booked transition until release is closed.
type gatedStore struct {
	slot.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) Transition(ctx context.Context, req slot.TransitionRequest) (*slot.Slot, error) {
	if req.To == slot.StatusBooked {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return g.Store.Transition(ctx, req)
}

func TestBook_ConcurrentCallDoesNotReverseWinner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	gated := &gatedStore{Store: h.store, entered: make(chan struct{}), release: make(chan struct{})}
	h.rebuild(h.gateway, gated, h.repo)
	hold := h.reserve(t)

	auth, err := h.orch.Authorize(ctx, AuthorizeRequest{SlotID: hold.SlotID, LockToken: hold.LockToken, Amount: 5000})
	require.NoError(t, err)
	req := BookRequest{SlotID: hold.SlotID, LockToken: hold.LockToken, PaymentIntentID: auth.PaymentIntentID}

	type result struct {
		auth *Authorization
		err  error
	}
	first := make(chan result, 1)
	go func() {
		a, err := h.orch.Book(ctx, req)
		first <- result{a, err}
	}()
	<-gated.entered

	_, err = h.orch.Book(ctx, req)
	assert.ErrorIs(t, err, ErrBookingInProgress)
	_, err = h.orch.CancelPayment(ctx, auth.PaymentIntentID, "")
	assert.ErrorIs(t, err, ErrCancelBookedSaga)

	close(gated.release)
	res := <-first
	require.NoError(t, res.err)
	assert.Equal(t, SagaCaptured, res.auth.SagaState)

	intent, _, ok := h.gateway.Intent(auth.PaymentIntentID)
	require.True(t, ok)
	assert.Equal(t, StatusCaptured, intent.Status, "the losing call never cancels the payment")
	assert.Equal(t, slot.StatusBooked, h.slotStatus(t))

	again, err := h.orch.Book(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, SagaCaptured, again.SagaState)
}

// lossyStore books the slot but reports a failure, as a dropped connection would.
type lossyStore struct {
	slot.Store
}

func (l lossyStore) Transition(ctx context.Context, req slot.TransitionRequest) (*slot.Slot, error) {
	s, err := l.Store.Transition(ctx, req)
	if err == nil && req.To == slot.StatusBooked {
		return nil, errors.New("connection reset by peer")
	}
	return s, err
}

func TestBook_TransitionResultLostKeepsBooking(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.rebuild(h.gateway, lossyStore{Store: h.store}, h.repo)
	hold := h.reserve(t)

	auth, err := h.orch.Checkout(ctx, CheckoutRequest{SlotID: hold.SlotID, LockToken: hold.LockToken, Amount: 5000})
	require.NoError(t, err)
	assert.Equal(t, SagaCaptured, auth.SagaState)
	assert.Equal(t, slot.StatusBooked, h.slotStatus(t))
}

// flakyRepo fails the first n saves that mark a saga booked.
type flakyRepo struct {
	*MemoryRepository
	failBooked int
}

func (r *flakyRepo) Update(ctx context.Context, a *Authorization) error {
	if a.SagaState == SagaBooked && r.failBooked > 0 {
		r.failBooked--
		return errors.New("connection reset by peer")
	}
	return r.MemoryRepository.Update(ctx, a)
}

func TestReconcile_RollsForwardBookedSlot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	repo := &flakyRepo{MemoryRepository: h.repo, failBooked: 1}
	h.rebuild(h.gateway, h.store, repo)
	hold := h.reserve(t)

	auth, err := h.orch.Authorize(ctx, AuthorizeRequest{SlotID: hold.SlotID, LockToken: hold.LockToken, Amount: 5000})
	require.NoError(t, err)
	_, err = h.orch.Book(ctx, BookRequest{SlotID: hold.SlotID, LockToken: hold.LockToken, PaymentIntentID: auth.PaymentIntentID})
	assert.ErrorIs(t, err, ErrSagaInconsistency)
	assert.Equal(t, slot.StatusBooked, h.slotStatus(t))

	stored, err := h.repo.Get(ctx, auth.PaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, SagaBooking, stored.SagaState)

	h.clk.Advance(11 * time.Minute)
	rep, err := h.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.RolledForward)
	assert.Equal(t, 1, rep.Captured)
	assert.Zero(t, rep.Cancelled)

	stored, err = h.repo.Get(ctx, auth.PaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, StatusCaptured, stored.Status)
	assert.Equal(t, SagaCaptured, stored.SagaState)

	intent, _, ok := h.gateway.Intent(auth.PaymentIntentID)
	require.True(t, ok)
	assert.Equal(t, StatusCaptured, intent.Status, "a booked slot is never left without its payment")
	assert.Equal(t, slot.StatusBooked, h.slotStatus(t))
}
