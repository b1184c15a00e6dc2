package checkout

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/checkout-core/pkg/config"
	"github.com/angelmondragon/checkout-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/checkout-core/pkg/errors"
)

// fakeCheckoutRepo is an in-memory stand-in for the document store gateway,
// grounded on the stub Repository pattern the teacher uses for its orders
// orchestrator tests. It satisfies both checkoutRepo (for Service) and
// stateMachineRepo (for a real *StateMachine), so a transition's validation
// runs exactly as production does without a SQL backend.
type fakeCheckoutRepo struct {
	txMu sync.Mutex
	mu   sync.Mutex
	rows map[uuid.UUID]*Checkout
}

func newFakeCheckoutRepo() *fakeCheckoutRepo {
	return &fakeCheckoutRepo{rows: map[uuid.UUID]*Checkout{}}
}

// RunTransaction holds a single writer lock for the call, the same
// serialization guarantee SERIALIZABLE + row locking gives the real
// Postgres-backed gateway, without needing per-row lock bookkeeping that a
// fake can't safely release on every early-return error path.
func (r *fakeCheckoutRepo) RunTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	return fn(&gorm.DB{})
}

func (r *fakeCheckoutRepo) Create(ctx context.Context, tx *gorm.DB, checkout *Checkout) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if checkout.ID == uuid.Nil {
		checkout.ID = uuid.New()
	}
	cp := *checkout
	r.rows[checkout.ID] = &cp
	return nil
}

func (r *fakeCheckoutRepo) Get(ctx context.Context, id uuid.UUID) (*Checkout, error) {
	r.mu.Lock()
	row, ok := r.rows[id]
	r.mu.Unlock()
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "checkout not found")
	}
	cp := *row
	return &cp, nil
}

// GetForUpdateTx is called from inside RunTransaction, whose writer lock
// already serializes transactions; r.mu only guards the map read.
func (r *fakeCheckoutRepo) GetForUpdateTx(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*Checkout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "checkout not found")
	}
	return row, nil
}

func (r *fakeCheckoutRepo) ApplyUpdatesTx(ctx context.Context, tx *gorm.DB, checkout *Checkout, updates map[string]any) error {
	if err := applyTypedUpdates(checkout, updates); err != nil {
		return err
	}
	r.mu.Lock()
	r.rows[checkout.ID] = checkout
	r.mu.Unlock()
	return nil
}

func (r *fakeCheckoutRepo) UpdateGuestTx(ctx context.Context, tx *gorm.DB, checkoutID uuid.UUID, guest GuestInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[checkoutID]
	if !ok {
		return pkgerrors.New(pkgerrors.CodeNotFound, "checkout not found")
	}
	row.Guest = &guest
	return nil
}

// fakePMS stubs the property management adapter; every write method records
// its call so tests can assert on write counts (P6, P9).
type fakePMS struct {
	mu                 sync.Mutex
	listing            *ListingDetail
	price              *PriceQuote
	reservationID      string
	bookingCode        string
	createCalls        int32
	updateCalls        int32
	cancelCalls        int32
	registerCalls      int32
	getReservationErr  error
	createReservation  func(req CreateReservationRequest) (*Reservation, error)
	cancelReservations []string
}

func (p *fakePMS) GetListingDetail(ctx context.Context, listingID string) (*ListingDetail, error) {
	if p.listing != nil {
		return p.listing, nil
	}
	return &ListingDetail{ListingID: listingID, Name: "Test Listing"}, nil
}

func (p *fakePMS) CalculatePrice(ctx context.Context, req CalculatePriceRequest) (*PriceQuote, error) {
	if p.price != nil {
		return p.price, nil
	}
	return &PriceQuote{Total: 120000, Currency: "USD", Subtotal: 100000, CleaningFee: 10000, ServiceFee: 5000, Taxes: 5000}, nil
}

func (p *fakePMS) CreateReservation(ctx context.Context, req CreateReservationRequest) (*Reservation, error) {
	atomic.AddInt32(&p.createCalls, 1)
	if p.createReservation != nil {
		return p.createReservation(req)
	}
	id := p.reservationID
	if id == "" {
		id = "R1"
	}
	return &Reservation{ReservationID: id, Type: ReservationReserved}, nil
}

func (p *fakePMS) UpdateReservation(ctx context.Context, reservationID string, patch map[string]any) (*Reservation, error) {
	atomic.AddInt32(&p.updateCalls, 1)
	return &Reservation{ReservationID: reservationID, Type: ReservationBooked}, nil
}

func (p *fakePMS) CancelReservation(ctx context.Context, reservationID string) error {
	atomic.AddInt32(&p.cancelCalls, 1)
	p.mu.Lock()
	p.cancelReservations = append(p.cancelReservations, reservationID)
	p.mu.Unlock()
	return nil
}

func (p *fakePMS) GetReservation(ctx context.Context, reservationID string) (*Reservation, error) {
	if p.getReservationErr != nil {
		return nil, p.getReservationErr
	}
	code := p.bookingCode
	if code == "" {
		code = "B42"
	}
	return &Reservation{ReservationID: reservationID, Type: ReservationBooked, BookingCode: code}, nil
}

func (p *fakePMS) RegisterPayment(ctx context.Context, reservationID string, req RegisterPaymentRequest) error {
	atomic.AddInt32(&p.registerCalls, 1)
	return nil
}

// fakePSP stubs the payment processor adapter.
type fakePSP struct {
	createCalls int32
	intentID    string
	clientSec   string
}

func (p *fakePSP) CreatePaymentIntent(ctx context.Context, req CreatePaymentIntentRequest) (*PaymentIntentResult, error) {
	atomic.AddInt32(&p.createCalls, 1)
	id := p.intentID
	if id == "" {
		id = "pi_1"
	}
	sec := p.clientSec
	if sec == "" {
		sec = "cs_test"
	}
	return &PaymentIntentResult{PaymentIntentID: id, ClientSecret: sec, Status: "requires_payment_method"}, nil
}

func (p *fakePSP) RetrievePaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntentResult, error) {
	return &PaymentIntentResult{PaymentIntentID: paymentIntentID, ClientSecret: "cs_test", Status: "requires_payment_method"}, nil
}

// fakeIdempotency is a minimal in-memory C4 stand-in: enough to exercise the
// orchestrator's idempotency-wait retry loop (P6) without a real unique
// constraint.
type fakeIdempotency struct {
	mu            sync.Mutex
	reserved      map[string]*fakeIdemEntry
	byReservation map[uuid.UUID]*fakeIdemEntry
}

type fakeIdemEntry struct {
	done   bool
	status int
	body   []byte
}

func newFakeIdempotency() *fakeIdempotency {
	return &fakeIdempotency{
		reserved:      map[string]*fakeIdemEntry{},
		byReservation: map[uuid.UUID]*fakeIdemEntry{},
	}
}

func idemMapKey(route, key string) string { return route + "|" + key }

func (f *fakeIdempotency) RequestIdempotency(ctx context.Context, tx *gorm.DB, route, key string, checkoutID *uuid.UUID, requestHash string, required bool) (*IdempotencyOutcome, error) {
	if key == "" {
		if required {
			return nil, pkgerrors.New(pkgerrors.CodeIdempotencyKeyRequired, "Idempotency-Key header required")
		}
		return &IdempotencyOutcome{}, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	mapKey := idemMapKey(route, key)
	entry, ok := f.reserved[mapKey]
	if ok {
		if !entry.done {
			return nil, pkgerrors.New(pkgerrors.CodeIdempotency, "a request with this idempotency key is already in flight")
		}
		return &IdempotencyOutcome{Hit: true, CachedStatus: entry.status, CachedBody: entry.body}, nil
	}
	entry = &fakeIdemEntry{}
	f.reserved[mapKey] = entry
	reservationID := uuid.New()
	f.byReservation[reservationID] = entry
	return &IdempotencyOutcome{reservationID: reservationID}, nil
}

// Capture marks the reservation done so a peer waiting on the same key sees
// a cache hit on its next retry, mirroring the real service's fire-once
// completion write.
func (f *fakeIdempotency) Capture(ctx context.Context, tx *gorm.DB, outcome *IdempotencyOutcome, status int, body []byte) {
	if outcome == nil || outcome.reservationID == uuid.Nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.byReservation[outcome.reservationID]; ok {
		entry.done = true
		entry.status = status
		entry.body = body
	}
}

func (f *fakeIdempotency) BindCheckout(ctx context.Context, tx *gorm.DB, outcome *IdempotencyOutcome, checkoutID uuid.UUID) error {
	return nil
}

func (f *fakeIdempotency) WebhookIdempotency(ctx context.Context, tx *gorm.DB, provider, eventID, eventType string, payload []byte, checkoutID *uuid.UUID) (*WebhookOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mapKey := idemMapKey(provider, eventID)
	entry, ok := f.reserved[mapKey]
	if !ok {
		entry = &fakeIdemEntry{}
		f.reserved[mapKey] = entry
	}
	id := uuid.New()
	f.byReservation[id] = entry
	return &WebhookOutcome{Processed: entry.done, id: id}, nil
}

// MarkProcessed marks the delivery's entry done so a later delivery of the
// same event id reports Processed.
func (f *fakeIdempotency) MarkProcessed(ctx context.Context, tx *gorm.DB, outcome *WebhookOutcome) error {
	if outcome == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.byReservation[outcome.id]; ok {
		entry.done = true
	}
	return nil
}

func (f *fakeIdempotency) Abandon(ctx context.Context, tx *gorm.DB, outcome *WebhookOutcome) error {
	return nil
}

func newTestService(repo *fakeCheckoutRepo, sm transitioner, idem idempotencyGateway, pms pmsGateway, psp pspGateway) *Service {
	return &Service{
		repo: repo,
		sm:   sm,
		idem: idem,
		pms:  pms,
		psp:  psp,
		cfg:  config.CheckoutConfig{HoldTTLMinutes: 15, QuoteTTLMinutes: 30},
		now:  time.Now,
	}
}

func testGuest() GuestInfo {
	return GuestInfo{FirstName: "Ana", LastName: "Diaz", Email: "ana@x.com"}
}

func initInput(t *testing.T) InitializeInput {
	t.Helper()
	today := time.Now().UTC()
	checkIn := today.AddDate(0, 0, 10).Format(dateLayout)
	checkOut := today.AddDate(0, 0, 13).Format(dateLayout)
	return InitializeInput{
		ListingID: "L1",
		CheckIn:   checkIn,
		CheckOut:  checkOut,
		Guests:    Guests{Adults: 2, Children: 1},
	}
}

// TestHappyPath covers scenario 1: initialize -> guest -> hold -> payment
// intent -> webhook succeeded -> finalize.
func TestHappyPath(t *testing.T) {
	repo := newFakeCheckoutRepo()
	sm := NewStateMachine(repo)
	pms := &fakePMS{}
	psp := &fakePSP{}
	idem := newFakeIdempotency()
	svc := newTestService(repo, sm, idem, pms, psp)

	created, err := svc.InitializeCheckout(context.Background(), initInput(t))
	require.NoError(t, err)
	assert.Equal(t, enums.CheckoutStateInitiated, created.State)
	assert.Equal(t, int64(120000), created.Quote.Total)

	_, err = svc.UpdateGuestInfo(context.Background(), created.ID, testGuest())
	require.NoError(t, err)

	held, err := svc.CreateHold(context.Background(), created.ID, "K1")
	require.NoError(t, err)
	assert.Equal(t, enums.CheckoutStateHoldCreated, held.State)
	require.NotNil(t, held.PMSReservationID)
	assert.Equal(t, "R1", *held.PMSReservationID)

	withIntent, clientSecret, err := svc.CreatePaymentIntent(context.Background(), created.ID, "K2")
	require.NoError(t, err)
	assert.Equal(t, enums.CheckoutStatePaymentCreated, withIntent.State)
	assert.Equal(t, "cs_test", clientSecret)
	require.NotNil(t, withIntent.PSPPaymentIntentID)

	// P5: the client secret is never persisted on the document.
	stored, err := repo.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.PSPPaymentIntentID)
	assert.Equal(t, "pi_1", *stored.PSPPaymentIntentID)
	assert.NotEqual(t, clientSecret, *stored.PSPPaymentIntentID)

	err = svc.HandlePaymentSucceeded(context.Background(), created.ID, "pi_1")
	require.NoError(t, err)

	final, err := svc.GetCheckout(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.CheckoutStateBooked, final.State)
	require.NotNil(t, final.PMSBookingCode)
	assert.Equal(t, "B42", *final.PMSBookingCode)

	result, err := svc.WaitForConfirmation(context.Background(), created.ID, time.Second)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.Pending)
	require.NotNil(t, result.BookingCode)
	assert.Equal(t, "B42", *result.BookingCode)
}

// TestCreateHold_ConcurrentSameKey_SingleReservation covers scenario 2 and
// property P6: two concurrent createHold calls under the same idempotency
// key must only call the PMS once and converge on the same checkout.
func TestCreateHold_ConcurrentSameKey_SingleReservation(t *testing.T) {
	repo := newFakeCheckoutRepo()
	sm := NewStateMachine(repo)
	pms := &fakePMS{}
	psp := &fakePSP{}
	idem := newFakeIdempotency()
	svc := newTestService(repo, sm, idem, pms, psp)

	created, err := svc.InitializeCheckout(context.Background(), initInput(t))
	require.NoError(t, err)
	_, err = svc.UpdateGuestInfo(context.Background(), created.ID, testGuest())
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*Checkout, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.CreateHold(context.Background(), created.ID, "K1")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoErrorf(t, err, "request %d", i)
	}
	assert.Equal(t, int32(1), pms.createCalls, "expected exactly one PMS createReservation call")
	assert.Equal(t, results[0].State, results[1].State)
	assert.Equal(t, results[0].PMSReservationID, results[1].PMSReservationID)
}

// TestHandlePaymentSucceeded_HoldExpiredFirst covers scenario 4 and
// property P9: once the sweeper has moved the checkout to EXPIRED and
// canceled its reservation, a late payment_intent.succeeded webhook must
// not re-transition state or issue further PMS calls.
func TestHandlePaymentSucceeded_HoldExpiredFirst(t *testing.T) {
	repo := newFakeCheckoutRepo()
	sm := NewStateMachine(repo)
	pms := &fakePMS{}
	psp := &fakePSP{}
	idem := newFakeIdempotency()
	svc := newTestService(repo, sm, idem, pms, psp)

	created, err := svc.InitializeCheckout(context.Background(), initInput(t))
	require.NoError(t, err)
	_, err = svc.UpdateGuestInfo(context.Background(), created.ID, testGuest())
	require.NoError(t, err)
	held, err := svc.CreateHold(context.Background(), created.ID, "K1")
	require.NoError(t, err)
	_, _, err = svc.CreatePaymentIntent(context.Background(), created.ID, "K2")
	require.NoError(t, err)

	// Simulate the sweeper: cancel the reservation and force EXPIRED.
	require.NoError(t, pms.CancelReservation(context.Background(), *held.PMSReservationID))
	err = repo.RunTransaction(context.Background(), func(tx *gorm.DB) error {
		_, err := sm.TryTransition(context.Background(), tx, created.ID, enums.CheckoutStateExpired, TransitionInput{
			Actor:  ActorSystem,
			Reason: "Hold TTL exceeded",
		})
		return err
	})
	require.NoError(t, err)

	beforeUpdate := pms.updateCalls
	beforeRegister := pms.registerCalls

	err = svc.HandlePaymentSucceeded(context.Background(), created.ID, "pi_1")
	require.NoError(t, err)

	final, err := svc.GetCheckout(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.CheckoutStateExpired, final.State)
	assert.Equal(t, beforeUpdate, pms.updateCalls, "no reservation update after a lost race")
	assert.Equal(t, beforeRegister, pms.registerCalls, "no payment registration after a lost race")
	assert.Equal(t, int32(1), pms.cancelCalls)
}

// TestCancelCheckout_ThenPaymentIntentRejected covers scenario 5.
func TestCancelCheckout_ThenPaymentIntentRejected(t *testing.T) {
	repo := newFakeCheckoutRepo()
	sm := NewStateMachine(repo)
	pms := &fakePMS{}
	psp := &fakePSP{}
	idem := newFakeIdempotency()
	svc := newTestService(repo, sm, idem, pms, psp)

	created, err := svc.InitializeCheckout(context.Background(), initInput(t))
	require.NoError(t, err)
	_, err = svc.UpdateGuestInfo(context.Background(), created.ID, testGuest())
	require.NoError(t, err)
	_, err = svc.CreateHold(context.Background(), created.ID, "K1")
	require.NoError(t, err)

	canceled, err := svc.CancelCheckout(context.Background(), created.ID, "guest changed plans")
	require.NoError(t, err)
	assert.Equal(t, enums.CheckoutStateCanceled, canceled.State)
	assert.Equal(t, int32(1), pms.cancelCalls)

	_, _, err = svc.CreatePaymentIntent(context.Background(), created.ID, "K2")
	require.Error(t, err)
	apiErr := pkgerrors.As(err)
	require.NotNil(t, apiErr)
	assert.Equal(t, pkgerrors.CodeInvalidTransition, apiErr.Code())
}

// TestInitializeCheckout_PastCheckInRejected covers scenario 6.
func TestInitializeCheckout_PastCheckInRejected(t *testing.T) {
	repo := newFakeCheckoutRepo()
	sm := NewStateMachine(repo)
	pms := &fakePMS{}
	psp := &fakePSP{}
	idem := newFakeIdempotency()
	svc := newTestService(repo, sm, idem, pms, psp)

	input := initInput(t)
	input.CheckIn = time.Now().UTC().AddDate(0, 0, -1).Format(dateLayout)

	_, err := svc.InitializeCheckout(context.Background(), input)
	require.Error(t, err)
	apiErr := pkgerrors.As(err)
	require.NotNil(t, apiErr)
	assert.Equal(t, pkgerrors.CodeValidation, apiErr.Code())
}

// TestWaitForConfirmation_TimesOutPending exercises §7's timeout contract:
// a non-terminal checkout past the deadline reports pending, not failure.
func TestWaitForConfirmation_TimesOutPending(t *testing.T) {
	repo := newFakeCheckoutRepo()
	sm := NewStateMachine(repo)
	pms := &fakePMS{}
	psp := &fakePSP{}
	idem := newFakeIdempotency()
	svc := newTestService(repo, sm, idem, pms, psp)

	created, err := svc.InitializeCheckout(context.Background(), initInput(t))
	require.NoError(t, err)

	result, err := svc.WaitForConfirmation(context.Background(), created.ID, 1*time.Nanosecond)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.Pending)
	assert.Nil(t, result.BookingCode)
}
