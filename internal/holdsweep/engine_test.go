package holdsweep

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/checkout-core/internal/checkout"
	"github.com/angelmondragon/checkout-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/checkout-core/pkg/errors"
)

// fakeRepo is an in-memory stand-in for the document store gateway's sweep
// surface: FindExpirableTx over a fixed row set, RunTransaction as a plain
// passthrough since these tests don't exercise cross-goroutine contention.
type fakeRepo struct {
	rows []checkout.Checkout
}

func (r *fakeRepo) RunTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(&gorm.DB{})
}

func (r *fakeRepo) FindExpirableTx(ctx context.Context, tx *gorm.DB, state enums.CheckoutState, now time.Time, limit int) ([]checkout.Checkout, error) {
	var matched []checkout.Checkout
	for _, row := range r.rows {
		if row.State == state && row.HoldExpiresAt != nil && row.HoldExpiresAt.Before(now) {
			matched = append(matched, row)
		}
		if len(matched) >= limit {
			break
		}
	}
	return matched, nil
}

// fakePMSCanceler records every cancellation the sweep issues.
type fakePMSCanceler struct {
	mu        sync.Mutex
	canceled  []string
	returnErr error
}

func (p *fakePMSCanceler) CancelReservation(ctx context.Context, reservationID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canceled = append(p.canceled, reservationID)
	return p.returnErr
}

// fakeStateMachine stubs TryTransition. missOn holds checkout IDs the sweep
// must lose the race for, simulating a webhook that already moved the
// checkout past the swept state between FindExpirableTx and expireOne.
type fakeStateMachine struct {
	mu           sync.Mutex
	missOn       map[uuid.UUID]bool
	transitioned []uuid.UUID
}

func newFakeStateMachine() *fakeStateMachine {
	return &fakeStateMachine{missOn: map[uuid.UUID]bool{}}
}

func (m *fakeStateMachine) TryTransition(ctx context.Context, tx *gorm.DB, checkoutID uuid.UUID, target enums.CheckoutState, input checkout.TransitionInput) (*checkout.Checkout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.missOn[checkoutID] {
		return nil, nil
	}
	m.transitioned = append(m.transitioned, checkoutID)
	return &checkout.Checkout{ID: checkoutID, State: target}, nil
}

func expirableRow(id uuid.UUID, state enums.CheckoutState, reservationID string, expiredAgo time.Duration) checkout.Checkout {
	expiresAt := time.Now().UTC().Add(-expiredAgo)
	return checkout.Checkout{
		ID:               id,
		State:            state,
		PMSReservationID: &reservationID,
		HoldExpiresAt:    &expiresAt,
	}
}

// TestSweep_CancelsAndTransitionsExpiredHolds covers property P9: every
// EXPIRED transition the sweep produces is paired with a prior
// cancelReservation call on the same checkout.
func TestSweep_CancelsAndTransitionsExpiredHolds(t *testing.T) {
	idA := uuid.New()
	idB := uuid.New()
	repo := &fakeRepo{rows: []checkout.Checkout{
		expirableRow(idA, enums.CheckoutStateHoldCreated, "R-A", time.Minute),
		expirableRow(idB, enums.CheckoutStatePaymentCreated, "R-B", 2*time.Minute),
	}}
	pms := &fakePMSCanceler{}
	sm := newFakeStateMachine()
	engine := NewEngine(repo, sm, pms, nil, nil)

	result, err := engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.ExpiredCount)
	assert.Equal(t, 0, result.ErrorCount)

	assert.ElementsMatch(t, []string{"R-A", "R-B"}, pms.canceled)
	assert.ElementsMatch(t, []uuid.UUID{idA, idB}, sm.transitioned)
}

// TestSweep_LostRaceIsNotAnError covers P9/P10's expiry-race case: a checkout
// FindExpirableTx claimed but that a concurrent webhook already moved past
// the swept state produces neither an error nor a double-cancel.
func TestSweep_LostRaceIsNotAnError(t *testing.T) {
	winner := uuid.New()
	loser := uuid.New()
	repo := &fakeRepo{rows: []checkout.Checkout{
		expirableRow(winner, enums.CheckoutStateHoldCreated, "R-WIN", time.Minute),
		expirableRow(loser, enums.CheckoutStateHoldCreated, "R-LOSE", time.Minute),
	}}
	pms := &fakePMSCanceler{}
	sm := newFakeStateMachine()
	sm.missOn[loser] = true
	engine := NewEngine(repo, sm, pms, nil, nil)

	result, err := engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExpiredCount, "the lost-race checkout must not count as expired")
	assert.Equal(t, 0, result.ErrorCount, "losing the race is not a sweep error")

	assert.Contains(t, pms.canceled, "R-WIN")
	assert.Contains(t, pms.canceled, "R-LOSE", "cancellation is issued before the transition attempt regardless of outcome")
	assert.Equal(t, []uuid.UUID{winner}, sm.transitioned)
}

// TestSweep_OnlySweepsHoldCreatedAndPaymentCreated confirms a checkout past
// the swept states (e.g. already BOOKED) is never claimed by the sweep even
// if its stale holdExpiresAt is in the past.
func TestSweep_OnlySweepsHoldCreatedAndPaymentCreated(t *testing.T) {
	booked := uuid.New()
	repo := &fakeRepo{rows: []checkout.Checkout{
		expirableRow(booked, enums.CheckoutStateBooked, "R-BOOKED", time.Minute),
	}}
	pms := &fakePMSCanceler{}
	sm := newFakeStateMachine()
	engine := NewEngine(repo, sm, pms, nil, nil)

	result, err := engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExpiredCount)
	assert.Empty(t, pms.canceled)
	assert.Empty(t, sm.transitioned)
}

// TestSweep_PMSClientErrorStillTransitions asserts a dependency-level
// cancellation failure (e.g. the reservation was already released upstream)
// does not block the checkout from reaching EXPIRED: the hold TTL is
// authoritative even when the upstream cancel errors.
func TestSweep_PMSClientErrorStillTransitions(t *testing.T) {
	id := uuid.New()
	repo := &fakeRepo{rows: []checkout.Checkout{
		expirableRow(id, enums.CheckoutStateHoldCreated, "R-STALE", time.Minute),
	}}
	pms := &fakePMSCanceler{returnErr: pkgerrors.New(pkgerrors.CodePMSClientError, "reservation not found")}
	sm := newFakeStateMachine()
	engine := NewEngine(repo, sm, pms, nil, nil)

	result, err := engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExpiredCount)
	assert.Equal(t, 0, result.ErrorCount)
	assert.Equal(t, []uuid.UUID{id}, sm.transitioned)
}

// TestSweep_NonPMSClientCancelErrorAbortsThatRow asserts an unexpected
// cancellation error (not classified as a PMS client error) surfaces as a
// sweep error and blocks that row's transition, without affecting siblings.
func TestSweep_NonPMSClientCancelErrorAbortsThatRow(t *testing.T) {
	failing := uuid.New()
	ok := uuid.New()
	repo := &fakeRepo{rows: []checkout.Checkout{
		expirableRow(failing, enums.CheckoutStateHoldCreated, "R-FAIL", time.Minute),
		expirableRow(ok, enums.CheckoutStateHoldCreated, "R-OK", time.Minute),
	}}
	pms := &perReservationCanceler{failOn: map[string]error{"R-FAIL": pkgerrors.New(pkgerrors.CodeDependency, "pms unreachable")}}
	sm := newFakeStateMachine()
	engine := NewEngine(repo, sm, pms, nil, nil)

	result, err := engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExpiredCount)
	assert.Equal(t, 1, result.ErrorCount)
	assert.Equal(t, []uuid.UUID{ok}, sm.transitioned)
}

// perReservationCanceler fails cancellation only for reservation ids present
// in failOn, so a single bad row in a batch doesn't mask the rest.
type perReservationCanceler struct {
	mu     sync.Mutex
	failOn map[string]error
}

func (p *perReservationCanceler) CancelReservation(ctx context.Context, reservationID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failOn[reservationID]
}

// TestSweep_BatchLimitCapsPerState confirms a single pass never claims more
// than batchLimit rows for a given state.
func TestSweep_BatchLimitCapsPerState(t *testing.T) {
	var rows []checkout.Checkout
	for i := 0; i < batchLimit+10; i++ {
		rows = append(rows, expirableRow(uuid.New(), enums.CheckoutStateHoldCreated, "R", time.Minute))
	}
	repo := &fakeRepo{rows: rows}
	pms := &fakePMSCanceler{}
	sm := newFakeStateMachine()
	engine := NewEngine(repo, sm, pms, nil, nil)

	result, err := engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, batchLimit, result.ExpiredCount)
}
