// Package holdsweep implements the Hold Expiration Engine (C8): a periodic
// sweep that releases abandoned inventory holds with bounded latency.
package holdsweep

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/checkout-core/internal/checkout"
	"github.com/angelmondragon/checkout-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/checkout-core/pkg/errors"
	"github.com/angelmondragon/checkout-core/pkg/logger"
	"github.com/angelmondragon/checkout-core/pkg/outbox"
	"github.com/angelmondragon/checkout-core/pkg/outbox/payloads"
)

// batchLimit bounds how many expirable checkouts a single sweep pass claims
// per state, so one slow PMS cancellation run never monopolizes the row
// lock queue (FindExpirableTx uses SKIP LOCKED).
const batchLimit = 100

// sweptStates lists the states whose hold can still be released. A checkout
// carries its holdExpiresAt from HOLD_CREATED forward into PAYMENT_CREATED
// without clearing it, so both states are swept identically.
var sweptStates = []enums.CheckoutState{
	enums.CheckoutStateHoldCreated,
	enums.CheckoutStatePaymentCreated,
}

type repository interface {
	RunTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error
	FindExpirableTx(ctx context.Context, tx *gorm.DB, state enums.CheckoutState, now time.Time, limit int) ([]checkout.Checkout, error)
}

type pmsCanceler interface {
	CancelReservation(ctx context.Context, reservationID string) error
}

// stateTransitioner is the state machine surface the sweep depends on.
// *checkout.StateMachine satisfies it; tests substitute a fake so the race
// against a concurrent transition can be simulated deterministically.
type stateTransitioner interface {
	TryTransition(ctx context.Context, tx *gorm.DB, checkoutID uuid.UUID, target enums.CheckoutState, input checkout.TransitionInput) (*checkout.Checkout, error)
}

// Result is the sweep outcome: expiredCount, errorCount.
type Result struct {
	ExpiredCount int
	ErrorCount   int
}

// Engine implements C8's sweep(state, now, limit) contract over the
// checkout document store, grounded on the teacher's internal/cron job
// shape (Name/Run, multierr-combined per-item failures).
type Engine struct {
	repo      repository
	sm        stateTransitioner
	pms       pmsCanceler
	outboxSvc *outbox.Service
	logg      *logger.Logger
	now       func() time.Time
}

// NewEngine builds the hold expiration engine.
func NewEngine(repo repository, sm stateTransitioner, pms pmsCanceler, outboxSvc *outbox.Service, logg *logger.Logger) *Engine {
	return &Engine{repo: repo, sm: sm, pms: pms, outboxSvc: outboxSvc, logg: logg, now: time.Now}
}

// Name satisfies internal/cron.Job so the sweep can also run unattended
// from cmd/cron-worker's ticker loop.
func (e *Engine) Name() string { return "hold-expiration-sweep" }

// Run satisfies internal/cron.Job.
func (e *Engine) Run(ctx context.Context) error {
	result, err := e.Sweep(ctx)
	if err != nil {
		return err
	}
	if e.logg != nil {
		e.logg.Info(e.logg.WithFields(ctx, map[string]any{
			"expired_count": result.ExpiredCount,
			"error_count":   result.ErrorCount,
		}), "hold expiration sweep complete")
	}
	return nil
}

// Sweep scans every swept state for holds past holdExpiresAt, cancels the
// PMS reservation, and transitions each to EXPIRED. A single checkout's
// failure never aborts the batch; failures are combined with multierr and
// reflected in ErrorCount.
func (e *Engine) Sweep(ctx context.Context) (Result, error) {
	var result Result
	var errs error

	for _, state := range sweptStates {
		count, sweepErr := e.sweepState(ctx, state)
		result.ExpiredCount += count
		if sweepErr != nil {
			errs = multierr.Append(errs, sweepErr)
		}
	}

	if errs != nil {
		result.ErrorCount = len(multierr.Errors(errs))
	}
	return result, nil
}

func (e *Engine) sweepState(ctx context.Context, state enums.CheckoutState) (int, error) {
	var expired int
	var errs error

	err := e.repo.RunTransaction(ctx, func(tx *gorm.DB) error {
		now := e.now().UTC()
		rows, err := e.repo.FindExpirableTx(ctx, tx, state, now, batchLimit)
		if err != nil {
			return err
		}

		for i := range rows {
			transitioned, err := e.expireOne(ctx, tx, &rows[i])
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if transitioned {
				expired++
			}
		}
		return nil
	})
	if err != nil {
		return expired, err
	}
	return expired, errs
}

func (e *Engine) expireOne(ctx context.Context, tx *gorm.DB, row *checkout.Checkout) (bool, error) {
	if row.PMSReservationID != nil {
		if err := e.pms.CancelReservation(ctx, *row.PMSReservationID); err != nil {
			apiErr := pkgerrors.As(err)
			if apiErr == nil || apiErr.Code() != pkgerrors.CodePMSClientError {
				return false, err
			}
		}
	}

	transitioned, err := e.sm.TryTransition(ctx, tx, row.ID, enums.CheckoutStateExpired, checkout.TransitionInput{
		Actor:  checkout.ActorSystem,
		Reason: "Hold TTL exceeded",
	})
	if err != nil {
		return false, err
	}
	if transitioned == nil {
		// Lost the race to a concurrent webhook moving this checkout past
		// the swept state between FindExpirableTx and here; not an error,
		// and not counted as expired.
		return false, nil
	}

	if e.outboxSvc != nil {
		emitErr := e.outboxSvc.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventCheckoutExpired,
			AggregateType: enums.AggregateCheckout,
			AggregateID:   row.ID,
			Actor:         &outbox.ActorRef{CheckoutID: row.ID, Role: string(checkout.ActorSystem)},
			Data: payloads.CheckoutStateSignalEvent{
				CheckoutID: row.ID,
				State:      enums.CheckoutStateExpired,
				OccurredAt: e.now().UTC(),
			},
		})
		if emitErr != nil && e.logg != nil {
			e.logg.Error(ctx, "outbox emit failed", emitErr)
		}
	}
	return true, nil
}
