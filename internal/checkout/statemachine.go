package checkout

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/checkout-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/checkout-core/pkg/errors"
)

var allowedTransitions = map[enums.CheckoutState][]enums.CheckoutState{
	enums.CheckoutStateInitiated:      {enums.CheckoutStateHoldCreated, enums.CheckoutStateCanceled, enums.CheckoutStateFailed},
	enums.CheckoutStateHoldCreated:    {enums.CheckoutStatePaymentCreated, enums.CheckoutStateExpired, enums.CheckoutStateCanceled, enums.CheckoutStateFailed},
	enums.CheckoutStatePaymentCreated: {enums.CheckoutStatePaid, enums.CheckoutStateExpired, enums.CheckoutStateCanceled, enums.CheckoutStateFailed},
	enums.CheckoutStatePaid:           {enums.CheckoutStateBooked, enums.CheckoutStateFailed},
	enums.CheckoutStateBooked:         {enums.CheckoutStateCanceled},
}

func isAllowed(from, to enums.CheckoutState) bool {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// reservedUpdateFields must never be set through TransitionInput.Updates;
// the state machine owns them.
var reservedUpdateFields = map[string]struct{}{
	"state":        {},
	"stateHistory": {},
	"updatedAt":    {},
}

// TransitionInput carries the side-channel arguments to Transition beyond
// the target state.
type TransitionInput struct {
	Actor   Actor
	Reason  string
	Updates map[string]any
}

// stateMachineRepo is the narrow slice of the document store gateway the
// state machine depends on. *Repository satisfies it; tests substitute an
// in-memory stub so Transition's validation runs without a real SQL
// backend.
type stateMachineRepo interface {
	GetForUpdateTx(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*Checkout, error)
	ApplyUpdatesTx(ctx context.Context, tx *gorm.DB, checkout *Checkout, updates map[string]any) error
}

// StateMachine implements C5: validated, atomic transitions over the
// checkout record plus its transition log.
type StateMachine struct {
	repo stateMachineRepo
	now  func() time.Time
}

// NewStateMachine builds a state machine bound to the document store
// gateway.
func NewStateMachine(repo stateMachineRepo) *StateMachine {
	return &StateMachine{repo: repo, now: time.Now}
}

// Transition loads the checkout inside tx, validates the requested move,
// appends a history entry, and persists the result. Steps follow §4.3
// exactly: missing -> NOT_FOUND, no-op on current==target, INVALID_TRANSITION
// on a disallowed or post-terminal move.
func (m *StateMachine) Transition(ctx context.Context, tx *gorm.DB, checkoutID uuid.UUID, target enums.CheckoutState, input TransitionInput) (*Checkout, error) {
	checkout, err := m.repo.GetForUpdateTx(ctx, tx, checkoutID)
	if err != nil {
		return nil, err
	}

	if checkout.State == target {
		return checkout, nil
	}

	if checkout.State.Terminal() && !(checkout.State == enums.CheckoutStateBooked && target == enums.CheckoutStateCanceled) {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidTransition, "checkout is in a terminal state").
			WithDetails(map[string]any{"from": checkout.State, "to": target})
	}
	if !isAllowed(checkout.State, target) {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidTransition, "transition is not permitted").
			WithDetails(map[string]any{"from": checkout.State, "to": target})
	}

	for key := range input.Updates {
		if _, reserved := reservedUpdateFields[key]; reserved {
			return nil, pkgerrors.New(pkgerrors.CodeInternal, "transition updates must not touch reserved fields").
				WithDetails(map[string]any{"field": key})
		}
	}

	now := m.now().UTC()
	entry := StateHistoryEntry{
		Seq:       len(checkout.StateHistory) + 1,
		From:      checkout.State,
		To:        target,
		Timestamp: now,
		Reason:    input.Reason,
		Actor:     input.Actor,
	}
	checkout.State = target
	checkout.StateHistory = append(checkout.StateHistory, entry)

	if err := m.repo.ApplyUpdatesTx(ctx, tx, checkout, input.Updates); err != nil {
		return nil, err
	}

	return checkout, nil
}

// TryTransition wraps Transition, swallowing INVALID_TRANSITION so callers
// (the expiry sweeper, a late webhook) can detect a lost race without
// treating it as a hard failure.
func (m *StateMachine) TryTransition(ctx context.Context, tx *gorm.DB, checkoutID uuid.UUID, target enums.CheckoutState, input TransitionInput) (*Checkout, error) {
	checkout, err := m.Transition(ctx, tx, checkoutID, target, input)
	if err != nil {
		if apiErr := pkgerrors.As(err); apiErr != nil && apiErr.Code() == pkgerrors.CodeInvalidTransition {
			return nil, nil
		}
		return nil, err
	}
	return checkout, nil
}

// seedHistory builds the initialize-time history anchor. It is the one
// intentional exception to I6: a same-state INITIATED->INITIATED entry so
// every checkout has a non-empty history from creation.
func seedHistory(actor Actor, reason string, at time.Time) StateHistory {
	return StateHistory{{
		Seq:       1,
		From:      enums.CheckoutStateInitiated,
		To:        enums.CheckoutStateInitiated,
		Timestamp: at,
		Reason:    reason,
		Actor:     actor,
	}}
}
