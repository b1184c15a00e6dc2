package checkout

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/checkout-core/pkg/enums"
)

func paymentSucceededEvent(t *testing.T, eventID string, checkoutID string, paymentIntentID string) *stripe.Event {
	t.Helper()
	intent := map[string]any{
		"id":       paymentIntentID,
		"object":   "payment_intent",
		"metadata": map[string]any{"checkoutId": checkoutID},
	}
	raw, err := json.Marshal(intent)
	require.NoError(t, err)

	return &stripe.Event{
		ID:   eventID,
		Type: stripe.EventTypePaymentIntentSucceeded,
		Data: &stripe.EventData{Raw: raw},
	}
}

// TestHandleWebhookEvent_ReplaySameEvent covers scenario 3 and property P7:
// the same payment_intent.succeeded delivery arriving three times drives the
// PMS write sequence exactly once and lands on a single PAID->BOOKED entry.
func TestHandleWebhookEvent_ReplaySameEvent(t *testing.T) {
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
	_, err = svc.CreateHold(context.Background(), created.ID, "hold-key")
	require.NoError(t, err)
	_, _, err = svc.CreatePaymentIntent(context.Background(), created.ID, "intent-key")
	require.NoError(t, err)

	stored, err := repo.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.PMSReservationID)

	event := paymentSucceededEvent(t, "evt_1", created.ID.String(), "pi_x")

	for i := 0; i < 3; i++ {
		alreadyProcessed, dispatchErr := svc.HandleWebhookEvent(context.Background(), event)
		require.NoError(t, dispatchErr)
		if i == 0 {
			assert.False(t, alreadyProcessed, "first delivery should dispatch")
		} else {
			assert.True(t, alreadyProcessed, "replayed delivery %d should be deduped", i)
		}
	}

	assert.EqualValues(t, 1, pms.updateCalls, "reservation should be marked booked exactly once")
	assert.EqualValues(t, 1, pms.registerCalls, "payment should be registered exactly once")

	final, err := repo.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.CheckoutStateBooked, final.State)
	assert.NotNil(t, final.PMSBookingCode)
	assert.Equal(t, "B42", *final.PMSBookingCode)

	bookedTransitions := 0
	for _, entry := range final.StateHistory {
		if entry.To == enums.CheckoutStateBooked {
			bookedTransitions++
		}
	}
	assert.Equal(t, 1, bookedTransitions, "exactly one PAID->BOOKED history entry")
}

// TestHandleWebhookEvent_MissingCheckoutMetadata exercises the validation
// guard on payment_intent.succeeded events with no checkoutId metadata.
func TestHandleWebhookEvent_MissingCheckoutMetadata(t *testing.T) {
	repo := newFakeCheckoutRepo()
	sm := NewStateMachine(repo)
	pms := &fakePMS{}
	psp := &fakePSP{}
	idem := newFakeIdempotency()
	svc := newTestService(repo, sm, idem, pms, psp)

	raw, err := json.Marshal(map[string]any{"id": "pi_orphan", "object": "payment_intent"})
	require.NoError(t, err)
	event := &stripe.Event{ID: "evt_orphan", Type: stripe.EventTypePaymentIntentSucceeded, Data: &stripe.EventData{Raw: raw}}

	alreadyProcessed, err := svc.HandleWebhookEvent(context.Background(), event)
	require.Error(t, err)
	assert.False(t, alreadyProcessed)
}

// TestHandleWebhookEvent_UnhandledEventTypeIsANoop mirrors dispatch's default
// branch: event types the orchestrator doesn't act on still get marked
// processed so a retry storm from the PSP can't pile up.
func TestHandleWebhookEvent_UnhandledEventTypeIsANoop(t *testing.T) {
	repo := newFakeCheckoutRepo()
	sm := NewStateMachine(repo)
	pms := &fakePMS{}
	psp := &fakePSP{}
	idem := newFakeIdempotency()
	svc := newTestService(repo, sm, idem, pms, psp)

	raw, err := json.Marshal(map[string]any{"id": "ch_1", "object": "charge"})
	require.NoError(t, err)
	event := &stripe.Event{ID: "evt_unhandled", Type: "charge.succeeded", Data: &stripe.EventData{Raw: raw}}

	alreadyProcessed, err := svc.HandleWebhookEvent(context.Background(), event)
	require.NoError(t, err)
	assert.False(t, alreadyProcessed)

	alreadyProcessed, err = svc.HandleWebhookEvent(context.Background(), event)
	require.NoError(t, err)
	assert.True(t, alreadyProcessed)

	assert.EqualValues(t, 0, pms.updateCalls)
	assert.EqualValues(t, 0, pms.registerCalls)
}
