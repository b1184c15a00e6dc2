package enums

import "fmt"

// CheckoutState tracks the lifecycle of a checkout aggregate.
type CheckoutState string

const (
	CheckoutStateInitiated      CheckoutState = "INITIATED"
	CheckoutStateHoldCreated    CheckoutState = "HOLD_CREATED"
	CheckoutStatePaymentCreated CheckoutState = "PAYMENT_CREATED"
	CheckoutStatePaid           CheckoutState = "PAID"
	CheckoutStateBooked         CheckoutState = "BOOKED"
	CheckoutStateCanceled       CheckoutState = "CANCELED"
	CheckoutStateExpired        CheckoutState = "EXPIRED"
	CheckoutStateFailed         CheckoutState = "FAILED"
)

var validCheckoutStates = []CheckoutState{
	CheckoutStateInitiated,
	CheckoutStateHoldCreated,
	CheckoutStatePaymentCreated,
	CheckoutStatePaid,
	CheckoutStateBooked,
	CheckoutStateCanceled,
	CheckoutStateExpired,
	CheckoutStateFailed,
}

// String implements fmt.Stringer.
func (s CheckoutState) String() string {
	return string(s)
}

// IsValid reports whether the value is a known CheckoutState.
func (s CheckoutState) IsValid() bool {
	for _, candidate := range validCheckoutStates {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseCheckoutState converts raw input into a CheckoutState.
func ParseCheckoutState(value string) (CheckoutState, error) {
	for _, candidate := range validCheckoutStates {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid checkout state %q", value)
}

// terminal reports whether no further transitions are permitted out of the
// state, except the single BOOKED->CANCELED exception handled by the state
// machine directly.
func (s CheckoutState) terminal() bool {
	switch s {
	case CheckoutStateBooked, CheckoutStateCanceled, CheckoutStateExpired, CheckoutStateFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the state is a sink under the normal transition
// graph (BOOKED, CANCELED, EXPIRED, FAILED).
func (s CheckoutState) Terminal() bool {
	return s.terminal()
}
