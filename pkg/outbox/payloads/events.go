package payloads

import (
	"time"

	"github.com/angelmondragon/checkout-core/pkg/enums"
	"github.com/google/uuid"
)

// CheckoutInitializedEvent is emitted when a checkout aggregate is created.
type CheckoutInitializedEvent struct {
	CheckoutID uuid.UUID `json:"checkoutId"`
	ListingID  string    `json:"listingId"`
}

// CheckoutHoldCreatedEvent is emitted once a PMS reservation hold is bound.
type CheckoutHoldCreatedEvent struct {
	CheckoutID       uuid.UUID `json:"checkoutId"`
	PMSReservationID string    `json:"pmsReservationId"`
	HoldExpiresAt    time.Time `json:"holdExpiresAt"`
}

// CheckoutStateSignalEvent is the generic fan-out payload consumed by the
// pub/sub accelerator: any checkout transition worth waking up a waiter for.
type CheckoutStateSignalEvent struct {
	CheckoutID uuid.UUID           `json:"checkoutId"`
	State      enums.CheckoutState `json:"state"`
	OccurredAt time.Time           `json:"occurredAt"`
}

// CheckoutCanceledEvent is emitted on explicit or system cancellation.
type CheckoutCanceledEvent struct {
	CheckoutID uuid.UUID `json:"checkoutId"`
	Reason     string    `json:"reason,omitempty"`
	CanceledAt time.Time `json:"canceledAt"`
}

// CheckoutFailedEvent is emitted when the checkout lands in FAILED.
type CheckoutFailedEvent struct {
	CheckoutID uuid.UUID `json:"checkoutId"`
	Reason     string    `json:"reason,omitempty"`
	FailedAt   time.Time `json:"failedAt"`
}

// CheckoutBookedEvent is emitted once handlePaymentSucceeded lands the
// checkout in BOOKED with a PMS booking code in hand.
type CheckoutBookedEvent struct {
	CheckoutID     uuid.UUID `json:"checkoutId"`
	PMSBookingCode string    `json:"pmsBookingCode"`
	BookedAt       time.Time `json:"bookedAt"`
}
