package checkout

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/checkout-core/pkg/enums"
)

// checkoutRepo is the document store gateway surface the orchestrator
// depends on. *Repository satisfies it; tests substitute an in-memory
// stub so orchestration logic is exercised without a real SQL backend.
type checkoutRepo interface {
	RunTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error
	Create(ctx context.Context, tx *gorm.DB, checkout *Checkout) error
	Get(ctx context.Context, id uuid.UUID) (*Checkout, error)
	GetForUpdateTx(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*Checkout, error)
	ApplyUpdatesTx(ctx context.Context, tx *gorm.DB, checkout *Checkout, updates map[string]any) error
	UpdateGuestTx(ctx context.Context, tx *gorm.DB, checkoutID uuid.UUID, guest GuestInfo) error
}

// transitioner is the state machine surface the orchestrator depends on.
type transitioner interface {
	Transition(ctx context.Context, tx *gorm.DB, checkoutID uuid.UUID, target enums.CheckoutState, input TransitionInput) (*Checkout, error)
	TryTransition(ctx context.Context, tx *gorm.DB, checkoutID uuid.UUID, target enums.CheckoutState, input TransitionInput) (*Checkout, error)
}

// pmsGateway is the property management system surface CreateHold,
// CreatePaymentIntent, HandlePaymentSucceeded and CancelCheckout depend on.
type pmsGateway interface {
	GetListingDetail(ctx context.Context, listingID string) (*ListingDetail, error)
	CalculatePrice(ctx context.Context, req CalculatePriceRequest) (*PriceQuote, error)
	CreateReservation(ctx context.Context, req CreateReservationRequest) (*Reservation, error)
	UpdateReservation(ctx context.Context, reservationID string, patch map[string]any) (*Reservation, error)
	CancelReservation(ctx context.Context, reservationID string) error
	GetReservation(ctx context.Context, reservationID string) (*Reservation, error)
	RegisterPayment(ctx context.Context, reservationID string, req RegisterPaymentRequest) error
}

// pspGateway is the payment processor surface CreatePaymentIntent depends on.
type pspGateway interface {
	CreatePaymentIntent(ctx context.Context, req CreatePaymentIntentRequest) (*PaymentIntentResult, error)
	RetrievePaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntentResult, error)
}

// idempotencyGateway is the idempotency layer (C4) surface the orchestrator
// and webhook dispatch depend on.
type idempotencyGateway interface {
	RequestIdempotency(ctx context.Context, tx *gorm.DB, route, key string, checkoutID *uuid.UUID, requestHash string, required bool) (*IdempotencyOutcome, error)
	Capture(ctx context.Context, tx *gorm.DB, outcome *IdempotencyOutcome, status int, body []byte)
	BindCheckout(ctx context.Context, tx *gorm.DB, outcome *IdempotencyOutcome, checkoutID uuid.UUID) error
	WebhookIdempotency(ctx context.Context, tx *gorm.DB, provider, eventID, eventType string, payload []byte, checkoutID *uuid.UUID) (*WebhookOutcome, error)
	MarkProcessed(ctx context.Context, tx *gorm.DB, outcome *WebhookOutcome) error
	Abandon(ctx context.Context, tx *gorm.DB, outcome *WebhookOutcome) error
}
