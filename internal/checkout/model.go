package checkout

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/checkout-core/pkg/enums"
)

// Actor identifies who drove a state transition.
type Actor string

const (
	ActorUser    Actor = "user"
	ActorSystem  Actor = "system"
	ActorWebhook Actor = "webhook"
)

// Guests captures the occupancy breakdown for a booking attempt.
type Guests struct {
	Adults   int `json:"adults"`
	Children int `json:"children"`
	Infants  int `json:"infants"`
}

// GuestInfo is the contact record attached to a checkout before a hold can
// be created.
type GuestInfo struct {
	FirstName string  `json:"firstName"`
	LastName  string  `json:"lastName"`
	Email     string  `json:"email"`
	Phone     string  `json:"phone,omitempty"`
	Document  *string `json:"document,omitempty"`
}

// QuoteBreakdown itemizes the locked total. All fields are smallest-unit
// integers (I8); no float ever touches money here.
type QuoteBreakdown struct {
	Subtotal    int64 `json:"subtotal"`
	CleaningFee int64 `json:"cleaningFee"`
	ServiceFee  int64 `json:"serviceFee"`
	Taxes       int64 `json:"taxes"`
}

// Quote is the Locked Quote: write-once (I2) once set on a checkout.
type Quote struct {
	Total      int64           `json:"total"`
	Currency   enums.Currency  `json:"currency"`
	Breakdown  QuoteBreakdown  `json:"breakdown"`
	Hash       string          `json:"hash"`
	ExpiresAt  time.Time       `json:"expiresAt"`
}

// StateHistoryEntry is one append-only record of a transition.
type StateHistoryEntry struct {
	Seq       int                 `json:"seq"`
	From      enums.CheckoutState `json:"from"`
	To        enums.CheckoutState `json:"to"`
	Timestamp time.Time           `json:"timestamp"`
	Reason    string              `json:"reason,omitempty"`
	Actor     Actor               `json:"actor"`
}

// StateHistory is the ordered, append-only transition log (I6).
type StateHistory []StateHistoryEntry

// Metadata is the opaque bag of request-origin context (userAgent,
// ipAddress, referrer, ...) plus orchestrator-recorded flags such as
// orphanedPayment.
type Metadata map[string]any

// Checkout is the aggregate root: one document per shopper attempt.
type Checkout struct {
	ID                 uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CreatedAt          time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time           `gorm:"column:updated_at;autoUpdateTime"`
	State              enums.CheckoutState `gorm:"column:state;type:checkout_state_enum;not null"`
	StateHistory       StateHistory        `gorm:"column:state_history;type:jsonb;serializer:json;not null"`
	ListingID          string              `gorm:"column:listing_id;not null"`
	CheckIn            time.Time           `gorm:"column:check_in;type:date;not null"`
	CheckOut           time.Time           `gorm:"column:check_out;type:date;not null"`
	Guests             Guests              `gorm:"column:guests;type:jsonb;serializer:json;not null"`
	CouponCode         *string             `gorm:"column:coupon_code"`
	Quote              *Quote              `gorm:"column:quote;type:jsonb;serializer:json"`
	QuoteCurrency      *enums.Currency     `gorm:"column:quote_currency;type:currency_enum"`
	Guest              *GuestInfo          `gorm:"column:guest;type:jsonb;serializer:json"`
	PMSReservationID   *string             `gorm:"column:pms_reservation_id"`
	PMSBookingCode     *string             `gorm:"column:pms_booking_code"`
	PSPPaymentIntentID *string             `gorm:"column:psp_payment_intent_id"`
	HoldExpiresAt      *time.Time          `gorm:"column:hold_expires_at"`
	RetryCount         int                 `gorm:"column:retry_count;not null;default:0"`
	Metadata           Metadata            `gorm:"column:metadata;type:jsonb;serializer:json;not null"`
}

func (Checkout) TableName() string { return "checkouts" }

const dateLayout = "2006-01-02"

// CheckInDate renders CheckIn as a calendar date string.
func (c Checkout) CheckInDate() string { return c.CheckIn.Format(dateLayout) }

// CheckOutDate renders CheckOut as a calendar date string.
func (c Checkout) CheckOutDate() string { return c.CheckOut.Format(dateLayout) }

// IdempotencyKey is the captured-response record for request-level replay
// suppression, keyed by (route, idempotency_key).
type IdempotencyKey struct {
	ID             uuid.UUID  `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CheckoutID     *uuid.UUID `gorm:"column:checkout_id;type:uuid"`
	Route          string     `gorm:"column:route;not null"`
	IdempotencyKey string     `gorm:"column:idempotency_key;not null"`
	RequestHash    string     `gorm:"column:request_hash;not null"`
	ResponseStatus *int       `gorm:"column:response_status"`
	ResponseBody   []byte     `gorm:"column:response_body;type:jsonb"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime"`
	CompletedAt    *time.Time `gorm:"column:completed_at"`
}

func (IdempotencyKey) TableName() string { return "idempotency_keys" }

// WebhookEvent is the dedup record for inbound PSP webhook deliveries,
// keyed by (provider, provider_event_id).
type WebhookEvent struct {
	ID              uuid.UUID  `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Provider        string     `gorm:"column:provider;not null"`
	ProviderEventID string     `gorm:"column:provider_event_id;not null"`
	CheckoutID      *uuid.UUID `gorm:"column:checkout_id;type:uuid"`
	EventType       string     `gorm:"column:event_type;not null"`
	Payload         []byte     `gorm:"column:payload;type:jsonb;not null"`
	ReceivedAt      time.Time  `gorm:"column:received_at;autoCreateTime"`
	ProcessedAt     *time.Time `gorm:"column:processed_at"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }
