package checkout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/checkout-core/pkg/config"
	"github.com/angelmondragon/checkout-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/checkout-core/pkg/errors"
	"github.com/angelmondragon/checkout-core/pkg/logger"
	"github.com/angelmondragon/checkout-core/pkg/outbox"
	"github.com/angelmondragon/checkout-core/pkg/outbox/payloads"
)

// Route names double as the idempotency scope key; they mirror the HTTP
// method+path pairs from the public API.
const (
	RouteInitialize     = "POST /checkout/initialize"
	RouteHold           = "POST /checkout/{id}/hold"
	RoutePaymentIntent  = "POST /checkout/{id}/payment-intent"
	maxWaitForConfirmation = 30 * time.Second
)

// InitializeInput is the validated input to InitializeCheckout.
type InitializeInput struct {
	ListingID      string
	CheckIn        string
	CheckOut       string
	Guests         Guests
	CouponCode     *string
	Metadata       Metadata
	IdempotencyKey string
}

// Service implements C6: the checkout orchestrator wiring the state
// machine, document store gateway, idempotency layer, and the PMS/PSP
// adapters into the public workflow.
type Service struct {
	repo      checkoutRepo
	sm        transitioner
	idem      idempotencyGateway
	pms       pmsGateway
	psp       pspGateway
	outboxSvc *outbox.Service
	logg      *logger.Logger
	cfg       config.CheckoutConfig
	now       func() time.Time
}

// NewService wires C1-C5 into the orchestrator. The concrete adapters
// (*Repository, *StateMachine, *IdempotencyService, *PMSClient, *PSPClient)
// satisfy the narrower interfaces Service depends on, which lets tests
// substitute in-memory stubs instead of a real SQL backend.
func NewService(repo checkoutRepo, sm transitioner, idem idempotencyGateway, pms pmsGateway, psp pspGateway, outboxSvc *outbox.Service, logg *logger.Logger, cfg config.CheckoutConfig) *Service {
	return &Service{
		repo:      repo,
		sm:        sm,
		idem:      idem,
		pms:       pms,
		psp:       psp,
		outboxSvc: outboxSvc,
		logg:      logg,
		cfg:       cfg,
		now:       time.Now,
	}
}

func (s *Service) emit(ctx context.Context, tx *gorm.DB, eventType enums.OutboxEventType, checkoutID uuid.UUID, actorRole string, data interface{}) {
	if s.outboxSvc == nil {
		return
	}
	err := s.outboxSvc.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregateCheckout,
		AggregateID:   checkoutID,
		Actor:         &outbox.ActorRef{CheckoutID: checkoutID, Role: actorRole},
		Data:          data,
	})
	if err != nil && s.logg != nil {
		s.logg.Error(ctx, "outbox emit failed", err)
	}
}

func hashRequest(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func decodeCheckout(body []byte) (*Checkout, error) {
	var checkout Checkout
	if err := json.Unmarshal(body, &checkout); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode cached checkout")
	}
	return &checkout, nil
}

// InitializeCheckout implements initializeCheckout(input).
func (s *Service) InitializeCheckout(ctx context.Context, input InitializeInput) (*Checkout, error) {
	if err := validateInitializeInput(input, s.now()); err != nil {
		return nil, err
	}

	coupon := ""
	if input.CouponCode != nil {
		coupon = *input.CouponCode
	}
	requestHash := hashRequest(input.ListingID, input.CheckIn, input.CheckOut,
		fmt.Sprintf("%d", input.Guests.Adults), fmt.Sprintf("%d", input.Guests.Children),
		fmt.Sprintf("%d", input.Guests.Infants), coupon)

	var result *Checkout
	err := s.repo.RunTransaction(ctx, func(tx *gorm.DB) error {
		outcome, err := s.idem.RequestIdempotency(ctx, tx, RouteInitialize, input.IdempotencyKey, nil, requestHash, false)
		if err != nil {
			return err
		}
		if outcome.Hit {
			cached, err := decodeCheckout(outcome.CachedBody)
			if err != nil {
				return err
			}
			result = cached
			return nil
		}

		listing, err := s.pms.GetListingDetail(ctx, input.ListingID)
		if err != nil {
			return err
		}
		price, err := s.pms.CalculatePrice(ctx, CalculatePriceRequest{
			ListingID:  input.ListingID,
			CheckIn:    input.CheckIn,
			CheckOut:   input.CheckOut,
			Adults:     input.Guests.Adults,
			Children:   input.Guests.Children,
			Infants:    input.Guests.Infants,
			CouponCode: coupon,
		})
		if err != nil {
			return err
		}
		currency, err := enums.ParseCurrency(price.Currency)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeUnsupportedCurrency, err, "pms returned an unsupported currency")
		}

		now := s.now().UTC()
		checkIn, _ := time.Parse(dateLayout, input.CheckIn)
		checkOut, _ := time.Parse(dateLayout, input.CheckOut)

		quote := &Quote{
			Total:    price.Total,
			Currency: currency,
			Breakdown: QuoteBreakdown{
				Subtotal:    price.Subtotal,
				CleaningFee: price.CleaningFee,
				ServiceFee:  price.ServiceFee,
				Taxes:       price.Taxes,
			},
			Hash:      quoteHash(input.ListingID, input.CheckIn, input.CheckOut, input.Guests.Adults, input.Guests.Children, input.Guests.Infants, coupon),
			ExpiresAt: now.Add(s.cfg.QuoteTTL()),
		}

		metadata := input.Metadata
		if metadata == nil {
			metadata = Metadata{}
		}
		metadata["listingName"] = listing.Name

		checkout := &Checkout{
			State:        enums.CheckoutStateInitiated,
			StateHistory: seedHistory(ActorUser, "initialized", now),
			ListingID:    input.ListingID,
			CheckIn:      checkIn,
			CheckOut:     checkOut,
			Guests:       input.Guests,
			CouponCode:   input.CouponCode,
			Quote:        quote,
			Metadata:     metadata,
		}
		if err := s.repo.Create(ctx, tx, checkout); err != nil {
			return err
		}
		if err := s.idem.BindCheckout(ctx, tx, outcome, checkout.ID); err != nil {
			return err
		}

		body, err := json.Marshal(checkout)
		if err != nil {
			return err
		}
		s.idem.Capture(ctx, tx, outcome, http.StatusCreated, body)
		s.emit(ctx, tx, enums.EventCheckoutInitialized, checkout.ID, string(ActorUser), payloads.CheckoutInitializedEvent{
			CheckoutID: checkout.ID,
			ListingID:  checkout.ListingID,
		})

		result = checkout
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func validateInitializeInput(input InitializeInput, now time.Time) error {
	if strings.TrimSpace(input.ListingID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "listingId is required").
			WithDetails(map[string]any{"field": "listingId"})
	}
	checkIn, err := time.Parse(dateLayout, input.CheckIn)
	if err != nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "checkIn must be a YYYY-MM-DD date").
			WithDetails(map[string]any{"field": "checkIn"})
	}
	checkOut, err := time.Parse(dateLayout, input.CheckOut)
	if err != nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "checkOut must be a YYYY-MM-DD date").
			WithDetails(map[string]any{"field": "checkOut"})
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if checkIn.Before(today) {
		return pkgerrors.New(pkgerrors.CodeValidation, "checkIn must be today or later").
			WithDetails(map[string]any{"field": "checkIn"})
	}
	if !checkOut.After(checkIn) {
		return pkgerrors.New(pkgerrors.CodeValidation, "checkOut must be after checkIn").
			WithDetails(map[string]any{"field": "checkOut"})
	}
	if input.Guests.Adults < 1 {
		return pkgerrors.New(pkgerrors.CodeValidation, "guests.adults must be at least 1").
			WithDetails(map[string]any{"field": "guests.adults"})
	}
	if input.Guests.Children < 0 || input.Guests.Infants < 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "guests.children and guests.infants must not be negative").
			WithDetails(map[string]any{"field": "guests"})
	}
	return nil
}

func isValidEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	return at > 0 && at < len(email)-1 && strings.IndexByte(email[at+1:], '.') >= 0
}

// UpdateGuestInfo implements updateGuestInfo(checkoutId, guest).
func (s *Service) UpdateGuestInfo(ctx context.Context, checkoutID uuid.UUID, guest GuestInfo) (*Checkout, error) {
	if strings.TrimSpace(guest.FirstName) == "" || strings.TrimSpace(guest.LastName) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "guest first and last name are required")
	}
	if !isValidEmail(guest.Email) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "guest email is invalid").
			WithDetails(map[string]any{"field": "email"})
	}

	var result *Checkout
	err := s.repo.RunTransaction(ctx, func(tx *gorm.DB) error {
		checkout, err := s.repo.GetForUpdateTx(ctx, tx, checkoutID)
		if err != nil {
			return err
		}
		switch checkout.State {
		case enums.CheckoutStateInitiated, enums.CheckoutStateHoldCreated, enums.CheckoutStatePaymentCreated:
		default:
			return pkgerrors.New(pkgerrors.CodeInvalidStateForUpdate, "checkout is not in a state that allows guest updates").
				WithDetails(map[string]any{"state": checkout.State})
		}
		if err := s.repo.UpdateGuestTx(ctx, tx, checkoutID, guest); err != nil {
			return err
		}
		checkout.Guest = &guest
		result = checkout
		return nil
	})
	return result, err
}

// idempotencyPeerWaitAttempts/idempotencyPeerWaitInterval bound how long a
// request that lost the insert race for an in-flight idempotency key waits
// for the winning peer to finish, so two concurrent identical requests
// converge on one byte-identical response (P6) instead of the loser simply
// failing with IDEMPOTENCY_KEY_REUSED.
const (
	idempotencyPeerWaitAttempts = 10
	idempotencyPeerWaitInterval = 250 * time.Millisecond
)

// runWithIdempotencyWait retries fn while it reports another request is
// still in flight for the same key, giving that request room to commit and
// turn this one into a cache hit on the next attempt.
func runWithIdempotencyWait(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < idempotencyPeerWaitAttempts; attempt++ {
		err = fn()
		apiErr := pkgerrors.As(err)
		if apiErr == nil || apiErr.Code() != pkgerrors.CodeIdempotency {
			return err
		}
		if sleepErr := sleepWithContext(ctx, idempotencyPeerWaitInterval); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

// CreateHold implements createHold(checkoutId).
func (s *Service) CreateHold(ctx context.Context, checkoutID uuid.UUID, idempotencyKey string) (*Checkout, error) {
	requestHash := hashRequest("hold", checkoutID.String())

	var result *Checkout
	err := runWithIdempotencyWait(ctx, func() error {
		return s.repo.RunTransaction(ctx, func(tx *gorm.DB) error {
		outcome, err := s.idem.RequestIdempotency(ctx, tx, RouteHold, idempotencyKey, &checkoutID, requestHash, true)
		if err != nil {
			return err
		}

		checkout, err := s.repo.GetForUpdateTx(ctx, tx, checkoutID)
		if err != nil {
			return err
		}

		if checkout.State == enums.CheckoutStateHoldCreated || checkout.PMSReservationID != nil {
			result = checkout
			s.captureCheckout(ctx, tx, outcome, http.StatusOK, checkout)
			return nil
		}
		if checkout.State != enums.CheckoutStateInitiated {
			return pkgerrors.New(pkgerrors.CodeInvalidTransition, "checkout is not in a state that allows hold creation").
				WithDetails(map[string]any{"state": checkout.State})
		}
		if checkout.Guest == nil || !isValidEmail(checkout.Guest.Email) {
			return pkgerrors.New(pkgerrors.CodeGuestRequired, "guest information with a valid email is required before hold")
		}
		if checkout.Quote == nil {
			return pkgerrors.New(pkgerrors.CodeInternal, "checkout is missing its locked quote")
		}
		if quoteHashForCheckout(checkout) != checkout.Quote.Hash {
			return pkgerrors.New(pkgerrors.CodeQuoteTampered, "quote hash does not match booking inputs")
		}
		if s.now().After(checkout.Quote.ExpiresAt) {
			return pkgerrors.New(pkgerrors.CodeQuoteExpired, "locked quote has expired")
		}

		// holdExpiresAt is estimated conservatively before the PMS call so
		// the stored expiry never runs later than the PMS-side hold. The
		// reservation id and holdExpiresAt are written in this transaction;
		// if it does not commit, neither is stored and the sweeper cannot
		// find the reservation.
		holdExpiresAt := s.now().UTC().Add(s.cfg.HoldTTL())

		reservation, err := s.pms.CreateReservation(ctx, CreateReservationRequest{
			Type:       ReservationReserved,
			ListingID:  checkout.ListingID,
			Guest:      *checkout.Guest,
			CheckIn:    checkout.CheckInDate(),
			CheckOut:   checkout.CheckOutDate(),
			TotalPrice: checkout.Quote.Total,
			Currency:   string(checkout.Quote.Currency),
		})
		if err != nil {
			return err
		}

		transitioned, err := s.sm.Transition(ctx, tx, checkoutID, enums.CheckoutStateHoldCreated, TransitionInput{
			Actor:  ActorUser,
			Reason: "hold created",
			Updates: map[string]any{
				"pmsReservationId": reservation.ReservationID,
				"holdExpiresAt":    holdExpiresAt,
			},
		})
		if err != nil {
			return err
		}

		s.emit(ctx, tx, enums.EventCheckoutHoldCreated, checkoutID, string(ActorUser), payloads.CheckoutHoldCreatedEvent{
			CheckoutID:       checkoutID,
			PMSReservationID: reservation.ReservationID,
			HoldExpiresAt:    holdExpiresAt,
		})

		result = transitioned
		s.captureCheckout(ctx, tx, outcome, http.StatusOK, transitioned)
		return nil
		})
	})
	return result, err
}

func (s *Service) captureCheckout(ctx context.Context, tx *gorm.DB, outcome *IdempotencyOutcome, status int, checkout *Checkout) {
	body, err := json.Marshal(checkout)
	if err != nil {
		if s.logg != nil {
			s.logg.Error(ctx, "marshal checkout for idempotency capture failed", err)
		}
		return
	}
	s.idem.Capture(ctx, tx, outcome, status, body)
}

// CreatePaymentIntent implements createPaymentIntent(checkoutId). It returns
// the checkout plus the PSP client secret, which the caller must relay to
// the client but never persist (I4).
func (s *Service) CreatePaymentIntent(ctx context.Context, checkoutID uuid.UUID, idempotencyKey string) (*Checkout, string, error) {
	requestHash := hashRequest("payment-intent", checkoutID.String())

	var result *Checkout
	var clientSecret string
	err := runWithIdempotencyWait(ctx, func() error {
	return s.repo.RunTransaction(ctx, func(tx *gorm.DB) error {
		outcome, err := s.idem.RequestIdempotency(ctx, tx, RoutePaymentIntent, idempotencyKey, &checkoutID, requestHash, true)
		if err != nil {
			return err
		}

		checkout, err := s.repo.GetForUpdateTx(ctx, tx, checkoutID)
		if err != nil {
			return err
		}

		if checkout.PSPPaymentIntentID != nil {
			intent, err := s.psp.RetrievePaymentIntent(ctx, *checkout.PSPPaymentIntentID)
			if err != nil {
				return err
			}
			clientSecret = intent.ClientSecret
			result = checkout
			s.captureCheckout(ctx, tx, outcome, http.StatusOK, checkout)
			return nil
		}
		if checkout.State != enums.CheckoutStateHoldCreated {
			return pkgerrors.New(pkgerrors.CodeInvalidTransition, "checkout is not in a state that allows payment intent creation").
				WithDetails(map[string]any{"state": checkout.State})
		}
		if checkout.Quote == nil {
			return pkgerrors.New(pkgerrors.CodeInternal, "checkout is missing its locked quote")
		}
		if quoteHashForCheckout(checkout) != checkout.Quote.Hash {
			return pkgerrors.New(pkgerrors.CodeQuoteTampered, "quote hash does not match booking inputs")
		}

		reservationID := ""
		if checkout.PMSReservationID != nil {
			reservationID = *checkout.PMSReservationID
		}
		receiptEmail := ""
		if checkout.Guest != nil {
			receiptEmail = checkout.Guest.Email
		}

		intent, err := s.psp.CreatePaymentIntent(ctx, CreatePaymentIntentRequest{
			CheckoutID:       checkoutID.String(),
			PMSReservationID: reservationID,
			Amount:           checkout.Quote.Total,
			Currency:         checkout.Quote.Currency,
			ReceiptEmail:     receiptEmail,
			Description:      fmt.Sprintf("Booking for listing %s", checkout.ListingID),
		})
		if err != nil {
			return err
		}

		transitioned, err := s.sm.Transition(ctx, tx, checkoutID, enums.CheckoutStatePaymentCreated, TransitionInput{
			Actor:   ActorUser,
			Reason:  "payment intent created",
			Updates: map[string]any{"pspPaymentIntentId": intent.PaymentIntentID},
		})
		if err != nil {
			return err
		}

		clientSecret = intent.ClientSecret
		result = transitioned
		s.captureCheckout(ctx, tx, outcome, http.StatusOK, transitioned)
		return nil
	})
	})
	return result, clientSecret, err
}

// HandlePaymentSucceeded implements handlePaymentSucceeded(checkoutId,
// paymentIntentId), invoked from the webhook ingress.
func (s *Service) HandlePaymentSucceeded(ctx context.Context, checkoutID uuid.UUID, paymentIntentID string) error {
	var afterPaid *Checkout
	err := s.repo.RunTransaction(ctx, func(tx *gorm.DB) error {
		transitioned, err := s.sm.TryTransition(ctx, tx, checkoutID, enums.CheckoutStatePaid, TransitionInput{
			Actor:  ActorWebhook,
			Reason: "payment_intent.succeeded",
		})
		if err != nil {
			return err
		}
		if transitioned != nil {
			afterPaid = transitioned
			return nil
		}

		current, err := s.repo.GetForUpdateTx(ctx, tx, checkoutID)
		if err != nil {
			return err
		}
		if current.State == enums.CheckoutStatePaid || current.State == enums.CheckoutStateBooked {
			afterPaid = current
			return nil
		}

		// The hold already expired (or the checkout otherwise moved past
		// PAYMENT_CREATED) before this webhook arrived: funds are captured
		// on a checkout with no reachable inventory hold. Flag it for
		// manual reconciliation rather than guessing a refund policy.
		if err := s.repo.ApplyUpdatesTx(ctx, tx, current, map[string]any{"metadataOrphanedPayment": true}); err != nil {
			return err
		}
		afterPaid = current
		return nil
	})
	if err != nil {
		return err
	}
	if afterPaid.State != enums.CheckoutStatePaid {
		return nil
	}

	if afterPaid.PMSReservationID == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "paid checkout is missing its pms reservation id")
	}
	reservationID := *afterPaid.PMSReservationID

	if _, err := s.pms.UpdateReservation(ctx, reservationID, map[string]any{"type": string(ReservationBooked)}); err != nil {
		return err
	}
	if afterPaid.Quote == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "paid checkout is missing its locked quote")
	}
	if err := s.pms.RegisterPayment(ctx, reservationID, RegisterPaymentRequest{
		Amount:    afterPaid.Quote.Total,
		Currency:  string(afterPaid.Quote.Currency),
		Method:    "credit_card",
		Reference: paymentIntentID,
	}); err != nil {
		return err
	}
	reservation, err := s.pms.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}

	return s.repo.RunTransaction(ctx, func(tx *gorm.DB) error {
		booked, err := s.sm.Transition(ctx, tx, checkoutID, enums.CheckoutStateBooked, TransitionInput{
			Actor:   ActorSystem,
			Reason:  "pms booking confirmed",
			Updates: map[string]any{"pmsBookingCode": reservation.BookingCode},
		})
		if err != nil {
			return err
		}
		s.emit(ctx, tx, enums.EventCheckoutBooked, checkoutID, string(ActorSystem), payloads.CheckoutBookedEvent{
			CheckoutID:     checkoutID,
			PMSBookingCode: reservation.BookingCode,
			BookedAt:       s.now().UTC(),
		})
		_ = booked
		return nil
	})
}

// HandlePaymentFailed implements handlePaymentFailed(checkoutId, reason).
// It never transitions state; the hold TTL is the authoritative timeout.
func (s *Service) HandlePaymentFailed(ctx context.Context, checkoutID uuid.UUID, reason string) error {
	if s.logg != nil {
		s.logg.Warn(s.logg.WithField(ctx, "checkout_id", checkoutID.String()), fmt.Sprintf("payment failed: %s", reason))
	}
	return nil
}

// FinalizeResult is the externally-observable outcome of finalize: whether
// the checkout resolved to BOOKED, whether it is still pending a terminal
// outcome, and the booking code once one exists.
type FinalizeResult struct {
	Checkout    *Checkout
	Success     bool
	Pending     bool
	BookingCode *string
}

func newFinalizeResult(checkout *Checkout) *FinalizeResult {
	return &FinalizeResult{
		Checkout:    checkout,
		Success:     checkout.State == enums.CheckoutStateBooked,
		Pending:     !checkout.State.Terminal(),
		BookingCode: checkout.PMSBookingCode,
	}
}

// WaitForConfirmation implements waitForConfirmation(checkoutId, maxWaitMs).
// On timeout the checkout may still be mid-flight; the caller is expected
// to poll again rather than treat a non-terminal result as a failure.
func (s *Service) WaitForConfirmation(ctx context.Context, checkoutID uuid.UUID, maxWait time.Duration) (*FinalizeResult, error) {
	if maxWait <= 0 || maxWait > maxWaitForConfirmation {
		maxWait = maxWaitForConfirmation
	}
	deadline := s.now().Add(maxWait)

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		checkout, err := s.repo.Get(ctx, checkoutID)
		if err != nil {
			return nil, err
		}
		if checkout.State.Terminal() {
			return newFinalizeResult(checkout), nil
		}
		if !s.now().Before(deadline) {
			return newFinalizeResult(checkout), nil
		}
		select {
		case <-ctx.Done():
			return newFinalizeResult(checkout), ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetCheckout implements getCheckout(checkoutId), the read path behind
// GET /checkout/{id}.
func (s *Service) GetCheckout(ctx context.Context, checkoutID uuid.UUID) (*Checkout, error) {
	return s.repo.Get(ctx, checkoutID)
}

// CancelCheckout implements cancelCheckout(checkoutId, reason).
func (s *Service) CancelCheckout(ctx context.Context, checkoutID uuid.UUID, reason string) (*Checkout, error) {
	checkout, err := s.repo.Get(ctx, checkoutID)
	if err != nil {
		return nil, err
	}

	if checkout.PMSReservationID != nil {
		if err := s.pms.CancelReservation(ctx, *checkout.PMSReservationID); err != nil {
			apiErr := pkgerrors.As(err)
			if apiErr == nil || apiErr.Code() != pkgerrors.CodePMSClientError {
				return nil, err
			}
		}
	}

	var result *Checkout
	err = s.repo.RunTransaction(ctx, func(tx *gorm.DB) error {
		transitioned, err := s.sm.Transition(ctx, tx, checkoutID, enums.CheckoutStateCanceled, TransitionInput{
			Actor:  ActorUser,
			Reason: reason,
		})
		if err != nil {
			return err
		}
		s.emit(ctx, tx, enums.EventCheckoutCanceled, checkoutID, string(ActorUser), payloads.CheckoutCanceledEvent{
			CheckoutID: checkoutID,
			Reason:     reason,
			CanceledAt: s.now().UTC(),
		})
		result = transitioned
		return nil
	})
	return result, err
}
