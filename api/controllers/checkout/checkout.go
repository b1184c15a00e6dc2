// Package checkout holds the public HTTP handlers for the booking
// checkout workflow.
package checkout

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/checkout-core/api/responses"
	"github.com/angelmondragon/checkout-core/api/validators"
	checkoutsvc "github.com/angelmondragon/checkout-core/internal/checkout"
	pkgerrors "github.com/angelmondragon/checkout-core/pkg/errors"
	"github.com/angelmondragon/checkout-core/pkg/logger"
)

// Service is the orchestrator surface the controllers depend on.
type Service interface {
	InitializeCheckout(ctx context.Context, input checkoutsvc.InitializeInput) (*checkoutsvc.Checkout, error)
	GetCheckout(ctx context.Context, checkoutID uuid.UUID) (*checkoutsvc.Checkout, error)
	UpdateGuestInfo(ctx context.Context, checkoutID uuid.UUID, guest checkoutsvc.GuestInfo) (*checkoutsvc.Checkout, error)
	CreateHold(ctx context.Context, checkoutID uuid.UUID, idempotencyKey string) (*checkoutsvc.Checkout, error)
	CreatePaymentIntent(ctx context.Context, checkoutID uuid.UUID, idempotencyKey string) (*checkoutsvc.Checkout, string, error)
	WaitForConfirmation(ctx context.Context, checkoutID uuid.UUID, maxWait time.Duration) (*checkoutsvc.FinalizeResult, error)
	CancelCheckout(ctx context.Context, checkoutID uuid.UUID, reason string) (*checkoutsvc.Checkout, error)
}

type initializeRequest struct {
	ListingID  string                `json:"listingId" validate:"required"`
	CheckIn    string                `json:"checkIn" validate:"required"`
	CheckOut   string                `json:"checkOut" validate:"required"`
	Guests     checkoutsvc.Guests    `json:"guests" validate:"required"`
	CouponCode *string               `json:"couponCode,omitempty"`
	Metadata   checkoutsvc.Metadata  `json:"metadata,omitempty"`
}

// Initialize handles POST /checkout/initialize. The Idempotency-Key header
// is optional here; a duplicate request without one simply creates a
// second checkout.
func Initialize(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req initializeRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, err := svc.InitializeCheckout(ctx, checkoutsvc.InitializeInput{
			ListingID:      req.ListingID,
			CheckIn:        req.CheckIn,
			CheckOut:       req.CheckOut,
			Guests:         req.Guests,
			CouponCode:     req.CouponCode,
			Metadata:       req.Metadata,
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, result)
	}
}

// Get handles GET /checkout/{id}.
func Get(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := checkoutIDParam(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, err := svc.GetCheckout(ctx, id)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

type guestRequest struct {
	FirstName string  `json:"firstName" validate:"required"`
	LastName  string  `json:"lastName" validate:"required"`
	Email     string  `json:"email" validate:"required,email"`
	Phone     string  `json:"phone,omitempty"`
	Document  *string `json:"document,omitempty"`
}

// UpdateGuest handles PATCH /checkout/{id}/guest.
func UpdateGuest(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := checkoutIDParam(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var req guestRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, err := svc.UpdateGuestInfo(ctx, id, checkoutsvc.GuestInfo{
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Email:     req.Email,
			Phone:     req.Phone,
			Document:  req.Document,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// Hold handles POST /checkout/{id}/hold. Idempotency-Key is required.
func Hold(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := checkoutIDParam(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, err := svc.CreateHold(ctx, id, r.Header.Get("Idempotency-Key"))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

type paymentIntentResponse struct {
	Checkout     *checkoutsvc.Checkout `json:"checkout"`
	ClientSecret string                 `json:"clientSecret"`
}

// PaymentIntent handles POST /checkout/{id}/payment-intent. Idempotency-Key
// is required.
func PaymentIntent(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := checkoutIDParam(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, clientSecret, err := svc.CreatePaymentIntent(ctx, id, r.Header.Get("Idempotency-Key"))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, paymentIntentResponse{Checkout: result, ClientSecret: clientSecret})
	}
}

type finalizeRequest struct {
	MaxWaitMs int64 `json:"maxWaitMs,omitempty"`
}

type finalizeResponse struct {
	Success     bool                  `json:"success"`
	BookingCode *string               `json:"bookingCode,omitempty"`
	Pending     bool                  `json:"pending,omitempty"`
	Checkout    *checkoutsvc.Checkout `json:"checkout"`
}

// Finalize handles POST /checkout/{id}/finalize: blocks up to maxWaitMs for
// the checkout to reach a terminal outcome.
func Finalize(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := checkoutIDParam(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var req finalizeRequest
		if r.ContentLength > 0 {
			if err := validators.DecodeJSONBody(r, &req); err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
		}

		result, err := svc.WaitForConfirmation(ctx, id, time.Duration(req.MaxWaitMs)*time.Millisecond)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, finalizeResponse{
			Success:     result.Success,
			BookingCode: result.BookingCode,
			Pending:     result.Pending,
			Checkout:    result.Checkout,
		})
	}
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Cancel handles POST /checkout/{id}/cancel.
func Cancel(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := checkoutIDParam(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var req cancelRequest
		if r.ContentLength > 0 {
			if err := validators.DecodeJSONBody(r, &req); err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
		}

		result, err := svc.CancelCheckout(ctx, id, req.Reason)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func checkoutIDParam(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "checkout id must be a uuid").
			WithDetails(map[string]any{"field": "id"})
	}
	return id, nil
}
