package checkout

import (
	"context"
	"errors"
	"strings"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/angelmondragon/checkout-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/checkout-core/pkg/errors"
	stripeclient "github.com/angelmondragon/checkout-core/pkg/stripe"
)

// CreatePaymentIntentRequest is the input to the PSP adapter's create call.
type CreatePaymentIntentRequest struct {
	CheckoutID       string
	PMSReservationID string
	Amount           int64
	Currency         enums.Currency
	ReceiptEmail     string
	Description      string
}

// PaymentIntentResult is what the PSP returns for an intent: the orchestrator
// persists only the intent id; the client secret is returned to the caller
// but never stored (I4).
type PaymentIntentResult struct {
	PaymentIntentID string
	ClientSecret    string
	Status          string
}

// PSPClient is the C2 adapter over Stripe: PaymentIntent lifecycle plus
// webhook signature verification.
type PSPClient struct {
	stripe *stripeclient.Client
}

// NewPSPClient wraps the shared Stripe client for checkout's needs.
func NewPSPClient(client *stripeclient.Client) *PSPClient {
	return &PSPClient{stripe: client}
}

// supportedCurrencies mirrors the enum's Stripe-chargeable set; a checkout
// quoted in anything else fails closed with UNSUPPORTED_CURRENCY.
var supportedCurrencies = map[enums.Currency]stripe.Currency{
	enums.CurrencyUSD: stripe.CurrencyUSD,
	enums.CurrencyEUR: stripe.CurrencyEUR,
	enums.CurrencyGBP: stripe.CurrencyGBP,
}

// CreatePaymentIntent creates a Stripe PaymentIntent for the quoted total,
// already expressed in the smallest currency unit (I8).
func (c *PSPClient) CreatePaymentIntent(ctx context.Context, req CreatePaymentIntentRequest) (*PaymentIntentResult, error) {
	currency, ok := supportedCurrencies[req.Currency]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeUnsupportedCurrency, "unsupported currency").
			WithDetails(map[string]any{"currency": req.Currency})
	}

	params := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(string(currency)),
		Metadata: map[string]string{
			"checkoutId":       req.CheckoutID,
			"pmsReservationId": req.PMSReservationID,
		},
		AutomaticPaymentMethods: &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.ReceiptEmail != "" {
		params.ReceiptEmail = stripe.String(req.ReceiptEmail)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}

	intent, err := c.stripe.API().V1PaymentIntents.Create(ctx, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}

	return &PaymentIntentResult{
		PaymentIntentID: intent.ID,
		ClientSecret:    intent.ClientSecret,
		Status:          string(intent.Status),
	}, nil
}

// RetrievePaymentIntent reads the current status of a previously created
// intent, used to reconcile a webhook against the checkout's own record.
func (c *PSPClient) RetrievePaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntentResult, error) {
	intent, err := c.stripe.API().V1PaymentIntents.Retrieve(ctx, paymentIntentID, nil)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return &PaymentIntentResult{
		PaymentIntentID: intent.ID,
		ClientSecret:    intent.ClientSecret,
		Status:          string(intent.Status),
	}, nil
}

// VerifyWebhook validates the Stripe-Signature header against the raw
// request body and returns the decoded event on success.
func (c *PSPClient) VerifyWebhook(payload []byte, sigHeader string) (*stripe.Event, error) {
	if strings.TrimSpace(sigHeader) == "" {
		return nil, pkgerrors.New(pkgerrors.CodePSPSignatureInvalid, "stripe signature header missing")
	}
	event, err := webhook.ConstructEvent(payload, sigHeader, c.stripe.SigningSecret())
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodePSPSignatureInvalid, err, "verify stripe webhook signature")
	}
	return &event, nil
}

func classifyStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= 500 {
			return pkgerrors.Wrap(pkgerrors.CodePSPError, err, "stripe server error")
		}
		return pkgerrors.Wrap(pkgerrors.CodePSPError, err, "stripe rejected request")
	}
	return pkgerrors.Wrap(pkgerrors.CodePSPError, err, "stripe request failed")
}
