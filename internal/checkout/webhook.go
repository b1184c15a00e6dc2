package checkout

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	pkgerrors "github.com/angelmondragon/checkout-core/pkg/errors"
)

// HandleWebhookEvent implements C7's dispatch: verify (done by the caller
// via PSPClient.VerifyWebhook before this is reached), dedup by event id,
// route to the matching orchestrator handler, and mark processed only once
// the handler succeeds. A handler failure abandons the dedup reservation so
// the PSP's retried delivery gets a clean re-attempt, and the error
// propagates to the caller, which must answer with a 5xx to trigger that
// retry (§7: webhook handler failures never swallow). The returned bool
// reports whether the event was already processed by an earlier delivery,
// so the caller can respond `already_processed` without re-dispatching.
func (s *Service) HandleWebhookEvent(ctx context.Context, event *stripe.Event) (bool, error) {
	if event == nil {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "stripe event is required")
	}

	checkoutID, hasCheckout := checkoutIDFromEvent(event)

	var outcome *WebhookOutcome
	err := s.repo.RunTransaction(ctx, func(tx *gorm.DB) error {
		var err error
		outcome, err = s.idem.WebhookIdempotency(ctx, tx, "stripe", event.ID, string(event.Type), event.Data.Raw, checkoutPtr(checkoutID, hasCheckout))
		return err
	})
	if err != nil {
		return false, err
	}
	if outcome.Processed {
		return true, nil
	}

	dispatchErr := s.dispatchWebhookEvent(ctx, event, checkoutID, hasCheckout)
	if dispatchErr != nil {
		_ = s.repo.RunTransaction(ctx, func(tx *gorm.DB) error {
			return s.idem.Abandon(ctx, tx, outcome)
		})
		return false, dispatchErr
	}

	err = s.repo.RunTransaction(ctx, func(tx *gorm.DB) error {
		return s.idem.MarkProcessed(ctx, tx, outcome)
	})
	return false, err
}

func (s *Service) dispatchWebhookEvent(ctx context.Context, event *stripe.Event, checkoutID uuid.UUID, hasCheckout bool) error {
	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		if !hasCheckout {
			return pkgerrors.New(pkgerrors.CodeValidation, "payment_intent.succeeded missing checkoutId metadata")
		}
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode payment intent event")
		}
		return s.HandlePaymentSucceeded(ctx, checkoutID, intent.ID)
	case stripe.EventTypePaymentIntentPaymentFailed:
		if !hasCheckout {
			return pkgerrors.New(pkgerrors.CodeValidation, "payment_intent.payment_failed missing checkoutId metadata")
		}
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode payment intent event")
		}
		reason := ""
		if intent.LastPaymentError != nil {
			reason = intent.LastPaymentError.Msg
		}
		return s.HandlePaymentFailed(ctx, checkoutID, reason)
	default:
		return nil
	}
}

func checkoutIDFromEvent(event *stripe.Event) (uuid.UUID, bool) {
	if event == nil || event.Data == nil {
		return uuid.Nil, false
	}
	var object struct {
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(event.Data.Raw, &object); err != nil {
		return uuid.Nil, false
	}
	raw := object.Metadata["checkoutId"]
	if raw == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func checkoutPtr(id uuid.UUID, has bool) *uuid.UUID {
	if !has {
		return nil
	}
	return &id
}
