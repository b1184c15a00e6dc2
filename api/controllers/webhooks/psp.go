// Package webhooks holds inbound HTTP handlers for payment-processor
// callbacks.
package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/checkout-core/api/responses"
	pkgerrors "github.com/angelmondragon/checkout-core/pkg/errors"
	"github.com/angelmondragon/checkout-core/pkg/logger"
)

// PSPWebhookVerifier checks the inbound signature and decodes the event.
type PSPWebhookVerifier interface {
	VerifyWebhook(payload []byte, sigHeader string) (*stripe.Event, error)
}

// PSPWebhookService dispatches a verified event to the orchestrator.
// Deduplication and retry-safety live inside this call (C4/C7), so the
// handler itself carries no idempotency guard.
type PSPWebhookService interface {
	HandleWebhookEvent(ctx context.Context, event *stripe.Event) (bool, error)
}

// PSPWebhook handles POST /webhooks/psp: signature verification, then
// dispatch. A handler error is surfaced as a 5xx so the PSP's own retry
// policy re-delivers the event.
func PSPWebhook(svc PSPWebhookService, verifier PSPWebhookVerifier, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil || verifier == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}

		payload, err := io.ReadAll(r.Body)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		event, err := verifier.VerifyWebhook(payload, r.Header.Get("Stripe-Signature"))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		alreadyProcessed, err := svc.HandleWebhookEvent(ctx, event)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		if alreadyProcessed {
			if logg != nil {
				logg.Info(ctx, "psp webhook event already processed: "+event.ID)
			}
			responses.WriteSuccess(w, "already_processed")
			return
		}

		if logg != nil {
			logg.Info(ctx, "psp webhook event processed: "+event.ID)
		}
		responses.WriteSuccess(w, nil)
	}
}
