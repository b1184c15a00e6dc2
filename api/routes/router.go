package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/checkout-core/api/controllers"
	checkoutcontrollers "github.com/angelmondragon/checkout-core/api/controllers/checkout"
	jobscontrollers "github.com/angelmondragon/checkout-core/api/controllers/jobs"
	webhookcontrollers "github.com/angelmondragon/checkout-core/api/controllers/webhooks"
	"github.com/angelmondragon/checkout-core/api/middleware"
	"github.com/angelmondragon/checkout-core/pkg/config"
	"github.com/angelmondragon/checkout-core/pkg/logger"
	"github.com/angelmondragon/checkout-core/pkg/redis"
)

// NewRouter wires the checkout HTTP surface: the public booking workflow,
// the PSP webhook ingress, and the operator-facing hold expiration job.
func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	redisClient *redis.Client,
	checkoutService checkoutcontrollers.Service,
	pspVerifier webhookcontrollers.PSPWebhookVerifier,
	pspWebhookService webhookcontrollers.PSPWebhookService,
	holdSweeper jobscontrollers.HoldSweeper,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.CORS),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg))
	})

	webhookPolicy := middleware.NewAuthRateLimitPolicy("psp-webhook", cfg.RateLimit.WebhookWindow, cfg.RateLimit.WebhookLimit, 0)
	jobPolicy := middleware.NewAuthRateLimitPolicy("expire-holds", cfg.RateLimit.JobWindow, cfg.RateLimit.JobLimit, 0)

	r.Route("/webhooks", func(r chi.Router) {
		r.With(middleware.AuthRateLimit(webhookPolicy, redisClient, logg)).
			Post("/psp", webhookcontrollers.PSPWebhook(pspWebhookService, pspVerifier, logg))
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Use(middleware.ServiceAuth(cfg.JobAuth, logg))
		r.With(middleware.AuthRateLimit(jobPolicy, redisClient, logg)).
			Post("/expire-holds", jobscontrollers.ExpireHolds(holdSweeper, logg))
	})

	r.Route("/checkout", func(r chi.Router) {
		r.Post("/initialize", checkoutcontrollers.Initialize(checkoutService, logg))
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", checkoutcontrollers.Get(checkoutService, logg))
			r.Patch("/guest", checkoutcontrollers.UpdateGuest(checkoutService, logg))
			r.Post("/hold", checkoutcontrollers.Hold(checkoutService, logg))
			r.Post("/payment-intent", checkoutcontrollers.PaymentIntent(checkoutService, logg))
			r.Post("/finalize", checkoutcontrollers.Finalize(checkoutService, logg))
			r.Post("/cancel", checkoutcontrollers.Cancel(checkoutService, logg))
		})
	})

	return r
}
