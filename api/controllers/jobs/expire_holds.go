// Package jobs holds HTTP handlers that trigger operator-facing background
// work on demand, alongside their unattended cron equivalents.
package jobs

import (
	"context"
	"net/http"

	"github.com/angelmondragon/checkout-core/api/responses"
	"github.com/angelmondragon/checkout-core/internal/holdsweep"
	"github.com/angelmondragon/checkout-core/pkg/logger"
)

// HoldSweeper is the engine this endpoint drives; the cron worker calls the
// identical method on its own schedule.
type HoldSweeper interface {
	Sweep(ctx context.Context) (holdsweep.Result, error)
}

type expireHoldsResponse struct {
	ExpiredCount int `json:"expiredCount"`
	ErrorCount   int `json:"errorCount"`
}

// ExpireHolds handles POST /jobs/expire-holds, guarded by service auth.
func ExpireHolds(sweeper HoldSweeper, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		result, err := sweeper.Sweep(ctx)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, expireHoldsResponse{
			ExpiredCount: result.ExpiredCount,
			ErrorCount:   result.ErrorCount,
		})
	}
}
