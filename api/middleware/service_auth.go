package middleware

import (
	"net/http"
	"strings"

	"github.com/angelmondragon/checkout-core/api/responses"
	pkgauth "github.com/angelmondragon/checkout-core/pkg/auth"
	"github.com/angelmondragon/checkout-core/pkg/config"
	pkgerrors "github.com/angelmondragon/checkout-core/pkg/errors"
	"github.com/angelmondragon/checkout-core/pkg/logger"
)

// ServiceAuth guards operator/scheduler-only endpoints such as
// POST /jobs/expire-holds. It accepts either a signed service JWT or the
// raw shared secret as a bearer token.
func ServiceAuth(cfg config.JobAuthConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			bearer = strings.TrimSpace(bearer)
			if bearer == "" {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "bearer token required"))
				return
			}

			if pkgauth.ValidBearerSecret(cfg, bearer) {
				next.ServeHTTP(w, r)
				return
			}
			if _, err := pkgauth.ParseServiceToken(cfg, bearer); err == nil {
				next.ServeHTTP(w, r)
				return
			}

			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid service credentials"))
		})
	}
}
