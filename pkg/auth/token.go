package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/checkout-core/pkg/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var jwtSigningMethod = jwt.SigningMethodHS256

// MintServiceToken issues a signed, short-lived JWT authorizing a caller to
// invoke service-only endpoints such as POST /jobs/expire-holds.
func MintServiceToken(cfg config.JobAuthConfig, now time.Time, payload ServiceTokenPayload) (string, error) {
	if cfg.Secret == "" {
		return "", fmt.Errorf("job auth secret is required")
	}
	if cfg.ExpirationMinutes <= 0 {
		return "", fmt.Errorf("job auth expiration minutes must be positive")
	}

	issuedAt := jwt.NewNumericDate(now)
	expiry := jwt.NewNumericDate(now.Add(time.Duration(cfg.ExpirationMinutes) * time.Minute))

	jti := strings.TrimSpace(payload.JTI)
	if jti == "" {
		jti = uuid.NewString()
	}
	subject := strings.TrimSpace(payload.Subject)
	if subject == "" {
		subject = "hold-expiration-scheduler"
	}

	claims := ServiceTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   subject,
			IssuedAt:  issuedAt,
			ExpiresAt: expiry,
			ID:        jti,
		},
	}

	token := jwt.NewWithClaims(jwtSigningMethod, claims)
	signed, err := token.SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}
	return signed, nil
}

// ParseServiceToken validates the JWT string and returns typed claims.
func ParseServiceToken(cfg config.JobAuthConfig, tokenString string) (*ServiceTokenClaims, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("job auth secret is required")
	}

	claims := &ServiceTokenClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method != jwtSigningMethod {
				return nil, fmt.Errorf("unexpected signing method %s", token.Header["alg"])
			}
			return []byte(cfg.Secret), nil
		},
		jwt.WithValidMethods([]string{jwtSigningMethod.Alg()}),
	)
	if err != nil {
		return nil, err
	}

	return claims, nil
}

// ValidBearerSecret reports whether the provided bearer value is the raw
// shared secret, for operators who trigger the sweep without minting a JWT.
func ValidBearerSecret(cfg config.JobAuthConfig, bearer string) bool {
	return cfg.Secret != "" && bearer == cfg.Secret
}
