package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// ServiceTokenPayload captures the data available when minting a
// service-to-service job-auth token.
type ServiceTokenPayload struct {
	Subject string
	JTI     string
}

// ServiceTokenClaims represents the typed JWT issued to job callers (e.g.
// the hold-expiration scheduler hitting POST /jobs/expire-holds).
type ServiceTokenClaims struct {
	jwt.RegisteredClaims
}
