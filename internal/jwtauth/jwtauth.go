// Package jwtauth mints short-lived HS256 tokens for health-probe
// authentication against a backend's engine port. Tokens are never cached —
// caching would open a replay window for no throughput benefit, since minting
// one is cheap and each probe cycle needs a fresh one anyway.
package jwtauth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Sign returns an HS256 JWT over {"iat": iat}, signed with secret.
func Sign(secret []byte, iat int64) (string, error) {
	claims := jwt.RegisteredClaims{
		IssuedAt: jwt.NewNumericDate(time.Unix(iat, 0)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
