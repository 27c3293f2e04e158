// internal/auth/jwt.go
//
// Admin session tokens.
//
// Context
// -------
// The admin API is single-operator: one username, one secret, stateless
// HS256 tokens.  Issue hands out a 24 hour token after a successful login,
// Verify gates every admin route.  There is no refresh flow; the dashboard
// simply logs in again.
//
// Oxford commas, two spaces after periods.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer   = "platformx"
	tokenTTL = 24 * time.Hour
)

// ErrInvalidToken covers forged and malformed tokens.  Expiry is the one
// failure reported separately, so the dashboard can prompt a clean
// re-login instead of treating the operator as an attacker.
var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrTokenExpired = errors.New("auth: token expired")
)

// Claims is the JWT payload for admin sessions.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Issue signs a fresh admin token.
func Issue(secret, username string) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(tokenTTL)
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify parses and validates a token, returning its claims.
func Verify(secret, raw string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if !tok.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
