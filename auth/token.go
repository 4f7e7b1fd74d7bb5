// Package auth inspects externally supplied credentials. The engine never
// generates or stores tokens; it only needs to fail fast on a credential
// that is already unusable and to know when rotation is due.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Expiry extracts the expiration claim without verifying the signature.
// Verification belongs to the server; the client only reads the deadline.
// A token without an exp claim yields a zero time and no error.
func Expiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, err
	}
	return exp.Time, nil
}

// Expired reports whether the token carries an exp claim in the past.
// Unparseable tokens are not judged here; the server rejects them on
// connect and that failure is surfaced as an auth error.
func Expired(token string, now time.Time) bool {
	exp, err := Expiry(token)
	if err != nil || exp.IsZero() {
		return false
	}
	return exp.Before(now)
}
