package jwt

import (
	"errors"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// ErrNoExpiry indicates the token is a JWT without an exp claim.
var ErrNoExpiry = errors.New("token carries no expiry")

// Expiry reads the exp claim of an issued access token without verifying its
// signature. The signing key belongs to the issuer; the claim is only used to
// schedule a refresh before the issuer starts rejecting the token.
func Expiry(token string) (time.Time, error) {
	parser := jwtlib.NewParser()
	claims := jwtlib.RegisteredClaims{}
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiry
	}
	return claims.ExpiresAt.Time, nil
}

// minGrantedShare is the smallest fraction of the requested lifetime an exp
// claim may shorten it to. Anything below is treated as issuer clock skew.
const minGrantedShare = 10

// Lifetime returns how long token remains valid after issuedAt, capped at
// requested. Opaque tokens, tokens without exp, and tokens whose exp lands
// before issuedAt or within a tenth of requested keep the requested lifetime.
func Lifetime(token string, issuedAt time.Time, requested time.Duration) time.Duration {
	exp, err := Expiry(token)
	if err != nil {
		return requested
	}
	granted := exp.Sub(issuedAt)
	if requested <= 0 {
		return max(granted, 0)
	}
	if granted > requested || granted < requested/minGrantedShare {
		return requested
	}
	return granted
}
