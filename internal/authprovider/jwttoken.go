package authprovider

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ParseOAuthTokenExpiry extracts the exp claim from a third-party-issued
// OAuth access token without verifying its signature: we are a relying
// party consuming a token minted by the source's own authorization server,
// not its issuer, so there is no key to verify against here. Signature
// verification of these tokens happens at the source itself on first use;
// this parse only lets us proactively reject an already-expired token
// before spending a doomed connector call on it.
func ParseOAuthTokenExpiry(tokenString string) (time.Time, error) {
	parser := jwt.NewParser()
	var claims jwt.RegisteredClaims
	if _, _, err := parser.ParseUnverified(tokenString, &claims); err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}

// IsExpired reports whether tokenString's exp claim is in the past. A token
// that cannot be parsed as a JWT (an opaque access token, common for
// sources that don't use JWTs) is never considered expired here; the
// source's own API call is the real check in that case.
func IsExpired(tokenString string) bool {
	expiry, err := ParseOAuthTokenExpiry(tokenString)
	if err != nil || expiry.IsZero() {
		return false
	}
	return time.Now().After(expiry)
}
