package credential

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// jwtSegments is the number of dot-separated segments in a compact JWS.
const jwtSegments = 3

// jwtExpiry returns the exp claim of a JWT access token, or the zero time
// for opaque tokens. The signature is not verified: the value is only used
// for diagnostics, and the backend stays the authority on validity.
func jwtExpiry(token string) time.Time {
	if len(strings.Split(token, ".")) != jwtSegments {
		return time.Time{}
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}

	return exp.Time
}
