// Package auth inspects bearer tokens locally before they are sent to the
// backend. Signatures are not verified here; the backend does that when the
// token is validated against /users/me.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrTokenMissing   = errors.New("auth: token missing")
	ErrTokenMalformed = errors.New("auth: token malformed")
	ErrTokenExpired   = errors.New("auth: token expired")
)

// Claims is what the gateway reads from a token.
type Claims struct {
	Subject   string
	ExpiresAt time.Time // zero when the token carries no exp claim
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// Inspect decodes token without verifying its signature and rejects it when
// its exp claim lies before now minus leeway.
func Inspect(token string, now time.Time, leeway time.Duration) (*Claims, error) {
	if token == "" {
		return nil, ErrTokenMissing
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}

	out := &Claims{Subject: fmt.Sprint(claimOrEmpty(claims, "sub"))}

	if raw, ok := claims["exp"]; ok {
		exp, err := numericTime(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: exp: %v", ErrTokenMalformed, err)
		}
		out.ExpiresAt = exp
		if now.After(exp.Add(leeway)) {
			return out, ErrTokenExpired
		}
	}
	return out, nil
}

func claimOrEmpty(claims jwt.MapClaims, key string) any {
	if v, ok := claims[key]; ok && v != nil {
		return v
	}
	return ""
}

func numericTime(v any) (time.Time, error) {
	switch exp := v.(type) {
	case float64:
		return time.Unix(int64(exp), 0), nil
	case int64:
		return time.Unix(exp, 0), nil
	default:
		return time.Time{}, fmt.Errorf("unexpected type %T", v)
	}
}
