// Package auth implements a stateless bearer-token verifier: a signed
// three-part token is parsed, its signature and timing claims are checked,
// and a short-lived Principal is produced for the rest of the request
// pipeline.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	headerName   = "Authorization"
	headerPrefix = "Bearer "
)

// ErrorKind enumerates the ways bearer-token verification can fail.
type ErrorKind string

const (
	KindMalformed        ErrorKind = "malformed"
	KindInvalidSignature ErrorKind = "invalid_signature"
	KindExpired          ErrorKind = "expired"
	KindNotYetValid      ErrorKind = "not_yet_valid"
	KindMissingClaim     ErrorKind = "missing_claim"
	KindForbidden        ErrorKind = "forbidden"
)

// Error carries a verification failure and the HTTP status it maps to.
// Every kind maps to 401 except Forbidden, which maps to 403.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return e.Message }

// StatusCode maps the error kind to the HTTP status the caller should
// respond with.
func (e *Error) StatusCode() int {
	if e.Kind == KindForbidden {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

func newError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Principal is the authenticated identity carried for the duration of one
// request.
type Principal struct {
	Subject     string
	Roles       []string
	Scopes      []string
	TokenExpiry time.Time
}

func (p *Principal) hasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// claims is the JWT payload shape this gateway both issues and verifies.
type claims struct {
	Roles  []string `json:"roles"`
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// Verifier issues and verifies HMAC-SHA256-signed bearer tokens.
type Verifier struct {
	secret []byte
	leeway time.Duration
}

// NewVerifier builds a Verifier. leeway is the clock-skew tolerance applied
// to exp/nbf checks.
func NewVerifier(secret string, leeway time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), leeway: leeway}
}

// ExtractBearer pulls the raw token out of the Authorization header.
func ExtractBearer(r *http.Request) (string, error) {
	h := r.Header.Get(headerName)
	if !strings.HasPrefix(h, headerPrefix) {
		return "", newError(KindMalformed, "missing bearer token")
	}
	return h[len(headerPrefix):], nil
}

// Verify parses and checks a raw bearer token, returning the resulting
// Principal or an *Error naming which check failed.
func (v *Verifier) Verify(rawToken string) (*Principal, error) {
	if rawToken == "" {
		return nil, newError(KindMalformed, "empty token")
	}

	parsed := &claims{}
	token, err := jwt.ParseWithClaims(rawToken, parsed, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithLeeway(v.leeway))

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, newError(KindExpired, "token expired")
		case errors.Is(err, jwt.ErrTokenNotValidYet):
			return nil, newError(KindNotYetValid, "token not yet valid")
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, newError(KindInvalidSignature, "invalid signature")
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, newError(KindMalformed, "malformed token")
		default:
			return nil, newError(KindMalformed, err.Error())
		}
	}

	if !token.Valid {
		return nil, newError(KindInvalidSignature, "invalid signature")
	}

	if parsed.Subject == "" {
		return nil, newError(KindMissingClaim, "missing sub claim")
	}

	expiry, err := parsed.GetExpirationTime()
	if err != nil || expiry == nil {
		return nil, newError(KindMissingClaim, "missing exp claim")
	}

	return &Principal{
		Subject:     parsed.Subject,
		Roles:       parsed.Roles,
		Scopes:      parsed.Scopes,
		TokenExpiry: expiry.Time,
	}, nil
}

// Issue signs a new bearer token for subject, used by /api/auth/login.
func (v *Verifier) Issue(subject string, roles, scopes []string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiry := now.Add(ttl)

	c := claims{
		Roles:  roles,
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}

	return signed, expiry, nil
}

// RequireScopes checks that principal carries every scope in required.
func RequireScopes(p *Principal, required []string) error {
	for _, scope := range required {
		if !p.hasScope(scope) {
			return newError(KindForbidden, fmt.Sprintf("missing required scope %q", scope))
		}
	}
	return nil
}
