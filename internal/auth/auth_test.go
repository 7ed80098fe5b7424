package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestVerifyRoundTrip covers property 5: a token produced by Issue with the
// configured secret verifies successfully before exp.
func TestVerifyRoundTrip(t *testing.T) {
	v := NewVerifier("correct-secret", 2*time.Second)

	token, expiry, err := v.Issue("alice", []string{"admin"}, []string{"orders:read"}, time.Minute)
	require.NoError(t, err)

	p, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Subject)
	assert.Equal(t, []string{"admin"}, p.Roles)
	assert.Equal(t, []string{"orders:read"}, p.Scopes)
	assert.WithinDuration(t, expiry, p.TokenExpiry, time.Second)
}

// TestVerifyRejectsTamperedToken covers the other half of property 5: a
// flipped bit anywhere in the token fails verification.
func TestVerifyRejectsTamperedToken(t *testing.T) {
	v := NewVerifier("correct-secret", 2*time.Second)
	token, _, err := v.Issue("alice", nil, nil, time.Minute)
	require.NoError(t, err)

	cases := map[string]string{
		"flipped signature": token[:len(token)-1] + "x",
		"wrong secret":      "",
	}

	for name, tampered := range cases {
		t.Run(name, func(t *testing.T) {
			if tampered == "" {
				other := NewVerifier("wrong-secret", 2*time.Second)
				_, err := other.Verify(token)
				assert.Error(t, err)
				return
			}
			_, err := v.Verify(tampered)
			assert.Error(t, err)
		})
	}
}

// TestVerifyExpired covers S4: a token whose exp is in the past is
// rejected with KindExpired, and the same subject with a future exp passes.
func TestVerifyExpired(t *testing.T) {
	v := NewVerifier("secret", 2*time.Second)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-1 * time.Second)),
		},
	})
	expiredSigned, err := expired.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = v.Verify(expiredSigned)
	require.Error(t, err)
	authErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindExpired, authErr.Kind)
	assert.Equal(t, http.StatusUnauthorized, authErr.StatusCode())

	token, _, err := v.Issue("alice", nil, nil, 60*time.Second)
	require.NoError(t, err)
	p, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Subject)
}

func TestRequireScopesForbidden(t *testing.T) {
	p := &Principal{Subject: "alice", Scopes: []string{"orders:read"}}

	err := RequireScopes(p, []string{"orders:read"})
	assert.NoError(t, err)

	err = RequireScopes(p, []string{"orders:write"})
	require.Error(t, err)
	authErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindForbidden, authErr.Kind)
	assert.Equal(t, http.StatusForbidden, authErr.StatusCode())
}

func TestExtractBearer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/orders/1", nil)
	req.Header.Set("Authorization", "Bearer abc.def.ghi")

	token, err := ExtractBearer(req)
	require.NoError(t, err)
	assert.Equal(t, "abc.def.ghi", token)

	req.Header.Set("Authorization", "Basic xyz")
	_, err = ExtractBearer(req)
	assert.Error(t, err)
}
