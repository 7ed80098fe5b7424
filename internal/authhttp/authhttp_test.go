package authhttp

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zalando-incubator/gatekeeper/internal/auth"
	"github.com/zalando-incubator/gatekeeper/internal/credentials"
)

func newTestHandler() *Handler {
	users := credentials.NewRegistry()
	verifier := auth.NewVerifier("test-secret", time.Second)
	return New(users, verifier, time.Hour)
}

func mux(h *Handler) *http.ServeMux {
	m := http.NewServeMux()
	h.Register(m)
	return m
}

func doJSON(t *testing.T, m *http.ServeMux, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)
	return rec
}

func TestRegisterThenLoginIssuesVerifiableToken(t *testing.T) {
	h := newTestHandler()
	m := mux(h)

	rec := doJSON(t, m, "POST", "/api/auth/register", registerRequest{
		Username: "alice", Password: "correct-horse", Roles: []string{"user"}, Scopes: []string{"orders:read"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, m, "POST", "/api/auth/login", loginRequest{Username: "alice", Password: "correct-horse"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp loginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, "bearer", resp.TokenType)
	assert.Greater(t, resp.ExpiresIn, int64(0))

	principal, err := h.verifier.Verify(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", principal.Subject)
	assert.Equal(t, []string{"orders:read"}, principal.Scopes)
}

func TestRegisterDuplicateUsernameConflicts(t *testing.T) {
	h := newTestHandler()
	m := mux(h)

	rec := doJSON(t, m, "POST", "/api/auth/register", registerRequest{Username: "bob", Password: "hunter2"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, m, "POST", "/api/auth/register", registerRequest{Username: "bob", Password: "hunter2"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	h := newTestHandler()
	m := mux(h)

	rec := doJSON(t, m, "POST", "/api/auth/register", registerRequest{Username: "carol", Password: "right"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, m, "POST", "/api/auth/login", loginRequest{Username: "carol", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterRejectsEmptyCredentials(t *testing.T) {
	h := newTestHandler()
	m := mux(h)

	rec := doJSON(t, m, "POST", "/api/auth/register", registerRequest{Username: "", Password: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
