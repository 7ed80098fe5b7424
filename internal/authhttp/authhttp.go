// Package authhttp implements the two unauthenticated HTTP handlers,
// /api/auth/register and /api/auth/login, wiring internal/credentials
// (password verification) to internal/auth (token issuance). It is kept
// separate from internal/auth so that package stays a pure token
// verifier/issuer with no HTTP-layer concerns.
package authhttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/zalando-incubator/gatekeeper/internal/auth"
	"github.com/zalando-incubator/gatekeeper/internal/credentials"
)

// Handler bundles the collaborators the two endpoints need.
type Handler struct {
	users          *credentials.Registry
	verifier       *auth.Verifier
	accessTokenTTL time.Duration
}

// New builds a Handler. accessTokenTTL comes from config.Config's
// AccessTokenTTL.
func New(users *credentials.Registry, verifier *auth.Verifier, accessTokenTTL time.Duration) *Handler {
	return &Handler{users: users, verifier: verifier, accessTokenTTL: accessTokenTTL}
}

// Register mounts both endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/register", h.register)
	mux.HandleFunc("POST /api/auth/login", h.login)
}

type registerRequest struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	Roles    []string `json:"roles"`
	Scopes   []string `json:"scopes"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "username and password are required"})
		return
	}

	if err := h.users.Register(req.Username, req.Password, req.Roles, req.Scopes); err != nil {
		if errors.Is(err, credentials.ErrExists) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not register user"})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"status": "registered"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	record, err := h.users.Verify(req.Username, req.Password)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid username or password"})
		return
	}

	token, expiry, err := h.verifier.Issue(record.Username, record.Roles, record.Scopes, h.accessTokenTTL)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not issue token"})
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(time.Until(expiry).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
