// Package credentials implements the minimal user registry backing
// /api/auth/login and /api/auth/register. It holds bcrypt password hashes
// in process memory; persistence beyond the process lifetime is out of
// scope.
package credentials

import (
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrExists is returned by Register when the username is already taken.
var ErrExists = errors.New("username already registered")

// ErrInvalid is returned by Verify when the username or password is wrong.
var ErrInvalid = errors.New("invalid username or password")

// Record is one registered user.
type Record struct {
	Username     string
	PasswordHash []byte
	Roles        []string
	Scopes       []string
}

// Registry is an in-memory, mutex-guarded user store.
type Registry struct {
	mu    sync.RWMutex
	users map[string]Record
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{users: make(map[string]Record)}
}

// Register hashes password and stores a new user. It fails if username is
// already taken.
func (r *Registry) Register(username, password string, roles, scopes []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[username]; exists {
		return ErrExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	r.users[username] = Record{
		Username:     username,
		PasswordHash: hash,
		Roles:        roles,
		Scopes:       scopes,
	}
	return nil
}

// Verify checks username/password against the stored hash and returns the
// matching Record on success.
func (r *Registry) Verify(username, password string) (Record, error) {
	r.mu.RLock()
	record, ok := r.users[username]
	r.mu.RUnlock()

	if !ok {
		return Record{}, ErrInvalid
	}

	if err := bcrypt.CompareHashAndPassword(record.PasswordHash, []byte(password)); err != nil {
		return Record{}, ErrInvalid
	}

	return record, nil
}
