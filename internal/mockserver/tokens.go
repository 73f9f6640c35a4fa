package mockserver

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// TokenRegistry issues session tokens for fixture users and validates the
// bearer tokens presented to the bulk-read and test-mode endpoints. Only
// bcrypt hashes are kept.
//
// A Server without a registry accepts any non-empty bearer token.
type TokenRegistry struct {
	mu     sync.RWMutex
	hashes map[string]string // user id -> bcrypt hash
	cost   int
}

// NewTokenRegistry creates an empty registry.
func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{hashes: make(map[string]string), cost: bcrypt.DefaultCost}
}

// Issue creates a new token for userID, replacing any earlier one.
func (r *TokenRegistry) Issue(userID string) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), r.cost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}

	r.mu.Lock()
	r.hashes[userID] = string(hash)
	r.mu.Unlock()
	return token, nil
}

// Revoke forgets userID's token.
func (r *TokenRegistry) Revoke(userID string) {
	r.mu.Lock()
	delete(r.hashes, userID)
	r.mu.Unlock()
}

// Validate returns the user the token was issued to.
//
// This scans every hash; the registry only ever holds a handful of users.
func (r *TokenRegistry) Validate(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	for userID, hash := range r.hashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil {
			return userID, true
		}
	}
	return "", false
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
