package storage

// identity.go contains SQLiteStore methods for the persisted session identity.

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	apperrors "github.com/pilonas/console/internal/errors"
	"github.com/pilonas/console/internal/identity"
)

// identitySlot is the single row key; one identity per client install.
const identitySlot = "current"

// SaveIdentity persists the identity, replacing any previous one.
func (s *SQLiteStore) SaveIdentity(id *identity.Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}

	blob, err := json.Marshal(id)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "encode identity", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Debug().Str("user", id.String()).Msg("saving session identity")

	const query = `
		INSERT OR REPLACE INTO session_identity (slot, blob, saved_at)
		VALUES (?, ?, ?)
	`
	if _, err := s.db.Exec(query, identitySlot, string(blob), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "save identity", err)
	}
	return nil
}

// LoadIdentity returns the persisted identity.
// Returns nil, nil if no identity has been saved.
func (s *SQLiteStore) LoadIdentity() (*identity.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var blob string
	err := s.db.QueryRow("SELECT blob FROM session_identity WHERE slot = ?", identitySlot).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "load identity", err)
	}

	var id identity.Identity
	if err := json.Unmarshal([]byte(blob), &id); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "decode identity", err)
	}
	return &id, nil
}

// ClearIdentity removes the persisted identity. Clearing an empty store is
// not an error.
func (s *SQLiteStore) ClearIdentity() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Debug().Msg("clearing session identity")
	if _, err := s.db.Exec("DELETE FROM session_identity WHERE slot = ?", identitySlot); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "clear identity", err)
	}
	return nil
}
