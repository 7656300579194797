// Package entity stores the current payload of every synchronized
// application entity. The change journal records that an entity changed;
// this store holds what it changed to.
package entity

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"

	"github.com/codetaoist/taishanglaojun/internal/db"
	"github.com/codetaoist/taishanglaojun/internal/errors"
	"github.com/codetaoist/taishanglaojun/internal/models"
)

// Store provides read and apply access to entity payloads.
type Store struct {
	repo *db.Repository
}

// NewStore creates a Store backed by the given repository.
func NewStore(repo *db.Repository) *Store {
	return &Store{repo: repo}
}

// Hash returns the canonical content hash of a payload. Two devices
// holding byte-identical payloads always compute the same hash, which is
// how unchanged data is recognized without shipping the payload.
func Hash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Apply makes the store reflect one change record. Creates and updates
// replace the stored payload; deletes leave a tombstone so the entity does
// not resurrect on a later incremental sync. Reads touch nothing.
func (s *Store) Apply(rec *models.SyncRecord, payload []byte) error {
	switch rec.Operation {
	case models.OperationCreate, models.OperationUpdate:
		if err := s.repo.UpsertEntity(rec.DataType, rec.DataID, payload, rec.DataHash, rec.Timestamp); err != nil {
			return errors.Transient(errors.ErrDatabase, "failed to store entity payload", err)
		}
	case models.OperationDelete:
		if err := s.repo.MarkEntityDeleted(rec.DataType, rec.DataID, rec.Timestamp); err != nil {
			return errors.Transient(errors.ErrDatabase, "failed to tombstone entity", err)
		}
	case models.OperationRead:
		// Reads are journaled for audit but change no state
	default:
		return errors.New(errors.ErrInvalid, "unknown operation: "+string(rec.Operation))
	}
	return nil
}

// Get returns the current payload of an entity.
func (s *Store) Get(dataType models.DataType, dataID string) ([]byte, error) {
	payload, err := s.repo.GetEntity(dataType, dataID)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrNotFound, "entity not found")
	}
	if err != nil {
		return nil, errors.Transient(errors.ErrDatabase, "failed to load entity", err)
	}
	return payload, nil
}
