// Package alias maps a stable device key to an operator-assigned label. The
// mapping lives independently of the detection registry: labels survive
// device purges and process restarts, and labeling a key before its first
// sighting is legal and takes effect retroactively.
package alias

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dronewatch/meshmapper/internal/storage"
)

// ErrNotFound is returned when no label is assigned to a key.
var ErrNotFound = errors.New("alias not found")

// Store is the in-memory alias map backed by the sqlite store. Reads are
// served from memory; writes go through to the database.
type Store struct {
	db *storage.Store

	mu      sync.RWMutex
	aliases map[string]string
}

// Open loads all persisted aliases into memory.
func Open(db *storage.Store) (*Store, error) {
	rows, err := db.Aliases()
	if err != nil {
		return nil, fmt.Errorf("loading aliases: %w", err)
	}

	aliases := make(map[string]string, len(rows))
	for _, row := range rows {
		aliases[row.Key] = row.Label
	}

	return &Store{db: db, aliases: aliases}, nil
}

// Set assigns a label to a key, whether or not the key has ever been seen.
func (s *Store) Set(key, label string) error {
	if key == "" {
		return fmt.Errorf("alias key must not be empty")
	}

	if err := s.db.UpsertAlias(key, label); err != nil {
		return err
	}

	s.mu.Lock()
	s.aliases[key] = label
	s.mu.Unlock()
	return nil
}

// Clear removes the label for a key.
func (s *Store) Clear(key string) error {
	s.mu.Lock()
	_, ok := s.aliases[key]
	delete(s.aliases, key)
	s.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	return s.db.DeleteAlias(key)
}

// Get returns the label for a key.
func (s *Store) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	label, ok := s.aliases[key]
	if !ok {
		return "", ErrNotFound
	}
	return label, nil
}

// Label is the registry-join form of Get: it returns the label or an empty
// string, never an error.
func (s *Store) Label(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aliases[key]
}

// All returns a copy of the alias map.
func (s *Store) All() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.aliases))
	for k, v := range s.aliases {
		out[k] = v
	}
	return out
}
