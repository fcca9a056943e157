// Package restore keeps the last known on/off state of the guest mode
// switches so they come back in the same position after a restart.
package restore

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists the last known state string of an entity
type Store interface {
	LastKnownState(entityID string) (string, bool, error)
	SaveState(entityID, state string) error
	Delete(entityID string) error
	Close() error
}

// SQLiteStore is a Store backed by a SQLite database
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens the database at path and initializes the schema
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS switch_state (
			entity_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create switch_state table: %w", err)
	}
	return nil
}

// LastKnownState returns the stored state, or ok=false if none was saved
func (s *SQLiteStore) LastKnownState(entityID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var state string
	err := s.db.QueryRow(`
		SELECT state FROM switch_state WHERE entity_id = ?
	`, entityID).Scan(&state)

	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read state of %s: %w", entityID, err)
	}
	return state, true, nil
}

// SaveState inserts or replaces the state of an entity
func (s *SQLiteStore) SaveState(entityID, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO switch_state (entity_id, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at
	`, entityID, state, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("failed to save state of %s: %w", entityID, err)
	}
	return nil
}

// Delete removes the stored state of an entity
func (s *SQLiteStore) Delete(entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM switch_state WHERE entity_id = ?`, entityID); err != nil {
		return fmt.Errorf("failed to delete state of %s: %w", entityID, err)
	}
	return nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// MemoryStore is a Store that lives only as long as the process
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]string)}
}

func (m *MemoryStore) LastKnownState(entityID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[entityID]
	return state, ok, nil
}

func (m *MemoryStore) SaveState(entityID, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[entityID] = state
	return nil
}

func (m *MemoryStore) Delete(entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, entityID)
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
