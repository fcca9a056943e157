package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrZoneNotFound = errors.New("zone not found")
	ErrZoneExists   = errors.New("zone already exists")
	ErrInvalidZone  = errors.New("invalid zone")

	ErrInvalidDocument = errors.New("invalid zones document")
)

// CleanupFunc runs after a zone has been deleted from the store
type CleanupFunc func(key string) error

// Store owns the configuration document and its mutation surface. An empty
// path keeps the document in memory only.
type Store struct {
	path   string
	logger *zap.Logger

	mu  sync.RWMutex
	doc *Document

	cleanupMu sync.Mutex
	cleanups  []CleanupFunc
}

// NewStore creates a store backed by the YAML document at path
func NewStore(path string, logger *zap.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger.Named("policy"),
		doc:    &Document{Version: CurrentVersion},
	}
}

// NewMemoryStore creates a store holding the given document without a file
func NewMemoryStore(doc *Document, logger *zap.Logger) *Store {
	s := NewStore("", logger)
	if doc != nil {
		s.doc = doc.clone()
		s.doc.Version = CurrentVersion
	}
	return s
}

// Load reads the document from disk. A missing file yields an empty store.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("No zones file, starting with an empty configuration", zap.String("path", s.path))
		s.mu.Lock()
		s.doc = &Document{Version: CurrentVersion}
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", s.path, err)
	}

	doc, err := ParseDocument(data)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()

	s.logger.Info("Loaded zones",
		zap.String("path", s.path),
		zap.Int("zones", len(doc.Zones)),
		zap.Bool("global_wifi", doc.GlobalWifi.Configured()))
	return nil
}

// Save writes the document to disk, replacing the previous file atomically
func (s *Store) Save() error {
	s.mu.RLock()
	doc := s.doc.clone()
	s.mu.RUnlock()
	return s.write(doc)
}

func (s *Store) write(doc *Document) error {
	if s.path == "" {
		return nil
	}

	data, err := doc.Marshal()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}
	return nil
}

// commit persists next and swaps it in. On a write failure the in-memory
// document is left untouched.
func (s *Store) commit(next *Document) error {
	if err := s.write(next); err != nil {
		return err
	}
	s.doc = next
	return nil
}

// Zones returns a copy of all zones in definition order
func (s *Store) Zones() []ZonePolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	zones := make([]ZonePolicy, len(s.doc.Zones))
	for i, zone := range s.doc.Zones {
		zones[i] = zone.Clone()
	}
	return zones
}

// Zone returns one zone by key
func (s *Store) Zone(key string) (ZonePolicy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.doc.indexOf(key); i >= 0 {
		return s.doc.Zones[i].Clone(), true
	}
	return ZonePolicy{}, false
}

// GlobalWifi returns the WiFi directive, or nil when none is configured
func (s *Store) GlobalWifi() *GlobalWifiPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.doc.GlobalWifi == nil {
		return nil
	}
	wifi := *s.doc.GlobalWifi
	return &wifi
}

// SetGlobalWifi replaces the WiFi directive; nil removes it
func (s *Store) SetGlobalWifi(wifi *GlobalWifiPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc.clone()
	if wifi == nil || wifi.Entity == "" {
		next.GlobalWifi = nil
	} else {
		w := *wifi
		if w.Mode == "" {
			w.Mode = WifiOff
		}
		if _, err := ParseWifiMode(string(w.Mode)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidZone, err)
		}
		next.GlobalWifi = &w
	}
	return s.commit(next)
}

// AddZone derives the zone key from the display name and appends the zone
func (s *Store) AddZone(zone ZonePolicy) (ZonePolicy, error) {
	zone = zone.Clone()
	zone.normalize()
	if zone.Name == "" {
		return ZonePolicy{}, fmt.Errorf("%w: name is required", ErrInvalidZone)
	}
	zone.Key = ZoneKey(zone.Name)
	if strings.Trim(zone.Key, "_") == "" {
		return ZonePolicy{}, fmt.Errorf("%w: name %q yields an empty key", ErrInvalidZone, zone.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc.indexOf(zone.Key) >= 0 {
		return ZonePolicy{}, fmt.Errorf("zone %q: %w", zone.Key, ErrZoneExists)
	}

	next := s.doc.clone()
	next.Zones = append(next.Zones, zone)
	if err := s.commit(next); err != nil {
		return ZonePolicy{}, err
	}

	s.logger.Info("Added zone", zap.String("zone", zone.Key), zap.String("name", zone.Name))
	return zone.Clone(), nil
}

// UpdateZone replaces the lists and display name of a zone. The key never
// changes, even when the display name does.
func (s *Store) UpdateZone(key string, zone ZonePolicy) error {
	zone = zone.Clone()
	zone.normalize()
	zone.Key = key
	if zone.Name == "" {
		zone.Name = key
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.doc.indexOf(key)
	if i < 0 {
		return fmt.Errorf("zone %q: %w", key, ErrZoneNotFound)
	}

	next := s.doc.clone()
	next.Zones[i] = zone
	if err := s.commit(next); err != nil {
		return err
	}

	s.logger.Info("Updated zone", zap.String("zone", key))
	return nil
}

// DeleteZone removes a zone and then runs the registered cleanup hooks.
// Hook failures are logged and do not undo the removal.
func (s *Store) DeleteZone(key string) error {
	s.mu.Lock()
	i := s.doc.indexOf(key)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("zone %q: %w", key, ErrZoneNotFound)
	}

	next := s.doc.clone()
	next.Zones = append(next.Zones[:i], next.Zones[i+1:]...)
	err := s.commit(next)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.logger.Info("Deleted zone", zap.String("zone", key))

	s.cleanupMu.Lock()
	hooks := append([]CleanupFunc(nil), s.cleanups...)
	s.cleanupMu.Unlock()

	for _, hook := range hooks {
		if err := hook(key); err != nil {
			s.logger.Warn("Zone cleanup failed", zap.String("zone", key), zap.Error(err))
		}
	}
	return nil
}

// OnZoneDeleted registers a hook run after every successful DeleteZone
func (s *Store) OnZoneDeleted(fn CleanupFunc) {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()
	s.cleanups = append(s.cleanups, fn)
}
