// Package state mirrors switch positions into Home Assistant input_boolean
// helpers and reports changes made on the Home Assistant side.
package state

import (
	"fmt"
	"sync"

	"guestmode/internal/ha"

	"go.uber.org/zap"
)

// StateChangeHandler is called when a variable changes on the HA side
type StateChangeHandler func(key string, oldValue, newValue bool)

// Subscription represents an active state change subscription
type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	key     string
	id      int
	manager *Manager
}

func (s *subscription) Unsubscribe() {
	s.manager.unsubscribe(s.key, s.id)
}

type handlerEntry struct {
	id      int
	handler StateChangeHandler
}

// Manager manages boolean variables synchronized with Home Assistant
type Manager struct {
	client   ha.HAClient
	logger   *zap.Logger
	readOnly bool

	cache   map[string]bool
	cacheMu sync.RWMutex

	variables   map[string]Variable
	entityToKey map[string]string
	haSubs      map[string]ha.Subscription
	varsMu      sync.RWMutex

	subscribers map[string][]handlerEntry
	nextSubID   int
	subsMu      sync.RWMutex
}

// NewManager creates a new state manager
func NewManager(client ha.HAClient, logger *zap.Logger, readOnly bool) *Manager {
	return &Manager{
		client:      client,
		logger:      logger.Named("state"),
		readOnly:    readOnly,
		cache:       make(map[string]bool),
		variables:   make(map[string]Variable),
		entityToKey: make(map[string]string),
		haSubs:      make(map[string]ha.Subscription),
		subscribers: make(map[string][]handlerEntry),
	}
}

// Register adds a variable and subscribes to its HA entity
func (m *Manager) Register(v Variable) error {
	m.varsMu.Lock()
	if _, ok := m.variables[v.Key]; ok {
		m.varsMu.Unlock()
		return fmt.Errorf("variable %s already registered", v.Key)
	}
	m.variables[v.Key] = v
	m.entityToKey[v.EntityID] = v.Key
	m.varsMu.Unlock()

	m.cacheMu.Lock()
	if _, ok := m.cache[v.Key]; !ok {
		m.cache[v.Key] = v.Default
	}
	m.cacheMu.Unlock()

	if err := m.subscribeToEntity(v.EntityID, v.Key); err != nil {
		m.logger.Warn("Failed to subscribe to entity",
			zap.String("entity_id", v.EntityID),
			zap.Error(err))
	}
	return nil
}

// Unregister drops a variable, its cached value and its subscribers
func (m *Manager) Unregister(key string) {
	m.varsMu.Lock()
	v, ok := m.variables[key]
	if !ok {
		m.varsMu.Unlock()
		return
	}
	delete(m.variables, key)
	delete(m.entityToKey, v.EntityID)
	sub := m.haSubs[v.EntityID]
	delete(m.haSubs, v.EntityID)
	m.varsMu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			m.logger.Warn("Failed to unsubscribe from entity",
				zap.String("entity_id", v.EntityID),
				zap.Error(err))
		}
	}

	m.cacheMu.Lock()
	delete(m.cache, key)
	m.cacheMu.Unlock()

	m.subsMu.Lock()
	delete(m.subscribers, key)
	m.subsMu.Unlock()
}

// Variable returns the definition of a registered variable
func (m *Manager) Variable(key string) (Variable, bool) {
	m.varsMu.RLock()
	defer m.varsMu.RUnlock()
	v, ok := m.variables[key]
	return v, ok
}

// SyncFromHA reads all registered variables from Home Assistant
func (m *Manager) SyncFromHA() error {
	m.logger.Info("Syncing state from Home Assistant...")

	states, err := m.client.GetAllStates()
	if err != nil {
		return fmt.Errorf("failed to get states: %w", err)
	}

	stateMap := make(map[string]*ha.State, len(states))
	for _, state := range states {
		stateMap[state.EntityID] = state
	}

	m.varsMu.RLock()
	variables := make([]Variable, 0, len(m.variables))
	for _, v := range m.variables {
		variables = append(variables, v)
	}
	m.varsMu.RUnlock()

	syncCount := 0
	for _, variable := range variables {
		state, ok := stateMap[variable.EntityID]
		if !ok {
			m.logger.Warn("Entity not found in HA, using default",
				zap.String("entity_id", variable.EntityID),
				zap.String("key", variable.Key))
			continue
		}

		m.cacheMu.Lock()
		m.cache[variable.Key] = state.State == "on"
		m.cacheMu.Unlock()
		syncCount++
	}

	m.logger.Info("State sync complete",
		zap.Int("synced", syncCount),
		zap.Int("total", len(variables)))

	return nil
}

// subscribeToEntity forwards HA-side changes of an entity to subscribers
func (m *Manager) subscribeToEntity(entityID, key string) error {
	sub, err := m.client.SubscribeStateChanges(entityID, func(entity string, oldState, newState *ha.State) {
		if newState == nil {
			return
		}

		m.varsMu.RLock()
		_, ok := m.variables[key]
		m.varsMu.RUnlock()
		if !ok {
			return
		}

		newValue := newState.State == "on"

		m.cacheMu.Lock()
		oldValue := m.cache[key]
		m.cache[key] = newValue
		m.cacheMu.Unlock()

		if oldValue == newValue {
			return
		}

		m.logger.Debug("State changed",
			zap.String("key", key),
			zap.Bool("old", oldValue),
			zap.Bool("new", newValue))

		m.notifySubscribers(key, oldValue, newValue)
	})
	if err != nil {
		return err
	}

	m.varsMu.Lock()
	m.haSubs[entityID] = sub
	m.varsMu.Unlock()
	return nil
}

// notifySubscribers runs each handler on its own goroutine
func (m *Manager) notifySubscribers(key string, oldValue, newValue bool) {
	m.subsMu.RLock()
	entries := append([]handlerEntry(nil), m.subscribers[key]...)
	m.subsMu.RUnlock()

	for _, entry := range entries {
		go entry.handler(key, oldValue, newValue)
	}
}

// GetBool retrieves a variable's current value
func (m *Manager) GetBool(key string) (bool, error) {
	m.varsMu.RLock()
	_, ok := m.variables[key]
	m.varsMu.RUnlock()
	if !ok {
		return false, fmt.Errorf("variable %s not found", key)
	}

	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	return m.cache[key], nil
}

// SetBool updates the cache and writes the value to the HA helper. The cache
// is rolled back if the write fails.
func (m *Manager) SetBool(key string, value bool) error {
	variable, ok := m.Variable(key)
	if !ok {
		return fmt.Errorf("variable %s not found", key)
	}

	m.cacheMu.Lock()
	oldValue := m.cache[key]
	m.cache[key] = value
	m.cacheMu.Unlock()

	if m.readOnly {
		m.logger.Info("READ-ONLY: Would set input_boolean",
			zap.String("entity_id", variable.EntityID),
			zap.Bool("value", value))
		return nil
	}

	if err := m.client.SetInputBoolean(variable.EntityName(), value); err != nil {
		m.cacheMu.Lock()
		m.cache[key] = oldValue
		m.cacheMu.Unlock()
		return fmt.Errorf("failed to set HA value: %w", err)
	}

	return nil
}

// Subscribe subscribes to HA-side changes of a variable
func (m *Manager) Subscribe(key string, handler StateChangeHandler) (Subscription, error) {
	if _, ok := m.Variable(key); !ok {
		return nil, fmt.Errorf("variable %s not found", key)
	}

	m.subsMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[key] = append(m.subscribers[key], handlerEntry{id: id, handler: handler})
	m.subsMu.Unlock()

	return &subscription{key: key, id: id, manager: m}, nil
}

func (m *Manager) unsubscribe(key string, id int) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	entries := m.subscribers[key]
	for i, entry := range entries {
		if entry.id == id {
			m.subscribers[key] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(m.subscribers[key]) == 0 {
		delete(m.subscribers, key)
	}
}

// GetAllValues returns all cached values
func (m *Manager) GetAllValues() map[string]bool {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()

	values := make(map[string]bool, len(m.cache))
	for k, v := range m.cache {
		values[k] = v
	}
	return values
}
