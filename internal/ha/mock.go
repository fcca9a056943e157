package ha

import (
	"fmt"
	"sync"
	"time"
)

// MockClient implements HAClient interface for testing
type MockClient struct {
	states   map[string]*State
	statesMu sync.RWMutex

	handlers *handlerSet

	connected bool
	connMu    sync.RWMutex

	serviceCalls  []ServiceCall
	serviceErrors map[string]error
	removed       []string
	removeErr     error
	callsMu       sync.Mutex
}

// ServiceCall records a service call for testing
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Time    time.Time
}

// EntityID returns the entity_id the call targeted, or "" if none was given
func (c ServiceCall) EntityID() string {
	entityID, _ := c.Data["entity_id"].(string)
	return entityID
}

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	return &MockClient{
		states:        make(map[string]*State),
		handlers:      newHandlerSet(),
		serviceCalls:  make([]ServiceCall, 0),
		serviceErrors: make(map[string]error),
	}
}

// Connect simulates connecting to Home Assistant
func (m *MockClient) Connect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	m.connected = true
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	m.connected = false
	m.connMu.Unlock()

	m.handlers.clear()
	return nil
}

// IsConnected returns connection status
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// GetState retrieves a mock state
func (m *MockClient) GetState(entityID string) (*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	state, ok := m.states[entityID]
	if !ok {
		return nil, fmt.Errorf("entity %s: %w", entityID, ErrEntityNotFound)
	}

	return state, nil
}

// GetAllStates retrieves all mock states
func (m *MockClient) GetAllStates() ([]*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	states := make([]*State, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, state)
	}

	return states, nil
}

// CallService records a service call and applies its on/off effect to the
// mock state. Calls matching FailService return the configured error without
// being applied.
func (m *MockClient) CallService(domain, service string, data map[string]interface{}) error {
	entityID, _ := data["entity_id"].(string)

	m.callsMu.Lock()
	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:  domain,
		Service: service,
		Data:    data,
		Time:    time.Now(),
	})
	err := m.serviceErrors[serviceKey(domain, service, entityID)]
	if err == nil {
		err = m.serviceErrors[serviceKey(domain, service, "")]
	}
	m.callsMu.Unlock()

	if err != nil {
		return err
	}

	if entityID != "" {
		m.applyServiceCall(entityID, service)
	}

	return nil
}

// FailService makes calls to domain.service fail with err. An empty entityID
// matches every entity.
func (m *MockClient) FailService(domain, service, entityID string, err error) {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.serviceErrors[serviceKey(domain, service, entityID)] = err
}

// ClearServiceFailures removes all injected service errors
func (m *MockClient) ClearServiceFailures() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.serviceErrors = make(map[string]error)
}

func serviceKey(domain, service, entityID string) string {
	return domain + "." + service + "/" + entityID
}

// RemoveEntity records the removal and clears the entity's live state
func (m *MockClient) RemoveEntity(entityID string) error {
	m.callsMu.Lock()
	err := m.removeErr
	if err == nil {
		m.removed = append(m.removed, entityID)
	}
	m.callsMu.Unlock()

	if err != nil {
		return err
	}

	m.statesMu.Lock()
	delete(m.states, entityID)
	m.statesMu.Unlock()
	return nil
}

// FailRemoveEntity makes RemoveEntity return err (nil restores success)
func (m *MockClient) FailRemoveEntity(err error) {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.removeErr = err
}

// RemovedEntities returns the entity ids removed from the registry
func (m *MockClient) RemovedEntities() []string {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	return append([]string(nil), m.removed...)
}

// SubscribeStateChanges registers handler for entityID
func (m *MockClient) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	return m.handlers.add(entityID, handler), nil
}

// SetInputBoolean sets a mock input_boolean
func (m *MockClient) SetInputBoolean(name string, value bool) error {
	service := "turn_off"
	if value {
		service = "turn_on"
	}

	return m.CallService("input_boolean", service, map[string]interface{}{
		"entity_id": fmt.Sprintf("input_boolean.%s", name),
	})
}

// SetState sets a mock state (for testing) and notifies subscribers
func (m *MockClient) SetState(entityID string, stateValue string, attributes map[string]interface{}) {
	m.statesMu.Lock()
	oldState := m.states[entityID]
	newState := newMockState(entityID, stateValue, attributes)
	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.notifySubscribers(entityID, oldState, newState)
}

// SimulateStateChange simulates a state change event, keeping attributes
func (m *MockClient) SimulateStateChange(entityID string, newStateValue string) {
	m.statesMu.Lock()
	oldState := m.states[entityID]
	attributes := make(map[string]interface{})
	if oldState != nil {
		attributes = oldState.Attributes
	}
	newState := newMockState(entityID, newStateValue, attributes)
	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.notifySubscribers(entityID, oldState, newState)
}

// StateOf returns the current mock state string of an entity, or "" if absent
func (m *MockClient) StateOf(entityID string) string {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()
	if state, ok := m.states[entityID]; ok {
		return state.State
	}
	return ""
}

// GetServiceCalls returns all recorded service calls
func (m *MockClient) GetServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	calls := make([]ServiceCall, len(m.serviceCalls))
	copy(calls, m.serviceCalls)
	return calls
}

// ClearServiceCalls clears the service call history
func (m *MockClient) ClearServiceCalls() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.serviceCalls = make([]ServiceCall, 0)
}

// applyServiceCall flips on/off entities the way Home Assistant would. Only
// entities that already exist change; other services leave state untouched.
func (m *MockClient) applyServiceCall(entityID, service string) {
	var value string
	switch service {
	case "turn_on":
		value = "on"
	case "turn_off":
		value = "off"
	default:
		return
	}

	m.statesMu.Lock()
	oldState, ok := m.states[entityID]
	if !ok {
		m.statesMu.Unlock()
		return
	}
	newState := newMockState(entityID, value, oldState.Attributes)
	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.notifySubscribers(entityID, oldState, newState)
}

func newMockState(entityID, value string, attributes map[string]interface{}) *State {
	now := time.Now()
	return &State{
		EntityID:    entityID,
		State:       value,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
}

func (m *MockClient) notifySubscribers(entityID string, oldState, newState *State) {
	m.handlers.dispatch(entityID, oldState, newState)
}
