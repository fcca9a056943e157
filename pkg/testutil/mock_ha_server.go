// Package testutil provides a mock Home Assistant WebSocket server and a
// test environment wiring the guest mode service to it.
package testutil

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *connWrapper) write(msg interface{}) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.WriteJSON(msg)
}

// MockHAServer simulates a Home Assistant WebSocket server
type MockHAServer struct {
	server      *http.Server
	addr        string
	states      map[string]*EntityState
	statesMu    sync.RWMutex
	connections []*connWrapper
	connsMu     sync.Mutex
	eventDelay  time.Duration // Simulates network latency
	token       string

	serviceCalls []ServiceCall
	removed      []string
	failures     map[string]string
	requests     map[string]int
	callsMu      sync.Mutex
}

// EntityState represents a Home Assistant entity state
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// Message represents a WebSocket message
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// ErrorInfo is the error body of a failed result
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event represents a Home Assistant event
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedEvent represents a state_changed event
type StateChangedEvent struct {
	EntityID string       `json:"entity_id"`
	NewState *EntityState `json:"new_state"`
	OldState *EntityState `json:"old_state"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

type request struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain,omitempty"`
	Service     string                 `json:"service,omitempty"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
	EntityID    string                 `json:"entity_id,omitempty"`
}

// NewMockHAServer creates a new mock HA server. An addr with port 0 picks a
// free port; the chosen address is available from Addr after Start.
func NewMockHAServer(addr, token string) *MockHAServer {
	return &MockHAServer{
		addr:        addr,
		states:      make(map[string]*EntityState),
		connections: make([]*connWrapper, 0),
		eventDelay:  10 * time.Millisecond,
		token:       token,
		failures:    make(map[string]string),
		requests:    make(map[string]int),
	}
}

// SetEventDelay sets the delay for broadcasting events
func (s *MockHAServer) SetEventDelay(delay time.Duration) {
	s.eventDelay = delay
}

// Start starts the mock server
func (s *MockHAServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.addr = ln.Addr().String()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	s.server = &http.Server{Handler: mux}

	go func() {
		if err := s.server.Serve(ln); err != http.ErrServerClosed {
			log.Printf("Mock HA server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address
func (s *MockHAServer) Addr() string {
	return s.addr
}

// URL returns the WebSocket endpoint
func (s *MockHAServer) URL() string {
	return fmt.Sprintf("ws://%s/api/websocket", s.addr)
}

// Stop stops the mock server
func (s *MockHAServer) Stop() error {
	s.connsMu.Lock()
	for _, wrapper := range s.connections {
		wrapper.conn.Close()
	}
	s.connections = nil
	s.connsMu.Unlock()

	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// DropConnections closes every client connection and keeps listening, as a
// Home Assistant restart would.
func (s *MockHAServer) DropConnections() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for _, wrapper := range s.connections {
		wrapper.conn.Close()
	}
}

// RequestCount returns how many commands of type typ the server has received
func (s *MockHAServer) RequestCount(typ string) int {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	return s.requests[typ]
}

// SetState sets a state and broadcasts change event
func (s *MockHAServer) SetState(entityID, state string, attributes map[string]interface{}) {
	s.statesMu.Lock()
	oldState := s.states[entityID]

	now := time.Now()
	newState := &EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	s.states[entityID] = newState
	s.statesMu.Unlock()

	if s.eventDelay > 0 {
		time.Sleep(s.eventDelay)
	}
	s.broadcastStateChange(entityID, oldState, newState)
}

// SetStates seeds several entities without attributes
func (s *MockHAServer) SetStates(states map[string]string) {
	for entityID, state := range states {
		s.SetState(entityID, state, nil)
	}
}

// GetState retrieves a state
func (s *MockHAServer) GetState(entityID string) *EntityState {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	return s.states[entityID]
}

// StateOf returns the state string of an entity, or "" if it does not exist
func (s *MockHAServer) StateOf(entityID string) string {
	if state := s.GetState(entityID); state != nil {
		return state.State
	}
	return ""
}

// FailService makes calls to domain.service for entityID return an error.
// An empty entityID matches every entity.
func (s *MockHAServer) FailService(domain, service, entityID, message string) {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.failures[failureKey(domain, service, entityID)] = message
}

// ClearFailures removes every injected failure
func (s *MockHAServer) ClearFailures() {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.failures = make(map[string]string)
}

func failureKey(domain, service, entityID string) string {
	return strings.Join([]string{domain, service, entityID}, "/")
}

// handleWebSocket handles WebSocket connections
func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	wrapper := &connWrapper{conn: conn}

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		for i, w := range s.connections {
			if w.conn == conn {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
		conn.Close()
	}()

	wrapper.write(Message{Type: "auth_required"})

	var authMsg AuthMessage
	if err := conn.ReadJSON(&authMsg); err != nil {
		log.Printf("Failed to read auth: %v", err)
		return
	}

	if authMsg.AccessToken != s.token {
		wrapper.write(Message{Type: "auth_invalid"})
		return
	}
	wrapper.write(Message{Type: "auth_ok"})

	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		s.callsMu.Lock()
		s.requests[req.Type]++
		s.callsMu.Unlock()

		switch req.Type {
		case "subscribe_events":
			s.reply(wrapper, req.ID, nil, nil)
		case "get_states":
			s.handleGetStates(wrapper, req)
		case "call_service":
			s.handleCallService(wrapper, req)
		case "config/entity_registry/remove":
			s.handleRemoveEntity(wrapper, req)
		default:
			s.reply(wrapper, req.ID, nil, &ErrorInfo{Code: "unknown_command", Message: req.Type})
		}
	}
}

func (s *MockHAServer) reply(wrapper *connWrapper, id int, result json.RawMessage, errInfo *ErrorInfo) {
	success := errInfo == nil
	wrapper.write(Message{
		ID:      id,
		Type:    "result",
		Success: &success,
		Result:  result,
		Error:   errInfo,
	})
}

func (s *MockHAServer) handleGetStates(wrapper *connWrapper, req request) {
	s.statesMu.RLock()
	states := make([]*EntityState, 0, len(s.states))
	for _, state := range s.states {
		states = append(states, state)
	}
	s.statesMu.RUnlock()

	statesJSON, _ := json.Marshal(states)
	s.reply(wrapper, req.ID, statesJSON, nil)
}

// handleCallService records the call and applies on/off services to
// existing entities of the toggleable domains
func (s *MockHAServer) handleCallService(wrapper *connWrapper, req request) {
	entityID, _ := req.ServiceData["entity_id"].(string)

	s.callsMu.Lock()
	s.serviceCalls = append(s.serviceCalls, ServiceCall{
		Timestamp:   time.Now(),
		Domain:      req.Domain,
		Service:     req.Service,
		ServiceData: req.ServiceData,
	})
	message, fail := s.failures[failureKey(req.Domain, req.Service, entityID)]
	if !fail {
		message, fail = s.failures[failureKey(req.Domain, req.Service, "")]
	}
	s.callsMu.Unlock()

	if fail {
		s.reply(wrapper, req.ID, nil, &ErrorInfo{Code: "home_assistant_error", Message: message})
		return
	}

	switch req.Domain {
	case "input_boolean", "automation", "script", "homeassistant", "light", "switch", "fan":
		var newState string
		switch req.Service {
		case "turn_on":
			newState = "on"
		case "turn_off":
			newState = "off"
		}

		s.statesMu.RLock()
		oldState := s.states[entityID]
		s.statesMu.RUnlock()

		if newState != "" && oldState != nil {
			s.SetState(entityID, newState, oldState.Attributes)
		}

	default:
		// Unknown service domain - still acknowledge to prevent timeouts
	}

	s.reply(wrapper, req.ID, nil, nil)
}

// handleRemoveEntity drops an entity as the entity registry would
func (s *MockHAServer) handleRemoveEntity(wrapper *connWrapper, req request) {
	s.statesMu.Lock()
	_, ok := s.states[req.EntityID]
	delete(s.states, req.EntityID)
	s.statesMu.Unlock()

	if !ok {
		s.reply(wrapper, req.ID, nil, &ErrorInfo{Code: "not_found", Message: "Entity not found"})
		return
	}

	s.callsMu.Lock()
	s.removed = append(s.removed, req.EntityID)
	s.callsMu.Unlock()

	s.reply(wrapper, req.ID, nil, nil)
}

// broadcastStateChange broadcasts a state change event to all connections
func (s *MockHAServer) broadcastStateChange(entityID string, oldState, newState *EntityState) {
	eventDataJSON, _ := json.Marshal(StateChangedEvent{
		EntityID: entityID,
		NewState: newState,
		OldState: oldState,
	})

	msg := Message{
		Type: "event",
		Event: &Event{
			EventType: "state_changed",
			Data:      eventDataJSON,
			Origin:    "LOCAL",
			TimeFired: time.Now(),
		},
	}

	s.connsMu.Lock()
	wrappers := make([]*connWrapper, len(s.connections))
	copy(wrappers, s.connections)
	s.connsMu.Unlock()

	for _, wrapper := range wrappers {
		wrapper.write(msg)
	}
}

// GetServiceCalls returns all service calls since last clear
func (s *MockHAServer) GetServiceCalls() []ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	calls := make([]ServiceCall, len(s.serviceCalls))
	copy(calls, s.serviceCalls)
	return calls
}

// ClearServiceCalls resets the service call log
func (s *MockHAServer) ClearServiceCalls() {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.serviceCalls = nil
}

// RemovedEntities returns the entities removed from the registry
func (s *MockHAServer) RemovedEntities() []string {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	return append([]string(nil), s.removed...)
}

// FindServiceCall finds the most recent service call matching criteria.
// An empty entityID matches on domain and service only.
func (s *MockHAServer) FindServiceCall(domain, service, entityID string) *ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()

	for i := len(s.serviceCalls) - 1; i >= 0; i-- {
		call := s.serviceCalls[i]
		if call.Domain == domain && call.Service == service {
			if entityID == "" || call.EntityID() == entityID {
				return &call
			}
		}
	}
	return nil
}

// CountServiceCalls counts service calls matching criteria
func (s *MockHAServer) CountServiceCalls(domain, service string) int {
	return len(FilterServiceCalls(s.GetServiceCalls(), domain, service))
}
