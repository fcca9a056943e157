package ha

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrEntityNotFound is returned by GetState when Home Assistant has no live
// state for the requested entity.
var ErrEntityNotFound = errors.New("entity not found")

// Message is any frame received from Home Assistant: handshake replies,
// command results and subscribed events.
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Error is the error body of a failed command result
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Event is the payload of an "event" frame
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedEvent is the data of a state_changed event
type StateChangedEvent struct {
	EntityID string `json:"entity_id"`
	NewState *State `json:"new_state"`
	OldState *State `json:"old_state"`
}

// State is the live state of one entity
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// command is every frame the client sends. Fields a command type does not
// use stay empty and are left off the wire.
type command struct {
	ID          int                    `json:"id,omitempty"`
	Type        string                 `json:"type"`
	AccessToken string                 `json:"access_token,omitempty"`
	Domain      string                 `json:"domain,omitempty"`
	Service     string                 `json:"service,omitempty"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
	EventType   string                 `json:"event_type,omitempty"`
	EntityID    string                 `json:"entity_id,omitempty"`
}

// StateChangeHandler receives state changes for one entity. oldState is nil
// for a newly created entity and newState is nil for a removed one.
type StateChangeHandler func(entityID string, oldState, newState *State)

// Subscription is a registered StateChangeHandler
type Subscription interface {
	Unsubscribe() error
}

type unsubscribeFunc func() error

func (f unsubscribeFunc) Unsubscribe() error { return f() }

// handlerSet maps entity ids to the handlers watching them, keyed by a
// per-set serial so one handler can be removed without comparing funcs.
type handlerSet struct {
	mu     sync.RWMutex
	serial int
	byID   map[string]map[int]StateChangeHandler
}

func newHandlerSet() *handlerSet {
	return &handlerSet{byID: make(map[string]map[int]StateChangeHandler)}
}

func (h *handlerSet) add(entityID string, handler StateChangeHandler) Subscription {
	h.mu.Lock()
	h.serial++
	serial := h.serial
	if h.byID[entityID] == nil {
		h.byID[entityID] = make(map[int]StateChangeHandler)
	}
	h.byID[entityID][serial] = handler
	h.mu.Unlock()

	return unsubscribeFunc(func() error {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.byID[entityID], serial)
		if len(h.byID[entityID]) == 0 {
			delete(h.byID, entityID)
		}
		return nil
	})
}

// dispatch calls the handlers for entityID in subscription order
func (h *handlerSet) dispatch(entityID string, oldState, newState *State) {
	h.mu.RLock()
	serials := make([]int, 0, len(h.byID[entityID]))
	for serial := range h.byID[entityID] {
		serials = append(serials, serial)
	}
	sort.Ints(serials)
	handlers := make([]StateChangeHandler, len(serials))
	for i, serial := range serials {
		handlers[i] = h.byID[entityID][serial]
	}
	h.mu.RUnlock()

	for _, handler := range handlers {
		handler(entityID, oldState, newState)
	}
}

func (h *handlerSet) clear() {
	h.mu.Lock()
	h.byID = make(map[string]map[int]StateChangeHandler)
	h.mu.Unlock()
}
