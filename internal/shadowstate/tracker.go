package shadowstate

import (
	"sort"
	"sync"
	"time"
)

// maxRecentActions bounds the action history kept in memory
const maxRecentActions = 50

// Tracker collects the shadow state of every component
type Tracker struct {
	mu             sync.RWMutex
	states         map[string]ShadowState
	stateProviders map[string]func() ShadowState
}

// NewTracker creates a new shadow state tracker
func NewTracker() *Tracker {
	return &Tracker{
		states:         make(map[string]ShadowState),
		stateProviders: make(map[string]func() ShadowState),
	}
}

// Register registers a component's static shadow state
func (t *Tracker) Register(component string, state ShadowState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[component] = state
}

// RegisterProvider registers a function that provides a component's shadow state dynamically
func (t *Tracker) RegisterProvider(component string, provider func() ShadowState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateProviders[component] = provider
}

// Get retrieves a component's shadow state
func (t *Tracker) Get(component string) (ShadowState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if provider, ok := t.stateProviders[component]; ok {
		return provider(), true
	}

	state, ok := t.states[component]
	return state, ok
}

// GetAll retrieves all shadow states. Providers win on a name collision.
func (t *Tracker) GetAll() map[string]ShadowState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	states := make(map[string]ShadowState, len(t.states)+len(t.stateProviders))
	for k, v := range t.states {
		states[k] = v
	}
	for k, provider := range t.stateProviders {
		states[k] = provider()
	}
	return states
}

// GuestModeTracker records guest mode decisions
type GuestModeTracker struct {
	mu    sync.RWMutex
	state *GuestModeShadowState
	now   func() time.Time
}

// NewGuestModeTracker creates a tracker stamping records with now
func NewGuestModeTracker(now func() time.Time) *GuestModeTracker {
	if now == nil {
		now = time.Now
	}
	return &GuestModeTracker{
		state: NewGuestModeShadowState(),
		now:   now,
	}
}

// UpdateCurrentInputs updates the current input values
func (gt *GuestModeTracker) UpdateCurrentInputs(inputs map[string]interface{}) {
	gt.mu.Lock()
	defer gt.mu.Unlock()

	for key, value := range inputs {
		gt.state.Inputs.Current[key] = value
	}
	gt.state.Metadata.LastUpdated = gt.now()
}

// SnapshotInputsForAction captures current inputs as the at-last-action snapshot
func (gt *GuestModeTracker) SnapshotInputsForAction() {
	gt.mu.Lock()
	defer gt.mu.Unlock()

	gt.state.Inputs.AtLastAction = make(map[string]interface{}, len(gt.state.Inputs.Current))
	for key, value := range gt.state.Inputs.Current {
		gt.state.Inputs.AtLastAction[key] = value
	}
}

// RecordMainAction records a position change of the main switch
func (gt *GuestModeTracker) RecordMainAction(on bool, actionType, reason string, err error) {
	gt.mu.Lock()
	defer gt.mu.Unlock()

	now := gt.now()
	gt.state.Outputs.Main = SwitchState{
		On:         on,
		LastAction: now,
		ActionType: actionType,
		Reason:     reason,
	}
	gt.appendAction(ActionRecord{
		Timestamp:  now,
		Target:     "main",
		ActionType: actionType,
		Reason:     reason,
		Error:      errString(err),
	})
}

// RecordZoneAction records a position change of a zone switch
func (gt *GuestModeTracker) RecordZoneAction(zone string, zs ZoneState, actionType, reason string, err error, details map[string]interface{}) {
	gt.mu.Lock()
	defer gt.mu.Unlock()

	now := gt.now()
	zs.LastAction = now
	zs.ActionType = actionType
	zs.Reason = reason
	zs.LastError = errString(err)
	gt.state.Outputs.Zones[zone] = zs

	gt.appendAction(ActionRecord{
		Timestamp:  now,
		Target:     zone,
		ActionType: actionType,
		Reason:     reason,
		Error:      errString(err),
		Details:    details,
	})
}

// RemoveZone drops a deleted zone from the outputs
func (gt *GuestModeTracker) RemoveZone(zone string) {
	gt.mu.Lock()
	defer gt.mu.Unlock()

	delete(gt.state.Outputs.Zones, zone)
	gt.appendAction(ActionRecord{
		Timestamp:  gt.now(),
		Target:     zone,
		ActionType: "remove",
		Reason:     "zone deleted",
	})
}

func (gt *GuestModeTracker) appendAction(record ActionRecord) {
	gt.state.Outputs.RecentActions = append(gt.state.Outputs.RecentActions, record)
	if n := len(gt.state.Outputs.RecentActions); n > maxRecentActions {
		gt.state.Outputs.RecentActions = append([]ActionRecord(nil), gt.state.Outputs.RecentActions[n-maxRecentActions:]...)
	}
	gt.state.Outputs.LastActionTime = record.Timestamp
	gt.state.Metadata.LastUpdated = record.Timestamp
}

// GetState returns a deep copy of the current shadow state
func (gt *GuestModeTracker) GetState() *GuestModeShadowState {
	gt.mu.RLock()
	defer gt.mu.RUnlock()

	stateCopy := &GuestModeShadowState{
		Component: gt.state.Component,
		Inputs: GuestModeInputs{
			Current:      make(map[string]interface{}, len(gt.state.Inputs.Current)),
			AtLastAction: make(map[string]interface{}, len(gt.state.Inputs.AtLastAction)),
		},
		Outputs: GuestModeOutputs{
			Main:           gt.state.Outputs.Main,
			Zones:          make(map[string]ZoneState, len(gt.state.Outputs.Zones)),
			RecentActions:  make([]ActionRecord, len(gt.state.Outputs.RecentActions)),
			LastActionTime: gt.state.Outputs.LastActionTime,
		},
		Metadata: gt.state.Metadata,
	}

	for k, v := range gt.state.Inputs.Current {
		stateCopy.Inputs.Current[k] = v
	}
	for k, v := range gt.state.Inputs.AtLastAction {
		stateCopy.Inputs.AtLastAction[k] = v
	}
	for k, v := range gt.state.Outputs.Zones {
		stateCopy.Outputs.Zones[k] = v
	}
	copy(stateCopy.Outputs.RecentActions, gt.state.Outputs.RecentActions)

	return stateCopy
}

// ZoneKeys returns the tracked zone keys, sorted
func (gt *GuestModeTracker) ZoneKeys() []string {
	gt.mu.RLock()
	defer gt.mu.RUnlock()

	keys := make([]string, 0, len(gt.state.Outputs.Zones))
	for k := range gt.state.Outputs.Zones {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
