package shadowstate

import "time"

// ShadowState is implemented by every component that exposes its decisions
type ShadowState interface {
	GetCurrentInputs() map[string]interface{}
	GetLastActionInputs() map[string]interface{}
	GetOutputs() interface{}
	GetMetadata() StateMetadata
}

// StateMetadata contains metadata about the shadow state
type StateMetadata struct {
	LastUpdated time.Time `json:"lastUpdated"`
	Component   string    `json:"component"`
}

// ActionRecord represents a single action taken by guest mode
type ActionRecord struct {
	Timestamp  time.Time              `json:"timestamp"`
	Target     string                 `json:"target"`     // "main" or a zone key
	ActionType string                 `json:"actionType"` // "activate", "deactivate", "restore", "remove"
	Reason     string                 `json:"reason"`
	Error      string                 `json:"error,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// GuestModeShadowState is the observable state of the guest mode service
type GuestModeShadowState struct {
	Component string           `json:"component"`
	Inputs    GuestModeInputs  `json:"inputs"`
	Outputs   GuestModeOutputs `json:"outputs"`
	Metadata  StateMetadata    `json:"metadata"`
}

// GuestModeInputs tracks current and last-action input values
type GuestModeInputs struct {
	Current      map[string]interface{} `json:"current"`
	AtLastAction map[string]interface{} `json:"atLastAction"`
}

// GuestModeOutputs tracks what guest mode has done to each switch
type GuestModeOutputs struct {
	Main           SwitchState          `json:"main"`
	Zones          map[string]ZoneState `json:"zones"`
	RecentActions  []ActionRecord       `json:"recentActions"`
	LastActionTime time.Time            `json:"lastActionTime"`
}

// SwitchState is the last applied position of a switch
type SwitchState struct {
	On         bool      `json:"on"`
	LastAction time.Time `json:"lastAction"`
	ActionType string    `json:"actionType,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// ZoneState is the last applied position of a zone switch and its snapshot
type ZoneState struct {
	SwitchState
	ActivationID     string    `json:"activationId,omitempty"`
	ActivatedAt      time.Time `json:"activatedAt,omitempty"`
	SnapshotEntities int       `json:"snapshotEntities"`
	MissingEntities  int       `json:"missingEntities,omitempty"`
	LastError        string    `json:"lastError,omitempty"`
}

// GetCurrentInputs implements ShadowState
func (g *GuestModeShadowState) GetCurrentInputs() map[string]interface{} {
	return g.Inputs.Current
}

// GetLastActionInputs implements ShadowState
func (g *GuestModeShadowState) GetLastActionInputs() map[string]interface{} {
	return g.Inputs.AtLastAction
}

// GetOutputs implements ShadowState
func (g *GuestModeShadowState) GetOutputs() interface{} {
	return g.Outputs
}

// GetMetadata implements ShadowState
func (g *GuestModeShadowState) GetMetadata() StateMetadata {
	return g.Metadata
}

// NewGuestModeShadowState creates an empty guest mode shadow state
func NewGuestModeShadowState() *GuestModeShadowState {
	return &GuestModeShadowState{
		Component: "guest_mode",
		Inputs: GuestModeInputs{
			Current:      make(map[string]interface{}),
			AtLastAction: make(map[string]interface{}),
		},
		Outputs: GuestModeOutputs{
			Zones:         make(map[string]ZoneState),
			RecentActions: make([]ActionRecord, 0),
		},
		Metadata: StateMetadata{
			LastUpdated: time.Now(),
			Component:   "guest_mode",
		},
	}
}
