package state

import "strings"

// Variable is a boolean mirrored into a Home Assistant input_boolean helper
type Variable struct {
	Key      string // switch key (e.g., "guest_mode" or "zone:living_room")
	EntityID string // HA entity ID (e.g., "input_boolean.guest_mode")
	Default  bool   // used until HA reports a value
}

// EntityName extracts the object id from the entity id
// e.g., "input_boolean.guest_mode" -> "guest_mode"
func (v Variable) EntityName() string {
	if i := strings.LastIndexByte(v.EntityID, '.'); i >= 0 {
		return v.EntityID[i+1:]
	}
	return v.EntityID
}
