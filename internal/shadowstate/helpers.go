package shadowstate

import (
	"guestmode/internal/ha"
)

// StateManager is the part of the state manager input capture needs
type StateManager interface {
	GetBool(key string) (bool, error)
}

// InputCaptureHelper captures a component's inputs from its registered
// subscriptions.
type InputCaptureHelper struct {
	registry     *SubscriptionRegistry
	haClient     ha.HAClient
	stateManager StateManager
}

// NewInputCaptureHelper creates a new input capture helper
func NewInputCaptureHelper(registry *SubscriptionRegistry, haClient ha.HAClient, stateManager StateManager) *InputCaptureHelper {
	return &InputCaptureHelper{
		registry:     registry,
		haClient:     haClient,
		stateManager: stateManager,
	}
}

// CaptureInputs returns the current value of every registered entity and
// state variable of a component. Values that cannot be read are left out.
func (h *InputCaptureHelper) CaptureInputs(component string) map[string]interface{} {
	inputs := make(map[string]interface{})

	for _, entityID := range h.registry.GetHASubscriptions(component) {
		if state, err := h.haClient.GetState(entityID); err == nil && state != nil {
			inputs[entityID] = state.State
		}
	}

	for _, stateKey := range h.registry.GetStateSubscriptions(component) {
		if val, err := h.stateManager.GetBool(stateKey); err == nil {
			inputs[stateKey] = val
		}
	}

	return inputs
}

// CaptureInputsWithAdditional captures registered inputs plus extra values,
// which override captured ones on a conflict.
func (h *InputCaptureHelper) CaptureInputsWithAdditional(component string, additional map[string]interface{}) map[string]interface{} {
	inputs := h.CaptureInputs(component)
	for k, v := range additional {
		inputs[k] = v
	}
	return inputs
}
