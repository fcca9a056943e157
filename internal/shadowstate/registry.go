package shadowstate

import "sync"

// SubscriptionRegistry tracks what each component subscribes to so its
// shadow state inputs can be captured automatically.
type SubscriptionRegistry struct {
	mu                 sync.RWMutex
	haSubscriptions    map[string][]string // component -> []entityID
	stateSubscriptions map[string][]string // component -> []stateKey
}

// NewSubscriptionRegistry creates a new subscription registry
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		haSubscriptions:    make(map[string][]string),
		stateSubscriptions: make(map[string][]string),
	}
}

// RegisterHASubscription registers that a component watches a Home Assistant entity
func (r *SubscriptionRegistry) RegisterHASubscription(component, entityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.haSubscriptions[component] = appendUnique(r.haSubscriptions[component], entityID)
}

// RegisterStateSubscription registers that a component subscribes to a state variable
func (r *SubscriptionRegistry) RegisterStateSubscription(component, stateKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateSubscriptions[component] = appendUnique(r.stateSubscriptions[component], stateKey)
}

// UnregisterHASubscription forgets one watched entity
func (r *SubscriptionRegistry) UnregisterHASubscription(component, entityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.haSubscriptions[component] = without(r.haSubscriptions[component], entityID)
}

// UnregisterStateSubscription forgets one state variable subscription
func (r *SubscriptionRegistry) UnregisterStateSubscription(component, stateKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateSubscriptions[component] = without(r.stateSubscriptions[component], stateKey)
}

// GetHASubscriptions returns all Home Assistant entities a component watches
func (r *SubscriptionRegistry) GetHASubscriptions(component string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyStrings(r.haSubscriptions[component])
}

// GetStateSubscriptions returns all state variables a component subscribes to
func (r *SubscriptionRegistry) GetStateSubscriptions(component string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyStrings(r.stateSubscriptions[component])
}

// Unregister removes all registrations for a component
func (r *SubscriptionRegistry) Unregister(component string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.haSubscriptions, component)
	delete(r.stateSubscriptions, component)
}

func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}

func without(list []string, value string) []string {
	for i, existing := range list {
		if existing == value {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

func copyStrings(list []string) []string {
	if list == nil {
		return nil
	}
	result := make([]string, len(list))
	copy(result, list)
	return result
}
