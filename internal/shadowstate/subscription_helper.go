package shadowstate

import (
	"fmt"
	"sync"

	"guestmode/internal/ha"
	"guestmode/internal/state"

	"go.uber.org/zap"
)

// ShadowInputUpdater receives captured inputs before each handler runs
type ShadowInputUpdater interface {
	UpdateCurrentInputs(inputs map[string]interface{})
}

// SubscriptionHelper wraps state subscriptions so shadow state inputs are
// captured before every handler runs.
type SubscriptionHelper struct {
	haClient      ha.HAClient
	stateManager  *state.Manager
	registry      *SubscriptionRegistry
	inputHelper   *InputCaptureHelper
	shadowTracker ShadowInputUpdater
	component     string
	logger        *zap.Logger

	mu                 sync.Mutex
	stateSubscriptions map[string]state.Subscription
}

// NewSubscriptionHelper creates a new subscription helper for a component
func NewSubscriptionHelper(
	haClient ha.HAClient,
	stateManager *state.Manager,
	registry *SubscriptionRegistry,
	shadowTracker ShadowInputUpdater,
	component string,
	logger *zap.Logger,
) *SubscriptionHelper {
	h := &SubscriptionHelper{
		haClient:           haClient,
		stateManager:       stateManager,
		registry:           registry,
		shadowTracker:      shadowTracker,
		component:          component,
		logger:             logger,
		stateSubscriptions: make(map[string]state.Subscription),
	}

	if registry != nil {
		h.inputHelper = NewInputCaptureHelper(registry, haClient, stateManager)
	}

	return h
}

// CaptureInputs pushes the component's current inputs to the tracker
func (h *SubscriptionHelper) CaptureInputs() {
	if h.inputHelper == nil || h.shadowTracker == nil {
		return
	}
	h.shadowTracker.UpdateCurrentInputs(h.inputHelper.CaptureInputs(h.component))
}

// WatchEntity registers a Home Assistant entity as an input without
// subscribing a handler to it.
func (h *SubscriptionHelper) WatchEntity(entityID string) {
	if h.registry != nil {
		h.registry.RegisterHASubscription(h.component, entityID)
	}
}

// UnwatchEntity removes an entity registered with WatchEntity
func (h *SubscriptionHelper) UnwatchEntity(entityID string) {
	if h.registry != nil {
		h.registry.UnregisterHASubscription(h.component, entityID)
	}
}

// SubscribeToState subscribes to a state variable change. Inputs are
// captured before the handler is called.
func (h *SubscriptionHelper) SubscribeToState(key string, handler state.StateChangeHandler) error {
	sub, err := h.stateManager.Subscribe(key, func(k string, oldValue, newValue bool) {
		h.CaptureInputs()
		handler(k, oldValue, newValue)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", key, err)
	}

	if h.registry != nil {
		h.registry.RegisterStateSubscription(h.component, key)
	}

	h.mu.Lock()
	if old, ok := h.stateSubscriptions[key]; ok {
		old.Unsubscribe()
	}
	h.stateSubscriptions[key] = sub
	h.mu.Unlock()
	return nil
}

// UnsubscribeFromState cancels one state subscription
func (h *SubscriptionHelper) UnsubscribeFromState(key string) {
	h.mu.Lock()
	sub, ok := h.stateSubscriptions[key]
	delete(h.stateSubscriptions, key)
	h.mu.Unlock()

	if ok {
		sub.Unsubscribe()
	}
	if h.registry != nil {
		h.registry.UnregisterStateSubscription(h.component, key)
	}
}

// UnsubscribeAll cleans up all subscriptions
func (h *SubscriptionHelper) UnsubscribeAll() {
	h.mu.Lock()
	subs := h.stateSubscriptions
	h.stateSubscriptions = make(map[string]state.Subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if h.registry != nil {
		h.registry.Unregister(h.component)
	}
}
