package shadowstate

import (
	"testing"

	"guestmode/internal/ha"
	"guestmode/internal/state"

	"go.uber.org/zap"
)

type mockStateManager struct {
	values map[string]bool
}

func (m *mockStateManager) GetBool(key string) (bool, error) {
	if val, ok := m.values[key]; ok {
		return val, nil
	}
	return false, errNotFound(key)
}

type errNotFound string

func (e errNotFound) Error() string { return "variable " + string(e) + " not found" }

func TestSubscriptionRegistry(t *testing.T) {
	r := NewSubscriptionRegistry()

	r.RegisterHASubscription("guest_mode", "switch.guest_wifi")
	r.RegisterHASubscription("guest_mode", "switch.guest_wifi")
	r.RegisterStateSubscription("guest_mode", "guest_mode")
	r.RegisterStateSubscription("guest_mode", "zone:den")

	if got := r.GetHASubscriptions("guest_mode"); len(got) != 1 {
		t.Errorf("Expected duplicate to be ignored, got %v", got)
	}

	r.UnregisterStateSubscription("guest_mode", "zone:den")
	got := r.GetStateSubscriptions("guest_mode")
	if len(got) != 1 || got[0] != "guest_mode" {
		t.Errorf("Expected [guest_mode], got %v", got)
	}

	// Returned slices are copies
	got[0] = "mutated"
	if r.GetStateSubscriptions("guest_mode")[0] != "guest_mode" {
		t.Error("Registry was mutated through a returned slice")
	}

	r.Unregister("guest_mode")
	if r.GetHASubscriptions("guest_mode") != nil || r.GetStateSubscriptions("guest_mode") != nil {
		t.Error("Expected no subscriptions after Unregister")
	}
}

func TestInputCaptureHelper(t *testing.T) {
	r := NewSubscriptionRegistry()
	mockHA := ha.NewMockClient()
	mockHA.SetState("switch.guest_wifi", "on", nil)

	sm := &mockStateManager{values: map[string]bool{"guest_mode": true}}
	helper := NewInputCaptureHelper(r, mockHA, sm)

	r.RegisterHASubscription("guest_mode", "switch.guest_wifi")
	r.RegisterHASubscription("guest_mode", "switch.missing")
	r.RegisterStateSubscription("guest_mode", "guest_mode")
	r.RegisterStateSubscription("guest_mode", "zone:gone")

	inputs := helper.CaptureInputsWithAdditional("guest_mode", map[string]interface{}{"reason": "api"})

	if inputs["switch.guest_wifi"] != "on" {
		t.Errorf("Expected wifi input on, got %v", inputs["switch.guest_wifi"])
	}
	if inputs["guest_mode"] != true {
		t.Errorf("Expected guest_mode input true, got %v", inputs["guest_mode"])
	}
	if _, ok := inputs["switch.missing"]; ok {
		t.Error("Unreadable entity should be left out")
	}
	if _, ok := inputs["zone:gone"]; ok {
		t.Error("Unknown variable should be left out")
	}
	if inputs["reason"] != "api" {
		t.Error("Additional input missing")
	}
}

func TestSubscriptionHelper(t *testing.T) {
	mockHA := ha.NewMockClient()
	mockHA.Connect()
	mockHA.SetState("input_boolean.guest_mode", "off", nil)

	sm := state.NewManager(mockHA, zap.NewNop(), false)
	if err := sm.Register(state.Variable{Key: "guest_mode", EntityID: "input_boolean.guest_mode"}); err != nil {
		t.Fatal(err)
	}

	r := NewSubscriptionRegistry()
	tracker := NewGuestModeTracker(nil)
	helper := NewSubscriptionHelper(mockHA, sm, r, tracker, "guest_mode", zap.NewNop())

	done := make(chan bool, 1)
	if err := helper.SubscribeToState("guest_mode", func(key string, oldValue, newValue bool) {
		done <- newValue
	}); err != nil {
		t.Fatal(err)
	}

	if err := helper.SubscribeToState("missing", func(string, bool, bool) {}); err == nil {
		t.Error("Expected error subscribing to unknown variable")
	}

	mockHA.SimulateStateChange("input_boolean.guest_mode", "on")
	if v := <-done; !v {
		t.Error("Expected new value true")
	}

	// Inputs were captured before the handler ran
	if tracker.GetState().Inputs.Current["guest_mode"] != true {
		t.Error("Expected captured guest_mode input")
	}

	helper.UnsubscribeFromState("guest_mode")
	if len(r.GetStateSubscriptions("guest_mode")) != 0 {
		t.Error("Expected registry entry to be removed")
	}

	helper.WatchEntity("switch.guest_wifi")
	helper.UnsubscribeAll()
	if r.GetHASubscriptions("guest_mode") != nil {
		t.Error("Expected registry cleared by UnsubscribeAll")
	}
}
