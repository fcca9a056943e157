package ha

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClient_ServiceEffects(t *testing.T) {
	mock := NewMockClient()
	require.NoError(t, mock.Connect())
	mock.SetState("automation.motion_lights", "on", nil)
	mock.SetState("script.bedtime", "off", nil)

	require.NoError(t, mock.CallService("automation", "turn_off", map[string]interface{}{"entity_id": "automation.motion_lights"}))
	require.NoError(t, mock.CallService("homeassistant", "turn_on", map[string]interface{}{"entity_id": "script.bedtime"}))
	require.NoError(t, mock.CallService("homeassistant", "turn_on", map[string]interface{}{"entity_id": "light.missing"}))
	require.NoError(t, mock.SetInputBoolean("guest_mode_zone_den", true))

	assert.Equal(t, "off", mock.StateOf("automation.motion_lights"))
	assert.Equal(t, "on", mock.StateOf("script.bedtime"))
	assert.Equal(t, "", mock.StateOf("light.missing"), "calls never create entities")

	calls := mock.GetServiceCalls()
	require.Len(t, calls, 4)
	assert.Equal(t, "input_boolean", calls[3].Domain)
	assert.Equal(t, "input_boolean.guest_mode_zone_den", calls[3].EntityID())

	_, err := mock.GetState("light.missing")
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestMockClient_InjectedFailures(t *testing.T) {
	mock := NewMockClient()
	mock.SetState("switch.guest_wifi", "off", nil)
	mock.FailService("homeassistant", "turn_on", "switch.guest_wifi", errors.New("boom"))

	err := mock.CallService("homeassistant", "turn_on", map[string]interface{}{"entity_id": "switch.guest_wifi"})
	assert.EqualError(t, err, "boom")
	assert.Equal(t, "off", mock.StateOf("switch.guest_wifi"))

	mock.ClearServiceFailures()
	assert.NoError(t, mock.CallService("homeassistant", "turn_on", map[string]interface{}{"entity_id": "switch.guest_wifi"}))
	assert.Equal(t, "on", mock.StateOf("switch.guest_wifi"))

	mock.SetState("input_boolean.guest_mode_zone_patio", "off", nil)
	require.NoError(t, mock.RemoveEntity("input_boolean.guest_mode_zone_patio"))
	assert.Equal(t, []string{"input_boolean.guest_mode_zone_patio"}, mock.RemovedEntities())

	mock.FailRemoveEntity(errors.New("registry locked"))
	assert.Error(t, mock.RemoveEntity("input_boolean.guest_mode_zone_den"))
}

func TestHandlerSet(t *testing.T) {
	set := newHandlerSet()
	var seen []string

	first := set.add("input_boolean.guest_mode", func(_ string, _, newState *State) {
		seen = append(seen, "first:"+newState.State)
	})
	set.add("input_boolean.guest_mode", func(_ string, _, newState *State) {
		seen = append(seen, "second:"+newState.State)
	})
	set.add("input_boolean.guest_mode_zone_den", func(string, *State, *State) {
		seen = append(seen, "den")
	})

	set.dispatch("input_boolean.guest_mode", nil, &State{State: "on"})
	assert.Equal(t, []string{"first:on", "second:on"}, seen)

	require.NoError(t, first.Unsubscribe())
	require.NoError(t, first.Unsubscribe())
	seen = nil
	set.dispatch("input_boolean.guest_mode", nil, &State{State: "off"})
	assert.Equal(t, []string{"second:off"}, seen)

	set.clear()
	seen = nil
	set.dispatch("input_boolean.guest_mode", nil, &State{State: "on"})
	set.dispatch("input_boolean.guest_mode_zone_den", nil, nil)
	assert.Empty(t, seen)
}
