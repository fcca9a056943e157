package guest

import (
	"errors"
	"sync"
	"testing"
	"time"

	"guestmode/internal/clock"
	"guestmode/internal/ha"
	"guestmode/internal/policy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testStart = time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, readOnly bool) (*Engine, *ha.MockClient) {
	t.Helper()
	mockClient := ha.NewMockClient()
	require.NoError(t, mockClient.Connect())
	platform := NewHAPlatform(mockClient, zap.NewNop(), readOnly)
	return NewEngine(platform, NewSnapshotTable(), clock.NewManual(testStart), zap.NewNop()), mockClient
}

func livingRoom() policy.ZonePolicy {
	return policy.ZonePolicy{
		Key:            "living_room",
		Name:           "Living Room",
		AutomationsOff: []policy.EntityRef{"automation.motion_lights"},
		AutomationsOn:  []policy.EntityRef{"automation.guest_welcome"},
		ScriptsOff:     []policy.EntityRef{"script.bedtime"},
		ScriptsOn:      []policy.EntityRef{"script.guest_scene"},
		EntitiesOff:    []policy.EntityRef{"light.living_room"},
		EntitiesOn:     []policy.EntityRef{"light.hallway"},
	}
}

func seedLivingRoom(m *ha.MockClient) {
	m.SetState("automation.motion_lights", "on", nil)
	m.SetState("automation.guest_welcome", "off", nil)
	m.SetState("script.bedtime", "off", nil)
	m.SetState("script.guest_scene", "off", nil)
	m.SetState("light.living_room", "on", nil)
	m.SetState("light.hallway", "off", nil)
}

type call struct {
	domain, service, entity string
}

func callsOf(m *ha.MockClient) []call {
	var calls []call
	for _, c := range m.GetServiceCalls() {
		calls = append(calls, call{c.Domain, c.Service, c.EntityID()})
	}
	return calls
}

func TestEngine_ActivateCapturesSnapshot(t *testing.T) {
	engine, mockClient := newTestEngine(t, false)
	seedLivingRoom(mockClient)

	report, err := engine.Activate(livingRoom(), nil)
	require.NoError(t, err)
	assert.Equal(t, 6, report.Captured)
	assert.Equal(t, 6, report.Requests)
	assert.Empty(t, report.Missing)
	assert.False(t, report.Reactivated)

	snap, ok := engine.Snapshots().Get("living_room")
	require.True(t, ok)
	assert.Equal(t, report.ActivationID, snap.ActivationID)
	assert.Equal(t, testStart, snap.CapturedAt)
	assert.Equal(t, map[policy.EntityRef]string{
		"automation.motion_lights": "on",
		"automation.guest_welcome": "off",
		"script.bedtime":           "off",
		"script.guest_scene":       "off",
		"light.living_room":        "on",
		"light.hallway":            "off",
	}, snap.States)
}

func TestEngine_ActivateOrdersOffBeforeOn(t *testing.T) {
	engine, mockClient := newTestEngine(t, false)
	seedLivingRoom(mockClient)

	_, err := engine.Activate(livingRoom(), nil)
	require.NoError(t, err)

	assert.Equal(t, []call{
		{"automation", "turn_off", "automation.motion_lights"},
		{"script", "turn_off", "script.bedtime"},
		{"homeassistant", "turn_off", "light.living_room"},
		{"automation", "turn_on", "automation.guest_welcome"},
		{"script", "turn_on", "script.guest_scene"},
		{"homeassistant", "turn_on", "light.hallway"},
	}, callsOf(mockClient))
}

func TestEngine_DeactivateRestoresCapturedStates(t *testing.T) {
	engine, mockClient := newTestEngine(t, false)
	seedLivingRoom(mockClient)
	mockClient.SetState("light.porch", "unavailable", nil)

	zone := livingRoom()
	zone.EntitiesOff = append(zone.EntitiesOff, "light.porch")

	_, err := engine.Activate(zone, nil)
	require.NoError(t, err)
	assert.Equal(t, "off", mockClient.StateOf("automation.motion_lights"))
	assert.Equal(t, "on", mockClient.StateOf("light.hallway"))

	mockClient.ClearServiceCalls()
	report, err := engine.Deactivate("living_room", nil)
	require.NoError(t, err)
	assert.True(t, report.HadSnapshot)
	assert.Equal(t, 7, report.Restored)

	// Every restore goes through the homeassistant domain, in capture order
	assert.Equal(t, []call{
		{"homeassistant", "turn_on", "automation.motion_lights"},
		{"homeassistant", "turn_off", "script.bedtime"},
		{"homeassistant", "turn_on", "light.living_room"},
		{"homeassistant", "turn_off", "light.porch"},
		{"homeassistant", "turn_off", "automation.guest_welcome"},
		{"homeassistant", "turn_off", "script.guest_scene"},
		{"homeassistant", "turn_off", "light.hallway"},
	}, callsOf(mockClient)[:7])

	assert.Equal(t, "on", mockClient.StateOf("automation.motion_lights"))
	assert.Equal(t, "off", mockClient.StateOf("light.hallway"))
	assert.False(t, engine.Snapshots().Has("living_room"))
}

func TestEngine_DeactivateIsIdempotent(t *testing.T) {
	engine, mockClient := newTestEngine(t, false)
	seedLivingRoom(mockClient)
	mockClient.SetState("switch.guest_wifi", "off", nil)
	wifi := &policy.GlobalWifiPolicy{Entity: "switch.guest_wifi", Mode: policy.WifiOn}

	_, err := engine.Activate(livingRoom(), wifi)
	require.NoError(t, err)
	_, err = engine.Deactivate("living_room", wifi)
	require.NoError(t, err)

	mockClient.ClearServiceCalls()
	report, err := engine.Deactivate("living_room", wifi)
	require.NoError(t, err)
	assert.False(t, report.HadSnapshot)
	assert.Equal(t, 0, report.Restored)

	// Only the WiFi step runs
	assert.Equal(t, []call{
		{"homeassistant", "turn_off", "switch.guest_wifi"},
	}, callsOf(mockClient))
}

func TestEngine_MissingEntitiesAreSkipped(t *testing.T) {
	engine, mockClient := newTestEngine(t, false)
	mockClient.SetState("light.living_room", "on", nil)

	zone := policy.ZonePolicy{
		Key:            "den",
		AutomationsOff: []policy.EntityRef{"automation.gone"},
		EntitiesOff:    []policy.EntityRef{"light.living_room", "light.deleted"},
		EntitiesOn:     []policy.EntityRef{"switch.also_gone"},
	}

	report, err := engine.Activate(zone, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]policy.EntityRef{"automation.gone", "light.deleted", "switch.also_gone"},
		report.Missing)
	assert.Equal(t, 1, report.Captured)
	assert.Equal(t, 1, report.Requests)

	assert.Equal(t, []call{
		{"homeassistant", "turn_off", "light.living_room"},
	}, callsOf(mockClient))
}

func TestEngine_EmptyStatesAreNotCaptured(t *testing.T) {
	engine, mockClient := newTestEngine(t, false)
	mockClient.SetState("light.a", "", nil)
	mockClient.SetState("light.b", "on", nil)

	report, err := engine.Activate(policy.ZonePolicy{
		Key:         "den",
		EntitiesOff: []policy.EntityRef{"light.a", "light.b"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Captured)
	// The override still applies to the entity without a state
	assert.Equal(t, 2, report.Requests)

	snap, _ := engine.Snapshots().Get("den")
	assert.Equal(t, []policy.EntityRef{"light.b"}, snap.Order)
}

func TestEngine_WifiPolarity(t *testing.T) {
	tests := []struct {
		name           string
		mode           policy.WifiMode
		onActivate     string
		onDeactivation string
	}{
		{"guest wifi on", policy.WifiOn, "turn_on", "turn_off"},
		{"guest wifi off", policy.WifiOff, "turn_off", "turn_on"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, mockClient := newTestEngine(t, false)
			mockClient.SetState("switch.guest_wifi", "off", nil)
			wifi := &policy.GlobalWifiPolicy{Entity: "switch.guest_wifi", Mode: tt.mode}

			report, err := engine.Activate(policy.ZonePolicy{Key: "den"}, wifi)
			require.NoError(t, err)
			assert.True(t, report.WifiApplied)

			deact, err := engine.Deactivate("den", wifi)
			require.NoError(t, err)
			assert.True(t, deact.WifiApplied)

			assert.Equal(t, []call{
				{"homeassistant", tt.onActivate, "switch.guest_wifi"},
				{"homeassistant", tt.onDeactivation, "switch.guest_wifi"},
			}, callsOf(mockClient))
		})
	}
}

func TestEngine_MissingWifiEntityIsSkipped(t *testing.T) {
	engine, mockClient := newTestEngine(t, false)
	wifi := &policy.GlobalWifiPolicy{Entity: "switch.no_such_wifi", Mode: policy.WifiOn}

	report, err := engine.Activate(policy.ZonePolicy{Key: "den"}, wifi)
	require.NoError(t, err)
	assert.False(t, report.WifiApplied)
	assert.Empty(t, mockClient.GetServiceCalls())
}

func TestEngine_BusyZoneIsRejected(t *testing.T) {
	engine, mockClient := newTestEngine(t, false)
	seedLivingRoom(mockClient)

	_, err := engine.Snapshots().acquire("living_room")
	require.NoError(t, err)

	_, err = engine.Activate(livingRoom(), nil)
	assert.ErrorIs(t, err, ErrZoneBusy)
	_, err = engine.Deactivate("living_room", nil)
	assert.ErrorIs(t, err, ErrZoneBusy)
	_, err = engine.RestoreStates("living_room")
	assert.ErrorIs(t, err, ErrZoneBusy)
	assert.Empty(t, mockClient.GetServiceCalls())

	engine.Snapshots().release("living_room", nil)

	// Other zones are independent
	_, err = engine.Activate(policy.ZonePolicy{Key: "den"}, nil)
	assert.NoError(t, err)
	_, err = engine.Activate(livingRoom(), nil)
	assert.NoError(t, err)
}

func TestEngine_ActivationFailureKeepsSnapshot(t *testing.T) {
	engine, mockClient := newTestEngine(t, false)
	seedLivingRoom(mockClient)
	mockClient.FailService("homeassistant", "turn_off", "light.living_room", errors.New("zigbee timeout"))

	report, err := engine.Activate(livingRoom(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entities_off")
	require.NotNil(t, report)
	assert.Equal(t, 3, report.Requests)

	// Nothing after the failing request was issued
	calls := callsOf(mockClient)
	require.Len(t, calls, 3)
	assert.Equal(t, "light.living_room", calls[2].entity)

	snap, ok := engine.Snapshots().Get("living_room")
	require.True(t, ok)
	assert.Equal(t, 6, snap.Len())
}

func TestEngine_DeactivationFailureKeepsRemainingEntries(t *testing.T) {
	engine, mockClient := newTestEngine(t, false)
	seedLivingRoom(mockClient)

	_, err := engine.Activate(livingRoom(), nil)
	require.NoError(t, err)

	mockClient.FailService("homeassistant", "turn_on", "light.living_room", errors.New("zigbee timeout"))
	report, err := engine.Deactivate("living_room", nil)
	require.Error(t, err)
	assert.Equal(t, 2, report.Restored)
	assert.Equal(t, 4, report.Remaining)

	snap, ok := engine.Snapshots().Get("living_room")
	require.True(t, ok)
	assert.Equal(t, policy.EntityRef("light.living_room"), snap.Order[0])
	assert.NotContains(t, snap.States, policy.EntityRef("automation.motion_lights"))

	// Retrying picks up where the failure left off
	mockClient.ClearServiceFailures()
	mockClient.ClearServiceCalls()
	report, err = engine.Deactivate("living_room", nil)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Restored)
	assert.Equal(t, "light.living_room", callsOf(mockClient)[0].entity)
	assert.False(t, engine.Snapshots().Has("living_room"))
}

func TestEngine_ReactivationKeepsOriginalSnapshot(t *testing.T) {
	engine, mockClient := newTestEngine(t, false)
	seedLivingRoom(mockClient)

	first, err := engine.Activate(livingRoom(), nil)
	require.NoError(t, err)

	second, err := engine.Activate(livingRoom(), nil)
	require.NoError(t, err)
	assert.True(t, second.Reactivated)
	assert.Equal(t, first.ActivationID, second.ActivationID)

	snap, _ := engine.Snapshots().Get("living_room")
	assert.Equal(t, "on", snap.States["automation.motion_lights"])
	assert.Equal(t, "off", snap.States["light.hallway"])
}

func TestEngine_RestoreStatesSkipsWifi(t *testing.T) {
	engine, mockClient := newTestEngine(t, false)
	mockClient.SetState("light.desk", "on", nil)

	_, err := engine.Activate(policy.ZonePolicy{Key: "office", EntitiesOff: []policy.EntityRef{"light.desk"}}, nil)
	require.NoError(t, err)

	mockClient.ClearServiceCalls()
	report, err := engine.RestoreStates("office")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Restored)
	assert.False(t, report.WifiApplied)
	assert.Equal(t, []call{{"homeassistant", "turn_on", "light.desk"}}, callsOf(mockClient))
	assert.False(t, engine.Snapshots().Has("office"))
}

func TestEngine_ReadOnly(t *testing.T) {
	engine, mockClient := newTestEngine(t, true)
	seedLivingRoom(mockClient)

	report, err := engine.Activate(livingRoom(), nil)
	require.NoError(t, err)
	assert.Equal(t, 6, report.Captured)
	assert.Empty(t, mockClient.GetServiceCalls())
	assert.True(t, engine.Snapshots().Has("living_room"))

	_, err = engine.Deactivate("living_room", nil)
	require.NoError(t, err)
	assert.Empty(t, mockClient.GetServiceCalls())
	assert.False(t, engine.Snapshots().Has("living_room"))
}

// readCountingClient counts state reads and can fail them
type readCountingClient struct {
	*ha.MockClient
	mu      sync.Mutex
	reads   int
	readErr error
}

func (c *readCountingClient) GetAllStates() ([]*ha.State, error) {
	c.mu.Lock()
	c.reads++
	err := c.readErr
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c.MockClient.GetAllStates()
}

func (c *readCountingClient) GetState(entityID string) (*ha.State, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	return c.MockClient.GetState(entityID)
}

func (c *readCountingClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

func TestEngine_ReadsStatesOncePerOperation(t *testing.T) {
	mockClient := ha.NewMockClient()
	require.NoError(t, mockClient.Connect())
	seedLivingRoom(mockClient)
	mockClient.SetState("switch.guest_wifi", "off", nil)
	client := &readCountingClient{MockClient: mockClient}
	engine := NewEngine(NewHAPlatform(client, zap.NewNop(), false), NewSnapshotTable(), clock.NewManual(testStart), zap.NewNop())
	wifi := &policy.GlobalWifiPolicy{Entity: "switch.guest_wifi", Mode: policy.WifiOn}

	zone := livingRoom()
	zone.EntitiesOff = append(zone.EntitiesOff, "light.not_installed")

	report, err := engine.Activate(zone, wifi)
	require.NoError(t, err)
	assert.Equal(t, 1, client.count(), "zone entities and wifi come from one read")
	assert.Equal(t, 6, report.Captured)
	assert.Equal(t, []policy.EntityRef{"light.not_installed"}, report.Missing)
	assert.True(t, report.WifiApplied)

	_, err = engine.Deactivate("living_room", wifi)
	require.NoError(t, err)
	assert.Equal(t, 2, client.count(), "deactivation reads only the wifi entity")

	_, err = engine.RestoreStates("living_room")
	require.NoError(t, err)
	_, err = engine.Activate(policy.ZonePolicy{Key: "empty"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, client.count(), "nothing to read without wifi or zone entities")
}

func TestEngine_StateReadFailureAbortsActivation(t *testing.T) {
	mockClient := ha.NewMockClient()
	require.NoError(t, mockClient.Connect())
	seedLivingRoom(mockClient)
	client := &readCountingClient{MockClient: mockClient, readErr: errors.New("connection reset")}
	engine := NewEngine(NewHAPlatform(client, zap.NewNop(), false), NewSnapshotTable(), clock.NewManual(testStart), zap.NewNop())

	_, err := engine.Activate(livingRoom(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.False(t, engine.Snapshots().Has("living_room"))
	assert.Empty(t, mockClient.GetServiceCalls())
}
