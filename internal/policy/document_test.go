package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZoneKey(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Living Room", "living_room"},
		{"guest", "guest"},
		{"Upstairs Guest Suite", "upstairs_guest_suite"},
		{"ALLCAPS", "allcaps"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ZoneKey(tt.name))
		})
	}
}

func TestParseDocument_V2(t *testing.T) {
	data := []byte(`
version: 2
global_wifi:
  entity: switch.guest_wifi
  mode: on
zones:
  upstairs:
    name: Upstairs
    automations_off: [automation.a1, automation.a1, automation.a2]
    entities_on: [light.hall]
  living_room:
    name: Living Room
    scripts_off: [script.s1]
  basement:
    entities_off: [switch.fan]
`)

	doc, err := ParseDocument(data)
	require.NoError(t, err)

	assert.Equal(t, CurrentVersion, doc.Version)
	require.NotNil(t, doc.GlobalWifi)
	assert.Equal(t, EntityRef("switch.guest_wifi"), doc.GlobalWifi.Entity)
	assert.Equal(t, WifiOn, doc.GlobalWifi.Mode)

	require.Len(t, doc.Zones, 3)
	// Definition order survives decoding
	assert.Equal(t, "upstairs", doc.Zones[0].Key)
	assert.Equal(t, "living_room", doc.Zones[1].Key)
	assert.Equal(t, "basement", doc.Zones[2].Key)

	assert.Equal(t, []EntityRef{"automation.a1", "automation.a2"}, doc.Zones[0].AutomationsOff)
	assert.Equal(t, []EntityRef{"light.hall"}, doc.Zones[0].EntitiesOn)
	assert.Equal(t, "Living Room", doc.Zones[1].Name)
	// Name falls back to the key
	assert.Equal(t, "basement", doc.Zones[2].Name)
}

func TestParseDocument_V1Migration(t *testing.T) {
	data := []byte(`
version: 1
zones:
  guest_room:
    name: Guest Room
    automations: [automation.night_light]
    scripts: [script.bedtime]
    entities: [light.desk]
    wifi_entity: switch.iot_wifi
    wifi_mode: on
  office:
    name: Office
    entities: [switch.monitor]
    wifi_entity: switch.office_ap
    wifi_mode: off
`)

	doc, err := ParseDocument(data)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, doc.Version)
	require.Len(t, doc.Zones, 2)

	guest := doc.Zones[0]
	assert.Equal(t, []EntityRef{"automation.night_light"}, guest.AutomationsOff)
	assert.Equal(t, []EntityRef{"script.bedtime"}, guest.ScriptsOff)
	assert.Equal(t, []EntityRef{"light.desk"}, guest.EntitiesOff)
	assert.Equal(t, []EntityRef{"switch.iot_wifi"}, guest.EntitiesOn)
	assert.Empty(t, guest.AutomationsOn)
	assert.Empty(t, guest.ScriptsOn)

	office := doc.Zones[1]
	assert.Equal(t, []EntityRef{"switch.monitor", "switch.office_ap"}, office.EntitiesOff)
	assert.Empty(t, office.EntitiesOn)
}

func TestParseDocument_DetectsVersionFromShape(t *testing.T) {
	t.Run("undirected fields mean v1", func(t *testing.T) {
		doc, err := ParseDocument([]byte(`
zones:
  den:
    name: Den
    automations: [automation.tv_lights]
`))
		require.NoError(t, err)
		require.Len(t, doc.Zones, 1)
		assert.Equal(t, []EntityRef{"automation.tv_lights"}, doc.Zones[0].AutomationsOff)
	})

	t.Run("directed fields mean v2", func(t *testing.T) {
		doc, err := ParseDocument([]byte(`
zones:
  den:
    name: Den
    automations_on: [automation.tv_lights]
`))
		require.NoError(t, err)
		require.Len(t, doc.Zones, 1)
		assert.Equal(t, []EntityRef{"automation.tv_lights"}, doc.Zones[0].AutomationsOn)
		assert.Empty(t, doc.Zones[0].AutomationsOff)
	})
}

func TestParseDocument_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"zones not a mapping", "version: 2\nzones: [a, b]\n"},
		{"unknown version", "version: 7\nzones:\n  a:\n    name: A\n"},
		{"bad wifi mode", "version: 2\nglobal_wifi:\n  entity: switch.wifi\n  mode: sideways\n"},
		{"duplicate zone", "version: 2\nzones:\n  a:\n    name: A\n  a:\n    name: B\n"},
		{"malformed yaml", "version: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDocument([]byte(tt.data))
			assert.ErrorIs(t, err, ErrInvalidDocument)
		})
	}
}

func TestParseDocument_Empty(t *testing.T) {
	doc, err := ParseDocument([]byte(""))
	require.NoError(t, err)
	assert.Empty(t, doc.Zones)
	assert.Nil(t, doc.GlobalWifi)
}

func TestDocument_MarshalWritesV2InOrder(t *testing.T) {
	doc := &Document{
		Version:    1,
		GlobalWifi: &GlobalWifiPolicy{Entity: "switch.guest_wifi", Mode: WifiOn},
		Zones: []ZonePolicy{
			{Key: "zulu", Name: "Zulu", EntitiesOff: []EntityRef{"light.z"}},
			{Key: "alpha", Name: "Alpha", AutomationsOn: []EntityRef{"automation.a"}},
		},
	}

	data, err := doc.Marshal()
	require.NoError(t, err)

	parsed, err := ParseDocument(data)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, parsed.Version)
	require.Len(t, parsed.Zones, 2)
	assert.Equal(t, "zulu", parsed.Zones[0].Key)
	assert.Equal(t, "alpha", parsed.Zones[1].Key)
	assert.Equal(t, WifiOn, parsed.GlobalWifi.Mode)
	assert.Contains(t, string(data), "version: 2")
}

func TestZonePolicy_AllEntities(t *testing.T) {
	zone := ZonePolicy{
		AutomationsOff: []EntityRef{"automation.a"},
		ScriptsOff:     []EntityRef{"script.s"},
		EntitiesOff:    []EntityRef{"light.x"},
		EntitiesOn:     []EntityRef{"light.y", "light.x"},
	}

	assert.Equal(t,
		[]EntityRef{"automation.a", "script.s", "light.x", "light.y"},
		zone.AllEntities())
}

func TestWifiMode(t *testing.T) {
	assert.Equal(t, WifiOff, WifiOn.Opposite())
	assert.Equal(t, WifiOn, WifiOff.Opposite())

	mode, err := ParseWifiMode("")
	require.NoError(t, err)
	assert.Equal(t, WifiOff, mode)

	mode, err = ParseWifiMode("ON")
	require.NoError(t, err)
	assert.Equal(t, WifiOn, mode)

	_, err = ParseWifiMode("maybe")
	assert.Error(t, err)
}
