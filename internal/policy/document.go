package policy

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// CurrentVersion is the schema version written by Marshal
const CurrentVersion = 2

// Document is the persisted guest mode configuration. Zones keep the order
// they were defined in.
type Document struct {
	Version    int
	GlobalWifi *GlobalWifiPolicy
	Zones      []ZonePolicy
}

type rawDocument struct {
	Version    int               `yaml:"version"`
	GlobalWifi *GlobalWifiPolicy `yaml:"global_wifi"`
	Zones      yaml.Node         `yaml:"zones"`
}

// zoneV1 is the undirected zone layout. Every listed entity was forced off,
// and each zone carried its own WiFi directive.
type zoneV1 struct {
	Name        string      `yaml:"name"`
	Automations []EntityRef `yaml:"automations"`
	Scripts     []EntityRef `yaml:"scripts"`
	Entities    []EntityRef `yaml:"entities"`
	WifiEntity  EntityRef   `yaml:"wifi_entity"`
	WifiMode    WifiMode    `yaml:"wifi_mode"`
}

var v1Fields = map[string]bool{
	"automations": true,
	"scripts":     true,
	"entities":    true,
	"wifi_entity": true,
	"wifi_mode":   true,
}

// ParseDocument decodes a configuration document. Version 1 documents are
// migrated to the current layout; callers only ever see version 2 zones.
// Every error wraps ErrInvalidDocument.
func ParseDocument(data []byte) (*Document, error) {
	doc, err := parseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	return doc, nil
}

func parseDocument(data []byte) (*Document, error) {
	var raw rawDocument
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}

	zonesNode := &raw.Zones
	if zonesNode.Kind == 0 || isNull(zonesNode) {
		zonesNode = nil
	} else if zonesNode.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("zones must be a mapping of zone key to zone (line %d)", zonesNode.Line)
	}

	version := raw.Version
	if version == 0 {
		version = detectVersion(zonesNode)
	}

	doc := &Document{Version: CurrentVersion}
	if raw.GlobalWifi != nil {
		wifi := *raw.GlobalWifi
		if wifi.Mode == "" {
			wifi.Mode = WifiOff
		}
		doc.GlobalWifi = &wifi
	}

	if zonesNode == nil {
		return doc, nil
	}

	seen := make(map[string]bool)
	for i := 0; i+1 < len(zonesNode.Content); i += 2 {
		keyNode, valueNode := zonesNode.Content[i], zonesNode.Content[i+1]
		key := strings.TrimSpace(keyNode.Value)
		if key == "" {
			return nil, fmt.Errorf("zone with empty key (line %d)", keyNode.Line)
		}
		if seen[key] {
			return nil, fmt.Errorf("zone %q defined more than once: %w", key, ErrZoneExists)
		}
		seen[key] = true

		var zone ZonePolicy
		switch version {
		case 1:
			var old zoneV1
			if err := valueNode.Decode(&old); err != nil {
				return nil, fmt.Errorf("zone %q: %w", key, err)
			}
			zone = migrateZone(old)
		case 2:
			if err := valueNode.Decode(&zone); err != nil {
				return nil, fmt.Errorf("zone %q: %w", key, err)
			}
		default:
			return nil, fmt.Errorf("unsupported document version %d", version)
		}

		zone.Key = key
		zone.normalize()
		if zone.Name == "" {
			zone.Name = key
		}
		doc.Zones = append(doc.Zones, zone)
	}

	return doc, nil
}

// detectVersion looks at zone field names when the version key is missing.
// Any undirected field marks the document as version 1.
func detectVersion(zones *yaml.Node) int {
	if zones == nil {
		return CurrentVersion
	}
	for i := 1; i < len(zones.Content); i += 2 {
		zone := zones.Content[i]
		if zone.Kind != yaml.MappingNode {
			continue
		}
		for j := 0; j < len(zone.Content); j += 2 {
			if v1Fields[zone.Content[j].Value] {
				return 1
			}
		}
	}
	return CurrentVersion
}

// migrateZone maps an undirected zone onto the directed layout. The old
// per-zone WiFi entity becomes an ordinary entity so it is snapshotted and
// restored with the rest of the zone.
func migrateZone(old zoneV1) ZonePolicy {
	zone := ZonePolicy{
		Name:           old.Name,
		AutomationsOff: old.Automations,
		ScriptsOff:     old.Scripts,
		EntitiesOff:    old.Entities,
	}
	if old.WifiEntity != "" {
		if old.WifiMode == WifiOn {
			zone.EntitiesOn = append(zone.EntitiesOn, old.WifiEntity)
		} else {
			zone.EntitiesOff = append(zone.EntitiesOff, old.WifiEntity)
		}
	}
	return zone
}

func isNull(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && n.Tag == "!!null"
}

// Marshal encodes the document as version 2, zones in definition order
func (d *Document) Marshal() ([]byte, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}

	addScalar(root, "version")
	addScalar(root, fmt.Sprintf("%d", CurrentVersion)).Tag = "!!int"

	if d.GlobalWifi != nil {
		addScalar(root, "global_wifi")
		var wifi yaml.Node
		if err := wifi.Encode(d.GlobalWifi); err != nil {
			return nil, fmt.Errorf("failed to encode global_wifi: %w", err)
		}
		root.Content = append(root.Content, &wifi)
	}

	zones := &yaml.Node{Kind: yaml.MappingNode}
	for _, zone := range d.Zones {
		addScalar(zones, zone.Key)
		var value yaml.Node
		if err := value.Encode(zone); err != nil {
			return nil, fmt.Errorf("failed to encode zone %q: %w", zone.Key, err)
		}
		zones.Content = append(zones.Content, &value)
	}
	addScalar(root, "zones")
	root.Content = append(root.Content, zones)

	out, err := yaml.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	return out, nil
}

func addScalar(parent *yaml.Node, value string) *yaml.Node {
	n := &yaml.Node{Kind: yaml.ScalarNode, Value: value}
	parent.Content = append(parent.Content, n)
	return n
}

func (d *Document) clone() *Document {
	c := &Document{Version: d.Version}
	if d.GlobalWifi != nil {
		wifi := *d.GlobalWifi
		c.GlobalWifi = &wifi
	}
	c.Zones = make([]ZonePolicy, len(d.Zones))
	for i, zone := range d.Zones {
		c.Zones[i] = zone.Clone()
	}
	return c
}

func (d *Document) indexOf(key string) int {
	for i, zone := range d.Zones {
		if zone.Key == key {
			return i
		}
	}
	return -1
}
