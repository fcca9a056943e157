// Package policy holds the declarative guest mode configuration: which
// automations, scripts and entities each zone forces off or on, and the
// optional global WiFi directive applied alongside every zone.
package policy

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// EntityRef identifies a Home Assistant entity, e.g. "automation.porch_lights".
// The entity is not guaranteed to exist.
type EntityRef string

// Domain returns the part of the entity id before the first dot
func (r EntityRef) Domain() string {
	if i := strings.IndexByte(string(r), '.'); i >= 0 {
		return string(r[:i])
	}
	return ""
}

// WifiMode is the state the global WiFi entity is forced to while guest mode
// is active.
type WifiMode string

const (
	WifiOn  WifiMode = "on"
	WifiOff WifiMode = "off"
)

// ParseWifiMode parses "on"/"off"; the empty string defaults to off.
func ParseWifiMode(s string) (WifiMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off":
		return WifiOff, nil
	case "on":
		return WifiOn, nil
	default:
		return "", fmt.Errorf("invalid wifi mode %q (expected on or off)", s)
	}
}

// Opposite returns the non-guest posture for this mode
func (m WifiMode) Opposite() WifiMode {
	if m == WifiOn {
		return WifiOff
	}
	return WifiOn
}

// UnmarshalYAML accepts on/off written bare or quoted
func (m *WifiMode) UnmarshalYAML(value *yaml.Node) error {
	mode, err := ParseWifiMode(value.Value)
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// GlobalWifiPolicy is the installation-wide WiFi directive
type GlobalWifiPolicy struct {
	Entity EntityRef `yaml:"entity,omitempty" json:"entity,omitempty"`
	Mode   WifiMode  `yaml:"mode" json:"mode"`
}

// Configured reports whether a WiFi entity has been set
func (w *GlobalWifiPolicy) Configured() bool {
	return w != nil && w.Entity != ""
}

// Category is the kind of entity a list controls
type Category string

const (
	Automations Category = "automations"
	Scripts     Category = "scripts"
	Entities    Category = "entities"
)

// Direction is the state a list forces its entities to during guest mode
type Direction string

const (
	Off Direction = "off"
	On  Direction = "on"
)

// Directive names one of the six directional lists of a zone
type Directive struct {
	Category  Category
	Direction Direction
}

func (d Directive) String() string {
	return string(d.Category) + "_" + string(d.Direction)
}

// OverrideOrder is the order overrides are applied in. Every off directive
// precedes every on directive.
var OverrideOrder = []Directive{
	{Automations, Off},
	{Scripts, Off},
	{Entities, Off},
	{Automations, On},
	{Scripts, On},
	{Entities, On},
}

// ZonePolicy describes one guest mode zone
type ZonePolicy struct {
	Key            string      `yaml:"-" json:"key"`
	Name           string      `yaml:"name" json:"name"`
	AutomationsOff []EntityRef `yaml:"automations_off,omitempty" json:"automations_off,omitempty"`
	AutomationsOn  []EntityRef `yaml:"automations_on,omitempty" json:"automations_on,omitempty"`
	ScriptsOff     []EntityRef `yaml:"scripts_off,omitempty" json:"scripts_off,omitempty"`
	ScriptsOn      []EntityRef `yaml:"scripts_on,omitempty" json:"scripts_on,omitempty"`
	EntitiesOff    []EntityRef `yaml:"entities_off,omitempty" json:"entities_off,omitempty"`
	EntitiesOn     []EntityRef `yaml:"entities_on,omitempty" json:"entities_on,omitempty"`
}

// List returns the entities of one directional list
func (p ZonePolicy) List(d Directive) []EntityRef {
	switch d {
	case Directive{Automations, Off}:
		return p.AutomationsOff
	case Directive{Automations, On}:
		return p.AutomationsOn
	case Directive{Scripts, Off}:
		return p.ScriptsOff
	case Directive{Scripts, On}:
		return p.ScriptsOn
	case Directive{Entities, Off}:
		return p.EntitiesOff
	case Directive{Entities, On}:
		return p.EntitiesOn
	}
	return nil
}

// AllEntities returns the union of all six lists, each entity once, in
// override order.
func (p ZonePolicy) AllEntities() []EntityRef {
	seen := make(map[EntityRef]struct{})
	var all []EntityRef
	for _, d := range OverrideOrder {
		for _, ref := range p.List(d) {
			if _, ok := seen[ref]; ok {
				continue
			}
			seen[ref] = struct{}{}
			all = append(all, ref)
		}
	}
	return all
}

// Clone returns a deep copy
func (p ZonePolicy) Clone() ZonePolicy {
	c := p
	c.AutomationsOff = cloneRefs(p.AutomationsOff)
	c.AutomationsOn = cloneRefs(p.AutomationsOn)
	c.ScriptsOff = cloneRefs(p.ScriptsOff)
	c.ScriptsOn = cloneRefs(p.ScriptsOn)
	c.EntitiesOff = cloneRefs(p.EntitiesOff)
	c.EntitiesOn = cloneRefs(p.EntitiesOn)
	return c
}

// normalize trims entity ids and drops blanks and duplicates within each list
func (p *ZonePolicy) normalize() {
	p.Name = strings.TrimSpace(p.Name)
	p.AutomationsOff = dedupe(p.AutomationsOff)
	p.AutomationsOn = dedupe(p.AutomationsOn)
	p.ScriptsOff = dedupe(p.ScriptsOff)
	p.ScriptsOn = dedupe(p.ScriptsOn)
	p.EntitiesOff = dedupe(p.EntitiesOff)
	p.EntitiesOn = dedupe(p.EntitiesOn)
}

func dedupe(refs []EntityRef) []EntityRef {
	if len(refs) == 0 {
		return nil
	}
	seen := make(map[EntityRef]struct{}, len(refs))
	out := make([]EntityRef, 0, len(refs))
	for _, ref := range refs {
		ref = EntityRef(strings.TrimSpace(string(ref)))
		if ref == "" {
			continue
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}

func cloneRefs(refs []EntityRef) []EntityRef {
	if refs == nil {
		return nil
	}
	return append([]EntityRef(nil), refs...)
}

// ZoneKey derives the stable zone key from a display name:
// "Guest Room" -> "guest_room".
func ZoneKey(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "_")
}
