package guest

import (
	"fmt"

	"guestmode/internal/clock"
	"guestmode/internal/policy"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ActivationReport describes what an activation did
type ActivationReport struct {
	Zone         string
	ActivationID uuid.UUID
	Missing      []policy.EntityRef
	Captured     int
	Requests     int
	Reactivated  bool
	WifiApplied  bool
}

// DeactivationReport describes what a deactivation or restore did
type DeactivationReport struct {
	Zone        string
	HadSnapshot bool
	Restored    int
	Remaining   int
	WifiApplied bool
}

// Engine runs zone activations and deactivations against a Platform. Each
// operation is sequential; different zones may run concurrently.
type Engine struct {
	platform  Platform
	snapshots *SnapshotTable
	clock     clock.Clock
	logger    *zap.Logger
}

// NewEngine creates a new activation engine
func NewEngine(platform Platform, snapshots *SnapshotTable, clk clock.Clock, logger *zap.Logger) *Engine {
	return &Engine{
		platform:  platform,
		snapshots: snapshots,
		clock:     clk,
		logger:    logger.Named("engine"),
	}
}

// Snapshots returns the engine's snapshot table
func (e *Engine) Snapshots() *SnapshotTable {
	return e.snapshots
}

// Activate captures the current state of every live entity the zone
// references, then applies its overrides with all off directives first.
// Missing entities are skipped. A platform failure stops the sequence; the
// snapshot captured so far is kept so a later Deactivate can undo it.
func (e *Engine) Activate(zone policy.ZonePolicy, wifi *policy.GlobalWifiPolicy) (*ActivationReport, error) {
	snap, err := e.snapshots.acquire(zone.Key)
	if err != nil {
		return nil, fmt.Errorf("zone %s: %w", zone.Key, err)
	}
	defer func() { e.snapshots.release(zone.Key, snap) }()

	report := &ActivationReport{Zone: zone.Key}
	logger := e.logger.With(zap.String("zone", zone.Key))

	refs := zone.AllEntities()
	read := refs
	if wifi.Configured() {
		read = append(append([]policy.EntityRef(nil), refs...), wifi.Entity)
	}
	live, err := e.platform.States(read)
	if err != nil {
		return report, fmt.Errorf("zone %s: %w", zone.Key, err)
	}
	for _, ref := range refs {
		if _, ok := live[ref]; !ok {
			report.Missing = append(report.Missing, ref)
		}
	}

	if len(report.Missing) > 0 {
		logger.Warn("Skipping entities missing from Home Assistant",
			zap.Int("count", len(report.Missing)),
			zap.Any("entities", report.Missing))
	}

	if snap == nil {
		snap = newSnapshot(zone.Key, e.clock.Now())
		for _, ref := range refs {
			if state, ok := live[ref]; ok && state != "" {
				snap.record(ref, state)
			}
		}
		report.Captured = snap.Len()
	} else {
		report.Reactivated = true
		logger.Warn("Zone already active, keeping original snapshot",
			zap.String("activation_id", snap.ActivationID.String()),
			zap.Int("snapshot_entities", snap.Len()))
	}
	report.ActivationID = snap.ActivationID

	for _, directive := range policy.OverrideOrder {
		for _, ref := range zone.List(directive) {
			if _, ok := live[ref]; !ok {
				continue
			}
			report.Requests++
			if err := e.apply(directive, ref); err != nil {
				logger.Error("Override failed, aborting activation",
					zap.String("directive", directive.String()),
					zap.String("entity_id", string(ref)),
					zap.Error(err))
				return report, fmt.Errorf("zone %s: %s: %w", zone.Key, directive, err)
			}
		}
	}

	applied, err := e.applyWifi(wifi, live, wifiTarget(wifi, true), logger)
	report.WifiApplied = applied
	if err != nil {
		return report, fmt.Errorf("zone %s: %w", zone.Key, err)
	}

	logger.Info("Zone activated",
		zap.String("activation_id", report.ActivationID.String()),
		zap.Int("captured", report.Captured),
		zap.Int("requests", report.Requests),
		zap.Int("missing", len(report.Missing)))

	return report, nil
}

// Deactivate restores the zone's snapshot and then sets the global WiFi
// entity to the opposite of its guest mode. Without a snapshot only the WiFi
// step runs.
func (e *Engine) Deactivate(zoneKey string, wifi *policy.GlobalWifiPolicy) (*DeactivationReport, error) {
	return e.deactivate(zoneKey, wifi, true)
}

// RestoreStates replays and drops the zone's snapshot without touching WiFi
func (e *Engine) RestoreStates(zoneKey string) (*DeactivationReport, error) {
	return e.deactivate(zoneKey, nil, false)
}

func (e *Engine) deactivate(zoneKey string, wifi *policy.GlobalWifiPolicy, withWifi bool) (*DeactivationReport, error) {
	snap, err := e.snapshots.acquire(zoneKey)
	if err != nil {
		return nil, fmt.Errorf("zone %s: %w", zoneKey, err)
	}
	defer func() { e.snapshots.release(zoneKey, snap) }()

	report := &DeactivationReport{Zone: zoneKey, HadSnapshot: snap != nil}
	logger := e.logger.With(zap.String("zone", zoneKey))

	if snap != nil {
		for snap.Len() > 0 {
			ref := snap.Order[0]
			captured := snap.States[ref]
			if err := e.platform.SetEntityOn(ref, captured == "on"); err != nil {
				report.Remaining = snap.Len()
				logger.Error("Restore failed, keeping remaining snapshot entries",
					zap.String("entity_id", string(ref)),
					zap.Int("remaining", report.Remaining),
					zap.Error(err))
				return report, fmt.Errorf("zone %s: restore: %w", zoneKey, err)
			}
			snap.pop()
			report.Restored++
		}
		snap = nil
	} else {
		logger.Debug("No snapshot to restore")
	}

	if withWifi && wifi.Configured() {
		live, err := e.platform.States([]policy.EntityRef{wifi.Entity})
		if err != nil {
			return report, fmt.Errorf("zone %s: wifi: %w", zoneKey, err)
		}
		applied, err := e.applyWifi(wifi, live, wifiTarget(wifi, false), logger)
		report.WifiApplied = applied
		if err != nil {
			return report, fmt.Errorf("zone %s: %w", zoneKey, err)
		}
	}

	logger.Info("Zone restored",
		zap.Int("restored", report.Restored),
		zap.Bool("had_snapshot", report.HadSnapshot),
		zap.Bool("wifi", report.WifiApplied))

	return report, nil
}

func (e *Engine) apply(d policy.Directive, ref policy.EntityRef) error {
	on := d.Direction == policy.On
	switch d.Category {
	case policy.Automations:
		return e.platform.SetAutomationEnabled(ref, on)
	case policy.Scripts:
		return e.platform.SetScriptEnabled(ref, on)
	default:
		return e.platform.SetEntityOn(ref, on)
	}
}

// wifiTarget returns the WiFi posture for guest mode (active) or normal mode
func wifiTarget(wifi *policy.GlobalWifiPolicy, active bool) bool {
	if wifi == nil {
		return false
	}
	mode := wifi.Mode
	if !active {
		mode = mode.Opposite()
	}
	return mode == policy.WifiOn
}

// applyWifi forces the global WiFi entity to on. It is skipped with a warning
// when live has no state for the entity.
func (e *Engine) applyWifi(wifi *policy.GlobalWifiPolicy, live map[policy.EntityRef]string, on bool, logger *zap.Logger) (bool, error) {
	if !wifi.Configured() {
		return false, nil
	}

	if _, exists := live[wifi.Entity]; !exists {
		logger.Warn("Global WiFi entity not found, skipping",
			zap.String("entity_id", string(wifi.Entity)))
		return false, nil
	}

	if err := e.platform.SetEntityOn(wifi.Entity, on); err != nil {
		return false, fmt.Errorf("wifi: %w", err)
	}
	return true, nil
}
