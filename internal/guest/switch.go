package guest

import (
	"sync"

	"guestmode/internal/policy"
	"guestmode/internal/restore"
	"guestmode/internal/shadowstate"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// MainSwitchEntity is the helper mirroring the main switch
	MainSwitchEntity = "input_boolean.guest_mode"

	zoneSwitchPrefix = "input_boolean.guest_mode_zone_"
	mainVarKey       = "guest_mode"
	zoneVarPrefix    = "zone:"
)

// ZoneSwitchEntity returns the helper mirroring a zone switch
func ZoneSwitchEntity(zoneKey string) string {
	return zoneSwitchPrefix + zoneKey
}

func zoneVarKey(zoneKey string) string {
	return zoneVarPrefix + zoneKey
}

// switchMirror receives every applied switch position
type switchMirror interface {
	SetBool(key string, value bool) error
}

// switchBase is the position bookkeeping shared by main and zone switches
type switchBase struct {
	varKey   string
	entityID string
	mirror   switchMirror
	restore  restore.Store
	logger   *zap.Logger

	mu      sync.RWMutex
	isOn    bool
	removed bool
}

// IsOn returns the applied position
func (s *switchBase) IsOn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOn
}

// EntityID returns the helper entity mirroring this switch
func (s *switchBase) EntityID() string {
	return s.entityID
}

// setApplied records a new position, persists it for restarts and mirrors
// it into Home Assistant. Persist and mirror failures are logged only. A
// removed switch records nothing.
func (s *switchBase) setApplied(on bool) {
	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		s.logger.Debug("Switch removed, position not recorded", zap.Bool("on", on))
		return
	}
	s.isOn = on
	if err := s.restore.SaveState(s.entityID, onOffState(on)); err != nil {
		s.logger.Warn("Failed to persist switch state", zap.Error(err))
	}
	s.mu.Unlock()

	if err := s.mirror.SetBool(s.varKey, on); err != nil {
		s.logger.Warn("Failed to mirror switch state", zap.Error(err))
	}
}

// markRemoved stops setApplied from persisting. It waits for a save in
// progress, so a later restore.Delete is final.
func (s *switchBase) markRemoved() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = true
	s.isOn = false
}

func (s *switchBase) isRemoved() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.removed
}

// restoreLast loads the last known position. fallback is used when nothing
// was stored.
func (s *switchBase) restoreLast(fallback bool) bool {
	on := fallback
	state, ok, err := s.restore.LastKnownState(s.entityID)
	if err != nil {
		s.logger.Warn("Failed to read last known state", zap.Error(err))
	} else if ok {
		on = state == "on"
	}

	s.mu.Lock()
	s.isOn = on
	s.mu.Unlock()
	return on
}

func onOffState(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// ZoneSwitch is the guest mode switch of one zone
type ZoneSwitch struct {
	switchBase

	engine  *Engine
	wifi    func() *policy.GlobalWifiPolicy
	tracker *shadowstate.GuestModeTracker

	policyMu sync.RWMutex
	policy   policy.ZonePolicy
}

func newZoneSwitch(zone policy.ZonePolicy, engine *Engine, wifi func() *policy.GlobalWifiPolicy, mirror switchMirror, store restore.Store, tracker *shadowstate.GuestModeTracker, logger *zap.Logger) *ZoneSwitch {
	return &ZoneSwitch{
		switchBase: switchBase{
			varKey:   zoneVarKey(zone.Key),
			entityID: ZoneSwitchEntity(zone.Key),
			mirror:   mirror,
			restore:  store,
			logger:   logger.With(zap.String("zone", zone.Key)),
		},
		engine:  engine,
		wifi:    wifi,
		tracker: tracker,
		policy:  zone,
	}
}

// Key returns the zone key
func (z *ZoneSwitch) Key() string {
	z.policyMu.RLock()
	defer z.policyMu.RUnlock()
	return z.policy.Key
}

// Policy returns the zone's current policy
func (z *ZoneSwitch) Policy() policy.ZonePolicy {
	z.policyMu.RLock()
	defer z.policyMu.RUnlock()
	return z.policy.Clone()
}

func (z *ZoneSwitch) setPolicy(p policy.ZonePolicy) {
	z.policyMu.Lock()
	defer z.policyMu.Unlock()
	z.policy = p
}

// TurnOn activates the zone. After a failure the switch reports on if a
// snapshot was captured, so a later TurnOff can undo partial overrides.
func (z *ZoneSwitch) TurnOn(reason string) error {
	zone := z.Policy()
	report, err := z.engine.Activate(zone, z.wifi())
	if err != nil && report == nil {
		// Busy: nothing changed
		return err
	}

	on := err == nil || z.engine.Snapshots().Has(zone.Key)
	z.setApplied(on)
	z.record("activate", reason, err, activationDetails(report))
	return err
}

// TurnOff restores the zone. After a failure the switch stays on while
// snapshot entries remain.
func (z *ZoneSwitch) TurnOff(reason string) error {
	key := z.Key()
	report, err := z.engine.Deactivate(key, z.wifi())
	if err != nil && report == nil {
		return err
	}

	z.setApplied(z.engine.Snapshots().Has(key))
	z.record("deactivate", reason, err, deactivationDetails(report))
	return err
}

// RestoreStates replays the snapshot without the WiFi step
func (z *ZoneSwitch) RestoreStates(reason string) error {
	key := z.Key()
	report, err := z.engine.RestoreStates(key)
	if err != nil && report == nil {
		return err
	}

	z.setApplied(z.engine.Snapshots().Has(key))
	z.record("restore", reason, err, deactivationDetails(report))
	return err
}

func (z *ZoneSwitch) record(action, reason string, err error, details map[string]interface{}) {
	if z.tracker == nil || z.isRemoved() {
		return
	}
	z.tracker.RecordZoneAction(z.Key(), z.shadowState(), action, reason, err, details)
}

func (z *ZoneSwitch) shadowState() shadowstate.ZoneState {
	zs := shadowstate.ZoneState{SwitchState: shadowstate.SwitchState{On: z.IsOn()}}
	if snap, ok := z.engine.Snapshots().Get(z.Key()); ok {
		zs.ActivationID = snap.ActivationID.String()
		zs.ActivatedAt = snap.CapturedAt
		zs.SnapshotEntities = snap.Len()
	}
	return zs
}

func activationDetails(r *ActivationReport) map[string]interface{} {
	return map[string]interface{}{
		"activationId": r.ActivationID.String(),
		"captured":     r.Captured,
		"requests":     r.Requests,
		"missing":      len(r.Missing),
		"reactivated":  r.Reactivated,
		"wifi":         r.WifiApplied,
	}
}

func deactivationDetails(r *DeactivationReport) map[string]interface{} {
	return map[string]interface{}{
		"hadSnapshot": r.HadSnapshot,
		"restored":    r.Restored,
		"remaining":   r.Remaining,
		"wifi":        r.WifiApplied,
	}
}

// MainSwitch cascades to every zone switch in definition order. Its own
// position is independent of the zones.
type MainSwitch struct {
	switchBase

	zones   func() []*ZoneSwitch
	tracker *shadowstate.GuestModeTracker
}

func newMainSwitch(zones func() []*ZoneSwitch, mirror switchMirror, store restore.Store, tracker *shadowstate.GuestModeTracker, logger *zap.Logger) *MainSwitch {
	return &MainSwitch{
		switchBase: switchBase{
			varKey:   mainVarKey,
			entityID: MainSwitchEntity,
			mirror:   mirror,
			restore:  store,
			logger:   logger.With(zap.String("switch", "main")),
		},
		zones:   zones,
		tracker: tracker,
	}
}

// TurnOn turns every zone on. A failing zone does not stop the cascade.
func (m *MainSwitch) TurnOn(reason string) error {
	return m.cascade(true, reason)
}

// TurnOff turns every zone off. A failing zone does not stop the cascade.
func (m *MainSwitch) TurnOff(reason string) error {
	return m.cascade(false, reason)
}

func (m *MainSwitch) cascade(on bool, reason string) error {
	m.setApplied(on)

	var errs error
	for _, zone := range m.zones() {
		var err error
		if on {
			err = zone.TurnOn(reason)
		} else {
			err = zone.TurnOff(reason)
		}
		if err != nil {
			m.logger.Error("Zone failed during cascade",
				zap.String("zone", zone.Key()),
				zap.Bool("on", on),
				zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}

	action := "deactivate"
	if on {
		action = "activate"
	}
	if m.tracker != nil {
		m.tracker.RecordMainAction(on, action, reason, errs)
	}
	return errs
}
