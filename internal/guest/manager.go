package guest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"guestmode/internal/clock"
	"guestmode/internal/ha"
	"guestmode/internal/policy"
	"guestmode/internal/restore"
	"guestmode/internal/shadowstate"
	"guestmode/internal/state"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrZoneNotFound is returned for operations on an unknown zone
var ErrZoneNotFound = policy.ErrZoneNotFound

// ZoneStatus is the observable state of one zone switch
type ZoneStatus struct {
	Key              string    `json:"key"`
	Name             string    `json:"name"`
	EntityID         string    `json:"entity_id"`
	On               bool      `json:"on"`
	SnapshotEntities int       `json:"snapshot_entities"`
	ActivationID     string    `json:"activation_id,omitempty"`
	ActivatedAt      time.Time `json:"activated_at,omitempty"`
}

// Status is the observable state of guest mode
type Status struct {
	On         bool                     `json:"on"`
	EntityID   string                   `json:"entity_id"`
	Zones      []ZoneStatus             `json:"zones"`
	GlobalWifi *policy.GlobalWifiPolicy `json:"global_wifi,omitempty"`
	ReadOnly   bool                     `json:"read_only"`
}

// Manager wires the policy store, engine and switches to Home Assistant
type Manager struct {
	client       ha.HAClient
	store        *policy.Store
	stateManager *state.Manager
	restore      restore.Store
	engine       *Engine
	tracker      *shadowstate.GuestModeTracker
	subs         *shadowstate.SubscriptionHelper
	logger       *zap.Logger
	readOnly     bool

	mu    sync.RWMutex
	main  *MainSwitch
	zones []*ZoneSwitch
	byKey map[string]*ZoneSwitch
	wifi  policy.EntityRef
}

// NewManager creates a guest mode manager
func NewManager(
	client ha.HAClient,
	store *policy.Store,
	stateManager *state.Manager,
	restoreStore restore.Store,
	registry *shadowstate.SubscriptionRegistry,
	clk clock.Clock,
	logger *zap.Logger,
	readOnly bool,
) *Manager {
	logger = logger.Named("guest")
	tracker := shadowstate.NewGuestModeTracker(clk.Now)

	m := &Manager{
		client:       client,
		store:        store,
		stateManager: stateManager,
		restore:      restoreStore,
		engine:       NewEngine(NewHAPlatform(client, logger, readOnly), NewSnapshotTable(), clk, logger),
		tracker:      tracker,
		subs:         shadowstate.NewSubscriptionHelper(client, stateManager, registry, tracker, "guest_mode", logger),
		logger:       logger,
		readOnly:     readOnly,
		byKey:        make(map[string]*ZoneSwitch),
	}
	m.main = newMainSwitch(m.zoneSwitches, stateManager, restoreStore, tracker, logger)
	store.OnZoneDeleted(m.cleanupZone)
	return m
}

// Start builds the switches, restores their last known positions and
// subscribes to their Home Assistant helpers.
func (m *Manager) Start() error {
	m.logger.Info("Starting guest mode manager", zap.Bool("read_only", m.readOnly))

	if err := m.stateManager.Register(state.Variable{Key: mainVarKey, EntityID: MainSwitchEntity}); err != nil {
		return err
	}

	zones := m.store.Zones()
	for _, zone := range zones {
		if err := m.stateManager.Register(state.Variable{Key: zoneVarKey(zone.Key), EntityID: ZoneSwitchEntity(zone.Key)}); err != nil {
			return err
		}
	}

	if err := m.stateManager.SyncFromHA(); err != nil {
		m.logger.Warn("Failed to sync switch helpers from Home Assistant", zap.Error(err))
	}

	m.restoreSwitch(&m.main.switchBase, "main")

	for _, zone := range zones {
		m.addZone(zone)
	}

	if err := m.subs.SubscribeToState(mainVarKey, m.handleMainChange); err != nil {
		return err
	}

	m.watchWifi()
	m.subs.CaptureInputs()

	m.logger.Info("Guest mode manager started",
		zap.Bool("on", m.main.IsOn()),
		zap.Int("zones", len(zones)))
	return nil
}

// Stop cancels all subscriptions
func (m *Manager) Stop() {
	m.subs.UnsubscribeAll()
}

// restoreSwitch loads a switch position from the restore store, falling back
// to the helper value, and pushes it to Home Assistant. Snapshots do not
// survive a restart, so a zone restored on has nothing to undo.
func (m *Manager) restoreSwitch(s *switchBase, name string) {
	fallback, _ := m.stateManager.GetBool(s.varKey)
	on := s.restoreLast(fallback)
	if err := s.mirror.SetBool(s.varKey, on); err != nil {
		m.logger.Warn("Failed to push restored state", zap.String("switch", name), zap.Error(err))
	}
	if on && name != "main" {
		m.logger.Warn("Zone restored on without a snapshot, deactivating will only apply the WiFi step",
			zap.String("zone", name))
	}
}

// addZone creates, restores and subscribes a zone switch. The state variable
// must already be registered.
func (m *Manager) addZone(zone policy.ZonePolicy) *ZoneSwitch {
	zs := newZoneSwitch(zone, m.engine, m.store.GlobalWifi, m.stateManager, m.restore, m.tracker, m.logger)
	m.restoreSwitch(&zs.switchBase, zone.Key)

	m.mu.Lock()
	m.zones = append(m.zones, zs)
	m.byKey[zone.Key] = zs
	m.mu.Unlock()

	key := zone.Key
	if err := m.subs.SubscribeToState(zoneVarKey(key), func(_ string, _, newValue bool) {
		m.handleZoneChange(key, newValue)
	}); err != nil {
		m.logger.Warn("Failed to subscribe to zone helper", zap.String("zone", key), zap.Error(err))
	}
	return zs
}

// removeZoneSwitch unsubscribes and forgets a zone switch. It returns nil
// for an unknown key.
func (m *Manager) removeZoneSwitch(key string) *ZoneSwitch {
	m.mu.Lock()
	zs, ok := m.byKey[key]
	if ok {
		delete(m.byKey, key)
		for i, z := range m.zones {
			if z == zs {
				m.zones = append(m.zones[:i], m.zones[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	m.subs.UnsubscribeFromState(zoneVarKey(key))
	m.stateManager.Unregister(zoneVarKey(key))
	return zs
}

func (m *Manager) zoneSwitches() []*ZoneSwitch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*ZoneSwitch(nil), m.zones...)
}

func (m *Manager) zone(key string) (*ZoneSwitch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	zs, ok := m.byKey[key]
	if !ok {
		return nil, fmt.Errorf("zone %q: %w", key, ErrZoneNotFound)
	}
	return zs, nil
}

// watchWifi registers the global WiFi entity as a shadow input
func (m *Manager) watchWifi() {
	var entity policy.EntityRef
	if wifi := m.store.GlobalWifi(); wifi.Configured() {
		entity = wifi.Entity
	}

	m.mu.Lock()
	old := m.wifi
	m.wifi = entity
	m.mu.Unlock()

	if old != "" && old != entity {
		m.subs.UnwatchEntity(string(old))
	}
	if entity != "" {
		m.subs.WatchEntity(string(entity))
	}
}

// handleMainChange follows a change of the main helper made in Home Assistant
func (m *Manager) handleMainChange(_ string, _, newValue bool) {
	if newValue == m.main.IsOn() {
		return
	}
	m.logger.Info("Main switch changed in Home Assistant", zap.Bool("on", newValue))
	if err := m.setMain(newValue, "home assistant"); err != nil {
		m.logger.Error("Main switch change failed", zap.Error(err))
	}
}

// handleZoneChange follows a change of a zone helper made in Home Assistant
func (m *Manager) handleZoneChange(key string, newValue bool) {
	zs, err := m.zone(key)
	if err != nil {
		return
	}
	if newValue == zs.IsOn() {
		return
	}
	m.logger.Info("Zone switch changed in Home Assistant", zap.String("zone", key), zap.Bool("on", newValue))
	if err := m.setZone(zs, newValue, "home assistant"); err != nil {
		m.logger.Error("Zone switch change failed", zap.String("zone", key), zap.Error(err))
	}
}

func (m *Manager) beginAction() {
	m.subs.CaptureInputs()
	m.tracker.SnapshotInputsForAction()
}

func (m *Manager) setMain(on bool, reason string) error {
	m.beginAction()
	if on {
		return m.main.TurnOn(reason)
	}
	return m.main.TurnOff(reason)
}

func (m *Manager) setZone(zs *ZoneSwitch, on bool, reason string) error {
	m.beginAction()
	if on {
		return zs.TurnOn(reason)
	}
	return zs.TurnOff(reason)
}

// TurnOnMain activates every zone in definition order
func (m *Manager) TurnOnMain(reason string) error {
	return m.setMain(true, reason)
}

// TurnOffMain deactivates every zone in definition order
func (m *Manager) TurnOffMain(reason string) error {
	return m.setMain(false, reason)
}

// TurnOnZone activates one zone
func (m *Manager) TurnOnZone(key, reason string) error {
	zs, err := m.zone(key)
	if err != nil {
		return err
	}
	return m.setZone(zs, true, reason)
}

// TurnOffZone deactivates one zone
func (m *Manager) TurnOffZone(key, reason string) error {
	zs, err := m.zone(key)
	if err != nil {
		return err
	}
	return m.setZone(zs, false, reason)
}

// RestoreZoneStates replays a zone's snapshot without the WiFi step and
// marks the zone off.
func (m *Manager) RestoreZoneStates(key, reason string) error {
	zs, err := m.zone(key)
	if err != nil {
		return err
	}
	m.beginAction()
	return zs.RestoreStates(reason)
}

// RemoveZone deletes a zone from the policy store. Cleanup of the switch,
// its snapshot and its Home Assistant helper runs as a store hook.
func (m *Manager) RemoveZone(key string) error {
	return m.store.DeleteZone(key)
}

// cleanupZone drops everything held for a deleted zone. Each step runs even
// if an earlier one fails.
func (m *Manager) cleanupZone(key string) error {
	var errs error

	// An operation still running on the zone finishes against a removed
	// switch and a forgotten slot, so it leaves nothing behind.
	if zs := m.removeZoneSwitch(key); zs != nil {
		zs.markRemoved()
	}
	if m.engine.Snapshots().Forget(key) {
		m.logger.Warn("Deleting active zone, snapshot discarded", zap.String("zone", key))
	}
	m.tracker.RemoveZone(key)

	entityID := ZoneSwitchEntity(key)
	if err := m.restore.Delete(entityID); err != nil {
		errs = multierr.Append(errs, err)
	}

	if m.readOnly {
		m.logger.Info("READ-ONLY: Would remove entity from registry", zap.String("entity_id", entityID))
	} else if err := m.client.RemoveEntity(entityID); err != nil {
		errs = multierr.Append(errs, err)
	}

	if errs == nil {
		m.logger.Info("Zone cleaned up", zap.String("zone", key))
	}
	return errs
}

// Reload re-reads the policy store and reconciles the zone switches. Zones
// that survive keep their snapshot and position.
func (m *Manager) Reload() error {
	if err := m.store.Load(); err != nil {
		return err
	}

	zones := m.store.Zones()
	wanted := make(map[string]policy.ZonePolicy, len(zones))
	for _, zone := range zones {
		wanted[zone.Key] = zone
	}

	var errs error
	for _, zs := range m.zoneSwitches() {
		if _, ok := wanted[zs.Key()]; ok {
			continue
		}
		m.logger.Info("Zone removed from configuration", zap.String("zone", zs.Key()))
		if err := m.cleanupZone(zs.Key()); err != nil {
			m.logger.Warn("Zone cleanup failed", zap.String("zone", zs.Key()), zap.Error(err))
		}
	}

	var added, updated int
	for _, zone := range zones {
		if zs, err := m.zone(zone.Key); err == nil {
			zs.setPolicy(zone)
			updated++
			continue
		}
		if err := m.stateManager.Register(state.Variable{Key: zoneVarKey(zone.Key), EntityID: ZoneSwitchEntity(zone.Key)}); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		m.addZone(zone)
		added++
	}

	m.reorder(zones)
	m.watchWifi()

	m.logger.Info("Configuration reloaded",
		zap.Int("zones", len(zones)),
		zap.Int("added", added),
		zap.Int("updated", updated))
	return errs
}

// reorder puts the zone switches in definition order
func (m *Manager) reorder(zones []policy.ZonePolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ordered := make([]*ZoneSwitch, 0, len(m.zones))
	for _, zone := range zones {
		if zs, ok := m.byKey[zone.Key]; ok {
			ordered = append(ordered, zs)
		}
	}
	m.zones = ordered
}

// Status returns the position of every switch
func (m *Manager) Status() Status {
	status := Status{
		On:         m.main.IsOn(),
		EntityID:   MainSwitchEntity,
		GlobalWifi: m.store.GlobalWifi(),
		ReadOnly:   m.readOnly,
		Zones:      make([]ZoneStatus, 0),
	}
	for _, zs := range m.zoneSwitches() {
		status.Zones = append(status.Zones, m.zoneStatus(zs))
	}
	return status
}

// ZoneStatus returns the status of one zone
func (m *Manager) ZoneStatus(key string) (ZoneStatus, error) {
	zs, err := m.zone(key)
	if err != nil {
		return ZoneStatus{}, err
	}
	return m.zoneStatus(zs), nil
}

func (m *Manager) zoneStatus(zs *ZoneSwitch) ZoneStatus {
	p := zs.Policy()
	status := ZoneStatus{
		Key:      p.Key,
		Name:     p.Name,
		EntityID: zs.EntityID(),
		On:       zs.IsOn(),
	}
	if snap, ok := m.engine.Snapshots().Get(p.Key); ok {
		status.SnapshotEntities = snap.Len()
		status.ActivationID = snap.ActivationID.String()
		status.ActivatedAt = snap.CapturedAt
	}
	return status
}

// ShadowState returns the recorded guest mode decisions
func (m *Manager) ShadowState() *shadowstate.GuestModeShadowState {
	return m.tracker.GetState()
}

// IsBusy reports whether err was caused by a concurrent operation on a zone
func IsBusy(err error) bool {
	return errors.Is(err, ErrZoneBusy)
}
