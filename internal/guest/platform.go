// Package guest implements guest mode: per-zone switches that snapshot and
// override automations, scripts and entities, and a main switch cascading
// to every zone.
package guest

import (
	"fmt"

	"guestmode/internal/ha"
	"guestmode/internal/policy"

	"go.uber.org/zap"
)

// Platform is the home automation platform the engine reads and controls
type Platform interface {
	// States reads the live state of refs in one pass. Entities the platform
	// does not know are absent from the result.
	States(refs []policy.EntityRef) (map[policy.EntityRef]string, error)
	SetAutomationEnabled(ref policy.EntityRef, enabled bool) error
	SetScriptEnabled(ref policy.EntityRef, enabled bool) error
	SetEntityOn(ref policy.EntityRef, on bool) error
}

// HAPlatform implements Platform over a Home Assistant client
type HAPlatform struct {
	client   ha.HAClient
	logger   *zap.Logger
	readOnly bool
}

// NewHAPlatform creates a platform backed by Home Assistant. In read-only
// mode writes are logged and skipped.
func NewHAPlatform(client ha.HAClient, logger *zap.Logger, readOnly bool) *HAPlatform {
	return &HAPlatform{
		client:   client,
		logger:   logger.Named("platform"),
		readOnly: readOnly,
	}
}

func (p *HAPlatform) States(refs []policy.EntityRef) (map[policy.EntityRef]string, error) {
	live := make(map[policy.EntityRef]string, len(refs))
	if len(refs) == 0 {
		return live, nil
	}

	all, err := p.client.GetAllStates()
	if err != nil {
		return nil, fmt.Errorf("failed to read states: %w", err)
	}

	wanted := make(map[policy.EntityRef]bool, len(refs))
	for _, ref := range refs {
		wanted[ref] = true
	}
	for _, state := range all {
		if state == nil {
			continue
		}
		if ref := policy.EntityRef(state.EntityID); wanted[ref] {
			live[ref] = state.State
		}
	}
	return live, nil
}

func (p *HAPlatform) SetAutomationEnabled(ref policy.EntityRef, enabled bool) error {
	return p.call("automation", onOff(enabled), ref)
}

func (p *HAPlatform) SetScriptEnabled(ref policy.EntityRef, enabled bool) error {
	return p.call("script", onOff(enabled), ref)
}

func (p *HAPlatform) SetEntityOn(ref policy.EntityRef, on bool) error {
	return p.call("homeassistant", onOff(on), ref)
}

func (p *HAPlatform) call(domain, service string, ref policy.EntityRef) error {
	if p.readOnly {
		p.logger.Info("READ-ONLY: Would call service",
			zap.String("domain", domain),
			zap.String("service", service),
			zap.String("entity_id", string(ref)))
		return nil
	}

	p.logger.Debug("Calling service",
		zap.String("domain", domain),
		zap.String("service", service),
		zap.String("entity_id", string(ref)))

	if err := p.client.CallService(domain, service, map[string]interface{}{
		"entity_id": string(ref),
	}); err != nil {
		return fmt.Errorf("%s.%s %s: %w", domain, service, ref, err)
	}
	return nil
}

func onOff(on bool) string {
	if on {
		return "turn_on"
	}
	return "turn_off"
}
