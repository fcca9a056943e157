package guest

import (
	"errors"
	"sort"
	"sync"
	"time"

	"guestmode/internal/policy"

	"github.com/google/uuid"
)

// ErrZoneBusy is returned when another activation, deactivation or restore
// of the same zone is still running.
var ErrZoneBusy = errors.New("zone busy")

// Snapshot holds the states captured when a zone was activated
type Snapshot struct {
	Zone         string
	ActivationID uuid.UUID
	CapturedAt   time.Time
	States       map[policy.EntityRef]string
	Order        []policy.EntityRef
}

func newSnapshot(zone string, capturedAt time.Time) *Snapshot {
	return &Snapshot{
		Zone:         zone,
		ActivationID: uuid.New(),
		CapturedAt:   capturedAt,
		States:       make(map[policy.EntityRef]string),
	}
}

// Len returns the number of captured entities
func (s *Snapshot) Len() int {
	return len(s.Order)
}

func (s *Snapshot) record(ref policy.EntityRef, state string) {
	if _, ok := s.States[ref]; ok {
		return
	}
	s.States[ref] = state
	s.Order = append(s.Order, ref)
}

// pop removes the first entry in capture order
func (s *Snapshot) pop() {
	ref := s.Order[0]
	s.Order = s.Order[1:]
	delete(s.States, ref)
}

func (s *Snapshot) clone() *Snapshot {
	c := *s
	c.States = make(map[policy.EntityRef]string, len(s.States))
	for k, v := range s.States {
		c.States[k] = v
	}
	c.Order = append([]policy.EntityRef(nil), s.Order...)
	return &c
}

type slot struct {
	busy     bool
	deleted  bool
	snapshot *Snapshot
}

// SnapshotTable stores one snapshot per zone. Each zone has a slot that one
// operation at a time can hold.
type SnapshotTable struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// NewSnapshotTable creates an empty table
func NewSnapshotTable() *SnapshotTable {
	return &SnapshotTable{slots: make(map[string]*slot)}
}

// acquire marks the zone's slot busy and returns a working copy of its
// snapshot, or nil if there is none.
func (t *SnapshotTable) acquire(zone string) (*Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.slots[zone]
	if !ok {
		s = &slot{}
		t.slots[zone] = s
	}
	if s.busy {
		return nil, ErrZoneBusy
	}
	s.busy = true

	if s.snapshot == nil {
		return nil, nil
	}
	return s.snapshot.clone(), nil
}

// release stores snap as the zone's snapshot (nil clears it) and frees the
// slot. A slot forgotten while held is cleared whatever snap is.
func (t *SnapshotTable) release(zone string, snap *Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.slots[zone]; snap == nil || (ok && s.deleted) {
		delete(t.slots, zone)
		return
	}
	t.slots[zone] = &slot{snapshot: snap}
}

// Get returns a copy of a zone's snapshot
func (t *SnapshotTable) Get(zone string) (*Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.slots[zone]
	if !ok || s.snapshot == nil {
		return nil, false
	}
	return s.snapshot.clone(), true
}

// Has reports whether a zone has a snapshot
func (t *SnapshotTable) Has(zone string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.slots[zone]
	return ok && s.snapshot != nil
}

// Forget discards a zone's snapshot for a zone that no longer exists. A
// held slot is cleared when its holder releases it. Forget reports whether
// a snapshot was dropped.
func (t *SnapshotTable) Forget(zone string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.slots[zone]
	if !ok {
		return false
	}
	if s.busy {
		s.deleted = true
	} else {
		delete(t.slots, zone)
	}
	return s.snapshot != nil
}

// Zones returns the keys of zones holding a snapshot, sorted
func (t *SnapshotTable) Zones() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	zones := make([]string, 0, len(t.slots))
	for zone, s := range t.slots {
		if s.snapshot != nil {
			zones = append(zones, zone)
		}
	}
	sort.Strings(zones)
	return zones
}
