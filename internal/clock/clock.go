// Package clock supplies the timestamps written into snapshots and shadow
// state.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time
type Clock interface {
	Now() time.Time
}

// System reads the wall clock
var System Clock = systemClock{}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Manual is a Clock that stands still until stepped. The zero value reads
// as the zero time.
type Manual struct {
	mu sync.Mutex
	at time.Time
}

// NewManual returns a Manual clock reading at
func NewManual(at time.Time) *Manual {
	return &Manual{at: at}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.at
}

// Step moves the clock by d and returns the new reading
func (m *Manual) Step(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.at = m.at.Add(d)
	return m.at
}
