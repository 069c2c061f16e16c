package gps

import (
	"math"
	"sync"
	"time"
)

const (
	// StuckDeltaDegrees is the per-axis movement below which two consecutive
	// observations count as "not moving" (about 11 meters of latitude).
	StuckDeltaDegrees = 0.0001

	// StuckObservations is how many consecutive sub-threshold observations
	// are tolerated before the source is flagged as stuck.
	StuckObservations = 30

	// DefaultStaleThreshold is how long the monitor waits without any
	// observation before reporting the feed as stale.
	DefaultStaleThreshold = 5 * time.Second
)

// Record is a snapshot of the monitor's bookkeeping.
type Record struct {
	LastUpdate  time.Time
	LastLat     float64
	LastLon     float64
	UpdateCount int
	StuckCount  int
	IsStuck     bool
}

// Monitor watches the position stream for two distinct fault conditions: a
// stuck source (data arriving but coordinates frozen, a sensor fault) and a
// stale feed (no data arriving at all, a connectivity fault). The two need
// different operator responses, so they are reported separately.
type Monitor struct {
	mu             sync.Mutex
	staleThreshold time.Duration
	rec            Record
	seeded         bool
}

func NewMonitor(staleThreshold time.Duration) *Monitor {
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	return &Monitor{staleThreshold: staleThreshold}
}

// Observe feeds one accepted position sample. Coordinates that fail to move
// more than StuckDeltaDegrees on both axes grow the stuck counter; a single
// qualifying move clears it.
func (m *Monitor) Observe(lat, lon float64, at time.Time) {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.seeded {
		latDiff := math.Abs(lat - m.rec.LastLat)
		lonDiff := math.Abs(lon - m.rec.LastLon)

		if latDiff < StuckDeltaDegrees && lonDiff < StuckDeltaDegrees {
			m.rec.StuckCount++
			if m.rec.StuckCount > StuckObservations {
				m.rec.IsStuck = true
			}
		} else {
			m.rec.StuckCount = 0
			m.rec.IsStuck = false
		}
	}

	m.seeded = true
	m.rec.LastUpdate = at
	m.rec.LastLat = lat
	m.rec.LastLon = lon
	m.rec.UpdateCount++
}

// IsStuck reports the sensor-fault condition.
func (m *Monitor) IsStuck() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.IsStuck
}

// Staleness returns how long ago the last observation arrived and whether
// that exceeds the warning threshold. Before the first observation it
// reports not-stale; silence at startup is expected while the device boots.
func (m *Monitor) Staleness(now time.Time) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.seeded {
		return 0, false
	}
	age := now.Sub(m.rec.LastUpdate)
	return age, age > m.staleThreshold
}

// Snapshot returns a copy of the health record.
func (m *Monitor) Snapshot() Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec
}

// Reset drops all bookkeeping. Used on logout.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = Record{}
	m.seeded = false
}
