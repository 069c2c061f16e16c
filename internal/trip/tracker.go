package trip

import (
	"context"
	"log"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"telemetry-service/internal/geo"
)

const (
	// MinMovementKm filters GPS jitter: a point closer than this to the last
	// waypoint is discarded instead of inflating the distance total.
	MinMovementKm = 0.001

	// DefaultSyncInterval is how often unsynced waypoints are pushed to the
	// backend while a trip is running.
	DefaultSyncInterval = 30 * time.Second

	// maxWaypointsPerSync bounds one sync batch; older unsynced points are
	// dropped in favor of the most recent ones.
	maxWaypointsPerSync = 10
)

// Store persists trip data on the backend.
type Store interface {
	LogGPSPoint(ctx context.Context, tripID int64, lat, lon, speedKmh float64) error
	EndTrip(ctx context.Context, tripID int64, endLat, endLon float64) error
}

// Waypoint is one recorded position of an active trip.
type Waypoint struct {
	Lat      float64
	Lon      float64
	SpeedKmh float64
	At       time.Time
	Synced   bool
}

// Summary describes a finished trip.
type Summary struct {
	TripID      int64
	DistanceKm  float64
	AvgSpeedKmh float64
	MaxSpeedKmh float64
	Duration    time.Duration
	Waypoints   int
	EndLat      float64
	EndLon      float64
}

// Info is a snapshot of the running trip for display.
type Info struct {
	TripID      int64
	DistanceKm  float64
	MaxSpeedKmh float64
	Elapsed     time.Duration
	Waypoints   int
}

type session struct {
	tripID    int64
	startLat  float64
	startLon  float64
	startedAt time.Time

	distanceKm  float64
	maxSpeedKmh float64
	speeds      []float64
	waypoints   []Waypoint
}

// Tracker accumulates the waypoints, distance, and speed statistics of the
// single active trip. Distance only ever grows: jitter below MinMovementKm
// is rejected before it reaches the total.
type Tracker struct {
	store  Store
	logger *log.Logger

	mu   sync.Mutex
	sess *session
}

func NewTracker(store Store, logger *log.Logger) *Tracker {
	return &Tracker{store: store, logger: logger}
}

// Start opens a local session at the given position. It refuses when a
// session is already open; the caller must stop or clear it first. The
// backend-assigned trip id arrives later via SetID; waypoints recorded
// before that are kept and synced once the id is known.
func (t *Tracker) Start(lat, lon float64, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sess != nil {
		t.logger.Printf("Refusing to open a trip session while one is active")
		return false
	}

	t.sess = &session{
		startLat:  lat,
		startLon:  lon,
		startedAt: at,
		waypoints: []Waypoint{{Lat: lat, Lon: lon, At: at}},
	}
	t.logger.Printf("Trip session opened at %.6f,%.6f", lat, lon)
	return true
}

// SetID binds the backend-assigned trip id to the open session.
func (t *Tracker) SetID(tripID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess == nil {
		return
	}
	t.sess.tripID = tripID
}

// Active reports whether a trip session is open.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess != nil
}

// RecordPosition feeds one GPS fix into the active session. Fixes that move
// less than MinMovementKm from the last waypoint are dropped; everything
// else extends the path and, when the speed is positive, the speed series.
func (t *Tracker) RecordPosition(lat, lon, speedKmh float64, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sess == nil {
		return
	}

	last := t.sess.waypoints[len(t.sess.waypoints)-1]
	d := geo.Distance(last.Lat, last.Lon, lat, lon)
	if d <= MinMovementKm {
		return
	}

	t.sess.waypoints = append(t.sess.waypoints, Waypoint{
		Lat:      lat,
		Lon:      lon,
		SpeedKmh: speedKmh,
		At:       at,
	})
	t.sess.distanceKm += d

	if speedKmh > 0 {
		t.sess.speeds = append(t.sess.speeds, speedKmh)
		if speedKmh > t.sess.maxSpeedKmh {
			t.sess.maxSpeedKmh = speedKmh
		}
	}
}

// Sync pushes unsynced waypoints of the active session to the backend,
// most recent first in priority: when more than maxWaypointsPerSync are
// pending, the older ones are abandoned. Nothing happens before the
// backend has confirmed a trip id or while the path has fewer than two
// points.
func (t *Tracker) Sync(ctx context.Context) {
	t.mu.Lock()
	if t.sess == nil || t.sess.tripID == 0 || len(t.sess.waypoints) < 2 {
		t.mu.Unlock()
		return
	}

	tripID := t.sess.tripID
	var pending []int
	for i := range t.sess.waypoints {
		if !t.sess.waypoints[i].Synced {
			pending = append(pending, i)
		}
	}
	if len(pending) > maxWaypointsPerSync {
		for _, i := range pending[:len(pending)-maxWaypointsPerSync] {
			t.sess.waypoints[i].Synced = true
		}
		pending = pending[len(pending)-maxWaypointsPerSync:]
	}

	batch := make([]Waypoint, len(pending))
	for n, i := range pending {
		batch[n] = t.sess.waypoints[i]
	}
	t.mu.Unlock()

	for n, wp := range batch {
		if err := t.store.LogGPSPoint(ctx, tripID, wp.Lat, wp.Lon, wp.SpeedKmh); err != nil {
			t.logger.Printf("Failed to sync waypoint: %v", err)
			return
		}
		t.markSynced(tripID, pending[n])
	}
}

func (t *Tracker) markSynced(tripID int64, index int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess == nil || t.sess.tripID != tripID || index >= len(t.sess.waypoints) {
		return
	}
	t.sess.waypoints[index].Synced = true
}

// Run drives the periodic waypoint sync until the context is cancelled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sync(ctx)
		}
	}
}

// Stop closes the session and persists the trip end. Local state is cleared
// before the backend call so a second stop cannot double-report. The final
// position falls back from the last waypoint to the start position to the
// caller-supplied coordinates. It returns the summary, whether a session
// existed, and the persistence error if any.
func (t *Tracker) Stop(ctx context.Context, curLat, curLon float64) (*Summary, bool, error) {
	t.mu.Lock()
	sess := t.sess
	t.sess = nil
	t.mu.Unlock()

	if sess == nil {
		return nil, false, nil
	}

	endLat, endLon := curLat, curLon
	switch {
	case len(sess.waypoints) > 0:
		last := sess.waypoints[len(sess.waypoints)-1]
		endLat, endLon = last.Lat, last.Lon
	case sess.startLat != 0 || sess.startLon != 0:
		endLat, endLon = sess.startLat, sess.startLon
	}

	summary := &Summary{
		TripID:      sess.tripID,
		DistanceKm:  sess.distanceKm,
		MaxSpeedKmh: sess.maxSpeedKmh,
		Duration:    time.Since(sess.startedAt),
		Waypoints:   len(sess.waypoints),
		EndLat:      endLat,
		EndLon:      endLon,
	}
	if len(sess.speeds) > 0 {
		summary.AvgSpeedKmh = stat.Mean(sess.speeds, nil)
	}

	if sess.tripID == 0 {
		t.logger.Printf("Trip session closed before the backend confirmed an id, nothing to persist")
		return summary, true, nil
	}

	t.logger.Printf("Trip %d ended: %.2f km over %s, avg %.1f km/h, max %.1f km/h",
		sess.tripID, summary.DistanceKm, summary.Duration.Round(time.Second),
		summary.AvgSpeedKmh, summary.MaxSpeedKmh)

	if err := t.store.EndTrip(ctx, sess.tripID, endLat, endLon); err != nil {
		return summary, true, err
	}
	return summary, true, nil
}

// Clear abandons the session without persisting anything. Used on logout
// and on session expiry.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sess = nil
}

// Distance returns the accumulated distance of the active session.
func (t *Tracker) Distance() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess == nil {
		return 0
	}
	return t.sess.distanceKm
}

// Elapsed returns how long the active session has been running.
func (t *Tracker) Elapsed(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess == nil {
		return 0
	}
	return now.Sub(t.sess.startedAt)
}

// Info returns a display snapshot of the active session.
func (t *Tracker) Info(now time.Time) (Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess == nil {
		return Info{}, false
	}
	return Info{
		TripID:      t.sess.tripID,
		DistanceKm:  t.sess.distanceKm,
		MaxSpeedKmh: t.sess.maxSpeedKmh,
		Elapsed:     now.Sub(t.sess.startedAt),
		Waypoints:   len(t.sess.waypoints),
	}, true
}
