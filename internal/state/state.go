package state

import (
	"sync"
)

// Snapshot is a point-in-time copy of the live telemetry record, shaped the
// way the UI consumes it.
type Snapshot struct {
	Speed           float64 `json:"speed"`
	Acceleration    float64 `json:"acceleration"`
	Latitude        float64 `json:"latitude"`
	Longitude       float64 `json:"longitude"`
	SafetyScore     int     `json:"safety_score"`
	LaneStatus      string  `json:"lane_status"`
	RapidAccelCount int     `json:"rapid_accel_count"`
	HardBrakeCount  int     `json:"hard_brake_count"`
	LaneDepartures  int     `json:"lane_departures"`
	TripActive      bool    `json:"trip_active"`
	TripID          int64   `json:"trip_id"`
	TripPending     bool    `json:"trip_pending"`
	CameraActive    bool    `json:"camera_active"`
	CameraPending   bool    `json:"camera_pending"`
}

// Live is the shared telemetry record. It is owned by the service
// coordinator; the dispatcher and the trip flow are the only writers,
// everything else reads snapshots. The trip invariant is maintained by
// construction: TripID is non-zero exactly when TripActive is true, and
// SetTrip/ClearTrip are the only trip mutators.
type Live struct {
	mu sync.Mutex

	speed           float64
	acceleration    float64
	latitude        float64
	longitude       float64
	safetyScore     int
	laneStatus      string
	rapidAccelCount int
	hardBrakeCount  int
	laneDepartures  int
	tripID          int64

	// Pending flags model the round trips that have been requested but not
	// yet confirmed by the backend (start_trip, toggle_camera).
	tripPending   bool
	cameraActive  bool
	cameraPending bool
}

func New() *Live {
	return &Live{
		safetyScore: 1000,
		laneStatus:  "CENTERED",
	}
}

// SetMotion updates speed and acceleration. Speed is clamped at zero; the
// device occasionally reports small negative values while stationary.
func (l *Live) SetMotion(speedKmh, acceleration float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if speedKmh < 0 {
		speedKmh = 0
	}
	l.speed = speedKmh
	l.acceleration = acceleration
}

func (l *Live) SetSpeed(speedKmh float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if speedKmh < 0 {
		speedKmh = 0
	}
	l.speed = speedKmh
}

func (l *Live) SetAcceleration(acceleration float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acceleration = acceleration
}

func (l *Live) SetPosition(lat, lon float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.latitude = lat
	l.longitude = lon
}

// Position returns the last known coordinates.
func (l *Live) Position() (lat, lon float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latitude, l.longitude
}

func (l *Live) SetSafetyScore(score int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.safetyScore = score
}

func (l *Live) SetLaneStatus(status string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.laneStatus = status
}

func (l *Live) IncrementRapidAccel() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rapidAccelCount++
}

func (l *Live) IncrementHardBrake() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hardBrakeCount++
}

func (l *Live) IncrementLaneDepartures() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.laneDepartures++
}

// SetTrip marks a trip active under a backend-confirmed id and clears any
// pending start request. Ids must be positive; callers validate before this.
func (l *Live) SetTrip(tripID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tripID = tripID
	l.tripPending = false
}

// ClearTrip deactivates the trip and clears the pending flag.
func (l *Live) ClearTrip() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tripID = 0
	l.tripPending = false
}

func (l *Live) TripID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tripID
}

func (l *Live) TripActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tripID != 0
}

func (l *Live) SetTripPending() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tripPending = true
}

func (l *Live) TripPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tripPending
}

// SetCameraPending records an optimistic camera toggle awaiting backend
// confirmation via a camera_status envelope.
func (l *Live) SetCameraPending(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cameraActive = enabled
	l.cameraPending = true
}

// ReconcileCamera applies the backend-confirmed camera state and clears the
// pending flag.
func (l *Live) ReconcileCamera(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cameraActive = enabled
	l.cameraPending = false
}

func (l *Live) CameraActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cameraActive
}

// Reset clears all session-scoped state. Used on logout and on a fatal
// session error.
func (l *Live) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.speed = 0
	l.acceleration = 0
	l.safetyScore = 1000
	l.laneStatus = "CENTERED"
	l.rapidAccelCount = 0
	l.hardBrakeCount = 0
	l.laneDepartures = 0
	l.tripID = 0
	l.tripPending = false
	l.cameraActive = false
	l.cameraPending = false
}

func (l *Live) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		Speed:           l.speed,
		Acceleration:    l.acceleration,
		Latitude:        l.latitude,
		Longitude:       l.longitude,
		SafetyScore:     l.safetyScore,
		LaneStatus:      l.laneStatus,
		RapidAccelCount: l.rapidAccelCount,
		HardBrakeCount:  l.hardBrakeCount,
		LaneDepartures:  l.laneDepartures,
		TripActive:      l.tripID != 0,
		TripID:          l.tripID,
		TripPending:     l.tripPending,
		CameraActive:    l.cameraActive,
		CameraPending:   l.cameraPending,
	}
}
