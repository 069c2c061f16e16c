package trip

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

type fakeStore struct {
	mu       sync.Mutex
	points   []loggedPoint
	ends     []endedTrip
	logErr   error
	endErr   error
	failOnce bool
}

type loggedPoint struct {
	tripID   int64
	lat, lon float64
	speed    float64
}

type endedTrip struct {
	tripID   int64
	lat, lon float64
}

func (s *fakeStore) LogGPSPoint(_ context.Context, tripID int64, lat, lon, speed float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logErr != nil {
		err := s.logErr
		if s.failOnce {
			s.logErr = nil
		}
		return err
	}
	s.points = append(s.points, loggedPoint{tripID, lat, lon, speed})
	return nil
}

func (s *fakeStore) EndTrip(_ context.Context, tripID int64, lat, lon float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endErr != nil {
		return s.endErr
	}
	s.ends = append(s.ends, endedTrip{tripID, lat, lon})
	return nil
}

func (s *fakeStore) loggedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.points)
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestDistanceAccumulatesAcrossWaypoints(t *testing.T) {
	tr := NewTracker(&fakeStore{}, testLogger())
	now := time.Now()

	tr.Start(31.5204, 74.3587, now)
	tr.RecordPosition(31.5304, 74.3587, 40, now.Add(time.Minute))
	tr.RecordPosition(31.5404, 74.3587, 50, now.Add(2*time.Minute))

	// 0.01 degrees of latitude is about 1.11 km, twice over.
	got := tr.Distance()
	if got < 2.0 || got > 2.5 {
		t.Errorf("Expected roughly 2.2 km, got %f", got)
	}
}

func TestStartRefusesSecondSession(t *testing.T) {
	tr := NewTracker(&fakeStore{}, testLogger())
	now := time.Now()

	if !tr.Start(31.50, 74.35, now) {
		t.Fatal("Expected first Start to open a session")
	}
	tr.RecordPosition(31.51, 74.35, 40, now)

	if tr.Start(0, 0, now) {
		t.Fatal("Expected second Start refused while a session is open")
	}

	// The original session must be untouched.
	info, ok := tr.Info(now)
	if !ok || info.Waypoints != 2 || tr.Distance() == 0 {
		t.Errorf("Expected original session preserved, got ok=%v info=%+v", ok, info)
	}

	tr.Clear()
	if !tr.Start(31.50, 74.35, now) {
		t.Error("Expected Start to succeed after Clear")
	}
}

func TestJitterDoesNotInflateDistance(t *testing.T) {
	tr := NewTracker(&fakeStore{}, testLogger())
	now := time.Now()

	tr.Start(31.5204, 74.3587, now)
	// Sub-threshold wobble around the start point, many times over.
	for i := 0; i < 100; i++ {
		tr.RecordPosition(31.5204+0.000001*float64(i%3), 74.3587, 5, now)
	}

	if got := tr.Distance(); got != 0 {
		t.Errorf("Expected jitter rejected, distance stayed 0, got %f", got)
	}

	info, ok := tr.Info(now)
	if !ok {
		t.Fatal("Expected active session")
	}
	if info.Waypoints != 1 {
		t.Errorf("Expected only the start waypoint, got %d", info.Waypoints)
	}
}

func TestSpeedStatistics(t *testing.T) {
	store := &fakeStore{}
	tr := NewTracker(store, testLogger())
	now := time.Now()

	tr.Start(31.50, 74.35, now)
	tr.SetID(9)
	tr.RecordPosition(31.51, 74.35, 40, now)
	tr.RecordPosition(31.52, 74.35, 60, now)
	tr.RecordPosition(31.53, 74.35, 0, now) // coasting, excluded from the series

	summary, existed, err := tr.Stop(context.Background(), 31.53, 74.35)
	if err != nil || !existed {
		t.Fatalf("Stop failed: existed=%v err=%v", existed, err)
	}

	if summary.AvgSpeedKmh != 50 {
		t.Errorf("Expected avg speed 50, got %f", summary.AvgSpeedKmh)
	}
	if summary.MaxSpeedKmh != 60 {
		t.Errorf("Expected max speed 60, got %f", summary.MaxSpeedKmh)
	}
}

func TestStopUsesLastWaypointAsEndPosition(t *testing.T) {
	store := &fakeStore{}
	tr := NewTracker(store, testLogger())
	now := time.Now()

	tr.Start(31.50, 74.35, now)
	tr.SetID(5)
	tr.RecordPosition(31.51, 74.36, 30, now)

	summary, _, err := tr.Stop(context.Background(), 99, 99)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if summary.EndLat != 31.51 || summary.EndLon != 74.36 {
		t.Errorf("Expected last waypoint as end position, got %f,%f", summary.EndLat, summary.EndLon)
	}
	if len(store.ends) != 1 || store.ends[0].lat != 31.51 {
		t.Errorf("Expected end persisted at the last waypoint, got %+v", store.ends)
	}
}

func TestStopWithoutSession(t *testing.T) {
	tr := NewTracker(&fakeStore{}, testLogger())

	summary, existed, err := tr.Stop(context.Background(), 0, 0)
	if summary != nil || existed || err != nil {
		t.Errorf("Expected no-op stop, got summary=%v existed=%v err=%v", summary, existed, err)
	}
}

func TestStopClearsStateBeforePersistence(t *testing.T) {
	store := &fakeStore{endErr: errors.New("backend down")}
	tr := NewTracker(store, testLogger())
	now := time.Now()

	tr.Start(31.50, 74.35, now)
	tr.SetID(5)

	summary, existed, err := tr.Stop(context.Background(), 31.50, 74.35)
	if err == nil {
		t.Fatal("Expected persistence error")
	}
	if !existed || summary == nil {
		t.Error("Expected summary despite the persistence failure")
	}
	if tr.Active() {
		t.Error("Expected session cleared even when persistence fails")
	}

	// A second stop must not retry the backend call.
	if _, existed, _ := tr.Stop(context.Background(), 0, 0); existed {
		t.Error("Expected second stop to find no session")
	}
}

func TestStopBeforeIDConfirmed(t *testing.T) {
	store := &fakeStore{}
	tr := NewTracker(store, testLogger())

	tr.Start(31.50, 74.35, time.Now())

	summary, existed, err := tr.Stop(context.Background(), 31.50, 74.35)
	if err != nil || !existed {
		t.Fatalf("Stop failed: existed=%v err=%v", existed, err)
	}
	if summary.TripID != 0 {
		t.Errorf("Expected zero trip id, got %d", summary.TripID)
	}
	if len(store.ends) != 0 {
		t.Error("Expected no backend call without a confirmed trip id")
	}
}

func TestSyncSendsUnsyncedWaypoints(t *testing.T) {
	store := &fakeStore{}
	tr := NewTracker(store, testLogger())
	now := time.Now()

	tr.Start(31.50, 74.35, now)
	tr.SetID(7)
	tr.RecordPosition(31.51, 74.35, 40, now)
	tr.RecordPosition(31.52, 74.35, 45, now)

	tr.Sync(context.Background())
	if got := store.loggedCount(); got != 3 {
		t.Fatalf("Expected 3 waypoints synced (start included), got %d", got)
	}

	// Already-synced points must not be resent.
	tr.Sync(context.Background())
	if got := store.loggedCount(); got != 3 {
		t.Errorf("Expected no resend of synced waypoints, got %d", got)
	}

	tr.RecordPosition(31.53, 74.35, 50, now)
	tr.Sync(context.Background())
	if got := store.loggedCount(); got != 4 {
		t.Errorf("Expected only the new waypoint synced, got %d", got)
	}
}

func TestSyncCapsBatchToMostRecent(t *testing.T) {
	store := &fakeStore{}
	tr := NewTracker(store, testLogger())
	now := time.Now()

	tr.Start(31.50, 74.35, now)
	tr.SetID(7)
	lat := 31.50
	for i := 0; i < 25; i++ {
		lat += 0.01
		tr.RecordPosition(lat, 74.35, 40, now)
	}

	tr.Sync(context.Background())
	if got := store.loggedCount(); got != maxWaypointsPerSync {
		t.Errorf("Expected batch capped at %d, got %d", maxWaypointsPerSync, got)
	}

	// The abandoned older points must stay abandoned.
	tr.Sync(context.Background())
	if got := store.loggedCount(); got != maxWaypointsPerSync {
		t.Errorf("Expected no resend after capping, got %d", got)
	}
}

func TestSyncBeforeIDConfirmedDoesNothing(t *testing.T) {
	store := &fakeStore{}
	tr := NewTracker(store, testLogger())
	now := time.Now()

	tr.Start(31.50, 74.35, now)
	tr.RecordPosition(31.51, 74.35, 40, now)

	tr.Sync(context.Background())
	if got := store.loggedCount(); got != 0 {
		t.Errorf("Expected no sync without a trip id, got %d", got)
	}
}

func TestSyncRetriesFailedPoints(t *testing.T) {
	store := &fakeStore{logErr: errors.New("network"), failOnce: true}
	tr := NewTracker(store, testLogger())
	now := time.Now()

	tr.Start(31.50, 74.35, now)
	tr.SetID(7)
	tr.RecordPosition(31.51, 74.35, 40, now)

	tr.Sync(context.Background())
	if got := store.loggedCount(); got != 0 {
		t.Fatalf("Expected first sync to fail cleanly, got %d points", got)
	}

	tr.Sync(context.Background())
	if got := store.loggedCount(); got != 2 {
		t.Errorf("Expected failed points retried on next sync, got %d", got)
	}
}

func TestClearAbandonsSession(t *testing.T) {
	store := &fakeStore{}
	tr := NewTracker(store, testLogger())

	tr.Start(31.50, 74.35, time.Now())
	tr.SetID(3)
	tr.Clear()

	if tr.Active() {
		t.Error("Expected no active session after Clear")
	}
	if len(store.ends) != 0 {
		t.Error("Expected Clear to skip persistence")
	}
}
