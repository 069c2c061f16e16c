package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"telemetry-service/internal/channel"
	"telemetry-service/internal/config"
	"telemetry-service/internal/crash"
	"telemetry-service/internal/dispatch"
	"telemetry-service/internal/gps"
	redisClient "telemetry-service/internal/redis"
	"telemetry-service/internal/state"
	"telemetry-service/internal/store"
	"telemetry-service/internal/trip"
)

// gpsStoreInterval rate-limits direct waypoint persistence from the live
// data stream; the trip tracker batches the rest on its own cadence.
const gpsStoreInterval = 2 * time.Second

type Service struct {
	Config  *config.Config
	Redis   *redisClient.Client
	Logger  *log.Logger
	Live    *state.Live
	Channel *channel.Manager
	Store   *store.Client
	Trip    *trip.Tracker
	Crash   *crash.Sequencer
	GPS     *gps.Monitor

	dispatcher *dispatch.Dispatcher
	runCtx     context.Context

	// notify delivers user-facing alerts. Defaults to the Redis alerts
	// channel; tests substitute a recorder.
	notify func(kind string, payload map[string]interface{})

	mu               sync.Mutex
	lastGPSStore     time.Time
	lastStuck        bool
	lastStale        bool
	cameraWasStopped bool
	crashSeverity    float64
}

func New(cfg *config.Config, logger *log.Logger, version string) (*Service, error) {
	redis, err := redisClient.New(cfg.RedisURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis client: %v", err)
	}

	storeClient := store.NewClient(cfg.APIURL, logger)
	storeClient.SetSession(cfg.SessionID, cfg.VehicleID)

	service := &Service{
		Config: cfg,
		Redis:  redis,
		Logger: logger,
		Live:   state.New(),
		Store:  storeClient,
		Trip:   trip.NewTracker(storeClient, logger),
		GPS:    gps.NewMonitor(cfg.GPSStaleThreshold),
		runCtx: context.Background(),
	}

	service.notify = service.publishAlertAsync
	service.Crash = crash.NewSequencer(service, service, logger,
		cfg.CrashCountdown, crash.DefaultTickInterval)
	service.dispatcher = dispatch.NewDispatcher(service, logger)

	service.Channel = channel.NewManager(channel.Config{
		URL:               cfg.ServerURL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReconnectBase:     cfg.ReconnectBase,
		ReconnectMax:      cfg.ReconnectMax,
		QueueCapacity:     cfg.QueueCapacity,
	}, nil, logger)
	service.Channel.SetCallbacks(service.handleMessage, service.handleConnectionState)

	service.Logger.Printf("telemetry-service v%s", version)

	return service, nil
}

func (s *Service) Run(ctx context.Context) error {
	if err := s.Redis.Ping(ctx); err != nil {
		return fmt.Errorf("redis connection failed: %v", err)
	}

	s.runCtx = ctx

	// Start listening for driver commands from the UI
	if err := s.Redis.StartCommandHandler(ctx, s.handleCommand); err != nil {
		s.Logger.Printf("Failed to start command handler: %v", err)
	}

	s.Logger.Printf("Starting telemetry service against %s", s.Config.ServerURL)
	s.Channel.Connect(ctx)
	go s.Trip.Run(ctx, s.Config.SyncInterval)
	go s.monitorStatus(ctx)

	<-ctx.Done()

	s.Shutdown()

	return nil
}

// Shutdown performs the deliberate disconnect: the close frame carries the
// logout reason so the connection loop does not come back.
func (s *Service) Shutdown() {
	s.Channel.Shutdown(channel.CloseReasonUserLogout)
	s.Crash.Cancel()
	s.Trip.Clear()
	s.Live.Reset()
	s.GPS.Reset()
	s.Logger.Printf("Telemetry service stopped")
}

// handleCommand handles driver commands published by the UI
func (s *Service) handleCommand(command string) {
	switch command {
	case "start-trip":
		if err := s.StartTrip(); err != nil {
			s.Logger.Printf("Failed to start trip: %v", err)
		}
	case "stop-trip":
		if err := s.StopTrip(s.runCtx); err != nil {
			s.Logger.Printf("Failed to stop trip: %v", err)
		}
	case "toggle-camera":
		if err := s.ToggleCamera(); err != nil {
			s.Logger.Printf("Failed to toggle camera: %v", err)
		}
	case "cancel-crash":
		s.Crash.Cancel()
	case "logout":
		s.Logger.Printf("Received logout command")
		s.Shutdown()
	default:
		s.Logger.Printf("Unknown command: %s", command)
	}
}

// StartTrip opens a local trip session and asks the backend to create the
// trip. The backend answers with trip_started carrying the assigned id.
func (s *Service) StartTrip() error {
	if s.Live.TripActive() {
		return errors.New("trip already active")
	}
	if s.Live.TripPending() {
		return errors.New("trip start already pending")
	}

	lat, lon := s.Live.Position()
	if !s.Trip.Start(lat, lon, time.Now()) {
		return errors.New("trip session already open")
	}
	s.Live.SetTripPending()

	err := s.Channel.Send(map[string]interface{}{
		"command":    "start_trip",
		"driver_id":  s.Config.DriverID,
		"vehicle_id": s.Config.VehicleID,
	})
	if err != nil {
		return errors.Wrap(err, "failed to request trip start")
	}
	s.Logger.Printf("Requested trip start, waiting for backend id")
	return nil
}

// StopTrip ends the active trip: local state is torn down first, then the
// summary is persisted and the backend told to close the trip. A
// persistence failure cannot resurrect the session.
func (s *Service) StopTrip(ctx context.Context) error {
	tripID := s.Live.TripID()
	lat, lon := s.Live.Position()

	s.Live.ClearTrip()
	summary, existed, err := s.Trip.Stop(ctx, lat, lon)

	if !existed && tripID == 0 {
		return errors.New("no active trip to stop")
	}

	if tripID != 0 {
		if sendErr := s.Channel.Send(map[string]interface{}{
			"command": "stop_trip",
			"trip_id": tripID,
		}); sendErr != nil {
			s.Logger.Printf("Failed to send stop_trip command: %v", sendErr)
		}
	}

	if summary != nil {
		s.Logger.Printf("Trip stopped: %.2f km, avg %.1f km/h, max %.1f km/h, %d waypoints",
			summary.DistanceKm, summary.AvgSpeedKmh, summary.MaxSpeedKmh, summary.Waypoints)
		s.notify("trip-ended", map[string]interface{}{
			"trip-id":   summary.TripID,
			"distance":  summary.DistanceKm,
			"avg-speed": summary.AvgSpeedKmh,
			"max-speed": summary.MaxSpeedKmh,
			"duration":  summary.Duration.Seconds(),
		})
	}

	go func() {
		clearCtx, cancel := context.WithTimeout(s.runCtx, 5*time.Second)
		defer cancel()
		s.Redis.ClearTripState(clearCtx)
	}()

	if err != nil {
		s.notify("trip-save-failed", map[string]interface{}{
			"trip-id": tripID,
			"error":   err.Error(),
		})
		if errors.Is(err, store.ErrSessionExpired) {
			s.handleSessionExpired()
		}
		return errors.Wrap(err, "trip data may not be saved")
	}
	return nil
}

// ToggleCamera flips the camera optimistically; camera_status from the
// server reconciles the final state. A camera that was stopped needs a
// reset command before it starts cleanly again.
func (s *Service) ToggleCamera() error {
	newState := !s.Live.CameraActive()

	s.mu.Lock()
	wasStopped := s.cameraWasStopped
	s.cameraWasStopped = !newState
	s.mu.Unlock()

	if newState && wasStopped {
		if err := s.Channel.Send(map[string]interface{}{"command": "reset_camera"}); err != nil {
			return errors.Wrap(err, "failed to send camera reset")
		}
	}

	err := s.Channel.Send(map[string]interface{}{
		"command": "toggle_camera",
		"enable":  newState,
	})
	if err != nil {
		return errors.Wrap(err, "failed to send camera toggle")
	}

	s.Live.SetCameraPending(newState)
	return nil
}

func (s *Service) handleMessage(data []byte) {
	if err := s.dispatcher.Dispatch(data); err != nil {
		s.Logger.Printf("Dropped server message: %v", err)
		// Unusable payloads of known types are a server-side defect the
		// driver should see, not just a log line.
		if errors.Is(err, dispatch.ErrValidation) {
			s.notify("invalid-message", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

func (s *Service) handleConnectionState(st channel.State) {
	s.Logger.Printf("connection state: %s", st)
	go func() {
		ctx, cancel := context.WithTimeout(s.runCtx, 5*time.Second)
		defer cancel()
		s.Redis.PublishConnectionState(ctx, st.String(), s.Channel.Attempts(), s.Channel.QueueLen())
	}()
}

// LiveData applies one sensor readout to the live record and feeds the
// position into the GPS monitor and the trip path.
func (s *Service) LiveData(u dispatch.LiveUpdate) {
	if u.Speed != nil {
		s.Live.SetSpeed(*u.Speed)
	}
	if u.Acceleration != nil {
		s.Live.SetAcceleration(*u.Acceleration)
	}
	if u.SafetyScore != nil {
		s.Live.SetSafetyScore(*u.SafetyScore)
	}
	if u.LaneStatus != nil {
		s.Live.SetLaneStatus(*u.LaneStatus)
	}
	if u.Latitude == nil || u.Longitude == nil {
		return
	}

	lat, lon := *u.Latitude, *u.Longitude
	s.Live.SetPosition(lat, lon)
	s.GPS.Observe(lat, lon, time.Now())

	if s.Trip.Active() {
		speed := 0.0
		if u.Speed != nil {
			speed = *u.Speed
		}
		s.Trip.RecordPosition(lat, lon, speed, time.Now())
		s.maybeStoreGPS(lat, lon, speed)
	}
}

// maybeStoreGPS persists the current position directly, throttled to one
// write per gpsStoreInterval while a confirmed trip is running.
func (s *Service) maybeStoreGPS(lat, lon, speed float64) {
	tripID := s.Live.TripID()
	if tripID == 0 {
		return
	}

	s.mu.Lock()
	if time.Since(s.lastGPSStore) < gpsStoreInterval {
		s.mu.Unlock()
		return
	}
	s.lastGPSStore = time.Now()
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(s.runCtx, 10*time.Second)
		defer cancel()
		if err := s.Store.LogGPSPoint(ctx, tripID, lat, lon, speed); err != nil {
			s.Logger.Printf("Failed to store GPS point: %v", err)
			if errors.Is(err, store.ErrSessionExpired) {
				s.handleSessionExpired()
			}
		}
	}()
}

// SafetyEvent counts the driving event and raises an alert. Impact events
// arm the crash sequence like a dedicated crash message would.
func (s *Service) SafetyEvent(e dispatch.SafetyEvent) {
	switch e.WarningType {
	case "HARD_BRAKE":
		s.Live.IncrementHardBrake()
	case "RAPID_ACCEL":
		s.Live.IncrementRapidAccel()
	case "CRASH", "IMPACT":
		s.CrashDetected(e.Latitude, e.Longitude, e.Value)
		return
	default:
		s.Logger.Printf("Unhandled safety event: %s", e.WarningType)
	}

	s.notify("safety-event", map[string]interface{}{
		"warning-type": e.WarningType,
		"value":        e.Value,
	})
}

// CrashDetected arms the escalation countdown at the crash position. A
// duplicate signal absorbed by the running countdown must not rewrite the
// severity the in-flight sequence will report.
func (s *Service) CrashDetected(lat, lon, severity float64) {
	if lat == 0 && lon == 0 {
		lat, lon = s.Live.Position()
	}

	if s.Crash.Trigger(s.runCtx, lat, lon) {
		s.mu.Lock()
		s.crashSeverity = severity
		s.mu.Unlock()
		s.notify("crash-detected", map[string]interface{}{
			"latitude":  lat,
			"longitude": lon,
			"severity":  severity,
		})
	}
}

// LaneDeparture counts the departure and raises an alert.
func (s *Service) LaneDeparture(direction string) {
	s.Live.IncrementLaneDepartures()
	s.notify("lane-departure", map[string]interface{}{
		"direction": direction,
	})
}

// DetectionData forwards object detections to the UI.
func (s *Service) DetectionData(data json.RawMessage) {
	s.notify("detection", map[string]interface{}{
		"data": string(data),
	})
}

// VideoFrame drops the frame; rendering happens elsewhere and relaying
// base64 frames through Redis would swamp it.
func (s *Service) VideoFrame(frame string, timestamp float64) {
	if s.Config.Debug {
		s.Logger.Printf("video frame: %d bytes at %.0f", len(frame), timestamp)
	}
}

// TripConfirmed binds the backend-assigned trip id to the pending session.
// A confirmation with no session open locally (daemon restarted mid-trip,
// trip started from another client) opens one at the current position so
// recording and waypoint sync work either way.
func (s *Service) TripConfirmed(tripID int64) {
	s.Logger.Printf("Backend confirmed trip %d", tripID)
	if !s.Trip.Active() {
		lat, lon := s.Live.Position()
		s.Trip.Start(lat, lon, time.Now())
	}
	s.Live.SetTrip(tripID)
	s.Trip.SetID(tripID)
}

// TripStopped handles the backend-initiated trip end.
func (s *Service) TripStopped(distanceKm float64) {
	s.Logger.Printf("Backend confirmed trip stopped (%.2f km)", distanceKm)
	s.Live.ClearTrip()
	s.Trip.Clear()
	go func() {
		ctx, cancel := context.WithTimeout(s.runCtx, 5*time.Second)
		defer cancel()
		s.Redis.ClearTripState(ctx)
	}()
}

// CameraStatus reconciles the optimistic camera state with the server's.
func (s *Service) CameraStatus(enabled bool) {
	s.Live.ReconcileCamera(enabled)
}

// ServerError logs the failure; trip-related errors also tear down the
// local trip state since the backend no longer tracks it.
func (s *Service) ServerError(message string) {
	s.Logger.Printf("Server error: %s", message)

	if strings.Contains(strings.ToLower(message), "trip") {
		s.Logger.Printf("Trip error from server, clearing trip state")
		s.Live.ClearTrip()
		s.Trip.Clear()
	}
}

// Pong acknowledges the heartbeat.
func (s *Service) Pong() {
	if s.Config.Debug {
		s.Logger.Printf("Heartbeat acknowledged")
	}
}

// ReportCrash files the incident once the countdown expires.
func (s *Service) ReportCrash(ctx context.Context, lat, lon float64) error {
	s.mu.Lock()
	severity := s.crashSeverity
	s.mu.Unlock()

	description := fmt.Sprintf("Automatic crash detection - Severity: %.2f", severity)
	err := s.Store.ReportIncident(ctx, store.IncidentAccident, lat, lon, description)
	if err != nil {
		s.notify("crash-report-failed", map[string]interface{}{
			"latitude":  lat,
			"longitude": lon,
			"error":     err.Error(),
		})
		if errors.Is(err, store.ErrSessionExpired) {
			s.handleSessionExpired()
		}
		return err
	}

	s.Logger.Printf("Crash incident reported at %.6f,%.6f", lat, lon)
	return nil
}

// CrashCountdownTick publishes the remaining seconds for display.
func (s *Service) CrashCountdownTick(remaining int) {
	s.notify("crash-countdown", map[string]interface{}{
		"remaining": remaining,
	})
}

// CrashResolved publishes how the countdown ended.
func (s *Service) CrashResolved(escalated bool) {
	s.notify("crash-resolved", map[string]interface{}{
		"escalated": escalated,
	})
}

// handleSessionExpired tears down everything bound to the dead session.
// The daemon stays up so a fresh session id can be supplied on restart.
func (s *Service) handleSessionExpired() {
	s.Logger.Printf("Backend session expired, resetting session state")
	s.Store.ClearSession()
	s.Crash.Cancel()
	s.Trip.Clear()
	s.Live.Reset()
	s.Channel.Shutdown(channel.CloseReasonUserLogout)
}

func (s *Service) publishAlertAsync(kind string, payload map[string]interface{}) {
	go func() {
		ctx, cancel := context.WithTimeout(s.runCtx, 5*time.Second)
		defer cancel()
		s.Redis.PublishAlert(ctx, kind, payload)
	}()
}

func (s *Service) publishTelemetry(ctx context.Context) error {
	snap := s.Live.Snapshot()
	data := map[string]interface{}{
		"speed":             fmt.Sprintf("%.1f", snap.Speed),
		"acceleration":      fmt.Sprintf("%.2f", snap.Acceleration),
		"latitude":          fmt.Sprintf("%.6f", snap.Latitude),
		"longitude":         fmt.Sprintf("%.6f", snap.Longitude),
		"safety-score":      fmt.Sprintf("%d", snap.SafetyScore),
		"lane-status":       snap.LaneStatus,
		"rapid-accel-count": fmt.Sprintf("%d", snap.RapidAccelCount),
		"hard-brake-count":  fmt.Sprintf("%d", snap.HardBrakeCount),
		"lane-departures":   fmt.Sprintf("%d", snap.LaneDepartures),
		"trip-active":       snap.TripActive,
		"trip-id":           fmt.Sprintf("%d", snap.TripID),
		"camera-active":     snap.CameraActive,
		"timestamp":         time.Now().Format(time.RFC3339),
	}
	return s.Redis.PublishTelemetry(ctx, data)
}

func (s *Service) publishGPSHealth(ctx context.Context) error {
	now := time.Now()
	stuck := s.GPS.IsStuck()
	age, stale := s.GPS.Staleness(now)

	s.mu.Lock()
	stuckChanged := stuck != s.lastStuck
	staleChanged := stale != s.lastStale
	s.lastStuck = stuck
	s.lastStale = stale
	s.mu.Unlock()

	if stuckChanged {
		if stuck {
			s.Logger.Printf("GPS source appears stuck, coordinates frozen")
		} else {
			s.Logger.Printf("GPS source recovered")
		}
	}
	if staleChanged {
		if stale {
			s.Logger.Printf("GPS feed stale, no data for %v", age.Round(time.Second))
		} else {
			s.Logger.Printf("GPS feed resumed")
		}
	}

	rec := s.GPS.Snapshot()
	data := map[string]interface{}{
		"stuck":        stuck,
		"stale":        stale,
		"update-count": fmt.Sprintf("%d", rec.UpdateCount),
		"stuck-count":  fmt.Sprintf("%d", rec.StuckCount),
	}
	if !rec.LastUpdate.IsZero() {
		data["last-update"] = rec.LastUpdate.Format(time.RFC3339)
	}
	return s.Redis.PublishGPSHealth(ctx, data)
}

func (s *Service) publishTripState(ctx context.Context) error {
	info, ok := s.Trip.Info(time.Now())
	if !ok {
		return nil
	}
	data := map[string]interface{}{
		"trip-id":   fmt.Sprintf("%d", info.TripID),
		"distance":  fmt.Sprintf("%.4f", info.DistanceKm),
		"max-speed": fmt.Sprintf("%.1f", info.MaxSpeedKmh),
		"elapsed":   fmt.Sprintf("%d", int(info.Elapsed.Seconds())),
		"waypoints": fmt.Sprintf("%d", info.Waypoints),
	}
	return s.Redis.PublishTripState(ctx, data)
}

func (s *Service) monitorStatus(ctx context.Context) {
	ticker := time.NewTicker(s.Config.PublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.publishTelemetry(ctx); err != nil {
				s.Logger.Printf("Failed to publish telemetry: %v", err)
			}
			if err := s.publishGPSHealth(ctx); err != nil {
				s.Logger.Printf("Failed to publish gps health: %v", err)
			}
			if err := s.publishTripState(ctx); err != nil {
				s.Logger.Printf("Failed to publish trip state: %v", err)
			}
			if err := s.Redis.PublishConnectionState(ctx, s.Channel.State().String(),
				s.Channel.Attempts(), s.Channel.QueueLen()); err != nil {
				s.Logger.Printf("Failed to publish connection state: %v", err)
			}
		}
	}
}
