package dispatch

import (
	"encoding/json"
	"log"
	"math"

	"github.com/pkg/errors"
)

var (
	// ErrProtocol marks a message that is not valid JSON or lacks a type.
	ErrProtocol = errors.New("malformed message")

	// ErrValidation marks a known message type with an unusable payload.
	ErrValidation = errors.New("invalid message payload")
)

// Envelope is the outer frame of every server message.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp float64         `json:"timestamp"`
	Message   string          `json:"message"`
}

// LiveUpdate carries the periodic sensor readout. Absent fields stay nil so
// partial updates do not zero the rest of the record.
type LiveUpdate struct {
	Speed        *float64 `json:"speed"`
	Acceleration *float64 `json:"acceleration"`
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
	SafetyScore  *int     `json:"safety_score"`
	LaneStatus   *string  `json:"lane_status"`
}

// SafetyEvent is a driving warning raised by the device.
type SafetyEvent struct {
	WarningType string  `json:"warning_type"`
	Value       float64 `json:"value"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
}

// Sink receives routed messages. Implementations must not block; the
// dispatcher runs on the connection's read path.
type Sink interface {
	LiveData(u LiveUpdate)
	SafetyEvent(e SafetyEvent)
	CrashDetected(lat, lon, severity float64)
	LaneDeparture(direction string)
	DetectionData(data json.RawMessage)
	VideoFrame(frame string, timestamp float64)
	TripConfirmed(tripID int64)
	TripStopped(distanceKm float64)
	CameraStatus(enabled bool)
	ServerError(message string)
	Pong()
}

// Dispatcher parses server messages and routes them by type. Unknown types
// are logged and dropped; the connection stays up regardless of what
// arrives on it.
type Dispatcher struct {
	sink   Sink
	logger *log.Logger
}

func NewDispatcher(sink Sink, logger *log.Logger) *Dispatcher {
	return &Dispatcher{sink: sink, logger: logger}
}

// Dispatch routes one raw message. It returns ErrProtocol for frames that
// cannot be parsed and ErrValidation for known types with bad payloads.
func (d *Dispatcher) Dispatch(raw []byte) error {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return errors.Wrapf(ErrProtocol, "parse failed: %v", err)
	}
	if env.Type == "" {
		return errors.Wrap(ErrProtocol, "missing type")
	}

	switch env.Type {
	case "live_data":
		return d.handleLiveData(env)
	case "warning":
		return d.handleWarning(env)
	case "crash":
		return d.handleCrash(env)
	case "video_frame":
		return d.handleVideoFrame(env)
	case "detection_data":
		if len(env.Data) == 0 {
			return errors.Wrap(ErrValidation, "detection_data without payload")
		}
		d.sink.DetectionData(env.Data)
		return nil
	case "lane_warning":
		return d.handleLaneWarning(env)
	case "trip_started":
		return d.handleTripStarted(env)
	case "trip_stopped":
		return d.handleTripStopped(env)
	case "camera_status":
		return d.handleCameraStatus(env)
	case "error":
		return d.handleError(env)
	case "pong":
		d.sink.Pong()
		return nil
	default:
		d.logger.Printf("Ignoring unknown message type %q", env.Type)
		return nil
	}
}

func (d *Dispatcher) handleLiveData(env Envelope) error {
	if len(env.Data) == 0 {
		return errors.Wrap(ErrValidation, "live_data without payload")
	}
	var u LiveUpdate
	if err := json.Unmarshal(env.Data, &u); err != nil {
		return errors.Wrapf(ErrValidation, "live_data payload: %v", err)
	}
	// Drop non-finite readings rather than poisoning the record.
	for _, f := range []*float64{u.Speed, u.Acceleration, u.Latitude, u.Longitude} {
		if f != nil && (math.IsNaN(*f) || math.IsInf(*f, 0)) {
			return errors.Wrap(ErrValidation, "live_data with non-finite reading")
		}
	}
	d.sink.LiveData(u)
	return nil
}

func (d *Dispatcher) handleWarning(env Envelope) error {
	if len(env.Data) == 0 {
		return errors.Wrap(ErrValidation, "warning without payload")
	}
	var e SafetyEvent
	if err := json.Unmarshal(env.Data, &e); err != nil {
		return errors.Wrapf(ErrValidation, "warning payload: %v", err)
	}
	if e.WarningType == "" {
		return errors.Wrap(ErrValidation, "warning without warning_type")
	}
	d.sink.SafetyEvent(e)
	return nil
}

func (d *Dispatcher) handleCrash(env Envelope) error {
	if len(env.Data) == 0 {
		return errors.Wrap(ErrValidation, "crash without payload")
	}
	var p struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Value     float64 `json:"value"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return errors.Wrapf(ErrValidation, "crash payload: %v", err)
	}
	d.sink.CrashDetected(p.Latitude, p.Longitude, p.Value)
	return nil
}

func (d *Dispatcher) handleVideoFrame(env Envelope) error {
	if len(env.Data) == 0 || env.Timestamp == 0 {
		return errors.Wrap(ErrValidation, "video_frame without data or timestamp")
	}
	var frame string
	if err := json.Unmarshal(env.Data, &frame); err != nil {
		return errors.Wrapf(ErrValidation, "video_frame payload: %v", err)
	}
	d.sink.VideoFrame(frame, env.Timestamp)
	return nil
}

func (d *Dispatcher) handleLaneWarning(env Envelope) error {
	if len(env.Data) == 0 {
		return errors.Wrap(ErrValidation, "lane_warning without payload")
	}
	var p struct {
		Direction string `json:"direction"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return errors.Wrapf(ErrValidation, "lane_warning payload: %v", err)
	}
	if p.Direction == "" {
		return errors.Wrap(ErrValidation, "lane_warning without direction")
	}
	d.sink.LaneDeparture(p.Direction)
	return nil
}

// handleTripStarted accepts the trip id as either a JSON number or a
// numeric string; the backend has sent both over time.
func (d *Dispatcher) handleTripStarted(env Envelope) error {
	if len(env.Data) == 0 {
		return errors.Wrap(ErrValidation, "trip_started without payload")
	}
	var p struct {
		TripID json.Number `json:"trip_id"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return errors.Wrapf(ErrValidation, "trip_started payload: %v", err)
	}
	id, err := p.TripID.Int64()
	if err != nil || id <= 0 {
		return errors.Wrapf(ErrValidation, "trip_started with unusable trip_id %q", p.TripID)
	}
	d.sink.TripConfirmed(id)
	return nil
}

func (d *Dispatcher) handleTripStopped(env Envelope) error {
	var p struct {
		Distance float64 `json:"distance"`
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return errors.Wrapf(ErrValidation, "trip_stopped payload: %v", err)
		}
	}
	d.sink.TripStopped(p.Distance)
	return nil
}

func (d *Dispatcher) handleCameraStatus(env Envelope) error {
	if len(env.Data) == 0 {
		return errors.Wrap(ErrValidation, "camera_status without payload")
	}
	var p struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return errors.Wrapf(ErrValidation, "camera_status payload: %v", err)
	}
	if p.Enabled == nil {
		return errors.Wrap(ErrValidation, "camera_status without enabled flag")
	}
	d.sink.CameraStatus(*p.Enabled)
	return nil
}

// handleError surfaces a server-side failure. The message may sit at the
// top level or inside the data object.
func (d *Dispatcher) handleError(env Envelope) error {
	message := env.Message
	if message == "" && len(env.Data) > 0 {
		var p struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(env.Data, &p); err == nil {
			message = p.Message
		}
	}
	if message == "" {
		message = "unknown error"
	}
	d.sink.ServerError(message)
	return nil
}
