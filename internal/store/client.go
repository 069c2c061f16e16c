package store

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Incident types understood by the backend.
const (
	IncidentAccident         = 0
	IncidentTrafficViolation = 4
)

// ErrSessionExpired is returned when the backend no longer recognizes the
// session. Callers must discard local session state and force a re-login.
var ErrSessionExpired = errors.New("session expired")

// response is the envelope every backend operation answers with.
type response struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client talks to the fleet backend over its single-endpoint operation
// protocol: every request is a POST to /api with an operation name and the
// session id, every answer is a status/code/message envelope.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *log.Logger

	mu        sync.Mutex
	sessionID string
	vehicleID int64
}

func NewClient(baseURL string, logger *log.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// SetSession binds the client to an authenticated session and vehicle.
func (c *Client) SetSession(sessionID string, vehicleID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
	c.vehicleID = vehicleID
}

// ClearSession drops the bound session, typically after ErrSessionExpired.
func (c *Client) ClearSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = ""
}

func (c *Client) session() (string, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.vehicleID
}

// LogGPSPoint persists one waypoint of an active trip.
func (c *Client) LogGPSPoint(ctx context.Context, tripID int64, lat, lon, speedKmh float64) error {
	sessionID, _ := c.session()
	return c.call(ctx, map[string]interface{}{
		"operation":  "trip_log_gps",
		"session_id": sessionID,
		"trip_id":    tripID,
		"latitude":   lat,
		"longitude":  lon,
		"speed":      speedKmh,
	})
}

// EndTrip closes a trip on the backend at the given final position.
func (c *Client) EndTrip(ctx context.Context, tripID int64, endLat, endLon float64) error {
	sessionID, _ := c.session()
	return c.call(ctx, map[string]interface{}{
		"operation":  "trip_end",
		"session_id": sessionID,
		"trip_id":    tripID,
		"latitude":   endLat,
		"longitude":  endLon,
	})
}

// ReportIncident files an incident of the given type at a position.
func (c *Client) ReportIncident(ctx context.Context, incidentType int, lat, lon float64, description string) error {
	sessionID, vehicleID := c.session()
	return c.call(ctx, map[string]interface{}{
		"operation":   "incident_report",
		"session_id":  sessionID,
		"vehicle_id":  vehicleID,
		"type":        incidentType,
		"latitude":    lat,
		"longitude":   lon,
		"description": description,
	})
}

func (c *Client) call(ctx context.Context, payload map[string]interface{}) error {
	operation, _ := payload["operation"].(string)

	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s request", operation)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api", bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "failed to build %s request", operation)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to send %s request", operation)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrSessionExpired
	}

	var envelope response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return errors.Wrapf(err, "failed to decode %s response", operation)
	}

	if envelope.Status != "success" {
		if envelope.Code == "SESSION_ERROR" {
			c.logger.Printf("Backend rejected %s with a session error", operation)
			return ErrSessionExpired
		}
		return errors.Errorf("%s rejected by backend: %s (%s)", operation, envelope.Message, envelope.Code)
	}

	return nil
}
