package store

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestLogGPSPointRequestShape(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api" {
			t.Errorf("Expected POST to /api, got %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("Failed to decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "success", "code": "GPS_LOGGED"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	c.SetSession("sess-1", 12)

	if err := c.LogGPSPoint(context.Background(), 77, 31.5204, 74.3587, 48.5); err != nil {
		t.Fatalf("LogGPSPoint failed: %v", err)
	}

	if got["operation"] != "trip_log_gps" {
		t.Errorf("Expected operation trip_log_gps, got %v", got["operation"])
	}
	if got["session_id"] != "sess-1" {
		t.Errorf("Expected session id forwarded, got %v", got["session_id"])
	}
	if got["trip_id"].(float64) != 77 {
		t.Errorf("Expected trip id 77, got %v", got["trip_id"])
	}
	if got["speed"].(float64) != 48.5 {
		t.Errorf("Expected speed forwarded, got %v", got["speed"])
	}
}

func TestReportIncidentCarriesVehicleAndType(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]string{"status": "success", "code": "INCIDENT_REPORTED"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	c.SetSession("sess-1", 12)

	err := c.ReportIncident(context.Background(), IncidentAccident, 31.52, 74.35, "Crash detected by onboard sensors")
	if err != nil {
		t.Fatalf("ReportIncident failed: %v", err)
	}

	if got["operation"] != "incident_report" {
		t.Errorf("Expected operation incident_report, got %v", got["operation"])
	}
	if got["vehicle_id"].(float64) != 12 {
		t.Errorf("Expected vehicle id 12, got %v", got["vehicle_id"])
	}
	if got["type"].(float64) != float64(IncidentAccident) {
		t.Errorf("Expected accident type, got %v", got["type"])
	}
}

func TestSessionErrorMapsToSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "error",
			"code":    "SESSION_ERROR",
			"message": "Could not retrieve driver info",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	c.SetSession("stale", 1)

	err := c.EndTrip(context.Background(), 5, 31.52, 74.35)
	if !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Expected ErrSessionExpired, got %v", err)
	}
}

func TestUnauthorizedMapsToSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())

	err := c.LogGPSPoint(context.Background(), 1, 0, 0, 0)
	if !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Expected ErrSessionExpired for HTTP 401, got %v", err)
	}
}

func TestBackendRejectionSurfacesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "error",
			"code":    "TRIP_END_FAILED",
			"message": "Failed to end trip",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	c.SetSession("sess-1", 1)

	err := c.EndTrip(context.Background(), 5, 31.52, 74.35)
	if err == nil {
		t.Fatal("Expected error for rejected operation")
	}
	if errors.Is(err, ErrSessionExpired) {
		t.Error("Expected a plain rejection, not a session error")
	}
}

func TestClearSessionDropsID(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]string{"status": "success"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	c.SetSession("sess-1", 1)
	c.ClearSession()

	c.LogGPSPoint(context.Background(), 1, 0, 0, 0)
	if got["session_id"] != "" {
		t.Errorf("Expected empty session id after clear, got %v", got["session_id"])
	}
}
