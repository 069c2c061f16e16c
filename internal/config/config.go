package config

import (
	"flag"
	"time"
)

type Config struct {
	ServerURL         string
	APIURL            string
	RedisURL          string
	HeartbeatInterval time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	QueueCapacity     int
	SyncInterval      time.Duration
	PublishInterval   time.Duration
	GPSStaleThreshold time.Duration
	CrashCountdown    int
	SessionID         string
	DriverID          int64
	VehicleID         int64
	Debug             bool
}

func New() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.ServerURL, "ws-url", "ws://127.0.0.1:8081/ws", "Telemetry server websocket URL")
	flag.StringVar(&cfg.APIURL, "api-url", "http://127.0.0.1:8080", "Fleet backend base URL")
	flag.StringVar(&cfg.RedisURL, "redis-url", "redis://127.0.0.1:6379", "Redis URL")
	flag.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", 30*time.Second, "Websocket heartbeat interval")
	flag.DurationVar(&cfg.ReconnectBase, "reconnect-base", time.Second, "Initial reconnect backoff delay")
	flag.DurationVar(&cfg.ReconnectMax, "reconnect-max", 30*time.Second, "Maximum reconnect backoff delay")
	flag.IntVar(&cfg.QueueCapacity, "queue-capacity", 100, "Outbound message queue capacity")
	flag.DurationVar(&cfg.SyncInterval, "sync-interval", 30*time.Second, "Trip waypoint sync interval")
	flag.DurationVar(&cfg.PublishInterval, "publish-interval", time.Second, "Telemetry publish interval")
	flag.DurationVar(&cfg.GPSStaleThreshold, "gps-stale-threshold", 5*time.Second, "GPS staleness warning threshold")
	flag.IntVar(&cfg.CrashCountdown, "crash-countdown", 10, "Crash escalation countdown in seconds")
	flag.StringVar(&cfg.SessionID, "session-id", "", "Backend session id")
	flag.Int64Var(&cfg.DriverID, "driver-id", 1, "Driver id for trip commands")
	flag.Int64Var(&cfg.VehicleID, "vehicle-id", 0, "Vehicle id for incident reports")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")

	return cfg
}

func (c *Config) Parse() {
	flag.Parse()
}
