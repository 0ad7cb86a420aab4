// Package store defines the storage interface for relayed telemetry and
// robot sightings, with SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface for the bridge.
type Store interface {
	// Telemetry
	InsertTelemetry(ctx context.Context, records []TelemetryRecord) error
	ListTelemetry(ctx context.Context, robotID, dataType string, limit int) ([]TelemetryRecord, error)
	CountTelemetry(ctx context.Context) (map[string]int64, error)
	PurgeTelemetryBefore(ctx context.Context, before time.Time) (int64, error)

	// Robots
	UpsertRobot(ctx context.Context, robot *Robot) error
	ListRobots(ctx context.Context) ([]Robot, error)

	Ping(ctx context.Context) error
	Close() error
}

// TelemetryRecord is one persisted robot message.
type TelemetryRecord struct {
	ID         int64           `json:"id"`
	RobotID    string          `json:"robot_id"`
	DataType   string          `json:"data_type"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Robot is the last registration seen for a robot.
type Robot struct {
	ID        string    `json:"robot_id"`
	IP        string    `json:"ip"`
	Port      int       `json:"port"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

const defaultListLimit = 100

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}
