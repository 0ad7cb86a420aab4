package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// Pooled connections to a plain :memory: database each see their own
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS telemetry (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			robot_id TEXT NOT NULL,
			data_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			received_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_robot ON telemetry(robot_id, data_type, received_at)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_received ON telemetry(received_at)`,
		`CREATE TABLE IF NOT EXISTS robots (
			id TEXT PRIMARY KEY,
			ip TEXT NOT NULL DEFAULT '',
			port INTEGER NOT NULL DEFAULT 0,
			first_seen INTEGER NOT NULL,
			last_seen INTEGER NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Telemetry ---

func (s *SQLiteStore) InsertTelemetry(ctx context.Context, records []TelemetryRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO telemetry (robot_id, data_type, payload, received_at) VALUES (?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.RobotID, r.DataType, string(r.Payload), r.ReceivedAt.UnixNano()); err != nil {
			return fmt.Errorf("insert telemetry: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListTelemetry(ctx context.Context, robotID, dataType string, limit int) ([]TelemetryRecord, error) {
	query := "SELECT id, robot_id, data_type, payload, received_at FROM telemetry WHERE robot_id = ?"
	args := []any{robotID}
	if dataType != "" {
		query += " AND data_type = ?"
		args = append(args, dataType)
	}
	query += " ORDER BY received_at DESC, id DESC LIMIT ?"
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []TelemetryRecord
	for rows.Next() {
		var r TelemetryRecord
		var payload string
		var ts int64
		if err := rows.Scan(&r.ID, &r.RobotID, &r.DataType, &payload, &ts); err != nil {
			return nil, err
		}
		r.Payload = []byte(payload)
		r.ReceivedAt = time.Unix(0, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountTelemetry(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT data_type, COUNT(*) FROM telemetry GROUP BY data_type")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int64)
	for rows.Next() {
		var dt string
		var n int64
		if err := rows.Scan(&dt, &n); err != nil {
			return nil, err
		}
		out[dt] = n
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PurgeTelemetryBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM telemetry WHERE received_at < ?", before.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Robots ---

func (s *SQLiteStore) UpsertRobot(ctx context.Context, robot *Robot) error {
	seen := robot.LastSeen.UnixNano()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO robots (id, ip, port, first_seen, last_seen) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET ip = excluded.ip, port = excluded.port, last_seen = excluded.last_seen`,
		robot.ID, robot.IP, robot.Port, seen, seen)
	return err
}

func (s *SQLiteStore) ListRobots(ctx context.Context) ([]Robot, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, ip, port, first_seen, last_seen FROM robots ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Robot
	for rows.Next() {
		var r Robot
		var first, last int64
		if err := rows.Scan(&r.ID, &r.IP, &r.Port, &first, &last); err != nil {
			return nil, err
		}
		r.FirstSeen = time.Unix(0, first)
		r.LastSeen = time.Unix(0, last)
		out = append(out, r)
	}
	return out, rows.Err()
}
