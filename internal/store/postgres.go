package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS telemetry (
			id BIGSERIAL PRIMARY KEY,
			robot_id TEXT NOT NULL,
			data_type TEXT NOT NULL,
			payload JSONB NOT NULL,
			received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_robot ON telemetry(robot_id, data_type, received_at)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_received ON telemetry(received_at)`,
		`CREATE TABLE IF NOT EXISTS robots (
			id TEXT PRIMARY KEY,
			ip TEXT NOT NULL DEFAULT '',
			port INTEGER NOT NULL DEFAULT 0,
			first_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Telemetry ---

func (s *PostgresStore) InsertTelemetry(ctx context.Context, records []TelemetryRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO telemetry (robot_id, data_type, payload, received_at) VALUES ($1, $2, $3::jsonb, $4)")
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.RobotID, r.DataType, string(r.Payload), r.ReceivedAt); err != nil {
			return fmt.Errorf("insert telemetry: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) ListTelemetry(ctx context.Context, robotID, dataType string, limit int) ([]TelemetryRecord, error) {
	query := "SELECT id, robot_id, data_type, payload::text, received_at FROM telemetry WHERE robot_id = $1"
	args := []any{robotID}
	if dataType != "" {
		query += " AND data_type = $2 ORDER BY received_at DESC, id DESC LIMIT $3"
		args = append(args, dataType, clampLimit(limit))
	} else {
		query += " ORDER BY received_at DESC, id DESC LIMIT $2"
		args = append(args, clampLimit(limit))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []TelemetryRecord
	for rows.Next() {
		var r TelemetryRecord
		var payload string
		if err := rows.Scan(&r.ID, &r.RobotID, &r.DataType, &payload, &r.ReceivedAt); err != nil {
			return nil, err
		}
		r.Payload = []byte(payload)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountTelemetry(ctx context.Context) (map[string]int64, error) {
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

func (s *PostgresStore) PurgeTelemetryBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM telemetry WHERE received_at < $1", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Robots ---

func (s *PostgresStore) UpsertRobot(ctx context.Context, robot *Robot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO robots (id, ip, port, first_seen, last_seen) VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT(id) DO UPDATE SET ip = EXCLUDED.ip, port = EXCLUDED.port, last_seen = EXCLUDED.last_seen`,
		robot.ID, robot.IP, robot.Port, robot.LastSeen)
	return err
}

func (s *PostgresStore) ListRobots(ctx context.Context) ([]Robot, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, ip, port, first_seen, last_seen FROM robots ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Robot
	for rows.Next() {
		var r Robot
		if err := rows.Scan(&r.ID, &r.IP, &r.Port, &r.FirstSeen, &r.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
