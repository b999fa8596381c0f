package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Driver names registered by the imported database drivers.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite3"
)

// DB wraps sql.DB for Postgres (pgx) or SQLite.
type DB struct {
	Client *sql.DB
	Driver string
}

// NewDB opens the database named by url and applies the schema.
// postgres:// and postgresql:// URLs use pgx; sqlite://<path>, file: URLs
// and :memory: use SQLite.
func NewDB(url string) (*DB, error) {
	driver, dsn := resolve(url)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if driver == DriverSQLite {
		// one writer; an in-memory database also lives in a single connection
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	}
	d := &DB{Client: db, Driver: driver}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return d, fmt.Errorf("ping db: %w", err)
	}
	if err := d.Migrate(ctx); err != nil {
		return d, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

func resolve(url string) (driver, dsn string) {
	switch {
	case strings.HasPrefix(url, "sqlite://"):
		return DriverSQLite, sqliteDSN(strings.TrimPrefix(url, "sqlite://"))
	case strings.HasPrefix(url, "file:"), url == ":memory:":
		return DriverSQLite, sqliteDSN(url)
	default:
		return DriverPostgres, url
	}
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000&_foreign_keys=on"
}

// Migrate creates the schema if it does not exist.
func (d *DB) Migrate(ctx context.Context) error {
	ts := "TIMESTAMPTZ"
	if d.Driver == DriverSQLite {
		ts = "TIMESTAMP"
	}
	for _, stmt := range schema {
		if _, err := d.Client.ExecContext(ctx, strings.ReplaceAll(stmt, "{{ts}}", ts)); err != nil {
			return err
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS programs (
		id         TEXT PRIMARY KEY,
		code       TEXT NOT NULL UNIQUE,
		name       TEXT NOT NULL,
		faculty    TEXT,
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS students (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		class      TEXT NOT NULL,
		nis        TEXT NOT NULL UNIQUE,
		uid        TEXT NOT NULL UNIQUE,
		program_id TEXT REFERENCES programs(id),
		is_active  BOOLEAN NOT NULL DEFAULT TRUE,
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS attendance (
		id           TEXT PRIMARY KEY,
		uid          TEXT NOT NULL,
		student_id   TEXT REFERENCES students(id) ON DELETE SET NULL,
		student_name TEXT NOT NULL,
		class        TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL,
		source       TEXT NOT NULL DEFAULT '',
		dedup_key    TEXT NOT NULL,
		day          TEXT NOT NULL,
		occurred_at  {{ts}} NOT NULL,
		UNIQUE (dedup_key, day)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attendance_day ON attendance (day)`,
	`CREATE INDEX IF NOT EXISTS idx_attendance_student ON attendance (student_id)`,
	`CREATE TABLE IF NOT EXISTS devices (
		device_id  TEXT PRIMARY KEY,
		created_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		token      TEXT PRIMARY KEY,
		device_id  TEXT NOT NULL REFERENCES devices(device_id),
		expires_at {{ts}} NOT NULL,
		revoked    BOOLEAN NOT NULL DEFAULT FALSE
	)`,
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}
