// Package store provides transactional persistence for services,
// dependencies and routes on an embedded SQLite database.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Store wraps the database handle. It is the only shared mutable
// resource in the process; every mutation is a short transaction and
// reads are snapshot reads.
type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the database at path and initializes the
// schema. The special path ":memory:" yields a private in-memory
// database pinned to a single connection.
func Open(path string) (*Store, error) {
	dsn := path
	memory := path == ":memory:"
	if memory {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	} else if !strings.Contains(path, "?") {
		dsn = path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if memory {
		// Each connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS services (
		id                   TEXT PRIMARY KEY,
		name                 TEXT NOT NULL,
		host                 TEXT NOT NULL,
		port                 INTEGER NOT NULL,
		protocol             TEXT NOT NULL DEFAULT 'http',
		health_check_path    TEXT NOT NULL DEFAULT '/health',
		status               TEXT NOT NULL DEFAULT 'unknown',
		is_gateway           INTEGER NOT NULL DEFAULT 0,
		base_path            TEXT,
		service_meta         TEXT,
		registered_at        TIMESTAMP NOT NULL,
		last_heartbeat       TIMESTAMP NOT NULL,
		consecutive_failures INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS dependencies (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		source_service_id TEXT NOT NULL REFERENCES services(id) ON DELETE CASCADE,
		target_service_id TEXT NOT NULL REFERENCES services(id) ON DELETE CASCADE,
		description       TEXT,
		created_at        TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS routes (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		gateway_service_id TEXT NOT NULL REFERENCES services(id) ON DELETE CASCADE,
		path_pattern       TEXT NOT NULL,
		methods            TEXT NOT NULL DEFAULT '*',
		target_service_id  TEXT NOT NULL REFERENCES services(id) ON DELETE CASCADE,
		strip_prefix       INTEGER NOT NULL DEFAULT 0,
		strip_path         TEXT,
		priority           INTEGER NOT NULL DEFAULT 0,
		enabled            INTEGER NOT NULL DEFAULT 1,
		auth_config        TEXT,
		created_at         TIMESTAMP NOT NULL,
		updated_at         TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_services_status    ON services(status);
	CREATE INDEX IF NOT EXISTS idx_services_gateway   ON services(is_gateway);
	CREATE INDEX IF NOT EXISTS idx_dependencies_source ON dependencies(source_service_id);
	CREATE INDEX IF NOT EXISTS idx_dependencies_target ON dependencies(target_service_id);
	CREATE INDEX IF NOT EXISTS idx_routes_gateway     ON routes(gateway_service_id);
	CREATE INDEX IF NOT EXISTS idx_routes_target      ON routes(target_service_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Now returns the current instant normalized to UTC. All timestamps in
// the store are UTC so that textual comparison in SQL stays
// chronological.
func Now() time.Time {
	return time.Now().UTC()
}

func ptrTime(t time.Time) *time.Time { return &t }
