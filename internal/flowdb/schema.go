// Package flowdb persists flows to SQLite with tiered body storage:
// inline for small bodies, a compressed blob column for medium ones, a
// compressed external file for large ones, and a skip marker past that,
// so a long capture session doesn't bloat the database file.
package flowdb

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Body size tiers, in bytes.
const (
	TierInlineMax   = 10 * 1024        // bodies < this are stored inline in flow_bodies.content
	TierBlobMax     = 1024 * 1024      // bodies < this are gzip-compressed into flow_bodies.content
	TierExternalMax = 50 * 1024 * 1024 // bodies < this are gzip-compressed to an external file; at or above, skipped entirely
)

// BodyTier identifies how a body was (or wasn't) persisted.
type BodyTier string

const (
	TierInline   BodyTier = "inline"
	TierBlob     BodyTier = "blob"
	TierExternal BodyTier = "external"
	TierSkipped  BodyTier = "skipped"
)

// DB wraps a pooled *sql.DB plus the two locks that stand in for the
// source system's thread-local-connection discipline: writeMu serializes
// all writers (Go's sql.DB already allows concurrent writers to race at
// the SQLite level, so this lock provides the same single-writer
// guarantee the source relied on thread affinity for), and cleanupMu
// serializes background maintenance so VACUUM/checkpoint never overlaps
// itself without blocking ordinary reads in between.
type DB struct {
	db        *sql.DB
	bodyDir   string
	writeMu   sync.Mutex
	cleanupMu sync.Mutex
}

// Open opens (creating if necessary) the flow database at path, applies
// WAL-mode pragmas, and runs the schema migration. bodyDir is where
// external (tier-3) compressed body files are written.
func Open(path, bodyDir string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("flowdb: open: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-65536",       // 64MiB
		"PRAGMA mmap_size=268435456",     // 256MiB
		"PRAGMA wal_autocheckpoint=1000", // pages
		"PRAGMA busy_timeout=30000",      // 30s
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("flowdb: pragma %q: %w", p, err)
		}
	}

	fdb := &DB{db: db, bodyDir: bodyDir}
	if err := fdb.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("flowdb: migrate: %w", err)
	}

	slog.Info("flow database initialized", "path", path, "body_dir", bodyDir)
	return fdb, nil
}

func (d *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		flow_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS flow_indices (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		method TEXT,
		url TEXT NOT NULL,
		host TEXT,
		status_code INTEGER,
		is_websocket INTEGER NOT NULL DEFAULT 0,
		client_addr TEXT,
		server_addr TEXT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		matched_rules TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_flow_indices_session ON flow_indices(session_id);
	CREATE INDEX IF NOT EXISTS idx_flow_indices_host ON flow_indices(host);
	CREATE INDEX IF NOT EXISTS idx_flow_indices_started ON flow_indices(started_at);
	CREATE INDEX IF NOT EXISTS idx_flow_indices_status ON flow_indices(status_code);

	CREATE TABLE IF NOT EXISTS flow_details (
		flow_id TEXT PRIMARY KEY REFERENCES flow_indices(id) ON DELETE CASCADE,
		request_headers TEXT,
		response_headers TEXT,
		hits TEXT,
		websocket_frames TEXT,
		error_message TEXT,
		error_type TEXT
	);

	CREATE TABLE IF NOT EXISTS flow_bodies (
		flow_id TEXT NOT NULL REFERENCES flow_indices(id) ON DELETE CASCADE,
		kind TEXT NOT NULL, -- 'request' or 'response'
		tier TEXT NOT NULL,
		content BLOB,
		file_path TEXT,
		original_size INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (flow_id, kind)
	);
	`
	_, err := d.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Stats reports basic counts for health/metrics reporting.
type Stats struct {
	FlowCount    int64     `json:"flow_count"`
	SessionCount int64     `json:"session_count"`
	OldestFlow   time.Time `json:"oldest_flow"`
}

func (d *DB) Stats() (Stats, error) {
	var s Stats
	row := d.db.QueryRow(`SELECT COUNT(*), COALESCE(MIN(started_at), CURRENT_TIMESTAMP) FROM flow_indices`)
	if err := row.Scan(&s.FlowCount, &s.OldestFlow); err != nil {
		return s, err
	}
	row = d.db.QueryRow(`SELECT COUNT(*) FROM sessions`)
	if err := row.Scan(&s.SessionCount); err != nil {
		return s, err
	}
	return s, nil
}
