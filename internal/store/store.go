// Package store implements the persistence layer over SQLite. Every query
// is scoped by organization id; repositories never return rows across
// tenants. Multi-statement writes that must be visible atomically run inside
// a single transaction.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database and exposes the entity repositories.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the database under dataDir and applies the schema.
func Open(dataDir string) (*Store, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "skylight.db")

	// Pragmas go in the DSN so every pooled connection is configured.
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
			"cache_size(-64000)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("dbPath", dbPath).Msg("Store opened")
	return s, nil
}

// OpenInMemory opens an isolated in-memory database, used by tests.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS organizations (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	tier       TEXT NOT NULL DEFAULT 'standard',
	settings   TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS connections (
	id               TEXT PRIMARY KEY,
	organization_id  TEXT NOT NULL REFERENCES organizations(id),
	platform         TEXT NOT NULL,
	platform_user_id TEXT NOT NULL,
	workspace_name   TEXT NOT NULL DEFAULT '',
	workspace_id     TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	scopes           TEXT NOT NULL DEFAULT '[]',
	health           TEXT NOT NULL DEFAULT '{}',
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	last_discovery   INTEGER,
	UNIQUE (organization_id, platform, platform_user_id)
);
CREATE INDEX IF NOT EXISTS idx_connections_org ON connections(organization_id);

CREATE TABLE IF NOT EXISTS credentials (
	connection_id TEXT PRIMARY KEY REFERENCES connections(id),
	ciphertext    BLOB NOT NULL,
	key_version   INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS discovery_runs (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	connection_id   TEXT NOT NULL REFERENCES connections(id),
	status          TEXT NOT NULL,
	progress        INTEGER NOT NULL DEFAULT 0,
	warnings        TEXT NOT NULL DEFAULT '[]',
	started_at      INTEGER NOT NULL,
	completed_at    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_runs_org ON discovery_runs(organization_id);
CREATE INDEX IF NOT EXISTS idx_runs_connection ON discovery_runs(connection_id, started_at DESC);

CREATE TABLE IF NOT EXISTS automations (
	id                  TEXT PRIMARY KEY,
	organization_id     TEXT NOT NULL,
	connection_id       TEXT NOT NULL REFERENCES connections(id),
	discovery_run_id    TEXT NOT NULL,
	external_id         TEXT NOT NULL,
	type                TEXT NOT NULL,
	name                TEXT NOT NULL,
	platform            TEXT NOT NULL,
	permissions         TEXT NOT NULL DEFAULT '[]',
	platform_metadata   TEXT,
	vendor_name         TEXT,
	vendor_group        TEXT,
	vendor_overridden   INTEGER NOT NULL DEFAULT 0,
	owner_user_id       TEXT NOT NULL DEFAULT '',
	is_active           INTEGER NOT NULL DEFAULT 1,
	first_discovered_at INTEGER NOT NULL,
	last_seen_at        INTEGER NOT NULL,
	UNIQUE (connection_id, external_id)
);
CREATE INDEX IF NOT EXISTS idx_automations_org ON automations(organization_id);
CREATE INDEX IF NOT EXISTS idx_automations_vendor ON automations(platform, vendor_name);
CREATE INDEX IF NOT EXISTS idx_automations_org_first ON automations(organization_id, first_discovered_at);

CREATE TABLE IF NOT EXISTS detection_patterns (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	automation_id   TEXT NOT NULL REFERENCES automations(id),
	run_id          TEXT NOT NULL DEFAULT '',
	pattern_type    TEXT NOT NULL,
	confidence      REAL NOT NULL,
	severity        TEXT NOT NULL,
	evidence        TEXT,
	detected_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_patterns_org ON detection_patterns(organization_id);
CREATE INDEX IF NOT EXISTS idx_patterns_automation ON detection_patterns(automation_id, detected_at DESC);

CREATE TABLE IF NOT EXISTS risk_assessments (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	automation_id   TEXT NOT NULL REFERENCES automations(id),
	level           TEXT NOT NULL,
	score           REAL NOT NULL,
	sub_scores      TEXT NOT NULL DEFAULT '{}',
	assessed_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_risks_org ON risk_assessments(organization_id);
CREATE INDEX IF NOT EXISTS idx_risks_automation ON risk_assessments(automation_id, assessed_at DESC);

CREATE TABLE IF NOT EXISTS feedback (
	id                 TEXT PRIMARY KEY,
	organization_id    TEXT NOT NULL,
	automation_id      TEXT NOT NULL REFERENCES automations(id),
	user_id            TEXT NOT NULL,
	feedback_type      TEXT NOT NULL,
	pattern_type       TEXT NOT NULL DEFAULT '',
	detection_snapshot TEXT,
	correction         TEXT NOT NULL DEFAULT '',
	features           TEXT,
	status             TEXT NOT NULL DEFAULT 'new',
	created_at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_org ON feedback(organization_id);

CREATE TABLE IF NOT EXISTS baselines (
	organization_id TEXT PRIMARY KEY,
	payload         TEXT NOT NULL,
	sample_size     INTEGER NOT NULL,
	confidence      REAL NOT NULL,
	status          TEXT NOT NULL,
	last_updated    INTEGER NOT NULL,
	next_update_due INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS detector_thresholds (
	organization_id TEXT PRIMARY KEY,
	payload         TEXT NOT NULL,
	updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS correlation_chains (
	id               TEXT PRIMARY KEY,
	organization_id  TEXT NOT NULL,
	correlation_type TEXT NOT NULL,
	supporting_types TEXT NOT NULL DEFAULT '[]',
	confidence       REAL NOT NULL,
	cross_platform   INTEGER NOT NULL DEFAULT 0,
	description      TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chains_org ON correlation_chains(organization_id);

CREATE TABLE IF NOT EXISTS chain_members (
	chain_id      TEXT NOT NULL REFERENCES correlation_chains(id) ON DELETE CASCADE,
	automation_id TEXT NOT NULL,
	PRIMARY KEY (chain_id, automation_id)
);
CREATE INDEX IF NOT EXISTS idx_chain_members_automation ON chain_members(automation_id);

CREATE TABLE IF NOT EXISTS activity_events (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	organization_id TEXT NOT NULL,
	automation_id   TEXT NOT NULL,
	actor_id        TEXT NOT NULL DEFAULT '',
	operation       TEXT NOT NULL,
	target_class    TEXT NOT NULL DEFAULT '',
	bytes_read      INTEGER NOT NULL DEFAULT 0,
	records         INTEGER NOT NULL DEFAULT 0,
	ts              INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_automation ON activity_events(automation_id, ts);
CREATE INDEX IF NOT EXISTS idx_events_org ON activity_events(organization_id, ts);

CREATE TABLE IF NOT EXISTS audit_log (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	severity        TEXT NOT NULL,
	actor           TEXT NOT NULL DEFAULT '',
	resource        TEXT NOT NULL DEFAULT '',
	details         TEXT,
	timestamp       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_org ON audit_log(organization_id, timestamp);
`
	_, err := s.db.Exec(schema)
	return err
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error().Err(rbErr).Msg("Transaction rollback failed")
		}
		return err
	}
	return tx.Commit()
}

// marshalJSON serializes v for a TEXT column, defaulting to the given empty
// literal on nil.
func marshalJSON(v any, empty string) string {
	if v == nil {
		return empty
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal JSON column")
		return empty
	}
	return string(data)
}

// unixOrNil converts an optional time to a nullable unix timestamp.
func unixOrNil(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Unix()
}

// timePtr converts a nullable unix timestamp back to *time.Time.
func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
