package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

const (
	// CurrentSchemaVersion tracks the database schema version
	CurrentSchemaVersion = "1.1.0"
)

// Migration represents a database schema migration
type Migration struct {
	Version string
	Up      string
	Down    string
}

// AllMigrations contains all database migrations in order
var AllMigrations = []Migration{
	{
		Version: "1.0.0",
		Up:      migrationV1Up,
		Down:    migrationV1Down,
	},
	{
		Version: "1.1.0",
		Up:      migrationV11Up,
		Down:    migrationV11Down,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS schema_version (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- Source entities
CREATE TABLE IF NOT EXISTS rfqs (
    id TEXT PRIMARY KEY,
    title TEXT,
    status TEXT,
    raw_json TEXT NOT NULL,
    row_hash TEXT NOT NULL,
    last_changed_run_id TEXT,
    ingested_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS products (
    id TEXT PRIMARY KEY,
    rfq_id TEXT NOT NULL,
    name TEXT,
    status TEXT,
    raw_json TEXT NOT NULL,
    row_hash TEXT NOT NULL,
    last_changed_run_id TEXT,
    ingested_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (rfq_id) REFERENCES rfqs(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_products_rfq ON products(rfq_id);

CREATE TABLE IF NOT EXISTS queries (
    id TEXT PRIMARY KEY,
    rfq_id TEXT NOT NULL,
    thread_id TEXT,
    status TEXT,
    raw_json TEXT NOT NULL,
    row_hash TEXT NOT NULL,
    last_changed_run_id TEXT,
    ingested_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (rfq_id) REFERENCES rfqs(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_queries_rfq ON queries(rfq_id);

CREATE TABLE IF NOT EXISTS supplier_shares (
    id TEXT PRIMARY KEY,
    rfq_id TEXT NOT NULL,
    supplier TEXT,
    status TEXT,
    raw_json TEXT NOT NULL,
    row_hash TEXT NOT NULL,
    last_changed_run_id TEXT,
    ingested_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (rfq_id) REFERENCES rfqs(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_shares_rfq ON supplier_shares(rfq_id);

-- Runs and checkpoints
CREATE TABLE IF NOT EXISTS ingest_runs (
    run_id TEXT PRIMARY KEY,
    mode TEXT NOT NULL,
    status TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    error TEXT,
    summary_json TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON ingest_runs(started_at);

CREATE TABLE IF NOT EXISTS ingest_run_tables (
    run_id TEXT NOT NULL,
    table_key TEXT NOT NULL,
    table_name TEXT NOT NULL,
    status TEXT NOT NULL,
    pages INTEGER NOT NULL DEFAULT 0,
    rows_seen INTEGER NOT NULL DEFAULT 0,
    rows_changed INTEGER NOT NULL DEFAULT 0,
    rows_unchanged INTEGER NOT NULL DEFAULT 0,
    rows_skipped INTEGER NOT NULL DEFAULT 0,
    last_token TEXT,
    last_token_kind TEXT,
    error TEXT,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (run_id, table_key),
    FOREIGN KEY (run_id) REFERENCES ingest_runs(run_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS source_cursors (
    table_key TEXT PRIMARY KEY,
    table_name TEXT NOT NULL,
    next_token TEXT,
    token_kind TEXT,
    last_run_id TEXT,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS ingest_run_changed_rfqs (
    run_id TEXT NOT NULL,
    rfq_id TEXT NOT NULL,
    PRIMARY KEY (run_id, rfq_id),
    FOREIGN KEY (run_id) REFERENCES ingest_runs(run_id) ON DELETE CASCADE
);

-- Discovered documents
CREATE TABLE IF NOT EXISTS files (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    rfq_id TEXT NOT NULL,
    product_id TEXT NOT NULL DEFAULT '',
    query_id TEXT NOT NULL DEFAULT '',
    source_kind TEXT NOT NULL,
    root_url TEXT NOT NULL,
    provider TEXT NOT NULL,
    provider_id TEXT NOT NULL,
    is_folder BOOLEAN NOT NULL DEFAULT 0,
    parent_provider_id TEXT,
    path TEXT NOT NULL DEFAULT '',
    name TEXT,
    mime TEXT,
    size_bytes INTEGER,
    modified_at TIMESTAMP,
    checksum TEXT,
    fetch_status TEXT NOT NULL DEFAULT 'PENDING',
    parse_status TEXT NOT NULL DEFAULT 'PENDING',
    error TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (rfq_id) REFERENCES rfqs(id) ON DELETE CASCADE,
    UNIQUE(rfq_id, provider, provider_id, is_folder, path)
);

CREATE INDEX IF NOT EXISTS idx_files_rfq ON files(rfq_id);

-- Indexed chunks
CREATE TABLE IF NOT EXISTS chunks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    rfq_id TEXT NOT NULL,
    doc_type TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    ordinal INTEGER NOT NULL,
    page INTEGER NOT NULL DEFAULT 0,
    product_id TEXT NOT NULL DEFAULT '',
    query_id TEXT NOT NULL DEFAULT '',
    file_id INTEGER,
    title TEXT,
    content TEXT NOT NULL,
    token_count INTEGER NOT NULL,
    vector BLOB NOT NULL,
    dimension INTEGER NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (rfq_id) REFERENCES rfqs(id) ON DELETE CASCADE,
    FOREIGN KEY (file_id) REFERENCES files(id) ON DELETE CASCADE,
    UNIQUE(rfq_id, doc_type, content_hash)
);

CREATE INDEX IF NOT EXISTS idx_chunks_rfq_type ON chunks(rfq_id, doc_type);
`

const migrationV1Down = `
DROP TABLE IF EXISTS chunks;
DROP TABLE IF EXISTS files;
DROP TABLE IF EXISTS ingest_run_changed_rfqs;
DROP TABLE IF EXISTS source_cursors;
DROP TABLE IF EXISTS ingest_run_tables;
DROP TABLE IF EXISTS ingest_runs;
DROP TABLE IF EXISTS supplier_shares;
DROP TABLE IF EXISTS queries;
DROP TABLE IF EXISTS products;
DROP TABLE IF EXISTS rfqs;
DROP TABLE IF EXISTS schema_version;
`

// Embeddings are keyed by content hash so that an interrupted run can reuse
// vectors of batches that already succeeded.
const migrationV11Up = `
CREATE TABLE IF NOT EXISTS embeddings (
    content_hash TEXT PRIMARY KEY,
    vector BLOB NOT NULL,
    dimension INTEGER NOT NULL,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_embeddings_model ON embeddings(provider, model);
`

const migrationV11Down = `
DROP TABLE IF EXISTS embeddings;
`

// ApplyMigrations runs all pending migrations
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	currentVersion, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, migration := range AllMigrations {
		migrationVersion, err := semver.NewVersion(migration.Version)
		if err != nil {
			return fmt.Errorf("invalid migration version %s: %w", migration.Version, err)
		}
		if !currentVersion.LessThan(migrationVersion) {
			continue
		}

		if _, err := db.ExecContext(ctx, migration.Up); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}
		if _, err := db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", migration.Version); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", migration.Version, err)
		}
		currentVersion = migrationVersion
	}

	return nil
}

// SchemaVersion returns the most recently applied migration version
func SchemaVersion(ctx context.Context, db *sql.DB) (string, error) {
	v, err := schemaVersion(ctx, db)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

// schemaVersion defaults to 0.0.0 when nothing has been applied yet
func schemaVersion(ctx context.Context, db *sql.DB) (*semver.Version, error) {
	var tableName string
	err := db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err == sql.ErrNoRows {
		return semver.MustParse("0.0.0"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check schema_version table: %w", err)
	}

	// Versions are compared semantically; applied_at has one-second resolution
	// and cannot order migrations applied in the same run.
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_version")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_version: %w", err)
	}
	defer func() { _ = rows.Close() }()

	current := semver.MustParse("0.0.0")
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan schema_version: %w", err)
		}
		v, err := semver.NewVersion(s)
		if err != nil {
			return nil, fmt.Errorf("invalid schema version %s: %w", s, err)
		}
		if v.GreaterThan(current) {
			current = v
		}
	}
	return current, rows.Err()
}

// RollbackMigration rolls back the most recent migration
func RollbackMigration(ctx context.Context, db *sql.DB) error {
	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if current.Equal(semver.MustParse("0.0.0")) {
		return fmt.Errorf("no migrations to rollback")
	}

	var migration *Migration
	for i := range AllMigrations {
		v, err := semver.NewVersion(AllMigrations[i].Version)
		if err == nil && v.Equal(current) {
			migration = &AllMigrations[i]
			break
		}
	}
	if migration == nil {
		return fmt.Errorf("migration %s not found", current)
	}

	if _, err := db.ExecContext(ctx, migration.Down); err != nil {
		return fmt.Errorf("failed to rollback migration %s: %w", migration.Version, err)
	}

	// The first migration drops schema_version itself
	if _, err := db.ExecContext(ctx, "DELETE FROM schema_version WHERE version = ?", migration.Version); err != nil && migration.Version != AllMigrations[0].Version {
		return fmt.Errorf("failed to remove migration record %s: %w", migration.Version, err)
	}

	return nil
}
