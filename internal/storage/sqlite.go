package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/rfqindex/pkg/types"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when trying to create a duplicate entity
	ErrAlreadyExists = errors.New("already exists")
	// ErrRunTerminal is returned when finishing a run that already finished
	ErrRunTerminal = errors.New("run already finished")
	// ErrUnknownKind is returned for an entity kind without a table
	ErrUnknownKind = errors.New("unknown entity kind")
)

// maxInParams bounds the placeholders of a single IN (...) list
const maxInParams = 500

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Single writer; transactions queue on the one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// DB exposes the underlying handle for maintenance commands
func (s *SQLiteStorage) DB() *sql.DB {
	return s.db
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *SQLiteStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx, storage: s}, nil
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// sqliteTx wraps a SQL transaction
type sqliteTx struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

func (t *sqliteTx) querier() querier {
	return t.tx
}

func (s *SQLiteStorage) querier() querier {
	return s.db
}

// Entity operations

type entityTable struct {
	name     string
	labelCol string
	hasOwner bool
}

var entityTables = map[EntityKind]entityTable{
	KindRFQ:     {name: "rfqs", labelCol: "title"},
	KindProduct: {name: "products", labelCol: "name", hasOwner: true},
	KindQuery:   {name: "queries", labelCol: "thread_id", hasOwner: true},
	KindShare:   {name: "supplier_shares", labelCol: "supplier", hasOwner: true},
}

func tableFor(kind EntityKind) (entityTable, error) {
	t, ok := entityTables[kind]
	if !ok {
		return entityTable{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return t, nil
}

// ownerExpr selects the parent RFQ id; RFQ rows own themselves
func (t entityTable) ownerExpr() string {
	if t.hasOwner {
		return "rfq_id"
	}
	return "id"
}

func (s *SQLiteStorage) getEntityStateWithQuerier(ctx context.Context, q querier, kind EntityKind, id string) (*EntityState, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id, %s, row_hash, COALESCE(last_changed_run_id, '') FROM %s WHERE id = ?`, t.ownerExpr(), t.name)

	var st EntityState
	err = q.QueryRowContext(ctx, query, id).Scan(&st.ID, &st.RFQID, &st.RowHash, &st.LastChangedRunID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s state: %w", kind, err)
	}
	return &st, nil
}

func (s *SQLiteStorage) GetEntityState(ctx context.Context, kind EntityKind, id string) (*EntityState, error) {
	return s.getEntityStateWithQuerier(ctx, s.querier(), kind, id)
}

func (s *SQLiteStorage) upsertEntityWithQuerier(ctx context.Context, q querier, e *Entity) error {
	t, err := tableFor(e.Kind)
	if err != nil {
		return err
	}
	if e.ID == "" {
		return fmt.Errorf("%s id is required", e.Kind)
	}
	if e.Kind == KindRFQ {
		e.RFQID = e.ID
	}
	if e.RFQID == "" {
		return fmt.Errorf("%s %s has no rfq id", e.Kind, e.ID)
	}

	now := time.Now().UTC()
	var query string
	var args []interface{}
	if t.hasOwner {
		query = fmt.Sprintf(`
			INSERT INTO %[1]s (id, rfq_id, %[2]s, status, raw_json, row_hash, last_changed_run_id, ingested_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				rfq_id = excluded.rfq_id,
				%[2]s = excluded.%[2]s,
				status = excluded.status,
				raw_json = excluded.raw_json,
				row_hash = excluded.row_hash,
				last_changed_run_id = excluded.last_changed_run_id,
				ingested_at = excluded.ingested_at
		`, t.name, t.labelCol)
		args = []interface{}{e.ID, e.RFQID, e.Label, e.Status, string(e.RawJSON), e.RowHash, e.LastChangedRunID, now}
	} else {
		query = fmt.Sprintf(`
			INSERT INTO %[1]s (id, %[2]s, status, raw_json, row_hash, last_changed_run_id, ingested_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				%[2]s = excluded.%[2]s,
				status = excluded.status,
				raw_json = excluded.raw_json,
				row_hash = excluded.row_hash,
				last_changed_run_id = excluded.last_changed_run_id,
				ingested_at = excluded.ingested_at
		`, t.name, t.labelCol)
		args = []interface{}{e.ID, e.Label, e.Status, string(e.RawJSON), e.RowHash, e.LastChangedRunID, now}
	}

	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", e.Kind, e.ID, err)
	}
	e.IngestedAt = now
	return nil
}

func (s *SQLiteStorage) UpsertEntity(ctx context.Context, entity *Entity) error {
	return s.upsertEntityWithQuerier(ctx, s.querier(), entity)
}

func (s *SQLiteStorage) existingRFQIDsWithQuerier(ctx context.Context, q querier, ids []string) (map[string]bool, error) {
	found := make(map[string]bool, len(ids))
	for start := 0; start < len(ids); start += maxInParams {
		end := min(start+maxInParams, len(ids))
		batch := ids[start:end]

		query := `SELECT id FROM rfqs WHERE id IN (` + placeholders(len(batch)) + `)`
		rows, err := q.QueryContext(ctx, query, stringArgs(batch)...)
		if err != nil {
			return nil, fmt.Errorf("failed to look up rfqs: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return nil, err
			}
			found[id] = true
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return found, nil
}

func (s *SQLiteStorage) ExistingRFQIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	return s.existingRFQIDsWithQuerier(ctx, s.querier(), ids)
}

func (s *SQLiteStorage) listEntitiesWithQuerier(ctx context.Context, q querier, kind EntityKind, rfqID string) ([]*Entity, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT id, %[1]s, COALESCE(%[2]s, ''), COALESCE(status, ''), raw_json, row_hash,
		       COALESCE(last_changed_run_id, ''), ingested_at
		FROM %[3]s
		WHERE %[1]s = ?
		ORDER BY id
	`, t.ownerExpr(), t.labelCol, t.name)

	rows, err := q.QueryContext(ctx, query, rfqID)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s rows: %w", kind, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Entity
	for rows.Next() {
		e := &Entity{Kind: kind}
		var raw string
		if err := rows.Scan(&e.ID, &e.RFQID, &e.Label, &e.Status, &raw, &e.RowHash,
			&e.LastChangedRunID, &e.IngestedAt); err != nil {
			return nil, err
		}
		e.RawJSON = []byte(raw)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) loadEntityBundleWithQuerier(ctx context.Context, q querier, rfqID string) (*EntityBundle, error) {
	rfqs, err := s.listEntitiesWithQuerier(ctx, q, KindRFQ, rfqID)
	if err != nil {
		return nil, err
	}
	if len(rfqs) == 0 {
		return nil, ErrNotFound
	}

	bundle := &EntityBundle{RFQ: rfqs[0]}
	if bundle.Products, err = s.listEntitiesWithQuerier(ctx, q, KindProduct, rfqID); err != nil {
		return nil, err
	}
	if bundle.Queries, err = s.listEntitiesWithQuerier(ctx, q, KindQuery, rfqID); err != nil {
		return nil, err
	}
	if bundle.Shares, err = s.listEntitiesWithQuerier(ctx, q, KindShare, rfqID); err != nil {
		return nil, err
	}
	return bundle, nil
}

func (s *SQLiteStorage) LoadEntityBundle(ctx context.Context, rfqID string) (*EntityBundle, error) {
	return s.loadEntityBundleWithQuerier(ctx, s.querier(), rfqID)
}

// deleteRFQWithQuerier removes an RFQ; children, files and chunks cascade
func (s *SQLiteStorage) deleteRFQWithQuerier(ctx context.Context, q querier, rfqID string) error {
	res, err := q.ExecContext(ctx, "DELETE FROM rfqs WHERE id = ?", rfqID)
	if err != nil {
		return fmt.Errorf("failed to delete rfq %s: %w", rfqID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage) DeleteRFQ(ctx context.Context, rfqID string) error {
	return s.deleteRFQWithQuerier(ctx, s.querier(), rfqID)
}

// Changed-entity operations

func (s *SQLiteStorage) markRFQChangedWithQuerier(ctx context.Context, q querier, runID, rfqID string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO ingest_run_changed_rfqs (run_id, rfq_id) VALUES (?, ?)
		ON CONFLICT(run_id, rfq_id) DO NOTHING
	`, runID, rfqID)
	if err != nil {
		return fmt.Errorf("failed to mark rfq %s changed: %w", rfqID, err)
	}
	return nil
}

func (s *SQLiteStorage) MarkRFQChanged(ctx context.Context, runID, rfqID string) error {
	return s.markRFQChangedWithQuerier(ctx, s.querier(), runID, rfqID)
}

// listChangedRFQsWithQuerier pages the changed set in ascending id order
// starting strictly after the given id.
func (s *SQLiteStorage) listChangedRFQsWithQuerier(ctx context.Context, q querier, runID, after string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := q.QueryContext(ctx, `
		SELECT rfq_id FROM ingest_run_changed_rfqs
		WHERE run_id = ? AND rfq_id > ?
		ORDER BY rfq_id
		LIMIT ?
	`, runID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list changed rfqs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStorage) ListChangedRFQs(ctx context.Context, runID, after string, limit int) ([]string, error) {
	return s.listChangedRFQsWithQuerier(ctx, s.querier(), runID, after, limit)
}

func (s *SQLiteStorage) countChangedRFQsWithQuerier(ctx context.Context, q querier, runID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM ingest_run_changed_rfqs WHERE run_id = ?", runID).Scan(&n)
	return n, err
}

func (s *SQLiteStorage) CountChangedRFQs(ctx context.Context, runID string) (int, error) {
	return s.countChangedRFQsWithQuerier(ctx, s.querier(), runID)
}

// Cursor operations

func (s *SQLiteStorage) getCursorWithQuerier(ctx context.Context, q querier, tableKey string) (*Cursor, error) {
	var c Cursor
	err := q.QueryRowContext(ctx, `
		SELECT table_key, table_name, COALESCE(next_token, ''), COALESCE(token_kind, ''),
		       COALESCE(last_run_id, ''), updated_at
		FROM source_cursors
		WHERE table_key = ?
	`, tableKey).Scan(&c.TableKey, &c.TableName, &c.NextToken, &c.TokenKind, &c.LastRunID, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor %s: %w", tableKey, err)
	}
	return &c, nil
}

func (s *SQLiteStorage) GetCursor(ctx context.Context, tableKey string) (*Cursor, error) {
	return s.getCursorWithQuerier(ctx, s.querier(), tableKey)
}

func (s *SQLiteStorage) saveCursorWithQuerier(ctx context.Context, q querier, c *Cursor) error {
	now := time.Now().UTC()
	_, err := q.ExecContext(ctx, `
		INSERT INTO source_cursors (table_key, table_name, next_token, token_kind, last_run_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(table_key) DO UPDATE SET
			table_name = excluded.table_name,
			next_token = excluded.next_token,
			token_kind = excluded.token_kind,
			last_run_id = excluded.last_run_id,
			updated_at = excluded.updated_at
	`, c.TableKey, c.TableName, c.NextToken, c.TokenKind, c.LastRunID, now)
	if err != nil {
		return fmt.Errorf("failed to save cursor %s: %w", c.TableKey, err)
	}
	c.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) SaveCursor(ctx context.Context, cursor *Cursor) error {
	return s.saveCursorWithQuerier(ctx, s.querier(), cursor)
}

// Run operations

func (s *SQLiteStorage) createRunWithQuerier(ctx context.Context, q querier, run *Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = types.StatusRunning
	}
	if len(run.Summary) == 0 {
		run.Summary = []byte("{}")
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO ingest_runs (run_id, mode, status, started_at, summary_json)
		VALUES (?, ?, ?, ?, ?)
	`, run.ID, string(run.Mode), string(run.Status), run.StartedAt, string(run.Summary))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) CreateRun(ctx context.Context, run *Run) error {
	return s.createRunWithQuerier(ctx, s.querier(), run)
}

const runColumns = `run_id, mode, status, started_at, finished_at, error, summary_json`

func scanRun(scan func(dest ...interface{}) error) (*Run, error) {
	var r Run
	var mode, status, summary string
	var finished sql.NullTime
	var errMsg sql.NullString
	if err := scan(&r.ID, &mode, &status, &r.StartedAt, &finished, &errMsg, &summary); err != nil {
		return nil, err
	}
	r.Mode = types.RunMode(mode)
	r.Status = types.Status(status)
	r.Summary = []byte(summary)
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	if errMsg.Valid {
		e := errMsg.String
		r.Error = &e
	}
	return &r, nil
}

func (s *SQLiteStorage) getRunWithQuerier(ctx context.Context, q querier, runID string) (*Run, error) {
	row := q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM ingest_runs WHERE run_id = ?`, runID)
	r, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	return r, nil
}

func (s *SQLiteStorage) GetRun(ctx context.Context, runID string) (*Run, error) {
	return s.getRunWithQuerier(ctx, s.querier(), runID)
}

func (s *SQLiteStorage) listRunsWithQuerier(ctx context.Context, q querier, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := q.QueryContext(ctx, `
		SELECT `+runColumns+` FROM ingest_runs
		ORDER BY started_at DESC, run_id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *SQLiteStorage) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	return s.listRunsWithQuerier(ctx, s.querier(), limit)
}

// finishRunWithQuerier moves a RUNNING run to a terminal status. A nil
// summary keeps the stored one.
func (s *SQLiteStorage) finishRunWithQuerier(ctx context.Context, q querier, runID string, status types.Status, errMsg *string, summary []byte) error {
	if !status.Terminal() {
		return fmt.Errorf("cannot finish run with status %s", status)
	}
	var summaryArg interface{}
	if summary != nil {
		summaryArg = string(summary)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE ingest_runs
		SET status = ?, finished_at = ?, error = ?, summary_json = COALESCE(?, summary_json)
		WHERE run_id = ? AND status = ?
	`, string(status), time.Now().UTC(), errMsg, summaryArg, runID, string(types.StatusRunning))
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.getRunWithQuerier(ctx, q, runID); err != nil {
			return err
		}
		return ErrRunTerminal
	}
	return nil
}

func (s *SQLiteStorage) FinishRun(ctx context.Context, runID string, status types.Status, errMsg *string, summary []byte) error {
	return s.finishRunWithQuerier(ctx, s.querier(), runID, status, errMsg, summary)
}

func (s *SQLiteStorage) setRunSummaryWithQuerier(ctx context.Context, q querier, runID string, summary []byte) error {
	if !json.Valid(summary) {
		return fmt.Errorf("run summary is not valid JSON")
	}
	res, err := q.ExecContext(ctx, "UPDATE ingest_runs SET summary_json = ? WHERE run_id = ?", string(summary), runID)
	if err != nil {
		return fmt.Errorf("failed to update run summary: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage) SetRunSummary(ctx context.Context, runID string, summary []byte) error {
	return s.setRunSummaryWithQuerier(ctx, s.querier(), runID, summary)
}

func (s *SQLiteStorage) upsertRunTableWithQuerier(ctx context.Context, q querier, rt *RunTable) error {
	now := time.Now().UTC()
	_, err := q.ExecContext(ctx, `
		INSERT INTO ingest_run_tables (
			run_id, table_key, table_name, status, pages, rows_seen, rows_changed,
			rows_unchanged, rows_skipped, last_token, last_token_kind, error, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, table_key) DO UPDATE SET
			table_name = excluded.table_name,
			status = excluded.status,
			pages = excluded.pages,
			rows_seen = excluded.rows_seen,
			rows_changed = excluded.rows_changed,
			rows_unchanged = excluded.rows_unchanged,
			rows_skipped = excluded.rows_skipped,
			last_token = excluded.last_token,
			last_token_kind = excluded.last_token_kind,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, rt.RunID, rt.TableKey, rt.TableName, string(rt.Status), rt.Pages, rt.RowsSeen, rt.RowsChanged,
		rt.RowsUnchanged, rt.RowsSkipped, rt.LastToken, rt.LastTokenKind, rt.Error, now)
	if err != nil {
		return fmt.Errorf("failed to upsert run table %s: %w", rt.TableKey, err)
	}
	rt.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) UpsertRunTable(ctx context.Context, table *RunTable) error {
	return s.upsertRunTableWithQuerier(ctx, s.querier(), table)
}

func (s *SQLiteStorage) listRunTablesWithQuerier(ctx context.Context, q querier, runID string) ([]*RunTable, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT run_id, table_key, table_name, status, pages, rows_seen, rows_changed,
		       rows_unchanged, rows_skipped, COALESCE(last_token, ''), COALESCE(last_token_kind, ''),
		       error, updated_at
		FROM ingest_run_tables
		WHERE run_id = ?
		ORDER BY table_key
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*RunTable
	for rows.Next() {
		var rt RunTable
		var status string
		var errMsg sql.NullString
		if err := rows.Scan(&rt.RunID, &rt.TableKey, &rt.TableName, &status, &rt.Pages, &rt.RowsSeen,
			&rt.RowsChanged, &rt.RowsUnchanged, &rt.RowsSkipped, &rt.LastToken, &rt.LastTokenKind,
			&errMsg, &rt.UpdatedAt); err != nil {
			return nil, err
		}
		rt.Status = types.Status(status)
		if errMsg.Valid {
			e := errMsg.String
			rt.Error = &e
		}
		out = append(out, &rt)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) ListRunTables(ctx context.Context, runID string) ([]*RunTable, error) {
	return s.listRunTablesWithQuerier(ctx, s.querier(), runID)
}

// Status operations

func (s *SQLiteStorage) getStatusWithQuerier(ctx context.Context, q querier) (*IndexStatus, error) {
	status := &IndexStatus{}
	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM rfqs", &status.RFQs},
		{"SELECT COUNT(*) FROM products", &status.Products},
		{"SELECT COUNT(*) FROM queries", &status.Queries},
		{"SELECT COUNT(*) FROM supplier_shares", &status.Shares},
		{"SELECT COUNT(*) FROM files", &status.Files},
		{"SELECT COUNT(*) FROM files WHERE fetch_status = 'FAILED' OR parse_status = 'FAILED'", &status.FilesFailed},
		{"SELECT COUNT(*) FROM chunks", &status.Chunks},
		{"SELECT COUNT(*) FROM embeddings", &status.Embeddings},
	}
	for _, c := range counts {
		if err := q.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to collect status: %w", err)
		}
	}

	runs, err := s.listRunsWithQuerier(ctx, q, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) > 0 {
		status.LastRun = runs[0]
	}
	return status, nil
}

func (s *SQLiteStorage) GetStatus(ctx context.Context) (*IndexStatus, error) {
	return s.getStatusWithQuerier(ctx, s.querier())
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

// isUniqueViolation matches the constraint message of both drivers
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Transaction implementations delegate to the querier helpers

func (t *sqliteTx) GetEntityState(ctx context.Context, kind EntityKind, id string) (*EntityState, error) {
	return t.storage.getEntityStateWithQuerier(ctx, t.querier(), kind, id)
}

func (t *sqliteTx) UpsertEntity(ctx context.Context, entity *Entity) error {
	return t.storage.upsertEntityWithQuerier(ctx, t.querier(), entity)
}

func (t *sqliteTx) ExistingRFQIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	return t.storage.existingRFQIDsWithQuerier(ctx, t.querier(), ids)
}

func (t *sqliteTx) LoadEntityBundle(ctx context.Context, rfqID string) (*EntityBundle, error) {
	return t.storage.loadEntityBundleWithQuerier(ctx, t.querier(), rfqID)
}

func (t *sqliteTx) DeleteRFQ(ctx context.Context, rfqID string) error {
	return t.storage.deleteRFQWithQuerier(ctx, t.querier(), rfqID)
}

func (t *sqliteTx) MarkRFQChanged(ctx context.Context, runID, rfqID string) error {
	return t.storage.markRFQChangedWithQuerier(ctx, t.querier(), runID, rfqID)
}

func (t *sqliteTx) ListChangedRFQs(ctx context.Context, runID, after string, limit int) ([]string, error) {
	return t.storage.listChangedRFQsWithQuerier(ctx, t.querier(), runID, after, limit)
}

func (t *sqliteTx) CountChangedRFQs(ctx context.Context, runID string) (int, error) {
	return t.storage.countChangedRFQsWithQuerier(ctx, t.querier(), runID)
}

func (t *sqliteTx) GetCursor(ctx context.Context, tableKey string) (*Cursor, error) {
	return t.storage.getCursorWithQuerier(ctx, t.querier(), tableKey)
}

func (t *sqliteTx) SaveCursor(ctx context.Context, cursor *Cursor) error {
	return t.storage.saveCursorWithQuerier(ctx, t.querier(), cursor)
}

func (t *sqliteTx) CreateRun(ctx context.Context, run *Run) error {
	return t.storage.createRunWithQuerier(ctx, t.querier(), run)
}

func (t *sqliteTx) GetRun(ctx context.Context, runID string) (*Run, error) {
	return t.storage.getRunWithQuerier(ctx, t.querier(), runID)
}

func (t *sqliteTx) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	return t.storage.listRunsWithQuerier(ctx, t.querier(), limit)
}

func (t *sqliteTx) FinishRun(ctx context.Context, runID string, status types.Status, errMsg *string, summary []byte) error {
	return t.storage.finishRunWithQuerier(ctx, t.querier(), runID, status, errMsg, summary)
}

func (t *sqliteTx) SetRunSummary(ctx context.Context, runID string, summary []byte) error {
	return t.storage.setRunSummaryWithQuerier(ctx, t.querier(), runID, summary)
}

func (t *sqliteTx) UpsertRunTable(ctx context.Context, table *RunTable) error {
	return t.storage.upsertRunTableWithQuerier(ctx, t.querier(), table)
}

func (t *sqliteTx) ListRunTables(ctx context.Context, runID string) ([]*RunTable, error) {
	return t.storage.listRunTablesWithQuerier(ctx, t.querier(), runID)
}

func (t *sqliteTx) UpsertFile(ctx context.Context, file *File) error {
	return t.storage.upsertFileWithQuerier(ctx, t.querier(), file)
}

func (t *sqliteTx) GetFileByID(ctx context.Context, fileID int64) (*File, error) {
	return t.storage.getFileByIDWithQuerier(ctx, t.querier(), fileID)
}

func (t *sqliteTx) ListFilesByRFQ(ctx context.Context, rfqID string) ([]*File, error) {
	return t.storage.listFilesByRFQWithQuerier(ctx, t.querier(), rfqID)
}

func (t *sqliteTx) UpdateFileStatus(ctx context.Context, update FileStatusUpdate) error {
	return t.storage.updateFileStatusWithQuerier(ctx, t.querier(), update)
}

func (t *sqliteTx) GetEmbeddings(ctx context.Context, hashes []string) (map[string][]float32, error) {
	return t.storage.getEmbeddingsWithQuerier(ctx, t.querier(), hashes)
}

func (t *sqliteTx) PutEmbedding(ctx context.Context, embedding *Embedding) error {
	return t.storage.putEmbeddingWithQuerier(ctx, t.querier(), embedding)
}

func (t *sqliteTx) InsertChunk(ctx context.Context, chunk *types.Chunk) (bool, error) {
	return t.storage.insertChunkWithQuerier(ctx, t.querier(), chunk)
}

func (t *sqliteTx) ListChunkHashes(ctx context.Context, rfqID string, docType types.DocType) ([]string, error) {
	return t.storage.listChunkHashesWithQuerier(ctx, t.querier(), rfqID, docType)
}

func (t *sqliteTx) DeleteChunksByHash(ctx context.Context, rfqID string, docType types.DocType, hashes []string) (int, error) {
	return t.storage.deleteChunksByHashWithQuerier(ctx, t.querier(), rfqID, docType, hashes)
}

func (t *sqliteTx) ListChunks(ctx context.Context, rfqID string) ([]*StoredChunk, error) {
	return t.storage.listChunksWithQuerier(ctx, t.querier(), rfqID)
}

func (t *sqliteTx) CountChunks(ctx context.Context, rfqID string) (int, error) {
	return t.storage.countChunksWithQuerier(ctx, t.querier(), rfqID)
}

func (t *sqliteTx) GetStatus(ctx context.Context) (*IndexStatus, error) {
	return t.storage.getStatusWithQuerier(ctx, t.querier())
}

// Close is a no-op for transactions; use Commit or Rollback
func (t *sqliteTx) Close() error {
	return nil
}

// BeginTx is not supported for nested transactions
func (t *sqliteTx) BeginTx(ctx context.Context) (Tx, error) {
	return nil, errors.New("nested transactions not supported")
}
