// Package runs tracks the lifecycle of ingestion runs and the progress of
// each source table within a run.
package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dshills/rfqindex/internal/contracts"
	"github.com/dshills/rfqindex/internal/storage"
	"github.com/dshills/rfqindex/pkg/types"
)

// CancelReason is recorded on runs stopped by an operator
const CancelReason = "cancelled by operator"

// maxErrorLen bounds error text on run and table records
const maxErrorLen = 2000

var (
	// ErrRunTerminal is returned for transitions out of SUCCESS or FAILED
	ErrRunTerminal = storage.ErrRunTerminal
	// ErrCancelled is returned by workers that observe an operator cancel
	ErrCancelled = errors.New("run cancelled")
)

// Tracker records runs and per-table progress
type Tracker struct {
	store  storage.Storage
	logger *slog.Logger
}

// NewTracker creates a tracker over store
func NewTracker(store storage.Storage, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Tracker{store: store, logger: logger.With("component", "runs")}
}

// Start creates a RUNNING run with a fresh id
func (t *Tracker) Start(ctx context.Context, mode types.RunMode) (*storage.Run, error) {
	if _, err := types.ParseRunMode(string(mode)); err != nil {
		return nil, err
	}
	run := &storage.Run{
		ID:     uuid.NewString(),
		Mode:   mode,
		Status: types.StatusRunning,
	}
	if err := t.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	t.logger.Info("run started", "run_id", run.ID, "mode", mode)
	return run, nil
}

// NewTable returns the initial RUNNING progress of a table
func NewTable(runID string, table contracts.Table) *storage.RunTable {
	return &storage.RunTable{
		RunID:     runID,
		TableKey:  table.Key,
		TableName: table.TableName,
		Status:    types.StatusRunning,
	}
}

// SaveTable persists table progress through store, which may be a transaction
func SaveTable(ctx context.Context, store storage.Storage, progress *storage.RunTable) error {
	if progress.Error != nil {
		e := storage.Truncate(*progress.Error, maxErrorLen)
		progress.Error = &e
	}
	return store.UpsertRunTable(ctx, progress)
}

// FailTable marks progress FAILED with err
func FailTable(progress *storage.RunTable, err error) {
	msg := storage.Truncate(err.Error(), maxErrorLen)
	progress.Status = types.StatusFailed
	progress.Error = &msg
}

// Finish moves the run to status, writing the final progress of every
// table, the merged summary and the run status in one transaction.
func (t *Tracker) Finish(ctx context.Context, runID string, status types.Status, runErr error, tables []*storage.RunTable, summary map[string]any) error {
	tx, err := t.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin finish: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	run, err := tx.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return ErrRunTerminal
	}

	for _, p := range tables {
		if err := SaveTable(ctx, tx, p); err != nil {
			return err
		}
	}

	merged, err := mergeJSON(run.Summary, summary)
	if err != nil {
		return err
	}

	var errMsg *string
	if runErr != nil {
		e := storage.Truncate(runErr.Error(), maxErrorLen)
		errMsg = &e
	}
	if err := tx.FinishRun(ctx, runID, status, errMsg, merged); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finish: %w", err)
	}

	t.logger.Info("run finished", "run_id", runID, "status", status)
	return nil
}

// Cancel stops a RUNNING run. Workers observe it at their next checkpoint.
func (t *Tracker) Cancel(ctx context.Context, runID string) error {
	reason := CancelReason
	if err := t.store.FinishRun(ctx, runID, types.StatusFailed, &reason, nil); err != nil {
		return err
	}
	t.logger.Warn("run cancelled", "run_id", runID)
	return nil
}

// Active reports whether the run is still RUNNING
func (t *Tracker) Active(ctx context.Context, runID string) (bool, error) {
	run, err := t.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	return run.Status == types.StatusRunning, nil
}

// Checkpoint returns ErrCancelled once the run has left RUNNING
func (t *Tracker) Checkpoint(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	active, err := t.Active(ctx, runID)
	if err != nil {
		return err
	}
	if !active {
		return ErrCancelled
	}
	return nil
}

// MergeSummary merges patch into the run's JSON summary; keys in patch win
func (t *Tracker) MergeSummary(ctx context.Context, runID string, patch map[string]any) error {
	tx, err := t.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	run, err := tx.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	merged, err := mergeJSON(run.Summary, patch)
	if err != nil {
		return err
	}
	if err := tx.SetRunSummary(ctx, runID, merged); err != nil {
		return err
	}
	return tx.Commit()
}

// Get returns one run
func (t *Tracker) Get(ctx context.Context, runID string) (*storage.Run, error) {
	return t.store.GetRun(ctx, runID)
}

// List returns the most recent runs first
func (t *Tracker) List(ctx context.Context, limit int) ([]*storage.Run, error) {
	return t.store.ListRuns(ctx, limit)
}

// Tables returns the per-table progress of a run
func (t *Tracker) Tables(ctx context.Context, runID string) ([]*storage.RunTable, error) {
	return t.store.ListRunTables(ctx, runID)
}

// Summary decodes the run's summary
func Summary(run *storage.Run) (map[string]any, error) {
	out := map[string]any{}
	if len(run.Summary) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(run.Summary, &out); err != nil {
		return nil, fmt.Errorf("decode run summary: %w", err)
	}
	return out, nil
}

func mergeJSON(base []byte, patch map[string]any) ([]byte, error) {
	out := map[string]any{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &out); err != nil {
			return nil, fmt.Errorf("decode run summary: %w", err)
		}
	}
	for k, v := range patch {
		out[k] = v
	}
	return json.Marshal(out)
}

// IsTerminal reports whether err means the run already finished
func IsTerminal(err error) bool {
	return errors.Is(err, ErrRunTerminal)
}
