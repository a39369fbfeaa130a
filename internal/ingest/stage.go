// Package ingest runs the table stage of a run: every source table is paged
// through the loader, each page is classified by the change detector in one
// transaction, and the table cursor advances with the committed page.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dshills/rfqindex/internal/backoff"
	"github.com/dshills/rfqindex/internal/changes"
	"github.com/dshills/rfqindex/internal/contracts"
	"github.com/dshills/rfqindex/internal/runs"
	"github.com/dshills/rfqindex/internal/source"
	"github.com/dshills/rfqindex/internal/storage"
	"github.com/dshills/rfqindex/pkg/types"
)

// Options configure a table stage
type Options struct {
	Mode      types.RunMode
	PageLimit int
	// Filter restricts the stage to rows owned by one RFQ. Filtered passes
	// never move the stored cursors and force the RFQ to be rebuilt.
	Filter string
	Retry  backoff.Config
	Logger *slog.Logger
}

// Result is the outcome of the table stage
type Result struct {
	Tables []*storage.RunTable
	Stats  changes.Stats
	Failed []string // keys of failed tables
}

// Stage ingests all source tables for one run
type Stage struct {
	store     storage.Storage
	fetcher   source.Fetcher
	contracts *contracts.Contracts
	tracker   *runs.Tracker
	opts      Options
	logger    *slog.Logger
}

// NewStage creates a table stage
func NewStage(store storage.Storage, fetcher source.Fetcher, c *contracts.Contracts, tracker *runs.Tracker, opts Options) *Stage {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Stage{
		store:     store,
		fetcher:   fetcher,
		contracts: c,
		tracker:   tracker,
		opts:      opts,
		logger:    logger.With("component", "ingest"),
	}
}

// Run ingests every table in contract order. A failed table is recorded and
// the remaining tables still run; only cancellation stops the stage early.
func (s *Stage) Run(ctx context.Context, runID string) (*Result, error) {
	res := &Result{}
	for _, table := range s.contracts.Ordered() {
		progress := runs.NewTable(runID, table)
		res.Tables = append(res.Tables, progress)

		stats, err := s.runTable(ctx, runID, table, progress)
		res.Stats.Add(stats)
		if err == nil {
			progress.Status = types.StatusSuccess
			if err := runs.SaveTable(ctx, s.store, progress); err != nil {
				return res, err
			}
			continue
		}

		runs.FailTable(progress, err)
		res.Failed = append(res.Failed, table.Key)
		if saveErr := runs.SaveTable(context.WithoutCancel(ctx), s.store, progress); saveErr != nil {
			s.logger.Error("failed to record table failure", "table", table.Key, "error", saveErr)
		}
		if errors.Is(err, runs.ErrCancelled) || ctx.Err() != nil {
			return res, err
		}
		s.logger.Error("table failed", "table", table.Key, "error", err)
	}
	return res, nil
}

// startToken returns the resume token and its kind for table
func (s *Stage) startToken(ctx context.Context, table contracts.Table) (string, string, error) {
	if s.opts.Filter != "" || s.opts.Mode == types.ModeBackfill {
		return "", "", nil
	}
	cursor, err := s.store.GetCursor(ctx, table.Key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("load cursor: %w", err)
	}
	return cursor.NextToken, cursor.TokenKind, nil
}

func (s *Stage) runTable(ctx context.Context, runID string, table contracts.Table, progress *storage.RunTable) (changes.Stats, error) {
	var total changes.Stats

	detector, err := changes.NewDetector(table, changes.Options{Force: s.opts.Filter != "", Logger: s.logger})
	if err != nil {
		return total, err
	}
	token, kind, err := s.startToken(ctx, table)
	if err != nil {
		return total, err
	}
	if err := runs.SaveTable(ctx, s.store, progress); err != nil {
		return total, err
	}

	loader := source.NewLoader(s.fetcher, table, source.LoaderOptions{
		Limit:      s.opts.PageLimit,
		StartToken: token,
		StartKind:  kind,
		Filter:     s.opts.Filter,
		Retry:      s.opts.Retry,
		Logger:     s.logger,
	})
	s.logger.Info("table started", "table", table.Key, "mode", s.opts.Mode, "token", token)

	for {
		if err := s.tracker.Checkpoint(ctx, runID); err != nil {
			return total, err
		}
		page, err := loader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return total, fmt.Errorf("fetch %s page at %q: %w", table.Key, loader.Token(), err)
		}

		stats, err := s.applyPage(ctx, runID, table, detector, page, progress)
		if err != nil {
			return total, err
		}
		total.Add(stats)
	}

	s.logger.Info("table finished", "table", table.Key,
		"pages", progress.Pages, "seen", progress.RowsSeen,
		"changed", progress.RowsChanged, "skipped", progress.RowsSkipped)
	return total, nil
}

// applyPage commits the page's entity writes, the cursor and the table
// progress together, so a crash never leaves the cursor past unapplied rows.
func (s *Stage) applyPage(ctx context.Context, runID string, table contracts.Table, detector *changes.Detector, page *source.Page, progress *storage.RunTable) (changes.Stats, error) {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return changes.Stats{}, err
	}
	defer func() { _ = tx.Rollback() }()

	stats, err := detector.ApplyPage(ctx, tx, runID, page.Rows)
	if err != nil {
		return changes.Stats{}, fmt.Errorf("apply %s page: %w", table.Key, err)
	}

	next := *progress
	next.Pages++
	next.RowsSeen += stats.Seen
	next.RowsChanged += stats.Changed
	next.RowsUnchanged += stats.Unchanged
	next.RowsSkipped += stats.Skipped
	next.LastToken = page.NextToken
	next.LastTokenKind = page.TokenKind

	if s.opts.Filter == "" {
		if err := tx.SaveCursor(ctx, &storage.Cursor{
			TableKey:  table.Key,
			TableName: table.TableName,
			NextToken: page.NextToken,
			TokenKind: page.TokenKind,
			LastRunID: runID,
		}); err != nil {
			return changes.Stats{}, err
		}
	}
	if err := runs.SaveTable(ctx, tx, &next); err != nil {
		return changes.Stats{}, err
	}
	if err := tx.Commit(); err != nil {
		return changes.Stats{}, fmt.Errorf("commit %s page: %w", table.Key, err)
	}

	*progress = next
	return stats, nil
}
