package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/dshills/rfqindex/internal/backoff"
	"github.com/dshills/rfqindex/internal/contracts"
	"github.com/dshills/rfqindex/internal/ingest"
	"github.com/dshills/rfqindex/internal/runs"
	"github.com/dshills/rfqindex/internal/source"
	"github.com/dshills/rfqindex/internal/storage"
	"github.com/dshills/rfqindex/pkg/types"
)

// ErrAlreadyRunning is returned when a run is started while another one
// holds the process lock
var ErrAlreadyRunning = errors.New("an ingest run is already in progress")

// PipelineConfig configures a Pipeline
type PipelineConfig struct {
	PageLimit int
	Retry     backoff.Config
	Logger    *slog.Logger
}

// RunOptions select what one run does
type RunOptions struct {
	Mode types.RunMode
	// RFQID restricts the run to one RFQ, which is rebuilt even when its
	// rows are unchanged
	RFQID string
}

// Report is the outcome of one run
type Report struct {
	Run    *storage.Run
	Ingest *ingest.Result
	Index  *Statistics // nil when the table stage stopped the run
}

// Outcome is delivered when a run started with Go completes
type Outcome struct {
	Report *Report
	Err    error
}

// Pipeline runs the table stage and then the entity stage of one run
type Pipeline struct {
	store     storage.Storage
	fetcher   source.Fetcher
	contracts *contracts.Contracts
	tracker   *runs.Tracker
	indexer   *Indexer
	lock      IndexLock
	cfg       PipelineConfig
	logger    *slog.Logger
}

// NewPipeline creates a pipeline
func NewPipeline(store storage.Storage, fetcher source.Fetcher, c *contracts.Contracts, tracker *runs.Tracker, idx *Indexer, cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pipeline{
		store:     store,
		fetcher:   fetcher,
		contracts: c,
		tracker:   tracker,
		indexer:   idx,
		cfg:       cfg,
		logger:    logger.With("component", "pipeline"),
	}
}

// Tracker exposes the run tracker the pipeline records into
func (p *Pipeline) Tracker() *runs.Tracker {
	return p.tracker
}

// Running reports whether a run is in progress in this process
func (p *Pipeline) Running() bool {
	return p.lock.Held()
}

// Run executes one run to completion
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	run, err := p.open(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer p.lock.Release()
	return p.execute(ctx, run, opts)
}

// Go opens a run and executes it in the background. The run survives
// cancellation of ctx; use the tracker to cancel it.
func (p *Pipeline) Go(ctx context.Context, opts RunOptions) (*storage.Run, <-chan Outcome, error) {
	run, err := p.open(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	done := make(chan Outcome, 1)
	go func() {
		report, err := p.execute(context.WithoutCancel(ctx), run, opts)
		p.lock.Release()
		if err != nil {
			p.logger.Error("background run failed", "run_id", run.ID, "error", err)
		}
		done <- Outcome{Report: report, Err: err}
	}()
	return run, done, nil
}

func (p *Pipeline) open(ctx context.Context, opts RunOptions) (*storage.Run, error) {
	if _, err := types.ParseRunMode(string(opts.Mode)); err != nil {
		return nil, err
	}
	if !p.lock.TryAcquire() {
		return nil, ErrAlreadyRunning
	}
	run, err := p.tracker.Start(ctx, opts.Mode)
	if err != nil {
		p.lock.Release()
		return nil, err
	}
	p.logger.Info("run started", "run_id", run.ID, "mode", opts.Mode, "rfq_id", opts.RFQID)
	return run, nil
}

func (p *Pipeline) execute(ctx context.Context, run *storage.Run, opts RunOptions) (*Report, error) {
	report := &Report{Run: run}

	stage := ingest.NewStage(p.store, p.fetcher, p.contracts, p.tracker, ingest.Options{
		Mode:      opts.Mode,
		PageLimit: p.cfg.PageLimit,
		Filter:    opts.RFQID,
		Retry:     p.cfg.Retry,
		Logger:    p.logger,
	})
	res, err := stage.Run(ctx, run.ID)
	report.Ingest = res
	if err == nil {
		report.Index, err = p.indexer.IndexChanged(ctx, run.ID)
	}

	finishCtx := context.WithoutCancel(ctx)
	changed, cerr := p.store.CountChangedRFQs(finishCtx, run.ID)
	if cerr != nil {
		p.logger.Warn("count changed entities", "run_id", run.ID, "error", cerr)
	}

	status, runErr := outcome(report, err)
	var tables []*storage.RunTable
	if res != nil {
		tables = res.Tables
	}
	summary := summarize(opts, report, changed)
	finishErr := p.tracker.Finish(finishCtx, run.ID, status, runErr, tables, summary)
	switch {
	case runs.IsTerminal(finishErr):
		// Cancelled by an operator while running; the status and reason
		// stay, the counts gathered so far are still recorded
		if merr := p.tracker.MergeSummary(finishCtx, run.ID, summary); merr != nil {
			p.logger.Warn("record cancelled run summary", "run_id", run.ID, "error", merr)
		}
		if err == nil {
			err = runs.ErrCancelled
		}
	case finishErr != nil:
		return report, fmt.Errorf("finish run %s: %w", run.ID, finishErr)
	}

	if latest, gerr := p.tracker.Get(finishCtx, run.ID); gerr == nil {
		report.Run = latest
	}
	if err != nil {
		return report, err
	}
	return report, runErr
}

// outcome decides the terminal status. Any failed table or entity fails the
// run so the operator can re-ingest the listed RFQs.
func outcome(report *Report, err error) (types.Status, error) {
	if err != nil {
		return types.StatusFailed, err
	}
	if report.Ingest != nil && len(report.Ingest.Failed) > 0 {
		return types.StatusFailed, fmt.Errorf("tables failed: %s", strings.Join(report.Ingest.Failed, ", "))
	}
	if report.Index != nil && report.Index.Failed > 0 {
		return types.StatusFailed, fmt.Errorf("%d of %d entities failed", report.Index.Failed, report.Index.Entities)
	}
	return types.StatusSuccess, nil
}

func summarize(opts RunOptions, report *Report, changed int) map[string]any {
	summary := map[string]any{
		"mode":              string(opts.Mode),
		"changed_rfq_count": changed,
	}
	if opts.RFQID != "" {
		summary["rfq_id"] = opts.RFQID
	}

	if res := report.Ingest; res != nil {
		progress := make(map[string]any, len(res.Tables))
		for _, t := range res.Tables {
			entry := map[string]any{
				"status":         string(t.Status),
				"pages":          t.Pages,
				"rows_seen":      t.RowsSeen,
				"rows_changed":   t.RowsChanged,
				"rows_unchanged": t.RowsUnchanged,
				"rows_skipped":   t.RowsSkipped,
			}
			if t.Error != nil {
				entry["error"] = *t.Error
			}
			progress[t.TableKey] = entry
		}
		summary["table_progress"] = progress
		summary["rows"] = map[string]any{
			"seen":      res.Stats.Seen,
			"new":       res.Stats.New,
			"changed":   res.Stats.Changed,
			"unchanged": res.Stats.Unchanged,
			"skipped":   res.Stats.Skipped,
		}
	}

	if s := report.Index; s != nil {
		failed := s.FailedIDs
		if failed == nil {
			failed = []string{}
		}
		summary["entities"] = map[string]any{
			"processed":  s.Entities,
			"succeeded":  s.Succeeded,
			"failed":     s.Failed,
			"failed_ids": failed,
		}
		summary["files"] = map[string]any{
			"resolved": s.Files,
			"ok":       s.FilesOK,
			"failed":   s.FilesFailed,
		}
		summary["chunks"] = map[string]any{
			"built":     s.Chunks,
			"inserted":  s.Upsert.Inserted,
			"unchanged": s.Upsert.Unchanged,
			"pruned":    s.Upsert.Pruned,
			"retained":  s.Retained,
		}
		summary["embeddings"] = map[string]any{
			"embedded": s.Embedded,
			"reused":   s.Reused,
		}
		summary["duration_ms"] = s.Duration.Milliseconds()
	}
	return summary
}
