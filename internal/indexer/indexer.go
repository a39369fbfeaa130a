package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/dshills/rfqindex/internal/chunker"
	"github.com/dshills/rfqindex/internal/embedder"
	"github.com/dshills/rfqindex/internal/extract"
	"github.com/dshills/rfqindex/internal/normalize"
	"github.com/dshills/rfqindex/internal/resolver"
	"github.com/dshills/rfqindex/internal/runs"
	"github.com/dshills/rfqindex/internal/storage"
	"github.com/dshills/rfqindex/internal/upserter"
)

// DefaultFileWorkers bounds parallel extractions within one entity
const DefaultFileWorkers = 4

// Config contains configuration for the indexer
type Config struct {
	Workers     int // Concurrent entities (default: runtime.NumCPU())
	FileWorkers int // Concurrent file extractions per entity (default: 4)
	Limit       int // Max changed entities per run, 0 for all
	Logger      *slog.Logger
}

// Components are the per-entity stages
type Components struct {
	Normalizer *normalize.Normalizer
	Resolver   *resolver.Resolver
	Dispatcher *extract.Dispatcher
	Chunker    *chunker.Chunker
	Batcher    *embedder.Batcher
	Upserter   *upserter.Upserter
}

// Indexer rebuilds the changed entities of a run on a bounded worker pool
type Indexer struct {
	store      storage.Storage
	tracker    *runs.Tracker
	normalizer *normalize.Normalizer
	resolver   *resolver.Resolver
	dispatcher *extract.Dispatcher
	chunker    *chunker.Chunker
	batcher    *embedder.Batcher
	upserter   *upserter.Upserter

	cfg    Config
	logger *slog.Logger
}

// Statistics contains statistics about the entity stage of a run
type Statistics struct {
	Entities    int
	Succeeded   int
	Failed      int
	FailedIDs   []string
	Documents   int
	Files       int
	FilesOK     int
	FilesFailed int
	Chunks      int
	Retained    int
	Embedded    int
	Reused      int
	Upsert      upserter.Result
	Warnings    int
	Duration    time.Duration
}

func (s *Statistics) add(e EntityStats) {
	s.Documents += e.Documents
	s.Files += e.Files
	s.FilesOK += e.FilesOK
	s.FilesFailed += e.FilesFailed
	s.Chunks += e.Chunks
	s.Retained += e.Retained
	s.Embedded += e.Embedded
	s.Reused += e.Reused
	s.Upsert.Add(e.Upsert)
	s.Warnings += len(e.Warnings)
}

// New creates an indexer. Every component is required.
func New(store storage.Storage, tracker *runs.Tracker, c Components, cfg Config) (*Indexer, error) {
	if c.Normalizer == nil || c.Resolver == nil || c.Dispatcher == nil ||
		c.Chunker == nil || c.Batcher == nil || c.Upserter == nil {
		return nil, errors.New("indexer: missing component")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.FileWorkers <= 0 {
		cfg.FileWorkers = DefaultFileWorkers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Indexer{
		store:      store,
		tracker:    tracker,
		normalizer: c.Normalizer,
		resolver:   c.Resolver,
		dispatcher: c.Dispatcher,
		chunker:    c.Chunker,
		batcher:    c.Batcher,
		upserter:   c.Upserter,
		cfg:        cfg,
		logger:     logger.With("component", "indexer"),
	}, nil
}

// IndexChanged rebuilds every RFQ marked changed in runID. An entity that
// fails is counted and the others continue. Operator cancellation stops new
// entities from starting while in-flight ones finish; a fatal error cancels
// all of them.
func (idx *Indexer) IndexChanged(ctx context.Context, runID string) (*Statistics, error) {
	start := time.Now()
	stats := &Statistics{}

	pool, err := ants.NewPool(idx.cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		stopErr error
	)
	stopped := func() error {
		mu.Lock()
		defer mu.Unlock()
		return stopErr
	}
	stop := func(err error) {
		mu.Lock()
		if stopErr == nil {
			stopErr = err
		}
		mu.Unlock()
	}

	walkErr := runs.EachChanged(runCtx, idx.store, runID, idx.cfg.Limit, func(rfqID string) error {
		if err := stopped(); err != nil {
			return err
		}
		if err := runCtx.Err(); err != nil {
			return context.Cause(runCtx)
		}

		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()

			if err := idx.tracker.Checkpoint(runCtx, runID); err != nil {
				stop(err)
				return
			}

			entityStats, err := idx.IndexEntity(runCtx, rfqID)

			mu.Lock()
			defer mu.Unlock()
			stats.Entities++
			stats.add(entityStats)
			if err == nil {
				stats.Succeeded++
				idx.logger.Debug("entity indexed",
					"rfq_id", rfqID,
					"chunks", entityStats.Chunks,
					"inserted", entityStats.Upsert.Inserted,
					"pruned", entityStats.Upsert.Pruned)
				return
			}
			stats.Failed++
			stats.FailedIDs = append(stats.FailedIDs, rfqID)
			idx.logger.Error("entity failed", "rfq_id", rfqID, "error", err)
			if fatal(err) {
				if stopErr == nil {
					stopErr = err
				}
				cancel(err)
			}
		})
		if submitErr != nil {
			wg.Done()
			return fmt.Errorf("submit %s: %w", rfqID, submitErr)
		}
		return nil
	})
	wg.Wait()

	sort.Strings(stats.FailedIDs)
	stats.Duration = time.Since(start)

	if err := stopped(); err != nil {
		return stats, err
	}
	if walkErr != nil {
		return stats, walkErr
	}
	return stats, ctx.Err()
}
