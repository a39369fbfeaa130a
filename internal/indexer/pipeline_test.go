package indexer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/rfqindex/internal/backoff"
	"github.com/dshills/rfqindex/internal/chunker"
	"github.com/dshills/rfqindex/internal/contracts"
	"github.com/dshills/rfqindex/internal/embedder"
	"github.com/dshills/rfqindex/internal/extract"
	"github.com/dshills/rfqindex/internal/normalize"
	"github.com/dshills/rfqindex/internal/resolver"
	"github.com/dshills/rfqindex/internal/runs"
	"github.com/dshills/rfqindex/internal/source"
	"github.com/dshills/rfqindex/internal/storage"
	"github.com/dshills/rfqindex/internal/upserter"
	"github.com/dshills/rfqindex/pkg/types"
)

const specURL = "https://files.example.com/specs/p1.txt"

// tableSource serves one page per table. onFetch runs before each fetch.
type tableSource struct {
	mu      sync.Mutex
	pages   map[string][]map[string]any
	onFetch func(table string)
}

func (s *tableSource) set(table string, rows ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[table] = rows
}

func (s *tableSource) Fetch(_ context.Context, table contracts.Table, _, _ string, _ int) (source.Page, error) {
	if s.onFetch != nil {
		s.onFetch(table.Key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]map[string]any, len(s.pages[table.Key]))
	copy(rows, s.pages[table.Key])
	return source.Page{Rows: rows, TokenKind: source.TokenStartAt}, nil
}

// fileServer serves file bodies by root URL
type fileServer struct {
	mu      sync.Mutex
	files   map[string][]byte
	fail    error
	fetches int
}

func (f *fileServer) Stat(_ context.Context, file *storage.File) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return 0, f.fail
	}
	return int64(len(f.files[file.RootURL])), nil
}

func (f *fileServer) Fetch(_ context.Context, file *storage.File, _ int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fail != nil {
		return nil, f.fail
	}
	return f.files[file.RootURL], nil
}

type harness struct {
	store    *storage.SQLiteStorage
	source   *tableSource
	files    *fileServer
	tracker  *runs.Tracker
	indexer  *Indexer
	pipeline *Pipeline
}

func fastRetry() backoff.Config {
	return backoff.Config{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func newHarness(t *testing.T, dimension int) *harness {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	c, err := contracts.Load("")
	require.NoError(t, err)

	src := &tableSource{pages: map[string][]map[string]any{}}
	src.set(contracts.TableRFQs, map[string]any{"$rowID": "rfq_1", "Title": "Valves", "Customer Name": "Acme"})
	src.set(contracts.TableProducts, map[string]any{
		"$rowID": "P1", "RFQ ID": "rfq_1", "Product Name": "Ball valve", "Qty": 10, "DWG Link": specURL,
	})
	src.set(contracts.TableQueries, map[string]any{"$rowID": "Q1", "RFQ": "rfq_1", "Comment": "Please quote"})

	files := &fileServer{files: map[string][]byte{specURL: []byte("Pressure rating PN40. Body: stainless steel.")}}

	norm, err := normalize.New(c)
	require.NoError(t, err)
	chk, err := chunker.New(chunker.Options{Window: chunker.DefaultWindow, Overlap: chunker.DefaultOverlap})
	require.NoError(t, err)
	local, err := embedder.NewLocalProvider(8, nil)
	require.NoError(t, err)

	tracker := runs.NewTracker(store, nil)
	idx, err := New(store, tracker, Components{
		Normalizer: norm,
		Resolver:   resolver.New(c, nil, resolver.Options{Retry: fastRetry()}),
		Dispatcher: extract.NewDispatcher(files, nil, extract.Options{MaxBytes: 1 << 20, Retry: fastRetry()}),
		Chunker:    chk,
		Batcher:    embedder.NewBatcher(local, store, embedder.BatcherOptions{Dimension: dimension, Retry: fastRetry()}),
		Upserter:   upserter.New(store, nil),
	}, Config{Workers: 2})
	require.NoError(t, err)

	return &harness{
		store:    store,
		source:   src,
		files:    files,
		tracker:  tracker,
		indexer:  idx,
		pipeline: NewPipeline(store, src, c, tracker, idx, PipelineConfig{PageLimit: 100, Retry: fastRetry()}),
	}
}

func (h *harness) chunkCount(t *testing.T) int {
	t.Helper()
	n, err := h.store.CountChunks(context.Background(), "rfq_1")
	require.NoError(t, err)
	return n
}

func TestPipeline_BackfillThenIdempotentCron(t *testing.T) {
	h := newHarness(t, 8)
	ctx := context.Background()

	report, err := h.pipeline.Run(ctx, RunOptions{Mode: types.ModeBackfill})
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, report.Run.Status)
	require.NotNil(t, report.Index)
	assert.Equal(t, 1, report.Index.Entities)
	assert.Equal(t, 1, report.Index.FilesOK)
	assert.Equal(t, 4, report.Index.Chunks, "brief, product card, thread message and file text")
	assert.Equal(t, 4, report.Index.Upsert.Inserted)
	assert.Equal(t, 4, h.chunkCount(t))

	summary, err := runs.Summary(report.Run)
	require.NoError(t, err)
	assert.EqualValues(t, 1, summary["changed_rfq_count"])
	assert.Contains(t, summary, "table_progress")

	report, err = h.pipeline.Run(ctx, RunOptions{Mode: types.ModeCron})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Ingest.Stats.Changed)
	assert.Equal(t, 0, report.Index.Entities)
	assert.Equal(t, 4, h.chunkCount(t))

	summary, err = runs.Summary(report.Run)
	require.NoError(t, err)
	assert.EqualValues(t, 0, summary["changed_rfq_count"])
}

func TestPipeline_RevisionPrunesOnlyTheChangedDocument(t *testing.T) {
	h := newHarness(t, 8)
	ctx := context.Background()

	_, err := h.pipeline.Run(ctx, RunOptions{Mode: types.ModeBackfill})
	require.NoError(t, err)
	before, err := h.store.ListChunkHashes(ctx, "rfq_1", types.DocRFQBrief)
	require.NoError(t, err)

	h.source.set(contracts.TableProducts, map[string]any{
		"$rowID": "P1", "RFQ ID": "rfq_1", "Product Name": "Ball valve", "Qty": 12, "DWG Link": specURL,
	})
	report, err := h.pipeline.Run(ctx, RunOptions{Mode: types.ModeCron})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Index.Entities)
	assert.Equal(t, upserter.Result{Inserted: 1, Unchanged: 3, Pruned: 1}, report.Index.Upsert)
	assert.Equal(t, 1, report.Index.Embedded)
	assert.Equal(t, 3, report.Index.Reused)
	assert.Equal(t, 4, h.chunkCount(t))

	after, err := h.store.ListChunkHashes(ctx, "rfq_1", types.DocRFQBrief)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPipeline_IngestOneRebuildsUnchangedRFQ(t *testing.T) {
	h := newHarness(t, 8)
	ctx := context.Background()

	_, err := h.pipeline.Run(ctx, RunOptions{Mode: types.ModeBackfill})
	require.NoError(t, err)

	report, err := h.pipeline.Run(ctx, RunOptions{Mode: types.ModeCron, RFQID: "rfq_1"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Index.Entities)
	assert.Equal(t, 4, report.Index.Upsert.Unchanged)
	assert.Equal(t, 2, h.files.fetches)
}

func TestPipeline_FailedFileKeepsIndexedText(t *testing.T) {
	h := newHarness(t, 8)
	ctx := context.Background()

	_, err := h.pipeline.Run(ctx, RunOptions{Mode: types.ModeBackfill})
	require.NoError(t, err)

	h.files.fail = errors.New("404 not found")
	report, err := h.pipeline.Run(ctx, RunOptions{Mode: types.ModeCron, RFQID: "rfq_1"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Index.FilesFailed)
	assert.Equal(t, 1, report.Index.Retained)
	assert.Zero(t, report.Index.Upsert.Pruned)
	assert.Equal(t, 4, h.chunkCount(t))
}

func TestPipeline_DimensionMismatchFailsRun(t *testing.T) {
	h := newHarness(t, 5)

	report, err := h.pipeline.Run(context.Background(), RunOptions{Mode: types.ModeBackfill})
	var dimErr *types.DimensionMismatchError
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, types.StatusFailed, report.Run.Status)
	assert.Zero(t, h.chunkCount(t))
}

func TestPipeline_RejectsConcurrentRun(t *testing.T) {
	h := newHarness(t, 8)
	require.True(t, h.pipeline.lock.TryAcquire())
	defer h.pipeline.lock.Release()

	_, err := h.pipeline.Run(context.Background(), RunOptions{Mode: types.ModeCron})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	runs, err := h.tracker.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, runs, "no run is opened")
}

func TestPipeline_Go(t *testing.T) {
	h := newHarness(t, 8)

	run, done, err := h.pipeline.Go(context.Background(), RunOptions{Mode: types.ModeBackfill})
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, run.Status)

	select {
	case out := <-done:
		require.NoError(t, out.Err)
		assert.Equal(t, run.ID, out.Report.Run.ID)
		assert.Equal(t, types.StatusSuccess, out.Report.Run.Status)
	case <-time.After(30 * time.Second):
		t.Fatal("run did not finish")
	}
	assert.False(t, h.pipeline.Running())
}

func TestIndexChanged_StopsWhenCancelled(t *testing.T) {
	h := newHarness(t, 8)
	ctx := context.Background()

	_, err := h.pipeline.Run(ctx, RunOptions{Mode: types.ModeBackfill})
	require.NoError(t, err)

	run, err := h.tracker.Start(ctx, types.ModeCron)
	require.NoError(t, err)
	require.NoError(t, h.store.MarkRFQChanged(ctx, run.ID, "rfq_1"))
	require.NoError(t, h.tracker.Cancel(ctx, run.ID))

	stats, err := h.indexer.IndexChanged(ctx, run.ID)
	assert.ErrorIs(t, err, runs.ErrCancelled)
	assert.Zero(t, stats.Entities)
}

func TestIndexLock(t *testing.T) {
	var l IndexLock
	assert.True(t, l.TryAcquire())
	assert.True(t, l.Held())
	assert.False(t, l.TryAcquire())
	l.Release()
	assert.False(t, l.Held())
	assert.True(t, l.TryAcquire())
}

func TestPipeline_CancelDuringIngestKeepsSummary(t *testing.T) {
	h := newHarness(t, 8)
	ctx := context.Background()

	var once sync.Once
	h.source.onFetch = func(table string) {
		if table != contracts.TableQueries {
			return
		}
		once.Do(func() {
			list, err := h.tracker.List(ctx, 1)
			if assert.NoError(t, err) && assert.Len(t, list, 1) {
				assert.NoError(t, h.tracker.Cancel(ctx, list[0].ID))
			}
		})
	}

	report, err := h.pipeline.Run(ctx, RunOptions{Mode: types.ModeBackfill})
	require.ErrorIs(t, err, runs.ErrCancelled)
	require.NotNil(t, report.Run)
	assert.Equal(t, types.StatusFailed, report.Run.Status)
	require.NotNil(t, report.Run.Error)
	assert.Equal(t, runs.CancelReason, *report.Run.Error)
	assert.Nil(t, report.Index, "indexing never starts after a cancel")

	summary, err := runs.Summary(report.Run)
	require.NoError(t, err)
	assert.Equal(t, "backfill", summary["mode"])
	assert.EqualValues(t, 1, summary["changed_rfq_count"])
	rows, ok := summary["rows"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 3, rows["seen"])
	progress, ok := summary["table_progress"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, progress, contracts.TableQueries)
	assert.Zero(t, h.chunkCount(t))
}
