package indexer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/rfqindex/internal/embedder"
	"github.com/dshills/rfqindex/internal/extract"
	"github.com/dshills/rfqindex/internal/normalize"
	"github.com/dshills/rfqindex/internal/storage"
	"github.com/dshills/rfqindex/internal/upserter"
	"github.com/dshills/rfqindex/pkg/types"
)

// EntityStats counts the work done for one RFQ
type EntityStats struct {
	Documents   int
	Files       int
	Folders     int
	FilesOK     int
	FilesFailed int
	Chunks      int
	Retained    int // stored chunks of failed files kept as they were
	Embedded    int
	Reused      int
	Upsert      upserter.Result
	Warnings    []string
}

// entityState is the value threaded through the stages of one entity
type entityState struct {
	rfqID   string
	bundle  *storage.EntityBundle
	docs    []types.Document
	files   []*storage.File
	results []*extract.Result
	failed  map[int64]bool
	chunks  []*types.Chunk
	kept    []*types.Chunk
	stats   EntityStats
}

// IndexEntity rebuilds the chunks of one RFQ: normalize, resolve, extract,
// chunk, embed and upsert, in that order.
func (idx *Indexer) IndexEntity(ctx context.Context, rfqID string) (EntityStats, error) {
	st := &entityState{rfqID: rfqID}
	stages := []struct {
		name string
		fn   func(context.Context, *entityState) error
	}{
		{"load", idx.load},
		{"normalize", idx.normalizeDocs},
		{"resolve", idx.resolve},
		{"extract", idx.extractFiles},
		{"retain", idx.retain},
		{"chunk", idx.chunk},
		{"embed", idx.embed},
		{"upsert", idx.upsert},
	}
	for _, s := range stages {
		if err := s.fn(ctx, st); err != nil {
			return st.stats, fmt.Errorf("%s %s: %w", s.name, rfqID, err)
		}
	}
	return st.stats, nil
}

func (idx *Indexer) load(ctx context.Context, st *entityState) error {
	bundle, err := idx.store.LoadEntityBundle(ctx, st.rfqID)
	if err != nil {
		return err
	}
	st.bundle = bundle
	return nil
}

func (idx *Indexer) normalizeDocs(_ context.Context, st *entityState) error {
	docs, err := idx.normalizer.Documents(st.bundle)
	if err != nil {
		return err
	}
	st.docs = docs
	return nil
}

func (idx *Indexer) resolve(ctx context.Context, st *entityState) error {
	res, err := idx.resolver.Resolve(ctx, idx.store, st.bundle)
	if err != nil {
		return err
	}
	st.files = res.Files
	st.stats.Files = len(res.Files)
	st.stats.Folders = res.Folders
	st.stats.Warnings = append(st.stats.Warnings, res.Warnings...)
	return nil
}

// extractFiles runs the dispatcher over the entity's files in parallel.
// Results are ordered by provider id so chunk ordinals do not depend on
// which download finished first.
func (idx *Indexer) extractFiles(ctx context.Context, st *entityState) error {
	if len(st.files) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(idx.cfg.FileWorkers)

	var mu sync.Mutex
	for _, file := range st.files {
		g.Go(func() error {
			res, err := idx.dispatcher.Process(gctx, idx.store, file)
			if err != nil {
				return err
			}
			mu.Lock()
			st.results = append(st.results, res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	sort.Slice(st.results, func(i, j int) bool {
		a, b := st.results[i].File, st.results[j].File
		if a.ProviderID != b.ProviderID {
			return a.ProviderID < b.ProviderID
		}
		return a.ID < b.ID
	})

	for _, res := range st.results {
		if res.Err != nil {
			if st.failed == nil {
				st.failed = make(map[int64]bool)
			}
			st.failed[res.File.ID] = true
			st.stats.FilesFailed++
			st.stats.Warnings = append(st.stats.Warnings, res.Err.Error())
			continue
		}
		st.stats.FilesOK++
		for _, page := range res.Pages {
			doc := normalize.FileDocument(res.File, page.Page, page.Text)
			if doc.Text == "" {
				continue
			}
			st.docs = append(st.docs, doc)
		}
	}
	return nil
}

// retain carries forward the stored chunks of files that failed this time,
// so a download error does not drop text indexed by an earlier run
func (idx *Indexer) retain(ctx context.Context, st *entityState) error {
	if len(st.failed) == 0 {
		return nil
	}
	stored, err := idx.store.ListChunks(ctx, st.rfqID)
	if err != nil {
		return err
	}
	for _, sc := range stored {
		if sc.DocType != types.DocFileChunk || !st.failed[sc.FileID] || len(sc.Vector) == 0 {
			continue
		}
		c := sc.Chunk
		st.kept = append(st.kept, &c)
	}
	st.stats.Retained = len(st.kept)
	return nil
}

func (idx *Indexer) chunk(_ context.Context, st *entityState) error {
	normalize.Sort(st.docs)
	st.stats.Documents = len(st.docs)
	st.chunks = idx.chunker.ChunkAll(st.docs)
	st.stats.Chunks = len(st.chunks)
	return nil
}

func (idx *Indexer) embed(ctx context.Context, st *entityState) error {
	stats, err := idx.batcher.Embed(ctx, st.chunks)
	st.stats.Embedded = stats.Embedded
	st.stats.Reused = stats.Reused
	return err
}

func (idx *Indexer) upsert(ctx context.Context, st *entityState) error {
	res, err := idx.upserter.Upsert(ctx, st.rfqID, append(st.chunks, st.kept...))
	if err != nil {
		return err
	}
	st.stats.Upsert = res
	return nil
}

// fatal reports whether err must stop every worker of the run
func fatal(err error) bool {
	var dim *types.DimensionMismatchError
	return errors.As(err, &dim) || errors.Is(err, embedder.ErrNoProviderEnabled)
}
