package embedder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/dshills/rfqindex/internal/backoff"
	"github.com/dshills/rfqindex/internal/storage"
	"github.com/dshills/rfqindex/pkg/types"
)

// DefaultBatchSize is the number of texts sent per GenerateBatch call
const DefaultBatchSize = 64

// BatcherOptions configures a Batcher
type BatcherOptions struct {
	BatchSize int
	Dimension int // expected vector length, 0 takes the embedder's
	Retry     backoff.Config
	Logger    *slog.Logger
}

// BatchStats counts the work of one Embed call
type BatchStats struct {
	Unique   int // distinct content hashes
	Reused   int // found in the embeddings table
	Embedded int
	Requests int
}

// Batcher fills chunk vectors, embedding each content hash at most once
// across runs. Safe for concurrent use.
type Batcher struct {
	emb    Embedder
	store  storage.Storage
	opts   BatcherOptions
	logger *slog.Logger
}

// NewBatcher creates a batcher persisting vectors through store
func NewBatcher(emb Embedder, store storage.Storage, opts BatcherOptions) *Batcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Dimension <= 0 {
		opts.Dimension = emb.Dimension()
	}
	if opts.Retry.MaxRetries <= 0 {
		opts.Retry = backoff.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Batcher{
		emb:    emb,
		store:  store,
		opts:   opts,
		logger: logger.With("component", "embedder", "provider", emb.Provider()),
	}
}

// Dimension returns the vector length every stored embedding must have
func (b *Batcher) Dimension() int {
	return b.opts.Dimension
}

// Embed sets Vector on every chunk. Vectors already stored under a chunk's
// content hash are reused; the rest are requested in batches and stored as
// each batch completes, so an interrupted call loses at most one batch.
func (b *Batcher) Embed(ctx context.Context, chunks []*types.Chunk) (BatchStats, error) {
	var stats BatchStats

	texts := make(map[string]string)
	var order []string
	for _, c := range chunks {
		if strings.TrimSpace(c.Content) == "" {
			return stats, fmt.Errorf("chunk %d of %s: %w", c.Ordinal, c.RFQID, types.ErrEmptyContent)
		}
		if c.ContentHash == "" {
			c.ComputeContentHash()
		}
		if _, ok := texts[c.ContentHash]; ok {
			continue
		}
		texts[c.ContentHash] = c.Content
		order = append(order, c.ContentHash)
	}
	stats.Unique = len(order)
	if len(order) == 0 {
		return stats, nil
	}

	vectors, err := b.store.GetEmbeddings(ctx, order)
	if err != nil {
		return stats, fmt.Errorf("load stored embeddings: %w", err)
	}
	for _, v := range vectors {
		if len(v) != b.opts.Dimension {
			return stats, &types.DimensionMismatchError{Expected: b.opts.Dimension, Got: len(v)}
		}
	}
	stats.Reused = len(vectors)

	var pending []string
	for _, hash := range order {
		if _, ok := vectors[hash]; !ok {
			pending = append(pending, hash)
		}
	}

	for start := 0; start < len(pending); start += b.opts.BatchSize {
		end := min(start+b.opts.BatchSize, len(pending))
		if err := b.embedBatch(ctx, pending[start:end], texts, vectors, &stats); err != nil {
			return stats, err
		}
	}

	for _, c := range chunks {
		c.Vector = vectors[c.ContentHash]
	}
	return stats, nil
}

// embedBatch requests one batch. A partial result is kept and only the
// remainder is retried.
func (b *Batcher) embedBatch(ctx context.Context, hashes []string, texts map[string]string, vectors map[string][]float32, stats *BatchStats) error {
	remaining := hashes
	failures := 0

	for len(remaining) > 0 {
		in := make([]string, len(remaining))
		for i, hash := range remaining {
			in[i] = texts[hash]
		}

		stats.Requests++
		resp, err := b.emb.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: in})

		done := 0
		if err == nil {
			if resp == nil || len(resp.Embeddings) != len(in) {
				got := 0
				if resp != nil {
					got = len(resp.Embeddings)
				}
				err = fmt.Errorf("%w: got %d embeddings for %d texts", ErrProviderFailed, got, len(in))
			} else {
				done = len(in)
			}
		} else if p, ok := IsPartial(err); ok && resp != nil {
			done = min(p.Completed, len(resp.Embeddings))
		}

		if done > 0 {
			if perr := b.persist(ctx, remaining[:done], resp.Embeddings[:done], vectors); perr != nil {
				return perr
			}
			stats.Embedded += done
			remaining = remaining[done:]
			failures = 0
		}
		if err == nil || len(remaining) == 0 {
			continue
		}

		if !retryable(err) {
			return err
		}
		failures++
		if failures >= b.opts.Retry.MaxRetries {
			return fmt.Errorf("embed batch after %d attempts: %w", failures, err)
		}
		delay := b.opts.Retry.Delay(failures)
		b.logger.Warn("embedding batch failed, retrying",
			"remaining", len(remaining),
			"attempt", failures,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

// persist validates and stores a completed prefix in one transaction
func (b *Batcher) persist(ctx context.Context, hashes []string, embs []*Embedding, vectors map[string][]float32) error {
	for _, emb := range embs {
		if emb == nil || len(emb.Vector) != b.opts.Dimension {
			got := 0
			if emb != nil {
				got = len(emb.Vector)
			}
			return &types.DimensionMismatchError{Expected: b.opts.Dimension, Got: got}
		}
	}

	tx, err := b.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, emb := range embs {
		if err := tx.PutEmbedding(ctx, &storage.Embedding{
			ContentHash: hashes[i],
			Vector:      emb.Vector,
			Dimension:   len(emb.Vector),
			Provider:    b.emb.Provider(),
			Model:       b.emb.Model(),
		}); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit embeddings: %w", err)
	}

	for i, emb := range embs {
		vectors[hashes[i]] = emb.Vector
	}
	return nil
}

func retryable(err error) bool {
	switch {
	case types.IsFatal(err),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrEmptyText),
		errors.Is(err, ErrUnsupportedModel):
		return false
	}
	return true
}
