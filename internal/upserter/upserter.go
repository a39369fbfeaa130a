// Package upserter writes the chunks of one RFQ and prunes the ones its
// latest documents no longer produce.
package upserter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dshills/rfqindex/internal/storage"
	"github.com/dshills/rfqindex/pkg/types"
)

// Result counts the outcome of one Upsert
type Result struct {
	Inserted  int
	Unchanged int
	Pruned    int
}

// Add accumulates another entity's counts
func (r *Result) Add(o Result) {
	r.Inserted += o.Inserted
	r.Unchanged += o.Unchanged
	r.Pruned += o.Pruned
}

// Upserter reconciles stored chunks with a freshly built set
type Upserter struct {
	store  storage.Storage
	logger *slog.Logger
}

// New creates an upserter
func New(store storage.Storage, logger *slog.Logger) *Upserter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Upserter{
		store:  store,
		logger: logger.With("component", "upserter"),
	}
}

// Upsert stores chunks for rfqID in one transaction. Every chunk must carry
// a vector and belong to rfqID. Each doc type is reconciled, so a kind with
// no chunks in the new set ends up empty.
func (u *Upserter) Upsert(ctx context.Context, rfqID string, chunks []*types.Chunk) (Result, error) {
	var res Result

	keep := make(map[types.DocType]map[string]bool, len(types.AllDocTypes()))
	for _, d := range types.AllDocTypes() {
		keep[d] = make(map[string]bool)
	}
	for _, c := range chunks {
		if c.RFQID != rfqID {
			return res, fmt.Errorf("chunk of %s in upsert of %s", c.RFQID, rfqID)
		}
		if c.ContentHash == "" {
			c.ComputeContentHash()
		}
		if err := c.Validate(); err != nil {
			return res, fmt.Errorf("chunk %s/%d: %w", c.DocType, c.Ordinal, err)
		}
		keep[c.DocType][c.ContentHash] = true
	}

	tx, err := u.store.BeginTx(ctx)
	if err != nil {
		return res, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range chunks {
		inserted, err := tx.InsertChunk(ctx, c)
		switch {
		case errors.Is(err, types.ErrConstraintConflict):
			res.Unchanged++
			continue
		case err != nil:
			return res, fmt.Errorf("insert chunk %s/%d: %w", c.DocType, c.Ordinal, err)
		}
		if inserted {
			res.Inserted++
		} else {
			res.Unchanged++
		}
	}

	for _, docType := range types.AllDocTypes() {
		stored, err := tx.ListChunkHashes(ctx, rfqID, docType)
		if err != nil {
			return res, err
		}
		var stale []string
		for _, hash := range stored {
			if !keep[docType][hash] {
				stale = append(stale, hash)
			}
		}
		if len(stale) == 0 {
			continue
		}
		n, err := tx.DeleteChunksByHash(ctx, rfqID, docType, stale)
		if err != nil {
			return res, fmt.Errorf("prune %s: %w", docType, err)
		}
		res.Pruned += n
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit chunks: %w", err)
	}

	u.logger.Debug("chunks upserted",
		"rfq_id", rfqID,
		"inserted", res.Inserted,
		"unchanged", res.Unchanged,
		"pruned", res.Pruned)
	return res, nil
}
