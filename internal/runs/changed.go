package runs

import (
	"context"

	"github.com/dshills/rfqindex/internal/storage"
)

// ChangedBatchSize is the page size used when walking a run's changed set
const ChangedBatchSize = 200

// EachChanged walks the RFQ ids marked changed in runID in ascending order,
// calling fn for each. limit <= 0 means no limit. Iteration stops at the
// first error returned by fn.
func EachChanged(ctx context.Context, store storage.Storage, runID string, limit int, fn func(rfqID string) error) error {
	after := ""
	seen := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch := ChangedBatchSize
		if limit > 0 && limit-seen < batch {
			batch = limit - seen
		}
		if batch <= 0 {
			return nil
		}

		ids, err := store.ListChangedRFQs(ctx, runID, after, batch)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := fn(id); err != nil {
				return err
			}
		}
		seen += len(ids)
		if len(ids) < batch {
			return nil
		}
		after = ids[len(ids)-1]
	}
}

// ChangedIDs collects the changed set of a run
func ChangedIDs(ctx context.Context, store storage.Storage, runID string, limit int) ([]string, error) {
	var out []string
	err := EachChanged(ctx, store, runID, limit, func(id string) error {
		out = append(out, id)
		return nil
	})
	return out, err
}
