// Package changes classifies source rows as new, changed or unchanged and
// records which RFQs a run has to rebuild.
package changes

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dshills/rfqindex/internal/contracts"
	"github.com/dshills/rfqindex/internal/storage"
)

// Stats counts the outcome of one page
type Stats struct {
	Seen      int
	New       int
	Changed   int // includes New
	Unchanged int
	Skipped   int
	// ChangedRFQs lists the owning RFQ ids marked for the run, in first-seen order
	ChangedRFQs []string
}

// Add accumulates another page's counts
func (s *Stats) Add(o Stats) {
	s.Seen += o.Seen
	s.New += o.New
	s.Changed += o.Changed
	s.Unchanged += o.Unchanged
	s.Skipped += o.Skipped
	s.ChangedRFQs = append(s.ChangedRFQs, o.ChangedRFQs...)
}

// Options tune a Detector
type Options struct {
	// Force marks owning RFQs changed even when the row hash is unchanged.
	// Used by targeted re-ingestion.
	Force  bool
	Logger *slog.Logger
}

// Detector applies pages of one table
type Detector struct {
	table  contracts.Table
	kind   storage.EntityKind
	force  bool
	logger *slog.Logger
}

// NewDetector creates a detector for table
func NewDetector(table contracts.Table, opts Options) (*Detector, error) {
	kind, err := KindOf(table.Entity)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Detector{
		table:  table,
		kind:   kind,
		force:  opts.Force,
		logger: logger.With("component", "changes", "table", table.Key),
	}, nil
}

// KindOf maps a contract entity name onto a storage entity kind
func KindOf(entity string) (storage.EntityKind, error) {
	switch entity {
	case contracts.EntityRFQ:
		return storage.KindRFQ, nil
	case contracts.EntityProduct:
		return storage.KindProduct, nil
	case contracts.EntityQuery:
		return storage.KindQuery, nil
	case contracts.EntityShare:
		return storage.KindShare, nil
	default:
		return "", fmt.Errorf("%w: entity %q", contracts.ErrInvalidSchema, entity)
	}
}

// RowHash is the SHA-256 hex of the canonical JSON of the row's content
// projection. encoding/json writes map keys in sorted order.
func RowHash(table contracts.Table, row map[string]any) (string, error) {
	canonical, err := json.Marshal(table.Project(row))
	if err != nil {
		return "", fmt.Errorf("canonicalize row: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ApplyPage classifies and stores the rows of one page through store,
// which is normally a transaction owned by the caller.
func (d *Detector) ApplyPage(ctx context.Context, store storage.Storage, runID string, rows []map[string]any) (Stats, error) {
	var stats Stats
	marked := make(map[string]bool)
	mark := func(rfqID string) error {
		if rfqID == "" || marked[rfqID] {
			return nil
		}
		if err := store.MarkRFQChanged(ctx, runID, rfqID); err != nil {
			return err
		}
		marked[rfqID] = true
		stats.ChangedRFQs = append(stats.ChangedRFQs, rfqID)
		return nil
	}

	var parents map[string]bool
	if d.kind != storage.KindRFQ {
		var err error
		if parents, err = d.existingParents(ctx, store, rows); err != nil {
			return stats, err
		}
	}

	for _, row := range rows {
		stats.Seen++

		id := contracts.RowID(row)
		owner := d.table.OwnerID(row)
		if id == "" || owner == "" {
			stats.Skipped++
			continue
		}
		if parents != nil && !parents[owner] {
			d.logger.Debug("skipping orphan row", "id", id, "rfq_id", owner)
			stats.Skipped++
			continue
		}

		hash, err := RowHash(d.table, row)
		if err != nil {
			return stats, err
		}

		prev, err := store.GetEntityState(ctx, d.kind, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			prev = nil
		case err != nil:
			return stats, err
		}

		if prev != nil && prev.RowHash == hash {
			stats.Unchanged++
			if d.force {
				if err := mark(owner); err != nil {
					return stats, err
				}
			}
			continue
		}

		raw, err := json.Marshal(row)
		if err != nil {
			return stats, fmt.Errorf("encode raw row %s: %w", id, err)
		}
		label, status := d.describe(row)
		if err := store.UpsertEntity(ctx, &storage.Entity{
			Kind:             d.kind,
			ID:               id,
			RFQID:            owner,
			Label:            label,
			Status:           status,
			RawJSON:          raw,
			RowHash:          hash,
			LastChangedRunID: runID,
		}); err != nil {
			return stats, err
		}

		stats.Changed++
		if prev == nil {
			stats.New++
		} else if prev.RFQID != owner {
			// Moved child: the previous owner loses a document
			if err := mark(prev.RFQID); err != nil {
				return stats, err
			}
		}
		if err := mark(owner); err != nil {
			return stats, err
		}
	}

	return stats, nil
}

func (d *Detector) existingParents(ctx context.Context, store storage.Storage, rows []map[string]any) (map[string]bool, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, row := range rows {
		if owner := d.table.OwnerID(row); owner != "" && !seen[owner] {
			seen[owner] = true
			ids = append(ids, owner)
		}
	}
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}
	return store.ExistingRFQIDs(ctx, ids)
}

// describe picks the typed label and status columns of each entity kind
func (d *Detector) describe(row map[string]any) (label, status string) {
	switch d.kind {
	case storage.KindRFQ:
		return d.table.String(row, "title"), d.table.String(row, "current_status")
	case storage.KindProduct:
		return d.table.String(row, "name"), ""
	case storage.KindQuery:
		return d.table.String(row, "thread_id"), d.table.String(row, "status")
	case storage.KindShare:
		return d.table.String(row, "supplier"), d.table.String(row, "status")
	}
	return "", ""
}
