// Package storage provides SQLite-based persistence for the ingestion
// pipeline.
//
// # Database Schema
//
// Tables:
//   - rfqs, products, queries, supplier_shares: source entities with their
//     raw payload and the row hash used for change detection
//   - ingest_runs, ingest_run_tables: run records and per-table progress
//   - source_cursors: per-table resume tokens
//   - ingest_run_changed_rfqs: the RFQ ids touched by a run
//   - files: discovered documents and folders with fetch/parse status
//   - chunks: embedded text windows, unique on (rfq_id, doc_type, content_hash)
//   - embeddings: vectors keyed by content hash, reused across retries
//
// Children reference rfqs with ON DELETE CASCADE, so deleting an RFQ removes
// its products, queries, shares, files and chunks.
//
// # Transactions
//
// Every Storage method is also available on Tx:
//
//	tx, err := store.BeginTx(ctx)
//	if err != nil {
//	    return err
//	}
//	defer func() { _ = tx.Rollback() }()
//
//	if err := tx.UpsertEntity(ctx, entity); err != nil {
//	    return err
//	}
//	if err := tx.MarkRFQChanged(ctx, runID, entity.RFQID); err != nil {
//	    return err
//	}
//	return tx.Commit()
//
// The pool holds a single connection. While a transaction is open, use only
// the Tx; calling the parent storage from the same goroutine blocks.
//
// # Build Modes
//
// The default build uses modernc.org/sqlite. Building with -tags sqlite_cgo
// switches to github.com/mattn/go-sqlite3. Both drivers read and write the
// same file format.
package storage
