// Package indexer coordinates the end-to-end ingestion pipeline.
//
// A Pipeline run has two stages. The table stage (package ingest) pages
// every source table, records row changes and marks the owning RFQs changed
// for the run. The entity stage then rebuilds each changed RFQ on a bounded
// ants worker pool:
//
//  1. Load: the RFQ and its products, queries and shares
//  2. Normalize: typed documents from the rows
//  3. Resolve: file records for every link, folders expanded
//  4. Extract: files fetched and converted to text in parallel
//  5. Chunk: overlapping token windows with stable ordinals
//  6. Embed: vectors for new content hashes only
//  7. Upsert: one transaction per RFQ, stale chunks pruned
//
// # Basic Usage
//
//	idx, err := indexer.New(store, tracker, indexer.Components{...}, indexer.Config{Workers: 8})
//	p := indexer.NewPipeline(store, glide, contracts, tracker, idx, indexer.PipelineConfig{PageLimit: 1000})
//
//	report, err := p.Run(ctx, indexer.RunOptions{Mode: types.ModeCron})
//	fmt.Printf("run %s: %s\n", report.Run.ID, report.Run.Status)
//
// # Incremental Runs
//
// Only RFQs whose rows changed are rebuilt. Re-running over unchanged
// source data inserts nothing and prunes nothing. RunOptions.RFQID forces a
// rebuild of one RFQ without moving any table cursor.
//
// # Failure Handling
//
// A failed file is recorded on its file record and the chunks it produced
// earlier are kept. A failed entity is counted and listed in the run
// summary while the others continue; any failed table or entity marks the
// run FAILED. A dimension mismatch stops every worker.
//
// # Concurrency
//
// IndexLock admits one run per process. An operator cancel is observed by
// each worker before it starts the next entity; entities already in flight
// finish their transaction.
package indexer
