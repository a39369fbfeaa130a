// Package mcp implements the Model Context Protocol (MCP) server for rfqindex.
//
// The server exposes the operator surface of the ingest pipeline as four tools:
//   - run_ingest: start a backfill or cron run
//   - ingest_rfq: rebuild one RFQ even when its rows are unchanged
//   - get_run_status: inspect one run, or list recent runs with index totals
//   - cancel_run: stop a running run before its next entity
//
// MCP is JSON-RPC 2.0 over stdio. The server is started with:
//
//	rfqindex serve
//
// # Tool: run_ingest
//
//	Request:
//	{
//	  "name": "run_ingest",
//	  "arguments": {"mode": "cron", "wait": false}
//	}
//
//	Response:
//	{
//	  "run_id": "5f0c...",
//	  "mode": "cron",
//	  "status": "RUNNING",
//	  "started": true,
//	  "started_at": "2026-01-02T03:04:05Z"
//	}
//
// With "wait": true the call returns after the run finishes and the response
// carries the run summary: changed_rfq_count, per-table progress, entity
// counts with the ids that failed, file outcomes, chunk counts and the
// embedding cache hit rate.
//
// # Tool: ingest_rfq
//
//	{"name": "ingest_rfq", "arguments": {"rfq_id": "rfq_1"}}
//
// Runs a cron pass restricted to one RFQ and waits by default.
//
// # Tool: get_run_status
//
//	{"name": "get_run_status", "arguments": {"run_id": "5f0c..."}}
//	{"name": "get_run_status", "arguments": {"limit": 5}}
//
// # Tool: cancel_run
//
//	{"name": "cancel_run", "arguments": {"run_id": "5f0c..."}}
//
// # Errors
//
//	-32602  invalid params (bad mode, missing rfq_id or run_id, limit out of range)
//	-32603  internal error
//	-32001  run not found
//	-32002  another run is in progress
//	-32003  run already finished
//
// Only one run executes per process; a second start fails with -32002
// rather than queueing.
package mcp
