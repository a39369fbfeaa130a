package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/rfqindex/internal/indexer"
	"github.com/dshills/rfqindex/internal/runs"
	"github.com/dshills/rfqindex/internal/storage"
	"github.com/dshills/rfqindex/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams = -32602 // Invalid method parameters
	ErrorCodeInternalError = -32603 // Internal JSON-RPC error
	ErrorCodeRunNotFound   = -32001 // No run with the given id
	ErrorCodeRunInProgress = -32002 // Another run holds the process lock
	ErrorCodeRunFinished   = -32003 // The run already reached a terminal state
)

// handleRunIngest handles the run_ingest tool invocation
func (s *Server) handleRunIngest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	mode, err := types.ParseRunMode(getStringDefault(args, "mode", string(types.ModeCron)))
	if err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid mode", map[string]interface{}{
			"param":   "mode",
			"allowed": []string{string(types.ModeBackfill), string(types.ModeCron)},
		})
	}

	return s.startRun(ctx, indexer.RunOptions{Mode: mode}, getBoolDefault(args, "wait", false))
}

// handleIngestRFQ handles the ingest_rfq tool invocation
func (s *Server) handleIngestRFQ(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	rfqID := getStringDefault(args, "rfq_id", "")
	if rfqID == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "rfq_id parameter is required", map[string]interface{}{
			"param":  "rfq_id",
			"reason": "missing or empty",
		})
	}

	return s.startRun(ctx, indexer.RunOptions{Mode: types.ModeCron, RFQID: rfqID}, getBoolDefault(args, "wait", true))
}

func (s *Server) startRun(ctx context.Context, opts indexer.RunOptions, wait bool) (*mcp.CallToolResult, error) {
	if !wait {
		run, _, err := s.pipeline.Go(ctx, opts)
		if err != nil {
			return nil, runError(err)
		}
		response := runResponse(run)
		response["started"] = true
		return mcp.NewToolResultText(formatJSON(response)), nil
	}

	report, err := s.pipeline.Run(ctx, opts)
	if report == nil {
		return nil, runError(err)
	}
	response := runResponse(report.Run)
	if summary, serr := runs.Summary(report.Run); serr == nil {
		response["summary"] = summary
	}
	if err != nil {
		response["error"] = err.Error()
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleGetRunStatus handles the get_run_status tool invocation
func (s *Server) handleGetRunStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	runID := getStringDefault(args, "run_id", "")
	if runID == "" {
		return s.listRuns(ctx, args)
	}

	run, err := s.tracker.Get(ctx, runID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, newMCPError(ErrorCodeRunNotFound, "run not found", map[string]interface{}{
			"run_id": runID,
		})
	}
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to get run", map[string]interface{}{
			"error": err.Error(),
		})
	}

	tables, err := s.tracker.Tables(ctx, runID)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to get table progress", map[string]interface{}{
			"error": err.Error(),
		})
	}
	summary, err := runs.Summary(run)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to decode summary", map[string]interface{}{
			"error": err.Error(),
		})
	}

	progress := make([]map[string]interface{}, 0, len(tables))
	for _, t := range tables {
		entry := map[string]interface{}{
			"table":          t.TableKey,
			"status":         string(t.Status),
			"pages":          t.Pages,
			"rows_seen":      t.RowsSeen,
			"rows_changed":   t.RowsChanged,
			"rows_unchanged": t.RowsUnchanged,
			"rows_skipped":   t.RowsSkipped,
			"last_token":     t.LastToken,
		}
		if t.Error != nil {
			entry["error"] = *t.Error
		}
		progress = append(progress, entry)
	}

	response := runResponse(run)
	response["tables"] = progress
	response["summary"] = summary
	return mcp.NewToolResultText(formatJSON(response)), nil
}

func (s *Server) listRuns(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	limit := getIntDefault(args, "limit", 10)
	if limit < 1 || limit > 100 {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit must be between 1 and 100", map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}

	list, err := s.tracker.List(ctx, limit)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to list runs", map[string]interface{}{
			"error": err.Error(),
		})
	}
	status, err := s.storage.GetStatus(ctx)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to get status", map[string]interface{}{
			"error": err.Error(),
		})
	}

	recent := make([]map[string]interface{}, 0, len(list))
	for _, run := range list {
		recent = append(recent, runResponse(run))
	}

	response := map[string]interface{}{
		"running": s.pipeline.Running(),
		"runs":    recent,
		"statistics": map[string]interface{}{
			"rfqs":         status.RFQs,
			"products":     status.Products,
			"queries":      status.Queries,
			"shares":       status.Shares,
			"files":        status.Files,
			"files_failed": status.FilesFailed,
			"chunks":       status.Chunks,
			"embeddings":   status.Embeddings,
		},
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleCancelRun handles the cancel_run tool invocation
func (s *Server) handleCancelRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	runID := getStringDefault(args, "run_id", "")
	if runID == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "run_id parameter is required", map[string]interface{}{
			"param":  "run_id",
			"reason": "missing or empty",
		})
	}

	err = s.tracker.Cancel(ctx, runID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, newMCPError(ErrorCodeRunNotFound, "run not found", map[string]interface{}{
			"run_id": runID,
		})
	case runs.IsTerminal(err):
		return nil, newMCPError(ErrorCodeRunFinished, "run already finished", map[string]interface{}{
			"run_id": runID,
		})
	case err != nil:
		return nil, newMCPError(ErrorCodeInternalError, "failed to cancel run", map[string]interface{}{
			"error": err.Error(),
		})
	}

	response := map[string]interface{}{
		"run_id":    runID,
		"cancelled": true,
		"status":    string(types.StatusFailed),
		"error":     runs.CancelReason,
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// Helper functions

func runError(err error) error {
	if errors.Is(err, indexer.ErrAlreadyRunning) {
		return newMCPError(ErrorCodeRunInProgress, "an ingest run is already in progress", nil)
	}
	return newMCPError(ErrorCodeInternalError, "run failed", map[string]interface{}{
		"error": err.Error(),
	})
}

func runResponse(run *storage.Run) map[string]interface{} {
	response := map[string]interface{}{
		"run_id":     run.ID,
		"mode":       string(run.Mode),
		"status":     string(run.Status),
		"started_at": run.StartedAt.Format(time.RFC3339),
	}
	if run.FinishedAt != nil {
		response["finished_at"] = run.FinishedAt.Format(time.RFC3339)
	}
	if run.Error != nil {
		response["error"] = *run.Error
	}
	return response
}

// arguments returns the tool arguments; a call without arguments is an
// empty map
func arguments(request mcp.CallToolRequest) (map[string]interface{}, error) {
	if request.Params.Arguments == nil {
		return map[string]interface{}{}, nil
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	return args, nil
}

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}
