package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// runIngestTool returns the tool definition for run_ingest
func runIngestTool() mcp.Tool {
	return mcp.Tool{
		Name:        "run_ingest",
		Description: "Start an ingest run over every source table and rebuild the changed RFQs",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"mode": map[string]interface{}{
					"type":        "string",
					"description": "backfill reads every table from the start; cron resumes from the stored cursors",
					"enum":        []string{"backfill", "cron"},
					"default":     "cron",
				},
				"wait": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, return after the run finishes instead of as soon as it starts",
					"default":     false,
				},
			},
		},
	}
}

// ingestRFQTool returns the tool definition for ingest_rfq
func ingestRFQTool() mcp.Tool {
	return mcp.Tool{
		Name:        "ingest_rfq",
		Description: "Re-ingest one RFQ and rebuild its chunks even when its rows are unchanged",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"rfq_id": map[string]interface{}{
					"type":        "string",
					"description": "Source row id of the RFQ",
				},
				"wait": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, return after the run finishes",
					"default":     true,
				},
			},
			Required: []string{"rfq_id"},
		},
	}
}

// getRunStatusTool returns the tool definition for get_run_status
func getRunStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_run_status",
		Description: "Show one run with its table progress and summary, or the latest runs and index totals",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"run_id": map[string]interface{}{
					"type":        "string",
					"description": "Run id; omit to list recent runs",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Number of recent runs to list (1-100)",
					"default":     10,
					"minimum":     1,
					"maximum":     100,
				},
			},
		},
	}
}

// cancelRunTool returns the tool definition for cancel_run
func cancelRunTool() mcp.Tool {
	return mcp.Tool{
		Name:        "cancel_run",
		Description: "Cancel a running ingest run; workers stop before their next entity",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"run_id": map[string]interface{}{
					"type":        "string",
					"description": "Run id to cancel",
				},
			},
			Required: []string{"run_id"},
		},
	}
}
