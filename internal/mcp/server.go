package mcp

import (
	"context"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/rfqindex/internal/indexer"
	"github.com/dshills/rfqindex/internal/runs"
	"github.com/dshills/rfqindex/internal/storage"
)

const (
	// ServerName is the MCP server name
	ServerName = "rfqindex"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"
)

// Server wraps the MCP server with application dependencies
type Server struct {
	mcp      *server.MCPServer
	storage  storage.Storage
	pipeline *indexer.Pipeline
	tracker  *runs.Tracker
	logger   *slog.Logger
}

// NewServer creates an MCP server exposing the operator tools of pipeline
func NewServer(store storage.Storage, pipeline *indexer.Pipeline, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Server{
		mcp: server.NewMCPServer(
			ServerName,
			ServerVersion,
			server.WithToolCapabilities(false),
		),
		storage:  store,
		pipeline: pipeline,
		tracker:  pipeline.Tracker(),
		logger:   logger.With("component", "mcp"),
	}
	s.registerTools()
	return s
}

// Serve starts the MCP server on stdio and blocks until shutdown. The
// caller owns the storage.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("serving MCP on stdio")
	return server.ServeStdio(s.mcp)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(runIngestTool(), s.handleRunIngest)
	s.mcp.AddTool(ingestRFQTool(), s.handleIngestRFQ)
	s.mcp.AddTool(getRunStatusTool(), s.handleGetRunStatus)
	s.mcp.AddTool(cancelRunTool(), s.handleCancelRun)
}
