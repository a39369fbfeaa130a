package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dshills/rfqindex/internal/indexer"
	"github.com/dshills/rfqindex/internal/mcp"
	"github.com/dshills/rfqindex/internal/runs"
	"github.com/dshills/rfqindex/internal/storage"
	"github.com/dshills/rfqindex/pkg/types"
)

func (a *app) backfillCommand(c *cli.Context) error {
	return a.runIngest(c, indexer.RunOptions{Mode: types.ModeBackfill})
}

func (a *app) cronCommand(c *cli.Context) error {
	return a.runIngest(c, indexer.RunOptions{Mode: types.ModeCron})
}

func (a *app) ingestOneCommand(c *cli.Context) error {
	rfqID := c.Args().First()
	if rfqID == "" {
		return cli.Exit("ingest-one requires an rfq id", 2)
	}
	return a.runIngest(c, indexer.RunOptions{Mode: types.ModeCron, RFQID: rfqID})
}

// runIngest executes one run in the foreground. An interrupt cancels the
// run context; the run is still finished and its summary printed.
func (a *app) runIngest(c *cli.Context, opts indexer.RunOptions) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	pipeline, cleanup, err := a.buildPipeline(store)
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := pipeline.Run(ctx, opts)
	if report != nil && report.Run != nil {
		if perr := printJSON(c.App.Writer, runView(report.Run)); perr != nil {
			return perr
		}
	}
	if err != nil {
		return cli.Exit(fmt.Sprintf("run failed: %v", err), 1)
	}
	return nil
}

func (a *app) statusCommand(c *cli.Context) error {
	ctx := c.Context
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	tracker := runs.NewTracker(store, a.logger)

	if runID := c.Args().First(); runID != "" {
		run, err := tracker.Get(ctx, runID)
		if errors.Is(err, storage.ErrNotFound) {
			return cli.Exit(fmt.Sprintf("run %s not found", runID), 1)
		}
		if err != nil {
			return err
		}
		tables, err := tracker.Tables(ctx, runID)
		if err != nil {
			return err
		}
		view := runView(run)
		progress := make([]map[string]any, 0, len(tables))
		for _, t := range tables {
			entry := map[string]any{
				"table":        t.TableKey,
				"status":       string(t.Status),
				"pages":        t.Pages,
				"rows_seen":    t.RowsSeen,
				"rows_changed": t.RowsChanged,
				"last_token":   t.LastToken,
			}
			if t.Error != nil {
				entry["error"] = *t.Error
			}
			progress = append(progress, entry)
		}
		view["tables"] = progress
		return printJSON(c.App.Writer, view)
	}

	limit := c.Int("limit")
	if limit < 1 {
		return cli.Exit("--limit must be positive", 2)
	}
	list, err := tracker.List(ctx, limit)
	if err != nil {
		return err
	}
	status, err := store.GetStatus(ctx)
	if err != nil {
		return err
	}
	recent := make([]map[string]any, 0, len(list))
	for _, run := range list {
		recent = append(recent, runView(run))
	}
	return printJSON(c.App.Writer, map[string]any{
		"runs": recent,
		"statistics": map[string]any{
			"rfqs":         status.RFQs,
			"products":     status.Products,
			"queries":      status.Queries,
			"shares":       status.Shares,
			"files":        status.Files,
			"files_failed": status.FilesFailed,
			"chunks":       status.Chunks,
			"embeddings":   status.Embeddings,
		},
	})
}

func (a *app) cancelCommand(c *cli.Context) error {
	runID := c.Args().First()
	if runID == "" {
		return cli.Exit("cancel requires a run id", 2)
	}
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	err = runs.NewTracker(store, a.logger).Cancel(c.Context, runID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return cli.Exit(fmt.Sprintf("run %s not found", runID), 1)
	case runs.IsTerminal(err):
		return cli.Exit(fmt.Sprintf("run %s already finished", runID), 1)
	case err != nil:
		return err
	}
	fmt.Fprintf(c.App.Writer, "run %s cancelled\n", runID)
	return nil
}

func (a *app) serveCommand(c *cli.Context) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	pipeline, cleanup, err := a.buildPipeline(store)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	// stdout carries the protocol; logs go to stderr and the log file
	server := mcp.NewServer(store, pipeline, a.logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Serve(ctx)
	}()

	select {
	case sig := <-sigChan:
		a.logger.Info("shutting down", "signal", sig.String())
		cancel()
		return nil
	case err := <-errChan:
		return err
	}
}

func (a *app) migrateCommand(c *cli.Context) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if c.Bool("rollback") {
		if err := storage.RollbackMigration(c.Context, store.DB()); err != nil {
			return fmt.Errorf("rollback: %w", err)
		}
	}
	v, err := storage.SchemaVersion(c.Context, store.DB())
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "schema version %s\n", v)
	return nil
}

func runView(run *storage.Run) map[string]any {
	view := map[string]any{
		"run_id":     run.ID,
		"mode":       string(run.Mode),
		"status":     string(run.Status),
		"started_at": run.StartedAt.Format(time.RFC3339),
	}
	if run.FinishedAt != nil {
		view["finished_at"] = run.FinishedAt.Format(time.RFC3339)
	}
	if run.Error != nil {
		view["error"] = *run.Error
	}
	if summary, err := runs.Summary(run); err == nil && len(summary) > 0 {
		view["summary"] = summary
	}
	return view
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
