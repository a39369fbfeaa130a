package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/dshills/rfqindex/internal/config"
	"github.com/dshills/rfqindex/internal/logging"
	"github.com/dshills/rfqindex/internal/storage"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// app carries the state shared by every command once Before has run
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	closeLog func() error
}

func newApp() *cli.App {
	a := &app{}

	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Fprintf(c.App.Writer, "rfqindex %s\n", version)
		fmt.Fprintf(c.App.Writer, "Build Time: %s\n", buildTime)
		fmt.Fprintf(c.App.Writer, "Build Mode: %s\n", storage.BuildMode)
		fmt.Fprintf(c.App.Writer, "SQLite Driver: %s\n", storage.DriverName)
	}

	return &cli.App{
		Name:    "rfqindex",
		Usage:   "Incremental RFQ and CRM ingestion into a SQLite vector index",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML config file",
				EnvVars: []string{"RFQINDEX_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "SQLite database path (overrides the config)",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
			},
		},
		Before: a.setup,
		After:  a.teardown,
		Commands: []*cli.Command{
			{
				Name:   "backfill",
				Usage:  "Read every table from the start and rebuild the changed RFQs",
				Action: a.backfillCommand,
			},
			{
				Name:   "cron",
				Usage:  "Resume every table from its stored cursor and rebuild the changed RFQs",
				Action: a.cronCommand,
			},
			{
				Name:      "ingest-one",
				Usage:     "Re-ingest one RFQ and rebuild its chunks",
				ArgsUsage: "<rfq-id>",
				Action:    a.ingestOneCommand,
			},
			{
				Name:      "status",
				Usage:     "Show one run, or the latest runs and index totals",
				ArgsUsage: "[run-id]",
				Action:    a.statusCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Number of recent runs to list",
						Value: 10,
					},
				},
			},
			{
				Name:      "cancel",
				Usage:     "Mark a running run as cancelled",
				ArgsUsage: "<run-id>",
				Action:    a.cancelCommand,
			},
			{
				Name:   "serve",
				Usage:  "Serve the operator tools over MCP on stdio",
				Action: a.serveCommand,
			},
			{
				Name:   "migrate",
				Usage:  "Apply schema migrations and print the schema version",
				Action: a.migrateCommand,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "rollback",
						Usage: "Roll back the latest migration",
					},
				},
			},
		},
	}
}

func (a *app) setup(c *cli.Context) error {
	cfg, err := config.LoadFrom(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if db := c.String("db"); db != "" {
		cfg.DBPath = db
	}
	if level := c.String("log-level"); level != "" {
		cfg.LogLevel = level
	}

	a.cfg = cfg
	a.logger, a.closeLog = logging.Setup(cfg.LogFile, cfg.Level())
	slog.SetDefault(a.logger)
	return nil
}

func (a *app) teardown(_ *cli.Context) error {
	if a.closeLog == nil {
		return nil
	}
	return a.closeLog()
}
