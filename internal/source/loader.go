package source

import (
	"context"
	"io"
	"log/slog"

	"github.com/dshills/rfqindex/internal/backoff"
	"github.com/dshills/rfqindex/internal/contracts"
	"github.com/dshills/rfqindex/pkg/types"
)

// LoaderOptions configures a Loader
type LoaderOptions struct {
	Limit      int            // page size, clamped to [1, MaxPageLimit]
	StartToken string         // resume token; empty starts at the beginning
	StartKind  string         // token kind stored with StartToken
	Filter     string         // keep only rows owned by this RFQ id
	Retry      backoff.Config // retry policy for transient errors
	Logger     *slog.Logger
}

// Loader iterates the pages of one table. It is not safe for concurrent use.
type Loader struct {
	fetcher Fetcher
	table   contracts.Table
	opts    LoaderOptions
	logger  *slog.Logger

	token string
	kind  string
	done  bool
	pages int
}

// NewLoader creates a loader positioned at opts.StartToken
func NewLoader(fetcher Fetcher, table contracts.Table, opts LoaderOptions) *Loader {
	if opts.Retry.MaxRetries <= 0 {
		opts.Retry = backoff.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Loader{
		fetcher: fetcher,
		table:   table,
		opts:    opts,
		logger:  logger.With("table", table.Key),
		token:   opts.StartToken,
		kind:    opts.StartKind,
	}
}

// Token returns the token the next call to Next will request
func (l *Loader) Token() string {
	return l.token
}

// Next returns the next page, or io.EOF after the last one. Transient
// errors are retried; the error returned after exhausting retries leaves
// the loader positioned at the same token.
func (l *Loader) Next(ctx context.Context) (*Page, error) {
	if l.done {
		return nil, io.EOF
	}

	page, err := backoff.Retry(ctx, l.opts.Retry, types.IsTransient, func(ctx context.Context) (Page, error) {
		p, err := l.fetcher.Fetch(ctx, l.table, l.token, l.kind, l.opts.Limit)
		if err != nil && types.IsTransient(err) {
			l.logger.Warn("transient source error", "token", l.token, "error", err)
		}
		return p, err
	})
	if err != nil {
		return nil, err
	}

	page.Token = l.token
	l.pages++

	if l.opts.Filter != "" {
		kept := page.Rows[:0]
		for _, row := range page.Rows {
			if l.table.OwnerID(row) == l.opts.Filter {
				kept = append(kept, row)
			}
		}
		page.Filtered = len(page.Rows) - len(kept)
		page.Rows = kept
	}

	switch {
	case page.NextToken == "":
		l.done = true
	case page.NextToken == l.token:
		// A token that does not advance would loop forever
		l.logger.Warn("source returned a non-advancing token, stopping", "token", l.token)
		page.NextToken = ""
		l.done = true
	default:
		l.token, l.kind = page.NextToken, page.TokenKind
	}

	return &page, nil
}
