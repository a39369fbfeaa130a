package source

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/rfqindex/internal/backoff"
	"github.com/dshills/rfqindex/internal/contracts"
	"github.com/dshills/rfqindex/pkg/types"
)

// fakeFetcher serves pages keyed by request token
type fakeFetcher struct {
	mu        sync.Mutex
	pages     map[string]Page
	failures  map[string][]error // errors returned before the page, per token
	callCount int
	tokens    []string
	kinds     []string
}

func (f *fakeFetcher) Fetch(_ context.Context, table contracts.Table, token, kind string, _ int) (Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount++
	f.tokens = append(f.tokens, token)
	f.kinds = append(f.kinds, kind)
	if errs := f.failures[token]; len(errs) > 0 {
		f.failures[token] = errs[1:]
		return Page{}, errs[0]
	}
	return f.pages[token], nil
}

func fastRetry() backoff.Config {
	return backoff.Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func drain(t *testing.T, l *Loader) []*Page {
	t.Helper()
	var pages []*Page
	for {
		p, err := l.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return pages
		}
		require.NoError(t, err)
		pages = append(pages, p)
	}
}

func productsTable(t *testing.T) contracts.Table {
	c, err := contracts.Load("")
	require.NoError(t, err)
	table, err := c.Table(contracts.TableProducts)
	require.NoError(t, err)
	return table
}

func TestLoader_PagesUntilExhausted(t *testing.T) {
	f := &fakeFetcher{pages: map[string]Page{
		"":      {Rows: []map[string]any{{"$rowID": "p1"}}, NextToken: "tok-1", TokenKind: TokenStartAt},
		"tok-1": {Rows: []map[string]any{{"$rowID": "p2"}}, TokenKind: TokenStartAt},
	}}

	l := NewLoader(f, productsTable(t), LoaderOptions{Limit: 100, Retry: fastRetry()})
	pages := drain(t, l)

	require.Len(t, pages, 2)
	assert.Equal(t, "tok-1", pages[0].NextToken)
	assert.Equal(t, "tok-1", pages[1].Token)
	assert.Empty(t, pages[1].NextToken)
	assert.Equal(t, []string{"", "tok-1"}, f.tokens)
}

func TestLoader_ResumesFromToken(t *testing.T) {
	f := &fakeFetcher{pages: map[string]Page{
		"tok-7": {Rows: []map[string]any{{"$rowID": "p9"}}},
	}}

	l := NewLoader(f, productsTable(t), LoaderOptions{StartToken: "tok-7", Retry: fastRetry()})
	pages := drain(t, l)
	require.Len(t, pages, 1)
	assert.Equal(t, []string{"tok-7"}, f.tokens)
}

func TestLoader_PassesTokenKind(t *testing.T) {
	f := &fakeFetcher{pages: map[string]Page{
		"cur-1": {Rows: []map[string]any{{"$rowID": "p1"}}, NextToken: "cur-2", TokenKind: TokenCursor},
		"cur-2": {Rows: []map[string]any{{"$rowID": "p2"}}, NextToken: "tok-3", TokenKind: TokenStartAt},
		"tok-3": {Rows: []map[string]any{{"$rowID": "p3"}}, TokenKind: TokenStartAt},
	}}

	l := NewLoader(f, productsTable(t), LoaderOptions{StartToken: "cur-1", StartKind: TokenCursor, Retry: fastRetry()})
	pages := drain(t, l)
	require.Len(t, pages, 3)
	assert.Equal(t, []string{"cur-1", "cur-2", "tok-3"}, f.tokens)
	assert.Equal(t, []string{TokenCursor, TokenCursor, TokenStartAt}, f.kinds)
}

func TestLoader_RetriesTransient(t *testing.T) {
	transient := &types.TransientSourceError{Table: "p", Err: errors.New("503")}
	f := &fakeFetcher{
		pages:    map[string]Page{"": {Rows: []map[string]any{{"$rowID": "p1"}}}},
		failures: map[string][]error{"": {transient, transient}},
	}

	l := NewLoader(f, productsTable(t), LoaderOptions{Retry: fastRetry()})
	pages := drain(t, l)
	require.Len(t, pages, 1)
	assert.Equal(t, 3, f.callCount)
}

func TestLoader_TransientExhaustionKeepsPosition(t *testing.T) {
	transient := &types.TransientSourceError{Table: "p", Err: errors.New("503")}
	f := &fakeFetcher{
		pages: map[string]Page{
			"":      {Rows: []map[string]any{{"$rowID": "p1"}}, NextToken: "tok-1"},
			"tok-1": {Rows: []map[string]any{{"$rowID": "p2"}}},
		},
		failures: map[string][]error{"tok-1": {transient, transient, transient}},
	}

	l := NewLoader(f, productsTable(t), LoaderOptions{Retry: fastRetry()})
	_, err := l.Next(context.Background())
	require.NoError(t, err)

	_, err = l.Next(context.Background())
	assert.True(t, types.IsTransient(err))
	assert.Equal(t, "tok-1", l.Token())
}

func TestLoader_PermanentNotRetried(t *testing.T) {
	perm := &types.PermanentSourceError{Table: "p", Reason: "Unauthorized"}
	f := &fakeFetcher{failures: map[string][]error{"": {perm}}}

	l := NewLoader(f, productsTable(t), LoaderOptions{Retry: fastRetry()})
	_, err := l.Next(context.Background())
	var target *types.PermanentSourceError
	assert.ErrorAs(t, err, &target)
	assert.Equal(t, 1, f.callCount)
}

func TestLoader_Filter(t *testing.T) {
	f := &fakeFetcher{pages: map[string]Page{
		"": {Rows: []map[string]any{
			{"$rowID": "p1", "RFQ ID": "rfq_1"},
			{"$rowID": "p2", "RFQ ID": "rfq_2"},
			{"$rowID": "p3", "RFQ ID": "rfq_1"},
		}},
	}}

	l := NewLoader(f, productsTable(t), LoaderOptions{Filter: "rfq_1", Retry: fastRetry()})
	pages := drain(t, l)
	require.Len(t, pages, 1)
	assert.Len(t, pages[0].Rows, 2)
	assert.Equal(t, 1, pages[0].Filtered)
}

func TestLoader_StopsOnNonAdvancingToken(t *testing.T) {
	f := &fakeFetcher{pages: map[string]Page{
		"":     {Rows: []map[string]any{{"$rowID": "p1"}}, NextToken: "same"},
		"same": {Rows: []map[string]any{{"$rowID": "p2"}}, NextToken: "same"},
	}}

	l := NewLoader(f, productsTable(t), LoaderOptions{Retry: fastRetry()})
	pages := drain(t, l)
	require.Len(t, pages, 2)
	assert.Empty(t, pages[1].NextToken)
}
