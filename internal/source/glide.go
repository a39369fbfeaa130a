package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dshills/rfqindex/internal/contracts"
	"github.com/dshills/rfqindex/pkg/types"
)

// Token kinds reported by the source
const (
	TokenStartAt = "startAt"
	TokenCursor  = "cursor"
)

const (
	// MaxPageLimit is the largest page the queryTables API serves
	MaxPageLimit = 10000
	// maxResponseBytes bounds a single response body
	maxResponseBytes = 256 << 20
)

// Page is one page of source rows
type Page struct {
	Rows      []map[string]any
	Token     string // token used to request this page
	NextToken string // empty when the table is exhausted
	TokenKind string
	Filtered  int // rows dropped by the loader filter
}

// Fetcher fetches one page of a table. kind is the token kind the source
// reported with token; it is empty for the first page.
type Fetcher interface {
	Fetch(ctx context.Context, table contracts.Table, token, kind string, limit int) (Page, error)
}

// GlideConfig configures a GlideClient
type GlideConfig struct {
	Endpoint   string
	AppID      string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// GlideClient is a read-only client for the Glide queryTables function
type GlideClient struct {
	endpoint string
	appID    string
	apiKey   string
	http     *http.Client
}

// NewGlideClient creates a client; a nil HTTPClient gets one with cfg.Timeout
func NewGlideClient(cfg GlideConfig) (*GlideClient, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("glide endpoint is required")
	}
	if cfg.AppID == "" {
		return nil, errors.New("glide app id is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &GlideClient{
		endpoint: cfg.Endpoint,
		appID:    cfg.AppID,
		apiKey:   cfg.APIKey,
		http:     client,
	}, nil
}

// ClampLimit bounds a requested page size to [1, MaxPageLimit]
func ClampLimit(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxPageLimit {
		return MaxPageLimit
	}
	return n
}

type queryRequest struct {
	AppID   string       `json:"appID"`
	Queries []tableQuery `json:"queries"`
}

type tableQuery struct {
	TableName string `json:"tableName"`
	UTC       bool   `json:"utc"`
	StartAt   string `json:"startAt,omitempty"`
	Cursor    string `json:"cursor,omitempty"`
	Limit     int    `json:"limit"`
}

// Fetch requests one page of table starting at token. Cursor tokens go
// back as "cursor", every other kind as "startAt".
func (c *GlideClient) Fetch(ctx context.Context, table contracts.Table, token, kind string, limit int) (Page, error) {
	query := tableQuery{
		TableName: table.TableName,
		UTC:       true,
		Limit:     ClampLimit(limit),
	}
	if kind == TokenCursor {
		query.Cursor = token
	} else {
		query.StartAt = token
	}
	body, err := json.Marshal(queryRequest{AppID: c.appID, Queries: []tableQuery{query}})
	if err != nil {
		return Page{}, fmt.Errorf("encode query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Page{}, &types.PermanentSourceError{Table: table.Key, Reason: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Page{}, ctx.Err()
		}
		return Page{}, &types.TransientSourceError{Table: table.Key, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Page{}, &types.TransientSourceError{Table: table.Key, Err: fmt.Errorf("read body: %w", err)}
	}

	if err := classifyStatus(table.Key, resp.StatusCode, data); err != nil {
		return Page{}, err
	}

	page, err := ParseResponse(data)
	if err != nil {
		return Page{}, &types.PermanentSourceError{Table: table.Key, Reason: "unexpected response shape", Err: err}
	}
	page.Token = token
	return page, nil
}

func classifyStatus(table string, code int, body []byte) error {
	if code < 400 {
		return nil
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 300 {
		msg = msg[:300]
	}
	err := fmt.Errorf("queryTables returned %d: %s", code, msg)
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500 {
		return &types.TransientSourceError{Table: table, Err: err}
	}
	return &types.PermanentSourceError{Table: table, Reason: http.StatusText(code), Err: err}
}

// ParseResponse decodes the accepted response shapes:
//
//	{"rows": [...], "next": "tok"}                      token kind startAt
//	{"results": [{"rows": [...], "cursor": "tok"}]}     token kind cursor
//	[ <either of the above> ]                           list wrapper
func ParseResponse(data []byte) (Page, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Page{}, fmt.Errorf("decode response: %w", err)
	}
	return parseShape(v)
}

func parseShape(v any) (Page, error) {
	switch x := v.(type) {
	case []any:
		if len(x) == 0 {
			return Page{}, nil
		}
		return parseShape(x[0])
	case map[string]any:
		if results, ok := x["results"]; ok {
			list, ok := results.([]any)
			if !ok {
				return Page{}, errors.New("results is not a list")
			}
			if len(list) == 0 {
				return Page{}, nil
			}
			first, ok := list[0].(map[string]any)
			if !ok {
				return Page{}, errors.New("results[0] is not an object")
			}
			return parseRows(first, TokenCursor)
		}
		if _, ok := x["rows"]; !ok {
			return Page{}, errors.New("response has neither rows nor results")
		}
		return parseRows(x, TokenStartAt)
	default:
		return Page{}, fmt.Errorf("unexpected JSON type %T", v)
	}
}

func parseRows(obj map[string]any, defaultKind string) (Page, error) {
	page := Page{}

	if raw, ok := obj["rows"]; ok && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return Page{}, errors.New("rows is not a list")
		}
		page.Rows = make([]map[string]any, 0, len(list))
		for i, r := range list {
			row, ok := r.(map[string]any)
			if !ok {
				return Page{}, fmt.Errorf("row %d is not an object", i)
			}
			page.Rows = append(page.Rows, row)
		}
	}

	if next := contracts.Stringify(obj["next"]); next != "" {
		page.NextToken, page.TokenKind = next, TokenStartAt
		return page, nil
	}
	for _, key := range []string{"cursor", "nextCursor"} {
		if next := contracts.Stringify(obj[key]); next != "" {
			page.NextToken, page.TokenKind = next, TokenCursor
			return page, nil
		}
	}
	page.TokenKind = defaultKind
	return page, nil
}
