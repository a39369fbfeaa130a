// Package resolver turns the link fields of an RFQ and its children into
// deduplicated file records, expanding drive folders through a Crawler.
package resolver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/dshills/rfqindex/internal/backoff"
	"github.com/dshills/rfqindex/internal/contracts"
	"github.com/dshills/rfqindex/internal/storage"
	"github.com/dshills/rfqindex/pkg/types"
)

// SourceKind says which field a file reference came from
type SourceKind string

const (
	SourceRFQFolder       SourceKind = "RFQ_FOLDER"
	SourceDirectURL       SourceKind = "DIRECT_URL"
	SourceProductLink     SourceKind = "PRODUCT_LINK"
	SourceQueryAttachment SourceKind = "QUERY_ATTACHMENT"
)

// Providers
const (
	ProviderDrive = "gdrive"
	ProviderHTTP  = "http"
)

// FolderMime marks drive folders
const FolderMime = "application/vnd.google-apps.folder"

var driveIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/folders/([a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`/file/d/([a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`[?&]id=([a-zA-Z0-9_-]+)`),
}

// Target is one normalized link owned by an RFQ, product or query
type Target struct {
	RFQID     string
	ProductID string
	QueryID   string
	Kind      SourceKind
	URL       string
}

// Item is one entry returned by a Crawler
type Item struct {
	ProviderID       string
	ParentProviderID string
	Name             string
	Path             string
	Mime             string
	IsFolder         bool
	SizeBytes        *int64
	ModifiedAt       *time.Time
}

// Crawler lists a drive root recursively. A root that is a file yields
// just that file. Implementations bound their own depth and item count.
type Crawler interface {
	List(ctx context.Context, rootID string) ([]Item, error)
}

// NormalizeURL trims whitespace and one trailing slash
func NormalizeURL(u string) string {
	u = strings.TrimSpace(u)
	return strings.TrimSuffix(u, "/")
}

// DriveID extracts a drive file or folder id from common link formats
func DriveID(u string) (string, bool) {
	for _, re := range driveIDPatterns {
		if m := re.FindStringSubmatch(u); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// Targets collects the link fields of a bundle in a stable order:
// RFQ folder and screen links, then product links, then query attachments.
// Duplicates of (rfq, product, query, url) are dropped.
func Targets(c *contracts.Contracts, bundle *storage.EntityBundle) ([]Target, error) {
	if bundle == nil || bundle.RFQ == nil {
		return nil, fmt.Errorf("bundle has no rfq")
	}
	rfqs, err := c.ByEntity(contracts.EntityRFQ)
	if err != nil {
		return nil, err
	}
	products, err := c.ByEntity(contracts.EntityProduct)
	if err != nil {
		return nil, err
	}
	queries, err := c.ByEntity(contracts.EntityQuery)
	if err != nil {
		return nil, err
	}

	rfqID := bundle.RFQ.ID
	seen := make(map[Target]bool)
	var out []Target
	add := func(t Target, raw ...string) {
		for _, r := range raw {
			t.URL = NormalizeURL(r)
			if t.URL == "" || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}

	row, err := bundle.RFQ.Row()
	if err != nil {
		return nil, err
	}
	add(Target{RFQID: rfqID, Kind: SourceRFQFolder}, rfqs.String(row, "quotation_folder_link"))
	add(Target{RFQID: rfqID, Kind: SourceDirectURL}, rfqs.String(row, "screen_url"))

	for _, p := range bundle.Products {
		row, err := p.Row()
		if err != nil {
			return nil, err
		}
		t := Target{RFQID: rfqID, ProductID: p.ID, Kind: SourceProductLink}
		add(t, products.String(row, "dwg_link"), products.String(row, "rep_url"))
		for _, col := range []string{"addl_photos", "addl_files", "addl_files_internal"} {
			add(t, products.List(row, col)...)
		}
	}

	for _, q := range bundle.Queries {
		row, err := q.Row()
		if err != nil {
			return nil, err
		}
		add(Target{RFQID: rfqID, QueryID: q.ID, Kind: SourceQueryAttachment}, queries.List(row, "images_attached")...)
	}

	return out, nil
}

// Options configure a Resolver
type Options struct {
	Retry  backoff.Config
	Logger *slog.Logger
}

// Resolver upserts file records for the targets of an RFQ
type Resolver struct {
	contracts *contracts.Contracts
	crawler   Crawler // nil disables folder expansion
	retry     backoff.Config
	logger    *slog.Logger
}

// New creates a resolver
func New(c *contracts.Contracts, crawler Crawler, opts Options) *Resolver {
	if opts.Retry.MaxRetries <= 0 {
		opts.Retry = backoff.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Resolver{
		contracts: c,
		crawler:   crawler,
		retry:     opts.Retry,
		logger:    logger.With("component", "resolver"),
	}
}

// Result lists the fetchable files of an RFQ and any crawl warnings
type Result struct {
	Files    []*storage.File
	Folders  int
	Warnings []string
}

// Resolve upserts a file record for every target, expanding drive roots
// through the crawler. A crawl failure is a warning; the other targets
// still resolve.
func (r *Resolver) Resolve(ctx context.Context, store storage.Storage, bundle *storage.EntityBundle) (*Result, error) {
	targets, err := Targets(r.contracts, bundle)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	byID := make(map[int64]bool)
	for _, t := range targets {
		files, err := r.expand(ctx, t)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			msg := fmt.Sprintf("crawl %s failed: %v", t.URL, err)
			r.logger.Warn("crawl failed", "rfq_id", t.RFQID, "url", t.URL, "error", err)
			res.Warnings = append(res.Warnings, msg)
			continue
		}
		for _, f := range files {
			if err := store.UpsertFile(ctx, f); err != nil {
				return res, err
			}
			if f.IsFolder {
				res.Folders++
				continue
			}
			// The natural key ignores the owning product or query, so two
			// links to one document resolve to one record.
			if byID[f.ID] {
				continue
			}
			byID[f.ID] = true
			res.Files = append(res.Files, f)
		}
	}

	r.logger.Debug("sources resolved", "rfq_id", bundle.RFQ.ID,
		"targets", len(targets), "files", len(res.Files), "folders", res.Folders)
	return res, nil
}

// expand maps one target to its file records
func (r *Resolver) expand(ctx context.Context, t Target) ([]*storage.File, error) {
	base := storage.File{
		RFQID:      t.RFQID,
		ProductID:  t.ProductID,
		QueryID:    t.QueryID,
		SourceKind: string(t.Kind),
		RootURL:    t.URL,
	}

	id, isDrive := DriveID(t.URL)
	if !isDrive {
		f := base
		f.Provider = ProviderHTTP
		f.ProviderID = t.URL
		f.Name = nameFromURL(t.URL)
		f.Path = f.Name
		return []*storage.File{&f}, nil
	}

	if r.crawler == nil {
		f := base
		f.Provider = ProviderDrive
		f.ProviderID = id
		f.IsFolder = strings.Contains(t.URL, "/folders/")
		f.Path = id
		f.Name = id
		if f.IsFolder {
			f.Mime = FolderMime
		}
		return []*storage.File{&f}, nil
	}

	items, err := backoff.Retry(ctx, r.retry, types.IsTransient, func(ctx context.Context) ([]Item, error) {
		return r.crawler.List(ctx, id)
	})
	if err != nil {
		return nil, err
	}

	out := make([]*storage.File, 0, len(items))
	for _, it := range items {
		f := base
		f.Provider = ProviderDrive
		f.ProviderID = it.ProviderID
		f.ParentProviderID = it.ParentProviderID
		f.IsFolder = it.IsFolder || it.Mime == FolderMime
		f.Name = it.Name
		f.Path = it.Path
		if f.Path == "" {
			f.Path = it.Name
		}
		f.Mime = it.Mime
		f.SizeBytes = it.SizeBytes
		f.ModifiedAt = it.ModifiedAt
		out = append(out, &f)
	}
	return out, nil
}

func nameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" || u.Path == "/" {
		return raw
	}
	name := path.Base(u.Path)
	if unescaped, err := url.PathUnescape(name); err == nil {
		return unescaped
	}
	return name
}
