package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/rfqindex/internal/backoff"
	"github.com/dshills/rfqindex/internal/contracts"
	"github.com/dshills/rfqindex/internal/storage"
	"github.com/dshills/rfqindex/pkg/types"
)

type fakeCrawler struct {
	mu        sync.Mutex
	items     map[string][]Item
	errs      map[string]error
	callCount int
}

func (f *fakeCrawler) List(_ context.Context, rootID string) ([]Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount++
	if err := f.errs[rootID]; err != nil {
		return nil, err
	}
	return f.items[rootID], nil
}

func raw(t *testing.T, row map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(row)
	require.NoError(t, err)
	return b
}

func setup(t *testing.T) (*storage.SQLiteStorage, *contracts.Contracts) {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	c, err := contracts.Load("")
	require.NoError(t, err)
	return store, c
}

func bundle(t *testing.T) *storage.EntityBundle {
	return &storage.EntityBundle{
		RFQ: &storage.Entity{Kind: storage.KindRFQ, ID: "rfq_1", RawJSON: raw(t, map[string]any{
			"Quotation Folder Link": " https://drive.google.com/drive/folders/FOLDER1/ ",
			"Screen URL":            "https://example.com/screens/rfq_1.png",
		})},
		Products: []*storage.Entity{
			{Kind: storage.KindProduct, ID: "P1", RawJSON: raw(t, map[string]any{
				"DWG Link":          "https://example.com/dwg/a%20b.pdf",
				"Rep URL":           "https://example.com/dwg/a%20b.pdf/",
				"Additional Photos": []any{"https://example.com/p1.jpg", "", "https://example.com/p2.jpg"},
				"Additional Files":  "https://drive.google.com/file/d/FILE9/view, https://example.com/p1.jpg",
			})},
		},
		Queries: []*storage.Entity{
			{Kind: storage.KindQuery, ID: "Q1", RawJSON: raw(t, map[string]any{
				"Images Attached": map[string]any{"a": "https://example.com/q.png"},
			})},
		},
	}
}

func TestDriveID(t *testing.T) {
	tests := []struct {
		url string
		id  string
		ok  bool
	}{
		{"https://drive.google.com/drive/folders/abc_DEF-1?usp=sharing", "abc_DEF-1", true},
		{"https://drive.google.com/file/d/XYZ/view", "XYZ", true},
		{"https://drive.google.com/open?id=QQ1", "QQ1", true},
		{"https://example.com/file.pdf", "", false},
	}
	for _, tt := range tests {
		id, ok := DriveID(tt.url)
		assert.Equal(t, tt.ok, ok, tt.url)
		assert.Equal(t, tt.id, id, tt.url)
	}
}

func TestTargets_Dedup(t *testing.T) {
	_, c := setup(t)

	targets, err := Targets(c, bundle(t))
	require.NoError(t, err)

	var urls []string
	for _, tg := range targets {
		urls = append(urls, string(tg.Kind)+" "+tg.URL)
	}
	assert.Equal(t, []string{
		"RFQ_FOLDER https://drive.google.com/drive/folders/FOLDER1",
		"DIRECT_URL https://example.com/screens/rfq_1.png",
		"PRODUCT_LINK https://example.com/dwg/a%20b.pdf",
		"PRODUCT_LINK https://example.com/p1.jpg",
		"PRODUCT_LINK https://example.com/p2.jpg",
		"PRODUCT_LINK https://drive.google.com/file/d/FILE9/view",
		"QUERY_ATTACHMENT https://example.com/q.png",
	}, urls)
	assert.Equal(t, "P1", targets[2].ProductID)
	assert.Equal(t, "Q1", targets[6].QueryID)
}

func TestResolve_ExpandsFoldersAndIsIdempotent(t *testing.T) {
	store, c := setup(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertEntity(ctx, &storage.Entity{Kind: storage.KindRFQ, ID: "rfq_1", RowHash: "h"}))

	size := int64(1024)
	modified := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	crawler := &fakeCrawler{items: map[string][]Item{
		"FOLDER1": {
			{ProviderID: "SUB", ParentProviderID: "FOLDER1", Name: "specs", Path: "root/specs", Mime: FolderMime},
			{ProviderID: "F1", ParentProviderID: "SUB", Name: "a.pdf", Path: "root/specs/a.pdf", Mime: "application/pdf", SizeBytes: &size, ModifiedAt: &modified},
		},
		"FILE9": {{ProviderID: "FILE9", Name: "drawing.dwg", Path: "drawing.dwg"}},
	}}
	r := New(c, crawler, Options{})

	res, err := r.Resolve(ctx, store, bundle(t))
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 1, res.Folders)
	assert.Len(t, res.Files, 7)

	first, err := store.ListFilesByRFQ(ctx, "rfq_1")
	require.NoError(t, err)
	assert.Len(t, first, 8)

	var pdf *storage.File
	for _, f := range res.Files {
		if f.ProviderID == "F1" {
			pdf = f
		}
	}
	require.NotNil(t, pdf)
	assert.Equal(t, ProviderDrive, pdf.Provider)
	assert.Equal(t, "SUB", pdf.ParentProviderID)
	assert.Equal(t, string(SourceRFQFolder), pdf.SourceKind)

	_, err = r.Resolve(ctx, store, bundle(t))
	require.NoError(t, err)
	second, err := store.ListFilesByRFQ(ctx, "rfq_1")
	require.NoError(t, err)
	assert.Len(t, second, 8, "re-resolving creates no new records")
}

func TestResolve_CrawlFailureIsAWarning(t *testing.T) {
	store, c := setup(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertEntity(ctx, &storage.Entity{Kind: storage.KindRFQ, ID: "rfq_1", RowHash: "h"}))

	crawler := &fakeCrawler{
		items: map[string][]Item{"FILE9": {{ProviderID: "FILE9", Name: "d.dwg"}}},
		errs: map[string]error{
			"FOLDER1": &types.TransientSourceError{Table: "drive", Err: errors.New("503")},
		},
	}
	r := New(c, crawler, Options{Retry: backoff.Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}})

	res, err := r.Resolve(ctx, store, bundle(t))
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "FOLDER1")
	assert.Equal(t, 3, crawler.callCount, "two attempts for the folder, one for the file")
	assert.Len(t, res.Files, 6)
}

func TestResolve_WithoutCrawler(t *testing.T) {
	store, c := setup(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertEntity(ctx, &storage.Entity{Kind: storage.KindRFQ, ID: "rfq_1", RowHash: "h"}))

	res, err := New(c, nil, Options{}).Resolve(ctx, store, bundle(t))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Folders)

	var names []string
	for _, f := range res.Files {
		names = append(names, f.Provider+":"+f.Name)
	}
	assert.Contains(t, names, "http:a b.pdf")
	assert.Contains(t, names, "gdrive:FILE9")
}
