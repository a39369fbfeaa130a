package extract

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/dshills/rfqindex/internal/backoff"
	"github.com/dshills/rfqindex/internal/storage"
	"github.com/dshills/rfqindex/pkg/types"
)

type fakeFetcher struct {
	mu         sync.Mutex
	data       map[string][]byte
	size       map[string]int64
	failures   map[string][]error
	statCalls  int
	fetchCalls int
}

func (f *fakeFetcher) Stat(_ context.Context, file *storage.File) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statCalls++
	if n, ok := f.size[file.ProviderID]; ok {
		return n, nil
	}
	return SizeUnknown, nil
}

func (f *fakeFetcher) Fetch(_ context.Context, file *storage.File, maxBytes int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if errs := f.failures[file.ProviderID]; len(errs) > 0 {
		f.failures[file.ProviderID] = errs[1:]
		return nil, errs[0]
	}
	data := f.data[file.ProviderID]
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, types.ErrFileTooLarge
	}
	return data, nil
}

// fakeVision returns failures in order before falling back to err or a
// description
type fakeVision struct {
	mu       sync.Mutex
	calls    int
	failures []error
	err      error
}

func (v *fakeVision) Describe(_ context.Context, image []byte, mime string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if len(v.failures) > 0 {
		err := v.failures[0]
		v.failures = v.failures[1:]
		return "", err
	}
	if v.err != nil {
		return "", v.err
	}
	return "VISIBLE_TEXT: " + mime + " " + string(image), nil
}

func fastRetry() backoff.Config {
	return backoff.Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func setupStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.UpsertEntity(context.Background(), &storage.Entity{Kind: storage.KindRFQ, ID: "rfq_1", RowHash: "h"}))
	return store
}

func newFile(t *testing.T, store storage.Storage, providerID, name, mime string, size *int64) *storage.File {
	t.Helper()
	f := &storage.File{
		RFQID: "rfq_1", SourceKind: "DIRECT_URL", RootURL: providerID, Provider: "http",
		ProviderID: providerID, Path: name, Name: name, Mime: mime, SizeBytes: size,
	}
	require.NoError(t, store.UpsertFile(context.Background(), f))
	return f
}

func TestGuessMime(t *testing.T) {
	tests := []struct {
		name, declared, want string
	}{
		{"a.pdf", "application/PDF; charset=binary", MimePDF},
		{"a.PDF", "application/octet-stream", MimePDF},
		{"sheet.xlsx", "", MimeXLSX},
		{"photo.jpg", "", "image/jpeg"},
		{"data.csv", "application/csv", MimeCSV},
		{"doc", "application/vnd.google-apps.document", "application/vnd.google-apps.document"},
		{"noext", "", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, GuessMime(tt.name, tt.declared), tt.name)
	}
	assert.True(t, IsGoogleNative("application/vnd.google-apps.spreadsheet"))
	assert.Equal(t, "image/png", SniffMime([]byte("\x89PNG\r\n\x1a\n0000")))
}

func TestBuiltinExtractors(t *testing.T) {
	ctx := context.Background()

	frags, err := CSVExtractor{}.Extract(ctx, []byte("part, qty\nvalve,10\n,\n\"flange, 2in\",4\n"), MimeCSV)
	require.NoError(t, err)
	require.Len(t, frags, 1)
	assert.Equal(t, "part | qty\nvalve | 10\nflange, 2in | 4", frags[0].Text)

	frags, err = JSONExtractor{}.Extract(ctx, []byte(`{"a":1,"b":[2]}`), MimeJSON)
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"a\": 1,\n  \"b\": [\n    2\n  ]\n}", frags[0].Text)

	_, err = JSONExtractor{}.Extract(ctx, []byte(`{broken`), MimeJSON)
	assert.Error(t, err)

	frags, err = TextExtractor{}.Extract(ctx, []byte("ok\xff"), MimeText)
	require.NoError(t, err)
	assert.Equal(t, "ok", frags[0].Text)
}

func TestProcess_TextFile(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	fetcher := &fakeFetcher{data: map[string][]byte{"u1": []byte("hello spec")}}
	d := NewDispatcher(fetcher, nil, Options{MaxBytes: 1 << 20, Retry: fastRetry()})

	file := newFile(t, store, "u1", "notes.txt", "", nil)
	res, err := d.Process(ctx, store, file)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, []Page{{Page: 0, Text: "hello spec"}}, res.Pages)
	assert.Len(t, res.Checksum, 64)
	assert.Equal(t, 1, fetcher.statCalls, "unknown size is probed first")

	got, err := store.GetFileByID(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, types.FileOK, got.FetchStatus)
	assert.Equal(t, types.FileOK, got.ParseStatus)
	assert.Equal(t, res.Checksum, got.Checksum)
}

func TestProcess_SizeBoundary(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	limit := int64(10)
	fetcher := &fakeFetcher{
		data: map[string][]byte{"exact": []byte("0123456789"), "probed": []byte("too many bytes")},
		size: map[string]int64{"probed": 14},
	}
	d := NewDispatcher(fetcher, nil, Options{MaxBytes: limit, Retry: fastRetry()})

	over := limit + 1
	big := newFile(t, store, "big", "big.txt", MimeText, &over)
	res, err := d.Process(ctx, store, big)
	require.NoError(t, err)
	var exErr *types.ExtractionError
	require.ErrorAs(t, res.Err, &exErr)
	assert.Equal(t, "file too large", exErr.Reason)
	assert.Zero(t, fetcher.fetchCalls, "no bytes requested over the limit")
	assert.Zero(t, fetcher.statCalls)

	probed := newFile(t, store, "probed", "probed.txt", MimeText, nil)
	res, err = d.Process(ctx, store, probed)
	require.NoError(t, err)
	require.ErrorAs(t, res.Err, &exErr)
	assert.Zero(t, fetcher.fetchCalls)

	atLimit := limit
	exact := newFile(t, store, "exact", "exact.txt", MimeText, &atLimit)
	res, err = d.Process(ctx, store, exact)
	require.NoError(t, err)
	assert.NoError(t, res.Err)
	assert.Equal(t, int64(10), res.Fetched)

	got, err := store.GetFileByID(ctx, big.ID)
	require.NoError(t, err)
	assert.Equal(t, types.FileFailed, got.FetchStatus)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "file too large")
}

func TestProcess_Unsupported(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	fetcher := &fakeFetcher{}
	d := NewDispatcher(fetcher, nil, Options{Retry: fastRetry()})

	for _, f := range []*storage.File{
		newFile(t, store, "g1", "Quote", "application/vnd.google-apps.document", nil),
		newFile(t, store, "p1", "drawing.pdf", "", nil),
		newFile(t, store, "i1", "photo.png", "", nil),
	} {
		res, err := d.Process(ctx, store, f)
		require.NoError(t, err)
		assert.ErrorIs(t, res.Err, types.ErrUnsupportedType, f.Name)
		assert.Equal(t, types.FileFailed, f.ParseStatus)
	}
	assert.Zero(t, fetcher.fetchCalls)
}

func TestProcess_RetriesTransientFetch(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	transient := &types.TransientSourceError{Table: "u1", Err: errors.New("503")}
	fetcher := &fakeFetcher{
		data:     map[string][]byte{"u1": []byte("body"), "u2": []byte("x")},
		failures: map[string][]error{"u1": {transient, transient}, "u2": {errors.New("404")}},
	}
	d := NewDispatcher(fetcher, nil, Options{Retry: fastRetry()})

	res, err := d.Process(ctx, store, newFile(t, store, "u1", "a.txt", MimeText, nil))
	require.NoError(t, err)
	assert.NoError(t, res.Err)
	assert.Equal(t, 3, fetcher.fetchCalls)

	res, err = d.Process(ctx, store, newFile(t, store, "u2", "b.txt", MimeText, nil))
	require.NoError(t, err)
	var exErr *types.ExtractionError
	require.ErrorAs(t, res.Err, &exErr)
	assert.Equal(t, "fetch failed", exErr.Reason)
	assert.Equal(t, 4, fetcher.fetchCalls, "permanent errors are not retried")
}

func TestProcess_VisionBudget(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	fetcher := &fakeFetcher{data: map[string][]byte{
		"pdf":  []byte("%PDF"),
		"img":  []byte("pixels"),
		"pdf2": []byte("%PDF"),
	}}
	vision := &fakeVision{}
	d := NewDispatcher(fetcher, vision, Options{VisionMaxImages: 2, VisionTextThreshold: 5, Retry: fastRetry()})
	d.Register(MimePDF, ExtractorFunc(func(context.Context, []byte, string) ([]Fragment, error) {
		return []Fragment{
			{Page: 2, Text: "second page has plenty of text", Image: []byte("p2")},
			{Page: 1, Text: "low", Image: []byte("p1")},
			{Page: 3, Image: []byte("p3")},
			{Page: 4, Image: []byte("p4")},
		}, nil
	}))

	res, err := d.Process(ctx, store, newFile(t, store, "pdf", "scan.pdf", "", nil))
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Vision)
	assert.Equal(t, []Page{
		{Page: 1, Text: "low\nVISIBLE_TEXT: image/png p1"},
		{Page: 2, Text: "second page has plenty of text"},
		{Page: 3, Text: "VISIBLE_TEXT: image/png p3"},
	}, res.Pages)

	res, err = d.Process(ctx, store, newFile(t, store, "img", "photo.jpg", "", nil))
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, []Page{{Page: 0, Text: "VISIBLE_TEXT: image/jpeg pixels"}}, res.Pages)

	vision.err = errors.New("model down")
	res, err = d.Process(ctx, store, newFile(t, store, "pdf2", "scan2.pdf", "", nil))
	require.NoError(t, err)
	assert.NoError(t, res.Err, "a document keeps its own text when vision fails")
}

func TestProcess_VisionRetriesTransient(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	fetcher := &fakeFetcher{data: map[string][]byte{"img": []byte("pixels")}}
	vision := &fakeVision{failures: []error{
		&types.TransientSourceError{Table: "vision", Err: errors.New("429 rate limited")},
	}}
	d := NewDispatcher(fetcher, vision, Options{VisionMaxImages: 1, Retry: fastRetry()})

	file := newFile(t, store, "img", "photo.png", "", nil)
	res, err := d.Process(ctx, store, file)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, 2, vision.calls)
	assert.Equal(t, 1, res.Vision, "retries spend one image of the budget")
	assert.Equal(t, []Page{{Page: 0, Text: "VISIBLE_TEXT: image/png pixels"}}, res.Pages)
	assert.Equal(t, types.FileOK, file.ParseStatus)
}

func TestProcess_ImageWithoutDescriptionFails(t *testing.T) {
	transient := &types.TransientSourceError{Table: "vision", Err: errors.New("503")}

	tests := []struct {
		name   string
		vision *fakeVision
		budget int
		calls  int
	}{
		{"retries exhausted", &fakeVision{failures: []error{transient, transient, transient}}, 1, 3},
		{"permanent error", &fakeVision{err: errors.New("model down")}, 1, 1},
		{"no budget", &fakeVision{}, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := setupStore(t)
			ctx := context.Background()
			fetcher := &fakeFetcher{data: map[string][]byte{"img": []byte("pixels")}}
			d := NewDispatcher(fetcher, tt.vision, Options{VisionMaxImages: tt.budget, Retry: fastRetry()})

			file := newFile(t, store, "img", "photo.jpg", "", nil)
			res, err := d.Process(ctx, store, file)
			require.NoError(t, err)

			var exErr *types.ExtractionError
			require.ErrorAs(t, res.Err, &exErr)
			assert.Equal(t, "vision failed", exErr.Reason)
			assert.Equal(t, file.ID, exErr.FileID)
			assert.Empty(t, res.Pages)
			assert.Equal(t, tt.calls, tt.vision.calls)

			assert.Equal(t, types.FileOK, file.FetchStatus)
			assert.Equal(t, types.FileFailed, file.ParseStatus)
			stored, err := store.GetFileByID(ctx, file.ID)
			require.NoError(t, err)
			assert.Equal(t, types.FileFailed, stored.ParseStatus)
			require.NotNil(t, stored.Error)
			assert.Contains(t, *stored.Error, "vision failed")
		})
	}
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.txt":
			w.Header().Set("Content-Length", "10")
			_, _ = w.Write([]byte("0123456789"))
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/uc":
			_, _ = w.Write([]byte("drive:" + r.URL.Query().Get("id")))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	f := NewHTTPFetcher(5 * time.Second).WithDriveURL(srv.URL + "/uc?export=download&id=")

	size, err := f.Stat(ctx, &storage.File{Provider: "http", ProviderID: srv.URL + "/ok.txt"})
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)

	data, err := f.Fetch(ctx, &storage.File{Provider: "http", ProviderID: srv.URL + "/ok.txt"}, 10)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))

	_, err = f.Fetch(ctx, &storage.File{Provider: "http", ProviderID: srv.URL + "/ok.txt"}, 9)
	assert.ErrorIs(t, err, types.ErrFileTooLarge)

	_, err = f.Fetch(ctx, &storage.File{Provider: "http", ProviderID: srv.URL + "/busy"}, 0)
	assert.True(t, types.IsTransient(err))

	_, err = f.Fetch(ctx, &storage.File{Provider: "http", ProviderID: srv.URL + "/missing"}, 0)
	require.Error(t, err)
	assert.False(t, types.IsTransient(err))

	data, err = f.Fetch(ctx, &storage.File{Provider: "gdrive", ProviderID: "ABC"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "drive:ABC", string(data))
}

// fakeModel records the last multimodal request
type fakeModel struct {
	messages []llms.MessageContent
	err      error
}

func (m *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.messages = messages
	if m.err != nil {
		return nil, m.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "  VISIBLE_TEXT: M8 bolt  "}}}, nil
}

func (m *fakeModel) Call(_ context.Context, prompt string, _ ...llms.CallOption) (string, error) {
	return prompt, nil
}

func TestLLMVision(t *testing.T) {
	model := &fakeModel{}
	v := NewLLMVision(model)

	desc, err := v.Describe(context.Background(), []byte("img"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "VISIBLE_TEXT: M8 bolt", desc)

	require.Len(t, model.messages, 1)
	parts := model.messages[0].Parts
	require.Len(t, parts, 2)
	text, ok := parts[0].(llms.TextContent)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(text.Text, "Describe this image"))
	bin, ok := parts[1].(llms.BinaryContent)
	require.True(t, ok)
	assert.Equal(t, "image/png", bin.MIMEType)

	_, err = v.Describe(context.Background(), nil, "image/png")
	assert.Error(t, err)

	model.err = errors.New("connection reset")
	_, err = v.Describe(context.Background(), []byte("img"), "image/png")
	assert.True(t, types.IsTransient(err), "model failures are retried")
}
