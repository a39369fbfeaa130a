// Package extract routes file records to text extractors and the vision
// model, enforcing the size policy and capturing per-file failures on the
// file record instead of failing the owning entity.
package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/dshills/rfqindex/internal/backoff"
	"github.com/dshills/rfqindex/internal/storage"
	"github.com/dshills/rfqindex/pkg/types"
)

// Fragment is one piece of extractor output. Image carries an embedded
// image or a page render that vision may describe.
type Fragment struct {
	Text      string
	Page      int
	Image     []byte
	ImageMime string
}

// Extractor turns file bytes into fragments
type Extractor interface {
	Extract(ctx context.Context, data []byte, mime string) ([]Fragment, error)
}

// ExtractorFunc adapts a function to Extractor
type ExtractorFunc func(ctx context.Context, data []byte, mime string) ([]Fragment, error)

func (f ExtractorFunc) Extract(ctx context.Context, data []byte, mime string) ([]Fragment, error) {
	return f(ctx, data, mime)
}

// Vision describes an image
type Vision interface {
	Describe(ctx context.Context, image []byte, mime string) (string, error)
}

// Options configure a Dispatcher
type Options struct {
	MaxBytes            int64 // size ceiling; <= 0 disables it
	VisionMaxImages     int   // vision calls per file
	VisionTextThreshold int   // fragments with fewer characters get vision
	Retry               backoff.Config
	Logger              *slog.Logger
}

var errVisionFailed = errors.New("vision failed")

// Page is the extracted text of one page; Page 0 means the whole file
type Page struct {
	Page int
	Text string
}

// Result is the outcome of processing one file
type Result struct {
	File     *storage.File
	Mime     string
	Pages    []Page
	Checksum string
	Fetched  int64 // bytes downloaded
	Vision   int   // vision calls made
	Err      error // *types.ExtractionError when the file failed
}

// Dispatcher routes files to extractors
type Dispatcher struct {
	fetcher Fetcher
	vision  Vision // nil disables image handling

	mu         sync.RWMutex
	extractors map[string]Extractor

	opts   Options
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher with the built-in text, CSV and JSON
// extractors registered
func NewDispatcher(fetcher Fetcher, vision Vision, opts Options) *Dispatcher {
	if opts.Retry.MaxRetries <= 0 {
		opts.Retry = backoff.Default()
	}
	if opts.VisionMaxImages < 0 {
		opts.VisionMaxImages = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	d := &Dispatcher{
		fetcher:    fetcher,
		vision:     vision,
		extractors: make(map[string]Extractor),
		opts:       opts,
		logger:     logger.With("component", "extract"),
	}
	d.Register(MimeText, TextExtractor{})
	d.Register("text/markdown", TextExtractor{})
	d.Register(MimeCSV, CSVExtractor{})
	d.Register(MimeJSON, JSONExtractor{})
	return d
}

// Register binds an extractor to a normalized mime type. Binary formats
// (pdf, docx, xlsx, pptx) are registered by the caller.
func (d *Dispatcher) Register(mime string, ex Extractor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.extractors[NormalizeMime(mime)] = ex
}

func (d *Dispatcher) extractorFor(mime string) (Extractor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if ex, ok := d.extractors[mime]; ok {
		return ex, true
	}
	if strings.HasPrefix(mime, "text/") {
		return d.extractors[MimeText], true
	}
	return nil, false
}

// routable reports whether a file of this mime could produce text
func (d *Dispatcher) routable(mime string) bool {
	if IsImage(mime) {
		return d.vision != nil
	}
	_, ok := d.extractorFor(mime)
	return ok
}

// Process fetches and extracts one file and records the outcome on its
// file record through store. Per-file failures land in Result.Err; the
// returned error is reserved for cancellation and storage failures.
func (d *Dispatcher) Process(ctx context.Context, store storage.Storage, file *storage.File) (*Result, error) {
	res := &Result{File: file, Mime: GuessMime(fileName(file), file.Mime)}
	logger := d.logger.With("rfq_id", file.RFQID, "file_id", file.ID, "path", file.Path)

	fetchStatus, parseStatus := types.FilePending, types.FilePending
	fail := func(reason string, err error) {
		res.Err = &types.ExtractionError{FileID: file.ID, Path: fileName(file), Reason: reason, Err: err}
		logger.Warn("file failed", "reason", reason, "error", err)
	}

	switch {
	case IsGoogleNative(res.Mime):
		parseStatus = types.FileFailed
		fail("unsupported type", fmt.Errorf("%w: %s", types.ErrUnsupportedType, res.Mime))
	case res.Mime != "" && !d.routable(res.Mime):
		parseStatus = types.FileFailed
		fail("unsupported type", fmt.Errorf("%w: %s", types.ErrUnsupportedType, res.Mime))
	default:
		data, err := d.fetch(ctx, file)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			fetchStatus = types.FileFailed
			if errors.Is(err, types.ErrFileTooLarge) {
				fail("file too large", err)
			} else {
				fail("fetch failed", err)
			}
			break
		}
		fetchStatus = types.FileOK
		res.Fetched = int64(len(data))
		sum := sha256.Sum256(data)
		res.Checksum = hex.EncodeToString(sum[:])

		if res.Mime == "" {
			res.Mime = SniffMime(data)
		}
		pages, calls, err := d.extract(ctx, res.Mime, data, logger)
		res.Vision = calls
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			parseStatus = types.FileFailed
			switch {
			case errors.Is(err, types.ErrUnsupportedType):
				fail("unsupported type", err)
			case errors.Is(err, errVisionFailed):
				fail("vision failed", err)
			default:
				fail("extract failed", err)
			}
			break
		}
		parseStatus = types.FileOK
		res.Pages = pages
	}

	update := storage.FileStatusUpdate{
		FileID:      file.ID,
		FetchStatus: fetchStatus,
		ParseStatus: parseStatus,
		Checksum:    res.Checksum,
	}
	if res.Fetched > 0 {
		size := res.Fetched
		update.SizeBytes = &size
	}
	if res.Err != nil {
		msg := res.Err.Error()
		update.Error = &msg
	}
	if err := store.UpdateFileStatus(context.WithoutCancel(ctx), update); err != nil {
		return res, fmt.Errorf("record file %d status: %w", file.ID, err)
	}
	file.FetchStatus, file.ParseStatus, file.Error = fetchStatus, parseStatus, update.Error

	if res.Err == nil {
		logger.Debug("file extracted", "mime", res.Mime, "bytes", res.Fetched, "pages", len(res.Pages), "vision", res.Vision)
	}
	return res, nil
}

// fetch enforces the size ceiling before any byte is requested: a known
// size over the limit is rejected, an unknown size is probed with Stat,
// and the download itself is capped.
func (d *Dispatcher) fetch(ctx context.Context, file *storage.File) ([]byte, error) {
	limit := d.opts.MaxBytes
	if limit > 0 {
		size := SizeUnknown
		if file.SizeBytes != nil {
			size = *file.SizeBytes
		} else {
			probed, err := backoff.Retry(ctx, d.opts.Retry, types.IsTransient, func(ctx context.Context) (int64, error) {
				return d.fetcher.Stat(ctx, file)
			})
			if err == nil {
				size = probed
			}
		}
		if size > limit {
			return nil, fmt.Errorf("%w: %d bytes over %d", types.ErrFileTooLarge, size, limit)
		}
	}
	return backoff.Retry(ctx, d.opts.Retry, types.IsTransient, func(ctx context.Context) ([]byte, error) {
		return d.fetcher.Fetch(ctx, file, limit)
	})
}

// extract runs the extractor or, for images, the vision model, and merges
// fragments into pages ordered by page number
func (d *Dispatcher) extract(ctx context.Context, mime string, data []byte, logger *slog.Logger) ([]Page, int, error) {
	var fragments []Fragment
	if IsImage(mime) {
		if d.vision == nil {
			return nil, 0, fmt.Errorf("%w: %s without a vision model", types.ErrUnsupportedType, mime)
		}
		fragments = []Fragment{{Image: data, ImageMime: mime}}
	} else {
		ex, ok := d.extractorFor(mime)
		if !ok {
			return nil, 0, fmt.Errorf("%w: %s", types.ErrUnsupportedType, mime)
		}
		var err error
		fragments, err = backoff.Retry(ctx, d.opts.Retry, types.IsTransient, func(ctx context.Context) ([]Fragment, error) {
			return ex.Extract(ctx, data, mime)
		})
		if err != nil {
			return nil, 0, err
		}
	}

	calls := 0
	var visionErr error
	byPage := make(map[int][]string)
	for _, f := range fragments {
		text := strings.TrimSpace(f.Text)
		lowText := utf8.RuneCountInString(text) < d.opts.VisionTextThreshold
		if len(f.Image) > 0 && (IsImage(mime) || lowText) {
			if d.vision != nil && calls < d.opts.VisionMaxImages {
				calls++
				desc, err := backoff.Retry(ctx, d.opts.Retry, types.IsTransient, func(ctx context.Context) (string, error) {
					return d.vision.Describe(ctx, f.Image, orDefault(f.ImageMime, "image/png"))
				})
				switch {
				case err != nil && ctx.Err() != nil:
					return nil, calls, ctx.Err()
				case err != nil:
					visionErr = err
					logger.Warn("vision failed", "page", f.Page, "error", err)
				case desc != "":
					text = strings.TrimSpace(text + "\n" + desc)
				}
			}
		}
		if text != "" {
			byPage[f.Page] = append(byPage[f.Page], text)
		}
	}

	// An image has no text of its own; without a description it failed
	if IsImage(mime) && len(byPage) == 0 {
		if visionErr != nil {
			return nil, calls, fmt.Errorf("%w: %w", errVisionFailed, visionErr)
		}
		return nil, calls, fmt.Errorf("%w: no description for %s", errVisionFailed, mime)
	}

	pageNums := make([]int, 0, len(byPage))
	for p := range byPage {
		pageNums = append(pageNums, p)
	}
	sort.Ints(pageNums)
	pages := make([]Page, 0, len(pageNums))
	for _, p := range pageNums {
		pages = append(pages, Page{Page: p, Text: strings.Join(byPage[p], "\n\n")})
	}
	return pages, calls, nil
}

func fileName(file *storage.File) string {
	if file.Name != "" {
		return file.Name
	}
	return file.Path
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
