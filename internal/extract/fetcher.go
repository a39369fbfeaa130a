package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dshills/rfqindex/internal/storage"
	"github.com/dshills/rfqindex/pkg/types"
)

// SizeUnknown is returned by Stat when the provider does not report a size
const SizeUnknown int64 = -1

// DefaultDriveDownloadURL fetches a shared drive file by id
const DefaultDriveDownloadURL = "https://drive.google.com/uc?export=download&id="

// Fetcher retrieves file bytes
type Fetcher interface {
	// Stat returns the size of file in bytes, or SizeUnknown
	Stat(ctx context.Context, file *storage.File) (int64, error)
	// Fetch downloads at most maxBytes; larger content fails with
	// types.ErrFileTooLarge
	Fetch(ctx context.Context, file *storage.File, maxBytes int64) ([]byte, error)
}

// HTTPFetcher downloads http links directly and drive files through
// their shared download URL
type HTTPFetcher struct {
	client    *http.Client
	driveURL  string
	userAgent string
}

// NewHTTPFetcher creates a fetcher with the given request timeout
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		client:    &http.Client{Timeout: timeout},
		driveURL:  DefaultDriveDownloadURL,
		userAgent: "rfqindex/1.0",
	}
}

// WithDriveURL overrides the drive download prefix
func (f *HTTPFetcher) WithDriveURL(prefix string) *HTTPFetcher {
	f.driveURL = prefix
	return f
}

func (f *HTTPFetcher) url(file *storage.File) (string, error) {
	switch file.Provider {
	case "gdrive":
		return f.driveURL + url.QueryEscape(file.ProviderID), nil
	case "http", "":
		return file.ProviderID, nil
	default:
		return "", fmt.Errorf("%w: provider %s", types.ErrUnsupportedType, file.Provider)
	}
}

func (f *HTTPFetcher) do(ctx context.Context, method string, file *storage.File) (*http.Response, error) {
	target, err := f.url(file)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &types.TransientSourceError{Table: target, Err: err}
	}
	if resp.StatusCode >= 400 {
		_ = resp.Body.Close()
		err := fmt.Errorf("http status %d", resp.StatusCode)
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, &types.TransientSourceError{Table: target, Err: err}
		}
		return nil, err
	}
	return resp, nil
}

// Stat issues a HEAD request and reads Content-Length
func (f *HTTPFetcher) Stat(ctx context.Context, file *storage.File) (int64, error) {
	resp, err := f.do(ctx, http.MethodHead, file)
	if err != nil {
		return SizeUnknown, err
	}
	_ = resp.Body.Close()
	if n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil && n >= 0 {
		return n, nil
	}
	return SizeUnknown, nil
}

// Fetch downloads the file, stopping one byte past maxBytes
func (f *HTTPFetcher) Fetch(ctx context.Context, file *storage.File, maxBytes int64) ([]byte, error) {
	resp, err := f.do(ctx, http.MethodGet, file)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if maxBytes > 0 && resp.ContentLength > maxBytes {
		return nil, types.ErrFileTooLarge
	}
	reader := io.Reader(resp.Body)
	if maxBytes > 0 {
		reader = io.LimitReader(resp.Body, maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, &types.TransientSourceError{Table: file.ProviderID, Err: err}
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, types.ErrFileTooLarge
	}
	return data, nil
}
