// Package download streams registry blobs to disk, verifying each against
// its content digest, and runs batches of such downloads on a bounded pool.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/BadgerOps/regpull/internal/digest"
	"github.com/BadgerOps/regpull/internal/safety"
)

// ErrLayerDigestMismatch is returned when downloaded content does not hash
// to its declared digest.
var ErrLayerDigestMismatch = errors.New("layer digest mismatch")

// ProgressFunc is called periodically to report download progress.
// bytesDownloaded is the number of bytes downloaded so far,
// totalBytes is the total size of the download (or 0 if unknown).
type ProgressFunc func(bytesDownloaded, totalBytes int64)

// DownloadOptions contains configuration for a single download.
type DownloadOptions struct {
	URL          string
	DestPath     string
	Digest       digest.Digest // required; content is verified against it
	ExpectedSize int64         // 0 to skip the size warning
	Header       http.Header
	OnProgress   ProgressFunc
}

// DownloadResult contains the result of a successful download.
type DownloadResult struct {
	Path     string
	Size     int64
	Digest   digest.Digest
	Duration time.Duration
}

// Client performs verified blob downloads. It does not retry: a transport
// error or digest mismatch is returned to the caller.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string
}

// NewClient creates a download client. A nil httpClient gets a client with
// no overall timeout so large blobs can finish.
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = safety.NewHTTPClient(safety.ClientOptions{})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		userAgent:  "regpull/1.0",
	}
}

// Download streams opts.URL into opts.DestPath while hashing it. The file
// is removed on every failure path.
func (c *Client) Download(ctx context.Context, opts DownloadOptions) (*DownloadResult, error) {
	if opts.Digest.IsZero() {
		return nil, fmt.Errorf("download %s: digest is required", opts.URL)
	}
	startTime := time.Now()

	if dir := filepath.Dir(opts.DestPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	file, err := os.OpenFile(opts.DestPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	size, err := c.fetch(ctx, file, opts)
	if closeErr := file.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close file: %w", closeErr)
	}
	if err != nil {
		_ = os.Remove(opts.DestPath)
		return nil, err
	}

	return &DownloadResult{
		Path:     opts.DestPath,
		Size:     size,
		Digest:   opts.Digest,
		Duration: time.Since(startTime),
	}, nil
}

func (c *Client) fetch(ctx context.Context, file *os.File, opts DownloadOptions) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := safety.CheckResponse(resp); err != nil {
		return 0, err
	}

	totalSize := resp.ContentLength
	if totalSize < 0 {
		totalSize = opts.ExpectedSize
	}
	var reader io.Reader = resp.Body
	if opts.OnProgress != nil {
		reader = &progressReader{reader: resp.Body, callback: opts.OnProgress, total: totalSize}
	}

	verifier := opts.Digest.Verifier()
	n, err := io.Copy(io.MultiWriter(file, verifier), reader)
	if err != nil {
		return n, fmt.Errorf("failed to write to file: %w", err)
	}
	if !verifier.Verified() {
		return n, fmt.Errorf("%w: %s", ErrLayerDigestMismatch, opts.Digest)
	}
	if opts.ExpectedSize > 0 && n != opts.ExpectedSize {
		c.logger.Warn("size differs from descriptor but digest matches, accepting blob",
			"digest", opts.Digest.String(), "got_size", n, "expected_size", opts.ExpectedSize)
	}
	return n, nil
}

// progressReader wraps a reader and calls a progress callback as data is read.
type progressReader struct {
	reader   io.Reader
	callback ProgressFunc
	current  int64
	total    int64
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 {
		pr.current += int64(n)
		pr.callback(pr.current, pr.total)
	}
	return n, err
}
