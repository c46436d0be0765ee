package gtfs

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"metroroute/internal/retry"
)

// DefaultMaxArchiveBytes bounds a downloaded feed.
const DefaultMaxArchiveBytes = 512 << 20

var errArchiveTooLarge = errors.New("gtfs archive exceeds size limit")

// Archive is one fetched feed.
type Archive struct {
	Reader      *zip.Reader
	Fingerprint string
	Size        int
	// Unchanged is set when the source reported that the previously fetched
	// archive is still current; Reader and Fingerprint are then the old ones.
	Unchanged bool
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status: %d", e.code)
}

// Downloader fetches a GTFS archive from an http(s) URL or a local path. It
// remembers the last archive and asks the source whether it changed
// (ETag / Last-Modified, or mtime and size for files) before reading it again.
type Downloader struct {
	source   string
	client   *http.Client
	policy   retry.Policy
	maxBytes int64
	logger   *slog.Logger

	mu           sync.Mutex
	last         *Archive
	etag         string
	lastModified string
	fileModTime  time.Time
	fileSize     int64
}

func NewDownloader(source string, logger *slog.Logger) *Downloader {
	d := &Downloader{
		source: source,
		client: &http.Client{
			Timeout: 2 * time.Minute,
		},
		maxBytes: DefaultMaxArchiveBytes,
		logger:   logger.With("component", "gtfs_downloader"),
	}
	d.policy = retry.Policy{
		MaxAttempts: 3,
		Delay:       2 * time.Second,
		Exponential: true,
		Retryable:   retryableFetch,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			d.logger.Warn("GTFS download failed, retrying",
				"attempt", attempt,
				"wait_ms", wait.Milliseconds(),
				"error", err,
			)
		},
	}
	return d
}

func (d *Downloader) remote() bool {
	return strings.HasPrefix(d.source, "http://") || strings.HasPrefix(d.source, "https://")
}

// Fetch returns the current archive.
func (d *Downloader) Fetch(ctx context.Context) (*Archive, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.remote() {
		return d.readLocal()
	}

	start := time.Now()
	var archive *Archive
	attempts, err := retry.Do(ctx, d.policy, func(ctx context.Context) error {
		a, err := d.get(ctx)
		if err != nil {
			return err
		}
		archive = a
		return nil
	})
	if err != nil {
		d.logger.Error("GTFS download failed",
			"url", d.source,
			"attempts", attempts,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return nil, fmt.Errorf("download gtfs: %w", err)
	}

	if archive.Unchanged {
		d.logger.Debug("GTFS feed not modified", "url", d.source)
	} else {
		d.logger.Info("GTFS download completed",
			"size_mb", fmt.Sprintf("%.2f", float64(archive.Size)/(1024*1024)),
			"files_in_archive", len(archive.Reader.File),
			"attempts", attempts,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return archive, nil
}

func (d *Downloader) get(ctx context.Context) (*Archive, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.source, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "metroroute/1.0")
	if d.last != nil {
		if d.etag != "" {
			req.Header.Set("If-None-Match", d.etag)
		}
		if d.lastModified != "" {
			req.Header.Set("If-Modified-Since", d.lastModified)
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && d.last != nil {
		return d.unchanged(), nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	archive, err := d.open(data)
	if err != nil {
		return nil, err
	}

	d.etag = resp.Header.Get("ETag")
	d.lastModified = resp.Header.Get("Last-Modified")
	return archive, nil
}

func (d *Downloader) readLocal() (*Archive, error) {
	info, err := os.Stat(d.source)
	if err != nil {
		return nil, fmt.Errorf("read gtfs archive: %w", err)
	}
	if d.last != nil && info.ModTime().Equal(d.fileModTime) && info.Size() == d.fileSize {
		return d.unchanged(), nil
	}

	data, err := os.ReadFile(d.source)
	if err != nil {
		return nil, fmt.Errorf("read gtfs archive: %w", err)
	}
	archive, err := d.open(data)
	if err != nil {
		return nil, err
	}
	d.fileModTime, d.fileSize = info.ModTime(), info.Size()

	d.logger.Info("GTFS archive loaded from disk",
		"path", d.source,
		"size_bytes", archive.Size,
		"files_in_archive", len(archive.Reader.File),
	)
	return archive, nil
}

// open checks size and zip structure and records the archive as the last one.
func (d *Downloader) open(data []byte) (*Archive, error) {
	if int64(len(data)) > d.maxBytes {
		return nil, fmt.Errorf("%w (%d bytes)", errArchiveTooLarge, d.maxBytes)
	}
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}

	archive := &Archive{
		Reader:      reader,
		Fingerprint: DataFingerprint(data),
		Size:        len(data),
	}
	d.last = archive
	return archive, nil
}

func (d *Downloader) unchanged() *Archive {
	a := *d.last
	a.Unchanged = true
	return &a
}

// retryableFetch retries network failures, 429 and 5xx responses.
func retryableFetch(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, zip.ErrFormat) || errors.Is(err, errArchiveTooLarge) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return true
}

// DataFingerprint identifies archive contents.
func DataFingerprint(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}
