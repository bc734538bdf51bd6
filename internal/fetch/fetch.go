// Package fetch downloads source documents into the working directory.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// ErrNotFound marks a source that does not exist. It is never retried.
var ErrNotFound = errors.New("source not found")

// NetworkError wraps a failure that may succeed on retry.
type NetworkError struct {
	Location string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Location, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient network failure.
func IsRetryable(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne) && !errors.Is(err, ErrNotFound)
}

// Config controls download behaviour.
type Config struct {
	Timeout   time.Duration
	Retries   int
	Backoff   time.Duration
	UserAgent string
	MaxBytes  int64
}

// DefaultConfig mirrors the upstream 10 second request timeout.
func DefaultConfig() Config {
	return Config{
		Timeout:   10 * time.Second,
		Retries:   2,
		Backoff:   500 * time.Millisecond,
		UserAgent: "recrop/1.0",
		MaxBytes:  50 << 20,
	}
}

// Fetcher retrieves a location (http(s) URL, file:// URL or local path).
type Fetcher interface {
	Fetch(ctx context.Context, location, destDir, name string) (string, error)
}

// Client is the default Fetcher.
type Client struct {
	config Config
	http   *http.Client
	logger *slog.Logger
}

// New builds a Client. A nil httpClient gets one with config.Timeout.
func New(config Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{config: config, http: httpClient, logger: logger}
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeName makes s usable as a single path component.
func SafeName(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	s = strings.Trim(s, "._")
	if s == "" {
		return "file"
	}
	return s
}

// SourceFileName returns the base file name of a location without query.
func SourceFileName(location string) string {
	if u, err := url.Parse(location); err == nil && u.Scheme != "" && len(u.Scheme) > 1 {
		if n := path.Base(u.Path); n != "." && n != "/" {
			if unescaped, err := url.PathUnescape(n); err == nil {
				return unescaped
			}
			return n
		}
		return ""
	}
	return filepath.Base(location)
}

// Fetch stores location at destDir/name+ext, where ext comes from the
// source. It returns the local path.
func (c *Client) Fetch(ctx context.Context, location, destDir, name string) (string, error) {
	if strings.TrimSpace(location) == "" {
		return "", fmt.Errorf("%w: empty location", ErrNotFound)
	}
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create download dir: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(SourceFileName(location)))
	dest := filepath.Join(destDir, SafeName(name)+ext)

	u, err := url.Parse(location)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return dest, c.fetchHTTPWithRetry(ctx, location, dest)
	}
	src := location
	if err == nil && u.Scheme == "file" {
		src = u.Path
	}
	return dest, copyLocal(src, dest)
}

func (c *Client) fetchHTTPWithRetry(ctx context.Context, location, dest string) error {
	var lastErr error
	for attempt := 0; attempt <= c.config.Retries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt) * c.config.Backoff
			c.logger.Debug("retrying download", "location", location, "attempt", attempt, "wait", wait)
			select {
			case <-ctx.Done():
				return &NetworkError{Location: location, Err: ctx.Err()}
			case <-time.After(wait):
			}
		}
		lastErr = c.fetchHTTP(ctx, location, dest)
		if lastErr == nil || !IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) fetchHTTP(ctx context.Context, location, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return fmt.Errorf("invalid download request: %w", err)
	}
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Location: location, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: %s returned %d", ErrNotFound, location, resp.StatusCode)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &NetworkError{Location: location, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 300:
		return fmt.Errorf("download %s: unexpected status %d", location, resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if c.config.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, c.config.MaxBytes+1)
	}
	n, err := writeFile(dest, body)
	if err != nil {
		return &NetworkError{Location: location, Err: err}
	}
	if c.config.MaxBytes > 0 && n > c.config.MaxBytes {
		_ = os.Remove(dest)
		return fmt.Errorf("download %s: exceeds %d bytes", location, c.config.MaxBytes)
	}
	return nil
}

func copyLocal(src, dest string) error {
	in, err := os.Open(src) //nolint:gosec // G304: source path comes from the record
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, src)
		}
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()
	if _, err := writeFile(dest, in); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return nil
}

func writeFile(dest string, r io.Reader) (int64, error) {
	tmp := dest + ".part"
	f, err := os.Create(tmp) //nolint:gosec // G304: pipeline-managed path
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return n, err
	}
	return n, os.Rename(tmp, dest)
}
