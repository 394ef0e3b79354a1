package tle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultMaxBytes caps a single group's response body.
const DefaultMaxBytes = 50 << 20

// ErrBodyTooLarge is returned when a feed exceeds the configured byte limit.
var ErrBodyTooLarge = errors.New("response exceeds byte limit")

// Fetcher retrieves raw element-set text for a named group over HTTP.
type Fetcher struct {
	httpClient *http.Client
	maxBytes   int64
	logger     *slog.Logger
}

// NewFetcher creates a Fetcher. Non-positive timeout or maxBytes select defaults.
func NewFetcher(timeout time.Duration, maxBytes int64, logger *slog.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Fetcher{
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   maxBytes,
		logger:     logger,
	}
}

// Fetch performs an HTTP GET against the group's URL and returns the body.
func (f *Fetcher) Fetch(ctx context.Context, group Group) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, group.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request for group %s: %w", group.Name, err)
	}

	start := time.Now()
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching group %s: %w", group.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d for group %s", resp.StatusCode, group.Name)
	}

	// Read one byte past the limit so an oversized body is detectable.
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response body for group %s: %w", group.Name, err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("group %s: %w (%d byte limit)", group.Name, ErrBodyTooLarge, f.maxBytes)
	}

	f.logger.Debug("group fetched",
		"group", group.Name,
		"bytes", len(body),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return body, nil
}
