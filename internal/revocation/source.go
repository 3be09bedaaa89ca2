package revocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Request carries what the registry already knows so a source can answer
// with a delta or "not modified". Since is the cursor the source returned
// last time, never the local clock.
type Request struct {
	ETag  string
	Since time.Time
}

// Update is the result of one fetch.
type Update struct {
	// Full means Entries is the complete revocation list.
	Full bool
	// Entries are the full list, or the additions when Full is false.
	Entries []Entry
	// Removed lists license ids no longer revoked (delta only).
	Removed []string
	ETag    string
	// Cursor is the source's timestamp for this answer, zero if it has none.
	Cursor time.Time
	// NotModified reports the source has nothing newer than Request.
	NotModified bool
}

// Source fetches revocation updates.
type Source interface {
	Name() string
	Fetch(ctx context.Context, req Request) (*Update, error)
}

// Feed is the JSON body served by the revocation endpoint.
type Feed struct {
	Full        bool      `json:"full"`
	GeneratedAt time.Time `json:"generated_at"`
	Revocations []Entry   `json:"revocations"`
	Removed     []string  `json:"removed,omitempty"`
}

// DefaultMaxFeedBytes caps the size of a feed response.
const DefaultMaxFeedBytes = 8 << 20

// HTTPSource pulls the revocation feed from the tracking server.
type HTTPSource struct {
	endpoint string
	client   *http.Client
	maxBytes int64
	logger   *slog.Logger
}

// HTTPSourceOption configures an HTTPSource
type HTTPSourceOption func(*HTTPSource)

// WithMaxBytes caps the accepted response size.
func WithMaxBytes(n int64) HTTPSourceOption {
	return func(s *HTTPSource) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// WithSourceLogger sets the logger
func WithSourceLogger(l *slog.Logger) HTTPSourceOption {
	return func(s *HTTPSource) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewHTTPSource returns a source for endpoint. client should come from
// security.NewHTTPClient so the feed is fetched over the pinned transport.
func NewHTTPSource(endpoint string, client *http.Client, opts ...HTTPSourceOption) (*HTTPSource, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid revocation endpoint: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("invalid revocation endpoint scheme %q", u.Scheme)
	}
	if client == nil {
		return nil, errors.New("http client is required")
	}
	s := &HTTPSource{
		endpoint: endpoint,
		client:   client,
		maxBytes: DefaultMaxFeedBytes,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name identifies the source in logs and metrics.
func (s *HTTPSource) Name() string { return "http" }

// Fetch requests the feed. A 304 answer is NotModified; any other non-2xx
// status, an oversized body or malformed JSON is an error.
func (s *HTTPSource) Fetch(ctx context.Context, req Request) (*Update, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, err
	}
	if !req.Since.IsZero() {
		q := u.Query()
		q.Set("since", req.Since.UTC().Format(time.RFC3339))
		u.RawQuery = q.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build revocation request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.ETag != "" {
		httpReq.Header.Set("If-None-Match", req.ETag)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch revocation feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &Update{NotModified: true, ETag: req.ETag}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("revocation feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read revocation feed: %w", err)
	}
	if int64(len(body)) > s.maxBytes {
		return nil, fmt.Errorf("revocation feed exceeds %d bytes", s.maxBytes)
	}

	var feed Feed
	if err := json.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("malformed revocation feed: %w", err)
	}
	if feed.Full && len(feed.Removed) > 0 {
		return nil, errors.New("malformed revocation feed: full list carries removals")
	}

	s.logger.DebugContext(ctx, "revocation feed received",
		slog.Bool("full", feed.Full),
		slog.Int("revocations", len(feed.Revocations)),
		slog.Int("removed", len(feed.Removed)))

	return &Update{
		Full:    feed.Full,
		Entries: feed.Revocations,
		Removed: feed.Removed,
		ETag:    resp.Header.Get("ETag"),
		Cursor:  feed.GeneratedAt,
	}, nil
}

// StaticSource serves a fixed update. It backs manual imports and tests.
type StaticSource struct {
	mu     sync.Mutex
	update Update
	err    error
	calls  int
}

// NewStaticSource returns a source whose every fetch yields the full list entries.
func NewStaticSource(entries ...Entry) *StaticSource {
	return &StaticSource{update: Update{Full: true, Entries: entries}}
}

// Set replaces the update returned by later fetches.
func (s *StaticSource) Set(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.update = u
	s.err = nil
}

// Fail makes later fetches return err.
func (s *StaticSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Calls returns how many fetches were made.
func (s *StaticSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Name identifies the source in logs and metrics.
func (s *StaticSource) Name() string { return "static" }

// Fetch returns the configured update or error.
func (s *StaticSource) Fetch(ctx context.Context, _ Request) (*Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	u := s.update
	u.Entries = append([]Entry(nil), s.update.Entries...)
	u.Removed = append([]string(nil), s.update.Removed...)
	return &u, nil
}
