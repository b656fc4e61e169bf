// Package arxiv talks to the arXiv Atom API. It encapsulates the query
// grammar, upstream rate limiting, and bounded retry on transient failures.
package arxiv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/skimlab/arxival/internal/storage"
)

// ErrUpstreamUnavailable is returned when the arXiv API could not be
// reached after the bounded retries.
var ErrUpstreamUnavailable = errors.New("arxiv: upstream unavailable")

// ErrRateLimited is returned when the upstream keeps answering 429 past
// the cooldown retries.
var ErrRateLimited = errors.New("arxiv: rate limited")

// ParseError reports a malformed upstream payload. It is never retried;
// retrying will not fix a parse bug.
type ParseError struct {
	Snippet string
	Err     error
}

func (e *ParseError) Error() string { return fmt.Sprintf("arxiv: parsing response: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

const (
	maxAttempts = 3
	snippetLen  = 200
)

// Backoff timings are vars so tests can substitute short waits.
var (
	baseBackoff    = 500 * time.Millisecond
	defaultCooloff = 5 * time.Second
)

// Config holds the upstream client settings, fixed at construction.
type Config struct {
	BaseURL string
	// MaxResults is the hard ceiling per query, enforced regardless of the
	// caller-requested value.
	MaxResults int
	Timeout    time.Duration
	// RateLimit is sustained requests per second. arXiv asks for no more
	// than one request every three seconds.
	RateLimit float64
}

// Client is a rate-limited arXiv API client.
type Client struct {
	baseURL    string
	maxResults int
	timeout    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// New creates a Client. Zero config fields fall back to conservative defaults.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://export.arxiv.org/api/query"
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 1.0 / 3.0
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		maxResults: cfg.MaxResults,
		timeout:    cfg.Timeout,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		logger:     slog.Default(),
	}
}

// Query describes one upstream search.
type Query struct {
	Text       string
	Categories []string
	From, To   time.Time
	MaxResults int
	// SortByDate orders by submission date instead of relevance
	// (used for category refreshes).
	SortByDate bool
}

// Search queries the arXiv API and returns parsed papers. The configured
// MaxResults ceiling caps the requested count.
func (c *Client) Search(ctx context.Context, q Query) ([]storage.Paper, error) {
	sq := buildSearchQuery(q)
	if sq == "" {
		return nil, fmt.Errorf("arxiv: empty query")
	}

	max := q.MaxResults
	if max <= 0 || max > c.maxResults {
		max = c.maxResults
	}

	sortBy := "relevance"
	if q.SortByDate {
		sortBy = "submittedDate"
	}
	url := fmt.Sprintf("%s?search_query=%s&start=0&max_results=%d&sortBy=%s&sortOrder=descending",
		c.baseURL, sq, max, sortBy)

	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}

	papers, err := parseFeed(body)
	if err != nil {
		var perr *ParseError
		if errors.As(err, &perr) {
			c.logger.Error("malformed arXiv payload", "query", sq, "snippet", perr.Snippet)
		}
		return nil, err
	}
	return papers, nil
}

// GetByID fetches a single record via the id_list parameter.
func (c *Client) GetByID(ctx context.Context, arxivID string) (storage.Paper, error) {
	url := fmt.Sprintf("%s?id_list=%s&max_results=1", c.baseURL, arxivID)

	body, err := c.get(ctx, url)
	if err != nil {
		return storage.Paper{}, err
	}

	papers, err := parseFeed(body)
	if err != nil {
		var perr *ParseError
		if errors.As(err, &perr) {
			c.logger.Error("malformed arXiv payload", "arxiv_id", arxivID, "snippet", perr.Snippet)
		}
		return storage.Paper{}, err
	}
	// An unknown ID yields an empty feed (or an error pseudo-entry that
	// parseFeed drops for lacking a usable ID).
	if len(papers) == 0 {
		return storage.Paper{}, storage.ErrNotFound
	}
	return papers[0], nil
}

// get performs a rate-limited GET with bounded exponential-backoff retry on
// transient failures. 429 responses pause for a cooldown window first.
func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	rateLimited := false

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := baseBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, retryable, err := c.once(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		rateLimited = errors.Is(err, ErrRateLimited)
		if !retryable {
			return nil, err
		}
		c.logger.Warn("arXiv request failed, retrying", "attempt", attempt+1, "error", err)
	}

	if rateLimited {
		return nil, fmt.Errorf("%w after %d attempts", ErrRateLimited, maxAttempts)
	}
	return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, lastErr)
}

// once performs a single attempt. The bool result reports whether the
// failure is worth retrying.
func (c *Client) once(ctx context.Context, url string) ([]byte, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "arxival/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, true, fmt.Errorf("reading response: %w", err)
		}
		return body, false, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		cooloff := retryAfter(resp, defaultCooloff)
		c.logger.Warn("arXiv rate limit hit, cooling off", "wait", cooloff)
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(cooloff):
		}
		return nil, true, ErrRateLimited

	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return nil, true, fmt.Errorf("arXiv returned HTTP %d", resp.StatusCode)

	default:
		io.Copy(io.Discard, resp.Body)
		return nil, false, fmt.Errorf("arXiv returned HTTP %d", resp.StatusCode)
	}
}

func retryAfter(resp *http.Response, fallback time.Duration) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

// DownloadPDF fetches the paper's PDF into dir and returns the file path.
func (c *Client) DownloadPDF(ctx context.Context, p storage.Paper, dir string) (string, error) {
	if p.PDFURL == "" {
		return "", fmt.Errorf("arxiv: paper %s has no PDF URL", p.ArxivID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating download directory: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.PDFURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "arxival/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: PDF fetch returned HTTP %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	// Replace path separators that appear in old-style IDs like "cs/9901001".
	name := strings.ReplaceAll(p.ArxivID, "/", "_") + ".pdf"
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}

// buildSearchQuery constructs the search_query parameter from structured
// fields using the API's plus-separated grammar.
func buildSearchQuery(q Query) string {
	var parts []string

	if q.Text != "" {
		terms := strings.Fields(q.Text)
		parts = append(parts, "all:"+strings.Join(terms, "+"))
	}

	if len(q.Categories) > 0 {
		cats := make([]string, len(q.Categories))
		for i, c := range q.Categories {
			cats[i] = "cat:" + c
		}
		group := strings.Join(cats, "+OR+")
		if len(cats) > 1 {
			group = "%28" + group + "%29"
		}
		parts = append(parts, group)
	}

	if !q.From.IsZero() || !q.To.IsZero() {
		from, to := q.From, q.To
		if from.IsZero() {
			from = time.Date(1991, 1, 1, 0, 0, 0, 0, time.UTC)
		}
		if to.IsZero() {
			to = time.Now().UTC()
		}
		const stamp = "200601021504"
		parts = append(parts, fmt.Sprintf("submittedDate:[%s+TO+%s]",
			from.UTC().Format(stamp), to.UTC().Format(stamp)))
	}

	return strings.Join(parts, "+AND+")
}
