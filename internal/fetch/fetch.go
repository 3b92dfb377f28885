// Package fetch implements the web_fetch tool: it downloads a page and
// reduces it to readable text the model can quote from.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/synthia-ai/synthia/internal/httpkit"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultMaxBytes int64 = 5 << 20
	// DefaultMaxChars bounds the text handed back to the model.
	DefaultMaxChars = 8000
)

// Page is the extracted content of one URL.
type Page struct {
	URL         string
	Title       string
	Text        string
	ContentType string
	StatusCode  int
	Truncated   bool
}

// Fetcher downloads pages and extracts their text.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient replaces the HTTP client.
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithMaxBytes caps how much of a response body is read.
func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) { f.maxBytes = n }
}

// New returns a Fetcher using the shared outbound client.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{maxBytes: defaultMaxBytes}
	for _, o := range opts {
		o(f)
	}
	if f.client == nil {
		f.client = httpkit.NewClient(httpkit.WithTimeout(defaultTimeout), httpkit.WithRetry(1, time.Second))
	}
	return f
}

// Fetch downloads rawURL and returns at most maxChars runes of text.
// A scheme-less URL is treated as https.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxChars int) (*Page, error) {
	target, err := normalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, &StatusError{URL: target, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	page := &Page{
		URL:         target,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
	}
	switch ct := strings.ToLower(page.ContentType); {
	case strings.Contains(ct, "html"):
		page.Title, page.Text = extractHTML(body)
	case utf8.Valid(body):
		page.Text = strings.TrimSpace(string(body))
	default:
		page.Text = fmt.Sprintf("(binary content %s, %d bytes)", page.ContentType, len(body))
	}

	page.Text, page.Truncated = truncateRunes(page.Text, maxChars)
	return page, nil
}

// StatusError is returned for 4xx and 5xx responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.Code)
}

func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid url %q: missing host", raw)
	}
	return u.String(), nil
}

func truncateRunes(s string, n int) (string, bool) {
	count := 0
	for i := range s {
		if count == n {
			return s[:i], true
		}
		count++
	}
	return s, false
}
