// Package search provides the web_search tool backed by a SearXNG
// instance or the Brave Search API.
package search

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// DefaultCount is the number of results returned when the caller does
// not ask for a specific count.
const DefaultCount = 5

// MaxCount caps the results a single call may request.
const MaxCount = 10

// Result is a single search result.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Options are optional parameters for a query.
type Options struct {
	// Count is the maximum number of results. Zero means DefaultCount.
	Count int
	// Language is an ISO 639-1 code such as "en" or "pl".
	Language string
}

func (o Options) count() int {
	switch {
	case o.Count <= 0:
		return DefaultCount
	case o.Count > MaxCount:
		return MaxCount
	}
	return o.Count
}

// Provider is a search backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// StatusError is a non-200 response from a search backend.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.Code, e.Body)
}

// FormatResults renders results as a numbered list for the model.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No results found."
	}

	var sb strings.Builder
	for i, r := range results {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(strconv.Itoa(i + 1))
		sb.WriteString(". ")
		sb.WriteString(r.Title)
		sb.WriteString("\n   ")
		sb.WriteString(r.URL)
		if r.Snippet != "" {
			sb.WriteString("\n   ")
			sb.WriteString(r.Snippet)
		}
	}
	return sb.String()
}
