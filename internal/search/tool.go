package search

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/synthia-ai/synthia/internal/tools"
)

type searchArgs struct {
	Query    string `json:"query" jsonschema_description:"The search query."`
	Count    int    `json:"count,omitempty" jsonschema_description:"Maximum number of results (1-10, default 5)."`
	Language string `json:"language,omitempty" jsonschema_description:"ISO 639-1 language code for results, e.g. en or de."`
}

// Tool exposes p as the read-only web_search tool.
func Tool(p Provider) *tools.Tool {
	return &tools.Tool{
		Name:        "web_search",
		Description: "Search the web and return titles, URLs and snippets. Use web_fetch afterwards to read a result in full.",
		Parameters:  tools.SchemaFor[searchArgs](),
		SideEffect:  tools.ReadOnly,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			in, err := tools.DecodeArgs[searchArgs](args)
			if err != nil {
				return "", err
			}
			if strings.TrimSpace(in.Query) == "" {
				return "", &tools.ArgumentError{ToolName: "web_search", Problems: []string{"query must not be empty"}}
			}
			results, err := p.Search(ctx, in.Query, Options{Count: in.Count, Language: in.Language})
			if err != nil {
				if retryable(err) {
					return "", tools.Transient(err)
				}
				return "", err
			}
			return FormatResults(results), nil
		},
	}
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == 429 || se.Code >= 500
	}
	var ne net.Error
	return errors.As(err, &ne)
}
