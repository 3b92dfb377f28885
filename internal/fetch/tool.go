package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/synthia-ai/synthia/internal/tools"
)

type fetchArgs struct {
	URL      string `json:"url" jsonschema_description:"The page to fetch. A missing scheme means https."`
	MaxChars int    `json:"max_chars,omitempty" jsonschema_description:"Maximum characters of text to return (default 8000)."`
}

// Tool exposes f as the read-only web_fetch tool.
func Tool(f *Fetcher) *tools.Tool {
	return &tools.Tool{
		Name:        "web_fetch",
		Description: "Fetch a web page and return its readable text. Use it when the user refers to a URL or asks about current web content.",
		Parameters:  tools.SchemaFor[fetchArgs](),
		SideEffect:  tools.ReadOnly,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			in, err := tools.DecodeArgs[fetchArgs](args)
			if err != nil {
				return "", err
			}
			page, err := f.Fetch(ctx, in.URL, in.MaxChars)
			if err != nil {
				if retryable(err) {
					return "", tools.Transient(err)
				}
				return "", err
			}
			return render(page), nil
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

func render(p *Page) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\n", p.URL)
	if p.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", p.Title)
	}
	sb.WriteString("\n")
	sb.WriteString(p.Text)
	if p.Truncated {
		sb.WriteString("\n\n[truncated]")
	}
	return sb.String()
}
