// Package ingest imports markdown documents into long-term memory. Each
// paragraph or list item becomes one fact, prefixed with the headings it
// sits under so the fact still makes sense on its own.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// FactTeacher stores one fact.
type FactTeacher interface {
	Insert(ctx context.Context, text string) (uuid.UUID, error)
}

// Chunk is one fact-sized piece of a document.
type Chunk struct {
	// Section is the heading path, outermost first.
	Section []string
	Text    string
}

// Fact renders the chunk as self-contained fact text.
func (c Chunk) Fact() string {
	if len(c.Section) == 0 {
		return c.Text
	}
	return strings.Join(c.Section, " > ") + ": " + c.Text
}

// Split parses src as markdown and returns its chunks in document order.
// Code blocks and raw HTML are skipped; repeated text is kept once.
func Split(src []byte) []Chunk {
	doc := goldmark.DefaultParser().Parse(text.NewReader(src))

	var (
		chunks   []Chunk
		headings []string
		seen     = make(map[string]bool)
	)
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n := n.(type) {
		case *ast.Heading:
			title := inlineText(n, src)
			if n.Level <= len(headings) {
				headings = headings[:n.Level-1]
			}
			for len(headings) < n.Level-1 {
				headings = append(headings, "")
			}
			headings = append(headings, title)
			return ast.WalkSkipChildren, nil

		case *ast.Paragraph, *ast.TextBlock:
			body := inlineText(n, src)
			if body == "" || seen[body] {
				return ast.WalkSkipChildren, nil
			}
			seen[body] = true
			chunks = append(chunks, Chunk{Section: section(headings), Text: body})
			return ast.WalkSkipChildren, nil

		case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return chunks
}

// section copies the non-empty headings so later headings do not alias
// earlier chunks.
func section(headings []string) []string {
	var out []string
	for _, h := range headings {
		if h != "" {
			out = append(out, h)
		}
	}
	return out
}

// inlineText flattens the inline children of n, turning soft line
// breaks into spaces.
func inlineText(n ast.Node, src []byte) string {
	var buf bytes.Buffer
	var walk func(ast.Node)
	walk = func(n ast.Node) {
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			switch c := c.(type) {
			case *ast.Text:
				buf.Write(c.Segment.Value(src))
				if c.SoftLineBreak() || c.HardLineBreak() {
					buf.WriteByte(' ')
				}
			case *ast.String:
				buf.Write(c.Value)
			case *ast.AutoLink:
				buf.Write(c.URL(src))
			case *ast.RawHTML:
			default:
				walk(c)
			}
		}
	}
	walk(n)
	return strings.Join(strings.Fields(buf.String()), " ")
}

// Ingester stores document chunks as facts.
type Ingester struct {
	facts  FactTeacher
	logger *slog.Logger
}

// New creates an Ingester.
func New(facts FactTeacher, logger *slog.Logger) *Ingester {
	return &Ingester{facts: facts, logger: logger.With("component", "ingest")}
}

// Result summarizes an import.
type Result struct {
	Stored int         `json:"stored"`
	Failed int         `json:"failed"`
	IDs    []uuid.UUID `json:"ids"`
	// FirstErr is the first per-chunk failure, if any.
	FirstErr error `json:"-"`
}

// IngestFile imports the markdown file at path.
func (i *Ingester) IngestFile(ctx context.Context, path string) (*Result, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return i.Ingest(ctx, src)
}

// Ingest stores every chunk of src. A chunk that fails is counted and
// skipped; Ingest stops early only when ctx ends.
func (i *Ingester) Ingest(ctx context.Context, src []byte) (*Result, error) {
	res := &Result{}
	for _, c := range Split(src) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		id, err := i.facts.Insert(ctx, c.Fact())
		if err != nil {
			res.Failed++
			if res.FirstErr == nil {
				res.FirstErr = err
			}
			i.logger.Warn("fact not stored", "section", strings.Join(c.Section, " > "), "error", err)
			continue
		}
		res.Stored++
		res.IDs = append(res.IDs, id)
	}
	i.logger.Info("document ingested", "stored", res.Stored, "failed", res.Failed)
	return res, nil
}
