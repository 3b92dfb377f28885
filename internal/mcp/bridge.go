package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/synthia-ai/synthia/internal/tools"
)

var unsafeChars = regexp.MustCompile(`[^a-z0-9_]+`)

// Bridge lists the tools offered by sess and registers them as
// "mcp_{server}_{tool}". A non-empty include list wins over exclude.
// Tools that declare readOnlyHint are registered as read-only; everything
// else is treated as mutating. Bridge returns the number of tools added.
func Bridge(ctx context.Context, sess Session, server string, reg *tools.Registry, include, exclude []string, logger *slog.Logger) (int, error) {
	res, err := sess.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return 0, fmt.Errorf("list tools from %s: %w", server, err)
	}

	added := 0
	for _, td := range res.Tools {
		if !selected(td.Name, include, exclude) {
			continue
		}
		t := bridgedTool(sess, server, td)
		if err := reg.Register(t); err != nil {
			logger.Warn("skipping mcp tool", "server", server, "tool", td.Name, "error", err)
			continue
		}
		added++
		logger.Debug("bridged mcp tool", "server", server, "mcp_name", td.Name, "name", t.Name, "side_effect", t.SideEffect)
	}
	return added, nil
}

// ToolName namespaces an MCP tool name for the registry.
func ToolName(server, tool string) string {
	return "mcp_" + sanitize(server) + "_" + sanitize(tool)
}

func bridgedTool(sess Session, server string, td mcp.Tool) *tools.Tool {
	effect := tools.Mutating
	if td.Annotations.ReadOnlyHint != nil && *td.Annotations.ReadOnlyHint {
		effect = tools.ReadOnly
	}
	remote := td.Name
	return &tools.Tool{
		Name:        ToolName(server, td.Name),
		Description: td.Description,
		Parameters:  inputSchema(td.InputSchema),
		SideEffect:  effect,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			req := mcp.CallToolRequest{}
			req.Params.Name = remote
			req.Params.Arguments = args
			res, err := sess.CallTool(ctx, req)
			if err != nil {
				return "", err
			}
			text := resultText(res)
			if res.IsError {
				if text == "" {
					text = "remote tool reported an error"
				}
				return "", errors.New(text)
			}
			return text, nil
		},
	}
}

func inputSchema(s mcp.ToolInputSchema) map[string]any {
	props := s.Properties
	if props == nil {
		props = map[string]any{}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(s.Required) > 0 {
		schema["required"] = s.Required
	}
	return schema
}

func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		switch tc := c.(type) {
		case mcp.TextContent:
			parts = append(parts, tc.Text)
		case *mcp.TextContent:
			parts = append(parts, tc.Text)
		default:
			parts = append(parts, fmt.Sprintf("[%T omitted]", c))
		}
	}
	return strings.Join(parts, "\n")
}

func selected(name string, include, exclude []string) bool {
	if len(include) > 0 {
		return contains(include, name)
	}
	return !contains(exclude, name)
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func sanitize(name string) string {
	return strings.Trim(unsafeChars.ReplaceAllString(strings.ToLower(name), "_"), "_")
}
