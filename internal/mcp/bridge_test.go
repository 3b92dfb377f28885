package mcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/synthia-ai/synthia/internal/tools"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestToolName(t *testing.T) {
	tests := []struct {
		server, tool, want string
	}{
		{"home-assistant", "get_entities", "mcp_home_assistant_get_entities"},
		{"My Server", "Do Thing", "mcp_my_server_do_thing"},
		{"a--b", "c--d", "mcp_a_b_c_d"},
		{"special!@#", "chars$%^", "mcp_special_chars"},
	}
	for _, tt := range tests {
		if got := ToolName(tt.server, tt.tool); got != tt.want {
			t.Errorf("ToolName(%q, %q) = %q, want %q", tt.server, tt.tool, got, tt.want)
		}
	}
}

func TestSelected(t *testing.T) {
	tests := []struct {
		name             string
		include, exclude []string
		want             bool
	}{
		{"read_file", nil, nil, true},
		{"read_file", []string{"read_file"}, nil, true},
		{"write_file", []string{"read_file"}, nil, false},
		{"write_file", nil, []string{"write_file"}, false},
		{"write_file", []string{"write_file"}, []string{"write_file"}, true},
	}
	for _, tt := range tests {
		if got := selected(tt.name, tt.include, tt.exclude); got != tt.want {
			t.Errorf("selected(%q, %v, %v) = %v, want %v", tt.name, tt.include, tt.exclude, got, tt.want)
		}
	}
}

func newTestServer() *server.MCPServer {
	srv := server.NewMCPServer("notes", "1.0.0", server.WithToolCapabilities(true))
	srv.AddTool(mcp.NewTool("read-note",
		mcp.WithDescription("Read a note"),
		mcp.WithString("title", mcp.Required(), mcp.Description("Note title")),
		mcp.WithReadOnlyHintAnnotation(true),
	), func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		title := req.GetString("title", "")
		if title == "missing" {
			return mcp.NewToolResultError("no such note"), nil
		}
		return mcp.NewToolResultText("note " + title + ": buy milk"), nil
	})
	srv.AddTool(mcp.NewTool("delete-note",
		mcp.WithDescription("Delete a note"),
		mcp.WithString("title", mcp.Required()),
	), func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return nil, errors.New("read-only filesystem")
	})
	return srv
}

func connectInProcess(t *testing.T) *client.Client {
	t.Helper()
	c, err := client.NewInProcessClient(newTestServer())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := initialize(ctx, c); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return c
}

func TestBridge(t *testing.T) {
	c := connectInProcess(t)
	reg := tools.NewRegistry()
	ctx := context.Background()

	n, err := Bridge(ctx, c, "notes", reg, nil, nil, discard())
	if err != nil {
		t.Fatalf("Bridge: %v", err)
	}
	if n != 2 {
		t.Fatalf("bridged %d tools, want 2", n)
	}

	read := reg.Get("mcp_notes_read_note")
	if read == nil {
		t.Fatal("mcp_notes_read_note not registered")
	}
	if read.SideEffect != tools.ReadOnly {
		t.Errorf("read-note side effect = %s, want read_only", read.SideEffect)
	}
	if del := reg.Get("mcp_notes_delete_note"); del == nil || del.SideEffect != tools.Mutating {
		t.Errorf("delete-note should be registered as mutating, got %+v", del)
	}

	inv := reg.Invoke(ctx, "mcp_notes_read_note", map[string]any{"title": "groceries"})
	if inv.Err != nil {
		t.Fatalf("invoke: %v", inv.Err)
	}
	if inv.Result != "note groceries: buy milk" {
		t.Errorf("result = %q", inv.Result)
	}

	inv = reg.Invoke(ctx, "mcp_notes_read_note", map[string]any{"title": "missing"})
	if inv.Err == nil {
		t.Error("remote isError result should fail the invocation")
	}

	inv = reg.Invoke(ctx, "mcp_notes_read_note", map[string]any{})
	if _, ok := inv.Err.(*tools.ArgumentError); !ok {
		t.Errorf("missing title should be an argument error, got %v", inv.Err)
	}

	inv = reg.Invoke(ctx, "mcp_notes_delete_note", map[string]any{"title": "x"})
	if inv.Err == nil {
		t.Error("handler error should fail the invocation")
	}
}

func TestBridge_IncludeList(t *testing.T) {
	c := connectInProcess(t)
	reg := tools.NewRegistry()

	n, err := Bridge(context.Background(), c, "notes", reg, []string{"read-note"}, nil, discard())
	if err != nil {
		t.Fatalf("Bridge: %v", err)
	}
	if n != 1 || reg.Get("mcp_notes_delete_note") != nil {
		t.Errorf("include list not honoured: n=%d", n)
	}
}

func TestInputSchema(t *testing.T) {
	s := inputSchema(mcp.ToolInputSchema{})
	if s["type"] != "object" {
		t.Errorf("type = %v", s["type"])
	}
	if _, ok := s["properties"].(map[string]any); !ok {
		t.Error("properties should default to an empty object")
	}
	if _, ok := s["required"]; ok {
		t.Error("required should be omitted when empty")
	}
}
