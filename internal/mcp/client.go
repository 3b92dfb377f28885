package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/synthia-ai/synthia/internal/buildinfo"
	"github.com/synthia-ai/synthia/internal/config"
)

// Session is the part of an MCP client the bridge needs.
type Session interface {
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// Connect starts the transport named by cfg and performs the MCP
// initialize handshake. The caller owns the returned client and must
// Close it.
func Connect(ctx context.Context, cfg config.MCPServerConfig, logger *slog.Logger) (*client.Client, error) {
	var (
		c   *client.Client
		err error
	)
	switch cfg.Transport {
	case "stdio":
		env := append(os.Environ(), cfg.Env...)
		c, err = client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	case "http":
		c, err = client.NewStreamableHttpClient(cfg.URL)
		if err == nil {
			err = c.Start(ctx)
		}
	default:
		return nil, fmt.Errorf("mcp server %s: unknown transport %q", cfg.Name, cfg.Transport)
	}
	if err != nil {
		if c != nil {
			c.Close()
		}
		return nil, fmt.Errorf("mcp server %s: start %s transport: %w", cfg.Name, cfg.Transport, err)
	}

	if err := initialize(ctx, c); err != nil {
		c.Close()
		return nil, fmt.Errorf("mcp server %s: %w", cfg.Name, err)
	}
	logger.Info("mcp server connected", "server", cfg.Name, "transport", cfg.Transport)
	return c, nil
}

func initialize(ctx context.Context, c *client.Client) error {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{
		Name:    "synthia",
		Version: buildinfo.Version,
	}
	if _, err := c.Initialize(ctx, req); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return nil
}
