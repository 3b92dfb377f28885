// Package mcp connects to external MCP (Model Context Protocol) servers
// and bridges the tools they advertise into the tool registry, so the
// model sees them alongside the built-in tools.
//
// Only the client side is implemented.
package mcp
