package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/haasonsaas/roundtable/internal/observability"
)

// MCPSource connects to one MCP server over streamable HTTP and exposes its
// tools through the Tool interface. Tool names are prefixed with the server
// name ("search.web_search") so multiple servers cannot collide.
type MCPSource struct {
	name   string
	client *mcpclient.Client
	logger *observability.Logger
}

// NewMCPSource dials and initializes the server.
func NewMCPSource(ctx context.Context, name, url string, logger *observability.Logger) (*MCPSource, error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	c, err := mcpclient.NewStreamableHttpClient(url)
	if err != nil {
		return nil, fmt.Errorf("mcp %s: %w", name, err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("mcp %s: start: %w", name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "roundtable", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, fmt.Errorf("mcp %s: initialize: %w", name, err)
	}

	return &MCPSource{name: name, client: c, logger: logger}, nil
}

// Close shuts the client connection down.
func (s *MCPSource) Close() error {
	return s.client.Close()
}

// RegisterAll lists the server's tools and registers each one.
func (s *MCPSource) RegisterAll(ctx context.Context, registry *Registry) error {
	listed, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("mcp %s: list tools: %w", s.name, err)
	}
	for i := range listed.Tools {
		tool := &mcpTool{source: s, tool: listed.Tools[i]}
		if err := registry.Register(tool); err != nil {
			return err
		}
		s.logger.Info(ctx, "registered MCP tool", "server", s.name, "tool", tool.Name())
	}
	return nil
}

type mcpTool struct {
	source *MCPSource
	tool   mcp.Tool
}

func (t *mcpTool) Name() string {
	return safeName(t.source.name + "." + t.tool.Name)
}

func (t *mcpTool) Description() string {
	desc := strings.TrimSpace(t.tool.Description)
	if desc == "" {
		return fmt.Sprintf("MCP tool %s.%s", t.source.name, t.tool.Name)
	}
	return fmt.Sprintf("MCP tool %s.%s: %s", t.source.name, t.tool.Name, desc)
}

func (t *mcpTool) Schema() json.RawMessage {
	schema, err := json.Marshal(t.tool.InputSchema)
	if err != nil || len(schema) == 0 || string(schema) == "null" {
		return json.RawMessage(`{"type":"object"}`)
	}
	return schema
}

func (t *mcpTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return nil, err
		}
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = t.tool.Name
	callReq.Params.Arguments = arguments
	res, err := t.source.client.CallTool(ctx, callReq)
	if err != nil {
		return nil, err
	}

	var parts []string
	for _, content := range res.Content {
		if text, ok := content.(mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return &Result{Content: strings.Join(parts, "\n"), IsError: res.IsError}, nil
}

// safeName maps an MCP tool name onto the provider function-name alphabet.
func safeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
