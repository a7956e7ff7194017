package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpprotocol "github.com/mark3labs/mcp-go/mcp"

	"github.com/lattice-hq/lattice/internal/config"
)

// mutatingPrefixes marks MCP tool names whose success should flush the
// server's cached results. MCP servers do not annotate mutation, so we
// go by naming convention.
var mutatingPrefixes = []string{"create", "update", "delete", "write", "set", "add", "remove", "send", "move"}

// MCPLoader connects to configured MCP servers, discovers their tools
// and registers them. It owns the client connections.
type MCPLoader struct {
	logger  *slog.Logger
	clients map[string]mcpclient.MCPClient
}

// NewMCPLoader creates an MCP loader.
func NewMCPLoader(logger *slog.Logger) *MCPLoader {
	return &MCPLoader{
		logger:  logger,
		clients: make(map[string]mcpclient.MCPClient),
	}
}

// Load connects to each configured server and registers its tools under
// "<server>__<tool>". A server that fails to connect is skipped with a
// warning so one bad server cannot take down the runtime.
func (l *MCPLoader) Load(ctx context.Context, servers []config.MCPServer, reg *Registry) error {
	for _, srv := range servers {
		if err := l.loadServer(ctx, srv, reg); err != nil {
			l.logger.Warn("skipping MCP server", "server", srv.Name, "error", err)
			continue
		}
	}
	return nil
}

func (l *MCPLoader) loadServer(ctx context.Context, srv config.MCPServer, reg *Registry) error {
	client, err := l.createClient(srv)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	initReq := mcpprotocol.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpprotocol.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpprotocol.Implementation{
		Name:    "lattice",
		Version: "1.0.0",
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		client.Close() //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("initialize: %w", err)
	}

	toolsResult, err := client.ListTools(ctx, mcpprotocol.ListToolsRequest{})
	if err != nil {
		client.Close() //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("list tools: %w", err)
	}

	l.clients[srv.Name] = client

	for i := range toolsResult.Tools {
		td := toolsResult.Tools[i]
		schema, err := json.Marshal(td.InputSchema)
		if err != nil {
			return fmt.Errorf("marshal schema for %s: %w", td.Name, err)
		}
		mt := &mcpTool{
			client: client,
			remote: td.Name,
			info: Info{
				Name:        srv.Name + "__" + td.Name,
				Description: td.Description,
				App:         srv.Name,
				Mutating:    looksMutating(td.Name),
				Source:      srv.Name,
				RawSchema:   schema,
			},
		}
		if err := reg.Register(mt); err != nil {
			return err
		}
	}
	l.logger.Info("loaded MCP server", "server", srv.Name, "tools", len(toolsResult.Tools))
	return nil
}

// createClient builds an mcp-go client for the configured transport.
func (l *MCPLoader) createClient(srv config.MCPServer) (mcpclient.MCPClient, error) {
	switch srv.Transport {
	case "stdio":
		var env []string
		for k, v := range srv.Env {
			env = append(env, k+"="+v)
		}
		return mcpclient.NewStdioMCPClient(srv.Command, env, srv.Args...)

	case "sse":
		var opts []transport.ClientOption
		if len(srv.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(srv.Headers))
		}
		return mcpclient.NewSSEMCPClient(srv.URL, opts...)

	case "http":
		var opts []transport.StreamableHTTPCOption
		if len(srv.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(srv.Headers))
		}
		return mcpclient.NewStreamableHttpClient(srv.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %s", srv.Transport)
	}
}

// Close shuts down all server connections.
func (l *MCPLoader) Close() {
	for name, client := range l.clients {
		if err := client.Close(); err != nil {
			l.logger.Warn("closing MCP client", "server", name, "error", err)
		}
	}
}

func looksMutating(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range mutatingPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// mcpTool proxies one remote MCP tool.
type mcpTool struct {
	client mcpclient.MCPClient
	remote string
	info   Info
}

func (t *mcpTool) Info() Info { return t.info }

func (t *mcpTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	req := mcpprotocol.CallToolRequest{}
	req.Params.Name = t.remote
	req.Params.Arguments = args

	resp, err := t.client.CallTool(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("call %s: %w", t.remote, err)
	}

	content := flattenContent(resp.Content)
	if resp.IsError {
		return Result{Success: false, Error: content}, nil
	}
	return Result{Success: true, Content: content}, nil
}

func flattenContent(parts []mcpprotocol.Content) string {
	var sb strings.Builder
	for _, part := range parts {
		if tc, ok := part.(mcpprotocol.TextContent); ok {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}
