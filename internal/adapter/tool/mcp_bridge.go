package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"discovery-agent/internal/domain"
)

// mcpCallTimeout is the default per-call timeout for MCP tool execution.
const mcpCallTimeout = 30 * time.Second

// MCPServer configures an MCP server connection.
type MCPServer struct {
	Name      string
	Transport string // "stdio" or "http"
	Command   string
	Args      []string
	URL       string
	Env       map[string]string
}

// MCPBridge connects to MCP servers and exposes their tools as declarations.
type MCPBridge struct {
	servers []mcpServerConn
	decls   []domain.ToolDeclaration
	logger  *slog.Logger
	mu      sync.RWMutex
}

type mcpServerConn struct {
	name   string
	client mcpClient
}

// mcpClient abstracts the MCP client interface for testability.
type mcpClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// NewMCPBridge connects to all configured servers and discovers their tools.
func NewMCPBridge(ctx context.Context, servers []MCPServer, logger *slog.Logger) (*MCPBridge, error) {
	b := &MCPBridge{logger: logger}

	for _, srv := range servers {
		conn, err := b.connectServer(ctx, srv)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("mcp server %q: %w", srv.Name, err)
		}
		b.servers = append(b.servers, *conn)
	}

	if err := b.discoverTools(ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("discover tools: %w", err)
	}
	return b, nil
}

// newMCPBridgeWithClients creates an MCPBridge with pre-built clients (for testing).
func newMCPBridgeWithClients(ctx context.Context, servers []mcpServerConn, logger *slog.Logger) (*MCPBridge, error) {
	b := &MCPBridge{servers: servers, logger: logger}
	if err := b.discoverTools(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *MCPBridge) connectServer(ctx context.Context, srv MCPServer) (*mcpServerConn, error) {
	var c mcpClient

	switch srv.Transport {
	case "stdio":
		sc, err := mcpclient.NewStdioMCPClient(srv.Command, envSlice(srv.Env), srv.Args...)
		if err != nil {
			return nil, fmt.Errorf("create stdio client: %w", err)
		}
		c = sc
	case "http":
		t, err := transport.NewStreamableHTTP(srv.URL)
		if err != nil {
			return nil, fmt.Errorf("create http transport: %w", err)
		}
		httpClient := mcpclient.NewClient(t)
		if err := httpClient.Start(ctx); err != nil {
			return nil, fmt.Errorf("start http client: %w", err)
		}
		c = httpClient
	default:
		return nil, fmt.Errorf("unsupported transport %q", srv.Transport)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "discovery-agent",
		Version: "1.0.0",
	}

	if ic, ok := c.(interface {
		Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	}); ok {
		if _, err := ic.Initialize(ctx, initReq); err != nil {
			c.Close()
			return nil, domain.WrapOp("initialize", err)
		}
	}

	b.logger.Info("mcp server connected", "name", srv.Name, "transport", srv.Transport)
	return &mcpServerConn{name: srv.Name, client: c}, nil
}

func (b *MCPBridge) discoverTools(ctx context.Context) error {
	var errs []string
	successCount := 0

	for _, srv := range b.servers {
		result, err := srv.client.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			b.logger.Warn("mcp server discovery failed, skipping",
				"server", srv.name,
				"error", err,
			)
			errs = append(errs, fmt.Sprintf("%s: %v", srv.name, err))
			continue
		}

		for _, t := range result.Tools {
			decl := mcpDeclaration(srv.name, srv.client, t, b.logger)
			b.decls = append(b.decls, decl)
			b.logger.Debug("mcp tool discovered",
				"server", srv.name,
				"tool", t.Name,
				"full_name", decl.Name)
		}

		b.logger.Info("mcp tools discovered", "server", srv.name, "count", len(result.Tools))
		successCount++
	}

	// Only fail if ALL servers failed.
	if successCount == 0 && len(errs) > 0 {
		return fmt.Errorf("all mcp servers failed discovery: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Declarations returns all discovered MCP tools.
func (b *MCPBridge) Declarations() []domain.ToolDeclaration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.decls
}

// RegisterAll registers every discovered tool with reg.
func (b *MCPBridge) RegisterAll(reg *Registry) error {
	for _, d := range b.Declarations() {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// Close shuts down all MCP server connections.
func (b *MCPBridge) Close() {
	for _, srv := range b.servers {
		if err := srv.client.Close(); err != nil {
			b.logger.Warn("mcp server close error", "server", srv.name, "error", err)
		}
	}
}

// mcpDeclaration wraps a single MCP tool as a declaration.
func mcpDeclaration(serverName string, client mcpClient, t mcp.Tool, logger *slog.Logger) domain.ToolDeclaration {
	fullName := fmt.Sprintf("mcp_%s_%s", sanitizeName(serverName), sanitizeName(t.Name))
	desc := t.Description
	if desc == "" {
		desc = fmt.Sprintf("MCP tool %q from server %q", t.Name, serverName)
	}

	required := make(map[string]bool, len(t.InputSchema.Required))
	for _, r := range t.InputSchema.Required {
		required[r] = true
	}
	fields := make(map[string]*domain.ParamSchema, len(t.InputSchema.Properties))
	for name, raw := range t.InputSchema.Properties {
		p := paramFromJSONSchema(raw)
		p.Required = required[name]
		fields[name] = p
	}

	handler := func(ctx context.Context, params json.RawMessage) (any, error) {
		var args map[string]any
		if len(params) > 0 && string(params) != "null" {
			if err := json.Unmarshal(params, &args); err != nil {
				return nil, InvalidParams("invalid arguments: %v", err)
			}
		}

		callReq := mcp.CallToolRequest{}
		callReq.Params.Name = t.Name
		callReq.Params.Arguments = args

		logger.Debug("mcp tool call", "server", serverName, "tool", t.Name, "full_name", fullName)

		callCtx, cancel := context.WithTimeout(ctx, mcpCallTimeout)
		defer cancel()

		result, err := client.CallTool(callCtx, callReq)
		if err != nil {
			return nil, fmt.Errorf("%w: mcp tool error: %v", domain.ErrRetryable, err)
		}

		content := extractMCPContent(result)
		if result.IsError {
			return nil, fmt.Errorf("%w: %s", domain.ErrNonRetryable, content)
		}

		var structured map[string]any
		if err := json.Unmarshal([]byte(content), &structured); err == nil {
			return structured, nil
		}
		return map[string]any{"content": content}, nil
	}

	return domain.ToolDeclaration{
		Name:        fullName,
		Description: desc,
		Schema:      domain.Object(fields),
		Handler:     handler,
	}
}

// paramFromJSONSchema converts a JSON Schema property into a ParamSchema.
// Unrecognised shapes become strings.
func paramFromJSONSchema(v any) *domain.ParamSchema {
	m, ok := v.(map[string]any)
	if !ok {
		return &domain.ParamSchema{Kind: domain.KindString}
	}

	p := &domain.ParamSchema{}
	if d, ok := m["description"].(string); ok {
		p.Description = d
	}
	kind, _ := m["type"].(string)
	switch domain.ParamKind(kind) {
	case domain.KindString, domain.KindNumber, domain.KindInteger, domain.KindBoolean:
		p.Kind = domain.ParamKind(kind)
	case domain.KindArray:
		p.Kind = domain.KindArray
		if items, ok := m["items"]; ok {
			p.Items = paramFromJSONSchema(items)
		}
	case domain.KindObject:
		p.Kind = domain.KindObject
		props, _ := m["properties"].(map[string]any)
		req := map[string]bool{}
		if rs, ok := m["required"].([]any); ok {
			for _, r := range rs {
				if s, ok := r.(string); ok {
					req[s] = true
				}
			}
		}
		p.Properties = make(map[string]*domain.ParamSchema, len(props))
		for name, sub := range props {
			child := paramFromJSONSchema(sub)
			child.Required = req[name]
			p.Properties[name] = child
		}
	default:
		p.Kind = domain.KindString
	}

	if enum, ok := m["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				p.Enum = append(p.Enum, s)
			}
		}
	}
	if f, ok := m["minimum"].(float64); ok {
		p.Minimum = &f
	}
	if f, ok := m["maximum"].(float64); ok {
		p.Maximum = &f
	}
	return p
}

// extractMCPContent converts MCP CallToolResult content to a string.
func extractMCPContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// sanitizeName replaces characters that aren't valid in tool names.
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// envSlice converts a map of env vars to KEY=VALUE slices.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, k+"="+v)
	}
	return result
}
