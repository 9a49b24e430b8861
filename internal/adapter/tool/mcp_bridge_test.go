package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discovery-agent/internal/domain"
)

// mockMCPClient implements mcpClient for testing.
type mockMCPClient struct {
	tools    []mcp.Tool
	callFunc func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	closed   bool
	listErr  error
}

func (m *mockMCPClient) ListTools(_ context.Context, _ mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return &mcp.ListToolsResult{Tools: m.tools}, nil
}

func (m *mockMCPClient) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if m.callFunc != nil {
		return m.callFunc(ctx, req)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("called %s", req.Params.Name))},
	}, nil
}

func (m *mockMCPClient) Close() error {
	m.closed = true
	return nil
}

func patentTool() mcp.Tool {
	return mcp.Tool{
		Name:        "patent-search",
		Description: "Search patents",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"query":  map[string]any{"type": "string", "description": "terms"},
				"office": map[string]any{"type": "string", "enum": []any{"US", "EP"}},
				"limit":  map[string]any{"type": "integer", "minimum": float64(1), "maximum": float64(20)},
				"tags":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"filter": map[string]any{
					"type":       "object",
					"properties": map[string]any{"year": map[string]any{"type": "integer"}},
					"required":   []any{"year"},
				},
				"odd": map[string]any{"type": []any{"string", "null"}},
			},
			Required: []string{"query"},
		},
	}
}

func TestMCPBridgeDiscoverTools(t *testing.T) {
	mock := &mockMCPClient{tools: []mcp.Tool{
		{Name: "read_file", Description: "Read a file"},
		{Name: "write_file"},
	}}

	bridge, err := newMCPBridgeWithClients(context.Background(), []mcpServerConn{
		{name: "filesystem", client: mock},
	}, nopLogger())
	require.NoError(t, err)

	decls := bridge.Declarations()
	require.Len(t, decls, 2)
	assert.Equal(t, "mcp_filesystem_read_file", decls[0].Name)
	assert.Equal(t, "Read a file", decls[0].Description)
	assert.Equal(t, `MCP tool "write_file" from server "filesystem"`, decls[1].Description)

	bridge.Close()
	assert.True(t, mock.closed)
}

func TestMCPBridgeListToolsError(t *testing.T) {
	mock := &mockMCPClient{listErr: fmt.Errorf("connection refused")}
	_, err := newMCPBridgeWithClients(context.Background(), []mcpServerConn{
		{name: "bad-server", client: mock},
	}, nopLogger())
	assert.Error(t, err, "all servers failing discovery is an error")
}

func TestMCPBridgePartialDiscoveryFailure(t *testing.T) {
	bridge, err := newMCPBridgeWithClients(context.Background(), []mcpServerConn{
		{name: "ok-server", client: &mockMCPClient{tools: []mcp.Tool{{Name: "search"}}}},
		{name: "bad-server", client: &mockMCPClient{listErr: fmt.Errorf("connection refused")}},
	}, nopLogger())
	require.NoError(t, err)

	decls := bridge.Declarations()
	require.Len(t, decls, 1)
	assert.Equal(t, "mcp_ok_server_search", decls[0].Name)
}

func TestMCPDeclarationSchemaConversion(t *testing.T) {
	decl := mcpDeclaration("patents", &mockMCPClient{}, patentTool(), nopLogger())
	assert.Equal(t, "mcp_patents_patent_search", decl.Name)

	f := decl.Schema.Properties
	assert.True(t, f["query"].Required)
	assert.Equal(t, domain.KindString, f["query"].Kind)
	assert.Equal(t, "terms", f["query"].Description)
	assert.Equal(t, []string{"US", "EP"}, f["office"].Enum)
	require.NotNil(t, f["limit"].Maximum)
	assert.Equal(t, 20.0, *f["limit"].Maximum)
	assert.Equal(t, domain.KindArray, f["tags"].Kind)
	assert.Equal(t, domain.KindString, f["tags"].Items.Kind)
	assert.True(t, f["filter"].Properties["year"].Required)
	assert.Equal(t, domain.KindString, f["odd"].Kind)
}

func TestMCPToolsRegisterAndExecute(t *testing.T) {
	mock := &mockMCPClient{
		tools: []mcp.Tool{patentTool()},
		callFunc: func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.Params.Arguments.(map[string]any)
			body, _ := json.Marshal(map[string]any{"patents": []any{map[string]any{"title": args["query"]}}})
			return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(string(body))}}, nil
		},
	}
	bridge, err := newMCPBridgeWithClients(context.Background(), []mcpServerConn{{name: "patents", client: mock}}, nopLogger())
	require.NoError(t, err)

	reg := NewRegistry(nopLogger())
	require.NoError(t, bridge.RegisterAll(reg))

	res, err := reg.Execute(context.Background(), domain.ToolCall{
		ToolName: "mcp_patents_patent_search",
		Params:   json.RawMessage(`{"query":"tandem cell"}`),
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	data := res.Data.(map[string]any)
	assert.Len(t, data["patents"], 1)

	res, _ = reg.Execute(context.Background(), domain.ToolCall{
		ToolName: "mcp_patents_patent_search",
		Params:   json.RawMessage(`{"query":"x","filter":{}}`),
	})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "filter.year")
}

func TestMCPToolPlainTextAndErrors(t *testing.T) {
	var isError bool
	var callErr error
	mock := &mockMCPClient{callFunc: func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if callErr != nil {
			return nil, callErr
		}
		return &mcp.CallToolResult{IsError: isError, Content: []mcp.Content{mcp.NewTextContent("plain " + req.Params.Name)}}, nil
	}}
	decl := mcpDeclaration("srv", mock, mcp.Tool{Name: "echo"}, nopLogger())

	out, err := decl.Handler(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"content": "plain echo"}, out)

	isError = true
	_, err = decl.Handler(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrNonRetryable)

	callErr = fmt.Errorf("pipe closed")
	_, err = decl.Handler(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrRetryable)

	_, err = decl.Handler(context.Background(), json.RawMessage(`[1,2]`))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "ok_server", sanitizeName("ok-server"))
	assert.Equal(t, "a_b_c", sanitizeName("a.b c"))
}
