package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmespath/go-jmespath"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"maiachat/backend/internal/engine"
)

// ToolCaller calls a tool on an MCP server. *client.Client implements it.
type ToolCaller interface {
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// ConnectMCP opens a streamable HTTP session with the MCP server at url.
func ConnectMCP(ctx context.Context, url string) (*client.Client, error) {
	c, err := client.NewStreamableHttpClient(url)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client for %s: %w", url, err)
	}
	if err := InitializeMCP(ctx, c); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// InitializeMCP starts c and performs the MCP handshake.
func InitializeMCP(ctx context.Context, c *client.Client) error {
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP client: %w", err)
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.Capabilities = mcp.ClientCapabilities{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "maiachat-workflows",
		Version: "1.0.0",
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return fmt.Errorf("failed to initialize MCP client: %w", err)
	}
	return nil
}

// MCPToolAction calls a tool on the configured MCP server.
//
// Config:
//   - tool string: tool name
//   - arguments object: static arguments
//   - arguments_from string: optional JMESPath producing an object that is
//     merged over arguments
type MCPToolAction struct {
	caller ToolCaller
}

// NewMCPToolAction creates an MCPToolAction.
func NewMCPToolAction(caller ToolCaller) *MCPToolAction {
	return &MCPToolAction{caller: caller}
}

func (a *MCPToolAction) Type() string         { return "mcp_tool" }
func (a *MCPToolAction) SupportsDryRun() bool { return true }

func (a *MCPToolAction) Run(ctx context.Context, sc engine.StepContext) (interface{}, error) {
	tool, err := stringConfig(sc.Config, "tool")
	if err != nil {
		return nil, err
	}
	args, err := toolArguments(sc)
	if err != nil {
		return nil, err
	}
	if sc.DryRun {
		return map[string]interface{}{
			"simulated": true,
			"tool":      tool,
			"arguments": args,
		}, nil
	}

	result, err := a.caller.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      tool,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("calling tool %s: %w", tool, err)
	}

	text := resultText(result)
	if result.IsError {
		return nil, fmt.Errorf("tool %s failed: %s", tool, text)
	}
	out := map[string]interface{}{"text": text}
	var parsed interface{}
	if err := json.Unmarshal([]byte(text), &parsed); err == nil {
		out["json"] = parsed
	}
	return out, nil
}

func toolArguments(sc engine.StepContext) (map[string]interface{}, error) {
	args := map[string]interface{}{}
	if static, ok := sc.Config["arguments"]; ok {
		m, ok := static.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("config %q must be an object", "arguments")
		}
		for k, v := range m {
			args[k] = v
		}
	}
	if expr, ok := sc.Config["arguments_from"].(string); ok && expr != "" {
		dynamic, err := jmespath.Search(expr, scope(sc))
		if err != nil {
			return nil, fmt.Errorf("evaluating arguments_from %q: %w", expr, err)
		}
		m, ok := dynamic.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("arguments_from %q must produce an object", expr)
		}
		for k, v := range m {
			args[k] = v
		}
	}
	return args, nil
}

func resultText(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if text, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}
