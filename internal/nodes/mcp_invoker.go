package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// ToolCaller is the part of an MCP client the tool invoker uses.
type ToolCaller interface {
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// MCPToolInvoker is a ToolInvoker that forwards tool nodes to an MCP server.
// Transport failures are transient; tool-reported errors are permanent.
type MCPToolInvoker struct {
	client ToolCaller
}

// NewMCPToolInvoker wraps an initialised MCP client.
func NewMCPToolInvoker(c ToolCaller) *MCPToolInvoker {
	return &MCPToolInvoker{client: c}
}

// DialStdioTools starts command as an MCP server over stdio, performs the
// initialize handshake and returns an invoker plus the client to close.
func DialStdioTools(ctx context.Context, command string, env []string, args ...string) (*MCPToolInvoker, *client.Client, error) {
	c, err := client.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("start mcp tool server %q: %w", command, err)
	}
	if err := InitializeClient(ctx, c); err != nil {
		_ = c.Close()
		return nil, nil, err
	}
	return NewMCPToolInvoker(c), c, nil
}

// InitializeClient performs the MCP initialize handshake as a nodeflow client.
func InitializeClient(ctx context.Context, c *client.Client) error {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "nodeflow", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, req); err != nil {
		return fmt.Errorf("initialize mcp client: %w", err)
	}
	return nil
}

func (m *MCPToolInvoker) Invoke(ctx context.Context, toolName string, arguments map[string]any) (any, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = arguments

	res, err := m.client.CallTool(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, Transient(fmt.Errorf("call tool %s: %w", toolName, err))
	}

	text := joinText(res.Content)
	if res.IsError {
		return nil, Permanent(fmt.Errorf("tool %s: %s", toolName, text))
	}
	if res.StructuredContent != nil {
		return res.StructuredContent, nil
	}

	var decoded any
	if json.Unmarshal([]byte(text), &decoded) == nil {
		return decoded, nil
	}
	return text, nil
}

// ToolAgents is an AgentInvoker that runs each agent as a tool: agent id
// names the tool Prefix+id, called with the message and the node's context.
type ToolAgents struct {
	Tools  ToolInvoker
	Prefix string
}

func (a ToolAgents) Invoke(ctx context.Context, agentID, message string, c map[string]any) (any, error) {
	return a.Tools.Invoke(ctx, a.Prefix+agentID, map[string]any{
		"message": message,
		"context": c,
	})
}

func joinText(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		if t := mcp.GetTextFromContent(c); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}
