package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parleyhq/parley/pkg/agent"
)

// Compile-time check that Workbench implements agent.ToolExecutor.
var _ agent.ToolExecutor = (*Workbench)(nil)

// Workbench implements agent.ToolExecutor backed by MCP servers. One
// Workbench is created per agent, scoped to that agent's servers and
// tool whitelist; the underlying Client is shared.
type Workbench struct {
	client *Client

	// Server IDs this agent can access.
	serverIDs []string

	// Optional per-server tool whitelist. A server missing from the map
	// exposes all of its tools.
	toolFilter map[string][]string
}

// NewWorkbench creates an executor scoped to the given servers and filter.
func NewWorkbench(client *Client, serverIDs []string, toolFilter map[string][]string) *Workbench {
	return &Workbench{
		client:     client,
		serverIDs:  serverIDs,
		toolFilter: toolFilter,
	}
}

// Execute runs a tool call via MCP. Validation and execution failures are
// returned as error content in the result, not as Go errors, so the model
// can read and correct them (MCP convention).
func (w *Workbench) Execute(ctx context.Context, call agent.LLMToolCall) (*agent.ExecutedTool, error) {
	name := NormalizeToolName(call.Name)

	serverID, toolName, err := w.resolveToolCall(name)
	if err != nil {
		return &agent.ExecutedTool{
			CallID:  call.ID,
			Name:    call.Name,
			Content: err.Error(),
			IsError: true,
		}, nil
	}

	params, err := ParseToolArguments(call.Arguments)
	if err != nil {
		return &agent.ExecutedTool{
			CallID:  call.ID,
			Name:    call.Name,
			Content: fmt.Sprintf("Failed to parse tool arguments: %s", err),
			IsError: true,
		}, nil
	}

	result, err := w.client.CallTool(ctx, serverID, toolName, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &agent.ExecutedTool{
			CallID:  call.ID,
			Name:    call.Name,
			Content: fmt.Sprintf("MCP tool execution failed: %s", err),
			IsError: true,
		}, nil
	}

	return &agent.ExecutedTool{
		CallID:  call.ID,
		Name:    call.Name,
		Content: extractTextContent(result),
		IsError: result.IsError,
	}, nil
}

// ListTools returns the agent's available tools with server-prefixed
// names (e.g. "search-server.web_search"). Servers that fail to list are
// logged and skipped: partial tools are better than none.
func (w *Workbench) ListTools(ctx context.Context) ([]agent.ToolDefinition, error) {
	var allTools []agent.ToolDefinition

	for _, serverID := range w.serverIDs {
		tools, err := w.client.ListTools(ctx, serverID)
		if err != nil {
			slog.Warn("Failed to list tools from MCP server",
				"server", serverID, "error", err)
			continue
		}

		for _, tool := range tools {
			if filter, ok := w.toolFilter[serverID]; ok && len(filter) > 0 {
				if !slices.Contains(filter, tool.Name) {
					continue
				}
			}
			allTools = append(allTools, agent.ToolDefinition{
				Name:             fmt.Sprintf("%s.%s", serverID, tool.Name),
				Description:      tool.Description,
				ParametersSchema: marshalSchema(tool.InputSchema),
			})
		}
	}

	if len(allTools) == 0 {
		return nil, nil
	}
	return allTools, nil
}

// Close is a no-op: the shared Client's lifecycle is owned by the process.
func (w *Workbench) Close() error { return nil }

// resolveToolCall validates a tool call against this agent's scope.
func (w *Workbench) resolveToolCall(name string) (serverID, toolName string, err error) {
	serverID, toolName, err = SplitToolName(name)
	if err != nil {
		return "", "", err
	}

	if !slices.Contains(w.serverIDs, serverID) {
		return "", "", fmt.Errorf(
			"MCP server %q is not available to this agent. "+
				"Available servers: %s", serverID, strings.Join(w.serverIDs, ", "))
	}

	if filter, ok := w.toolFilter[serverID]; ok && len(filter) > 0 {
		if !slices.Contains(filter, toolName) {
			return "", "", fmt.Errorf(
				"tool %q is not available on server %q. "+
					"Available tools: %s", toolName, serverID, strings.Join(filter, ", "))
		}
	}

	return serverID, toolName, nil
}

// extractTextContent concatenates all TextContent items from an MCP
// result. Non-text content (images, embedded resources) is skipped.
func extractTextContent(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		} else {
			slog.Debug("MCP tool returned non-text content, skipping",
				"content_type", fmt.Sprintf("%T", c))
		}
	}
	return strings.Join(parts, "\n")
}

func marshalSchema(schema any) string {
	if schema == nil {
		return ""
	}
	data, err := json.Marshal(schema)
	if err != nil {
		slog.Debug("Failed to marshal tool input schema", "error", err)
		return ""
	}
	return string(data)
}
