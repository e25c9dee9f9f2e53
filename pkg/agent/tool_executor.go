package agent

import (
	"context"
	"fmt"
)

// ToolExecutor abstracts tool workbench execution for agent containers.
type ToolExecutor interface {
	// Execute runs a single tool call and returns the result.
	// Tool failures are reported inside the result, not as a Go error.
	Execute(ctx context.Context, call LLMToolCall) (*ExecutedTool, error)

	// ListTools returns available tool definitions for this agent.
	// Returns nil if no tools are configured.
	ListTools(ctx context.Context) ([]ToolDefinition, error)

	// Close releases resources (MCP transports, subprocesses).
	Close() error
}

// ExecutedTool is the outcome of a tool execution.
type ExecutedTool struct {
	CallID  string // matches LLMToolCall.ID
	Name    string
	Content string
	IsError bool
}

// StubToolExecutor returns canned responses for testing.
// The real MCP-backed implementation is in pkg/mcp.
type StubToolExecutor struct {
	tools []ToolDefinition
}

// NewStubToolExecutor creates a stub executor with the given tool definitions.
func NewStubToolExecutor(tools []ToolDefinition) *StubToolExecutor {
	return &StubToolExecutor{tools: tools}
}

func (s *StubToolExecutor) Execute(_ context.Context, call LLMToolCall) (*ExecutedTool, error) {
	return &ExecutedTool{
		CallID:  call.ID,
		Name:    call.Name,
		Content: fmt.Sprintf("[stub] Tool %q called with args: %s", call.Name, call.Arguments),
		IsError: false,
	}, nil
}

func (s *StubToolExecutor) ListTools(_ context.Context) ([]ToolDefinition, error) {
	return s.tools, nil
}

func (s *StubToolExecutor) Close() error { return nil }
