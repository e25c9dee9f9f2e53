// Package agent defines the narrow contracts agents and the manager consume
// (LLM client, tool executor) and the per-agent container that turns a
// publish request into a streamed response.
package agent

import (
	"context"
	"fmt"
	"strings"
)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// LLMClient is the contract for calling a chat-completion backend.
// It provides a channel-based streaming API; non-streaming callers drain
// the channel with Collect.
type LLMClient interface {
	// Generate sends a conversation to the LLM and returns a stream of
	// chunks. The returned channel is closed when the stream completes.
	// Errors are delivered as ErrorChunk values in the channel.
	Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error)

	// Close releases the underlying connection.
	Close() error
}

// GenerateInput is a single LLM request.
type GenerateInput struct {
	SessionID  string
	Messages   []ConversationMessage
	Tools      []ToolDefinition // nil = no tools
	JSONSchema string           // non-empty = request structured output
}

// ConversationMessage is one turn of an LLM conversation.
type ConversationMessage struct {
	Role       string
	Content    string
	ToolCalls  []LLMToolCall // for assistant messages
	ToolCallID string        // for tool result messages
	ToolName   string        // for tool result messages
}

// LLMToolCall is an LLM's request to call a tool.
type LLMToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// ToolDefinition describes a tool available to the LLM.
type ToolDefinition struct {
	Name             string
	Description      string
	ParametersSchema string // JSON Schema
}

// Chunk is the interface for all streaming chunk types.
type Chunk interface {
	chunkType() ChunkType
}

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

const (
	ChunkTypeText     ChunkType = "text"
	ChunkTypeToolCall ChunkType = "tool_call"
	ChunkTypeUsage    ChunkType = "usage"
	ChunkTypeError    ChunkType = "error"
)

// TextChunk is a chunk of the LLM's text response.
type TextChunk struct{ Content string }

// ToolCallChunk signals the LLM wants to call a tool.
type ToolCallChunk struct{ CallID, Name, Arguments string }

// UsageChunk reports token consumption for this LLM call.
type UsageChunk struct{ InputTokens, OutputTokens, TotalTokens int }

// ErrorChunk signals an error from the LLM provider.
type ErrorChunk struct {
	Message   string
	Retryable bool
}

func (c *TextChunk) chunkType() ChunkType     { return ChunkTypeText }
func (c *ToolCallChunk) chunkType() ChunkType { return ChunkTypeToolCall }
func (c *UsageChunk) chunkType() ChunkType    { return ChunkTypeUsage }
func (c *ErrorChunk) chunkType() ChunkType    { return ChunkTypeError }

// CompletionResult is a fully-drained LLM response.
type CompletionResult struct {
	Text      string
	ToolCalls []LLMToolCall
	Usage     UsageChunk
}

// Collect drains a chunk stream into a single result. An ErrorChunk aborts
// the drain and is returned as an error; context cancellation is returned
// as the context's error so callers can classify interrupts.
func Collect(ctx context.Context, ch <-chan Chunk) (*CompletionResult, error) {
	return CollectWith(ctx, ch, nil)
}

// CollectWith drains a chunk stream like Collect, additionally invoking
// onText for every text chunk as it arrives (for streaming pass-through).
func CollectWith(ctx context.Context, ch <-chan Chunk, onText func(string)) (*CompletionResult, error) {
	var text strings.Builder
	result := &CompletionResult{}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				result.Text = text.String()
				return result, nil
			}
			switch c := chunk.(type) {
			case *TextChunk:
				text.WriteString(c.Content)
				if onText != nil {
					onText(c.Content)
				}
			case *ToolCallChunk:
				result.ToolCalls = append(result.ToolCalls, LLMToolCall{
					ID: c.CallID, Name: c.Name, Arguments: c.Arguments,
				})
			case *UsageChunk:
				result.Usage = *c
			case *ErrorChunk:
				return nil, fmt.Errorf("llm error: %s", c.Message)
			}
		}
	}
}
