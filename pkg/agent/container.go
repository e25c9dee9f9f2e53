package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/pkg/models"
)

// StateVars are template variables injected into agent and selector
// prompts. Plugins contribute state_of_run, tool_call_facts and
// handoff_context; the manager adds participant_names.
type StateVars map[string]string

// Response is what a responder hands back to the manager: the final chat
// message plus any tool request/execution pairs produced on the way.
type Response struct {
	ChatMessage   *models.ChatMessage
	InnerMessages []models.Event
}

// Responder is the manager-facing contract of an agent container.
type Responder interface {
	// Name returns the participant name.
	Name() string

	// Description returns the participant description used by the selector.
	Description() string

	// Deliver appends an inbound chat message to the agent's buffer.
	Deliver(msg *models.ChatMessage)

	// TrimBuffer drops the last k messages delivered since the agent last
	// spoke. Used when a branch rewinds the thread.
	TrimBuffer(k int)

	// Reset clears the agent's conversation and buffer.
	Reset()

	// Respond produces the agent's next utterance. Streaming text is
	// forwarded through emit as StreamingChunk events; tool pairs and the
	// final message are returned in the Response.
	Respond(ctx context.Context, vars StateVars, emit func(models.Event)) (*Response, error)
}

// Container is the per-agent adapter: an inbound buffer, a system prompt
// rendered with plugin state, and the LLM/tool invocation cycle.
type Container struct {
	name          string
	displayName   string
	description   string
	systemPrompt  string // template, see RenderPrompt
	llm           LLMClient
	tools         ToolExecutor // nil = agent has no tools
	maxToolRounds int

	// conversation is every chat message this agent has seen (including
	// its own responses). bufferLen counts the tail entries delivered
	// since the agent last spoke — the unit TrimBuffer operates on.
	conversation []models.ChatMessage
	bufferLen    int
}

// ContainerConfig configures a Container.
type ContainerConfig struct {
	Name          string
	DisplayName   string
	Description   string
	SystemPrompt  string
	LLM           LLMClient
	Tools         ToolExecutor // nil = no tools
	MaxToolRounds int          // 0 = default
}

const defaultMaxToolRounds = 10

// NewContainer creates an agent container.
func NewContainer(cfg ContainerConfig) *Container {
	rounds := cfg.MaxToolRounds
	if rounds <= 0 {
		rounds = defaultMaxToolRounds
	}
	display := cfg.DisplayName
	if display == "" {
		display = cfg.Name
	}
	return &Container{
		name:          cfg.Name,
		displayName:   display,
		description:   cfg.Description,
		systemPrompt:  cfg.SystemPrompt,
		llm:           cfg.LLM,
		tools:         cfg.Tools,
		maxToolRounds: rounds,
	}
}

func (c *Container) Name() string        { return c.name }
func (c *Container) Description() string { return c.description }

// Deliver appends an inbound message to the agent's conversation buffer.
// Delivering the agent's own message (state replay does this) records it
// as spoken output and empties the buffer instead of growing it.
func (c *Container) Deliver(msg *models.ChatMessage) {
	c.conversation = append(c.conversation, *msg)
	if msg.Source == c.name {
		c.bufferLen = 0
	} else {
		c.bufferLen++
	}
}

// Reset clears the agent's conversation and buffer.
func (c *Container) Reset() {
	c.conversation = nil
	c.bufferLen = 0
}

// TrimBuffer drops the last k messages received since the agent last
// spoke. k beyond the buffer clamps to the buffer length.
func (c *Container) TrimBuffer(k int) {
	if k <= 0 {
		return
	}
	if k > c.bufferLen {
		slog.Warn("Agent trim exceeds buffer, clamping",
			"agent", c.name, "trim", k, "buffer", c.bufferLen)
		k = c.bufferLen
	}
	c.conversation = c.conversation[:len(c.conversation)-k]
	c.bufferLen -= k
}

// BufferLen returns the number of messages delivered since the agent last
// spoke.
func (c *Container) BufferLen() int { return c.bufferLen }

// Respond runs the LLM (and tool cycle, when tools are configured) and
// produces the agent's next chat message.
func (c *Container) Respond(ctx context.Context, vars StateVars, emit func(models.Event)) (*Response, error) {
	system, err := RenderPrompt(c.systemPrompt, vars)
	if err != nil {
		return nil, fmt.Errorf("agent %s: failed to render system prompt: %w", c.name, err)
	}

	messages := []ConversationMessage{{Role: RoleSystem, Content: system}}
	for _, m := range c.conversation {
		if m.Source == c.name {
			messages = append(messages, ConversationMessage{Role: RoleAssistant, Content: m.Content})
		} else {
			messages = append(messages, ConversationMessage{
				Role:    RoleUser,
				Content: fmt.Sprintf("%s: %s", m.Source, m.Content),
			})
		}
	}

	var tools []ToolDefinition
	if c.tools != nil {
		tools, err = c.tools.ListTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("agent %s: failed to list tools: %w", c.name, err)
		}
	}

	response := &Response{}
	messageID := uuid.New().String()

	for round := 0; round < c.maxToolRounds; round++ {
		stream, err := c.llm.Generate(ctx, &GenerateInput{
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			return nil, fmt.Errorf("agent %s: llm call failed: %w", c.name, err)
		}

		result, err := CollectWith(ctx, stream, func(delta string) {
			if emit != nil {
				emit(&models.StreamingChunk{
					Source:        c.name,
					Content:       delta,
					FullMessageID: messageID,
				})
			}
		})
		if err != nil {
			return nil, fmt.Errorf("agent %s: llm stream failed: %w", c.name, err)
		}

		if len(result.ToolCalls) == 0 {
			final := &models.ChatMessage{
				Source:  c.name,
				Content: result.Text,
				ID:      messageID,
			}
			c.conversation = append(c.conversation, *final)
			c.bufferLen = 0
			response.ChatMessage = final
			return response, nil
		}

		pair, toolMessages, err := c.executeToolRound(ctx, result)
		if err != nil {
			return nil, err
		}
		response.InnerMessages = append(response.InnerMessages, pair...)
		messages = append(messages, toolMessages...)
	}

	return nil, fmt.Errorf("agent %s: exceeded %d tool rounds without a final response", c.name, c.maxToolRounds)
}

// executeToolRound executes every call in the result and returns the
// thread events (request + execution, always paired) together with the
// conversation messages to feed back to the LLM.
func (c *Container) executeToolRound(ctx context.Context, result *CompletionResult) ([]models.Event, []ConversationMessage, error) {
	request := &models.ToolCallRequest{Source: c.name}
	for _, tc := range result.ToolCalls {
		request.Calls = append(request.Calls, models.ToolCall{
			ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments,
		})
	}

	convMessages := []ConversationMessage{{
		Role:      RoleAssistant,
		Content:   result.Text,
		ToolCalls: result.ToolCalls,
	}}

	execution := &models.ToolCallExecution{Source: c.name}
	for _, tc := range result.ToolCalls {
		if c.tools == nil {
			return nil, nil, fmt.Errorf("agent %s requested tool %q but has no tool executor", c.name, tc.Name)
		}
		executed, err := c.tools.Execute(ctx, tc)
		if err != nil {
			return nil, nil, fmt.Errorf("agent %s: tool %q execution failed: %w", c.name, tc.Name, err)
		}
		execution.Results = append(execution.Results, models.ToolResult{
			CallID:  executed.CallID,
			Name:    executed.Name,
			Success: !executed.IsError,
			Content: executed.Content,
		})
		convMessages = append(convMessages, ConversationMessage{
			Role:       RoleTool,
			Content:    executed.Content,
			ToolCallID: executed.CallID,
			ToolName:   executed.Name,
		})
	}

	return []models.Event{request, execution}, convMessages, nil
}
