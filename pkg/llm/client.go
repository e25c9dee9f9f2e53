// Package llm implements agent.LLMClient on top of OpenAI-compatible
// chat-completion APIs.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parleyhq/parley/pkg/agent"
)

// Config holds the provider connection settings for one LLM client.
type Config struct {
	APIKey      string
	BaseURL     string // empty = api.openai.com
	Model       string
	Temperature *float32
	MaxTokens   int
	MaxRetries  int           // 0 = default (3)
	RetryDelay  time.Duration // 0 = default (1s)
}

const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
)

// Client calls an OpenAI-compatible backend and adapts its streaming
// responses to the agent chunk protocol. Safe for concurrent use; every
// Generate call owns an independent stream and goroutine.
type Client struct {
	client     *openai.Client
	model      string
	temp       *float32
	maxTokens  int
	maxRetries int
	retryDelay time.Duration
}

// NewClient creates an LLM client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: api key not configured")
	}
	if cfg.Model == "" {
		return nil, errors.New("llm: model not configured")
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}

	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	return &Client{
		client:     openai.NewClientWithConfig(apiCfg),
		model:      cfg.Model,
		temp:       cfg.Temperature,
		maxTokens:  cfg.MaxTokens,
		maxRetries: retries,
		retryDelay: delay,
	}, nil
}

// Close implements agent.LLMClient. The underlying HTTP client needs no
// teardown.
func (c *Client) Close() error { return nil }

// Generate sends the conversation and returns a chunk stream. Transient
// provider errors (rate limits, 5xx) are retried with linear backoff
// before the stream is opened; once streaming starts, errors surface as
// ErrorChunk values.
func (c *Client) Generate(ctx context.Context, input *agent.GenerateInput) (<-chan agent.Chunk, error) {
	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: convertMessages(input.Messages),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if c.temp != nil {
		req.Temperature = *c.temp
	}
	if c.maxTokens > 0 {
		req.MaxTokens = c.maxTokens
	}
	if len(input.Tools) > 0 {
		req.Tools = convertTools(input.Tools)
	}
	if input.JSONSchema != "" {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "response",
				Schema: json.RawMessage(input.JSONSchema),
				Strict: true,
			},
		}
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = c.client.CreateChatCompletionStream(ctx, req)
		if lastErr == nil {
			break
		}
		if !isRetryable(lastErr) {
			return nil, fmt.Errorf("llm request failed: %w", lastErr)
		}
		slog.Warn("LLM request failed, retrying",
			"session_id", input.SessionID, "attempt", attempt+1, "error", lastErr)
	}
	if lastErr != nil {
		return nil, fmt.Errorf("llm request failed after %d attempts: %w", c.maxRetries, lastErr)
	}

	chunks := make(chan agent.Chunk, 64)
	go c.pump(ctx, stream, chunks)
	return chunks, nil
}

// pump forwards stream deltas as chunks, accumulating incremental tool
// calls until the stream finishes them.
func (c *Client) pump(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- agent.Chunk) {
	defer close(out)
	defer stream.Close()

	// Tool calls arrive as deltas keyed by index; arguments accumulate
	// across chunks.
	pending := make(map[int]*agent.LLMToolCall)
	order := []int{}

	flushTools := func() {
		for _, idx := range order {
			tc := pending[idx]
			if tc.ID == "" || tc.Name == "" {
				continue
			}
			send(ctx, out, &agent.ToolCallChunk{CallID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		pending = make(map[int]*agent.LLMToolCall)
		order = order[:0]
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			flushTools()
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			send(ctx, out, &agent.ErrorChunk{Message: err.Error(), Retryable: isRetryable(err)})
			return
		}

		if resp.Usage != nil {
			send(ctx, out, &agent.UsageChunk{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
				TotalTokens:  resp.Usage.TotalTokens,
			})
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			if !send(ctx, out, &agent.TextChunk{Content: choice.Delta.Content}) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			acc, ok := pending[idx]
			if !ok {
				acc = &agent.LLMToolCall{}
				pending[idx] = acc
				order = append(order, idx)
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Name = tc.Function.Name
			}
			acc.Arguments += tc.Function.Arguments
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flushTools()
		}
	}
}

func send(ctx context.Context, out chan<- agent.Chunk, chunk agent.Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func convertMessages(messages []agent.ConversationMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		if m.Role == agent.RoleTool {
			msg.ToolCallID = m.ToolCallID
			msg.Name = m.ToolName
		}
		out = append(out, msg)
	}
	return out
}

func convertTools(tools []agent.ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(t.ParametersSchema),
			},
		})
	}
	return out
}

// isRetryable reports whether the provider error is transient.
func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests ||
			apiErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "connection")
}
