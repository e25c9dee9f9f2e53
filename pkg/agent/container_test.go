package agent

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/models"
)

// scriptedLLM replays one scripted chunk sequence per Generate call.
type scriptedLLM struct {
	mu      sync.Mutex
	scripts [][]Chunk
	idx     int
	calls   []*GenerateInput
}

func (s *scriptedLLM) Generate(_ context.Context, input *GenerateInput) (<-chan Chunk, error) {
	s.mu.Lock()
	s.calls = append(s.calls, input)
	var script []Chunk
	if s.idx < len(s.scripts) {
		script = s.scripts[s.idx]
		s.idx++
	}
	s.mu.Unlock()

	ch := make(chan Chunk, len(script))
	for _, c := range script {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (s *scriptedLLM) Close() error { return nil }

func msg(source, content string) *models.ChatMessage {
	return &models.ChatMessage{Source: source, Content: content, ID: source + "/" + content}
}

func TestContainerDeliverAndBuffer(t *testing.T) {
	c := NewContainer(ContainerConfig{Name: "alice", LLM: &scriptedLLM{}})

	c.Deliver(msg("You", "task"))
	c.Deliver(msg("bob", "an idea"))
	assert.Equal(t, 2, c.BufferLen())

	// The agent's own message resets the buffer; this is what state replay
	// relies on.
	c.Deliver(msg("alice", "my answer"))
	assert.Zero(t, c.BufferLen())

	c.Deliver(msg("bob", "follow up"))
	assert.Equal(t, 1, c.BufferLen())
}

func TestContainerTrimBuffer(t *testing.T) {
	c := NewContainer(ContainerConfig{Name: "alice", LLM: &scriptedLLM{}})
	c.Deliver(msg("You", "task"))
	c.Deliver(msg("alice", "spoke"))
	c.Deliver(msg("bob", "one"))
	c.Deliver(msg("bob", "two"))

	c.TrimBuffer(1)
	assert.Equal(t, 1, c.BufferLen())
	assert.Len(t, c.conversation, 3)

	// Trim past the buffer clamps; messages before the agent's own turn
	// are never removed.
	c.TrimBuffer(5)
	assert.Zero(t, c.BufferLen())
	assert.Len(t, c.conversation, 2)

	c.TrimBuffer(0)
	assert.Len(t, c.conversation, 2)
}

func TestContainerReset(t *testing.T) {
	c := NewContainer(ContainerConfig{Name: "alice", LLM: &scriptedLLM{}})
	c.Deliver(msg("You", "task"))
	c.Reset()
	assert.Zero(t, c.BufferLen())
	assert.Empty(t, c.conversation)
}

func TestContainerRespondStreamsAndFinalizes(t *testing.T) {
	llm := &scriptedLLM{scripts: [][]Chunk{{
		&TextChunk{Content: "I will "},
		&TextChunk{Content: "check the logs"},
	}}}
	c := NewContainer(ContainerConfig{
		Name:         "alice",
		SystemPrompt: "You are alice. Peers: {{.participant_names}}",
		LLM:          llm,
	})
	c.Deliver(msg("You", "find the bug"))

	var chunks []string
	resp, err := c.Respond(context.Background(), StateVars{"participant_names": "alice, bob"},
		func(e models.Event) {
			if sc, ok := e.(*models.StreamingChunk); ok {
				chunks = append(chunks, sc.Content)
			}
		})
	require.NoError(t, err)

	assert.Equal(t, "I will check the logs", resp.ChatMessage.Content)
	assert.Equal(t, "alice", resp.ChatMessage.Source)
	assert.NotEmpty(t, resp.ChatMessage.ID)
	assert.Equal(t, []string{"I will ", "check the logs"}, chunks)
	assert.Empty(t, resp.InnerMessages)

	// The response joined the conversation and emptied the buffer.
	assert.Zero(t, c.BufferLen())

	llm.mu.Lock()
	defer llm.mu.Unlock()
	require.Len(t, llm.calls, 1)
	sent := llm.calls[0].Messages
	assert.Equal(t, RoleSystem, sent[0].Role)
	assert.Equal(t, "You are alice. Peers: alice, bob", sent[0].Content)
	assert.Equal(t, "You: find the bug", sent[1].Content)
}

func TestContainerRespondToolRound(t *testing.T) {
	llm := &scriptedLLM{scripts: [][]Chunk{
		{&ToolCallChunk{CallID: "c1", Name: "k8s.get_pods", Arguments: `{"ns":"prod"}`}},
		{&TextChunk{Content: "3 pods are down"}},
	}}
	c := NewContainer(ContainerConfig{
		Name: "alice",
		LLM:  llm,
		Tools: NewStubToolExecutor([]ToolDefinition{
			{Name: "k8s.get_pods", Description: "list pods"},
		}),
	})
	c.Deliver(msg("You", "check prod"))

	resp, err := c.Respond(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "3 pods are down", resp.ChatMessage.Content)

	require.Len(t, resp.InnerMessages, 2)
	request, ok := resp.InnerMessages[0].(*models.ToolCallRequest)
	require.True(t, ok)
	require.Len(t, request.Calls, 1)
	assert.Equal(t, "c1", request.Calls[0].ID)
	assert.Equal(t, "k8s.get_pods", request.Calls[0].Name)

	execution, ok := resp.InnerMessages[1].(*models.ToolCallExecution)
	require.True(t, ok)
	require.Len(t, execution.Results, 1)
	assert.Equal(t, "c1", execution.Results[0].CallID)
	assert.True(t, execution.Results[0].Success)

	// The second LLM call saw the tool result fed back in.
	llm.mu.Lock()
	defer llm.mu.Unlock()
	require.Len(t, llm.calls, 2)
	second := llm.calls[1].Messages
	assert.Equal(t, RoleTool, second[len(second)-1].Role)
	assert.Equal(t, "c1", second[len(second)-1].ToolCallID)
}

func TestContainerRespondToolRoundLimit(t *testing.T) {
	// Every round asks for another tool call; the container gives up.
	scripts := make([][]Chunk, 3)
	for i := range scripts {
		scripts[i] = []Chunk{&ToolCallChunk{CallID: "c1", Name: "loop", Arguments: "{}"}}
	}
	c := NewContainer(ContainerConfig{
		Name:          "alice",
		LLM:           &scriptedLLM{scripts: scripts},
		Tools:         NewStubToolExecutor([]ToolDefinition{{Name: "loop"}}),
		MaxToolRounds: 2,
	})

	_, err := c.Respond(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool rounds")
}

func TestContainerRespondErrorChunk(t *testing.T) {
	llm := &scriptedLLM{scripts: [][]Chunk{{
		&ErrorChunk{Message: "rate limited", Retryable: true},
	}}}
	c := NewContainer(ContainerConfig{Name: "alice", LLM: llm})

	_, err := c.Respond(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestRenderPrompt(t *testing.T) {
	out, err := RenderPrompt("hello {{.who}}", StateVars{"who": "world"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)

	// Missing variables expand empty instead of erroring.
	out, err = RenderPrompt("state: {{.state_of_run}}.", nil)
	require.NoError(t, err)
	assert.Equal(t, "state: .", out)

	_, err = RenderPrompt("{{.broken", nil)
	assert.Error(t, err)
}

func TestCollectAggregates(t *testing.T) {
	ch := make(chan Chunk, 4)
	ch <- &TextChunk{Content: "a"}
	ch <- &TextChunk{Content: "b"}
	ch <- &UsageChunk{InputTokens: 10, OutputTokens: 2, TotalTokens: 12}
	close(ch)

	result, err := Collect(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, "ab", result.Text)
	assert.Equal(t, 12, result.Usage.TotalTokens)
}

func TestCollectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Collect(ctx, make(chan Chunk))
	assert.ErrorIs(t, err, context.Canceled)
}
