package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/events"
	"github.com/parleyhq/parley/pkg/inputs"
	"github.com/parleyhq/parley/pkg/models"
	"github.com/parleyhq/parley/pkg/tree"
)

// fakeClient answers every Generate call through a reply function.
type fakeClient struct {
	mu    sync.Mutex
	reply func(input *agent.GenerateInput) string
}

func (f *fakeClient) Generate(_ context.Context, input *agent.GenerateInput) (<-chan agent.Chunk, error) {
	f.mu.Lock()
	text := f.reply(input)
	f.mu.Unlock()
	ch := make(chan agent.Chunk, 1)
	ch <- &agent.TextChunk{Content: text}
	close(ch)
	return ch, nil
}

func (f *fakeClient) Close() error { return nil }

// newSelectorFake answers speaker-selection prompts from a script and every
// other call (state summarisation) with filler text.
func newSelectorFake(picks ...string) *fakeClient {
	idx := 0
	return &fakeClient{reply: func(input *agent.GenerateInput) string {
		if strings.Contains(input.Messages[0].Content, "moderating a conversation") {
			if idx < len(picks) {
				pick := picks[idx]
				idx++
				return pick
			}
			return picks[len(picks)-1]
		}
		return "noted"
	}}
}

func newAgentFake(replies ...string) *fakeClient {
	idx := 0
	return &fakeClient{reply: func(*agent.GenerateInput) string {
		if idx < len(replies) {
			r := replies[idx]
			idx++
			return r
		}
		return replies[len(replies)-1]
	}}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server:   &config.ServerConfig{SessionDir: t.TempDir()},
		Defaults: &config.Defaults{LLMProvider: "selector", MaxTurns: 40, MaxToolRounds: 10},
		Team: &config.TeamConfig{
			Participants:       []string{"alice", "bob"},
			TerminationKeyword: "DONE",
			MaxTurns:           4,
		},
		AgentRegistry: config.NewAgentRegistry(map[string]*config.AgentConfig{
			"alice": {
				DisplayName: "Alice", Description: "investigates",
				SystemPrompt: "You are alice.", LLMProvider: "alice",
			},
			"bob": {
				DisplayName: "Bob", Description: "verifies",
				SystemPrompt: "You are bob.", LLMProvider: "bob",
			},
		}),
		MCPServerRegistry: config.NewMCPServerRegistry(nil),
		LLMProviderRegistry: config.NewLLMProviderRegistry(map[string]*config.LLMProviderConfig{
			"selector": {Model: "selector-model", APIKeyEnv: "X"},
			"alice":    {Model: "alice-model", APIKeyEnv: "X"},
			"bob":      {Model: "bob-model", APIKeyEnv: "X"},
		}),
	}
}

func testFactory(clients map[string]agent.LLMClient) LLMFactory {
	return func(p *config.LLMProviderConfig) (agent.LLMClient, error) {
		return clients[p.Model], nil
	}
}

func newObserver() *events.Connection {
	return &events.Connection{ID: uuid.New().String(), Queue: events.NewQueue(256)}
}

// collectUntil drains observer frames until a frame of the wanted type
// arrives, returning every frame type seen (wanted one included).
func collectUntil(t *testing.T, conn *events.Connection, want events.FrameType) []events.FrameType {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var seen []events.FrameType
	for {
		data, err := conn.Queue.Pop(ctx)
		require.NoError(t, err, "timed out waiting for %s (saw %v)", want, seen)
		var envelope struct {
			Type events.FrameType `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &envelope))
		seen = append(seen, envelope.Type)
		if envelope.Type == want {
			return seen
		}
	}
}

func TestManagerRunEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	factory := testFactory(map[string]agent.LLMClient{
		"selector-model": newSelectorFake("alice", "bob"),
		"alice-model":    newAgentFake("I'll investigate the logs first"),
		"bob-model":      newAgentFake("Nothing suspicious left. DONE"),
	})
	m := NewManager(cfg, nil, factory)
	defer m.Shutdown()

	s, created, err := m.GetOrCreate("run-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, []string{"run-1"}, m.List())

	conn := newObserver()
	s.AttachObserver(conn)

	require.NoError(t, s.Start("diagnose the outage"))
	seen := collectUntil(t, conn, events.FrameStreamEnd)

	assert.Contains(t, seen, events.FrameAgentMessage)
	assert.Contains(t, seen, events.FrameTreeUpdate)
	assert.Contains(t, seen, events.FrameRunTermination)

	snapshot := s.TreeSnapshot()
	require.NotNil(t, snapshot)
	assert.Len(t, snapshot.Nodes, 3)
	assert.Equal(t, "diagnose the outage", snapshot.Root.Content)

	// Active path: topic → alice → bob.
	current := snapshot.Nodes[snapshot.CurrentNodeID]
	require.NotNil(t, current)
	assert.Equal(t, "bob", current.AgentName)
	assert.Equal(t, "Bob", current.DisplayName)
	parent := snapshot.Nodes[current.ParentID]
	assert.Equal(t, "alice", parent.AgentName)
}

func TestManagerBootstrapData(t *testing.T) {
	cfg := testConfig(t)
	cfg.Team.Participants = []string{"alice", "bob", "human"}
	cfg.Team.UserProxy = "human"
	cfg.Team.UserProxyDescription = "the operator"
	m := NewManager(cfg, nil, testFactory(map[string]agent.LLMClient{
		"selector-model": newSelectorFake("alice"),
		"alice-model":    newAgentFake("hi"),
		"bob-model":      newAgentFake("hi"),
	}))
	defer m.Shutdown()

	assert.Equal(t, []string{"default"}, m.TeamNames())
	assert.Equal(t, []string{"alice", "bob", "human"}, m.ParticipantNames())

	details := m.AgentDetails()
	require.Len(t, details, 3)
	assert.Equal(t, "Alice", details[0].DisplayName)
	assert.Equal(t, "human", details[2].Name)
	assert.Equal(t, "the operator", details[2].Description)
}

func TestManagerPersistAndRestore(t *testing.T) {
	cfg := testConfig(t)
	clients := map[string]agent.LLMClient{
		"selector-model": newSelectorFake("alice", "bob"),
		"alice-model":    newAgentFake("step one"),
		"bob-model":      newAgentFake("step two DONE"),
	}
	m := NewManager(cfg, nil, testFactory(clients))

	s, _, err := m.GetOrCreate("run-persist")
	require.NoError(t, err)
	conn := newObserver()
	s.AttachObserver(conn)
	require.NoError(t, s.Start("persist me"))
	collectUntil(t, conn, events.FrameStreamEnd)

	require.NoError(t, s.Persist())
	m.Shutdown()

	// A new manager over the same session dir restores the conversation.
	m2 := NewManager(cfg, nil, testFactory(map[string]agent.LLMClient{
		"selector-model": newSelectorFake("alice"),
		"alice-model":    newAgentFake("resumed"),
		"bob-model":      newAgentFake("resumed"),
	}))
	defer m2.Shutdown()

	restored, created, err := m2.GetOrCreate("run-persist")
	require.NoError(t, err)
	assert.False(t, created)

	snapshot := restored.TreeSnapshot()
	require.NotNil(t, snapshot)
	assert.Len(t, snapshot.Nodes, 3)
	assert.Equal(t, "persist me", snapshot.Root.Content)
}

// ── Event translation on a bare session ─────────────────────────

func bareSession() (*Session, *events.Connection) {
	s := &Session{
		ID:           "bare",
		tree:         tree.New(),
		observers:    make(map[string]*events.Connection),
		msgNodes:     make(map[string]string),
		displayNames: map[string]string{"alice": "Alice"},
	}
	s.inputQueue = inputs.NewQueue(s.handleEvent)
	conn := newObserver()
	s.observers[conn.ID] = conn
	return s, conn
}

func popFrame(t *testing.T, conn *events.Connection) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := conn.Queue.Pop(ctx)
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestHandleEventBuildsTree(t *testing.T) {
	s, conn := bareSession()

	s.handleEvent(&models.ChatMessage{Source: "You", Content: "the topic", ID: "m0"})
	frame := popFrame(t, conn)
	assert.Equal(t, "tree_update", frame["type"])

	s.handleEvent(&models.ChatMessage{Source: "alice", Content: "first line\nsecond line", ID: "m1"})
	frame = popFrame(t, conn)
	assert.Equal(t, "agent_message", frame["type"])
	assert.Equal(t, "alice", frame["agent_name"])
	assert.Equal(t, "first line", frame["summary"])
	assert.Equal(t, s.msgNodes["m1"], frame["node_id"])
	frame = popFrame(t, conn)
	assert.Equal(t, "tree_update", frame["type"])

	assert.Equal(t, 2, s.tree.Size())
	node, err := s.tree.Current()
	require.NoError(t, err)
	assert.Equal(t, "Alice", node.DisplayName)
}

func TestHandleEventBranchOnPendingTrim(t *testing.T) {
	s, conn := bareSession()
	s.handleEvent(&models.ChatMessage{Source: "You", Content: "topic", ID: "m0"})
	s.handleEvent(&models.ChatMessage{Source: "alice", Content: "one", ID: "m1"})
	s.handleEvent(&models.ChatMessage{Source: "bob", Content: "two", ID: "m2"})
	drain(conn)

	trim := 1
	s.pendingTrim = &trim
	s.handleEvent(&models.ChatMessage{Source: "You", Content: "try another angle", ID: "m3"})

	assert.Nil(t, s.pendingTrim)
	node, err := s.tree.Current()
	require.NoError(t, err)
	assert.Equal(t, "try another angle", node.Content)
	assert.Equal(t, "You", node.AgentName)

	// The abandoned reply is still in the tree, marked inactive.
	abandoned := s.tree.Nodes[s.msgNodes["m2"]]
	require.NotNil(t, abandoned)
	assert.False(t, abandoned.IsActive)

	// The branch node hangs off the same parent as the abandoned one.
	assert.Equal(t, abandoned.ParentID, node.ParentID)
}

func TestHandleEventToolPair(t *testing.T) {
	s, conn := bareSession()
	s.handleEvent(&models.ChatMessage{Source: "You", Content: "topic", ID: "m0"})
	drain(conn)

	s.handleEvent(&models.ToolCallRequest{
		Source: "alice",
		Calls:  []models.ToolCall{{ID: "c1", Name: "k8s.get_pods", Arguments: `{"ns":"prod"}`}},
	})
	s.handleEvent(&models.ToolCallExecution{
		Source: "alice",
		Results: []models.ToolResult{{
			CallID: "c1", Name: "k8s.get_pods", Success: true, Content: "3 pods",
		}},
	})

	frame := popFrame(t, conn)
	assert.Equal(t, "tool_call", frame["type"])
	frame = popFrame(t, conn)
	assert.Equal(t, "tool_execution", frame["type"])
	frame = popFrame(t, conn)
	assert.Equal(t, "tree_update", frame["type"])

	assert.Equal(t, 3, s.tree.Size())
	assert.Nil(t, s.pendingReq)
}

func TestHandleEventBranchCountsToolPairAsOneUnit(t *testing.T) {
	s, conn := bareSession()
	s.handleEvent(&models.ChatMessage{Source: "You", Content: "task", ID: "m0"})
	s.handleEvent(&models.ChatMessage{Source: "alice", Content: "calling tools", ID: "m1"})
	s.handleEvent(&models.ToolCallRequest{
		Source: "alice",
		Calls:  []models.ToolCall{{ID: "c1", Name: "k8s.get_pods", Arguments: "{}"}},
	})
	s.handleEvent(&models.ToolCallExecution{
		Source:  "alice",
		Results: []models.ToolResult{{CallID: "c1", Name: "k8s.get_pods", Success: true, Content: "ok"}},
	})
	s.handleEvent(&models.ChatMessage{Source: "bob", Content: "looks fine", ID: "m2"})
	drain(conn)

	// The wire trim counts two logical units: bob's message and the tool
	// pair. The thread keeps alice's message, so the tree must too.
	trim := 2
	s.pendingTrim = &trim
	s.handleEvent(&models.ChatMessage{Source: "You", Content: "redo", ID: "m3"})

	node, err := s.tree.Current()
	require.NoError(t, err)
	aliceNode := s.tree.Nodes[s.msgNodes["m1"]]
	require.NotNil(t, aliceNode)
	assert.Equal(t, aliceNode.ID, node.ParentID)
	assert.True(t, aliceNode.IsActive)
	assert.False(t, s.tree.Nodes[s.msgNodes["m2"]].IsActive)

	// The abandoned tool pair went inactive with bob's message.
	for _, n := range s.tree.Nodes {
		if n.NodeType != tree.NodeTypeMessage {
			assert.False(t, n.IsActive, "tool node %s should be inactive", n.ID)
		}
	}
}

func TestHandleEventOrphanExecutionIgnored(t *testing.T) {
	s, _ := bareSession()
	s.handleEvent(&models.ChatMessage{Source: "You", Content: "topic", ID: "m0"})
	s.handleEvent(&models.ToolCallExecution{Source: "alice"})
	assert.Equal(t, 1, s.tree.Size())
}

func TestHandleEventAnalysisUpdateMapsNode(t *testing.T) {
	s, conn := bareSession()
	s.msgNodes["m7"] = "node-42"

	s.handleEvent(&models.AnalysisUpdate{
		NodeID:    "m7",
		Triggered: []string{"data-loss"},
		Scores:    map[string]models.ComponentScore{"data-loss": {Score: 9}},
	})

	frame := popFrame(t, conn)
	assert.Equal(t, "analysis_update", frame["type"])
	assert.Equal(t, "node-42", frame["node_id"])
}

func TestHandleEventTermination(t *testing.T) {
	s, conn := bareSession()
	s.handleEvent(&models.Termination{
		Source: "manager", Status: models.RunStatusCompleted, Reason: "keyword",
	})

	frame := popFrame(t, conn)
	assert.Equal(t, "run_termination", frame["type"])
	assert.Equal(t, "COMPLETED", frame["status"])
	frame = popFrame(t, conn)
	assert.Equal(t, "stream_end", frame["type"])
}

func TestHandleEventInterruptStop(t *testing.T) {
	s, conn := bareSession()
	s.handleEvent(&models.StopMessage{Source: "manager", Content: models.UserInterruptContent})

	frame := popFrame(t, conn)
	assert.Equal(t, "run_termination", frame["type"])
	assert.Equal(t, "INTERRUPTED", frame["status"])
}

func TestAttachObserverLateJoiner(t *testing.T) {
	s, conn := bareSession()
	s.handleEvent(&models.ChatMessage{Source: "You", Content: "topic", ID: "m0"})
	drain(conn)
	s.components = []models.Component{{Label: "risk", Color: "#e6194b"}}

	late := newObserver()
	s.AttachObserver(late)

	frame := popFrame(t, late)
	assert.Equal(t, "tree_update", frame["type"])
	frame = popFrame(t, late)
	assert.Equal(t, "analysis_components_init", frame["type"])

	s.DetachObserver(late.ID)
	s.mu.Lock()
	assert.Len(t, s.observers, 1)
	s.mu.Unlock()
}

func TestAttachObserverReplaysPendingInput(t *testing.T) {
	s, conn := bareSession()

	res := make(chan string, 1)
	go func() {
		answer, _ := s.inputQueue.Request(context.Background(), "approve the rollout?", "human_proxy", "")
		res <- answer
	}()
	frame := popFrame(t, conn)
	require.Equal(t, "agent_input_request", frame["type"])
	requestID, _ := frame["request_id"].(string)
	require.NotEmpty(t, requestID)

	// An observer that joins while the run waits on input gets the
	// outstanding request replayed.
	late := newObserver()
	s.AttachObserver(late)
	replay := popFrame(t, late)
	assert.Equal(t, "agent_input_request", replay["type"])
	assert.Equal(t, requestID, replay["request_id"])

	require.True(t, s.ProvideInput(requestID, "ship it"))
	assert.Equal(t, "ship it", <-res)

	// Answered requests are not replayed to further joiners.
	third := newObserver()
	s.AttachObserver(third)
	assert.Zero(t, third.Queue.Len())
}

func TestDetachLastObserverCancelsPendingInput(t *testing.T) {
	s, conn := bareSession()

	res := make(chan error, 1)
	go func() {
		_, err := s.inputQueue.Request(context.Background(), "approve?", "human_proxy", "")
		res <- err
	}()
	frame := popFrame(t, conn)
	require.Equal(t, "agent_input_request", frame["type"])

	// With nobody left to answer, the request is cancelled rather than
	// left blocking the turn.
	s.DetachObserver(conn.ID)
	assert.ErrorIs(t, <-res, inputs.ErrCancelled)
	assert.Zero(t, s.inputQueue.Pending())

	// A reconnecting observer sees no stale request.
	rejoin := newObserver()
	s.AttachObserver(rejoin)
	assert.Zero(t, rejoin.Queue.Len())
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "short", summarize("short"))
	assert.Equal(t, "first", summarize("first\nsecond\nthird"))

	long := strings.Repeat("a", 250)
	out := summarize(long)
	assert.Equal(t, strings.Repeat("a", 200)+"…", out)

	// The cut never splits a multi-byte rune.
	accented := strings.Repeat("é", 150)
	out = summarize(accented)
	assert.True(t, strings.HasSuffix(strings.TrimSuffix(out, "…"), "é"))
}

func drain(conn *events.Connection) {
	for conn.Queue.Len() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		_, _ = conn.Queue.Pop(ctx)
		cancel()
	}
}
