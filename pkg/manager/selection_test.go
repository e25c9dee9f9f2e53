package manager

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/models"
	"github.com/parleyhq/parley/pkg/plugins"
)

// forcingPlugin forces a fixed speaker from OnBeforeSpeakerSelection.
type forcingPlugin struct{ speaker string }

func (p *forcingPlugin) Name() string { return "forcing" }
func (p *forcingPlugin) OnMessageAdded(context.Context, models.Event, []models.Event) error {
	return nil
}
func (p *forcingPlugin) OnBeforeSpeakerSelection(context.Context, []models.Event, []string, []string) (string, error) {
	return p.speaker, nil
}
func (p *forcingPlugin) OnUserMessage(context.Context, *models.ChatMessage, bool, string) error {
	return nil
}
func (p *forcingPlugin) OnBranch(context.Context, int, int) error { return nil }
func (p *forcingPlugin) StateForAgent() agent.StateVars            { return nil }
func (p *forcingPlugin) StateForSelector() agent.StateVars         { return nil }
func (p *forcingPlugin) SaveState() (json.RawMessage, error)       { return json.Marshal(struct{}{}) }
func (p *forcingPlugin) LoadState(json.RawMessage) error           { return nil }

// selectionManager builds a bare manager for direct selectSpeaker calls.
func selectionManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := New(cfg)
	require.NoError(t, err)
	return m
}

func team(names ...string) []agent.Responder {
	out := make([]agent.Responder, len(names))
	for i, n := range names {
		out[i] = &fakeResponder{name: n, description: n + " does things"}
	}
	return out
}

func TestSelectSpeakerExcludesPreviousSpeaker(t *testing.T) {
	llm := &fakeLLM{replies: []string{"alice"}}
	m := selectionManager(t, Config{
		Participants: team("alice", "bob"),
		SelectorLLM:  llm,
	})
	m.previousSpeaker = "alice"

	// The model says alice, but alice spoke last: after feedback retries
	// exhaust, the fallback lands on the previous speaker.
	name, err := m.selectSpeaker(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", name)

	// Three attempts were made before falling back.
	llm.mu.Lock()
	assert.Len(t, llm.calls, 3)
	llm.mu.Unlock()
}

func TestSelectSpeakerAllowRepeated(t *testing.T) {
	m := selectionManager(t, Config{
		Participants:         team("alice", "bob"),
		SelectorLLM:          &fakeLLM{replies: []string{"alice"}},
		AllowRepeatedSpeaker: true,
	})
	m.previousSpeaker = "alice"

	name, err := m.selectSpeaker(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", name)
}

func TestSelectSpeakerFeedbackRetry(t *testing.T) {
	// First reply mentions nobody, second mentions two, third is clean.
	llm := &fakeLLM{replies: []string{
		"hmm, let me think",
		"either alice or bob could work",
		"bob",
	}}
	m := selectionManager(t, Config{
		Participants: team("alice", "bob"),
		SelectorLLM:  llm,
	})

	name, err := m.selectSpeaker(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bob", name)

	// Each retry carried corrective feedback in the growing conversation.
	llm.mu.Lock()
	defer llm.mu.Unlock()
	require.Len(t, llm.calls, 3)
	assert.Len(t, llm.calls[2].Messages, 5)
	assert.Contains(t, llm.calls[1].Messages[2].Content, "did not mention")
	assert.Contains(t, llm.calls[2].Messages[4].Content, "several participants")
}

func TestSelectSpeakerPluginOverrideWins(t *testing.T) {
	llm := &fakeLLM{replies: []string{"alice"}}
	m := selectionManager(t, Config{
		Participants: team("alice", "bob"),
		SelectorLLM:  llm,
		Plugins:      []plugins.Plugin{&forcingPlugin{speaker: "bob"}},
	})

	name, err := m.selectSpeaker(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bob", name)
	llm.mu.Lock()
	assert.Empty(t, llm.calls)
	llm.mu.Unlock()
}

func TestSelectSpeakerPluginOverrideUnknown(t *testing.T) {
	m := selectionManager(t, Config{
		Participants: team("alice"),
		SelectorLLM:  &fakeLLM{replies: []string{"alice"}},
		Plugins:      []plugins.Plugin{&forcingPlugin{speaker: "mallory"}},
	})

	_, err := m.selectSpeaker(context.Background())
	assert.Error(t, err)
}

func TestSelectSpeakerEmptyCandidates(t *testing.T) {
	m := selectionManager(t, Config{
		Participants:  team("alice"),
		SelectorLLM:   &fakeLLM{replies: []string{"alice"}},
		CandidateFunc: func([]models.Event) []string { return nil },
	})

	_, err := m.selectSpeaker(context.Background())
	var noCandidates *ErrNoCandidates
	assert.ErrorAs(t, err, &noCandidates)
}

func TestSelectorPromptIncludesHistoryAndRoles(t *testing.T) {
	llm := &fakeLLM{replies: []string{"bob"}}
	m := selectionManager(t, Config{
		Participants: team("alice", "bob"),
		SelectorLLM:  llm,
	})
	m.thread = []models.Event{
		&models.ChatMessage{Source: "You", Content: "find the bug", ID: "1"},
		&models.ChatMessage{Source: "alice", Content: "looking into it", ID: "2"},
	}

	_, err := m.selectSpeaker(context.Background())
	require.NoError(t, err)

	llm.mu.Lock()
	defer llm.mu.Unlock()
	require.Len(t, llm.calls, 1)
	prompt := llm.calls[0].Messages[0].Content
	assert.Contains(t, prompt, "alice: alice does things")
	assert.Contains(t, prompt, "You: find the bug")
	assert.Contains(t, prompt, "alice: looking into it")
}

func TestMentionedNames(t *testing.T) {
	candidates := []string{"searcher", "researcher", "planner"}

	assert.Equal(t, []string{"planner"},
		mentionedNames("I pick planner.", candidates))
	// "searcher" inside "researcher" is not a mention.
	assert.Equal(t, []string{"researcher"},
		mentionedNames("the researcher should go", candidates))
	assert.Equal(t, []string{"searcher", "researcher"},
		mentionedNames("searcher, then researcher", candidates))
	assert.Empty(t, mentionedNames("nobody fits", candidates))
}

func TestContainsNameBoundaries(t *testing.T) {
	assert.True(t, containsName("alice", "alice"))
	assert.True(t, containsName("pick alice!", "alice"))
	assert.True(t, containsName("alice: yes", "alice"))
	assert.False(t, containsName("malice", "alice"))
	assert.False(t, containsName("alicetown", "alice"))
	assert.True(t, containsName("malice or alice", "alice"))
}
