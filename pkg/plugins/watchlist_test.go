package plugins

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/models"
)

func watchComponents() []models.Component {
	return []models.Component{
		{Label: "data-loss", Description: "any risk of losing customer data", Color: "#e6194b"},
		{Label: "cost", Description: "actions with monetary cost", Color: "#3cb44b"},
	}
}

func TestWatchlistTriggersAboveThreshold(t *testing.T) {
	llm := &fakeLLM{replies: []string{
		`{"scores": {"data-loss": {"score": 9, "reasoning": "drops a table"}, "cost": {"score": 2, "reasoning": "free"}}}`,
	}}
	var emitted []models.Event
	p := NewAnalysisWatchlist(WatchlistConfig{
		LLM:           llm,
		Components:    watchComponents(),
		Threshold:     7,
		UserProxyName: "human_proxy",
		Emit:          func(e models.Event) { emitted = append(emitted, e) },
	})

	msg := chatEvent("dba", "I will drop the old table")
	require.NoError(t, p.OnMessageAdded(context.Background(), msg, []models.Event{msg}))

	assert.True(t, p.Pending())
	require.Len(t, emitted, 1)
	update, ok := emitted[0].(*models.AnalysisUpdate)
	require.True(t, ok)
	assert.Equal(t, msg.ID, update.NodeID)
	assert.Equal(t, []string{"data-loss"}, update.Triggered)
	assert.Equal(t, 9, update.Scores["data-loss"].Score)

	// A pending alert forces the user proxy.
	forced, err := p.OnBeforeSpeakerSelection(context.Background(), nil, nil,
		[]string{"dba", "human_proxy"})
	require.NoError(t, err)
	assert.Equal(t, "human_proxy", forced)
}

func TestWatchlistBelowThresholdDoesNotTrigger(t *testing.T) {
	llm := &fakeLLM{replies: []string{
		`{"scores": {"data-loss": {"score": 3, "reasoning": "read only"}, "cost": {"score": 1, "reasoning": "free"}}}`,
	}}
	var emitted []models.Event
	p := NewAnalysisWatchlist(WatchlistConfig{
		LLM:        llm,
		Components: watchComponents(),
		Threshold:  7,
		Emit:       func(e models.Event) { emitted = append(emitted, e) },
	})

	msg := chatEvent("dba", "listing tables")
	require.NoError(t, p.OnMessageAdded(context.Background(), msg, []models.Event{msg}))

	assert.False(t, p.Pending())
	// Scores are still published for the dashboard.
	assert.Len(t, emitted, 1)

	forced, err := p.OnBeforeSpeakerSelection(context.Background(), nil, nil, []string{"dba"})
	require.NoError(t, err)
	assert.Empty(t, forced)
}

func TestWatchlistSkipsUserSources(t *testing.T) {
	llm := &fakeLLM{}
	p := NewAnalysisWatchlist(WatchlistConfig{
		LLM:           llm,
		Components:    watchComponents(),
		Threshold:     7,
		UserProxyName: "human_proxy",
	})

	for _, source := range []string{"You", "user", "human_proxy"} {
		msg := chatEvent(source, "careful with that table")
		require.NoError(t, p.OnMessageAdded(context.Background(), msg, []models.Event{msg}))
	}
	assert.Zero(t, llm.callCount())
}

func TestWatchlistClearedByUserMessageAndBranch(t *testing.T) {
	llm := &fakeLLM{replies: []string{
		`{"scores": {"data-loss": {"score": 10, "reasoning": "bad"}, "cost": {"score": 1, "reasoning": "x"}}}`,
		`{"scores": {"data-loss": {"score": 10, "reasoning": "bad"}, "cost": {"score": 1, "reasoning": "x"}}}`,
	}}
	p := NewAnalysisWatchlist(WatchlistConfig{
		LLM:           llm,
		Components:    watchComponents(),
		Threshold:     7,
		UserProxyName: "human_proxy",
	})

	msg := chatEvent("dba", "dropping table")
	require.NoError(t, p.OnMessageAdded(context.Background(), msg, []models.Event{msg}))
	require.True(t, p.Pending())

	require.NoError(t, p.OnUserMessage(context.Background(), chatEvent("You", "stop"), true, "dba"))
	assert.False(t, p.Pending())

	require.NoError(t, p.OnMessageAdded(context.Background(), msg, []models.Event{msg}))
	require.True(t, p.Pending())
	require.NoError(t, p.OnBranch(context.Background(), 1, 0))
	assert.False(t, p.Pending())
}

func TestWatchlistFeedbackContextWhilePending(t *testing.T) {
	llm := &fakeLLM{replies: []string{
		`{"scores": {"data-loss": {"score": 8, "reasoning": "risky"}, "cost": {"score": 1, "reasoning": "x"}}}`,
	}}
	p := NewAnalysisWatchlist(WatchlistConfig{
		LLM:           llm,
		Components:    watchComponents(),
		Threshold:     7,
		UserProxyName: "human_proxy",
	})

	assert.Nil(t, p.StateForAgent())

	msg := chatEvent("dba", "risky change")
	require.NoError(t, p.OnMessageAdded(context.Background(), msg, []models.Event{msg}))

	vars := p.StateForAgent()
	require.NotNil(t, vars)
	assert.Contains(t, vars["feedback_context"], "data-loss")
}

func TestWatchlistScoringFailureDoesNotStallRun(t *testing.T) {
	llm := &fakeLLM{replies: []string{"not json at all"}}
	p := NewAnalysisWatchlist(WatchlistConfig{
		LLM:        llm,
		Components: watchComponents(),
		Threshold:  7,
	})

	msg := chatEvent("dba", "something")
	assert.NoError(t, p.OnMessageAdded(context.Background(), msg, []models.Event{msg}))
	assert.False(t, p.Pending())
}

func TestWatchlistOutOfRangeScoreRejected(t *testing.T) {
	llm := &fakeLLM{replies: []string{
		`{"scores": {"data-loss": {"score": 14, "reasoning": "broken"}, "cost": {"score": 1, "reasoning": "x"}}}`,
	}}
	p := NewAnalysisWatchlist(WatchlistConfig{LLM: llm, Components: watchComponents(), Threshold: 7})

	msg := chatEvent("dba", "something")
	assert.NoError(t, p.OnMessageAdded(context.Background(), msg, []models.Event{msg}))
	assert.False(t, p.Pending())
}

func TestWatchlistSaveLoadRoundTrip(t *testing.T) {
	llm := &fakeLLM{replies: []string{
		`{"scores": {"data-loss": {"score": 9, "reasoning": "bad"}, "cost": {"score": 1, "reasoning": "x"}}}`,
	}}
	p := NewAnalysisWatchlist(WatchlistConfig{
		LLM: llm, Components: watchComponents(), Threshold: 7, UserProxyName: "human_proxy",
	})

	msg := chatEvent("dba", "dropping table")
	require.NoError(t, p.OnMessageAdded(context.Background(), msg, []models.Event{msg}))
	require.True(t, p.Pending())

	blob, err := p.SaveState()
	require.NoError(t, err)

	restored := NewAnalysisWatchlist(WatchlistConfig{LLM: llm, UserProxyName: "human_proxy"})
	require.NoError(t, restored.LoadState(blob))
	assert.True(t, restored.Pending())
	assert.Len(t, restored.Components(), 2)
}

func TestGenerateComponents(t *testing.T) {
	llm := &fakeLLM{replies: []string{
		`{"components": [
			{"label": "security", "description": "credential exposure"},
			{"label": "downtime", "description": "service availability risk"}
		]}`,
	}}

	components, err := GenerateComponents(context.Background(), llm, "watch for risky ops")
	require.NoError(t, err)
	require.Len(t, components, 2)
	assert.Equal(t, "security", components[0].Label)
	assert.NotEmpty(t, components[0].Color)
	// Colour assignment is deterministic per label.
	assert.Equal(t, models.ColorForLabel("security"), components[0].Color)
}

func TestGenerateComponentsRejectsBadCounts(t *testing.T) {
	llm := &fakeLLM{replies: []string{
		`{"components": [{"label": "only-one", "description": "x"}]}`,
	}}
	_, err := GenerateComponents(context.Background(), llm, "watch")
	assert.Error(t, err)
}
