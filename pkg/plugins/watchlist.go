package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/models"
)

const scoringPrompt = `You score a message from a multi-agent conversation against a watchlist.

Watchlist components:
%s

Context — verified facts so far:
%s

Context — state of the run:
%s

Message from %s:
%s

For EVERY component, give an integer score 1-10 for how strongly the message
relates to it, with one sentence of reasoning.
Reply with JSON: {"scores": {"<label>": {"score": N, "reasoning": "..."}}}`

// pendingAnalysis records a triggered alert awaiting human feedback.
type pendingAnalysis struct {
	MessageID string                           `json:"message_id"`
	Triggered []string                         `json:"triggered"`
	Scores    map[string]models.ComponentScore `json:"scores"`
}

// WatchlistConfig configures an AnalysisWatchlist plugin.
type WatchlistConfig struct {
	LLM        agent.LLMClient
	Components []models.Component
	Threshold  int // minimum score (1–10) that triggers a human turn

	// UserProxyName is the participant forced as next speaker when a
	// component triggers.
	UserProxyName string

	// UserSources are participant names whose messages are never scored
	// (user feedback is not fed back into the watchlist).
	UserSources []string

	// ContextState supplies tool_call_facts and state_of_run as scoring
	// context. Usually the StateContext plugin's State method. May be nil.
	ContextState func() models.Snapshot

	// Emit publishes AnalysisUpdate events to observers. May be nil.
	Emit func(models.Event)
}

// AnalysisWatchlist scores agent messages against user-defined components
// and yields control to the human when a component's score reaches the
// trigger threshold.
type AnalysisWatchlist struct {
	llm           agent.LLMClient
	components    []models.Component
	threshold     int
	userProxyName string
	userSources   map[string]bool
	contextState  func() models.Snapshot
	emit          func(models.Event)

	pending *pendingAnalysis
}

// NewAnalysisWatchlist creates the watchlist plugin.
func NewAnalysisWatchlist(cfg WatchlistConfig) *AnalysisWatchlist {
	sources := map[string]bool{"You": true, "user": true}
	if cfg.UserProxyName != "" {
		sources[cfg.UserProxyName] = true
	}
	for _, s := range cfg.UserSources {
		sources[s] = true
	}
	return &AnalysisWatchlist{
		llm:           cfg.LLM,
		components:    cfg.Components,
		threshold:     cfg.Threshold,
		userProxyName: cfg.UserProxyName,
		userSources:   sources,
		contextState:  cfg.ContextState,
		emit:          cfg.Emit,
	}
}

func (p *AnalysisWatchlist) Name() string { return "analysis_watchlist" }

// Components returns the configured watchlist.
func (p *AnalysisWatchlist) Components() []models.Component { return p.components }

// SetComponents replaces the watchlist, used when components are
// generated from an analysis prompt after the plugin is constructed.
func (p *AnalysisWatchlist) SetComponents(components []models.Component) {
	p.components = components
}

// SetThreshold overrides the trigger threshold. Values outside 1-10 are
// ignored.
func (p *AnalysisWatchlist) SetThreshold(threshold int) {
	if threshold >= 1 && threshold <= 10 {
		p.threshold = threshold
	}
}

// Pending reports whether a triggered alert is awaiting human feedback.
func (p *AnalysisWatchlist) Pending() bool { return p.pending != nil }

// OnMessageAdded scores new agent chat messages. Messages from user
// sources are skipped. Scoring failures are logged and swallowed: a broken
// watchlist must not stall the run.
func (p *AnalysisWatchlist) OnMessageAdded(ctx context.Context, event models.Event, _ []models.Event) error {
	msg, ok := event.(*models.ChatMessage)
	if !ok || len(p.components) == 0 {
		return nil
	}
	if p.userSources[msg.Source] {
		return nil
	}

	scores, err := p.score(ctx, msg)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("Watchlist scoring failed", "source", msg.Source, "error", err)
		return nil
	}

	var triggered []string
	for _, c := range p.components {
		if s, ok := scores[c.Label]; ok && s.Score >= p.threshold {
			triggered = append(triggered, c.Label)
		}
	}

	if p.emit != nil {
		p.emit(&models.AnalysisUpdate{
			NodeID:    msg.ID,
			Scores:    scores,
			Triggered: triggered,
		})
	}

	if len(triggered) > 0 {
		p.pending = &pendingAnalysis{
			MessageID: msg.ID,
			Triggered: triggered,
			Scores:    scores,
		}
	}
	return nil
}

// OnBeforeSpeakerSelection forces the user proxy while a triggered alert
// awaits feedback.
func (p *AnalysisWatchlist) OnBeforeSpeakerSelection(_ context.Context, _ []models.Event, _, participants []string) (string, error) {
	if p.pending == nil || p.userProxyName == "" {
		return "", nil
	}
	for _, name := range participants {
		if name == p.userProxyName {
			return p.userProxyName, nil
		}
	}
	slog.Warn("Watchlist trigger pending but user proxy not in participants",
		"user_proxy", p.userProxyName)
	return "", nil
}

// OnUserMessage clears the pending alert: the human has weighed in.
func (p *AnalysisWatchlist) OnUserMessage(context.Context, *models.ChatMessage, bool, string) error {
	p.pending = nil
	return nil
}

// OnBranch clears the pending alert; the message that raised it may no
// longer be on the live branch.
func (p *AnalysisWatchlist) OnBranch(context.Context, int, int) error {
	p.pending = nil
	return nil
}

// StateForAgent exposes the feedback context for the user-proxy prompt
// while an alert is pending.
func (p *AnalysisWatchlist) StateForAgent() agent.StateVars {
	if p.pending == nil {
		return nil
	}
	return agent.StateVars{
		"feedback_context": fmt.Sprintf(
			"Watchlist alert: components [%s] triggered on the last agent message. "+
				"Please review and give feedback or new direction.",
			strings.Join(p.pending.Triggered, ", ")),
	}
}

func (p *AnalysisWatchlist) StateForSelector() agent.StateVars { return nil }

type persistedWatchlist struct {
	Components []models.Component `json:"components"`
	Threshold  int                `json:"threshold"`
	Pending    *pendingAnalysis   `json:"pending,omitempty"`
}

func (p *AnalysisWatchlist) SaveState() (json.RawMessage, error) {
	return json.Marshal(persistedWatchlist{
		Components: p.components,
		Threshold:  p.threshold,
		Pending:    p.pending,
	})
}

func (p *AnalysisWatchlist) LoadState(data json.RawMessage) error {
	var in persistedWatchlist
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("failed to load analysis_watchlist state: %w", err)
	}
	p.components = in.Components
	p.threshold = in.Threshold
	p.pending = in.Pending
	return nil
}

func (p *AnalysisWatchlist) score(ctx context.Context, msg *models.ChatMessage) (map[string]models.ComponentScore, error) {
	var watchlist strings.Builder
	for _, c := range p.components {
		fmt.Fprintf(&watchlist, "- %s: %s\n", c.Label, c.Description)
	}

	var state models.Snapshot
	if p.contextState != nil {
		state = p.contextState()
	}

	prompt := fmt.Sprintf(scoringPrompt,
		watchlist.String(),
		orEmpty(state.ToolCallFacts),
		orEmpty(state.StateOfRun),
		msg.Source, msg.Content)

	stream, err := p.llm.Generate(ctx, &agent.GenerateInput{
		Messages:   []agent.ConversationMessage{{Role: agent.RoleUser, Content: prompt}},
		JSONSchema: scoresSchema(p.components),
	})
	if err != nil {
		return nil, fmt.Errorf("scoring llm call failed: %w", err)
	}
	result, err := agent.Collect(ctx, stream)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Scores map[string]models.ComponentScore `json:"scores"`
	}
	if err := json.Unmarshal(extractJSON(result.Text), &parsed); err != nil {
		return nil, fmt.Errorf("unparseable scoring response: %w", err)
	}
	for label, s := range parsed.Scores {
		if s.Score < 1 || s.Score > 10 {
			return nil, fmt.Errorf("score for %q out of range: %d", label, s.Score)
		}
	}
	return parsed.Scores, nil
}

// scoresSchema builds the structured-output schema constraining the
// response to exactly the configured component labels.
func scoresSchema(components []models.Component) string {
	props := make(map[string]any, len(components))
	required := make([]string, 0, len(components))
	for _, c := range components {
		props[c.Label] = map[string]any{
			"type": "object",
			"properties": map[string]any{
				"score":     map[string]any{"type": "integer", "minimum": 1, "maximum": 10},
				"reasoning": map[string]any{"type": "string"},
			},
			"required": []string{"score", "reasoning"},
		}
		required = append(required, c.Label)
	}
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"scores": map[string]any{
				"type":       "object",
				"properties": props,
				"required":   required,
			},
		},
		"required": []string{"scores"},
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return ""
	}
	return string(data)
}
