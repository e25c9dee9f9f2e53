package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/models"
)

const (
	factsPrompt = `You maintain a whiteboard of verified facts gathered from tool calls.

Current facts:
%s

New tool results:
%s

Reply with ONLY the new facts to append to the whiteboard (no preamble, no
restatement of existing facts). Reply with an empty string if the results
add nothing.`

	stateOfRunPrompt = `You maintain a compact "state of the run" summary for a multi-agent
conversation: what has been accomplished so far and what is being done next.

Current state of the run:
%s

Latest message from %s:
%s

Reply with ONLY the updated state of the run, at most a short paragraph.`

	humanUpdatePrompt = `You maintain two short text fields for a multi-agent conversation:
1. "state_of_run": what the run has accomplished and is doing next.
2. "handoff_context": the human's standing preferences about which agent
   should handle what (empty if the human expressed none).

Current state_of_run:
%s

Current handoff_context:
%s

The human just said:
%s

Reply with JSON: {"state_of_run": "...", "handoff_context": "..."}`

	handoffIntentSchema = `{
  "type": "object",
  "properties": {
    "has_handoff_intent": {"type": "boolean"},
    "handoff_context": {"type": "string"}
  },
  "required": ["has_handoff_intent", "handoff_context"]
}`
)

// StateContextConfig configures a StateContext plugin.
type StateContextConfig struct {
	LLM agent.LLMClient

	// UpdateStateOnHumanMessages controls whether human messages trigger a
	// state_of_run update. handoff_context is always updated from human
	// messages regardless.
	UpdateStateOnHumanMessages bool

	// UserSources are participant names whose messages count as human
	// input (the user proxy, "You", "user").
	UserSources []string

	// Emit publishes StateUpdate events to observers. May be nil.
	Emit func(models.Event)
}

// StateContext maintains the three freeform state strings distilled from
// the transcript — state_of_run, tool_call_facts, handoff_context — and a
// sparse snapshot per message index for branch recovery.
type StateContext struct {
	llm           agent.LLMClient
	updateOnHuman bool
	userSources   map[string]bool
	emit          func(models.Event)

	state     models.Snapshot
	snapshots map[int]models.Snapshot

	// lastIndex is the thread index of the most recently observed event,
	// so OnUserMessage (which runs after the append) can snapshot at the
	// human message's own index.
	lastIndex int
}

// NewStateContext creates the state-context plugin.
func NewStateContext(cfg StateContextConfig) *StateContext {
	sources := map[string]bool{"You": true, "user": true}
	for _, s := range cfg.UserSources {
		sources[s] = true
	}
	return &StateContext{
		llm:           cfg.LLM,
		updateOnHuman: cfg.UpdateStateOnHumanMessages,
		userSources:   sources,
		emit:          cfg.Emit,
		snapshots:     make(map[int]models.Snapshot),
	}
}

func (p *StateContext) Name() string { return "state_context" }

// State returns the current three state strings.
func (p *StateContext) State() models.Snapshot { return p.state }

// Snapshots returns the snapshot indices currently held (sorted). Used by
// tests and the debug API.
func (p *StateContext) Snapshots() []int {
	indices := make([]int, 0, len(p.snapshots))
	for i := range p.snapshots {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return indices
}

// OnMessageAdded updates the state strings from agent output. Tool
// executions extend the facts whiteboard (append-only); agent chat
// messages revise state_of_run. A snapshot is written at the current
// message index when anything changed.
func (p *StateContext) OnMessageAdded(ctx context.Context, event models.Event, thread []models.Event) error {
	index := len(thread) - 1
	p.lastIndex = index
	before := p.state

	switch e := event.(type) {
	case *models.ToolCallExecution:
		if err := p.appendFacts(ctx, e); err != nil {
			return err
		}
	case *models.ChatMessage:
		if p.userSources[e.Source] {
			return nil // human messages are handled by OnUserMessage
		}
		if err := p.updateStateOfRun(ctx, e); err != nil {
			return err
		}
	default:
		return nil
	}

	if p.state != before {
		p.snapshot(index)
	}
	return nil
}

// OnBeforeSpeakerSelection never overrides selection.
func (p *StateContext) OnBeforeSpeakerSelection(context.Context, []models.Event, []string, []string) (string, error) {
	return "", nil
}

// OnUserMessage updates state_of_run and handoff_context from a human
// message. A lightweight handoff-intent classifier runs first; even when
// it reports no intent the update still occurs, because human messages
// always influence these fields. Whatever changed is snapshotted at the
// message's thread index, like any other state change.
func (p *StateContext) OnUserMessage(ctx context.Context, msg *models.ChatMessage, directed bool, target string) error {
	before := p.state
	defer func() {
		if p.state != before {
			p.snapshot(p.lastIndex)
		}
	}()

	intent, err := p.classifyHandoffIntent(ctx, msg.Content)
	if err != nil {
		// The classifier is advisory; a failure must not block the update.
		if errors.Is(err, context.Canceled) {
			return err
		}
		slog.Warn("Handoff intent classification failed", "error", err)
	}
	if intent != nil && intent.HasHandoffIntent && intent.HandoffContext != "" {
		p.state.HandoffContext = intent.HandoffContext
	}

	if !p.updateOnHuman {
		return nil
	}

	prompt := fmt.Sprintf(humanUpdatePrompt, orEmpty(p.state.StateOfRun), orEmpty(p.state.HandoffContext), msg.Content)
	text, err := p.complete(ctx, prompt, "")
	if err != nil {
		return err
	}
	var updated struct {
		StateOfRun     string `json:"state_of_run"`
		HandoffContext string `json:"handoff_context"`
	}
	if err := json.Unmarshal(extractJSON(text), &updated); err != nil {
		slog.Warn("Unparseable human-update response, keeping previous state", "error", err)
		return nil
	}
	if updated.StateOfRun != "" {
		p.state.StateOfRun = updated.StateOfRun
	}
	if updated.HandoffContext != "" {
		p.state.HandoffContext = updated.HandoffContext
	}
	return nil
}

// OnBranch restores the latest snapshot at or below the new thread tail
// and discards snapshots beyond it. With no eligible snapshot the state
// resets to empty.
func (p *StateContext) OnBranch(_ context.Context, _ int, newLength int) error {
	limit := newLength - 1
	best := -1
	for idx := range p.snapshots {
		if idx <= limit && idx > best {
			best = idx
		}
	}
	if best >= 0 {
		p.state = p.snapshots[best]
	} else {
		p.state = models.Snapshot{}
	}
	for idx := range p.snapshots {
		if idx > limit {
			delete(p.snapshots, idx)
		}
	}
	return nil
}

func (p *StateContext) StateForAgent() agent.StateVars {
	return agent.StateVars{
		"state_of_run":    p.state.StateOfRun,
		"tool_call_facts": p.state.ToolCallFacts,
		"handoff_context": p.state.HandoffContext,
	}
}

func (p *StateContext) StateForSelector() agent.StateVars {
	return agent.StateVars{
		"state_of_run":    p.state.StateOfRun,
		"handoff_context": p.state.HandoffContext,
	}
}

// persistedState is the JSON layout for SaveState. Snapshot keys are
// strings only at this boundary; in memory they stay integers.
type persistedState struct {
	State     models.Snapshot            `json:"state"`
	Snapshots map[string]models.Snapshot `json:"snapshots"`
}

func (p *StateContext) SaveState() (json.RawMessage, error) {
	out := persistedState{
		State:     p.state,
		Snapshots: make(map[string]models.Snapshot, len(p.snapshots)),
	}
	for idx, snap := range p.snapshots {
		out.Snapshots[strconv.Itoa(idx)] = snap
	}
	return json.Marshal(out)
}

func (p *StateContext) LoadState(data json.RawMessage) error {
	var in persistedState
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("failed to load state_context state: %w", err)
	}
	p.state = in.State
	p.snapshots = make(map[int]models.Snapshot, len(in.Snapshots))
	for key, snap := range in.Snapshots {
		idx, err := strconv.Atoi(key)
		if err != nil {
			return fmt.Errorf("invalid snapshot index %q: %w", key, err)
		}
		p.snapshots[idx] = snap
	}
	return nil
}

// appendFacts asks the LLM for new facts from the tool results and
// concatenates them onto the whiteboard. Existing facts are never
// rewritten.
func (p *StateContext) appendFacts(ctx context.Context, exec *models.ToolCallExecution) error {
	var results strings.Builder
	for _, r := range exec.Results {
		fmt.Fprintf(&results, "[%s] %s\n", r.Name, r.Content)
	}
	prompt := fmt.Sprintf(factsPrompt, orEmpty(p.state.ToolCallFacts), results.String())
	addition, err := p.complete(ctx, prompt, "")
	if err != nil {
		return err
	}
	addition = strings.TrimSpace(addition)
	if addition == "" {
		return nil
	}
	if p.state.ToolCallFacts != "" {
		p.state.ToolCallFacts += "\n"
	}
	p.state.ToolCallFacts += addition
	return nil
}

func (p *StateContext) updateStateOfRun(ctx context.Context, msg *models.ChatMessage) error {
	prompt := fmt.Sprintf(stateOfRunPrompt, orEmpty(p.state.StateOfRun), msg.Source, msg.Content)
	text, err := p.complete(ctx, prompt, "")
	if err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text != "" {
		p.state.StateOfRun = text
	}
	return nil
}

type handoffIntent struct {
	HasHandoffIntent bool   `json:"has_handoff_intent"`
	HandoffContext   string `json:"handoff_context"`
}

func (p *StateContext) classifyHandoffIntent(ctx context.Context, content string) (*handoffIntent, error) {
	prompt := fmt.Sprintf(
		"Does this message express a preference about which agent should handle "+
			"the next step? Message:\n%s", content)
	text, err := p.complete(ctx, prompt, handoffIntentSchema)
	if err != nil {
		return nil, err
	}
	var intent handoffIntent
	if err := json.Unmarshal(extractJSON(text), &intent); err != nil {
		return nil, fmt.Errorf("unparseable handoff intent response: %w", err)
	}
	return &intent, nil
}

// snapshot records the current state at the given message index. No-op
// when an identical snapshot already exists at that index.
func (p *StateContext) snapshot(index int) {
	if existing, ok := p.snapshots[index]; ok && existing.Equal(p.state) {
		return
	}
	p.snapshots[index] = p.state
	if p.emit != nil {
		p.emit(&models.StateUpdate{
			StateOfRun:     p.state.StateOfRun,
			ToolCallFacts:  p.state.ToolCallFacts,
			HandoffContext: p.state.HandoffContext,
			MessageIndex:   index,
		})
	}
}

func (p *StateContext) complete(ctx context.Context, prompt, schema string) (string, error) {
	stream, err := p.llm.Generate(ctx, &agent.GenerateInput{
		Messages:   []agent.ConversationMessage{{Role: agent.RoleUser, Content: prompt}},
		JSONSchema: schema,
	})
	if err != nil {
		return "", fmt.Errorf("state update llm call failed: %w", err)
	}
	result, err := agent.Collect(ctx, stream)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

func orEmpty(s string) string {
	if s == "" {
		return "(empty)"
	}
	return s
}

// extractJSON pulls the outermost JSON object out of an LLM reply that may
// be wrapped in prose or a code fence.
func extractJSON(text string) []byte {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start >= 0 && end > start {
		return []byte(text[start : end+1])
	}
	return []byte(text)
}
