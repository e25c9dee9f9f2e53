package manager

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/models"
)

// DefaultSelectorPrompt is used when the team config does not provide one.
const DefaultSelectorPrompt = `You are moderating a conversation between the following participants:

{{.roles}}

Current state of the run:
{{.state_of_run}}

Routing preferences from the user:
{{.handoff_context}}

Recent conversation:
{{.history}}

Read the conversation and pick the participant best placed to speak next
from {{.participants}}. Reply with exactly one participant name.`

// SelectorFunc picks the next speaker from the thread, or returns "" to
// fall through to LLM selection.
type SelectorFunc func(thread []models.Event) string

// CandidateFunc narrows the eligible speaker set for a selection.
type CandidateFunc func(thread []models.Event) []string

// ErrNoCandidates is returned when a candidate function leaves nobody
// eligible to speak. This fails the run: an empty candidate set means the
// team configuration and the conversation state disagree.
type ErrNoCandidates struct {
	Thread int // thread length at the time of selection
}

func (e *ErrNoCandidates) Error() string {
	return fmt.Sprintf("candidate function returned no eligible speakers (thread length %d)", e.Thread)
}

// selectSpeaker runs the selection precedence chain:
// plugin override → selector func → candidate narrowing → LLM selection.
func (m *Manager) selectSpeaker(ctx context.Context) (string, error) {
	names := m.participantNames()

	// 1. Candidate narrowing. Failing a candidate function, everyone but
	// the previous speaker is eligible (unless repeats are allowed).
	var candidates []string
	if m.cfg.CandidateFunc != nil {
		candidates = m.cfg.CandidateFunc(m.thread)
		if len(candidates) == 0 {
			return "", &ErrNoCandidates{Thread: len(m.thread)}
		}
	} else {
		for _, name := range names {
			if name == m.previousSpeaker && !m.cfg.AllowRepeatedSpeaker && len(names) > 1 {
				continue
			}
			candidates = append(candidates, name)
		}
	}

	// 2. Plugin override: first non-empty return wins, in registration
	// order. Used by the analysis plugin to hand control to the human.
	for _, p := range m.cfg.Plugins {
		forced, err := p.OnBeforeSpeakerSelection(ctx, m.thread, candidates, names)
		if err != nil {
			return "", fmt.Errorf("plugin %s selection hook failed: %w", p.Name(), err)
		}
		if forced != "" {
			if !m.isParticipant(forced) {
				return "", fmt.Errorf("plugin %s forced unknown speaker %q", p.Name(), forced)
			}
			return forced, nil
		}
	}

	// 3. Selector function.
	if m.cfg.SelectorFunc != nil {
		if name := m.cfg.SelectorFunc(m.thread); name != "" {
			if !m.isParticipant(name) {
				return "", fmt.Errorf("selector function returned unknown speaker %q", name)
			}
			return name, nil
		}
	}

	// 4. LLM selection over the candidate set.
	return m.selectSpeakerLLM(ctx, candidates)
}

// selectSpeakerLLM renders the selector prompt and asks the model to pick
// one candidate, retrying on zero/multiple mentions or an illegal repeat
// within the attempts budget. On exhaustion it falls back to the previous
// speaker, else the first participant.
func (m *Manager) selectSpeakerLLM(ctx context.Context, candidates []string) (string, error) {
	prompt, err := m.renderSelectorPrompt(candidates)
	if err != nil {
		return "", err
	}

	messages := []agent.ConversationMessage{{Role: agent.RoleUser, Content: prompt}}
	attempts := m.cfg.MaxSelectorAttempts
	if attempts <= 0 {
		attempts = 3
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		stream, err := m.cfg.SelectorLLM.Generate(ctx, &agent.GenerateInput{Messages: messages})
		if err != nil {
			slog.Warn("Selector LLM call failed", "attempt", attempt, "error", err)
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		}
		result, err := agent.Collect(ctx, stream)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			slog.Warn("Selector LLM stream failed", "attempt", attempt, "error", err)
			continue
		}

		mentioned := mentionedNames(result.Text, candidates)

		var feedback string
		switch {
		case len(mentioned) == 1:
			name := mentioned[0]
			if name == m.previousSpeaker && !m.cfg.AllowRepeatedSpeaker && len(candidates) > 1 {
				feedback = fmt.Sprintf(
					"%s spoke last and may not speak twice in a row. Pick a different participant.", name)
				break
			}
			m.appendSelectorEvent(ctx, fmt.Sprintf("selected %s (attempt %d)", name, attempt))
			return name, nil
		case len(mentioned) == 0:
			feedback = fmt.Sprintf(
				"You did not mention any participant. Reply with exactly one of: %s.",
				strings.Join(candidates, ", "))
		default:
			feedback = fmt.Sprintf(
				"You mentioned several participants (%s). Reply with exactly one of: %s.",
				strings.Join(mentioned, ", "), strings.Join(candidates, ", "))
		}

		// Feedback loop inside the attempts budget.
		messages = append(messages,
			agent.ConversationMessage{Role: agent.RoleAssistant, Content: result.Text},
			agent.ConversationMessage{Role: agent.RoleUser, Content: feedback},
		)
	}

	// Exhausted. Fall back to the previous speaker, else the first
	// participant. This mirrors the source behaviour but is logged loudly
	// because it can mask selector prompt problems.
	fallback := m.previousSpeaker
	if fallback == "" || !m.isParticipant(fallback) {
		fallback = m.participantNames()[0]
	}
	slog.Warn("Speaker selection exhausted attempts, falling back",
		"attempts", attempts, "fallback", fallback)
	m.appendSelectorEvent(ctx, fmt.Sprintf("selection fell back to %s after %d attempts", fallback, attempts))
	return fallback, nil
}

func (m *Manager) renderSelectorPrompt(candidates []string) (string, error) {
	var roles strings.Builder
	for _, r := range m.cfg.Participants {
		fmt.Fprintf(&roles, "%s: %s\n", r.Name(), r.Description())
	}

	var history strings.Builder
	for _, e := range m.thread {
		if msg, ok := e.(*models.ChatMessage); ok {
			fmt.Fprintf(&history, "%s: %s\n", msg.Source, msg.Content)
		}
	}

	vars := agent.StateVars{
		"roles":        roles.String(),
		"participants": strings.Join(candidates, ", "),
		"history":      history.String(),
	}
	for _, p := range m.cfg.Plugins {
		for k, v := range p.StateForSelector() {
			vars[k] = v
		}
	}

	tmpl := m.cfg.SelectorPrompt
	if tmpl == "" {
		tmpl = DefaultSelectorPrompt
	}
	prompt, err := agent.RenderPrompt(tmpl, vars)
	if err != nil {
		return "", fmt.Errorf("failed to render selector prompt: %w", err)
	}
	return prompt, nil
}

// appendSelectorEvent records internal selection chatter on the thread.
// Selector events are not shown to observers by default and never count
// as logical units for trimming.
func (m *Manager) appendSelectorEvent(ctx context.Context, content string) {
	m.appendEvent(ctx, &models.SelectorEvent{Source: "selector", Content: content})
}

// mentionedNames returns the candidates mentioned in the reply, preserving
// candidate order and counting each at most once.
func mentionedNames(reply string, candidates []string) []string {
	var out []string
	for _, name := range candidates {
		if containsName(reply, name) {
			out = append(out, name)
		}
	}
	return out
}

// containsName looks for name in text with word-ish boundaries so that a
// participant called "searcher" is not matched inside "researcher".
func containsName(text, name string) bool {
	for start := 0; ; {
		idx := strings.Index(text[start:], name)
		if idx < 0 {
			return false
		}
		idx += start
		before := idx - 1
		after := idx + len(name)
		boundedLeft := before < 0 || !isWordByte(text[before])
		boundedRight := after >= len(text) || !isWordByte(text[after])
		if boundedLeft && boundedRight {
			return true
		}
		start = idx + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || b == '-' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
