package manager

import (
	"fmt"

	"github.com/parleyhq/parley/pkg/models"
)

// TrimPlan is the translation of a manager-level trim count into concrete
// per-structure trim amounts. Manager trim counts treat a message node and
// a tool request/execution pair as one logical unit each; the thread and
// the agents' inbound buffers count differently.
type TrimPlan struct {
	// EntriesToTrim is the number of entries to drop from the end of the
	// message thread.
	EntriesToTrim int

	// agentTrims maps participant name → messages to remove from that
	// agent's inbound buffer.
	agentTrims map[string]int
}

// AgentTrimUp returns the number of messages to drop from the given
// agent's inbound buffer.
func (p *TrimPlan) AgentTrimUp(agentName string) int {
	return p.agentTrims[agentName]
}

// TranslateTrim walks the thread from the end, consuming one logical unit
// per chat message and one per recognised (ToolCallRequest,
// ToolCallExecution) pair, until trimCount units are consumed. Non-message
// entries encountered on the way (selector events, stop messages, state
// updates) ride along without counting.
//
// Returns an error when the thread holds fewer logical units than
// trimCount, or when a ToolCallExecution has no matching preceding
// ToolCallRequest — the latter means the thread is corrupted.
func TranslateTrim(thread []models.Event, trimCount int, participants []string) (*TrimPlan, error) {
	if trimCount < 0 {
		return nil, fmt.Errorf("trim count must be non-negative, got %d", trimCount)
	}

	units := 0
	i := len(thread)
	for units < trimCount {
		if i == 0 {
			return nil, fmt.Errorf("trim count %d exceeds thread logical length (%d units)", trimCount, units)
		}
		i--
		switch e := thread[i].(type) {
		case *models.ChatMessage:
			units++
		case *models.ToolCallExecution:
			if i == 0 {
				return nil, fmt.Errorf("tool execution at thread index 0 has no matching request")
			}
			req, ok := thread[i-1].(*models.ToolCallRequest)
			if !ok || !sameCallIDs(req, e) {
				return nil, fmt.Errorf("tool execution at thread index %d has no matching request", i)
			}
			i-- // consume the request too; the pair is one unit
			units++
		case *models.ToolCallRequest:
			return nil, fmt.Errorf("dangling tool request at thread index %d", i)
		default:
			// Non-logical entries are dropped but not counted.
		}
	}
	entries := len(thread) - i

	plan := &TrimPlan{
		EntriesToTrim: entries,
		agentTrims:    make(map[string]int, len(participants)),
	}
	for _, name := range participants {
		plan.agentTrims[name] = agentTrimUp(thread, name, entries)
	}
	return plan, nil
}

// agentTrimUp counts the chat messages being trimmed that sit inside the
// agent's inbound buffer. The buffer starts one past the agent's own last
// message: everything before that was consumed when the agent last spoke
// and is not in the buffer any more.
func agentTrimUp(thread []models.Event, agentName string, entriesToTrim int) int {
	bufferStart := 0
	for i, e := range thread {
		if msg, ok := e.(*models.ChatMessage); ok && msg.Source == agentName {
			bufferStart = i + 1
		}
	}
	start := len(thread) - entriesToTrim
	if bufferStart > start {
		start = bufferStart
	}
	count := 0
	for _, e := range thread[start:] {
		if _, ok := e.(*models.ChatMessage); ok {
			count++
		}
	}
	return count
}

func sameCallIDs(req *models.ToolCallRequest, exec *models.ToolCallExecution) bool {
	if len(req.Calls) != len(exec.Results) {
		return false
	}
	ids := make(map[string]bool, len(req.Calls))
	for _, c := range req.Calls {
		ids[c.ID] = true
	}
	for _, r := range exec.Results {
		if !ids[r.CallID] {
			return false
		}
	}
	return true
}
