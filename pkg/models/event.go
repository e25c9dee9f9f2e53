// Package models defines the event sum type flowing through the group-chat
// manager, plus the shared snapshot and analysis value types.
//
// Events are tagged variants implementing the Event interface. Dispatch is
// by type switch; the envelope codec in envelope.go handles JSON round-trips
// for session persistence.
package models

// EventKind identifies the concrete type of an Event.
type EventKind string

const (
	KindChatMessage       EventKind = "chat_message"
	KindStreamingChunk    EventKind = "streaming_chunk"
	KindToolCallRequest   EventKind = "tool_call_request"
	KindToolCallExecution EventKind = "tool_call_execution"
	KindSelectorEvent     EventKind = "selector_event"
	KindStopMessage       EventKind = "stop_message"
	KindUserInputRequest  EventKind = "user_input_requested"
	KindStateUpdate       EventKind = "state_update"
	KindAnalysisUpdate    EventKind = "analysis_update"
	KindTermination       EventKind = "termination"
)

// Event is the interface all thread event variants implement.
type Event interface {
	Kind() EventKind
}

// ChatMessage is a complete utterance from an agent or a user.
type ChatMessage struct {
	Source  string `json:"source"`
	Content string `json:"content"`
	ID      string `json:"id"`
}

// StreamingChunk is partial text from an agent. Zero or more chunks precede
// a ChatMessage with a matching FullMessageID. Chunks are transient: they
// are never persisted and never count as messages for trimming.
type StreamingChunk struct {
	Source        string `json:"source"`
	Content       string `json:"content"`
	FullMessageID string `json:"full_message_id"`
}

// ToolCall is a single tool invocation requested by an agent.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON
}

// ToolCallRequest records an agent asking for one or more tool invocations.
// Always immediately followed in the thread by a matching ToolCallExecution.
type ToolCallRequest struct {
	Source string     `json:"source"`
	Calls  []ToolCall `json:"calls"`
}

// ToolResult is the outcome of a single tool invocation.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Success bool   `json:"success"`
	Content string `json:"content"`
}

// ToolCallExecution records the results for a preceding ToolCallRequest.
// The request/execution pair counts as one logical node for trimming.
type ToolCallExecution struct {
	Source  string       `json:"source"`
	Results []ToolResult `json:"results"`
}

// SelectorEvent is internal speaker-selection chatter. Not shown to
// observers by default.
type SelectorEvent struct {
	Source  string `json:"source"`
	Content string `json:"content"`
}

// StopMessage terminates the current run. A stop with Content
// UserInterruptContent is non-terminal for the session: the run may be
// resumed by a user-directed message.
type StopMessage struct {
	Source  string `json:"source"`
	Content string `json:"content"`
}

// UserInterruptContent is the StopMessage content emitted on user interrupt.
const UserInterruptContent = "USER_INTERRUPT"

// UserInputRequested is emitted when a user-proxy agent needs a human
// answer. RequestID correlates the eventual HumanInputResponse.
type UserInputRequested struct {
	Source    string `json:"source"`
	RequestID string `json:"request_id"`
	Prompt    string `json:"prompt"`
}

// StateUpdate is emitted by the state-context plugin after it revises the
// external state of the run.
type StateUpdate struct {
	StateOfRun     string `json:"state_of_run"`
	ToolCallFacts  string `json:"tool_call_facts"`
	HandoffContext string `json:"handoff_context"`
	MessageIndex   int    `json:"message_index"`
}

// AnalysisUpdate is emitted by the analysis-watchlist plugin after scoring
// an agent message against the configured components.
type AnalysisUpdate struct {
	NodeID    string                    `json:"node_id"`
	Scores    map[string]ComponentScore `json:"scores"`
	Triggered []string                  `json:"triggered_components"`
}

// RunStatus is the terminal status of a run.
type RunStatus string

const (
	RunStatusCompleted   RunStatus = "COMPLETED"
	RunStatusInterrupted RunStatus = "INTERRUPTED"
)

// Termination signals that the manager finished (or aborted) the run.
type Termination struct {
	Status RunStatus `json:"status"`
	Reason string    `json:"reason"`
	Source string    `json:"source"`
	Error  string    `json:"error,omitempty"`
}

func (e *ChatMessage) Kind() EventKind        { return KindChatMessage }
func (e *StreamingChunk) Kind() EventKind     { return KindStreamingChunk }
func (e *ToolCallRequest) Kind() EventKind    { return KindToolCallRequest }
func (e *ToolCallExecution) Kind() EventKind  { return KindToolCallExecution }
func (e *SelectorEvent) Kind() EventKind      { return KindSelectorEvent }
func (e *StopMessage) Kind() EventKind        { return KindStopMessage }
func (e *UserInputRequested) Kind() EventKind { return KindUserInputRequest }
func (e *StateUpdate) Kind() EventKind        { return KindStateUpdate }
func (e *AnalysisUpdate) Kind() EventKind     { return KindAnalysisUpdate }
func (e *Termination) Kind() EventKind        { return KindTermination }

// Source returns the originating participant of an event, or "" for events
// that have no single source (state and analysis updates, terminations).
func Source(e Event) string {
	switch v := e.(type) {
	case *ChatMessage:
		return v.Source
	case *StreamingChunk:
		return v.Source
	case *ToolCallRequest:
		return v.Source
	case *ToolCallExecution:
		return v.Source
	case *SelectorEvent:
		return v.Source
	case *StopMessage:
		return v.Source
	case *UserInputRequested:
		return v.Source
	default:
		return ""
	}
}

// CallIDs returns the set of call ids in a request, in order.
func (e *ToolCallRequest) CallIDs() []string {
	ids := make([]string, len(e.Calls))
	for i, c := range e.Calls {
		ids[i] = c.ID
	}
	return ids
}

// CallIDs returns the set of call ids answered by an execution, in order.
func (e *ToolCallExecution) CallIDs() []string {
	ids := make([]string, len(e.Results))
	for i, r := range e.Results {
		ids[i] = r.CallID
	}
	return ids
}
