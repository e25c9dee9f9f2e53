// Package events defines the observer wire protocol: JSON text frames
// exchanged with WebSocket clients, and the bounded per-observer outbound
// queue that fans manager events out without ever blocking the manager.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/parleyhq/parley/pkg/models"
	"github.com/parleyhq/parley/pkg/tree"
)

// FrameType tags every wire frame.
type FrameType string

// Inbound frame types (client → server).
const (
	FrameStartRun                   FrameType = "start_run"
	FrameUserInterrupt              FrameType = "user_interrupt"
	FrameUserDirectedMessage        FrameType = "user_directed_message"
	FrameHumanInputResponse         FrameType = "human_input_response"
	FrameTerminateRequest           FrameType = "terminate_request"
	FrameComponentGenerationRequest FrameType = "component_generation_request"
)

// Outbound frame types (server → client).
const (
	FrameAgentTeamNames         FrameType = "agent_team_names"
	FrameAgentDetails           FrameType = "agent_details"
	FrameParticipantNames       FrameType = "participant_names"
	FrameRunStartConfirmed      FrameType = "run_start_confirmed"
	FrameAgentMessage           FrameType = "agent_message"
	FrameAgentStream            FrameType = "agent_stream"
	FrameToolCall               FrameType = "tool_call"
	FrameToolExecution          FrameType = "tool_execution"
	FrameTreeUpdate             FrameType = "tree_update"
	FrameStateUpdate            FrameType = "state_update"
	FrameAnalysisUpdate         FrameType = "analysis_update"
	FrameAnalysisComponentsInit FrameType = "analysis_components_init"
	FrameAgentInputRequest      FrameType = "agent_input_request"
	FrameInterruptAcknowledged  FrameType = "interrupt_acknowledged"
	FrameStreamEnd              FrameType = "stream_end"
	FrameRunTermination         FrameType = "run_termination"
	FrameError                  FrameType = "error"
)

// Header is embedded in every outbound frame.
type Header struct {
	Type      FrameType `json:"type"`
	Timestamp string    `json:"timestamp"`
}

func newHeader(t FrameType) Header {
	return Header{Type: t, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
}

// Outbound frames.

type AgentTeamNames struct {
	Header
	Teams []string `json:"teams"`
}

// AgentDetail describes one configured agent for observer bootstrap.
type AgentDetail struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
}

type AgentDetails struct {
	Header
	Agents []AgentDetail `json:"agents"`
}

type ParticipantNames struct {
	Header
	Participants []string `json:"participants"`
}

type RunStartConfirmed struct {
	Header
	SessionID string `json:"session_id"`
}

type AgentMessage struct {
	Header
	AgentName string `json:"agent_name"`
	Content   string `json:"content"`
	Summary   string `json:"summary"`
	NodeID    string `json:"node_id"`
}

// AgentStream carries one streaming text delta. Stream frames are the
// only droppable frames under backpressure.
type AgentStream struct {
	Header
	AgentName     string `json:"agent_name"`
	Content       string `json:"content"`
	FullMessageID string `json:"full_message_id"`
}

type ToolCallEntry struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ToolCall struct {
	Header
	AgentName string          `json:"agent_name"`
	Tools     []ToolCallEntry `json:"tools"`
	NodeID    string          `json:"node_id"`
}

type ToolResultEntry struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Success    bool   `json:"success"`
	Result     string `json:"result"`
}

type ToolExecution struct {
	Header
	AgentName string            `json:"agent_name"`
	Results   []ToolResultEntry `json:"results"`
	NodeID    string            `json:"node_id"`
}

type TreeUpdate struct {
	Header
	Root            *tree.Node            `json:"root"`
	Nodes           map[string]*tree.Node `json:"nodes"`
	CurrentBranchID string                `json:"current_branch_id"`
	CurrentNodeID   string                `json:"current_node_id"`
}

type StateUpdate struct {
	Header
	StateOfRun     string `json:"state_of_run"`
	ToolCallFacts  string `json:"tool_call_facts"`
	HandoffContext string `json:"handoff_context"`
	MessageIndex   int    `json:"message_index"`
}

type AnalysisUpdate struct {
	Header
	NodeID    string                           `json:"node_id"`
	Scores    map[string]models.ComponentScore `json:"scores"`
	Triggered []string                         `json:"triggered_components"`
}

type AnalysisComponentsInit struct {
	Header
	Components []models.Component `json:"components"`
}

type AgentInputRequest struct {
	Header
	RequestID       string `json:"request_id"`
	Prompt          string `json:"prompt"`
	AgentName       string `json:"agent_name"`
	FeedbackContext string `json:"feedback_context,omitempty"`
}

type InterruptAcknowledged struct {
	Header
}

type StreamEnd struct {
	Header
	Reason string `json:"reason"`
}

type RunTermination struct {
	Header
	Status string `json:"status"`
	Reason string `json:"reason"`
	Source string `json:"source"`
}

// Error codes surfaced to observers on bad client frames.
const (
	ErrCodeUnknownAgent  = "unknown_agent"
	ErrCodeEmptyContent  = "empty_content"
	ErrCodeInvalidTrim   = "invalid_trim_count"
	ErrCodeBadFrame      = "bad_frame"
	ErrCodeNoSession     = "no_session"
	ErrCodeInternalError = "internal_error"
)

type ErrorFrame struct {
	Header
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// Frame constructors stamp the header.

func NewAgentTeamNames(teams []string) *AgentTeamNames {
	return &AgentTeamNames{Header: newHeader(FrameAgentTeamNames), Teams: teams}
}

func NewAgentDetails(agents []AgentDetail) *AgentDetails {
	return &AgentDetails{Header: newHeader(FrameAgentDetails), Agents: agents}
}

func NewParticipantNames(participants []string) *ParticipantNames {
	return &ParticipantNames{Header: newHeader(FrameParticipantNames), Participants: participants}
}

func NewRunStartConfirmed(sessionID string) *RunStartConfirmed {
	return &RunStartConfirmed{Header: newHeader(FrameRunStartConfirmed), SessionID: sessionID}
}

func NewAgentMessage(agentName, content, summary, nodeID string) *AgentMessage {
	return &AgentMessage{
		Header: newHeader(FrameAgentMessage), AgentName: agentName,
		Content: content, Summary: summary, NodeID: nodeID,
	}
}

func NewAgentStream(agentName, content, fullMessageID string) *AgentStream {
	return &AgentStream{
		Header: newHeader(FrameAgentStream), AgentName: agentName,
		Content: content, FullMessageID: fullMessageID,
	}
}

func NewToolCall(agentName string, tools []ToolCallEntry, nodeID string) *ToolCall {
	return &ToolCall{Header: newHeader(FrameToolCall), AgentName: agentName, Tools: tools, NodeID: nodeID}
}

func NewToolExecution(agentName string, results []ToolResultEntry, nodeID string) *ToolExecution {
	return &ToolExecution{Header: newHeader(FrameToolExecution), AgentName: agentName, Results: results, NodeID: nodeID}
}

func NewTreeUpdate(t *tree.Tree) *TreeUpdate {
	return &TreeUpdate{
		Header:          newHeader(FrameTreeUpdate),
		Root:            t.Root(),
		Nodes:           t.Nodes,
		CurrentBranchID: t.CurrentBranchID,
		CurrentNodeID:   t.CurrentNodeID(),
	}
}

func NewStateUpdate(su *models.StateUpdate) *StateUpdate {
	return &StateUpdate{
		Header:         newHeader(FrameStateUpdate),
		StateOfRun:     su.StateOfRun,
		ToolCallFacts:  su.ToolCallFacts,
		HandoffContext: su.HandoffContext,
		MessageIndex:   su.MessageIndex,
	}
}

func NewAnalysisUpdate(au *models.AnalysisUpdate) *AnalysisUpdate {
	return &AnalysisUpdate{
		Header: newHeader(FrameAnalysisUpdate),
		NodeID: au.NodeID, Scores: au.Scores, Triggered: au.Triggered,
	}
}

func NewAnalysisComponentsInit(components []models.Component) *AnalysisComponentsInit {
	return &AnalysisComponentsInit{Header: newHeader(FrameAnalysisComponentsInit), Components: components}
}

func NewAgentInputRequest(requestID, prompt, agentName, feedbackContext string) *AgentInputRequest {
	return &AgentInputRequest{
		Header: newHeader(FrameAgentInputRequest), RequestID: requestID,
		Prompt: prompt, AgentName: agentName, FeedbackContext: feedbackContext,
	}
}

func NewInterruptAcknowledged() *InterruptAcknowledged {
	return &InterruptAcknowledged{Header: newHeader(FrameInterruptAcknowledged)}
}

func NewStreamEnd(reason string) *StreamEnd {
	return &StreamEnd{Header: newHeader(FrameStreamEnd), Reason: reason}
}

func NewRunTermination(status, reason, source string) *RunTermination {
	return &RunTermination{Header: newHeader(FrameRunTermination), Status: status, Reason: reason, Source: source}
}

func NewError(code, message string) *ErrorFrame {
	return &ErrorFrame{Header: newHeader(FrameError), ErrorCode: code, Message: message}
}

// Inbound frames.

type StartRun struct {
	SessionID        string `json:"session_id"`
	InitialTopic     string `json:"initial_topic"`
	AnalysisPrompt   string `json:"analysis_prompt,omitempty"`
	TriggerThreshold int    `json:"trigger_threshold,omitempty"`

	// Structured topic seeds, used when initial_topic is empty.
	CompanyName string `json:"company_name,omitempty"`
	BillName    string `json:"bill_name,omitempty"`
	Congress    int    `json:"congress,omitempty"`
}

// Topic resolves the run topic: the free-form initial_topic wins, else one
// is composed from the structured seed fields. Empty when neither is set.
func (f *StartRun) Topic() string {
	if f.InitialTopic != "" {
		return f.InitialTopic
	}
	if f.BillName == "" {
		return ""
	}
	topic := fmt.Sprintf("Analyze %s", f.BillName)
	if f.Congress > 0 {
		topic += fmt.Sprintf(" (Congress %d)", f.Congress)
	}
	if f.CompanyName != "" {
		topic += fmt.Sprintf(" and its impact on %s", f.CompanyName)
	}
	return topic
}

type UserInterrupt struct{}

type UserDirectedMessage struct {
	Content     string `json:"content"`
	TargetAgent string `json:"target_agent"`
	TrimCount   int    `json:"trim_count"`
}

type HumanInputResponse struct {
	RequestID string `json:"request_id"`
	UserInput string `json:"user_input"`
}

type TerminateRequest struct{}

type ComponentGenerationRequest struct {
	AnalysisPrompt string `json:"analysis_prompt"`
}

// ParseInbound decodes a client text frame into its typed form.
func ParseInbound(data []byte) (any, error) {
	var envelope struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	decode := func(target any) (any, error) {
		if err := json.Unmarshal(data, target); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", envelope.Type, err)
		}
		return target, nil
	}

	switch envelope.Type {
	case FrameStartRun, FrameRunStartConfirmed:
		// run_start_confirmed shares start_run's shape: clients echo it to
		// start a run with pre-approved analysis components.
		return decode(&StartRun{})
	case FrameUserInterrupt:
		return &UserInterrupt{}, nil
	case FrameUserDirectedMessage:
		return decode(&UserDirectedMessage{})
	case FrameHumanInputResponse:
		return decode(&HumanInputResponse{})
	case FrameTerminateRequest:
		return &TerminateRequest{}, nil
	case FrameComponentGenerationRequest:
		return decode(&ComponentGenerationRequest{})
	default:
		return nil, fmt.Errorf("unknown frame type %q", envelope.Type)
	}
}
