// Package session binds one conversation together: the group-chat manager,
// the conversation tree, the human-input queue and the set of observer
// connections watching the run.
//
// The session is the manager's Emit target. Every event the manager appends
// is translated here into tree mutations and wire frames, so the tree and
// the observers always see the same totally-ordered history the manager
// produced.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/events"
	"github.com/parleyhq/parley/pkg/inputs"
	"github.com/parleyhq/parley/pkg/manager"
	"github.com/parleyhq/parley/pkg/mcp"
	"github.com/parleyhq/parley/pkg/models"
	"github.com/parleyhq/parley/pkg/plugins"
	"github.com/parleyhq/parley/pkg/tree"
)

// summaryMaxChars caps the one-line preview carried on agent_message frames.
const summaryMaxChars = 200

// Session is one live conversation: manager actor, tree, input queue and
// observers.
type Session struct {
	ID string

	mgr         *manager.Manager
	inputQueue  *inputs.Queue
	stateCtx    *plugins.StateContext
	watchlist   *plugins.AnalysisWatchlist
	selectorLLM agent.LLMClient
	cancel      context.CancelFunc
	statePath   string

	// mu guards the tree, the observer set and the translation state
	// below. The manager goroutine holds it while translating events;
	// API goroutines hold it while attaching observers or reading
	// snapshots. Manager commands are never issued under mu.
	mu           sync.Mutex
	tree         *tree.Tree
	observers    map[string]*events.Connection
	msgNodes     map[string]string // message id → tree node id
	displayNames map[string]string
	components   []models.Component

	// pendingTrim is set just before a directed message is posted so the
	// resulting user ChatMessage branches the tree instead of appending.
	pendingTrim *int

	// pendingReq holds a tool-call request until its execution arrives;
	// the pair becomes two adjacent tree nodes in one step.
	pendingReq *models.ToolCallRequest

	// pendingInput is the unanswered human-input request, replayed to
	// observers that attach while the run is waiting on it.
	pendingInput *events.AgentInputRequest
}

// ── Run control ─────────────────────────────────────────────────

// Start begins (or restarts) the run with the initial user topic.
func (s *Session) Start(topic string) error {
	return s.mgr.Start(topic)
}

// Interrupt pauses the run. Never fails.
func (s *Session) Interrupt() {
	s.mgr.Interrupt()
}

// SendUserDirected resumes the run with a human message routed to target.
// trimCount > 0 rewinds the conversation that many messages first; the
// resulting tree node starts a new branch.
func (s *Session) SendUserDirected(target, content string, trimCount int) error {
	s.mu.Lock()
	s.pendingTrim = &trimCount
	s.mu.Unlock()

	if err := s.mgr.SendUserDirected(target, content, trimCount); err != nil {
		s.mu.Lock()
		s.pendingTrim = nil
		s.mu.Unlock()
		return err
	}
	return nil
}

// Terminate ends the run with a completed status.
func (s *Session) Terminate(reason string) error {
	return s.mgr.Terminate(reason)
}

// ProvideInput answers a pending human-input request.
func (s *Session) ProvideInput(requestID, content string) bool {
	if !s.inputQueue.Provide(requestID, content) {
		return false
	}
	s.mu.Lock()
	if s.pendingInput != nil && s.pendingInput.RequestID == requestID {
		s.pendingInput = nil
	}
	s.mu.Unlock()
	return true
}

// GenerateComponents builds a watchlist from a free-form analysis prompt
// and installs it on the analysis plugin. Meant to be called before the
// run starts.
func (s *Session) GenerateComponents(ctx context.Context, analysisPrompt string) ([]models.Component, error) {
	if s.watchlist == nil {
		return nil, fmt.Errorf("session %s has no analysis watchlist configured", s.ID)
	}
	components, err := plugins.GenerateComponents(ctx, s.selectorLLM, analysisPrompt)
	if err != nil {
		return nil, err
	}
	s.watchlist.SetComponents(components)

	s.mu.Lock()
	s.components = components
	s.broadcastLocked(events.NewAnalysisComponentsInit(components))
	s.mu.Unlock()
	return components, nil
}

// SetAnalysisThreshold overrides the watchlist trigger threshold for this
// session. No-op without a watchlist or with a value outside 1-10.
func (s *Session) SetAnalysisThreshold(threshold int) {
	if s.watchlist != nil {
		s.watchlist.SetThreshold(threshold)
	}
}

// Components returns the active watchlist, or nil.
func (s *Session) Components() []models.Component {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.components
}

// ── Observers ───────────────────────────────────────────────────

// AttachObserver registers a connection and sends it the current tree and
// watchlist snapshot so a late joiner catches up immediately.
func (s *Session) AttachObserver(conn *events.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers[conn.ID] = conn
	if s.tree.Root() != nil {
		conn.Send(events.NewTreeUpdate(s.tree))
	}
	if len(s.components) > 0 {
		conn.Send(events.NewAnalysisComponentsInit(s.components))
	}
	if s.pendingInput != nil {
		conn.Send(s.pendingInput)
	}
}

// DetachObserver removes a connection and cancels the input requests it
// owned. When the last observer leaves, every outstanding request is
// cancelled: nobody is left to answer, and the turn would otherwise block
// until an interrupt. The session itself keeps running.
func (s *Session) DetachObserver(connID string) {
	s.mu.Lock()
	delete(s.observers, connID)
	last := len(s.observers) == 0
	if last {
		s.pendingInput = nil
	}
	s.mu.Unlock()

	s.inputQueue.CancelOwned(connID)
	if last {
		s.inputQueue.CancelAll()
	}
}

// Broadcast sends a frame to every attached observer.
func (s *Session) Broadcast(frame any) {
	s.mu.Lock()
	s.broadcastLocked(frame)
	s.mu.Unlock()
}

func (s *Session) broadcastLocked(frame any) {
	for _, conn := range s.observers {
		conn.Send(frame)
	}
}

// TreeSnapshot returns the current tree as a wire frame, or nil for an
// uninitialised tree.
func (s *Session) TreeSnapshot() *events.TreeUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tree.Root() == nil {
		return nil
	}
	return events.NewTreeUpdate(s.tree)
}

// Close stops the manager actor and closes every observer queue. The
// session state on disk is left as the last persist wrote it.
func (s *Session) Close() {
	s.cancel()
	<-s.mgr.Done()
	s.mu.Lock()
	for id, conn := range s.observers {
		conn.Queue.Close()
		delete(s.observers, id)
	}
	s.mu.Unlock()
}

// ── Event translation (manager Emit target) ─────────────────────

// handleEvent is called by the manager (and, for streaming chunks and
// input requests, by agent goroutines) for every event in thread order.
func (s *Session) handleEvent(e models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev := e.(type) {
	case *models.ChatMessage:
		s.onChatMessage(ev)
	case *models.StreamingChunk:
		s.broadcastLocked(events.NewAgentStream(ev.Source, ev.Content, ev.FullMessageID))
	case *models.ToolCallRequest:
		s.pendingReq = ev
	case *models.ToolCallExecution:
		s.onToolExecution(ev)
	case *models.UserInputRequested:
		frame := events.NewAgentInputRequest(ev.RequestID, ev.Prompt, ev.Source, s.feedbackContext())
		s.pendingInput = frame
		s.broadcastLocked(frame)
	case *models.StateUpdate:
		s.broadcastLocked(events.NewStateUpdate(ev))
	case *models.AnalysisUpdate:
		s.onAnalysisUpdate(ev)
	case *models.StopMessage:
		if ev.Content == models.UserInterruptContent {
			s.pendingInput = nil
			s.broadcastLocked(events.NewRunTermination(
				string(models.RunStatusInterrupted), "user interrupt", ev.Source))
			go s.persistAsync()
		}
	case *models.Termination:
		s.pendingInput = nil
		s.broadcastLocked(events.NewRunTermination(string(ev.Status), ev.Reason, ev.Source))
		s.broadcastLocked(events.NewStreamEnd(ev.Reason))
		go s.persistAsync()
	case *models.SelectorEvent:
		// Selection chatter stays internal.
	}
}

// onChatMessage grows (or branches) the tree and announces the message.
func (s *Session) onChatMessage(msg *models.ChatMessage) {
	var node *tree.Node
	var err error

	switch {
	case msg.Source == manager.UserSource && s.tree.Root() == nil:
		node, err = s.tree.InitializeRoot(msg.Content)
	case msg.Source == manager.UserSource && s.pendingTrim != nil:
		trim := *s.pendingTrim
		s.pendingTrim = nil
		node, err = s.tree.CreateBranch(s.messageTrimFor(trim), msg.Content)
	default:
		display := s.displayNames[msg.Source]
		if display == "" {
			display = msg.Source
		}
		node, err = s.tree.AddNode(msg.Source, display, msg.Content, tree.NodeTypeMessage)
	}
	if err != nil {
		slog.Error("Failed to record message on tree",
			"session_id", s.ID, "source", msg.Source, "error", err)
		return
	}

	s.msgNodes[msg.ID] = node.ID
	if msg.Source != manager.UserSource {
		s.broadcastLocked(events.NewAgentMessage(
			msg.Source, msg.Content, summarize(msg.Content), node.ID))
	}
	s.broadcastLocked(events.NewTreeUpdate(s.tree))
}

// messageTrimFor converts a thread trim count, where a tool
// request/execution pair counts as one logical unit, into the number of
// message nodes CreateBranch rewinds. The walk over the active path
// mirrors the manager's trim translation over the thread tail, so both
// layers agree on what survives. Caller holds s.mu.
func (s *Session) messageTrimFor(units int) int {
	node, err := s.tree.Current()
	if err != nil {
		return units
	}
	msgs := 0
	for consumed := 0; consumed < units && node != nil; consumed++ {
		if node.NodeType == tree.NodeTypeMessage {
			msgs++
			node, _ = s.tree.Find(node.ParentID)
			continue
		}
		// An execution node and its call node above form one unit.
		call, ok := s.tree.Find(node.ParentID)
		if !ok {
			break
		}
		node, _ = s.tree.Find(call.ParentID)
	}
	return msgs
}

// onToolExecution pairs the execution with the held request and appends
// both nodes in one step.
func (s *Session) onToolExecution(exec *models.ToolCallExecution) {
	req := s.pendingReq
	s.pendingReq = nil
	if req == nil {
		slog.Warn("Tool execution without a preceding request",
			"session_id", s.ID, "source", exec.Source)
		return
	}

	callNode, execNode, err := s.tree.AddToolPair(req, exec)
	if err != nil {
		slog.Error("Failed to record tool pair on tree",
			"session_id", s.ID, "source", req.Source, "error", err)
		return
	}

	calls := make([]events.ToolCallEntry, len(req.Calls))
	for i, c := range req.Calls {
		calls[i] = events.ToolCallEntry{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	results := make([]events.ToolResultEntry, len(exec.Results))
	for i, r := range exec.Results {
		results[i] = events.ToolResultEntry{
			ToolCallID: r.CallID,
			ToolName:   r.Name,
			Success:    r.Success,
			Result:     mcp.TruncateForDisplay(r.Content),
		}
	}

	s.broadcastLocked(events.NewToolCall(req.Source, calls, callNode.ID))
	s.broadcastLocked(events.NewToolExecution(exec.Source, results, execNode.ID))
	s.broadcastLocked(events.NewTreeUpdate(s.tree))
}

// onAnalysisUpdate maps the scored message's id onto its tree node before
// forwarding.
func (s *Session) onAnalysisUpdate(au *models.AnalysisUpdate) {
	mapped := *au
	if nodeID, ok := s.msgNodes[au.NodeID]; ok {
		mapped.NodeID = nodeID
	}
	s.broadcastLocked(events.NewAnalysisUpdate(&mapped))
}

// feedbackContext surfaces the watchlist alert text for input-request
// frames. Caller holds s.mu.
func (s *Session) feedbackContext() string {
	if s.watchlist == nil {
		return ""
	}
	return s.watchlist.StateForAgent()["feedback_context"]
}

func (s *Session) persistAsync() {
	if s.statePath == "" {
		return
	}
	if err := s.Persist(); err != nil {
		slog.Error("Failed to persist session", "session_id", s.ID, "error", err)
	}
}

// summarize produces the one-line preview shown in observer message lists.
func summarize(content string) string {
	line := content
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	if len(line) <= summaryMaxChars {
		return line
	}
	cut := summaryMaxChars
	for cut > 0 && !isRuneStart(line[cut]) {
		cut--
	}
	return line[:cut] + "…"
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
