// Package manager implements the group-chat manager: the speaker-selection
// state machine and message-thread authority.
//
// The manager is an actor. It owns the thread, the plugin state and the
// active-speaker slot exclusively; every external mutation arrives as a
// command on its inbox and is processed by the single goroutine running
// Run. Agent invocations execute in their own goroutines and post their
// results back to the inbox, so within a session all thread mutations are
// totally ordered.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/inputs"
	"github.com/parleyhq/parley/pkg/models"
	"github.com/parleyhq/parley/pkg/plugins"
)

// UserSource is the thread source recorded for human messages.
const UserSource = "You"

// Config configures a Manager.
type Config struct {
	// Participants are the team members, in speaking-priority order.
	Participants []agent.Responder

	// Termination conditions checked against each turn's delta.
	Termination []TerminationCondition

	// MaxTurns ends the run after this many completed turns. 0 = unlimited.
	MaxTurns int

	// SelectorPrompt is the template for LLM speaker selection.
	// Empty selects DefaultSelectorPrompt.
	SelectorPrompt string

	// SelectorFunc short-circuits LLM selection when non-nil.
	SelectorFunc SelectorFunc

	// CandidateFunc narrows the eligible speaker set when non-nil.
	CandidateFunc CandidateFunc

	// SelectorLLM performs LLM speaker selection. Required unless
	// SelectorFunc always returns a name.
	SelectorLLM agent.LLMClient

	// AllowRepeatedSpeaker permits the previous speaker to be selected
	// again.
	AllowRepeatedSpeaker bool

	// MaxSelectorAttempts bounds LLM selection retries. 0 = 3.
	MaxSelectorAttempts int

	// Plugins are composed in registration order.
	Plugins []plugins.Plugin

	// InputQueue holds pending human-input requests; cancelled on
	// interrupt. May be nil for teams without a user proxy.
	InputQueue *inputs.Queue

	// Emit receives every event the manager appends or forwards, in
	// order. Must be safe for concurrent use (streaming chunks arrive
	// from agent goroutines).
	Emit func(models.Event)
}

// Validate checks the configuration before a run starts.
func (c *Config) Validate() error {
	if len(c.Participants) == 0 {
		return fmt.Errorf("%w: team has no participants", ErrConfiguration)
	}
	seen := make(map[string]bool, len(c.Participants))
	for _, p := range c.Participants {
		name := p.Name()
		if name == "" {
			return fmt.Errorf("%w: participant with empty name", ErrConfiguration)
		}
		if name == UserSource {
			return fmt.Errorf("%w: participant name %q is reserved for the human", ErrConfiguration, name)
		}
		if seen[name] {
			return fmt.Errorf("%w: duplicate participant name %q", ErrConfiguration, name)
		}
		seen[name] = true
	}
	if c.SelectorLLM == nil && c.SelectorFunc == nil {
		return fmt.Errorf("%w: neither selector LLM nor selector function configured", ErrConfiguration)
	}
	return nil
}

// Sentinel errors callers branch on.
var (
	// ErrConfiguration marks invalid team configuration; fails run start.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrValidation marks a bad client command; the run continues.
	ErrValidation = errors.New("validation failed")

	// ErrNotRunning is returned by commands that need a started run.
	ErrNotRunning = errors.New("no run in progress")
)

// Manager is the group-chat manager actor.
type Manager struct {
	cfg   Config
	inbox chan command

	thread          []models.Event
	previousSpeaker string
	activeSpeaker   string
	turnCount       int
	interrupted     bool
	terminated      bool
	started         bool

	// The per-run cancellation token, linked to every LLM and tool call.
	// Guarded by runMu because Interrupt cancels it from outside the
	// actor goroutine — deliberately before the interrupted flag is set,
	// so no in-flight update can complete after the interrupt.
	runMu     sync.Mutex
	runCtx    context.Context
	runCancel context.CancelFunc

	baseCtx context.Context
	done    chan struct{}
}

type command interface{ apply(ctx context.Context, m *Manager) }

type cmdStart struct {
	task  string
	reply chan error
}
type cmdAgentResponse struct {
	speaker string
	resp    *agent.Response
	err     error
}
type cmdInterrupt struct{ reply chan struct{} }
type cmdUserDirected struct {
	target  string
	content string
	trim    int
	reply   chan error
}
type cmdTerminate struct {
	reason string
	reply  chan error
}
type cmdReset struct{ reply chan error }
type cmdSaveState struct{ reply chan saveStateReply }
type cmdLoadState struct {
	state *State
	reply chan error
}

type saveStateReply struct {
	state *State
	err   error
}

// New creates a manager. Run must be called before any command is issued.
func New(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:   cfg,
		inbox: make(chan command, 64),
		done:  make(chan struct{}),
	}, nil
}

// Run processes commands until ctx is cancelled. It must be called exactly
// once, on its own goroutine.
func (m *Manager) Run(ctx context.Context) {
	m.baseCtx = ctx
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.cancelRun()
			return
		case cmd := <-m.inbox:
			cmd.apply(ctx, m)
		}
	}
}

// Done is closed when the manager's Run loop has exited.
func (m *Manager) Done() <-chan struct{} { return m.done }

// ── Public command API ──────────────────────────────────────────

// Start publishes the initial user task and triggers the first selection.
func (m *Manager) Start(task string) error {
	reply := make(chan error, 1)
	m.post(cmdStart{task: task, reply: reply})
	return <-reply
}

// Interrupt pauses the run: it cancels in-flight LLM/tool work, rejects
// pending human-input requests and emits a non-terminal stop message.
// Interrupt never fails.
func (m *Manager) Interrupt() {
	// Cancel the run token before the actor observes the interrupt so an
	// in-flight state update cannot complete after the snapshot it would
	// have invalidated.
	m.cancelRun()
	reply := make(chan struct{}, 1)
	m.post(cmdInterrupt{reply: reply})
	<-reply
}

// SendUserDirected resumes the run with a human message routed to target,
// optionally trimming the thread tail first.
func (m *Manager) SendUserDirected(target, content string, trimCount int) error {
	reply := make(chan error, 1)
	m.post(cmdUserDirected{target: target, content: content, trim: trimCount, reply: reply})
	return <-reply
}

// Terminate ends the run with a completed status.
func (m *Manager) Terminate(reason string) error {
	reply := make(chan error, 1)
	m.post(cmdTerminate{reason: reason, reply: reply})
	return <-reply
}

// Reset clears the thread, participant contexts, termination state and
// plugin snapshots.
func (m *Manager) Reset() error {
	reply := make(chan error, 1)
	m.post(cmdReset{reply: reply})
	return <-reply
}

// SaveState serialises the thread, selection metadata and plugin states.
func (m *Manager) SaveState() (*State, error) {
	reply := make(chan saveStateReply, 1)
	m.post(cmdSaveState{reply: reply})
	r := <-reply
	return r.state, r.err
}

// LoadState restores a previously saved state, replaying the thread into
// the participants' buffers.
func (m *Manager) LoadState(state *State) error {
	reply := make(chan error, 1)
	m.post(cmdLoadState{state: state, reply: reply})
	return <-reply
}

func (m *Manager) post(cmd command) {
	select {
	case m.inbox <- cmd:
	case <-m.done:
		// Manager stopped; unblock any waiter with a closed-channel read.
		if r, ok := cmd.(interface{ fail(err error) }); ok {
			r.fail(ErrNotRunning)
		}
	}
}

func (c cmdStart) fail(err error)        { c.reply <- err }
func (c cmdUserDirected) fail(err error) { c.reply <- err }
func (c cmdTerminate) fail(err error)    { c.reply <- err }
func (c cmdReset) fail(err error)        { c.reply <- err }
func (c cmdLoadState) fail(err error)    { c.reply <- err }
func (c cmdSaveState) fail(err error)    { c.reply <- saveStateReply{err: err} }
func (c cmdInterrupt) fail(error)        { c.reply <- struct{}{} }

// ── Command handlers (actor goroutine only) ─────────────────────

func (c cmdStart) apply(ctx context.Context, m *Manager) {
	if m.started && !m.terminated {
		c.reply <- fmt.Errorf("%w: run already in progress", ErrValidation)
		return
	}
	m.started = true
	m.terminated = false
	m.interrupted = false
	m.turnCount = 0
	for _, t := range m.cfg.Termination {
		t.Reset()
	}
	m.freshRunContext()

	task := &models.ChatMessage{Source: UserSource, Content: c.task, ID: uuid.New().String()}
	m.appendEvent(ctx, task)
	m.deliverToAll(task)
	c.reply <- nil

	m.selectAndDispatch(ctx)
}

func (c cmdInterrupt) apply(ctx context.Context, m *Manager) {
	m.interrupted = true
	m.activeSpeaker = ""
	if m.cfg.InputQueue != nil {
		m.cfg.InputQueue.CancelAll()
	}
	m.appendEvent(ctx, &models.StopMessage{Source: "manager", Content: models.UserInterruptContent})
	c.reply <- struct{}{}
}

func (c cmdUserDirected) apply(ctx context.Context, m *Manager) {
	if !m.started {
		c.reply <- ErrNotRunning
		return
	}
	if strings.TrimSpace(c.content) == "" {
		c.reply <- fmt.Errorf("%w: message content is empty", ErrValidation)
		return
	}
	if !m.isParticipant(c.target) {
		c.reply <- fmt.Errorf("%w: unknown target agent %q", ErrValidation, c.target)
		return
	}
	if c.trim < 0 {
		c.reply <- fmt.Errorf("%w: trim count must be non-negative, got %d", ErrValidation, c.trim)
		return
	}

	m.interrupted = false
	m.terminated = false
	m.freshRunContext()

	if c.trim > 0 {
		plan, err := TranslateTrim(m.thread, c.trim, m.participantNames())
		if err != nil {
			c.reply <- fmt.Errorf("%w: %v", ErrValidation, err)
			return
		}
		m.thread = m.thread[:len(m.thread)-plan.EntriesToTrim]
		for _, p := range m.cfg.Participants {
			p.TrimBuffer(plan.AgentTrimUp(p.Name()))
		}
		for _, plg := range m.cfg.Plugins {
			if err := plg.OnBranch(ctx, c.trim, len(m.thread)); err != nil {
				slog.Warn("Plugin branch hook failed", "plugin", plg.Name(), "error", err)
			}
		}
	}

	msg := &models.ChatMessage{Source: UserSource, Content: c.content, ID: uuid.New().String()}
	m.appendEvent(ctx, msg)
	for _, plg := range m.cfg.Plugins {
		if err := plg.OnUserMessage(m.currentRunContext(), msg, true, c.target); err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			slog.Warn("Plugin user-message hook failed", "plugin", plg.Name(), "error", err)
		}
	}
	m.deliverToAll(msg)
	c.reply <- nil

	m.dispatch(c.target)
}

func (c cmdTerminate) apply(ctx context.Context, m *Manager) {
	if !m.started || m.terminated {
		c.reply <- ErrNotRunning
		return
	}
	m.finish(ctx, c.reason, "")
	c.reply <- nil
}

func (c cmdReset) apply(_ context.Context, m *Manager) {
	m.cancelRun()
	m.thread = nil
	m.previousSpeaker = ""
	m.activeSpeaker = ""
	m.turnCount = 0
	m.interrupted = false
	m.terminated = false
	m.started = false
	for _, t := range m.cfg.Termination {
		t.Reset()
	}
	for _, p := range m.cfg.Participants {
		p.Reset()
	}
	for _, plg := range m.cfg.Plugins {
		if err := plg.LoadState(json.RawMessage(`{}`)); err != nil {
			// Plugins tolerate an empty state blob; anything else is a bug.
			slog.Warn("Plugin reset failed", "plugin", plg.Name(), "error", err)
		}
	}
	c.reply <- nil
}

func (c cmdSaveState) apply(_ context.Context, m *Manager) {
	state, err := m.saveState()
	c.reply <- saveStateReply{state: state, err: err}
}

func (c cmdLoadState) apply(_ context.Context, m *Manager) {
	c.reply <- m.loadState(c.state)
}

func (c cmdAgentResponse) apply(ctx context.Context, m *Manager) {
	if m.activeSpeaker != c.speaker {
		// A response from a speaker that was cancelled or superseded.
		slog.Debug("Dropping stale agent response", "speaker", c.speaker)
		return
	}
	m.activeSpeaker = ""

	if c.err != nil {
		if errors.Is(c.err, context.Canceled) || errors.Is(c.err, inputs.ErrCancelled) {
			// Interrupt (or reset) cancelled the turn; the stop message
			// has already been emitted.
			return
		}
		m.finish(ctx, "participant response failed", c.err.Error())
		return
	}

	delta := make([]models.Event, 0, len(c.resp.InnerMessages)+1)
	for _, inner := range c.resp.InnerMessages {
		m.appendEvent(ctx, inner)
		delta = append(delta, inner)
	}
	final := c.resp.ChatMessage
	m.appendEvent(ctx, final)
	delta = append(delta, final)

	m.deliverToOthers(final, c.speaker)
	m.previousSpeaker = c.speaker
	m.turnCount++

	if m.interrupted {
		return
	}
	for _, t := range m.cfg.Termination {
		if reason, done := t.Met(delta); done {
			m.finish(ctx, reason, "")
			return
		}
	}
	if m.cfg.MaxTurns > 0 && m.turnCount >= m.cfg.MaxTurns {
		m.finish(ctx, fmt.Sprintf("maximum turns (%d) reached", m.cfg.MaxTurns), "")
		return
	}

	m.selectAndDispatch(ctx)
}

// ── Internals (actor goroutine only) ────────────────────────────

// appendEvent appends to the thread, runs plugin on_message_added hooks
// serially, and forwards the event to observers. Plugin failures are
// logged; cancellation short-circuits the remaining hooks.
func (m *Manager) appendEvent(_ context.Context, e models.Event) {
	m.thread = append(m.thread, e)
	runCtx := m.currentRunContext()
	for _, plg := range m.cfg.Plugins {
		if err := plg.OnMessageAdded(runCtx, e, m.thread); err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			slog.Warn("Plugin message hook failed", "plugin", plg.Name(), "error", err)
		}
	}
	if m.cfg.Emit != nil {
		m.cfg.Emit(e)
	}
}

func (m *Manager) selectAndDispatch(ctx context.Context) {
	runCtx := m.currentRunContext()
	name, err := m.selectSpeaker(runCtx)
	if err != nil {
		if errors.Is(err, context.Canceled) && m.interrupted {
			return
		}
		m.finish(ctx, "speaker selection failed", err.Error())
		return
	}
	m.dispatch(name)
}

// dispatch spawns the selected participant's response. The goroutine posts
// the result back to the inbox so thread mutations stay on the actor.
func (m *Manager) dispatch(name string) {
	responder := m.participant(name)
	if responder == nil {
		m.finish(m.baseCtx, "internal error", fmt.Sprintf("dispatched unknown participant %q", name))
		return
	}
	m.activeSpeaker = name
	vars := m.agentVars()
	runCtx := m.currentRunContext()

	go func() {
		resp, err := responder.Respond(runCtx, vars, m.cfg.Emit)
		select {
		case m.inbox <- cmdAgentResponse{speaker: name, resp: resp, err: err}:
		case <-m.done:
		}
	}()
}

// finish emits the structured termination event and resets turn state.
// The session is preserved: a later user-directed message may branch and
// resume.
func (m *Manager) finish(_ context.Context, reason, errMsg string) {
	status := models.RunStatusCompleted
	if m.interrupted {
		status = models.RunStatusInterrupted
	}
	m.appendEvent(m.baseCtx, &models.Termination{
		Status: status,
		Reason: reason,
		Source: "manager",
		Error:  errMsg,
	})
	m.terminated = true
	m.activeSpeaker = ""
	m.turnCount = 0
	for _, t := range m.cfg.Termination {
		t.Reset()
	}
	m.cancelRun()
}

func (m *Manager) deliverToAll(msg *models.ChatMessage) {
	for _, p := range m.cfg.Participants {
		p.Deliver(msg)
	}
}

func (m *Manager) deliverToOthers(msg *models.ChatMessage, author string) {
	for _, p := range m.cfg.Participants {
		if p.Name() != author {
			p.Deliver(msg)
		}
	}
}

func (m *Manager) agentVars() agent.StateVars {
	vars := agent.StateVars{
		"participant_names": strings.Join(m.participantNames(), ", "),
	}
	for _, plg := range m.cfg.Plugins {
		for k, v := range plg.StateForAgent() {
			vars[k] = v
		}
	}
	return vars
}

func (m *Manager) participant(name string) agent.Responder {
	for _, p := range m.cfg.Participants {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

func (m *Manager) isParticipant(name string) bool {
	return m.participant(name) != nil
}

func (m *Manager) participantNames() []string {
	names := make([]string, len(m.cfg.Participants))
	for i, p := range m.cfg.Participants {
		names[i] = p.Name()
	}
	return names
}

// ── Run-context management ──────────────────────────────────────

func (m *Manager) freshRunContext() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.runCancel != nil {
		m.runCancel()
	}
	base := m.baseCtx
	if base == nil {
		base = context.Background()
	}
	m.runCtx, m.runCancel = context.WithCancel(base)
}

func (m *Manager) currentRunContext() context.Context {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.runCtx == nil {
		base := m.baseCtx
		if base == nil {
			base = context.Background()
		}
		m.runCtx, m.runCancel = context.WithCancel(base)
	}
	return m.runCtx
}

func (m *Manager) cancelRun() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.runCancel != nil {
		m.runCancel()
	}
}
