package agent

import (
	"context"
	"fmt"

	"github.com/parleyhq/parley/pkg/inputs"
	"github.com/parleyhq/parley/pkg/models"
)

// UserProxy is the human participant's stand-in. Instead of calling an
// LLM, Respond raises a UserInputRequested event through the input queue
// and blocks until an observer answers (or the run is interrupted).
type UserProxy struct {
	name        string
	description string
	queue       *inputs.Queue

	conversation []models.ChatMessage
	bufferLen    int
}

// NewUserProxy creates the user-proxy responder.
func NewUserProxy(name, description string, queue *inputs.Queue) *UserProxy {
	return &UserProxy{name: name, description: description, queue: queue}
}

func (p *UserProxy) Name() string        { return p.name }
func (p *UserProxy) Description() string { return p.description }

func (p *UserProxy) Deliver(msg *models.ChatMessage) {
	p.conversation = append(p.conversation, *msg)
	if msg.Source == p.name {
		p.bufferLen = 0
	} else {
		p.bufferLen++
	}
}

func (p *UserProxy) Reset() {
	p.conversation = nil
	p.bufferLen = 0
}

func (p *UserProxy) TrimBuffer(k int) {
	if k <= 0 {
		return
	}
	if k > p.bufferLen {
		k = p.bufferLen
	}
	p.conversation = p.conversation[:len(p.conversation)-k]
	p.bufferLen -= k
}

// Respond asks the human for input. The prompt includes the most recent
// agent message and, when the analysis plugin forced this turn, the
// feedback context it stashed in vars.
func (p *UserProxy) Respond(ctx context.Context, vars StateVars, _ func(models.Event)) (*Response, error) {
	prompt := "Your input is requested."
	if len(p.conversation) > 0 {
		last := p.conversation[len(p.conversation)-1]
		prompt = fmt.Sprintf("%s said:\n%s\n\nYour response?", last.Source, last.Content)
	}
	if feedback := vars["feedback_context"]; feedback != "" {
		prompt = feedback + "\n\n" + prompt
	}

	answer, err := p.queue.Request(ctx, prompt, p.name, "")
	if err != nil {
		return nil, fmt.Errorf("user proxy %s: %w", p.name, err)
	}

	final := &models.ChatMessage{Source: p.name, Content: answer, ID: newMessageID()}
	p.conversation = append(p.conversation, *final)
	p.bufferLen = 0
	return &Response{ChatMessage: final}, nil
}
