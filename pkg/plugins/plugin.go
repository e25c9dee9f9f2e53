// Package plugins implements the manager's hook-based extension layer:
// components that observe thread deltas, maintain the external state of the
// run, and may override speaker selection.
//
// Plugins are composed in registration order. OnBeforeSpeakerSelection
// short-circuits on the first non-empty return; all other hooks run for
// every plugin. Ordering is deterministic and registration-order dependent.
package plugins

import (
	"context"
	"encoding/json"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/models"
)

// Plugin is the hook set a manager extension implements.
type Plugin interface {
	// Name identifies the plugin in persisted state and logs.
	Name() string

	// OnMessageAdded runs after each thread append. thread includes the
	// new event as its last entry.
	OnMessageAdded(ctx context.Context, event models.Event, thread []models.Event) error

	// OnBeforeSpeakerSelection may force the next speaker. Returns "" to
	// leave selection to the next plugin or the selector.
	OnBeforeSpeakerSelection(ctx context.Context, thread []models.Event, candidates, participants []string) (string, error)

	// OnUserMessage runs inside SendUserDirected for every human message.
	OnUserMessage(ctx context.Context, msg *models.ChatMessage, directed bool, target string) error

	// OnBranch runs after a trim rewinds the thread to newLength entries.
	OnBranch(ctx context.Context, trimCount, newLength int) error

	// StateForAgent returns template variables injected into agent prompts.
	StateForAgent() agent.StateVars

	// StateForSelector returns template variables injected into the
	// selector prompt.
	StateForSelector() agent.StateVars

	// SaveState serialises the plugin's state for session persistence.
	SaveState() (json.RawMessage, error)

	// LoadState restores state produced by SaveState.
	LoadState(data json.RawMessage) error
}
