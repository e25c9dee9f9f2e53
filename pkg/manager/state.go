package manager

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/parleyhq/parley/pkg/models"
)

// State is the serialisable form of a manager: the thread, selection
// metadata and every plugin's saved state, keyed by plugin name.
type State struct {
	Thread          json.RawMessage            `json:"thread"`
	PreviousSpeaker string                     `json:"previous_speaker"`
	TurnCount       int                        `json:"turn_count"`
	Interrupted     bool                       `json:"interrupted"`
	Terminated      bool                       `json:"terminated"`
	PluginStates    map[string]json.RawMessage `json:"plugin_states"`
}

func (m *Manager) saveState() (*State, error) {
	thread, err := models.MarshalThread(m.thread)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal thread: %w", err)
	}
	state := &State{
		Thread:          thread,
		PreviousSpeaker: m.previousSpeaker,
		TurnCount:       m.turnCount,
		Interrupted:     m.interrupted,
		Terminated:      m.terminated,
		PluginStates:    make(map[string]json.RawMessage, len(m.cfg.Plugins)),
	}
	for _, p := range m.cfg.Plugins {
		blob, err := p.SaveState()
		if err != nil {
			return nil, fmt.Errorf("plugin %s failed to save state: %w", p.Name(), err)
		}
		state.PluginStates[p.Name()] = blob
	}
	return state, nil
}

// loadState restores the thread and replays its chat messages into the
// participants' buffers. Tool request/execution pairs are not replayed:
// they were consumed by their author's conversation the turn they ran.
func (m *Manager) loadState(state *State) error {
	thread, err := models.UnmarshalThread(state.Thread)
	if err != nil {
		return fmt.Errorf("failed to unmarshal thread: %w", err)
	}

	m.thread = thread
	m.previousSpeaker = state.PreviousSpeaker
	m.turnCount = state.TurnCount
	m.interrupted = state.Interrupted
	m.terminated = state.Terminated
	m.activeSpeaker = ""
	m.started = len(thread) > 0

	for _, p := range m.cfg.Participants {
		p.Reset()
	}
	for _, e := range thread {
		msg, ok := e.(*models.ChatMessage)
		if !ok {
			continue
		}
		for _, p := range m.cfg.Participants {
			p.Deliver(msg)
		}
	}

	for _, p := range m.cfg.Plugins {
		blob, ok := state.PluginStates[p.Name()]
		if !ok {
			slog.Warn("No saved state for plugin, skipping", "plugin", p.Name())
			continue
		}
		if err := p.LoadState(blob); err != nil {
			return fmt.Errorf("plugin %s failed to load state: %w", p.Name(), err)
		}
	}
	return nil
}
