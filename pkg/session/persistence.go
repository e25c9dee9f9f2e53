package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/parleyhq/parley/pkg/manager"
	"github.com/parleyhq/parley/pkg/models"
	"github.com/parleyhq/parley/pkg/tree"
)

// sessionFile is the on-disk layout of a persisted session: the tree, the
// manager's serialised state (thread + plugin states) and the translation
// metadata needed to keep analysis updates mapped onto tree nodes.
type sessionFile struct {
	SessionID    string             `json:"session_id"`
	Tree         json.RawMessage    `json:"tree"`
	MessageNodes map[string]string  `json:"message_nodes"`
	Components   []models.Component `json:"components,omitempty"`
	Manager      *manager.State     `json:"manager"`
}

// Persist writes the session to its state file atomically. Safe to call
// from any goroutine; the manager state is captured through the actor.
func (s *Session) Persist() error {
	if s.statePath == "" {
		return fmt.Errorf("session %s has no state path configured", s.ID)
	}

	state, err := s.mgr.SaveState()
	if err != nil {
		return fmt.Errorf("failed to save manager state: %w", err)
	}

	s.mu.Lock()
	treeData, err := s.tree.Encode()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	msgNodes := make(map[string]string, len(s.msgNodes))
	for k, v := range s.msgNodes {
		msgNodes[k] = v
	}
	components := s.components
	s.mu.Unlock()

	data, err := json.MarshalIndent(sessionFile{
		SessionID:    s.ID,
		Tree:         treeData,
		MessageNodes: msgNodes,
		Components:   components,
		Manager:      state,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	tmp := s.statePath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.statePath), 0o755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.statePath); err != nil {
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}

// restore loads a previously persisted session into a freshly built one.
// The manager replays the thread into the participants' buffers; the tree
// and node mapping are restored directly.
func (s *Session) restore(data []byte) error {
	var file sessionFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to unmarshal session file: %w", err)
	}

	t, err := tree.Decode(file.Tree)
	if err != nil {
		return err
	}
	if err := s.mgr.LoadState(file.Manager); err != nil {
		return fmt.Errorf("failed to restore manager state: %w", err)
	}

	s.mu.Lock()
	s.tree = t
	if file.MessageNodes != nil {
		s.msgNodes = file.MessageNodes
	}
	if len(file.Components) > 0 {
		s.components = file.Components
	}
	s.mu.Unlock()
	return nil
}
