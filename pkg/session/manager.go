package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/events"
	"github.com/parleyhq/parley/pkg/inputs"
	"github.com/parleyhq/parley/pkg/llm"
	"github.com/parleyhq/parley/pkg/manager"
	"github.com/parleyhq/parley/pkg/mcp"
	"github.com/parleyhq/parley/pkg/models"
	"github.com/parleyhq/parley/pkg/plugins"
	"github.com/parleyhq/parley/pkg/tree"
)

// LLMFactory builds an LLM client for a provider. Overridable so tests can
// inject scripted clients.
type LLMFactory func(provider *config.LLMProviderConfig) (agent.LLMClient, error)

func defaultLLMFactory(provider *config.LLMProviderConfig) (agent.LLMClient, error) {
	return llm.NewClient(llm.Config{
		APIKey:      os.Getenv(provider.APIKeyEnv),
		BaseURL:     provider.BaseURL,
		Model:       provider.Model,
		Temperature: provider.Temperature,
		MaxTokens:   provider.MaxTokens,
	})
}

// Manager owns the live sessions: it assembles the team from configuration
// for each new session id, restores persisted sessions from disk, and
// hands sessions to the API layer.
type Manager struct {
	cfg        *config.Config
	mcpClient  *mcp.Client
	llmFactory LLMFactory

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates the session manager. factory nil uses the OpenAI
// client configured per provider.
func NewManager(cfg *config.Config, mcpClient *mcp.Client, factory LLMFactory) *Manager {
	if factory == nil {
		factory = defaultLLMFactory
	}
	return &Manager{
		cfg:        cfg,
		mcpClient:  mcpClient,
		llmFactory: factory,
		sessions:   make(map[string]*Session),
	}
}

// Get returns a live session by id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// GetOrCreate returns the live session for the id, building (and, when a
// state file exists, restoring) it on first use. created reports whether
// the session holds no prior conversation.
func (m *Manager) GetOrCreate(sessionID string) (s *Session, created bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[sessionID]; ok {
		return s, false, nil
	}

	s, err = m.buildSession(sessionID)
	if err != nil {
		return nil, false, err
	}

	created = true
	if s.statePath != "" {
		if data, readErr := os.ReadFile(s.statePath); readErr == nil {
			if restoreErr := s.restore(data); restoreErr != nil {
				slog.Warn("Failed to restore persisted session, starting fresh",
					"session_id", sessionID, "error", restoreErr)
			} else {
				created = false
				slog.Info("Restored persisted session",
					"session_id", sessionID, "tree_size", s.tree.Size())
			}
		}
	}

	m.sessions[sessionID] = s
	return s, created, nil
}

// List returns the ids of all live sessions.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown persists and closes every live session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if s.statePath != "" {
			if err := s.Persist(); err != nil {
				slog.Error("Failed to persist session on shutdown",
					"session_id", s.ID, "error", err)
			}
		}
		s.Close()
	}
}

// ── Observer bootstrap data ─────────────────────────────────────

// TeamNames returns the configured team identifiers. A single team is
// supported today.
func (m *Manager) TeamNames() []string {
	return []string{"default"}
}

// AgentDetails describes every configured agent for observer bootstrap.
func (m *Manager) AgentDetails() []events.AgentDetail {
	team := m.cfg.Team
	details := make([]events.AgentDetail, 0, len(team.Participants))
	for _, name := range team.Participants {
		if name == team.UserProxy {
			details = append(details, events.AgentDetail{
				Name:        name,
				DisplayName: name,
				Description: team.UserProxyDescription,
			})
			continue
		}
		agentCfg, err := m.cfg.GetAgent(name)
		if err != nil {
			continue
		}
		details = append(details, events.AgentDetail{
			Name:        name,
			DisplayName: agentCfg.DisplayName,
			Description: agentCfg.Description,
		})
	}
	return details
}

// ParticipantNames returns the team roster in speaking-priority order.
func (m *Manager) ParticipantNames() []string {
	return append([]string(nil), m.cfg.Team.Participants...)
}

// ── Team assembly ───────────────────────────────────────────────

func (m *Manager) buildSession(sessionID string) (*Session, error) {
	s := &Session{
		ID:           sessionID,
		tree:         tree.New(),
		observers:    make(map[string]*events.Connection),
		msgNodes:     make(map[string]string),
		displayNames: make(map[string]string),
	}
	s.inputQueue = inputs.NewQueue(s.handleEvent)

	selProvider, err := m.cfg.SelectorProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve selector provider: %w", err)
	}
	selLLM, err := m.llmFactory(selProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to build selector llm client: %w", err)
	}
	s.selectorLLM = selLLM

	team := m.cfg.Team
	var userSources []string
	if team.UserProxy != "" {
		userSources = append(userSources, team.UserProxy)
	}

	s.stateCtx = plugins.NewStateContext(plugins.StateContextConfig{
		LLM:                        selLLM,
		UpdateStateOnHumanMessages: team.UpdateStateOnHuman(),
		UserSources:                userSources,
		Emit:                       s.handleEvent,
	})
	pluginList := []plugins.Plugin{s.stateCtx}

	if team.Analysis != nil {
		threshold := team.Analysis.Threshold
		if threshold == 0 {
			threshold = config.DefaultAnalysisThreshold
		}
		components := make([]models.Component, 0, len(team.Analysis.Components))
		for _, c := range team.Analysis.Components {
			components = append(components, models.Component{
				Label:       c.Label,
				Description: c.Description,
				Color:       models.ColorForLabel(c.Label),
			})
		}
		s.watchlist = plugins.NewAnalysisWatchlist(plugins.WatchlistConfig{
			LLM:           selLLM,
			Components:    components,
			Threshold:     threshold,
			UserProxyName: team.UserProxy,
			UserSources:   userSources,
			ContextState:  s.stateCtx.State,
			Emit:          s.handleEvent,
		})
		s.components = components
		pluginList = append(pluginList, s.watchlist)
	}

	participants := make([]agent.Responder, 0, len(team.Participants))
	for _, name := range team.Participants {
		if name == team.UserProxy {
			participants = append(participants,
				agent.NewUserProxy(name, team.UserProxyDescription, s.inputQueue))
			s.displayNames[name] = name
			continue
		}

		agentCfg, err := m.cfg.GetAgent(name)
		if err != nil {
			return nil, fmt.Errorf("failed to assemble team: %w", err)
		}
		provider, err := m.cfg.ProviderForAgent(agentCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve provider for agent %s: %w", name, err)
		}
		client, err := m.llmFactory(provider)
		if err != nil {
			return nil, fmt.Errorf("failed to build llm client for agent %s: %w", name, err)
		}

		var toolExec agent.ToolExecutor
		if len(agentCfg.MCPServers) > 0 {
			toolExec = mcp.NewWorkbench(m.mcpClient, agentCfg.MCPServers, agentCfg.Tools)
		}

		participants = append(participants, agent.NewContainer(agent.ContainerConfig{
			Name:          name,
			DisplayName:   agentCfg.DisplayName,
			Description:   agentCfg.Description,
			SystemPrompt:  agentCfg.SystemPrompt,
			LLM:           client,
			Tools:         toolExec,
			MaxToolRounds: agentCfg.MaxToolRounds,
		}))
		s.displayNames[name] = agentCfg.DisplayName
	}

	var conditions []manager.TerminationCondition
	if team.TerminationKeyword != "" {
		conditions = append(conditions, manager.NewKeywordTermination(team.TerminationKeyword))
	}

	mgr, err := manager.New(manager.Config{
		Participants:         participants,
		Termination:          conditions,
		MaxTurns:             team.MaxTurns,
		SelectorPrompt:       team.SelectorPrompt,
		SelectorLLM:          selLLM,
		AllowRepeatedSpeaker: team.AllowRepeatedSpeaker,
		MaxSelectorAttempts:  team.MaxSelectorAttempts,
		Plugins:              pluginList,
		InputQueue:           s.inputQueue,
		Emit:                 s.handleEvent,
	})
	if err != nil {
		return nil, err
	}
	s.mgr = mgr

	if m.cfg.Server != nil && m.cfg.Server.SessionDir != "" {
		s.statePath = filepath.Join(m.cfg.Server.SessionDir, sessionID+".json")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go mgr.Run(ctx)
	return s, nil
}
