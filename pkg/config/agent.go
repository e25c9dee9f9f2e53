// Package config provides configuration management for Parley: agents,
// the team definition, MCP servers and LLM providers, loaded from a
// config directory with environment expansion and validation.
package config

import (
	"fmt"
	"sort"
	"sync"
)

// AgentConfig defines one LLM-backed participant.
type AgentConfig struct {
	// Human-readable display name; defaults to the agent's key.
	DisplayName string `yaml:"display_name,omitempty"`

	// Description is shown to the selector LLM when routing turns.
	Description string `yaml:"description"`

	// SystemPrompt is a Go template; plugin state variables
	// (state_of_run, tool_call_facts, handoff_context, feedback_context)
	// and participant_names are available.
	SystemPrompt string `yaml:"system_prompt"`

	// LLMProvider names an entry in llm-providers.yaml. Empty uses the
	// team default.
	LLMProvider string `yaml:"llm_provider,omitempty"`

	// MCPServers this agent may call tools on. Empty = no tools.
	MCPServers []string `yaml:"mcp_servers,omitempty"`

	// Tools whitelists tool names per server. A server missing from the
	// map exposes all of its tools.
	Tools map[string][]string `yaml:"tools,omitempty"`

	// MaxToolRounds bounds tool-call cycles within one turn. 0 = default.
	MaxToolRounds int `yaml:"max_tool_rounds,omitempty"`
}

// AgentRegistry stores agent configurations in memory with thread-safe access
type AgentRegistry struct {
	agents map[string]*AgentConfig
	mu     sync.RWMutex
}

// NewAgentRegistry creates a new agent registry
func NewAgentRegistry(agents map[string]*AgentConfig) *AgentRegistry {
	copied := make(map[string]*AgentConfig, len(agents))
	for k, v := range agents {
		copied[k] = v
	}
	return &AgentRegistry{agents: copied}
}

// Get retrieves an agent configuration by name (thread-safe)
func (r *AgentRegistry) Get(name string) (*AgentConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, exists := r.agents[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return agent, nil
}

// GetAll returns all agent configurations (thread-safe, returns copy)
func (r *AgentRegistry) GetAll() map[string]*AgentConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*AgentConfig, len(r.agents))
	for k, v := range r.agents {
		result[k] = v
	}
	return result
}

// Has checks if an agent exists in the registry (thread-safe)
func (r *AgentRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.agents[name]
	return exists
}

// Names returns a sorted list of registered agent names.
func (r *AgentRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of agents in the registry (thread-safe)
func (r *AgentRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
