package config

import (
	"fmt"
	"os"
)

// Validator validates configuration comprehensively with clear error
// messages. Fail-fast: validation stops at the first error.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll validates in dependency order: LLM providers → MCP servers
// → agents → team.
func (v *Validator) ValidateAll() error {
	if err := v.validateLLMProviders(); err != nil {
		return fmt.Errorf("LLM provider validation failed: %w", err)
	}
	if err := v.validateMCPServers(); err != nil {
		return fmt.Errorf("MCP server validation failed: %w", err)
	}
	if err := v.validateAgents(); err != nil {
		return fmt.Errorf("agent validation failed: %w", err)
	}
	if err := v.validateTeam(); err != nil {
		return fmt.Errorf("team validation failed: %w", err)
	}
	return nil
}

func (v *Validator) validateLLMProviders() error {
	if v.cfg.LLMProviderRegistry.Len() == 0 {
		return NewValidationError("llm_provider", "(none)", "",
			fmt.Errorf("%w: at least one LLM provider required", ErrMissingRequiredField))
	}
	for name, p := range v.cfg.LLMProviderRegistry.GetAll() {
		if p.Model == "" {
			return NewValidationError("llm_provider", name, "model", ErrMissingRequiredField)
		}
		if p.APIKeyEnv == "" {
			return NewValidationError("llm_provider", name, "api_key_env", ErrMissingRequiredField)
		}
		if os.Getenv(p.APIKeyEnv) == "" {
			return NewValidationError("llm_provider", name, "api_key_env",
				fmt.Errorf("environment variable %s is not set", p.APIKeyEnv))
		}
	}
	return nil
}

func (v *Validator) validateMCPServers() error {
	for id, server := range v.cfg.MCPServerRegistry.GetAll() {
		t := server.Transport
		if !t.Type.IsValid() {
			return NewValidationError("mcp_server", id, "transport.type",
				fmt.Errorf("%w: %s", ErrInvalidValue, t.Type))
		}
		switch t.Type {
		case TransportTypeStdio:
			if t.Command == "" {
				return NewValidationError("mcp_server", id, "transport.command", ErrMissingRequiredField)
			}
		case TransportTypeHTTP:
			if t.URL == "" {
				return NewValidationError("mcp_server", id, "transport.url", ErrMissingRequiredField)
			}
		}
	}
	return nil
}

func (v *Validator) validateAgents() error {
	for name, agent := range v.cfg.AgentRegistry.GetAll() {
		if agent.SystemPrompt == "" {
			return NewValidationError("agent", name, "system_prompt", ErrMissingRequiredField)
		}
		for _, serverID := range agent.MCPServers {
			if !v.cfg.MCPServerRegistry.Has(serverID) {
				return NewValidationError("agent", name, "mcp_servers",
					fmt.Errorf("MCP server '%s' not found", serverID))
			}
		}
		for serverID := range agent.Tools {
			found := false
			for _, s := range agent.MCPServers {
				if s == serverID {
					found = true
					break
				}
			}
			if !found {
				return NewValidationError("agent", name, "tools",
					fmt.Errorf("tool filter references server '%s' the agent does not use", serverID))
			}
		}
		if _, err := v.cfg.ProviderForAgent(agent); err != nil {
			return NewValidationError("agent", name, "llm_provider", err)
		}
	}
	return nil
}

func (v *Validator) validateTeam() error {
	team := v.cfg.Team
	if len(team.Participants) == 0 {
		return NewValidationError("team", "team", "participants",
			fmt.Errorf("%w: at least one participant required", ErrMissingRequiredField))
	}

	seen := make(map[string]bool, len(team.Participants))
	for _, name := range team.Participants {
		if seen[name] {
			return NewValidationError("team", "team", "participants",
				fmt.Errorf("duplicate participant '%s'", name))
		}
		seen[name] = true
	}

	// Proxy membership is checked before the registry pass: a misnamed
	// proxy would otherwise surface as "agent not found" on the name it
	// no longer exempts.
	if team.UserProxy != "" && !seen[team.UserProxy] {
		return NewValidationError("team", "team", "user_proxy",
			fmt.Errorf("user proxy '%s' is not listed in participants", team.UserProxy))
	}
	for _, name := range team.Participants {
		if name == team.UserProxy {
			continue
		}
		if !v.cfg.AgentRegistry.Has(name) {
			return NewValidationError("team", "team", "participants",
				fmt.Errorf("agent '%s' not found", name))
		}
	}

	if _, err := v.cfg.SelectorProvider(); err != nil {
		return NewValidationError("team", "team", "selector_provider", err)
	}

	if a := team.Analysis; a != nil {
		if a.Threshold < 0 || a.Threshold > 10 {
			return NewValidationError("team", "team", "analysis.threshold",
				fmt.Errorf("%w: must be between 1 and 10", ErrInvalidValue))
		}
		if len(a.Components) == 0 && a.Prompt == "" {
			return NewValidationError("team", "team", "analysis",
				fmt.Errorf("%w: either components or prompt required", ErrMissingRequiredField))
		}
		for i, comp := range a.Components {
			if comp.Label == "" {
				return NewValidationError("team", "team",
					fmt.Sprintf("analysis.components[%d].label", i), ErrMissingRequiredField)
			}
		}
		if a.Prompt != "" && team.UserProxy == "" {
			return NewValidationError("team", "team", "analysis",
				fmt.Errorf("analysis requires a user_proxy participant"))
		}
		if len(a.Components) > 0 && team.UserProxy == "" {
			return NewValidationError("team", "team", "analysis",
				fmt.Errorf("analysis requires a user_proxy participant"))
		}
	}
	return nil
}
