package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// parleyYAMLConfig represents the complete parley.yaml file structure
type parleyYAMLConfig struct {
	Server     *ServerConfig              `yaml:"server"`
	Team       *TeamConfig                `yaml:"team"`
	Agents     map[string]AgentConfig     `yaml:"agents"`
	MCPServers map[string]MCPServerConfig `yaml:"mcp_servers"`
	Defaults   *Defaults                  `yaml:"defaults"`
}

// llmProvidersYAMLConfig represents the llm-providers.yaml file structure
type llmProvidersYAMLConfig struct {
	LLMProviders map[string]LLMProviderConfig `yaml:"llm_providers"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Load parley.yaml and llm-providers.yaml from configDir
//  2. Expand environment variables ({{.VAR}} syntax)
//  3. Merge user defaults over built-in defaults
//  4. Build in-memory registries
//  5. Validate all configuration and cross-references
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"agents", stats.Agents,
		"mcp_servers", stats.MCPServers,
		"llm_providers", stats.LLMProviders,
		"participants", len(cfg.Team.Participants))

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	parleyCfg, err := loader.loadParleyYAML()
	if err != nil {
		return nil, NewLoadError("parley.yaml", err)
	}

	llmProviders, err := loader.loadLLMProvidersYAML()
	if err != nil {
		return nil, NewLoadError("llm-providers.yaml", err)
	}

	// Merge user defaults over built-in defaults (non-zero values win).
	defaults := DefaultDefaults()
	if parleyCfg.Defaults != nil {
		if err := mergo.Merge(defaults, parleyCfg.Defaults, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge defaults: %w", err)
		}
	}

	server := parleyCfg.Server
	if server == nil {
		server = &ServerConfig{}
	}
	if server.Host == "" {
		server.Host = "0.0.0.0"
	}
	if server.Port == 0 {
		server.Port = 8000
	}
	if server.SessionDir == "" {
		server.SessionDir = "data/sessions"
	}

	team := parleyCfg.Team
	if team == nil {
		team = &TeamConfig{}
	}
	if team.MaxTurns == 0 {
		team.MaxTurns = defaults.MaxTurns
	}

	agents := make(map[string]*AgentConfig, len(parleyCfg.Agents))
	for name, a := range parleyCfg.Agents {
		agentCopy := a
		if agentCopy.DisplayName == "" {
			agentCopy.DisplayName = name
		}
		if agentCopy.MaxToolRounds == 0 {
			agentCopy.MaxToolRounds = defaults.MaxToolRounds
		}
		agents[name] = &agentCopy
	}

	mcpServers := make(map[string]*MCPServerConfig, len(parleyCfg.MCPServers))
	for id, s := range parleyCfg.MCPServers {
		serverCopy := s
		mcpServers[id] = &serverCopy
	}

	providers := make(map[string]*LLMProviderConfig, len(llmProviders))
	for name, p := range llmProviders {
		providerCopy := p
		providers[name] = &providerCopy
	}

	return &Config{
		configDir:           configDir,
		Server:              server,
		Defaults:            defaults,
		Team:                team,
		AgentRegistry:       NewAgentRegistry(agents),
		MCPServerRegistry:   NewMCPServerRegistry(mcpServers),
		LLMProviderRegistry: NewLLMProviderRegistry(providers),
	}, nil
}

func validate(cfg *Config) error {
	return NewValidator(cfg).ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return nil
}

func (l *configLoader) loadParleyYAML() (*parleyYAMLConfig, error) {
	var config parleyYAMLConfig
	config.Agents = make(map[string]AgentConfig)
	config.MCPServers = make(map[string]MCPServerConfig)

	if err := l.loadYAML("parley.yaml", &config); err != nil {
		return nil, err
	}
	return &config, nil
}

func (l *configLoader) loadLLMProvidersYAML() (map[string]LLMProviderConfig, error) {
	var config llmProvidersYAMLConfig
	config.LLMProviders = make(map[string]LLMProviderConfig)

	if err := l.loadYAML("llm-providers.yaml", &config); err != nil {
		return nil, err
	}
	return config.LLMProviders, nil
}
