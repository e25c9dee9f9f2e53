package config

// Config is the umbrella configuration object returned by Initialize and
// used throughout the application.
type Config struct {
	configDir string

	// Server settings
	Server *ServerConfig

	// System-wide defaults
	Defaults *Defaults

	// Team definition
	Team *TeamConfig

	// Component registries
	AgentRegistry       *AgentRegistry
	MCPServerRegistry   *MCPServerRegistry
	LLMProviderRegistry *LLMProviderRegistry
}

// ServerConfig holds HTTP server and persistence settings.
type ServerConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`

	// SessionDir is where session state files are written.
	SessionDir string `yaml:"session_dir,omitempty"`

	// AllowedWSOrigins are additional WebSocket origin patterns.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins,omitempty"`
}

// Stats contains statistics about loaded configuration
type Stats struct {
	Agents       int
	MCPServers   int
	LLMProviders int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.AgentRegistry != nil {
		s.Agents = c.AgentRegistry.Len()
	}
	if c.MCPServerRegistry != nil {
		s.MCPServers = c.MCPServerRegistry.Len()
	}
	if c.LLMProviderRegistry != nil {
		s.LLMProviders = c.LLMProviderRegistry.Len()
	}
	return s
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// GetAgent retrieves an agent configuration by name.
func (c *Config) GetAgent(name string) (*AgentConfig, error) {
	return c.AgentRegistry.Get(name)
}

// GetMCPServer retrieves an MCP server configuration by ID.
func (c *Config) GetMCPServer(serverID string) (*MCPServerConfig, error) {
	return c.MCPServerRegistry.Get(serverID)
}

// GetLLMProvider retrieves an LLM provider configuration by name.
func (c *Config) GetLLMProvider(name string) (*LLMProviderConfig, error) {
	return c.LLMProviderRegistry.Get(name)
}

// ProviderForAgent resolves the provider an agent uses, falling back to
// the team default.
func (c *Config) ProviderForAgent(agent *AgentConfig) (*LLMProviderConfig, error) {
	name := agent.LLMProvider
	if name == "" {
		name = c.Defaults.LLMProvider
	}
	return c.LLMProviderRegistry.Get(name)
}

// SelectorProvider resolves the provider used for speaker selection and
// plugin state updates.
func (c *Config) SelectorProvider() (*LLMProviderConfig, error) {
	name := c.Team.SelectorProvider
	if name == "" {
		name = c.Defaults.LLMProvider
	}
	return c.LLMProviderRegistry.Get(name)
}
