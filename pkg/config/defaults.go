package config

// Defaults contains system-wide default configurations applied when
// specific components don't specify their own values.
type Defaults struct {
	// LLM provider default for all agents and the selector
	LLMProvider string `yaml:"llm_provider,omitempty"`

	// Max tool-call rounds per agent turn
	MaxToolRounds int `yaml:"max_tool_rounds,omitempty"`

	// Max turns per run
	MaxTurns int `yaml:"max_turns,omitempty"`
}

// DefaultAnalysisThreshold is the score at or above which the watchlist
// hands control to the human.
const DefaultAnalysisThreshold = 7

// DefaultDefaults returns the built-in default values.
func DefaultDefaults() *Defaults {
	return &Defaults{
		MaxToolRounds: 10,
		MaxTurns:      40,
	}
}
