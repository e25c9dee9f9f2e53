package config

// TeamConfig defines the conversation team: which agents participate,
// how the manager selects speakers and when runs terminate.
type TeamConfig struct {
	// Participants lists agent names in speaking-priority order (required).
	Participants []string `yaml:"participants"`

	// UserProxy names the human stand-in participant. Empty = no human
	// in the loop.
	UserProxy string `yaml:"user_proxy,omitempty"`

	// UserProxyDescription is the selector-facing description of the
	// human participant.
	UserProxyDescription string `yaml:"user_proxy_description,omitempty"`

	// SelectorPrompt overrides the built-in speaker-selection template.
	SelectorPrompt string `yaml:"selector_prompt,omitempty"`

	// SelectorProvider names the LLM provider used for speaker selection
	// and plugin state updates. Empty uses the team default provider.
	SelectorProvider string `yaml:"selector_provider,omitempty"`

	// TerminationKeyword ends the run when an agent message contains it.
	TerminationKeyword string `yaml:"termination_keyword,omitempty"`

	// MaxTurns caps the run length. 0 = unlimited.
	MaxTurns int `yaml:"max_turns,omitempty"`

	// AllowRepeatedSpeaker lets the previous speaker be selected again.
	AllowRepeatedSpeaker bool `yaml:"allow_repeated_speaker,omitempty"`

	// MaxSelectorAttempts bounds LLM selection retries. 0 = default.
	MaxSelectorAttempts int `yaml:"max_selector_attempts,omitempty"`

	// UpdateStateOnHumanMessages controls whether human messages update
	// the state-of-run summary. nil = true. Handoff context always
	// updates on human messages regardless.
	UpdateStateOnHumanMessages *bool `yaml:"update_state_on_human_messages,omitempty"`

	// Analysis configures the watchlist plugin. nil = disabled.
	Analysis *AnalysisConfig `yaml:"analysis,omitempty"`
}

// AnalysisConfig configures the analysis watchlist.
type AnalysisConfig struct {
	// Components to score each agent message against. Empty components
	// with a non-empty Prompt are generated at session start.
	Components []ComponentConfig `yaml:"components,omitempty"`

	// Prompt is a free-form description used to generate components when
	// none are listed.
	Prompt string `yaml:"prompt,omitempty"`

	// Threshold (1-10) at or above which a component score hands control
	// to the user proxy. 0 = default (7).
	Threshold int `yaml:"threshold,omitempty"`
}

// ComponentConfig is one watchlist entry.
type ComponentConfig struct {
	Label       string `yaml:"label"`
	Description string `yaml:"description"`
}

// UpdateStateOnHuman resolves the human-update flag with its default.
func (t *TeamConfig) UpdateStateOnHuman() bool {
	if t.UpdateStateOnHumanMessages == nil {
		return true
	}
	return *t.UpdateStateOnHumanMessages
}
