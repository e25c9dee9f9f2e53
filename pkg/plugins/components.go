package plugins

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/models"
)

const componentGenPrompt = `Generate a watchlist for monitoring a multi-agent conversation.

The user wants to watch for:
%s

Produce between 2 and 5 components. Each component has a short kebab-case
label and a one-sentence description of what to look for.
Reply with JSON: {"components": [{"label": "...", "description": "..."}]}`

const componentGenSchema = `{
  "type": "object",
  "properties": {
    "components": {
      "type": "array",
      "minItems": 2,
      "maxItems": 5,
      "items": {
        "type": "object",
        "properties": {
          "label": {"type": "string"},
          "description": {"type": "string"}
        },
        "required": ["label", "description"]
      }
    }
  },
  "required": ["components"]
}`

// GenerateComponents turns a free-form analysis prompt into 2–5 watchlist
// components via a one-shot LLM call. Colours are assigned
// deterministically by hashing each label.
func GenerateComponents(ctx context.Context, llm agent.LLMClient, analysisPrompt string) ([]models.Component, error) {
	stream, err := llm.Generate(ctx, &agent.GenerateInput{
		Messages: []agent.ConversationMessage{{
			Role:    agent.RoleUser,
			Content: fmt.Sprintf(componentGenPrompt, analysisPrompt),
		}},
		JSONSchema: componentGenSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("component generation llm call failed: %w", err)
	}
	result, err := agent.Collect(ctx, stream)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Components []struct {
			Label       string `json:"label"`
			Description string `json:"description"`
		} `json:"components"`
	}
	if err := json.Unmarshal(extractJSON(result.Text), &parsed); err != nil {
		return nil, fmt.Errorf("unparseable component generation response: %w", err)
	}
	if len(parsed.Components) < 2 || len(parsed.Components) > 5 {
		return nil, fmt.Errorf("expected 2-5 components, got %d", len(parsed.Components))
	}

	out := make([]models.Component, len(parsed.Components))
	for i, c := range parsed.Components {
		if c.Label == "" {
			return nil, fmt.Errorf("component %d has an empty label", i)
		}
		out[i] = models.Component{
			Label:       c.Label,
			Description: c.Description,
			Color:       models.ColorForLabel(c.Label),
		}
	}
	return out, nil
}
