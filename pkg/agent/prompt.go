package agent

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/google/uuid"
)

// RenderPrompt expands a prompt template with the given state variables.
// Templates use Go template syntax over a flat map, e.g.:
//
//	You are coordinating {{.participant_names}}.
//	Current state of the run: {{.state_of_run}}
//
// Missing variables expand to the empty string so a prompt written before
// a plugin was registered still renders.
func RenderPrompt(tmpl string, vars StateVars) (string, error) {
	t, err := template.New("prompt").Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("invalid prompt template: %w", err)
	}
	if vars == nil {
		vars = StateVars{}
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, map[string]string(vars)); err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return buf.String(), nil
}

func newMessageID() string {
	return uuid.New().String()
}
