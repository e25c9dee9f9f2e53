package models

import (
	"fmt"
	"hash/fnv"
)

// Component is a user-defined watchlist entry the analysis plugin scores
// agent messages against.
type Component struct {
	Label       string `json:"label"`
	Description string `json:"description"`
	Color       string `json:"color"`
}

// ComponentScore is a single component's score for one message.
type ComponentScore struct {
	Score     int    `json:"score"` // 1–10
	Reasoning string `json:"reasoning"`
}

// componentPalette holds the colours assigned to generated components.
// Chosen for contrast on the dashboard's dark theme.
var componentPalette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
}

// ColorForLabel deterministically assigns a colour to a component label.
// The same label always maps to the same colour across runs and sessions.
func ColorForLabel(label string) string {
	h := fnv.New32a()
	_, _ = fmt.Fprint(h, label)
	return componentPalette[h.Sum32()%uint32(len(componentPalette))]
}
