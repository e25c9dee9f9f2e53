package models

// Snapshot is a saved tuple of the three state strings at a message index.
// Snapshots are sparse: one is written only when at least one string
// changed since the previous snapshot.
type Snapshot struct {
	StateOfRun     string `json:"state_of_run"`
	ToolCallFacts  string `json:"tool_call_facts"`
	HandoffContext string `json:"handoff_context"`
}

// Equal reports whether two snapshots carry identical state strings.
func (s Snapshot) Equal(other Snapshot) bool {
	return s == other
}
