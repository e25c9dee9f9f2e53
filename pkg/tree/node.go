package tree

import "time"

// NodeType classifies a tree node. Only message nodes count toward trim
// depth; tool nodes ride along with the message that produced them.
type NodeType string

const (
	NodeTypeMessage       NodeType = "message"
	NodeTypeToolCall      NodeType = "tool_call"
	NodeTypeToolExecution NodeType = "tool_execution"
)

// Node is a single entry in the conversation tree. Nodes form an
// arena: ParentID and Children are id references into the tree's node map,
// never pointers, so the structure serialises directly and cannot cycle.
type Node struct {
	ID          string    `json:"id"`
	AgentName   string    `json:"agent_name"`
	DisplayName string    `json:"display_name"`
	Content     string    `json:"content"`
	Summary     string    `json:"summary,omitempty"`
	ParentID    string    `json:"parent_id,omitempty"`
	Children    []string  `json:"children"`
	IsActive    bool      `json:"is_active"`
	BranchID    string    `json:"branch_id"`
	Timestamp   time.Time `json:"timestamp"`
	NodeType    NodeType  `json:"node_type"`
}

// IsRoot reports whether the node is the tree root.
func (n *Node) IsRoot() bool {
	return n.ParentID == ""
}
