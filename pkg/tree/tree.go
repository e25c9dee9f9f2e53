// Package tree maintains the branching conversation history: a rooted tree
// of message and tool nodes with an active path, plus JSON persistence.
//
// The tree is not safe for concurrent use. The group-chat manager owns it
// and serialises all access through its inbox; see pkg/manager.
package tree

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/pkg/models"
)

// UserAgentName is the agent name recorded for the human participant on
// the root topic node and on directed-message branch nodes.
const UserAgentName = "You"

// ErrTrimExceedsRoot is returned when a branch request asks to trim more
// message nodes than exist between the cursor and the root.
var ErrTrimExceedsRoot = fmt.Errorf("trim count exceeds message depth of current branch")

// Tree is the conversation tree: an arena of nodes keyed by id, a live
// cursor, and the id of the branch the cursor is on.
type Tree struct {
	RootID          string           `json:"root_id"`
	CurrentBranchID string           `json:"current_branch_id"`
	Nodes           map[string]*Node `json:"nodes"`

	// currentNodeID is the latest active leaf. Not persisted directly;
	// recomputed on load as the last active node along CurrentBranchID.
	currentNodeID string
}

// New creates an empty tree. Call InitializeRoot before adding nodes.
func New() *Tree {
	return &Tree{Nodes: make(map[string]*Node)}
}

// CurrentNodeID returns the id of the latest active leaf, or "" for an
// empty tree.
func (t *Tree) CurrentNodeID() string {
	return t.currentNodeID
}

// InitializeRoot creates the root topic node for the initial user task.
// Returns an error if the tree already has a root.
func (t *Tree) InitializeRoot(topic string) (*Node, error) {
	if t.RootID != "" {
		return nil, fmt.Errorf("tree already has a root node %s", t.RootID)
	}
	branchID := uuid.New().String()
	root := &Node{
		ID:          uuid.New().String(),
		AgentName:   UserAgentName,
		DisplayName: UserAgentName,
		Content:     topic,
		IsActive:    true,
		BranchID:    branchID,
		Timestamp:   time.Now().UTC(),
		NodeType:    NodeTypeMessage,
	}
	t.RootID = root.ID
	t.CurrentBranchID = branchID
	t.Nodes[root.ID] = root
	t.currentNodeID = root.ID
	return root, nil
}

// AddNode appends a node as a child of the current node and advances the
// cursor. The new node inherits the current branch id.
func (t *Tree) AddNode(agentName, displayName, content string, nodeType NodeType) (*Node, error) {
	parent, err := t.Current()
	if err != nil {
		return nil, err
	}
	node := &Node{
		ID:          uuid.New().String(),
		AgentName:   agentName,
		DisplayName: displayName,
		Content:     content,
		ParentID:    parent.ID,
		IsActive:    true,
		BranchID:    t.CurrentBranchID,
		Timestamp:   time.Now().UTC(),
		NodeType:    nodeType,
	}
	parent.Children = append(parent.Children, node.ID)
	t.Nodes[node.ID] = node
	t.currentNodeID = node.ID
	return node, nil
}

// AddToolPair appends a tool_call node and its tool_execution node for a
// request/execution pair, advancing the cursor past both.
func (t *Tree) AddToolPair(req *models.ToolCallRequest, exec *models.ToolCallExecution) (callNode, execNode *Node, err error) {
	callNode, err = t.AddNode(req.Source, req.Source, formatToolCalls(req), NodeTypeToolCall)
	if err != nil {
		return nil, nil, err
	}
	execNode, err = t.AddNode(exec.Source, exec.Source, formatToolResults(exec), NodeTypeToolExecution)
	if err != nil {
		return nil, nil, err
	}
	return callNode, execNode, nil
}

// CreateBranch abandons the tail of the current branch and attaches a new
// user message node at the branch point.
//
// trimCount counts message nodes only: the walk from the cursor skips
// trimCount message ancestors (tool nodes ride along for free) to find the
// branch point. The departing child of the branch point and all its
// descendants are marked inactive, the new node becomes the cursor, and
// the branch id is rotated. trimCount 0 attaches the new node under the
// cursor without deactivating anything.
func (t *Tree) CreateBranch(trimCount int, userContent string) (*Node, error) {
	if trimCount < 0 {
		return nil, fmt.Errorf("trim count must be non-negative, got %d", trimCount)
	}
	cursor, err := t.Current()
	if err != nil {
		return nil, err
	}

	// 1. Walk up skipping trimCount message nodes.
	branchPoint := cursor
	for i := 0; i < trimCount; i++ {
		for branchPoint.NodeType != NodeTypeMessage {
			if branchPoint.IsRoot() {
				return nil, ErrTrimExceedsRoot
			}
			branchPoint = t.Nodes[branchPoint.ParentID]
		}
		if branchPoint.IsRoot() {
			return nil, ErrTrimExceedsRoot
		}
		branchPoint = t.Nodes[branchPoint.ParentID]
	}
	// A tool node cannot be a branch point: a pair sitting above the last
	// trimmed message is abandoned together with it.
	for trimCount > 0 && branchPoint.NodeType != NodeTypeMessage {
		if branchPoint.IsRoot() {
			return nil, ErrTrimExceedsRoot
		}
		branchPoint = t.Nodes[branchPoint.ParentID]
	}

	// 2. Deactivate the abandoned subtree below the branch point.
	if trimCount > 0 {
		departing := t.childOnPathTo(branchPoint, cursor)
		if departing != nil {
			t.deactivateSubtree(departing)
		}
	}

	// 3. Attach the new user node on a fresh branch.
	branchID := uuid.New().String()
	node := &Node{
		ID:          uuid.New().String(),
		AgentName:   UserAgentName,
		DisplayName: UserAgentName,
		Content:     userContent,
		ParentID:    branchPoint.ID,
		IsActive:    true,
		BranchID:    branchID,
		Timestamp:   time.Now().UTC(),
		NodeType:    NodeTypeMessage,
	}
	branchPoint.Children = append(branchPoint.Children, node.ID)
	t.Nodes[node.ID] = node
	t.CurrentBranchID = branchID
	t.currentNodeID = node.ID
	return node, nil
}

// Find returns the node with the given id.
func (t *Tree) Find(id string) (*Node, bool) {
	n, ok := t.Nodes[id]
	return n, ok
}

// Current returns the node at the live cursor.
func (t *Tree) Current() (*Node, error) {
	n, ok := t.Nodes[t.currentNodeID]
	if !ok {
		return nil, fmt.Errorf("tree has no current node (root not initialized?)")
	}
	return n, nil
}

// Root returns the root node, or nil for an empty tree.
func (t *Tree) Root() *Node {
	return t.Nodes[t.RootID]
}

// ActivePath returns the nodes from root to the current node, inclusive.
func (t *Tree) ActivePath() []*Node {
	cursor, err := t.Current()
	if err != nil {
		return nil
	}
	var path []*Node
	for n := cursor; n != nil; n = t.Nodes[n.ParentID] {
		path = append(path, n)
		if n.IsRoot() {
			break
		}
	}
	// Reverse into root-first order.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// Ancestors returns the nodes above id, nearest first, ending at the root.
func (t *Tree) Ancestors(id string) ([]*Node, error) {
	n, ok := t.Nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s not found", id)
	}
	var out []*Node
	for !n.IsRoot() {
		n = t.Nodes[n.ParentID]
		out = append(out, n)
	}
	return out, nil
}

// Descendants returns every node below id in depth-first order.
func (t *Tree) Descendants(id string) ([]*Node, error) {
	n, ok := t.Nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s not found", id)
	}
	var out []*Node
	t.walkDepthFirst(n, func(d *Node) {
		if d.ID != n.ID {
			out = append(out, d)
		}
	})
	return out, nil
}

// Siblings returns the other children of id's parent.
func (t *Tree) Siblings(id string) ([]*Node, error) {
	n, ok := t.Nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s not found", id)
	}
	if n.IsRoot() {
		return nil, nil
	}
	parent := t.Nodes[n.ParentID]
	var out []*Node
	for _, childID := range parent.Children {
		if childID != id {
			out = append(out, t.Nodes[childID])
		}
	}
	return out, nil
}

// Subtree returns id's subtree in depth-first order, including id itself.
// maxDepth 0 means unlimited; 1 returns just the node, 2 adds its children,
// and so on.
func (t *Tree) Subtree(id string, maxDepth int) ([]*Node, error) {
	n, ok := t.Nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s not found", id)
	}
	var out []*Node
	var walk func(node *Node, depth int)
	walk = func(node *Node, depth int) {
		if maxDepth > 0 && depth > maxDepth {
			return
		}
		out = append(out, node)
		for _, childID := range node.Children {
			if child, ok := t.Nodes[childID]; ok {
				walk(child, depth+1)
			}
		}
	}
	walk(n, 1)
	return out, nil
}

// Size returns the total node count.
func (t *Tree) Size() int {
	return len(t.Nodes)
}

// childOnPathTo returns the child of parent that lies on the path down to
// target, or nil when target is not below parent.
func (t *Tree) childOnPathTo(parent, target *Node) *Node {
	for n := target; n != nil && !n.IsRoot(); n = t.Nodes[n.ParentID] {
		if n.ParentID == parent.ID {
			return n
		}
	}
	return nil
}

// deactivateSubtree marks n and every descendant inactive.
func (t *Tree) deactivateSubtree(n *Node) {
	t.walkDepthFirst(n, func(d *Node) { d.IsActive = false })
}

func (t *Tree) walkDepthFirst(n *Node, visit func(*Node)) {
	visit(n)
	for _, childID := range n.Children {
		if child, ok := t.Nodes[childID]; ok {
			t.walkDepthFirst(child, visit)
		}
	}
}

func formatToolCalls(req *models.ToolCallRequest) string {
	out := ""
	for i, c := range req.Calls {
		if i > 0 {
			out += "\n"
		}
		out += fmt.Sprintf("%s(%s)", c.Name, c.Arguments)
	}
	return out
}

func formatToolResults(exec *models.ToolCallExecution) string {
	out := ""
	for i, r := range exec.Results {
		if i > 0 {
			out += "\n"
		}
		out += r.Content
	}
	return out
}
