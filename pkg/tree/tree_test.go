package tree

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/models"
)

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	tr := New()
	_, err := tr.InitializeRoot("investigate the outage")
	require.NoError(t, err)
	return tr
}

func TestInitializeRoot(t *testing.T) {
	tr := New()
	root, err := tr.InitializeRoot("topic")
	require.NoError(t, err)

	assert.Equal(t, root.ID, tr.RootID)
	assert.Equal(t, root.ID, tr.CurrentNodeID())
	assert.Equal(t, UserAgentName, root.AgentName)
	assert.Equal(t, root.BranchID, tr.CurrentBranchID)
	assert.True(t, root.IsActive)

	_, err = tr.InitializeRoot("again")
	assert.Error(t, err)
}

func TestAddNodeAdvancesCursor(t *testing.T) {
	tr := newTestTree(t)

	n1, err := tr.AddNode("planner", "Planner", "step one", NodeTypeMessage)
	require.NoError(t, err)
	n2, err := tr.AddNode("executor", "Executor", "doing it", NodeTypeMessage)
	require.NoError(t, err)

	assert.Equal(t, n2.ID, tr.CurrentNodeID())
	assert.Equal(t, n1.ID, n2.ParentID)
	assert.Equal(t, tr.RootID, n1.ParentID)
	assert.Equal(t, []string{n2.ID}, n1.Children)
	assert.Equal(t, 3, tr.Size())

	path := tr.ActivePath()
	require.Len(t, path, 3)
	assert.Equal(t, tr.RootID, path[0].ID)
	assert.Equal(t, n2.ID, path[2].ID)
}

func TestAddToolPair(t *testing.T) {
	tr := newTestTree(t)
	_, err := tr.AddNode("planner", "Planner", "calling tools", NodeTypeMessage)
	require.NoError(t, err)

	req := &models.ToolCallRequest{
		Source: "planner",
		Calls:  []models.ToolCall{{ID: "c1", Name: "k8s.get_pods", Arguments: `{"ns":"prod"}`}},
	}
	exec := &models.ToolCallExecution{
		Source:  "planner",
		Results: []models.ToolResult{{CallID: "c1", Name: "k8s.get_pods", Success: true, Content: "3 pods"}},
	}

	callNode, execNode, err := tr.AddToolPair(req, exec)
	require.NoError(t, err)

	assert.Equal(t, NodeTypeToolCall, callNode.NodeType)
	assert.Equal(t, NodeTypeToolExecution, execNode.NodeType)
	assert.Equal(t, callNode.ID, execNode.ParentID)
	assert.Equal(t, execNode.ID, tr.CurrentNodeID())
	assert.Contains(t, callNode.Content, "k8s.get_pods")
	assert.Contains(t, execNode.Content, "3 pods")
}

func TestCreateBranchZeroTrim(t *testing.T) {
	tr := newTestTree(t)
	n1, err := tr.AddNode("planner", "Planner", "answer", NodeTypeMessage)
	require.NoError(t, err)

	oldBranch := tr.CurrentBranchID
	node, err := tr.CreateBranch(0, "follow-up question")
	require.NoError(t, err)

	assert.Equal(t, n1.ID, node.ParentID)
	assert.NotEqual(t, oldBranch, tr.CurrentBranchID)
	assert.Equal(t, node.BranchID, tr.CurrentBranchID)
	// Nothing deactivated.
	for _, n := range tr.Nodes {
		assert.True(t, n.IsActive, "node %s should stay active", n.ID)
	}
}

func TestCreateBranchTrimsMessages(t *testing.T) {
	tr := newTestTree(t)
	n1, err := tr.AddNode("planner", "Planner", "first", NodeTypeMessage)
	require.NoError(t, err)
	n2, err := tr.AddNode("executor", "Executor", "second", NodeTypeMessage)
	require.NoError(t, err)
	n3, err := tr.AddNode("critic", "Critic", "third", NodeTypeMessage)
	require.NoError(t, err)

	node, err := tr.CreateBranch(2, "redo from here")
	require.NoError(t, err)

	// Branch point is n1: two message ancestors (n3, n2) skipped.
	assert.Equal(t, n1.ID, node.ParentID)
	assert.False(t, tr.Nodes[n2.ID].IsActive)
	assert.False(t, tr.Nodes[n3.ID].IsActive)
	assert.True(t, tr.Nodes[n1.ID].IsActive)
	assert.Equal(t, node.ID, tr.CurrentNodeID())

	// The old subtree is still present, just inactive.
	assert.Equal(t, 5, tr.Size())
}

func TestCreateBranchToolNodesRideAlong(t *testing.T) {
	tr := newTestTree(t)
	n1, err := tr.AddNode("planner", "Planner", "calling tools", NodeTypeMessage)
	require.NoError(t, err)

	req := &models.ToolCallRequest{Source: "planner", Calls: []models.ToolCall{{ID: "c1", Name: "t", Arguments: "{}"}}}
	exec := &models.ToolCallExecution{Source: "planner", Results: []models.ToolResult{{CallID: "c1", Name: "t", Success: true, Content: "ok"}}}
	callNode, execNode, err := tr.AddToolPair(req, exec)
	require.NoError(t, err)

	n2, err := tr.AddNode("planner", "Planner", "done", NodeTypeMessage)
	require.NoError(t, err)

	// Trimming one message removes n2 AND the tool pair above it.
	node, err := tr.CreateBranch(1, "try again")
	require.NoError(t, err)

	assert.Equal(t, n1.ID, node.ParentID)
	assert.False(t, tr.Nodes[n2.ID].IsActive)
	assert.False(t, tr.Nodes[callNode.ID].IsActive)
	assert.False(t, tr.Nodes[execNode.ID].IsActive)
	assert.True(t, tr.Nodes[n1.ID].IsActive)
}

func TestCreateBranchTrimExceedsRoot(t *testing.T) {
	tr := newTestTree(t)
	_, err := tr.AddNode("planner", "Planner", "only message", NodeTypeMessage)
	require.NoError(t, err)

	_, err = tr.CreateBranch(2, "too deep")
	assert.ErrorIs(t, err, ErrTrimExceedsRoot)

	// Boundary: trimming exactly down to the root is allowed.
	node, err := tr.CreateBranch(1, "restart")
	require.NoError(t, err)
	assert.Equal(t, tr.RootID, node.ParentID)
}

func TestCreateBranchNegativeTrim(t *testing.T) {
	tr := newTestTree(t)
	_, err := tr.CreateBranch(-1, "bad")
	assert.Error(t, err)
}

func TestSiblingsAndDescendants(t *testing.T) {
	tr := newTestTree(t)
	n1, err := tr.AddNode("planner", "Planner", "first", NodeTypeMessage)
	require.NoError(t, err)
	n2, err := tr.AddNode("executor", "Executor", "second", NodeTypeMessage)
	require.NoError(t, err)

	branch, err := tr.CreateBranch(1, "alternative")
	require.NoError(t, err)

	siblings, err := tr.Siblings(branch.ID)
	require.NoError(t, err)
	require.Len(t, siblings, 1)
	assert.Equal(t, n2.ID, siblings[0].ID)

	descendants, err := tr.Descendants(n1.ID)
	require.NoError(t, err)
	assert.Len(t, descendants, 2) // n2 and the branch node
}

func TestSubtreeDepthLimit(t *testing.T) {
	tr := newTestTree(t)
	n1, err := tr.AddNode("a", "a", "1", NodeTypeMessage)
	require.NoError(t, err)
	_, err = tr.AddNode("b", "b", "2", NodeTypeMessage)
	require.NoError(t, err)

	nodes, err := tr.Subtree(tr.RootID, 2)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, n1.ID, nodes[1].ID)

	all, err := tr.Subtree(tr.RootID, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestPersistenceRoundTrip(t *testing.T) {
	tr := newTestTree(t)
	_, err := tr.AddNode("planner", "Planner", "first", NodeTypeMessage)
	require.NoError(t, err)
	n2, err := tr.AddNode("executor", "Executor", "second", NodeTypeMessage)
	require.NoError(t, err)
	branch, err := tr.CreateBranch(1, "branched")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "state", "tree.json")
	require.NoError(t, tr.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, tr.RootID, loaded.RootID)
	assert.Equal(t, tr.CurrentBranchID, loaded.CurrentBranchID)
	assert.Equal(t, tr.Size(), loaded.Size())
	assert.Equal(t, branch.ID, loaded.CurrentNodeID())
	assert.False(t, loaded.Nodes[n2.ID].IsActive)
}

func TestDecodeDropsUnreachableNodes(t *testing.T) {
	tr := newTestTree(t)
	_, err := tr.AddNode("planner", "Planner", "msg", NodeTypeMessage)
	require.NoError(t, err)

	// An orphan node in the map is not reachable from the root and must
	// not survive a round-trip.
	tr.Nodes["orphan"] = &Node{ID: "orphan", Content: "dangling"}
	data, err := tr.Encode()
	require.NoError(t, err)

	clean, err := Decode(data)
	require.NoError(t, err)
	_, ok := clean.Find("orphan")
	assert.False(t, ok)
	assert.Equal(t, 2, clean.Size())
}

func TestEmptyTree(t *testing.T) {
	tr := New()
	assert.Nil(t, tr.Root())
	assert.Empty(t, tr.CurrentNodeID())
	_, err := tr.Current()
	assert.Error(t, err)
	_, err = tr.AddNode("a", "a", "x", NodeTypeMessage)
	assert.Error(t, err)
}
