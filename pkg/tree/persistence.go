package tree

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// treeFile is the persisted tree layout. Nodes are stored as a flat list so
// the on-disk order is stable regardless of map iteration order.
type treeFile struct {
	RootID          string  `json:"root_id"`
	CurrentBranchID string  `json:"current_branch_id"`
	Nodes           []*Node `json:"nodes"`
}

// Encode serialises the tree to its persisted JSON form.
func (t *Tree) Encode() ([]byte, error) {
	file := treeFile{
		RootID:          t.RootID,
		CurrentBranchID: t.CurrentBranchID,
	}
	// Depth-first from the root gives parents-before-children ordering.
	if root := t.Root(); root != nil {
		t.walkDepthFirst(root, func(n *Node) {
			file.Nodes = append(file.Nodes, n)
		})
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tree: %w", err)
	}
	return data, nil
}

// Save writes the tree to path atomically: serialise to path.tmp, then
// rename over the target so a crash never leaves a half-written file.
func (t *Tree) Save(path string) error {
	data, err := t.Encode()
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}

// Load reads a tree previously written by Save. The node map is rebuilt
// from the persisted list and the cursor is restored as the last active
// node along the persisted current branch.
func Load(path string) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Decode(data)
}

// Decode rebuilds a tree from its persisted JSON form.
func Decode(data []byte) (*Tree, error) {
	var file treeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tree: %w", err)
	}

	t := &Tree{
		RootID:          file.RootID,
		CurrentBranchID: file.CurrentBranchID,
		Nodes:           make(map[string]*Node, len(file.Nodes)),
	}
	for _, n := range file.Nodes {
		t.Nodes[n.ID] = n
	}

	// Keep only nodes reachable from the root. Unreachable entries would
	// break the node-map size invariant and can only come from a corrupted
	// or hand-edited file.
	if root := t.Root(); root != nil {
		reachable := make(map[string]bool, len(t.Nodes))
		t.walkDepthFirst(root, func(n *Node) { reachable[n.ID] = true })
		for id := range t.Nodes {
			if !reachable[id] {
				delete(t.Nodes, id)
			}
		}
	} else if file.RootID != "" {
		return nil, fmt.Errorf("tree file references missing root node %s", file.RootID)
	}

	t.restoreCursor()
	return t, nil
}

// restoreCursor walks the active path from the root, preferring children on
// the current branch, and leaves the cursor on the deepest node reached.
func (t *Tree) restoreCursor() {
	root := t.Root()
	if root == nil {
		return
	}
	cursor := root
	for {
		var next *Node
		for _, childID := range cursor.Children {
			child, ok := t.Nodes[childID]
			if !ok || !child.IsActive {
				continue
			}
			// The branch-id match wins; otherwise remember the latest
			// active child as a fallback.
			if child.BranchID == t.CurrentBranchID {
				next = child
				break
			}
			next = child
		}
		if next == nil {
			break
		}
		cursor = next
	}
	t.currentNodeID = cursor.ID
}
