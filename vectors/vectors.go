// Package vectors generates and verifies the tree_math known-answer
// test vectors: for a range of tree sizes, the expected root/left/right/
// parent/sibling relationship of every node index. It operates on the
// standalone treemath package rather than the main module so vector
// generation doesn't need access to the ratchet tree's unexported types.
package vectors

import (
	"fmt"
	"reflect"

	"github.com/sylph01/mlspp/treemath"
)

// TreeMath is one tree size's worth of known-answer index relationships,
// JSON-encoded for interop with vector files produced by other
// implementations.
type TreeMath struct {
	NLeaves uint32                `json:"n_leaves"`
	NNodes  uint32                `json:"n_nodes"`
	Root    treemath.NodeIndex    `json:"root"`
	Left    []*treemath.NodeIndex `json:"left"`
	Right   []*treemath.NodeIndex `json:"right"`
	Parent  []*treemath.NodeIndex `json:"parent"`
	Sibling []*treemath.NodeIndex `json:"sibling"`
}

// NewTreeMath computes the known-answer table for a tree with nLeaves
// leaves.
func NewTreeMath(nLeaves uint32) (TreeMath, error) {
	if nLeaves == 0 {
		return TreeMath{}, fmt.Errorf("tree math vectors: zero leaves")
	}
	n := treemath.LeafCount(nLeaves)
	nNodes := uint32(2*(nLeaves-1) + 1)

	vec := TreeMath{
		NLeaves: nLeaves,
		NNodes:  nNodes,
		Root:    treemath.Root(n),
		Left:    make([]*treemath.NodeIndex, nNodes),
		Right:   make([]*treemath.NodeIndex, nNodes),
		Parent:  make([]*treemath.NodeIndex, nNodes),
		Sibling: make([]*treemath.NodeIndex, nNodes),
	}
	for i := uint32(0); i < nNodes; i++ {
		x := treemath.NodeIndex(i)
		vec.Left[i] = treemath.Left(x)
		vec.Right[i] = treemath.Right(x, n)
		vec.Parent[i] = treemath.Parent(x, n)
		vec.Sibling[i] = treemath.Sibling(x, n)
	}
	return vec, nil
}

// Verify recomputes the table for vec.NLeaves and confirms it matches
// vec exactly.
func (vec TreeMath) Verify() error {
	recomputed, err := NewTreeMath(vec.NLeaves)
	if err != nil {
		return err
	}
	if !reflect.DeepEqual(vec, recomputed) {
		return fmt.Errorf("tree math vectors: mismatch for n_leaves=%d", vec.NLeaves)
	}
	return nil
}
