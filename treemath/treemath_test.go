package treemath

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootOfElevenLeaves(t *testing.T) {
	require.Equal(t, NodeIndex(15), Root(LeafCount(11)))
}

func TestLeafHasNoChildren(t *testing.T) {
	require.Nil(t, Left(0))
	require.Nil(t, Right(0, LeafCount(5)))
}

func TestRootHasNoParentOrSibling(t *testing.T) {
	n := LeafCount(6)
	r := Root(n)
	require.Nil(t, Parent(r, n))
	require.Nil(t, Sibling(r, n))
}

func TestSiblingIsInvolution(t *testing.T) {
	n := LeafCount(7)
	w := NodeIndex(2*(uint32(n)-1) + 1)
	for x := NodeIndex(0); x < w; x++ {
		sib := Sibling(x, n)
		if sib == nil {
			continue
		}
		back := Sibling(*sib, n)
		require.NotNil(t, back)
		require.Equal(t, x, *back)
	}
}

func TestParentOfLeftAndRightChildAgree(t *testing.T) {
	n := LeafCount(5)
	w := NodeIndex(2*(uint32(n)-1) + 1)
	for x := NodeIndex(0); x < w; x++ {
		l := Left(x)
		if l == nil {
			continue
		}
		r := Right(x, n)
		require.NotNil(t, r)
		lp := Parent(*l, n)
		rp := Parent(*r, n)
		require.NotNil(t, lp)
		require.NotNil(t, rp)
		require.Equal(t, x, *lp)
		require.Equal(t, x, *rp)
	}
}
