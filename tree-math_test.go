package mls

import "testing"

func TestTreeMathElevenLeaves(t *testing.T) {
	// The 11-leaf tree from the draft's own worked example.
	n := leafCount(11)
	if got, want := root(n), nodeIndex(15); got != want {
		t.Errorf("root(11) = %d, want %d", got, want)
	}
	if got, want := left(nodeIndex(3)), nodeIndex(1); got != want {
		t.Errorf("left(3) = %d, want %d", got, want)
	}
	if got, want := right(nodeIndex(3), n), nodeIndex(5); got != want {
		t.Errorf("right(3) = %d, want %d", got, want)
	}
	if got, want := parent(nodeIndex(0), n), nodeIndex(1); got != want {
		t.Errorf("parent(0) = %d, want %d", got, want)
	}
	if got, want := sibling(nodeIndex(0), n), nodeIndex(2); got != want {
		t.Errorf("sibling(0) = %d, want %d", got, want)
	}
}

func TestTreeMathRootIsSelfParentAndSibling(t *testing.T) {
	n := leafCount(5)
	r := root(n)
	if parent(r, n) != r {
		t.Errorf("parent(root) should be root, got %d", parent(r, n))
	}
	if sibling(r, n) != r {
		t.Errorf("sibling(root) should be root, got %d", sibling(r, n))
	}
}

func TestTreeMathDirpathEndsAtRoot(t *testing.T) {
	n := leafCount(7)
	for i := leafIndex(0); i < leafIndex(n); i++ {
		dp := dirpath(toNodeIndex(i), n)
		if len(dp) == 0 {
			t.Fatalf("leaf %d: empty direct path in a %d-leaf tree", i, n)
		}
		if dp[len(dp)-1] != root(n) {
			t.Errorf("leaf %d: direct path does not end at root: %v", i, dp)
		}
	}
}

func TestTreeMathCopathMatchesDirpathLength(t *testing.T) {
	n := leafCount(9)
	for i := leafIndex(0); i < leafIndex(n); i++ {
		dp := dirpath(toNodeIndex(i), n)
		cp := copath(toNodeIndex(i), n)
		if len(dp) != len(cp) {
			t.Errorf("leaf %d: dirpath length %d != copath length %d", i, len(dp), len(cp))
		}
	}
}

func TestTreeMathSingleLeafTree(t *testing.T) {
	n := leafCount(1)
	if got, want := root(n), nodeIndex(0); got != want {
		t.Errorf("root(1) = %d, want %d", got, want)
	}
	if dp := dirpath(0, n); len(dp) != 0 {
		t.Errorf("dirpath in a single-leaf tree should be empty, got %v", dp)
	}
}
