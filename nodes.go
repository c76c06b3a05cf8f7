package mls

import "bytes"

// leafNodeHashType/parentNodeHashType tag the two hash-input shapes fed
// into the tree's Merkle-style parent hash chain (§4.2's root_hash).
type nodeHashType uint8

const (
	leafNodeHashType   nodeHashType = 0
	parentNodeHashType nodeHashType = 1
)

// RatchetTreeNode is the payload carried by an occupied node: a DH public
// key, the set of leaves added beneath this node since its key was last
// set, whose keys it therefore does not cover (the "unmerged leaves"
// bookkeeping from §4.2), and, for leaves only, a Credential.
type RatchetTreeNode struct {
	PublicKey      HPKEPublicKey
	UnmergedLeaves []leafIndex `tls:"head=4"`
	Credential     *Credential `tls:"optional"`
}

func (n *RatchetTreeNode) Clone() *RatchetTreeNode {
	if n == nil {
		return nil
	}
	out := &RatchetTreeNode{
		PublicKey:      HPKEPublicKey{Data: dup(n.PublicKey.Data)},
		UnmergedLeaves: append([]leafIndex{}, n.UnmergedLeaves...),
	}
	if n.Credential != nil {
		c := *n.Credential
		out.Credential = &c
	}
	return out
}

func (n *RatchetTreeNode) Equals(o *RatchetTreeNode) bool {
	if n == nil || o == nil {
		return n == o
	}
	if !bytes.Equal(n.PublicKey.Data, o.PublicKey.Data) {
		return false
	}
	if len(n.UnmergedLeaves) != len(o.UnmergedLeaves) {
		return false
	}
	for i := range n.UnmergedLeaves {
		if n.UnmergedLeaves[i] != o.UnmergedLeaves[i] {
			return false
		}
	}
	return true
}

func (n *RatchetTreeNode) AddUnmerged(l leafIndex) {
	n.UnmergedLeaves = append(n.UnmergedLeaves, l)
}

// optionalRatchetNode is one slot of the tree's node vector: either blank
// (Node == nil) or occupied, plus the hash RootHash last computed for
// it. RootHash always recomputes; it does not read this cached value.
type optionalRatchetNode struct {
	Node *RatchetTreeNode `tls:"optional"`
	Hash []byte           `tls:"omit"`

	privateKey *HPKEPrivateKey `tls:"omit"`
}

func (n optionalRatchetNode) blank() bool {
	return n.Node == nil
}

func (n optionalRatchetNode) clone() optionalRatchetNode {
	out := optionalRatchetNode{Node: n.Node.Clone(), Hash: dup(n.Hash)}
	if n.privateKey != nil {
		priv := *n.privateKey
		priv.Data = dup(priv.Data)
		out.privateKey = &priv
	}
	return out
}

func (n optionalRatchetNode) equals(o optionalRatchetNode) bool {
	return n.Node.Equals(o.Node)
}

type leafNodeHashInput struct {
	HashType nodeHashType
	Info     *RatchetTreeNode `tls:"optional"`
}

type parentNodeHashInput struct {
	HashType  nodeHashType
	Info      *RatchetTreeNode `tls:"optional"`
	LeftHash  []byte           `tls:"head=1"`
	RightHash []byte           `tls:"head=1"`
}

func (n optionalRatchetNode) leafHash(cs CipherSuite) []byte {
	input := leafNodeHashInput{HashType: leafNodeHashType, Info: n.Node}
	data, err := marshalTLS(input)
	if err != nil {
		panic(err)
	}
	return cs.Digest(data)
}

func (n optionalRatchetNode) parentHash(cs CipherSuite, left, right []byte) []byte {
	input := parentNodeHashInput{HashType: parentNodeHashType, Info: n.Node, LeftHash: left, RightHash: right}
	data, err := marshalTLS(input)
	if err != nil {
		panic(err)
	}
	return cs.Digest(data)
}
