package mls

import (
	"bytes"
	"fmt"
)

// RatchetTree is a left-balanced binary tree of DH key pairs, one leaf
// per group member, used to derive a group-wide shared secret via
// TreeKEM-style path encryption. See tree-math.go for the index
// arithmetic this type builds on.
type RatchetTree struct {
	Suite CipherSuite           `tls:"omit"`
	Nodes []optionalRatchetNode `tls:"head=4"`
}

func newRatchetTree(suite CipherSuite) *RatchetTree {
	return &RatchetTree{Suite: suite, Nodes: []optionalRatchetNode{}}
}

func (t *RatchetTree) size() leafCount {
	return leafWidth(nodeCount(len(t.Nodes)))
}

func (t *RatchetTree) nodeSize() nodeCount {
	return nodeCount(len(t.Nodes))
}

func (t *RatchetTree) rootIndex() nodeIndex {
	return root(t.size())
}

func (t *RatchetTree) ensureSize(n leafCount) {
	target := int(nodeWidth(n))
	for len(t.Nodes) < target {
		t.Nodes = append(t.Nodes, optionalRatchetNode{})
	}
}

func (t *RatchetTree) occupied(index nodeIndex) bool {
	if int(index) >= len(t.Nodes) {
		return false
	}
	return !t.Nodes[index].blank()
}

// LeftmostFree returns the index of the first blank leaf, or the index
// one past the last leaf if every existing leaf is occupied. It does not
// grow the tree itself; installing a leaf at that index does.
func (t *RatchetTree) LeftmostFree() leafIndex {
	for i := leafIndex(0); i < leafIndex(t.size()); i++ {
		if !t.occupied(toNodeIndex(i)) {
			return i
		}
	}
	return leafIndex(t.size())
}

func (t *RatchetTree) getPublic(index nodeIndex) (HPKEPublicKey, error) {
	if int(index) >= len(t.Nodes) || t.Nodes[index].blank() {
		return HPKEPublicKey{}, fmt.Errorf("mls.tree: get public at blank node: %w", ErrMissingNode)
	}
	return t.Nodes[index].Node.PublicKey, nil
}

func (t *RatchetTree) getPrivate(index nodeIndex) (HPKEPrivateKey, bool) {
	if int(index) >= len(t.Nodes) || t.Nodes[index].privateKey == nil {
		return HPKEPrivateKey{}, false
	}
	return *t.Nodes[index].privateKey, true
}

func (t *RatchetTree) setPublic(index nodeIndex, pub HPKEPublicKey, cred *Credential) {
	t.ensureSize(leafWidth(nodeCount(index) + 1))
	t.Nodes[index].Node = &RatchetTreeNode{PublicKey: pub, Credential: cred}
	t.Nodes[index].privateKey = nil
}

func (t *RatchetTree) setPrivate(index nodeIndex, priv HPKEPrivateKey) error {
	if int(index) >= len(t.Nodes) || t.Nodes[index].blank() {
		return fmt.Errorf("mls.tree: set private at blank node: %w", ErrMissingNode)
	}
	if !bytes.Equal(t.Nodes[index].Node.PublicKey.Data, priv.PublicKey.Data) {
		return fmt.Errorf("mls.tree: private key does not match node public key: %w", ErrIncompatibleNode)
	}
	p := priv
	p.Data = dup(priv.Data)
	t.Nodes[index].privateKey = &p
	return nil
}

// AddLeafSecret adds a new leaf whose key pair is derived from secret,
// keeping the private key for local use.
func (t *RatchetTree) AddLeafSecret(index leafIndex, secret []byte, cred *Credential) error {
	priv, err := t.Suite.hpke().Derive(secret)
	if err != nil {
		return err
	}
	return t.installLeaf(index, priv.PublicKey, cred, &priv)
}

// AddLeafPublic adds a new leaf from a public key alone, as a group
// member does when applying another member's Add operation.
func (t *RatchetTree) AddLeafPublic(index leafIndex, pub HPKEPublicKey, cred *Credential) error {
	return t.installLeaf(index, pub, cred, nil)
}

func (t *RatchetTree) installLeaf(index leafIndex, pub HPKEPublicKey, cred *Credential, priv *HPKEPrivateKey) error {
	if leafCount(index) > t.size() {
		return fmt.Errorf("mls.tree: add leaf beyond tree size: %w", ErrInvalidIndex)
	}
	if leafCount(index) == t.size() {
		t.ensureSize(t.size() + 1)
	}
	ni := toNodeIndex(index)
	t.setPublic(ni, pub, cred)
	if priv != nil {
		t.Nodes[ni].privateKey = priv
	}
	// Every occupied ancestor on the new leaf's direct path records it as
	// an unmerged leaf, so the leaf stays in those ancestors' resolution
	// until a path update re-keys them.
	for _, n := range dirpath(ni, t.size()) {
		if t.occupied(n) {
			t.Nodes[n].Node.AddUnmerged(index)
		}
	}
	t.setHashPath(ni)
	return nil
}

func (t *RatchetTree) Find(cik ClientInitKey) (leafIndex, bool) {
	pub, ok := cik.initKeyForSuite(t.Suite)
	if !ok {
		return 0, false
	}
	for i := leafIndex(0); i < leafIndex(t.size()); i++ {
		ni := toNodeIndex(i)
		if !t.occupied(ni) {
			continue
		}
		if bytes.Equal(t.Nodes[ni].Node.PublicKey.Data, pub.Data) {
			return i, true
		}
	}
	return 0, false
}

func (t *RatchetTree) GetCredential(index leafIndex) (*Credential, error) {
	ni := toNodeIndex(index)
	if !t.occupied(ni) {
		return nil, fmt.Errorf("mls.tree: credential at blank leaf: %w", ErrMissingNode)
	}
	return t.Nodes[ni].Node.Credential, nil
}

// resolve returns the resolution of index: itself plus its unmerged
// leaves if occupied, or the concatenated resolutions of its children if
// blank. A blank leaf resolves to nothing.
func (t *RatchetTree) resolve(index nodeIndex) []nodeIndex {
	if t.occupied(index) {
		res := []nodeIndex{index}
		for _, l := range t.Nodes[index].Node.UnmergedLeaves {
			res = append(res, toNodeIndex(l))
		}
		return res
	}
	if level(index) == 0 {
		return []nodeIndex{}
	}
	res := t.resolve(left(index))
	res = append(res, t.resolve(right(index, t.size()))...)
	return res
}

// Encrypt derives a fresh path of key pairs from leafSecret for the
// leaf at from, and HPKE-seals each new path secret to the resolution of
// the corresponding copath node, authenticating context. It returns the
// wire-ready DirectPath and the update_secret at the root.
func (t *RatchetTree) Encrypt(from leafIndex, context, leafSecret []byte) (*DirectPath, []byte, error) {
	fromNode := toNodeIndex(from)
	if !t.occupied(fromNode) {
		return nil, nil, fmt.Errorf("mls.tree: encrypt from blank leaf: %w", ErrInvalidIndex)
	}

	leafPriv, err := t.Suite.hpke().Derive(leafSecret)
	if err != nil {
		return nil, nil, err
	}
	cred := t.Nodes[fromNode].Node.Credential
	t.setPublic(fromNode, leafPriv.PublicKey, cred)
	t.Nodes[fromNode].privateKey = &leafPriv

	dp := dirpath(fromNode, t.size())
	cp := copath(fromNode, t.size())

	pathNodes := make([]RatchetPathNode, 0, len(dp)+1)
	pathNodes = append(pathNodes, RatchetPathNode{PublicKey: leafPriv.PublicKey})

	secretSize := t.Suite.Constants().SecretSize
	secret := dup(leafSecret)
	var updateSecret []byte
	for i, node := range dp {
		secret = t.Suite.hkdfExpandLabel(secret, "path", nil, secretSize)
		priv, err := t.Suite.hpke().Derive(secret)
		if err != nil {
			return nil, nil, err
		}
		t.setPublic(node, priv.PublicKey, nil)
		t.Nodes[node].privateKey = &priv

		var cts []HPKECiphertext
		for _, r := range t.resolve(cp[i]) {
			pub, err := t.getPublic(r)
			if err != nil {
				return nil, nil, err
			}
			ct, err := t.Suite.hpke().Encrypt(pub, context, secret)
			if err != nil {
				return nil, nil, err
			}
			cts = append(cts, ct)
		}
		pathNodes = append(pathNodes, RatchetPathNode{PublicKey: priv.PublicKey, EncryptedPathSecret: cts})
		updateSecret = secret
	}
	if len(dp) == 0 {
		// Sole member: the first "path" expansion of the leaf secret is
		// the update secret.
		updateSecret = t.Suite.hkdfExpandLabel(leafSecret, "path", nil, secretSize)
	}

	t.setHashPath(fromNode)
	return &DirectPath{Nodes: pathNodes}, updateSecret, nil
}

// DecryptInfo carries the outcome of validating and decrypting a received
// DirectPath: the newly learned path secrets (keyed by node, for the
// overlap point up to the root) and the public keys the path claims for
// every node on it, ready to be installed by MergePath.
type DecryptInfo struct {
	UpdateSecret []byte
	Secrets      map[nodeIndex][]byte
	PublicKeys   map[nodeIndex]HPKEPublicKey
}

// Decrypt finds the point where the local tree's private keys overlap
// the copath resolution of a received DirectPath, decrypts the path
// secret there, re-derives the remainder of the path up to the root, and
// verifies every re-derived public key matches what the path claims.
func (t *RatchetTree) Decrypt(from leafIndex, context []byte, path *DirectPath) (*DecryptInfo, error) {
	fromNode := toNodeIndex(from)
	dp := dirpath(fromNode, t.size())
	if len(path.Nodes) != len(dp)+1 {
		return nil, fmt.Errorf("mls.tree: direct path length mismatch: %w", ErrInvalidPath)
	}
	cp := copath(fromNode, t.size())

	info := &DecryptInfo{
		Secrets:    map[nodeIndex][]byte{},
		PublicKeys: map[nodeIndex]HPKEPublicKey{fromNode: path.Nodes[0].PublicKey},
	}

	overlap := -1
	var secret []byte
	for i, node := range dp {
		info.PublicKeys[node] = path.Nodes[i+1].PublicKey
		resolution := t.resolve(cp[i])
		var found *nodeIndex
		var foundPos int
		for pos, r := range resolution {
			if _, ok := t.getPrivate(r); ok {
				n := r
				found = &n
				foundPos = pos
				break
			}
		}
		if found == nil {
			continue
		}
		cts := path.Nodes[i+1].EncryptedPathSecret
		if foundPos >= len(cts) {
			return nil, fmt.Errorf("mls.tree: encrypted path secret count mismatch: %w", ErrInvalidPath)
		}
		priv, _ := t.getPrivate(*found)
		s, err := t.Suite.hpke().Decrypt(priv, context, cts[foundPos])
		if err != nil {
			return nil, fmt.Errorf("mls.tree: decrypt path secret: %w", err)
		}
		secret = s
		overlap = i
		break
	}
	if overlap == -1 {
		return nil, fmt.Errorf("mls.tree: no private key overlaps the copath: %w", ErrMissingNode)
	}

	secretSize := t.Suite.Constants().SecretSize
	info.Secrets[dp[overlap]] = secret
	for i := overlap; i < len(dp); i++ {
		priv, err := t.Suite.hpke().Derive(secret)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(priv.PublicKey.Data, path.Nodes[i+1].PublicKey.Data) {
			return nil, fmt.Errorf("mls.tree: re-derived key does not match path: %w", ErrIncompatibleNode)
		}
		if i+1 < len(dp) {
			secret = t.Suite.hkdfExpandLabel(secret, "path", nil, secretSize)
			info.Secrets[dp[i+1]] = secret
		}
	}
	info.UpdateSecret = secret

	return info, nil
}

// MergePath installs the public keys (and, where known, private keys) a
// validated DecryptInfo carries, and clears the unmerged-leaf markers the
// path's own leaf held on the way up.
func (t *RatchetTree) MergePath(from leafIndex, info *DecryptInfo) error {
	fromNode := toNodeIndex(from)
	dp := dirpath(fromNode, t.size())

	if pub, ok := info.PublicKeys[fromNode]; ok {
		var cred *Credential
		if !t.Nodes[fromNode].blank() {
			cred = t.Nodes[fromNode].Node.Credential
		}
		t.setPublic(fromNode, pub, cred)
	}
	for _, node := range dp {
		pub, ok := info.PublicKeys[node]
		if !ok {
			return fmt.Errorf("mls.tree: merge path missing public key: %w", ErrInvalidPath)
		}
		t.setPublic(node, pub, nil)
		if secret, ok := info.Secrets[node]; ok {
			priv, err := t.Suite.hpke().Derive(secret)
			if err != nil {
				return err
			}
			t.Nodes[node].privateKey = &priv
		}
	}
	t.setHashPath(fromNode)
	return nil
}

// MergePrivate installs a private key a caller already knows the value of
// (a joiner merging its own leaf's key from its ClientInitKey secret).
func (t *RatchetTree) MergePrivate(index leafIndex, priv HPKEPrivateKey) error {
	return t.setPrivate(toNodeIndex(index), priv)
}

// BlankPath clears a leaf and every node on its direct path, dropping
// both public and private material.
func (t *RatchetTree) BlankPath(index leafIndex) error {
	ni := toNodeIndex(index)
	if int(ni) >= len(t.Nodes) {
		return fmt.Errorf("mls.tree: blank path out of range: %w", ErrInvalidIndex)
	}
	t.Nodes[ni] = optionalRatchetNode{}
	for _, node := range dirpath(ni, t.size()) {
		t.Nodes[node] = optionalRatchetNode{}
	}
	t.setHashPath(ni)
	return nil
}

// setHashPath is a no-op marker kept at each mutation point for
// readability. It does not touch any cached hash: RootHash recomputes the
// whole tree bottom-up on every call, so no refresh is needed here.
func (t *RatchetTree) setHashPath(from nodeIndex) {
	_ = from
}

// RootHash recomputes and returns the hash of the root node, chaining
// leaf hashes up through every parent per §4.2. It always walks the
// whole tree recursively rather than trusting a possibly-stale cache or
// iterating in index order: a right child's index is always higher than
// its parent's, so numeric node-index order is not a bottom-up order.
func (t *RatchetTree) RootHash() []byte {
	if len(t.Nodes) == 0 {
		return t.Suite.Digest([]byte{})
	}
	return dup(t.computeHash(t.rootIndex()))
}

func (t *RatchetTree) computeHash(index nodeIndex) []byte {
	if level(index) == 0 {
		h := t.Nodes[index].leafHash(t.Suite)
		t.Nodes[index].Hash = h
		return h
	}
	l, r := left(index), right(index, t.size())
	lh := t.computeHash(l)
	var rh []byte
	if int(r) < len(t.Nodes) {
		rh = t.computeHash(r)
	}
	h := t.Nodes[index].parentHash(t.Suite, lh, rh)
	t.Nodes[index].Hash = h
	return h
}

// CheckInvariant verifies that from holds a private key for every node
// on its own direct path (from's leaf up to the root) and for no node
// off that path: exactly the set of nodes from can use to decrypt a
// path-encrypted update addressed to it.
func (t *RatchetTree) CheckInvariant(from leafIndex) bool {
	ni := toNodeIndex(from)
	if !t.occupied(ni) {
		return false
	}

	onPath := map[nodeIndex]bool{ni: true}
	for _, p := range dirpath(ni, t.size()) {
		onPath[p] = true
	}

	for i, n := range t.Nodes {
		idx := nodeIndex(i)
		hasPriv := n.privateKey != nil
		if onPath[idx] {
			if !hasPriv {
				return false
			}
			if n.blank() || !bytes.Equal(n.privateKey.PublicKey.Data, n.Node.PublicKey.Data) {
				return false
			}
		} else if hasPriv {
			return false
		}
	}
	return true
}

func (t *RatchetTree) Clone() *RatchetTree {
	out := &RatchetTree{Suite: t.Suite, Nodes: make([]optionalRatchetNode, len(t.Nodes))}
	for i, n := range t.Nodes {
		out.Nodes[i] = n.clone()
	}
	return out
}

func (t *RatchetTree) Equals(o *RatchetTree) bool {
	if t.Suite != o.Suite || len(t.Nodes) != len(o.Nodes) {
		return false
	}
	for i := range t.Nodes {
		if !t.Nodes[i].equals(o.Nodes[i]) {
			return false
		}
	}
	return true
}

func (t *RatchetTree) MarshalTLS() ([]byte, error) {
	nodes := make([]optionalRatchetNode, len(t.Nodes))
	copy(nodes, t.Nodes)
	return marshalTLS(nodes)
}

func (t *RatchetTree) UnmarshalTLS(data []byte) (int, error) {
	var nodes []optionalRatchetNode
	n, err := unmarshalTLS(data, &nodes)
	if err != nil {
		return 0, err
	}
	t.Nodes = nodes
	return n, nil
}
