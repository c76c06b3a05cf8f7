package mls

import "fmt"

// WelcomeInfo is the pre-operation group snapshot a joiner needs in
// order to independently replay the Add that brought it in: the tree as
// it stood before the Add, the epoch it was sent in, the transcript hash
// carried into that epoch, and the init_secret the key schedule needs to
// pick up where the group left off.
type WelcomeInfo struct {
	Version               uint8
	GroupID               []byte `tls:"head=1"`
	Epoch                 uint64
	Tree                  RatchetTree `tls:"omit"`
	InterimTranscriptHash []byte      `tls:"head=1"`
	InitSecret            []byte      `tls:"head=1"`
}

func (wi *WelcomeInfo) MarshalTLS() ([]byte, error) {
	ws := NewWriteStream()
	if err := ws.WriteAll(wi.Version, mlsOpaque1(wi.GroupID), wi.Epoch); err != nil {
		return nil, err
	}
	treeData, err := wi.Tree.MarshalTLS()
	if err != nil {
		return nil, err
	}
	ws.Append(treeData)
	if err := ws.WriteAll(mlsOpaque1(wi.InterimTranscriptHash), mlsOpaque1(wi.InitSecret)); err != nil {
		return nil, err
	}
	return ws.Data(), nil
}

func (wi *WelcomeInfo) unmarshalWithSuite(data []byte, suite CipherSuite) (int, error) {
	rs := NewReadStream(data)
	if _, err := rs.ReadAll(&wi.Version, &wi.GroupID, &wi.Epoch); err != nil {
		return 0, err
	}
	tree := RatchetTree{Suite: suite}
	n, err := tree.UnmarshalTLS(data[rs.Consumed():])
	if err != nil {
		return 0, err
	}
	rs.cursor += n
	wi.Tree = tree
	if _, err := rs.ReadAll(&wi.InterimTranscriptHash, &wi.InitSecret); err != nil {
		return 0, err
	}
	return rs.Consumed(), nil
}

// Welcome is the encrypted transport of a WelcomeInfo: the id of the
// ClientInitKey being targeted, the cipher suite chosen for the new
// member's leaf, and an HPKE ciphertext of the marshaled WelcomeInfo
// sealed under that ClientInitKey's init key for the chosen suite.
type Welcome struct {
	ClientInitKeyID      []byte `tls:"head=1"`
	CipherSuite          CipherSuite
	EncryptedWelcomeInfo HPKECiphertext
}

func newWelcome(suite CipherSuite, target ClientInitKey, wi *WelcomeInfo) (*Welcome, error) {
	pub, ok := target.initKeyForSuite(suite)
	if !ok {
		return nil, fmt.Errorf("mls.welcome: target has no init key for suite %s: %w", suite, ErrInvalidParameter)
	}
	wiBytes, err := wi.MarshalTLS()
	if err != nil {
		return nil, err
	}
	ct, err := suite.hpke().Encrypt(pub, []byte{}, wiBytes)
	if err != nil {
		return nil, err
	}
	return &Welcome{
		ClientInitKeyID:      target.id(),
		CipherSuite:          suite,
		EncryptedWelcomeInfo: ct,
	}, nil
}

func (w *Welcome) decrypt(priv HPKEPrivateKey) (*WelcomeInfo, error) {
	pt, err := w.CipherSuite.hpke().Decrypt(priv, []byte{}, w.EncryptedWelcomeInfo)
	if err != nil {
		return nil, fmt.Errorf("mls.welcome: decrypt: %w", err)
	}
	wi := new(WelcomeInfo)
	if _, err := wi.unmarshalWithSuite(pt, w.CipherSuite); err != nil {
		return nil, err
	}
	return wi, nil
}
