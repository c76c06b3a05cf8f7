package mls

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"fmt"
)

// GroupState is one member's view of a group at a given epoch: the
// ratchet tree, the transcript hash chain binding every handshake
// message that has ever been processed, and the epoch's derived
// secrets. Every operation below is atomic: it either returns a fully
// formed next GroupState or leaves the receiver untouched.
type GroupState struct {
	Suite      CipherSuite
	GroupID    []byte
	Epoch      uint64
	Tree       RatchetTree
	Index      leafIndex
	Credential Credential

	ConfirmedTranscriptHash []byte
	InterimTranscriptHash   []byte

	Secrets EpochSecrets

	appKeys *KeyChain
	hsKeys  *KeyChain
}

// NewGroupState creates a brand-new single-member group. Its creator is
// leaf 0 and its epoch starts at 0 with an all-zero init_secret. The
// epoch's other secrets are derived as for a zero update_secret under
// that all-zero init_secret, so the lone member can already Protect.
func NewGroupState(groupID []byte, suite CipherSuite, leafPriv HPKEPrivateKey, cred Credential) (*GroupState, error) {
	tree := newRatchetTree(suite)
	if err := tree.AddLeafPublic(0, leafPriv.PublicKey, &cred); err != nil {
		return nil, err
	}
	if err := tree.MergePrivate(0, leafPriv); err != nil {
		return nil, err
	}

	hashLen := suite.Constants().SecretSize
	s := &GroupState{
		Suite:                   suite,
		GroupID:                 dup(groupID),
		Epoch:                   0,
		Tree:                    *tree,
		Index:                   0,
		Credential:              cred,
		ConfirmedTranscriptHash: []byte{},
		InterimTranscriptHash:   zero(hashLen),
	}
	s.Secrets = deriveEpochSecrets(suite, zero(hashLen), zero(hashLen), s.groupContext())
	s.Secrets.InitSecret = zero(hashLen)
	return s, nil
}

func (s *GroupState) groupContext() GroupContext {
	return GroupContext{
		GroupID:               dup(s.GroupID),
		Epoch:                 s.Epoch,
		TreeHash:              s.Tree.RootHash(),
		InterimTranscriptHash: dup(s.InterimTranscriptHash),
	}
}

func (s *GroupState) clone() *GroupState {
	return &GroupState{
		Suite:                   s.Suite,
		GroupID:                 dup(s.GroupID),
		Epoch:                   s.Epoch,
		Tree:                    *s.Tree.Clone(),
		Index:                   s.Index,
		Credential:              s.Credential,
		ConfirmedTranscriptHash: dup(s.ConfirmedTranscriptHash),
		InterimTranscriptHash:   dup(s.InterimTranscriptHash),
		Secrets:                 s.Secrets,
	}
}

func (s *GroupState) Equals(o *GroupState) bool {
	return s.Suite == o.Suite &&
		bytes.Equal(s.GroupID, o.GroupID) &&
		s.Epoch == o.Epoch &&
		s.Tree.Equals(&o.Tree) &&
		bytes.Equal(s.ConfirmedTranscriptHash, o.ConfirmedTranscriptHash) &&
		bytes.Equal(s.InterimTranscriptHash, o.InterimTranscriptHash) &&
		bytes.Equal(s.Secrets.EpochSecret, o.Secrets.EpochSecret)
}

func (s *GroupState) applicationKeyChain() *KeyChain {
	if s.appKeys == nil {
		s.appKeys = newKeyChain(s.Suite, s.Secrets.ApplicationSecret, s.Tree.size())
	}
	return s.appKeys
}

func (s *GroupState) handshakeKeyChain() *KeyChain {
	if s.hsKeys == nil {
		s.hsKeys = newKeyChain(s.Suite, s.Secrets.HandshakeKey, s.Tree.size())
	}
	return s.hsKeys
}

func (s *GroupState) chainFor(ct ContentType) *KeyChain {
	if ct == ContentTypeHandshake {
		return s.handshakeKeyChain()
	}
	return s.applicationKeyChain()
}

// senderDataAAD binds the sender-data envelope to the group, epoch and
// content type it was sealed for.
func (s *GroupState) senderDataAAD(ct ContentType, senderDataNonce []byte) []byte {
	ws := NewWriteStream()
	_ = ws.WriteAll(mlsOpaque1(s.GroupID), s.Epoch, ct, mlsOpaque1(senderDataNonce))
	return ws.Data()
}

// contentAAD binds the main ciphertext to the group, epoch, content
// type, and the sender-data envelope it travels alongside, so a
// ciphertext can't be paired with a different message's sender data.
func (s *GroupState) contentAAD(ct ContentType, senderDataNonce, encryptedSenderData []byte) []byte {
	ws := NewWriteStream()
	_ = ws.WriteAll(mlsOpaque1(s.GroupID), s.Epoch, ct, mlsOpaque1(senderDataNonce), mlsOpaque1(encryptedSenderData))
	return ws.Data()
}

// toWelcomeInfo snapshots the state before an Add is applied, for the
// joiner to independently replay it against.
func (s *GroupState) toWelcomeInfo() *WelcomeInfo {
	return &WelcomeInfo{
		Version:               protocolVersionMLS10,
		GroupID:               dup(s.GroupID),
		Epoch:                 s.Epoch,
		Tree:                  *s.Tree.Clone(),
		InterimTranscriptHash: dup(s.InterimTranscriptHash),
		InitSecret:            dup(s.Secrets.InitSecret),
	}
}

// finishRatchet takes a clone whose Tree already reflects op (installed
// either by the caller directly, for Add, or by a prior tree.Encrypt
// call, for Update/Remove), advances the transcript hash chain and the
// key schedule, and produces the signed, confirmed MLSPlaintext.
func (s *GroupState) finishRatchet(next *GroupState, op GroupOperation, updateSecret []byte) (*MLSPlaintext, *GroupState, error) {
	pt := &MLSPlaintext{
		GroupID:     dup(s.GroupID),
		Epoch:       s.Epoch,
		Sender:      s.Index,
		ContentType: ContentTypeHandshake,
		Operation:   &op,
	}

	confirmed := s.Suite.Digest(concat(s.InterimTranscriptHash, pt.opContent()))
	next.ConfirmedTranscriptHash = confirmed
	next.Epoch = s.Epoch + 1

	ctx := GroupContext{
		GroupID:               dup(s.GroupID),
		Epoch:                 next.Epoch,
		TreeHash:              next.Tree.RootHash(),
		InterimTranscriptHash: dup(s.InterimTranscriptHash),
	}
	next.Secrets = deriveEpochSecrets(s.Suite, s.Secrets.InitSecret, updateSecret, ctx)

	pt.Confirmation = s.Suite.hmac(next.Secrets.ConfirmationKey, confirmed)
	if err := pt.sign(s.Credential); err != nil {
		return nil, nil, err
	}

	next.InterimTranscriptHash = s.Suite.Digest(concat(confirmed, pt.opAuth()))
	return pt, next, nil
}

// Add issues an Add operation bringing cik into the group as the
// leftmost free leaf. It returns the Welcome for the new member, the
// handshake MLSPlaintext to broadcast to the rest of the group, and the
// sender's own next state. Add never rotates any existing member's key
// material, so its update_secret is defined to be all zeroes.
func (s *GroupState) Add(cik ClientInitKey) (*Welcome, *MLSPlaintext, *GroupState, error) {
	if !cik.Verify() {
		return nil, nil, nil, fmt.Errorf("mls.state: add with invalid client init key: %w", ErrInvalidParameter)
	}
	pub, ok := cik.initKeyForSuite(s.Suite)
	if !ok {
		return nil, nil, nil, fmt.Errorf("mls.state: client init key has no entry for %s: %w", s.Suite, ErrInvalidParameter)
	}

	wi := s.toWelcomeInfo()
	wiBytes, err := wi.MarshalTLS()
	if err != nil {
		return nil, nil, nil, err
	}
	wiHash := s.Suite.Digest(wiBytes)

	idx := s.Tree.LeftmostFree()
	op := GroupOperation{
		Type: GroupOperationTypeAdd,
		Add:  &AddOperation{Index: idx, InitKey: cik, WelcomeInfoHash: wiHash},
	}

	next := s.clone()
	if err := next.Tree.AddLeafPublic(idx, pub, &cik.Credential); err != nil {
		return nil, nil, nil, err
	}

	pt, next, err := s.finishRatchet(next, op, zero(s.Suite.Constants().SecretSize))
	if err != nil {
		return nil, nil, nil, err
	}

	welcome, err := newWelcome(s.Suite, cik, wi)
	if err != nil {
		return nil, nil, nil, err
	}
	return welcome, pt, next, nil
}

// Update issues an Update operation rotating the sender's own leaf and
// every node on its direct path, seeding the new keys from leafSecret.
func (s *GroupState) Update(leafSecret []byte) (*MLSPlaintext, *GroupState, error) {
	next := s.clone()
	ctxBytes := s.groupContext().bytes()
	path, updateSecret, err := next.Tree.Encrypt(s.Index, ctxBytes, leafSecret)
	if err != nil {
		return nil, nil, err
	}
	op := GroupOperation{Type: GroupOperationTypeUpdate, Update: &UpdateOperation{Path: *path}}
	pt, next, err := s.finishRatchet(next, op, updateSecret)
	if err != nil {
		return nil, nil, err
	}
	return pt, next, nil
}

// Remove issues a Remove operation blanking target's leaf and direct
// path, then re-encrypting a fresh path from the sender seeded with
// evictSecret so the removed member cannot derive any future key.
func (s *GroupState) Remove(evictSecret []byte, target leafIndex) (*MLSPlaintext, *GroupState, error) {
	next := s.clone()
	if err := next.Tree.BlankPath(target); err != nil {
		return nil, nil, err
	}
	ctxBytes := s.groupContext().bytes()
	path, updateSecret, err := next.Tree.Encrypt(s.Index, ctxBytes, evictSecret)
	if err != nil {
		return nil, nil, err
	}
	op := GroupOperation{Type: GroupOperationTypeRemove, Remove: &RemoveOperation{Removed: target, Path: *path}}
	pt, next, err := s.finishRatchet(next, op, updateSecret)
	if err != nil {
		return nil, nil, err
	}
	return pt, next, nil
}

// applyReceived mutates next's tree to reflect a handshake operation
// authored by sender, returning the update_secret it produced. Used only
// by Handle, since a member never needs to decrypt its own path: it
// already holds the private keys Encrypt just generated.
func (s *GroupState) applyReceived(next *GroupState, op *GroupOperation, sender leafIndex) ([]byte, error) {
	ctxBytes := s.groupContext().bytes()
	switch op.Type {
	case GroupOperationTypeAdd:
		a := op.Add
		pub, ok := a.InitKey.initKeyForSuite(s.Suite)
		if !ok {
			return nil, fmt.Errorf("mls.state: add operation has no init key for %s: %w", s.Suite, ErrInvalidParameter)
		}
		if err := next.Tree.AddLeafPublic(a.Index, pub, &a.InitKey.Credential); err != nil {
			return nil, err
		}
		return zero(s.Suite.Constants().SecretSize), nil

	case GroupOperationTypeUpdate:
		u := op.Update
		info, err := next.Tree.Decrypt(sender, ctxBytes, &u.Path)
		if err != nil {
			return nil, err
		}
		if err := next.Tree.MergePath(sender, info); err != nil {
			return nil, err
		}
		return info.UpdateSecret, nil

	case GroupOperationTypeRemove:
		r := op.Remove
		if err := next.Tree.BlankPath(r.Removed); err != nil {
			return nil, err
		}
		info, err := next.Tree.Decrypt(sender, ctxBytes, &r.Path)
		if err != nil {
			return nil, err
		}
		if err := next.Tree.MergePath(sender, info); err != nil {
			return nil, err
		}
		return info.UpdateSecret, nil

	default:
		return nil, fmt.Errorf("mls.state: handle unknown operation type: %w", ErrProtocolError)
	}
}

// Handle validates and applies a handshake message received from
// another member, returning the resulting next state. It never short-
// circuits on the caller's own messages -- that caching lives in
// Session, per §4.5.
func (s *GroupState) Handle(pt *MLSPlaintext) (*GroupState, error) {
	if !bytes.Equal(pt.GroupID, s.GroupID) {
		return nil, fmt.Errorf("mls.state: handle message for a different group: %w", ErrProtocolError)
	}
	if pt.Epoch != s.Epoch {
		return nil, fmt.Errorf("mls.state: handle message for epoch %d, have %d: %w", pt.Epoch, s.Epoch, ErrMissingState)
	}
	if pt.ContentType != ContentTypeHandshake || pt.Operation == nil {
		return nil, fmt.Errorf("mls.state: handle non-handshake message: %w", ErrProtocolError)
	}

	senderCred, err := s.Tree.GetCredential(pt.Sender)
	if err != nil {
		return nil, err
	}
	if !pt.verify(senderCred) {
		return nil, fmt.Errorf("mls.state: handshake signature verification failed: %w", ErrProtocolError)
	}

	next := s.clone()
	updateSecret, err := s.applyReceived(next, pt.Operation, pt.Sender)
	if err != nil {
		return nil, err
	}

	confirmed := s.Suite.Digest(concat(s.InterimTranscriptHash, pt.opContent()))
	next.ConfirmedTranscriptHash = confirmed
	next.Epoch = s.Epoch + 1

	ctx := GroupContext{
		GroupID:               dup(s.GroupID),
		Epoch:                 next.Epoch,
		TreeHash:              next.Tree.RootHash(),
		InterimTranscriptHash: dup(s.InterimTranscriptHash),
	}
	next.Secrets = deriveEpochSecrets(s.Suite, s.Secrets.InitSecret, updateSecret, ctx)

	expected := s.Suite.hmac(next.Secrets.ConfirmationKey, confirmed)
	if !hmac.Equal(expected, pt.Confirmation) {
		return nil, fmt.Errorf("mls.state: confirmation tag mismatch: %w", ErrProtocolError)
	}

	next.InterimTranscriptHash = s.Suite.Digest(concat(confirmed, pt.opAuth()))
	return next, nil
}

// NewGroupStateFromWelcome decrypts welcome under cik's matching private
// key, verifies it corresponds to add, replays add exactly the way an
// existing member's Handle would, and then installs the joiner's own
// leaf private key and identity into the resulting state.
func NewGroupStateFromWelcome(cik ClientInitKey, welcome Welcome, add *MLSPlaintext) (*GroupState, error) {
	if !bytes.Equal(welcome.ClientInitKeyID, cik.id()) {
		return nil, fmt.Errorf("mls.state: welcome targets a different client init key: %w", ErrProtocolError)
	}
	priv, ok := cik.privateKeyForSuite(welcome.CipherSuite)
	if !ok {
		return nil, fmt.Errorf("mls.state: no private key for welcome's suite %s: %w", welcome.CipherSuite, ErrInvalidParameter)
	}

	wi, err := welcome.decrypt(priv)
	if err != nil {
		return nil, err
	}

	if add.Operation == nil || add.Operation.Type != GroupOperationTypeAdd {
		return nil, fmt.Errorf("mls.state: welcome's companion message is not an add: %w", ErrProtocolError)
	}
	wiBytes, err := wi.MarshalTLS()
	if err != nil {
		return nil, err
	}
	wiHash := welcome.CipherSuite.Digest(wiBytes)
	if !bytes.Equal(add.Operation.Add.WelcomeInfoHash, wiHash) {
		return nil, fmt.Errorf("mls.state: welcome info hash mismatch: %w", ErrProtocolError)
	}

	pre := &GroupState{
		Suite:                   welcome.CipherSuite,
		GroupID:                 dup(wi.GroupID),
		Epoch:                   wi.Epoch,
		Tree:                    *wi.Tree.Clone(),
		ConfirmedTranscriptHash: []byte{},
		InterimTranscriptHash:   dup(wi.InterimTranscriptHash),
		Secrets:                 EpochSecrets{Suite: welcome.CipherSuite, InitSecret: dup(wi.InitSecret)},
	}

	next, err := pre.Handle(add)
	if err != nil {
		return nil, err
	}

	next.Index = add.Operation.Add.Index
	if err := next.Tree.MergePrivate(next.Index, priv); err != nil {
		return nil, err
	}
	next.Credential = cik.Credential
	return next, nil
}

// Protect seals data as an application MLSCiphertext under the sender's
// next application key-chain generation.
func (s *GroupState) Protect(data []byte) (*MLSCiphertext, error) {
	pt := &MLSPlaintext{
		GroupID:         dup(s.GroupID),
		Epoch:           s.Epoch,
		Sender:          s.Index,
		ContentType:     ContentTypeApplication,
		ApplicationData: data,
	}
	if err := pt.sign(s.Credential); err != nil {
		return nil, err
	}

	generation, kn := s.applicationKeyChain().next(s.Index)
	var guard [4]byte
	if _, err := rand.Read(guard[:]); err != nil {
		return nil, err
	}

	sd := senderData{Sender: s.Index, Generation: generation, ReuseGuard: guard}
	sdBytes, err := marshalTLS(sd)
	if err != nil {
		return nil, err
	}
	sdAEAD, err := s.Suite.NewAEAD(s.Secrets.SenderDataKey)
	if err != nil {
		return nil, err
	}
	sdNonce := make([]byte, s.Suite.Constants().NonceSize)
	if _, err := rand.Read(sdNonce); err != nil {
		return nil, err
	}
	encSD := sdAEAD.Seal(nil, sdNonce, sdBytes, s.senderDataAAD(ContentTypeApplication, sdNonce))

	framed := frameContent(pt.ApplicationData, pt.Signature, 0)
	aead, err := s.Suite.NewAEAD(kn.Key)
	if err != nil {
		return nil, err
	}
	nonce := applyGuard(kn.Nonce, guard)
	ciphertext := aead.Seal(nil, nonce, framed, s.contentAAD(ContentTypeApplication, sdNonce, encSD))

	return &MLSCiphertext{
		GroupID:             dup(s.GroupID),
		Epoch:               s.Epoch,
		ContentType:         ContentTypeApplication,
		SenderDataNonce:     sdNonce,
		EncryptedSenderData: encSD,
		Ciphertext:          ciphertext,
	}, nil
}

// Unprotect reverses Protect, verifying the sender's signature and
// erasing the consumed generation's key material once it has been used.
func (s *GroupState) Unprotect(ct *MLSCiphertext) ([]byte, error) {
	if !bytes.Equal(ct.GroupID, s.GroupID) {
		return nil, fmt.Errorf("mls.state: unprotect message for a different group: %w", ErrProtocolError)
	}
	if ct.Epoch != s.Epoch {
		return nil, fmt.Errorf("mls.state: unprotect message for epoch %d, have %d: %w", ct.Epoch, s.Epoch, ErrMissingState)
	}

	sdAEAD, err := s.Suite.NewAEAD(s.Secrets.SenderDataKey)
	if err != nil {
		return nil, err
	}
	sdBytes, err := sdAEAD.Open(nil, ct.SenderDataNonce, ct.EncryptedSenderData, s.senderDataAAD(ct.ContentType, ct.SenderDataNonce))
	if err != nil {
		return nil, fmt.Errorf("mls.state: open sender data: %w: %s", ErrProtocolError, err)
	}
	var sd senderData
	if _, err := unmarshalTLS(sdBytes, &sd); err != nil {
		return nil, err
	}

	kn, err := s.chainFor(ct.ContentType).get(sd.Sender, sd.Generation)
	if err != nil {
		return nil, err
	}
	aead, err := s.Suite.NewAEAD(kn.Key)
	if err != nil {
		return nil, err
	}
	nonce := applyGuard(kn.Nonce, sd.ReuseGuard)
	aad := s.contentAAD(ct.ContentType, ct.SenderDataNonce, ct.EncryptedSenderData)
	framed, err := aead.Open(nil, nonce, ct.Ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("mls.state: open message: %w: %s", ErrProtocolError, err)
	}

	content, signature, err := parseFramedContent(framed)
	if err != nil {
		return nil, err
	}

	cred, err := s.Tree.GetCredential(sd.Sender)
	if err != nil {
		return nil, err
	}
	pt := &MLSPlaintext{
		GroupID:         dup(s.GroupID),
		Epoch:           s.Epoch,
		Sender:          sd.Sender,
		ContentType:     ct.ContentType,
		ApplicationData: content,
		Signature:       signature,
	}
	if !pt.verify(cred) {
		return nil, fmt.Errorf("mls.state: application signature verification failed: %w", ErrProtocolError)
	}

	s.chainFor(ct.ContentType).erase(sd.Sender, sd.Generation)
	return content, nil
}

// sealHandshake seals a whole signed MLSPlaintext under the handshake key
// chain, for Session's optional encrypt-handshake mode (see DESIGN.md's
// supplemented features). Unlike Protect, the plaintext already carries
// its own signature, so there's no separate frame to build.
func (s *GroupState) sealHandshake(pt *MLSPlaintext) (*MLSCiphertext, error) {
	ptBytes, err := pt.MarshalTLS()
	if err != nil {
		return nil, err
	}
	generation, kn := s.handshakeKeyChain().next(pt.Sender)
	var guard [4]byte
	if _, err := rand.Read(guard[:]); err != nil {
		return nil, err
	}

	sd := senderData{Sender: pt.Sender, Generation: generation, ReuseGuard: guard}
	sdBytes, err := marshalTLS(sd)
	if err != nil {
		return nil, err
	}
	sdAEAD, err := s.Suite.NewAEAD(s.Secrets.SenderDataKey)
	if err != nil {
		return nil, err
	}
	sdNonce := make([]byte, s.Suite.Constants().NonceSize)
	if _, err := rand.Read(sdNonce); err != nil {
		return nil, err
	}
	encSD := sdAEAD.Seal(nil, sdNonce, sdBytes, s.senderDataAAD(ContentTypeHandshake, sdNonce))

	aead, err := s.Suite.NewAEAD(kn.Key)
	if err != nil {
		return nil, err
	}
	nonce := applyGuard(kn.Nonce, guard)
	ciphertext := aead.Seal(nil, nonce, ptBytes, s.contentAAD(ContentTypeHandshake, sdNonce, encSD))

	return &MLSCiphertext{
		GroupID:             dup(s.GroupID),
		Epoch:               s.Epoch,
		ContentType:         ContentTypeHandshake,
		SenderDataNonce:     sdNonce,
		EncryptedSenderData: encSD,
		Ciphertext:          ciphertext,
	}, nil
}

// openHandshake reverses sealHandshake, returning the enclosed
// MLSPlaintext for the caller to pass to Handle.
func (s *GroupState) openHandshake(ct *MLSCiphertext) (*MLSPlaintext, error) {
	sdAEAD, err := s.Suite.NewAEAD(s.Secrets.SenderDataKey)
	if err != nil {
		return nil, err
	}
	sdBytes, err := sdAEAD.Open(nil, ct.SenderDataNonce, ct.EncryptedSenderData, s.senderDataAAD(ContentTypeHandshake, ct.SenderDataNonce))
	if err != nil {
		return nil, fmt.Errorf("mls.state: open handshake sender data: %w: %s", ErrProtocolError, err)
	}
	var sd senderData
	if _, err := unmarshalTLS(sdBytes, &sd); err != nil {
		return nil, err
	}

	kn, err := s.handshakeKeyChain().get(sd.Sender, sd.Generation)
	if err != nil {
		return nil, err
	}
	aead, err := s.Suite.NewAEAD(kn.Key)
	if err != nil {
		return nil, err
	}
	nonce := applyGuard(kn.Nonce, sd.ReuseGuard)
	aad := s.contentAAD(ContentTypeHandshake, ct.SenderDataNonce, ct.EncryptedSenderData)
	ptBytes, err := aead.Open(nil, nonce, ct.Ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("mls.state: open handshake message: %w: %s", ErrProtocolError, err)
	}

	pt := new(MLSPlaintext)
	if _, err := pt.UnmarshalTLS(ptBytes); err != nil {
		return nil, err
	}
	s.handshakeKeyChain().erase(sd.Sender, sd.Generation)
	return pt, nil
}

// Export derives labeled keying material from the current epoch's
// exporter secret, for use outside the group protocol itself (e.g.
// channel binding).
func (s *GroupState) Export(label string, context []byte, length int) []byte {
	return s.Secrets.export(label, context, length)
}
