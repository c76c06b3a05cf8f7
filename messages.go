package mls

import (
	"bytes"
	"fmt"
)

// ClientInitKey is a client's standing offer to be added to a group: one
// DH public key per supported cipher suite, a credential identifying the
// client, and a signature over the whole thing.
type ClientInitKey struct {
	SupportedVersion uint8
	CipherSuites     []CipherSuite   `tls:"head=1"`
	InitKeys         []HPKEPublicKey `tls:"head=2"`
	Credential       Credential
	Signature        []byte `tls:"head=2"`

	privateKeys map[CipherSuite]HPKEPrivateKey `tls:"omit"`
}

const protocolVersionMLS10 uint8 = 0xFF

// NewClientInitKey derives one key pair per suite from a single secret,
// per DESIGN.md's Open Question resolution: the suite's wire tag is
// folded into the HPKE derive seed so the suites don't collapse to a
// shared DH key.
func NewClientInitKey(secret []byte, suites []CipherSuite, cred Credential) (*ClientInitKey, error) {
	if len(suites) == 0 {
		return nil, fmt.Errorf("mls.messages: client init key with no suites: %w", ErrInvalidParameter)
	}
	cik := &ClientInitKey{
		SupportedVersion: protocolVersionMLS10,
		CipherSuites:     append([]CipherSuite{}, suites...),
		InitKeys:         make([]HPKEPublicKey, len(suites)),
		Credential:       cred,
		privateKeys:      make(map[CipherSuite]HPKEPrivateKey, len(suites)),
	}
	for i, suite := range suites {
		seed := suite.hkdfExpandLabel(secret, "client-init-key", []byte{byte(suite)}, suite.Constants().SecretSize)
		priv, err := suite.hpke().Derive(seed)
		if err != nil {
			return nil, err
		}
		cik.InitKeys[i] = priv.PublicKey
		cik.privateKeys[suite] = priv
	}
	if err := cik.sign(); err != nil {
		return nil, err
	}
	return cik, nil
}

func (c *ClientInitKey) initKeyForSuite(suite CipherSuite) (HPKEPublicKey, bool) {
	for i, s := range c.CipherSuites {
		if s == suite {
			return c.InitKeys[i], true
		}
	}
	return HPKEPublicKey{}, false
}

func (c *ClientInitKey) privateKeyForSuite(suite CipherSuite) (HPKEPrivateKey, bool) {
	if c.privateKeys == nil {
		return HPKEPrivateKey{}, false
	}
	priv, ok := c.privateKeys[suite]
	return priv, ok
}

func (c *ClientInitKey) signedContent() ([]byte, error) {
	ws := NewWriteStream()
	if err := ws.WriteAll(c.SupportedVersion, c.CipherSuites, c.InitKeys, c.Credential); err != nil {
		return nil, err
	}
	return ws.Data(), nil
}

func (c *ClientInitKey) sign() error {
	content, err := c.signedContent()
	if err != nil {
		return err
	}
	sig, err := c.Credential.Sign(content)
	if err != nil {
		return err
	}
	c.Signature = sig
	return nil
}

func (c *ClientInitKey) Verify() bool {
	content, err := c.signedContent()
	if err != nil {
		return false
	}
	return c.Credential.Verify(content, c.Signature)
}

// id returns a suite-0 digest of the whole init key, used to name it in a
// Welcome without repeating the whole struct.
func (c *ClientInitKey) id() []byte {
	data, err := marshalTLS(c)
	if err != nil {
		panic(err)
	}
	return P256_AES128GCM_SHA256_P256.Digest(data)
}

// RatchetPathNode is one entry of a DirectPath: a node's new public key,
// plus the path secret encrypted to each member of that node's sibling
// resolution. The first entry of a DirectPath (the leaf itself) always
// carries an empty EncryptedPathSecret, since nobody but the sender needs
// the leaf secret.
type RatchetPathNode struct {
	PublicKey           HPKEPublicKey
	EncryptedPathSecret []HPKECiphertext `tls:"head=2"`
}

// DirectPath is the sender's freshly re-keyed path from its leaf to the
// root, as produced by RatchetTree.Encrypt and consumed by
// RatchetTree.Decrypt.
type DirectPath struct {
	Nodes []RatchetPathNode `tls:"head=2"`
}

// GroupOperationType tags the three ways a handshake message can change
// group membership or keying. The zero value is never a valid wire
// value; see groupOperationTypeNone below.
type GroupOperationType uint8

const (
	groupOperationTypeNone            GroupOperationType = 0
	GroupOperationTypeAdd             GroupOperationType = 1
	GroupOperationTypeUpdate          GroupOperationType = 2
	GroupOperationTypeRemove          GroupOperationType = 3
)

type AddOperation struct {
	Index           leafIndex
	InitKey         ClientInitKey
	WelcomeInfoHash []byte `tls:"head=1"`
}

type UpdateOperation struct {
	Path DirectPath
}

type RemoveOperation struct {
	Removed leafIndex
	Path    DirectPath
}

// GroupOperation is the sum type of the three handshake payloads. Its
// zero value has Type == groupOperationTypeNone, an internal sentinel a
// valid UnmarshalTLS never produces and a constructor never returns;
// Marshaling it is a programmer error, not a wire condition.
type GroupOperation struct {
	Type   GroupOperationType
	Add    *AddOperation
	Update *UpdateOperation
	Remove *RemoveOperation
}

func (op *GroupOperation) MarshalTLS() ([]byte, error) {
	ws := NewWriteStream()
	switch op.Type {
	case GroupOperationTypeAdd:
		if err := ws.WriteAll(op.Type, op.Add); err != nil {
			return nil, err
		}
	case GroupOperationTypeUpdate:
		if err := ws.WriteAll(op.Type, op.Update); err != nil {
			return nil, err
		}
	case GroupOperationTypeRemove:
		if err := ws.WriteAll(op.Type, op.Remove); err != nil {
			return nil, err
		}
	default:
		panic("mls.messages: marshal of an uninitialized GroupOperation")
	}
	return ws.Data(), nil
}

func (op *GroupOperation) UnmarshalTLS(data []byte) (int, error) {
	rs := NewReadStream(data)
	var t GroupOperationType
	if _, err := rs.Read(&t); err != nil {
		return 0, err
	}
	switch t {
	case GroupOperationTypeAdd:
		a := new(AddOperation)
		if _, err := rs.Read(a); err != nil {
			return 0, err
		}
		op.Add = a
	case GroupOperationTypeUpdate:
		u := new(UpdateOperation)
		if _, err := rs.Read(u); err != nil {
			return 0, err
		}
		op.Update = u
	case GroupOperationTypeRemove:
		r := new(RemoveOperation)
		if _, err := rs.Read(r); err != nil {
			return 0, err
		}
		op.Remove = r
	default:
		return 0, fmt.Errorf("mls.messages: unknown group operation type %d: %w", t, ErrInvalidTLSSyntax)
	}
	op.Type = t
	return rs.Consumed(), nil
}

// ContentType tags whether an MLSPlaintext carries a handshake operation
// or application data.
type ContentType uint8

const (
	ContentTypeHandshake   ContentType = 1
	ContentTypeApplication ContentType = 2
)

// MLSPlaintext is the unencrypted form of a framed group message: either
// a GroupOperation plus a confirmation tag closing out the epoch it
// belongs to, or opaque application data. The signature covers exactly
// group_id, epoch, sender, content_type, and the content-tail (Operation
// plus Confirmation, or ApplicationData) -- no external context is mixed
// into it.
type MLSPlaintext struct {
	GroupID         []byte `tls:"head=1"`
	Epoch           uint64
	Sender          leafIndex
	ContentType     ContentType
	Operation       *GroupOperation `tls:"omit"`
	Confirmation    []byte          `tls:"omit"`
	ApplicationData []byte          `tls:"omit"`
	Signature       []byte          `tls:"omit"`
}

// content returns the marshaled content-tail: (Operation, Confirmation)
// for a handshake message, or ApplicationData for an application
// message. Per DESIGN.md's Open Question resolution this accessor exists
// for symmetry but the handshake path never calls it -- opContent and
// opAuth below split the tail the way the transcript hash actually needs
// it split.
func (pt *MLSPlaintext) content() []byte {
	ws := NewWriteStream()
	switch pt.ContentType {
	case ContentTypeHandshake:
		_ = ws.WriteAll(pt.Operation, pt.Confirmation)
	case ContentTypeApplication:
		_ = ws.Write(pt.ApplicationData)
	}
	return ws.Data()
}

func (pt *MLSPlaintext) header() []byte {
	ws := NewWriteStream()
	_ = ws.WriteAll(mlsOpaque1(pt.GroupID), pt.Epoch, pt.Sender, pt.ContentType)
	return ws.Data()
}

type mlsOpaque1 []byte

func (o mlsOpaque1) MarshalTLS() ([]byte, error) {
	return tlsHead1(o), nil
}

// opContent is group_id||epoch||sender||content_type||operation, with
// neither the confirmation tag nor the signature: the input to the
// confirmed transcript hash.
func (pt *MLSPlaintext) opContent() []byte {
	ws := NewWriteStream()
	ws.Append(pt.header())
	_ = ws.Write(pt.Operation)
	return ws.Data()
}

// opAuth is confirmation||signature: the input chained into the interim
// transcript hash on top of opContent.
func (pt *MLSPlaintext) opAuth() []byte {
	return concat(pt.Confirmation, pt.Signature)
}

func (pt *MLSPlaintext) signBytes() []byte {
	ws := NewWriteStream()
	ws.Append(pt.header())
	switch pt.ContentType {
	case ContentTypeHandshake:
		_ = ws.WriteAll(pt.Operation, mlsOpaque1(pt.Confirmation))
	case ContentTypeApplication:
		ws.Append(pt.ApplicationData)
	}
	return ws.Data()
}

func (pt *MLSPlaintext) MarshalTLS() ([]byte, error) {
	ws := NewWriteStream()
	ws.Append(pt.header())
	switch pt.ContentType {
	case ContentTypeHandshake:
		if err := ws.WriteAll(pt.Operation, mlsOpaque1(pt.Confirmation)); err != nil {
			return nil, err
		}
	case ContentTypeApplication:
		if err := ws.Write(mlsOpaque4(pt.ApplicationData)); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("mls.messages: marshal plaintext with unknown content type: %w", ErrInvalidParameter)
	}
	if err := ws.Write(mlsOpaque2(pt.Signature)); err != nil {
		return nil, err
	}
	return ws.Data(), nil
}

type mlsOpaque2 []byte

func (o mlsOpaque2) MarshalTLS() ([]byte, error) {
	out := make([]byte, 2+len(o))
	out[0] = byte(len(o) >> 8)
	out[1] = byte(len(o))
	copy(out[2:], o)
	return out, nil
}

type mlsOpaque4 []byte

func (o mlsOpaque4) MarshalTLS() ([]byte, error) {
	return tlsHead4(o), nil
}

func (pt *MLSPlaintext) UnmarshalTLS(data []byte) (int, error) {
	rs := NewReadStream(data)
	var groupID []byte
	if _, err := rs.Read(&groupID); err != nil {
		return 0, err
	}
	pt.GroupID = groupID
	if _, err := rs.ReadAll(&pt.Epoch, &pt.Sender, &pt.ContentType); err != nil {
		return 0, err
	}
	switch pt.ContentType {
	case ContentTypeHandshake:
		op := new(GroupOperation)
		var confirmation []byte
		if _, err := rs.ReadAll(op, &confirmation); err != nil {
			return 0, err
		}
		pt.Operation = op
		pt.Confirmation = confirmation
	case ContentTypeApplication:
		var appData []byte
		if _, err := rs.Read(&appData); err != nil {
			return 0, err
		}
		pt.ApplicationData = appData
	default:
		return 0, fmt.Errorf("mls.messages: unknown content type %d: %w", pt.ContentType, ErrInvalidTLSSyntax)
	}
	var sig []byte
	if _, err := rs.Read(&sig); err != nil {
		return 0, err
	}
	pt.Signature = sig
	return rs.Consumed(), nil
}

func (pt *MLSPlaintext) sign(cred Credential) error {
	sig, err := cred.Sign(pt.signBytes())
	if err != nil {
		return err
	}
	pt.Signature = sig
	return nil
}

func (pt *MLSPlaintext) verify(cred *Credential) bool {
	if cred == nil {
		return false
	}
	return cred.Verify(pt.signBytes(), pt.Signature)
}

// MLSCiphertext is the encrypted transport of an MLSPlaintext: sender
// identity and key-chain generation ride inside the AEAD-sealed
// sender-data envelope rather than in the clear, alongside a per-message
// nonce reuse guard (see DESIGN.md's supplemented features). The content
// type travels in the clear.
type MLSCiphertext struct {
	GroupID              []byte `tls:"head=1"`
	Epoch                uint64
	ContentType          ContentType
	SenderDataNonce      []byte `tls:"head=1"`
	EncryptedSenderData  []byte `tls:"head=1"`
	Ciphertext           []byte `tls:"head=4"`
}

// senderData is the plaintext sealed inside EncryptedSenderData: which
// leaf sent the message, at what generation of its application key
// chain, and the reuse guard XORed into the ciphertext's AEAD nonce.
type senderData struct {
	Sender     leafIndex
	Generation uint32
	ReuseGuard [4]byte
}

// applyGuard XORs a 4-byte reuse guard into the first four bytes of a
// nonce before it is used to seal or open a message, so a repeated
// generation counter (from a buggy or malicious sender) doesn't reuse an
// AEAD nonce outright.
func applyGuard(nonce []byte, guard [4]byte) []byte {
	out := dup(nonce)
	for i := 0; i < 4 && i < len(out); i++ {
		out[i] ^= guard[i]
	}
	return out
}

// frameContent packs content and its signature into the padded wire
// layout described in §6: opaque content, opaque signature, a length
// prefix for the signature, a 0x01 marker, and zero padding out to a
// multiple of blockSize (0 disables padding).
func frameContent(content, signature []byte, blockSize int) []byte {
	buf := new(bytes.Buffer)
	buf.Write(content)
	buf.Write(signature)
	buf.WriteByte(byte(len(signature) >> 8))
	buf.WriteByte(byte(len(signature)))
	buf.WriteByte(0x01)

	if blockSize > 0 {
		rem := buf.Len() % blockSize
		if rem != 0 {
			buf.Write(make([]byte, blockSize-rem))
		}
	}
	return buf.Bytes()
}

func parseFramedContent(data []byte) (content, signature []byte, err error) {
	end := len(data)
	for end > 0 && data[end-1] == 0x00 {
		end--
	}
	if end == 0 || data[end-1] != 0x01 {
		return nil, nil, fmt.Errorf("mls.messages: missing frame marker: %w", ErrProtocolError)
	}
	end--
	if end < 2 {
		return nil, nil, fmt.Errorf("mls.messages: truncated frame: %w", ErrProtocolError)
	}
	sigLen := int(data[end-2])<<8 | int(data[end-1])
	end -= 2
	if sigLen > end {
		return nil, nil, fmt.Errorf("mls.messages: signature length overruns frame: %w", ErrProtocolError)
	}
	signature = dup(data[end-sigLen : end])
	content = dup(data[:end-sigLen])
	return content, signature, nil
}
