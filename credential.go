package mls

import (
	"bytes"
	"fmt"
)

// CredentialType tags the sum type below on the wire. Only Basic is
// modeled: the type this library's Credential data model actually
// defines is a single Basic variant, so there is no X.509 arm to marshal
// or verify against a trust store here.
type CredentialType uint8

const (
	CredentialTypeBasic CredentialType = 0
)

// BasicCredential binds an opaque application identity to a signature
// public key under a named scheme.
type BasicCredential struct {
	Identity        []byte `tls:"head=2"`
	SignatureScheme SignatureScheme
	PublicKey       []byte `tls:"head=2"`

	privateKey []byte `tls:"omit"`
}

// Credential is presently a single-variant sum type; the wrapper exists
// so that adding a second credential kind later doesn't change every
// signature over the enclosing structs.
type Credential struct {
	Basic *BasicCredential
}

// NewBasicCredential generates a fresh signing key pair under scheme and
// wraps it with identity.
func NewBasicCredential(identity []byte, scheme SignatureScheme) (Credential, error) {
	priv, pub, err := (signingScheme{scheme}).Generate()
	if err != nil {
		return Credential{}, fmt.Errorf("mls: new basic credential: %w", err)
	}
	return Credential{
		Basic: &BasicCredential{
			Identity:        dup(identity),
			SignatureScheme: scheme,
			PublicKey:       pub,
			privateKey:      priv,
		},
	}, nil
}

func (c Credential) Type() CredentialType {
	return CredentialTypeBasic
}

func (c Credential) Identity() []byte {
	return c.Basic.Identity
}

func (c Credential) Scheme() SignatureScheme {
	return c.Basic.SignatureScheme
}

func (c Credential) PublicKey() []byte {
	return c.Basic.PublicKey
}

// PrivateKey returns the local signing key, if this Credential was
// constructed with NewBasicCredential rather than unmarshaled off the
// wire. Unmarshaled credentials never carry a private key.
func (c Credential) PrivateKey() ([]byte, bool) {
	if c.Basic == nil || c.Basic.privateKey == nil {
		return nil, false
	}
	return c.Basic.privateKey, true
}

func (c Credential) Equals(o Credential) bool {
	if c.Basic == nil || o.Basic == nil {
		return c.Basic == o.Basic
	}
	return bytes.Equal(c.Basic.Identity, o.Basic.Identity) &&
		c.Basic.SignatureScheme == o.Basic.SignatureScheme &&
		bytes.Equal(c.Basic.PublicKey, o.Basic.PublicKey)
}

func (c Credential) Sign(msg []byte) ([]byte, error) {
	priv, ok := c.PrivateKey()
	if !ok {
		return nil, fmt.Errorf("mls: sign with unmarshaled credential: %w", ErrInvalidParameter)
	}
	return (signingScheme{c.Scheme()}).Sign(priv, msg)
}

func (c Credential) Verify(msg, sig []byte) bool {
	return (signingScheme{c.Scheme()}).Verify(c.PublicKey(), msg, sig)
}

func (c Credential) MarshalTLS() ([]byte, error) {
	if c.Basic == nil {
		return nil, fmt.Errorf("mls: marshal empty credential: %w", ErrInvalidParameter)
	}
	ws := NewWriteStream()
	if err := ws.WriteAll(CredentialTypeBasic, c.Basic); err != nil {
		return nil, err
	}
	return ws.Data(), nil
}

func (c *Credential) UnmarshalTLS(data []byte) (int, error) {
	rs := NewReadStream(data)
	var t CredentialType
	if _, err := rs.Read(&t); err != nil {
		return 0, err
	}
	if err := validateEnum(uint8(t), uint8(CredentialTypeBasic)); err != nil {
		return 0, fmt.Errorf("mls: unmarshal credential: %w", ErrInvalidTLSSyntax)
	}
	basic := new(BasicCredential)
	if _, err := rs.Read(basic); err != nil {
		return 0, err
	}
	c.Basic = basic
	return rs.Consumed(), nil
}
