package mls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"math/big"

	hpke "github.com/cisco/go-hpke"
	"github.com/cloudflare/circl/sign/ed448"
	"golang.org/x/crypto/ed25519"
)

// HPKEPublicKey and HPKEPrivateKey wrap the raw encodings go-hpke's KEM
// schemes operate on. Keeping them as thin structs around []byte (rather
// than interface{} or the underlying curve-specific structs) lets every layer
// above this one — the ratchet tree, ClientInitKey, ephemeral joiner
// secrets — treat DH keys as opaque wire-shaped values.
type HPKEPublicKey struct {
	Data []byte `tls:"head=2"`
}

type HPKEPrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey HPKEPublicKey
}

// HPKECiphertext is the output of a single-shot HPKE seal: the KEM
// encapsulation plus the AEAD-sealed payload.
type HPKECiphertext struct {
	KEMOutput  []byte `tls:"head=2"`
	Ciphertext []byte `tls:"head=4"`
}

type hpkeEngine struct {
	suite CipherSuite
}

func (e hpkeEngine) assemble() (hpke.CipherSuite, error) {
	kemID, kdfID, aeadID, err := hpkeSuiteIDs(e.suite)
	if err != nil {
		return hpke.CipherSuite{}, err
	}
	cs, err := hpke.AssembleCipherSuite(kemID, kdfID, aeadID)
	if err != nil {
		return hpke.CipherSuite{}, fmt.Errorf("mls: assemble hpke suite: %w", err)
	}
	return cs, nil
}

// Generate produces a fresh HPKE key pair for this suite's KEM.
func (e hpkeEngine) Generate() (HPKEPrivateKey, error) {
	cs, err := e.assemble()
	if err != nil {
		return HPKEPrivateKey{}, err
	}
	ikm := make([]byte, cs.KEM.PrivateKeySize())
	if _, err := rand.Read(ikm); err != nil {
		return HPKEPrivateKey{}, fmt.Errorf("mls: hpke generate: %w", err)
	}
	priv, pub, err := cs.KEM.DeriveKeyPair(ikm)
	if err != nil {
		return HPKEPrivateKey{}, fmt.Errorf("mls: hpke generate: %w", err)
	}
	return HPKEPrivateKey{
		Data:      cs.KEM.SerializePrivateKey(priv),
		PublicKey: HPKEPublicKey{Data: cs.KEM.SerializePublicKey(pub)},
	}, nil
}

// Derive deterministically produces a key pair from seed material, by
// expanding the seed under the "derive-key-pair" label and feeding the
// result to the KEM's DeriveKeyPair. The seed is used as given: callers
// that need per-suite separation (NewClientInitKey) fold the suite's wire
// tag into the seed before calling Derive.
func (e hpkeEngine) Derive(seed []byte) (HPKEPrivateKey, error) {
	cs, err := e.assemble()
	if err != nil {
		return HPKEPrivateKey{}, err
	}
	taggedSeed := e.suite.hkdfExpandLabel(seed, "derive-key-pair", nil, e.suite.Constants().SecretSize)
	priv, pub, err := cs.KEM.DeriveKeyPair(taggedSeed)
	if err != nil {
		return HPKEPrivateKey{}, fmt.Errorf("mls: hpke derive: %w", err)
	}
	return HPKEPrivateKey{
		Data:      cs.KEM.SerializePrivateKey(priv),
		PublicKey: HPKEPublicKey{Data: cs.KEM.SerializePublicKey(pub)},
	}, nil
}

// Encrypt performs a single-shot HPKE base-mode seal of pt under pub,
// authenticating aad.
func (e hpkeEngine) Encrypt(pub HPKEPublicKey, aad, pt []byte) (HPKECiphertext, error) {
	cs, err := e.assemble()
	if err != nil {
		return HPKECiphertext{}, err
	}
	pkR, err := cs.KEM.DeserializePublicKey(pub.Data)
	if err != nil {
		return HPKECiphertext{}, fmt.Errorf("mls: hpke deserialize pub: %w", err)
	}
	enc, ctx, err := hpke.SetupBaseS(cs, rand.Reader, pkR, []byte{})
	if err != nil {
		return HPKECiphertext{}, fmt.Errorf("mls: hpke setup: %w", err)
	}
	ct := ctx.Seal(aad, pt)
	return HPKECiphertext{KEMOutput: enc, Ciphertext: ct}, nil
}

// Decrypt reverses Encrypt using the matching private key.
func (e hpkeEngine) Decrypt(priv HPKEPrivateKey, aad []byte, ct HPKECiphertext) ([]byte, error) {
	cs, err := e.assemble()
	if err != nil {
		return nil, err
	}
	skR, err := cs.KEM.DeserializePrivateKey(priv.Data)
	if err != nil {
		return nil, fmt.Errorf("mls: hpke deserialize priv: %w", err)
	}
	dctx, err := hpke.SetupBaseR(cs, skR, ct.KEMOutput, []byte{})
	if err != nil {
		return nil, fmt.Errorf("mls: hpke setup: %w", err)
	}
	pt, err := dctx.Open(aad, ct.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("mls: hpke open: %w: %s", ErrProtocolError, err)
	}
	return pt, nil
}

// signingScheme resolves the concrete generate/sign/verify
// operations for a SignatureScheme, isolating credential.go from the
// per-curve details.
type signingScheme struct {
	scheme SignatureScheme
}

func (s signingScheme) curve() elliptic.Curve {
	switch s.scheme {
	case ECDSA_SECP256R1_SHA256:
		return elliptic.P256()
	case ECDSA_SECP521R1_SHA512:
		return elliptic.P521()
	default:
		return nil
	}
}

func (s signingScheme) Generate() ([]byte, []byte, error) {
	switch s.scheme {
	case Ed25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		return priv, pub, nil
	case Ed448:
		pub, priv, err := ed448.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		return priv, pub, nil
	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		priv, err := ecdsa.GenerateKey(s.curve(), rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		return ecdsaMarshalPrivate(priv), elliptic.Marshal(s.curve(), priv.PublicKey.X, priv.PublicKey.Y), nil
	default:
		return nil, nil, fmt.Errorf("mls: signing scheme generate: %w", ErrInvalidParameter)
	}
}

func (s signingScheme) Sign(priv, msg []byte) ([]byte, error) {
	switch s.scheme {
	case Ed25519:
		return ed25519.Sign(ed25519.PrivateKey(priv), msg), nil
	case Ed448:
		return ed448.Sign(ed448.PrivateKey(priv), msg, ""), nil
	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		sk := ecdsaUnmarshalPrivate(s.curve(), priv)
		digest := s.digest(msg)
		r, sVal, err := ecdsa.Sign(rand.Reader, sk, digest)
		if err != nil {
			return nil, err
		}
		// r and s are each left-padded to the curve's byte size, so Verify
		// can split the signature into two equal halves.
		size := (s.curve().Params().BitSize + 7) / 8
		sig := make([]byte, 2*size)
		r.FillBytes(sig[:size])
		sVal.FillBytes(sig[size:])
		return sig, nil
	default:
		return nil, fmt.Errorf("mls: signing scheme sign: %w", ErrInvalidParameter)
	}
}

func (s signingScheme) Verify(pub, msg, sig []byte) bool {
	switch s.scheme {
	case Ed25519:
		return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
	case Ed448:
		return ed448.Verify(ed448.PublicKey(pub), msg, sig, "")
	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		x, y := elliptic.Unmarshal(s.curve(), pub)
		if x == nil {
			return false
		}
		pk := &ecdsa.PublicKey{Curve: s.curve(), X: x, Y: y}
		half := len(sig) / 2
		r := new(big.Int).SetBytes(sig[:half])
		sVal := new(big.Int).SetBytes(sig[half:])
		return ecdsa.Verify(pk, s.digest(msg), r, sVal)
	default:
		return false
	}
}

func (s signingScheme) digest(msg []byte) []byte {
	if s.scheme == ECDSA_SECP521R1_SHA512 {
		h := sha512.Sum512(msg)
		return h[:]
	}
	h := sha256.Sum256(msg)
	return h[:]
}

func ecdsaMarshalPrivate(sk *ecdsa.PrivateKey) []byte {
	return sk.D.Bytes()
}

func ecdsaUnmarshalPrivate(curve elliptic.Curve, data []byte) *ecdsa.PrivateKey {
	sk := new(ecdsa.PrivateKey)
	sk.PublicKey.Curve = curve
	sk.D = new(big.Int).SetBytes(data)
	sk.PublicKey.X, sk.PublicKey.Y = curve.ScalarBaseMult(data)
	return sk
}
