package mls

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	hpke "github.com/cisco/go-hpke"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// CipherSuite names one of the five fixed combinations of DH group, hash,
// and AEAD this library supports. Everything that touches key material —
// the ratchet tree, the key schedule, credentials — is parameterized by
// one of these values; there is no per-field algorithm negotiation below
// this layer.
type CipherSuite uint16

const (
	P256_AES128GCM_SHA256_P256              CipherSuite = 0x0000
	P521_AES256GCM_SHA512_P521              CipherSuite = 0x0001
	X25519_AES128GCM_SHA256_Ed25519         CipherSuite = 0x0002
	X448_AES256GCM_SHA512_Ed448             CipherSuite = 0x0003
	X25519_CHACHA20POLY1305_SHA256_Ed25519  CipherSuite = 0x0004
)

func (cs CipherSuite) String() string {
	switch cs {
	case P256_AES128GCM_SHA256_P256:
		return "P256_AES128GCM_SHA256_P256"
	case P521_AES256GCM_SHA512_P521:
		return "P521_AES256GCM_SHA512_P521"
	case X25519_AES128GCM_SHA256_Ed25519:
		return "X25519_AES128GCM_SHA256_Ed25519"
	case X448_AES256GCM_SHA512_Ed448:
		return "X448_AES256GCM_SHA512_Ed448"
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return "X25519_CHACHA20POLY1305_SHA256_Ed25519"
	default:
		return "UnknownCipherSuite"
	}
}

type suiteConstants struct {
	HashSize   int
	KeySize    int
	NonceSize  int
	SecretSize int
}

func (cs CipherSuite) Constants() suiteConstants {
	switch cs {
	case P256_AES128GCM_SHA256_P256, X25519_AES128GCM_SHA256_Ed25519, X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return suiteConstants{HashSize: 32, KeySize: 16, NonceSize: 12, SecretSize: 32}
	case P521_AES256GCM_SHA512_P521, X448_AES256GCM_SHA512_Ed448:
		return suiteConstants{HashSize: 64, KeySize: 32, NonceSize: 12, SecretSize: 64}
	default:
		panic(fmt.Sprintf("mls: %v", ErrInvalidParameter))
	}
}

func (cs CipherSuite) newHash() func() hash.Hash {
	if cs.Constants().HashSize == 64 {
		return sha512.New
	}
	return sha256.New
}

// Digest hashes data with this suite's hash function.
func (cs CipherSuite) Digest(data []byte) []byte {
	h := cs.newHash()()
	h.Write(data)
	return h.Sum(nil)
}

func (cs CipherSuite) hmac(key, data []byte) []byte {
	h := hmac.New(cs.newHash(), key)
	h.Write(data)
	return h.Sum(nil)
}

func (cs CipherSuite) hkdfExtract(salt, ikm []byte) []byte {
	if salt == nil {
		salt = make([]byte, cs.Constants().HashSize)
	}
	return hkdf.Extract(cs.newHash(), ikm, salt)
}

func (cs CipherSuite) hkdfExpand(secret, info []byte, size int) []byte {
	out := make([]byte, size)
	r := hkdf.Expand(cs.newHash(), secret, info)
	if _, err := r.Read(out); err != nil {
		panic(fmt.Sprintf("mls: hkdf-expand: %v", err))
	}
	return out
}

// hkdfExpandLabel implements the TLS-1.3-style HKDF-Expand-Label
// construction: a length-prefixed struct { size, "mls10 "+label, context }
// as the expand info, following spec's Derive-Secret formula.
func (cs CipherSuite) hkdfExpandLabel(secret []byte, label string, context []byte, size int) []byte {
	ws := NewWriteStream()
	_ = ws.Write(uint16(size))
	_ = ws.Write(mlsLabel("mls10 " + label))
	_ = ws.Write(mlsContext(context))
	return cs.hkdfExpand(secret, ws.Data(), size)
}

type mlsLabel []byte

func (l mlsLabel) MarshalTLS() ([]byte, error) {
	return tlsHead1(l), nil
}

type mlsContext []byte

func (c mlsContext) MarshalTLS() ([]byte, error) {
	return tlsHead4(c), nil
}

func tlsHead1(b []byte) []byte {
	out := make([]byte, 1+len(b))
	out[0] = byte(len(b))
	copy(out[1:], b)
	return out
}

func tlsHead4(b []byte) []byte {
	n := len(b)
	out := make([]byte, 4+n)
	out[0] = byte(n >> 24)
	out[1] = byte(n >> 16)
	out[2] = byte(n >> 8)
	out[3] = byte(n)
	copy(out[4:], b)
	return out
}

// deriveSecret is spec's Derive-Secret(secret, label, context) primitive:
// HKDF-Expand-Label to the suite's native secret size.
func (cs CipherSuite) deriveSecret(secret []byte, label string, context []byte) []byte {
	return cs.hkdfExpandLabel(secret, label, context, cs.Constants().SecretSize)
}

// deriveAppSecret derives a fixed-size secret keyed by node and generation,
// the primitive underlying both the per-sender application key chain and
// the per-sender base secrets KeyChain hands out.
func (cs CipherSuite) deriveAppSecret(secret []byte, label string, node, generation uint32, length int) []byte {
	ws := NewWriteStream()
	_ = ws.Write(uint32(node))
	_ = ws.Write(uint32(generation))
	return cs.hkdfExpandLabel(secret, label, ws.Data(), length)
}

// NewAEAD builds the suite's AEAD cipher under key: AES-GCM for every
// suite except the ChaCha20-Poly1305 variant, which the teacher's own
// crypto_test.go exercises test vectors for alongside AES-GCM.
func (cs CipherSuite) NewAEAD(key []byte) (cipher.AEAD, error) {
	if cs == X25519_CHACHA20POLY1305_SHA256_Ed25519 {
		return chacha20poly1305.New(key)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("mls: new aead: %w", err)
	}
	return cipher.NewGCM(block)
}

// hpke returns the suite's HPKE facade.
func (cs CipherSuite) hpke() hpkeEngine {
	return hpkeEngine{suite: cs}
}

func hpkeSuiteIDs(cs CipherSuite) (hpke.KEMID, hpke.KDFID, hpke.AEADID, error) {
	switch cs {
	case P256_AES128GCM_SHA256_P256:
		return hpke.DHKEM_P256, hpke.KDF_HKDF_SHA256, hpke.AEAD_AESGCM128, nil
	case P521_AES256GCM_SHA512_P521:
		return hpke.DHKEM_P521, hpke.KDF_HKDF_SHA512, hpke.AEAD_AESGCM256, nil
	case X25519_AES128GCM_SHA256_Ed25519:
		return hpke.DHKEM_X25519, hpke.KDF_HKDF_SHA256, hpke.AEAD_AESGCM128, nil
	case X448_AES256GCM_SHA512_Ed448:
		return hpke.DHKEM_X448, hpke.KDF_HKDF_SHA512, hpke.AEAD_AESGCM256, nil
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return hpke.DHKEM_X25519, hpke.KDF_HKDF_SHA256, hpke.AEAD_CHACHA20POLY1305, nil
	default:
		return 0, 0, 0, fmt.Errorf("mls: hpke suite: %w", ErrInvalidParameter)
	}
}

// SignatureScheme identifies the asymmetric signature algorithm backing a
// Basic credential. It travels with the credential rather than the
// CipherSuite, since two members of a group may authenticate under
// different schemes while agreeing on one CipherSuite for the tree.
type SignatureScheme uint16

const (
	ECDSA_SECP256R1_SHA256 SignatureScheme = 0x0403
	ECDSA_SECP521R1_SHA512 SignatureScheme = 0x0603
	Ed25519                SignatureScheme = 0x0807
	Ed448                  SignatureScheme = 0x0808
)

func (s SignatureScheme) String() string {
	switch s {
	case ECDSA_SECP256R1_SHA256:
		return "ecdsa_secp256r1_sha256"
	case ECDSA_SECP521R1_SHA512:
		return "ecdsa_secp521r1_sha512"
	case Ed25519:
		return "ed25519"
	case Ed448:
		return "ed448"
	default:
		return "UnknownSignatureScheme"
	}
}
