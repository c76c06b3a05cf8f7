package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var allTestSuites = []CipherSuite{
	P256_AES128GCM_SHA256_P256,
	P521_AES256GCM_SHA512_P521,
	X25519_AES128GCM_SHA256_Ed25519,
	X448_AES256GCM_SHA512_Ed448,
	X25519_CHACHA20POLY1305_SHA256_Ed25519,
}

func TestCipherSuiteConstants(t *testing.T) {
	for _, suite := range allTestSuites {
		c := suite.Constants()
		require.NotZero(t, c.HashSize)
		require.NotZero(t, c.KeySize)
		require.NotZero(t, c.NonceSize)
		require.NotZero(t, c.SecretSize)
		require.NotEqual(t, "UnknownCipherSuite", suite.String())
	}
}

func TestDigestIsDeterministic(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	msg := []byte("digest me")
	require.Equal(t, suite.Digest(msg), suite.Digest(msg))
	require.NotEqual(t, suite.Digest(msg), suite.Digest([]byte("digest you")))
	require.Equal(t, suite.Constants().HashSize, len(suite.Digest(msg)))
}

func TestHKDFExtractDefaultsSaltToZero(t *testing.T) {
	suite := P256_AES128GCM_SHA256_P256
	ikm := []byte("input key material")
	require.Equal(t, suite.hkdfExtract(nil, ikm), suite.hkdfExtract(make([]byte, suite.Constants().HashSize), ikm))
}

func TestHKDFExpandLabelVariesByLabel(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	secret := suite.Digest([]byte("secret"))
	a := suite.hkdfExpandLabel(secret, "app", nil, 32)
	b := suite.hkdfExpandLabel(secret, "hs", nil, 32)
	require.Len(t, a, 32)
	require.NotEqual(t, a, b)
}

func TestDeriveAppSecretVariesByNodeAndGeneration(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	secret := suite.Digest([]byte("base"))
	a := suite.deriveAppSecret(secret, "app-key", 0, 0, 16)
	b := suite.deriveAppSecret(secret, "app-key", 0, 1, 16)
	c := suite.deriveAppSecret(secret, "app-key", 1, 0, 16)
	require.NotEqual(t, a, b)
	require.NotEqual(t, a, c)
}

func TestNewAEADRoundTrip(t *testing.T) {
	for _, suite := range allTestSuites {
		key := make([]byte, suite.Constants().KeySize)
		aead, err := suite.NewAEAD(key)
		require.Nil(t, err)

		nonce := make([]byte, aead.NonceSize())
		pt := []byte("plaintext for " + suite.String())
		ct := aead.Seal(nil, nonce, pt, []byte("aad"))
		out, err := aead.Open(nil, nonce, ct, []byte("aad"))
		require.Nil(t, err)
		require.Equal(t, pt, out)
	}
}

func TestSigningSchemesRoundTrip(t *testing.T) {
	schemes := []SignatureScheme{Ed25519, Ed448, ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512}
	for _, scheme := range schemes {
		s := signingScheme{scheme}
		priv, pub, err := s.Generate()
		require.Nil(t, err)

		msg := []byte("sign me: " + scheme.String())
		sig, err := s.Sign(priv, msg)
		require.Nil(t, err)
		require.True(t, s.Verify(pub, msg, sig))
		require.False(t, s.Verify(pub, []byte("not the message"), sig))
	}
}

func TestHPKEEngineEncryptDecryptRoundTrip(t *testing.T) {
	for _, suite := range allTestSuites {
		engine := suite.hpke()
		priv, err := engine.Generate()
		require.Nil(t, err)

		aad := []byte("group context")
		pt := []byte("path secret")
		ct, err := engine.Encrypt(priv.PublicKey, aad, pt)
		require.Nil(t, err)

		out, err := engine.Decrypt(priv, aad, ct)
		require.Nil(t, err)
		require.Equal(t, pt, out)
	}
}

func TestHPKEEngineDeriveIsDeterministicPerSuite(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	seed := suite.Digest([]byte("leaf secret"))
	a, err := suite.hpke().Derive(seed)
	require.Nil(t, err)
	b, err := suite.hpke().Derive(seed)
	require.Nil(t, err)
	require.Equal(t, a.PublicKey.Data, b.PublicKey.Data)
}
