package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWelcomeInfoMarshalUnmarshalRoundTrip(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	tree := newRatchetTree(suite)
	cred := newTestCredential(t, "alice")
	require.Nil(t, tree.AddLeafSecret(0, []byte("alice secret"), &cred))

	wi := &WelcomeInfo{
		Version:               protocolVersionMLS10,
		GroupID:               []byte("group"),
		Epoch:                 0,
		Tree:                  *tree,
		InterimTranscriptHash: []byte{1, 2, 3, 4},
		InitSecret:            []byte{5, 6, 7, 8},
	}
	data, err := wi.MarshalTLS()
	require.Nil(t, err)

	out := new(WelcomeInfo)
	n, err := out.unmarshalWithSuite(data, suite)
	require.Nil(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, wi.GroupID, out.GroupID)
	require.Equal(t, wi.Epoch, out.Epoch)
	require.True(t, wi.Tree.Equals(&out.Tree))
	require.Equal(t, wi.InterimTranscriptHash, out.InterimTranscriptHash)
	require.Equal(t, wi.InitSecret, out.InitSecret)
}

func TestWelcomeEncryptDecryptRoundTrip(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	tree := newRatchetTree(suite)
	cred := newTestCredential(t, "alice")
	require.Nil(t, tree.AddLeafSecret(0, []byte("alice secret"), &cred))

	wi := &WelcomeInfo{
		Version:               protocolVersionMLS10,
		GroupID:               []byte("group"),
		Epoch:                 0,
		Tree:                  *tree,
		InterimTranscriptHash: zero(suite.Constants().HashSize),
		InitSecret:            zero(suite.Constants().SecretSize),
	}

	bobCred := newTestCredential(t, "bob")
	bobCik, err := NewClientInitKey([]byte("bob cik secret"), []CipherSuite{suite}, bobCred)
	require.Nil(t, err)

	welcome, err := newWelcome(suite, *bobCik, wi)
	require.Nil(t, err)
	require.Equal(t, bobCik.id(), welcome.ClientInitKeyID)

	bobPriv, ok := bobCik.privateKeyForSuite(suite)
	require.True(t, ok)

	got, err := welcome.decrypt(bobPriv)
	require.Nil(t, err)
	require.Equal(t, wi.GroupID, got.GroupID)
	require.True(t, wi.Tree.Equals(&got.Tree))
}

func TestWelcomeDecryptWithWrongKeyFails(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	tree := newRatchetTree(suite)
	cred := newTestCredential(t, "alice")
	require.Nil(t, tree.AddLeafSecret(0, []byte("alice secret"), &cred))
	wi := &WelcomeInfo{
		Version:               protocolVersionMLS10,
		GroupID:               []byte("group"),
		Tree:                  *tree,
		InterimTranscriptHash: zero(suite.Constants().HashSize),
		InitSecret:            zero(suite.Constants().SecretSize),
	}

	bobCred := newTestCredential(t, "bob")
	bobCik, err := NewClientInitKey([]byte("bob secret"), []CipherSuite{suite}, bobCred)
	require.Nil(t, err)
	welcome, err := newWelcome(suite, *bobCik, wi)
	require.Nil(t, err)

	wrongPriv, err := suite.hpke().Generate()
	require.Nil(t, err)
	_, err = welcome.decrypt(wrongPriv)
	require.Error(t, err)
}
