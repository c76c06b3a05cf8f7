package mls

import "fmt"

// GroupContext binds the group's identity and current cryptographic
// state into every epoch-secret derivation, so two groups (or two
// epochs of the same group) never derive the same keys even if an
// update_secret were somehow reused.
type GroupContext struct {
	GroupID               []byte `tls:"head=1"`
	Epoch                 uint64
	TreeHash              []byte `tls:"head=1"`
	InterimTranscriptHash []byte `tls:"head=1"`
}

func (gc GroupContext) bytes() []byte {
	data, err := marshalTLS(gc)
	if err != nil {
		panic(err)
	}
	return data
}

// EpochSecrets holds every secret the key schedule derives for one
// epoch. ApplicationSecret and HandshakeKey seed the per-sender KeyChain
// used by Protect/Unprotect; ConfirmationKey authenticates the
// handshake message that closed out the epoch; InitSecret feeds the
// next epoch's HKDF-Extract; ExporterSecret backs GroupState.Export.
type EpochSecrets struct {
	Suite             CipherSuite
	EpochSecret       []byte
	ApplicationSecret []byte
	HandshakeKey      []byte
	SenderDataKey     []byte
	ConfirmationKey   []byte
	ExporterSecret    []byte
	InitSecret        []byte
}

// deriveEpochSecrets implements §4.3's key schedule: a single
// HKDF-Extract of the update_secret under the previous epoch's
// init_secret, followed by a Derive-Secret call per named secret.
func deriveEpochSecrets(suite CipherSuite, initSecretPrev, updateSecret []byte, ctx GroupContext) EpochSecrets {
	epochSecret := suite.hkdfExtract(initSecretPrev, updateSecret)
	ctxBytes := ctx.bytes()
	return EpochSecrets{
		Suite:             suite,
		EpochSecret:       epochSecret,
		ApplicationSecret: suite.deriveSecret(epochSecret, "app", ctxBytes),
		HandshakeKey:      suite.deriveSecret(epochSecret, "hs", ctxBytes),
		SenderDataKey:     suite.deriveSecret(epochSecret, "sender-data", ctxBytes),
		ConfirmationKey:   suite.deriveSecret(epochSecret, "confirm", ctxBytes),
		ExporterSecret:    suite.deriveSecret(epochSecret, "exporter", ctxBytes),
		InitSecret:        suite.deriveSecret(epochSecret, "init", ctxBytes),
	}
}

// export derives labeled, arbitrary-length keying material from the
// epoch's exporter secret, mirroring the teacher's Export() facility.
func (es EpochSecrets) export(label string, context []byte, length int) []byte {
	inner := es.Suite.deriveSecret(es.ExporterSecret, label, context)
	return es.Suite.hkdfExpandLabel(inner, "exported", es.Suite.Digest([]byte{}), length)
}

type keyAndNonce struct {
	Key   []byte
	Nonce []byte
}

// hashRatchet steps a single sender's chain key forward one generation
// at a time, deriving a fresh (key, nonce) pair per step and zeroizing
// the previous chain key so a compromised later state can't recover
// earlier traffic keys.
type hashRatchet struct {
	suite          CipherSuite
	node           uint32
	nextSecret     []byte
	nextGeneration uint32
	cache          map[uint32]keyAndNonce
}

func newHashRatchet(suite CipherSuite, node uint32, secret []byte) *hashRatchet {
	return &hashRatchet{
		suite:      suite,
		node:       node,
		nextSecret: dup(secret),
		cache:      map[uint32]keyAndNonce{},
	}
}

func (r *hashRatchet) next() (uint32, keyAndNonce) {
	generation := r.nextGeneration
	keySize := r.suite.Constants().KeySize
	nonceSize := r.suite.Constants().NonceSize
	kn := keyAndNonce{
		Key:   r.suite.deriveAppSecret(r.nextSecret, "app-key", r.node, generation, keySize),
		Nonce: r.suite.deriveAppSecret(r.nextSecret, "app-nonce", r.node, generation, nonceSize),
	}
	r.cache[generation] = kn

	newSecret := r.suite.deriveAppSecret(r.nextSecret, "app-step", r.node, generation, r.suite.Constants().SecretSize)
	zeroize(r.nextSecret)
	r.nextSecret = newSecret
	r.nextGeneration = generation + 1
	return generation, kn
}

func (r *hashRatchet) get(generation uint32) (keyAndNonce, error) {
	if kn, ok := r.cache[generation]; ok {
		return kn, nil
	}
	for r.nextGeneration <= generation {
		r.next()
	}
	kn, ok := r.cache[generation]
	if !ok {
		return keyAndNonce{}, fmt.Errorf("mls.keyschedule: generation %d not available: %w", generation, ErrProtocolError)
	}
	return kn, nil
}

func (r *hashRatchet) erase(generation uint32) {
	if kn, ok := r.cache[generation]; ok {
		zeroize(kn.Key)
		zeroize(kn.Nonce)
		delete(r.cache, generation)
	}
}

// KeyChain hands out per-sender hashRatchets derived from the epoch's
// application secret, one per leaf, lazily created on first use.
type KeyChain struct {
	suite   CipherSuite
	secret  []byte
	size    leafCount
	ratchets map[leafIndex]*hashRatchet
}

func newKeyChain(suite CipherSuite, secret []byte, size leafCount) *KeyChain {
	return &KeyChain{suite: suite, secret: dup(secret), size: size, ratchets: map[leafIndex]*hashRatchet{}}
}

func (kc *KeyChain) ratchetFor(sender leafIndex) *hashRatchet {
	if r, ok := kc.ratchets[sender]; ok {
		return r
	}
	base := kc.suite.deriveAppSecret(kc.secret, "app-sender", uint32(sender), 0, kc.suite.Constants().SecretSize)
	r := newHashRatchet(kc.suite, uint32(sender), base)
	kc.ratchets[sender] = r
	return r
}

func (kc *KeyChain) next(sender leafIndex) (uint32, keyAndNonce) {
	return kc.ratchetFor(sender).next()
}

func (kc *KeyChain) get(sender leafIndex, generation uint32) (keyAndNonce, error) {
	return kc.ratchetFor(sender).get(generation)
}

func (kc *KeyChain) erase(sender leafIndex, generation uint32) {
	kc.ratchetFor(sender).erase(generation)
}
