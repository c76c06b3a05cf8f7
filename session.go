package mls

import (
	"bytes"
	"fmt"
)

// HandshakeMessage is either a plaintext or an encrypted handshake
// message, depending on a Session's EncryptHandshake setting. Exactly
// one of the two fields is set.
type HandshakeMessage struct {
	Plaintext  *MLSPlaintext
	Ciphertext *MLSCiphertext
}

// Session is a thin sequencer sitting on top of GroupState: it tracks
// which epoch's state is current, caches the state produced by the
// caller's own pending operation so that receiving that operation
// echoed back doesn't require re-deriving it, and optionally encrypts
// outgoing handshake traffic.
type Session struct {
	states           map[uint64]*GroupState
	currentEpoch     uint64
	encryptHandshake bool

	outboundCache *MLSPlaintext
	pendingNext   *GroupState
}

// NewSession returns an empty Session; call Start or Join to give it a
// current group state.
func NewSession() *Session {
	return &Session{states: map[uint64]*GroupState{}}
}

// EncryptHandshakeMessages toggles whether this session's own handshake
// traffic goes out as MLSCiphertext rather than plaintext MLSPlaintext.
func (s *Session) EncryptHandshakeMessages(enabled bool) {
	s.encryptHandshake = enabled
}

// Start creates a brand-new one-member group and makes it current.
func (s *Session) Start(groupID []byte, suite CipherSuite, leafPriv HPKEPrivateKey, cred Credential) error {
	state, err := NewGroupState(groupID, suite, leafPriv, cred)
	if err != nil {
		return err
	}
	s.states = map[uint64]*GroupState{state.Epoch: state}
	s.currentEpoch = state.Epoch
	return nil
}

// Negotiate picks the cipher suite for a brand-new group between two
// peers' ClientInitKeys: the first suite my.CipherSuites and
// their.CipherSuites have in common, in my order of preference. It
// fails with ErrProtocolError if the two offer no suite in common.
func Negotiate(my, their ClientInitKey) (CipherSuite, error) {
	theirs := make(map[CipherSuite]bool, len(their.CipherSuites))
	for _, suite := range their.CipherSuites {
		theirs[suite] = true
	}
	for _, suite := range my.CipherSuites {
		if theirs[suite] {
			return suite, nil
		}
	}
	return 0, fmt.Errorf("mls.session: no common cipher suite between client init keys: %w", ErrProtocolError)
}

// StartNegotiated creates a brand-new one-member group whose cipher
// suite is negotiated between my ClientInitKey and their ClientInitKey,
// per spec's start(group_id, my_cik, their_cik) operation. The leaf key
// is my's own private key for the negotiated suite; if my holds none, it
// fails with ErrProtocolError.
func (s *Session) StartNegotiated(groupID []byte, my, their ClientInitKey, cred Credential) error {
	suite, err := Negotiate(my, their)
	if err != nil {
		return err
	}
	leafPriv, ok := my.privateKeyForSuite(suite)
	if !ok {
		return fmt.Errorf("mls.session: no private key for negotiated suite: %w", ErrProtocolError)
	}
	return s.Start(groupID, suite, leafPriv, cred)
}

// Join derives this session's initial state from a Welcome, negotiated
// implicitly by welcome.CipherSuite (the suite the group's creator chose
// among cik's supported suites).
func (s *Session) Join(cik ClientInitKey, welcome Welcome, add *MLSPlaintext) error {
	state, err := NewGroupStateFromWelcome(cik, welcome, add)
	if err != nil {
		return err
	}
	s.states = map[uint64]*GroupState{state.Epoch: state}
	s.currentEpoch = state.Epoch
	return nil
}

func (s *Session) current() (*GroupState, error) {
	state, ok := s.states[s.currentEpoch]
	if !ok {
		return nil, fmt.Errorf("mls.session: no state for current epoch %d: %w", s.currentEpoch, ErrMissingState)
	}
	return state, nil
}

func (s *Session) addState(state *GroupState) {
	s.states[state.Epoch] = state
}

func (s *Session) frame(cur *GroupState, pt *MLSPlaintext) (HandshakeMessage, error) {
	if !s.encryptHandshake {
		return HandshakeMessage{Plaintext: pt}, nil
	}
	ct, err := cur.sealHandshake(pt)
	if err != nil {
		return HandshakeMessage{}, err
	}
	return HandshakeMessage{Ciphertext: ct}, nil
}

// Add issues an Add operation from the session's current state, caching
// the resulting next state under its new epoch so a later Handle of this
// exact message (an echo of the session's own send) is a cache hit
// rather than a re-derivation.
func (s *Session) Add(cik ClientInitKey) (*Welcome, HandshakeMessage, error) {
	cur, err := s.current()
	if err != nil {
		return nil, HandshakeMessage{}, err
	}
	welcome, pt, next, err := cur.Add(cik)
	if err != nil {
		return nil, HandshakeMessage{}, err
	}
	s.addState(next)
	s.outboundCache = pt
	msg, err := s.frame(cur, pt)
	return welcome, msg, err
}

func (s *Session) Update(leafSecret []byte) (HandshakeMessage, error) {
	cur, err := s.current()
	if err != nil {
		return HandshakeMessage{}, err
	}
	pt, next, err := cur.Update(leafSecret)
	if err != nil {
		return HandshakeMessage{}, err
	}
	s.addState(next)
	s.outboundCache = pt
	return s.frame(cur, pt)
}

func (s *Session) Remove(evictSecret []byte, target leafIndex) (HandshakeMessage, error) {
	cur, err := s.current()
	if err != nil {
		return HandshakeMessage{}, err
	}
	pt, next, err := cur.Remove(evictSecret, target)
	if err != nil {
		return HandshakeMessage{}, err
	}
	s.addState(next)
	s.outboundCache = pt
	return s.frame(cur, pt)
}

// isOwnEcho reports whether pt is the exact message this session most
// recently sent from the current epoch.
func (s *Session) isOwnEcho(pt *MLSPlaintext) bool {
	if s.outboundCache == nil {
		return false
	}
	return bytes.Equal(s.outboundCache.Signature, pt.Signature) && s.outboundCache.Epoch == pt.Epoch
}

// Handle advances the session past a received handshake message. If it
// is the echo of this session's own most recent send, the cached next
// state (which required no path decryption) is adopted directly.
func (s *Session) Handle(msg HandshakeMessage) error {
	cur, err := s.current()
	if err != nil {
		return err
	}

	pt := msg.Plaintext
	if pt == nil {
		pt, err = cur.openHandshake(msg.Ciphertext)
		if err != nil {
			return err
		}
	}

	if s.isOwnEcho(pt) {
		if next, ok := s.states[cur.Epoch+1]; ok {
			s.currentEpoch = next.Epoch
			s.outboundCache = nil
			return nil
		}
	}

	next, err := cur.Handle(pt)
	if err != nil {
		return err
	}
	s.addState(next)
	s.currentEpoch = next.Epoch
	s.outboundCache = nil
	return nil
}

func (s *Session) Protect(data []byte) (*MLSCiphertext, error) {
	cur, err := s.current()
	if err != nil {
		return nil, err
	}
	return cur.Protect(data)
}

func (s *Session) Unprotect(ct *MLSCiphertext) ([]byte, error) {
	state, ok := s.states[ct.Epoch]
	if !ok {
		return nil, fmt.Errorf("mls.session: no state for message epoch %d: %w", ct.Epoch, ErrMissingState)
	}
	return state.Unprotect(ct)
}
