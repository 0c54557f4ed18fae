package olm

import (
	"maunium.net/go/mautrix/crypto/goolm/session"
)

// OutboundGroupSession is the sending side of a megolm session.
type OutboundGroupSession struct {
	s *session.MegolmOutboundSession
}

// NewOutboundGroupSession creates a session with fresh ratchet and
// signing keys, at message index 0.
func NewOutboundGroupSession() (*OutboundGroupSession, error) {
	s, err := session.NewMegolmOutboundSession()
	if err != nil {
		return nil, newError(ErrRandom, err, "create outbound group session")
	}
	return &OutboundGroupSession{s: s}, nil
}

// ID returns the session id, the base64 public signing key.
func (s *OutboundGroupSession) ID() string { return string(s.s.ID()) }

// MessageIndex returns the index the next message will be encrypted at.
func (s *OutboundGroupSession) MessageIndex() uint32 { return uint32(s.s.MessageIndex()) }

// SessionKey exports the ratchet at the current message index, signed by
// the session's signing key.
func (s *OutboundGroupSession) SessionKey() []byte { return []byte(s.s.Key()) }

// Encrypt encrypts plaintext at the current index and advances the
// ratchet.
func (s *OutboundGroupSession) Encrypt(plaintext []byte) ([]byte, error) {
	ct, err := s.s.Encrypt(plaintext)
	if err != nil {
		return nil, newError(ErrEncrypt, err, "group encrypt with session %s", s.ID())
	}
	return ct, nil
}

func (s *OutboundGroupSession) MarshalBinary() ([]byte, error) {
	data, err := s.s.Pickle(stateKey)
	if err != nil {
		return nil, newError(ErrBadState, err, "export outbound group session %s", s.ID())
	}
	return data, nil
}

func (s *OutboundGroupSession) UnmarshalBinary(data []byte) error {
	restored := &session.MegolmOutboundSession{}
	if err := restored.Unpickle(data, stateKey); err != nil {
		return newError(ErrBadState, err, "import outbound group session")
	}
	s.s = restored
	return nil
}

// InboundGroupSession is the receiving side of a megolm session. It can
// decrypt any message at or after FirstKnownIndex.
type InboundGroupSession struct {
	s *session.MegolmInboundSession
}

// NewInboundGroupSession imports a session key exported by
// OutboundGroupSession.SessionKey. The key's signature is checked.
func NewInboundGroupSession(sessionKey []byte) (*InboundGroupSession, error) {
	s, err := session.NewMegolmInboundSession(sessionKey)
	if err != nil {
		return nil, newError(ErrBadSessionKey, err, "import session key")
	}
	return &InboundGroupSession{s: s}, nil
}

func (s *InboundGroupSession) ID() string { return string(s.s.ID()) }

// FirstKnownIndex returns the earliest index the session can decrypt.
func (s *InboundGroupSession) FirstKnownIndex() uint32 { return s.s.FirstKnownIndex() }

// Decrypt verifies and decrypts msg, returning its message index.
func (s *InboundGroupSession) Decrypt(msg []byte) ([]byte, uint32, error) {
	pt, index, err := s.s.Decrypt(msg)
	if err != nil {
		return nil, 0, newError(ErrBadMessage, err, "group decrypt with session %s", s.ID())
	}
	return pt, uint32(index), nil
}

func (s *InboundGroupSession) MarshalBinary() ([]byte, error) {
	data, err := s.s.Pickle(stateKey)
	if err != nil {
		return nil, newError(ErrBadState, err, "export inbound group session %s", s.ID())
	}
	return data, nil
}

func (s *InboundGroupSession) UnmarshalBinary(data []byte) error {
	restored := &session.MegolmInboundSession{}
	if err := restored.Unpickle(data, stateKey); err != nil {
		return newError(ErrBadState, err, "import inbound group session")
	}
	s.s = restored
	return nil
}
