package olm

import (
	"maunium.net/go/mautrix/crypto/goolm/session"
	libolm "maunium.net/go/mautrix/crypto/olm"
)

// Session is a pairwise double ratchet session with one remote device.
type Session struct {
	s libolm.Session
}

// ID returns the session id, identical on both ends.
func (s *Session) ID() string { return string(s.s.ID()) }

// HasReceivedMessage reports whether the session has decrypted a message
// from the other side.
func (s *Session) HasReceivedMessage() bool { return s.s.HasReceivedMessage() }

// MatchesInboundSession reports whether the pre-key message msg was built
// for this session.
func (s *Session) MatchesInboundSession(msg Message) bool {
	if msg.Type != MessageTypePreKey {
		return false
	}
	ok, err := s.s.MatchesInboundSession(string(msg.Body))
	return err == nil && ok
}

// Encrypt encrypts plaintext. Messages are pre-key messages until the
// session has received a reply.
func (s *Session) Encrypt(plaintext []byte) (Message, error) {
	typ, body, err := s.s.Encrypt(plaintext)
	if err != nil {
		return Message{}, newError(ErrEncrypt, err, "encrypt with session %s", s.ID())
	}
	return Message{Type: MessageType(typ), Body: body}, nil
}

// Decrypt decrypts msg and advances the ratchet. On failure the session
// state is the same as before the call.
func (s *Session) Decrypt(msg Message) ([]byte, error) {
	snapshot, err := s.s.Pickle(stateKey)
	if err != nil {
		return nil, newError(ErrBadState, err, "snapshot session %s", s.ID())
	}
	plaintext, err := s.s.Decrypt(string(msg.Body), msg.libType())
	if err != nil {
		restored := &session.OlmSession{}
		if rerr := restored.Unpickle(snapshot, stateKey); rerr == nil {
			s.s = restored
		}
		return nil, newError(ErrBadMessage, err, "decrypt with session %s", s.ID())
	}
	return plaintext, nil
}

// MarshalBinary exports the session state.
func (s *Session) MarshalBinary() ([]byte, error) {
	data, err := s.s.Pickle(stateKey)
	if err != nil {
		return nil, newError(ErrBadState, err, "export session %s", s.ID())
	}
	return data, nil
}

// UnmarshalBinary replaces s with the state in data. s is left untouched
// on error.
func (s *Session) UnmarshalBinary(data []byte) error {
	restored := &session.OlmSession{}
	if err := restored.Unpickle(data, stateKey); err != nil {
		return newError(ErrBadState, err, "import session")
	}
	s.s = restored
	return nil
}
