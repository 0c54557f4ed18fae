package olm

import (
	"encoding/base64"

	"maunium.net/go/mautrix/id"
)

// MessageType distinguishes the first messages of a session, which carry
// the keys needed to create it on the receiving side, from the rest.
type MessageType int

const (
	MessageTypePreKey MessageType = MessageType(id.OlmMsgTypePreKey)
	MessageTypeNormal MessageType = MessageType(id.OlmMsgTypeMsg)
)

// Message is an encrypted pairwise message. Body is the library's
// base64 encoded ciphertext.
type Message struct {
	Type MessageType
	Body []byte
}

func (m Message) libType() id.OlmMsgType { return id.OlmMsgType(m.Type) }

// stateKey protects library state on its own. Exported state is always
// sealed again by the pickle layer with the caller's key.
var stateKey = []byte("e2ee-go ratchet state")

var b64 = base64.RawStdEncoding

func curveKey(raw []byte) id.Curve25519 {
	return id.Curve25519(b64.EncodeToString(raw))
}

func decodeKey(k string) ([]byte, error) {
	raw, err := b64.DecodeString(k)
	if err != nil {
		return nil, newError(ErrBadKey, err, "decode key %q", k)
	}
	return raw, nil
}
