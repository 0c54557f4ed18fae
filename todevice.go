package e2ee

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gwillem/e2ee-go/internal/olm"
)

// Field numbers of the to-device wire envelope.
const (
	fieldTxnID     protowire.Number = 1
	fieldUserID    protowire.Number = 2
	fieldDeviceID  protowire.Number = 3
	fieldSenderKey protowire.Number = 4
	fieldMsgType   protowire.Number = 5
	fieldBody      protowire.Number = 6
)

var errBadEnvelope = errors.New("malformed to-device envelope")

// MarshalBinary encodes m in protobuf wire format, for transports that
// carry to-device messages as opaque bytes.
func (m ToDeviceMessage) MarshalBinary() ([]byte, error) {
	var b []byte
	for _, f := range []struct {
		num protowire.Number
		v   string
	}{
		{fieldTxnID, m.TxnID},
		{fieldUserID, m.UserID},
		{fieldDeviceID, m.DeviceID},
		{fieldSenderKey, m.SenderKey},
	} {
		b = protowire.AppendTag(b, f.num, protowire.BytesType)
		b = protowire.AppendString(b, f.v)
	}
	b = protowire.AppendTag(b, fieldMsgType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Message.Type))
	b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Message.Body)
	return b, nil
}

// UnmarshalBinary decodes an envelope written by MarshalBinary. Unknown
// fields are skipped.
func (m *ToDeviceMessage) UnmarshalBinary(b []byte) error {
	var out ToDeviceMessage
	var hasBody bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", errBadEnvelope, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldMsgType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", errBadEnvelope, protowire.ParseError(n))
			}
			if v != uint64(olm.MessageTypePreKey) && v != uint64(olm.MessageTypeNormal) {
				return fmt.Errorf("%w: message type %d", errBadEnvelope, v)
			}
			out.Message.Type = olm.MessageType(v)
			b = b[n:]
		case num >= fieldTxnID && num <= fieldBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", errBadEnvelope, protowire.ParseError(n))
			}
			switch num {
			case fieldTxnID:
				out.TxnID = string(v)
			case fieldUserID:
				out.UserID = string(v)
			case fieldDeviceID:
				out.DeviceID = string(v)
			case fieldSenderKey:
				out.SenderKey = string(v)
			case fieldBody:
				out.Message.Body = append([]byte(nil), v...)
				hasBody = true
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", errBadEnvelope, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !hasBody || out.SenderKey == "" {
		return fmt.Errorf("%w: sender key and body are required", errBadEnvelope)
	}
	*m = out
	return nil
}
