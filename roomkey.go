package e2ee

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gwillem/e2ee-go/internal/cryptoerr"
	"github.com/gwillem/e2ee-go/internal/keys"
	"github.com/gwillem/e2ee-go/internal/olm"
	"github.com/gwillem/e2ee-go/internal/sessions"
	"github.com/gwillem/e2ee-go/internal/store"
)

// Device is a recipient device of a room.
type Device struct {
	UserID     string
	DeviceID   string
	Curve25519 string
}

// ToDeviceMessage carries a room key to one device over its pairwise session.
type ToDeviceMessage struct {
	TxnID     string
	UserID    string
	DeviceID  string
	SenderKey string
	Message   olm.Message
}

// EncryptedEvent is an encrypted room event plus the key distribution it
// requires. ToDevice must be delivered before or with the event.
type EncryptedEvent struct {
	Algorithm    keys.Algorithm
	RoomID       string
	SenderKey    string
	SessionID    string
	MessageIndex uint32
	Ciphertext   []byte
	Rotated      bool
	ToDevice     []ToDeviceMessage
}

// ErrMissingSessions is matched by MissingSessionsError.
var ErrMissingSessions = errors.New("recipients without pairwise session")

// MissingSessionsError lists recipients that have no pairwise session yet.
// Nothing was encrypted: claim a one-time key for each device, call
// CreateSession and encrypt again.
type MissingSessionsError struct {
	RoomID  string
	Devices []Device
}

func (e *MissingSessionsError) Error() string {
	return fmt.Sprintf("client: %d recipients in %s without pairwise session", len(e.Devices), e.RoomID)
}

func (e *MissingSessionsError) Is(target error) bool { return target == ErrMissingSessions }

// ReceivedRoomKey describes a room key taken from a to-device message.
type ReceivedRoomKey struct {
	RoomID    string
	SessionID string
	SenderKey string
	Added     bool
}

// roomKeyContent is the plaintext of a room key to-device message.
type roomKeyContent struct {
	Algorithm     keys.Algorithm `cbor:"1,keyasint"`
	RoomID        string         `cbor:"2,keyasint"`
	SessionID     string         `cbor:"3,keyasint"`
	SessionKey    []byte         `cbor:"4,keyasint"`
	SenderEd25519 string         `cbor:"5,keyasint"`
	Recipient     string         `cbor:"6,keyasint"`
	RecipientKey  string         `cbor:"7,keyasint"`
}

var errWrongRecipient = errors.New("room key addressed to another device")

// EncryptRoomEvent encrypts plaintext for a room with the room's outbound
// session, rotating it as settings require, and wraps the session key for
// every recipient that has not received it yet. Every recipient needs a
// pairwise session first; otherwise a *MissingSessionsError is returned and
// the session is not advanced.
func (c *Client) EncryptRoomEvent(ctx context.Context, roomID string, settings keys.EncryptionSettings, recipients []Device, plaintext []byte) (*EncryptedEvent, error) {
	if settings.Algorithm != keys.AlgorithmMegolmV1 {
		return nil, &cryptoerr.UnsupportedAlgorithmError{Algorithm: string(settings.Algorithm)}
	}
	if settings.Rotation == (keys.RotationPolicy{}) {
		settings.Rotation = c.rotation
	}

	var missing []Device
	for _, d := range recipients {
		ok, err := c.pairwise.HasSession(ctx, d.Curve25519)
		if err != nil {
			return nil, fmt.Errorf("client: look up session for %s/%s: %w", d.UserID, d.DeviceID, err)
		}
		if !ok {
			missing = append(missing, d)
		}
	}
	if len(missing) > 0 {
		c.logger.WithFields(logrus.Fields{
			"room_id": roomID,
			"missing": len(missing),
		}).Debug("recipients without pairwise session")
		return nil, &MissingSessionsError{RoomID: roomID, Devices: missing}
	}

	ct, err := c.outbound.Encrypt(ctx, roomID, settings.Rotation, plaintext)
	if err != nil {
		return nil, fmt.Errorf("client: encrypt room event: %w", err)
	}
	ev := &EncryptedEvent{
		Algorithm:    keys.AlgorithmMegolmV1,
		RoomID:       roomID,
		SenderKey:    c.identity.Curve25519String(),
		SessionID:    ct.SessionID,
		MessageIndex: ct.MessageIndex,
		Ciphertext:   ct.Ciphertext,
		Rotated:      ct.KeyShare != nil && ct.KeyShare.Rotated,
	}

	shared, err := c.outbound.SharedWith(ctx, roomID, ct.SessionID)
	if err != nil {
		return nil, fmt.Errorf("client: load key shares: %w", err)
	}
	var delivered []store.Device
	for _, d := range recipients {
		sd := store.Device{UserID: d.UserID, DeviceID: d.DeviceID}
		if shared[sd] {
			continue
		}
		content, err := cbor.Marshal(roomKeyContent{
			Algorithm:     keys.AlgorithmMegolmV1,
			RoomID:        roomID,
			SessionID:     ct.SessionID,
			SessionKey:    ct.SessionKey,
			SenderEd25519: c.identity.Ed25519String(),
			Recipient:     d.UserID,
			RecipientKey:  d.Curve25519,
		})
		if err != nil {
			return nil, fmt.Errorf("client: encode room key: %w", err)
		}
		msg, _, err := c.pairwise.Encrypt(ctx, d.Curve25519, content)
		if err != nil {
			return nil, fmt.Errorf("client: wrap room key for %s/%s: %w", d.UserID, d.DeviceID, err)
		}
		ev.ToDevice = append(ev.ToDevice, ToDeviceMessage{
			TxnID:     uuid.NewString(),
			UserID:    d.UserID,
			DeviceID:  d.DeviceID,
			SenderKey: ev.SenderKey,
			Message:   msg,
		})
		delivered = append(delivered, sd)
	}
	if len(delivered) > 0 {
		if err := c.outbound.MarkShared(ctx, roomID, ct.SessionID, delivered); err != nil {
			return nil, fmt.Errorf("client: record key shares: %w", err)
		}
	}
	return ev, nil
}

// ReceiveToDevice decrypts a to-device message and stores the room key it
// carries.
func (c *Client) ReceiveToDevice(ctx context.Context, m ToDeviceMessage) (*ReceivedRoomKey, error) {
	plaintext, err := c.pairwise.Decrypt(ctx, m.SenderKey, m.Message)
	if err != nil {
		return nil, fmt.Errorf("client: decrypt to-device message: %w", err)
	}
	var content roomKeyContent
	if err := cbor.Unmarshal(plaintext, &content); err != nil {
		return nil, fmt.Errorf("client: decode room key: %w", err)
	}
	if _, err := keys.ParseAlgorithm(string(content.Algorithm)); err != nil {
		return nil, err
	}
	if content.Algorithm != keys.AlgorithmMegolmV1 {
		return nil, &cryptoerr.UnsupportedAlgorithmError{Algorithm: string(content.Algorithm)}
	}
	if content.Recipient != c.userID || content.RecipientKey != c.identity.Curve25519String() {
		return nil, fmt.Errorf("client: %w", errWrongRecipient)
	}

	imported, err := olm.NewInboundGroupSession(content.SessionKey)
	if err != nil {
		return nil, &cryptoerr.CryptoError{Op: "client: import room key", SessionID: content.SessionID, Err: err}
	}
	if imported.ID() != content.SessionID {
		return nil, fmt.Errorf("client: room key session id mismatch: got %s, claimed %s", imported.ID(), content.SessionID)
	}

	sessionID, added, err := c.inbound.AddSession(ctx, sessions.RoomKey{
		RoomID:        content.RoomID,
		SenderKey:     m.SenderKey,
		SenderEd25519: content.SenderEd25519,
		SessionKey:    content.SessionKey,
	})
	if err != nil {
		return nil, fmt.Errorf("client: add room key: %w", err)
	}
	return &ReceivedRoomKey{
		RoomID:    content.RoomID,
		SessionID: sessionID,
		SenderKey: m.SenderKey,
		Added:     added,
	}, nil
}
