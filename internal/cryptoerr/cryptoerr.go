// Package cryptoerr defines the error taxonomy shared by the session store
// and the session managers.
//
// Every structured error matches one of the exported sentinels through
// errors.Is, so callers can branch on the condition without caring which
// layer produced it:
//
//	if errors.Is(err, cryptoerr.ErrReplayDetected) {
//		// flag the conversation for review
//	}
package cryptoerr

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode reports a pickle that could not be decoded: malformed,
	// truncated, or encrypted under a different key.
	ErrDecode = errors.New("pickle decode failed")

	// ErrUnknownSession reports that no session matches the requested
	// room/device/sender key. Recoverable once keys arrive.
	ErrUnknownSession = errors.New("unknown session")

	// ErrReplayDetected reports a group message index that was already
	// bound to a different event.
	ErrReplayDetected = errors.New("replay detected")

	// ErrExhaustedOneTimeKeys reports that no one-time key was available to
	// establish a pairwise session.
	ErrExhaustedOneTimeKeys = errors.New("no one-time key available")

	// ErrStorage reports a failed store operation. State did not change.
	ErrStorage = errors.New("storage failure")

	// ErrSchemaMigration reports a failed schema upgrade. Fatal at open time.
	ErrSchemaMigration = errors.New("schema migration failed")

	// ErrUnsupportedAlgorithm reports an algorithm string outside the
	// supported set.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// ErrDecrypt reports a ciphertext the crypto library rejected.
	ErrDecrypt = errors.New("decryption failed")

	// ErrCrypto reports any other failure of the crypto library: session
	// creation, key import, encryption or state export.
	ErrCrypto = errors.New("crypto library failure")
)

// DecodeError describes a pickle that failed to decode.
type DecodeError struct {
	Kind string // "olm_session", "megolm_session", "outbound_megolm_session", "account"
	ID   string // session id or row identifier, may be empty
	Err  error
}

func (e *DecodeError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("decode %s %s: %v", e.Kind, e.ID, e.Err)
	}
	return fmt.Sprintf("decode %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error        { return e.Err }
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// UnknownSessionError identifies the session that was looked up.
// For pairwise lookups RoomID and SessionID are empty.
type UnknownSessionError struct {
	RoomID    string
	SenderKey string
	SessionID string
}

func (e *UnknownSessionError) Error() string {
	if e.RoomID == "" {
		return fmt.Sprintf("unknown session: no pairwise session with %s", e.SenderKey)
	}
	return fmt.Sprintf("unknown session: room=%s sender=%s session=%s", e.RoomID, e.SenderKey, e.SessionID)
}

func (e *UnknownSessionError) Is(target error) bool { return target == ErrUnknownSession }

// ReplayError reports that Index of a group session was first seen in
// RecordedEventID and is now presented again by EventID.
type ReplayError struct {
	RoomID          string
	SessionID       string
	Index           uint32
	EventID         string
	RecordedEventID string
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay detected: room=%s session=%s index=%d event=%s already used by %s",
		e.RoomID, e.SessionID, e.Index, e.EventID, e.RecordedEventID)
}

func (e *ReplayError) Is(target error) bool { return target == ErrReplayDetected }

// StorageError wraps a failure of the underlying database.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string        { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error        { return e.Err }
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// MigrationError reports a schema upgrade from From to To that was rolled back.
type MigrationError struct {
	From int
	To   int
	Err  error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("store: migrate schema %d -> %d: %v", e.From, e.To, e.Err)
}

func (e *MigrationError) Unwrap() error        { return e.Err }
func (e *MigrationError) Is(target error) bool { return target == ErrSchemaMigration }

// UnsupportedAlgorithmError carries the rejected algorithm name.
type UnsupportedAlgorithmError struct {
	Algorithm string
}

func (e *UnsupportedAlgorithmError) Error() string {
	return fmt.Sprintf("unsupported algorithm %q", e.Algorithm)
}

func (e *UnsupportedAlgorithmError) Is(target error) bool { return target == ErrUnsupportedAlgorithm }

// DecryptError wraps an error from the crypto library's decrypt operation.
type DecryptError struct {
	SessionID string
	Err       error
}

func (e *DecryptError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("decrypt: %v", e.Err)
	}
	return fmt.Sprintf("decrypt with session %s: %v", e.SessionID, e.Err)
}

func (e *DecryptError) Unwrap() error        { return e.Err }
func (e *DecryptError) Is(target error) bool { return target == ErrDecrypt }

// CryptoError wraps a non-decrypt failure of the crypto library. Op names
// the operation, SessionID is set when a session was involved.
type CryptoError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *CryptoError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s with session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *CryptoError) Unwrap() error        { return e.Err }
func (e *CryptoError) Is(target error) bool { return target == ErrCrypto }
