package olm

import (
	"fmt"

	"github.com/gwillem/e2ee-go/internal/cryptoerr"
)

// ErrorCode classifies failures reported by this package.
type ErrorCode uint32

const (
	ErrBadMessage ErrorCode = iota + 1
	ErrBadPreKeyMessage
	ErrBadSessionKey
	ErrBadState
	ErrBadKey
	ErrEncrypt
	ErrRandom
)

var errorNames = map[ErrorCode]string{
	ErrBadMessage:       "BAD_MESSAGE",
	ErrBadPreKeyMessage: "BAD_PRE_KEY_MESSAGE",
	ErrBadSessionKey:    "BAD_SESSION_KEY",
	ErrBadState:         "BAD_STATE",
	ErrBadKey:           "BAD_KEY",
	ErrEncrypt:          "ENCRYPT",
	ErrRandom:           "RANDOM",
}

func (c ErrorCode) String() string {
	if s, ok := errorNames[c]; ok {
		return s
	}
	return fmt.Sprintf("ErrorCode(%d)", uint32(c))
}

// Error represents an error returned by the ratchet library. Err holds the
// library's own error when there is one.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("olm error %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("olm error %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches cryptoerr.ErrCrypto, so library failures can be told apart
// from storage and lookup errors.
func (e *Error) Is(target error) bool { return target == cryptoerr.ErrCrypto }

func newError(code ErrorCode, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}
