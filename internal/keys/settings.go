package keys

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// MaxRotationPeriodMs is the largest rotation period in milliseconds that
// fits a time.Duration.
const MaxRotationPeriodMs = math.MaxInt64 / int64(time.Millisecond)

// EncryptionSettings is the content of a room's encryption state.
type EncryptionSettings struct {
	Algorithm Algorithm
	Rotation  RotationPolicy
}

type encryptionContent struct {
	Algorithm          string `json:"algorithm"`
	RotationPeriodMs   *int64 `json:"rotation_period_ms,omitempty"`
	RotationPeriodMsgs *int   `json:"rotation_period_msgs,omitempty"`
}

// ParseEncryptionSettings decodes room encryption content. Missing
// thresholds fall back to defaults; non-positive ones are rejected.
func ParseEncryptionSettings(data []byte, defaults RotationPolicy) (EncryptionSettings, error) {
	var c encryptionContent
	if err := json.Unmarshal(data, &c); err != nil {
		return EncryptionSettings{}, fmt.Errorf("keys: parse encryption settings: %w", err)
	}
	alg, err := ParseAlgorithm(c.Algorithm)
	if err != nil {
		return EncryptionSettings{}, err
	}
	if alg != AlgorithmMegolmV1 {
		return EncryptionSettings{}, fmt.Errorf("keys: room algorithm must be %s, got %s", AlgorithmMegolmV1, alg)
	}
	s := EncryptionSettings{Algorithm: alg, Rotation: defaults}
	if c.RotationPeriodMs != nil {
		if *c.RotationPeriodMs <= 0 {
			return EncryptionSettings{}, fmt.Errorf("keys: rotation_period_ms must be positive, got %d", *c.RotationPeriodMs)
		}
		if *c.RotationPeriodMs > MaxRotationPeriodMs {
			return EncryptionSettings{}, fmt.Errorf("keys: rotation_period_ms %d exceeds %d", *c.RotationPeriodMs, MaxRotationPeriodMs)
		}
		s.Rotation.Period = time.Duration(*c.RotationPeriodMs) * time.Millisecond
	}
	if c.RotationPeriodMsgs != nil {
		if *c.RotationPeriodMsgs <= 0 {
			return EncryptionSettings{}, fmt.Errorf("keys: rotation_period_msgs must be positive, got %d", *c.RotationPeriodMsgs)
		}
		s.Rotation.Messages = *c.RotationPeriodMsgs
	}
	return s, nil
}
