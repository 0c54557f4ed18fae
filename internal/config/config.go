// Package config implements the configuration for the e2ee maintenance
// tooling and for embedding applications.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/gwillem/e2ee-go/internal/keys"
	"github.com/gwillem/e2ee-go/internal/pickle"
	"github.com/gwillem/e2ee-go/internal/store"
)

const (
	defaultLogLevel = "warning"
	defaultDBName   = "sessions.db"
)

// Database is the session store configuration.
type Database struct {
	// Path is the SQLite database file. Defaults to the XDG data directory.
	Path string
}

// Pickle selects how session state is protected at rest.
type Pickle struct {
	// Unencrypted stores session state without a pickle key.
	Unencrypted bool

	// KeyFile holds the raw pickle key.
	KeyFile string

	// Salt is used with a passphrase when no KeyFile is set. It must stay
	// the same for the lifetime of the database.
	Salt string
}

func (p *Pickle) validate() error {
	switch {
	case p.Unencrypted && (p.KeyFile != "" || p.Salt != ""):
		return errors.New("config: Pickle: Unencrypted excludes KeyFile and Salt")
	case p.Unencrypted, p.KeyFile != "":
		return nil
	case len(p.Salt) < 8:
		return errors.New("config: Pickle: one of Unencrypted, KeyFile or a Salt of at least 8 bytes is required")
	}
	return nil
}

// Rotation holds the rotation thresholds used when a room's encryption
// settings omit them.
type Rotation struct {
	// PeriodMs is the maximum age of an outbound group session in milliseconds.
	PeriodMs int64

	// Messages is the maximum number of messages per outbound group session.
	Messages int
}

func (r *Rotation) fixup() error {
	if r.PeriodMs < 0 || r.Messages < 0 {
		return errors.New("config: Rotation: thresholds must not be negative")
	}
	if r.PeriodMs > keys.MaxRotationPeriodMs {
		return fmt.Errorf("config: Rotation: PeriodMs must not exceed %d", keys.MaxRotationPeriodMs)
	}
	if r.PeriodMs == 0 {
		r.PeriodMs = keys.DefaultRotationPeriod.Milliseconds()
	}
	if r.Messages == 0 {
		r.Messages = keys.DefaultRotationMessages
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Level is a logrus level name.
	Level string
}

func (l *Logging) validate() error {
	if l.Level == "" {
		l.Level = defaultLogLevel
	}
	if _, err := logrus.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("config: Logging: Level '%v' is invalid", l.Level)
	}
	return nil
}

// Config is the top level configuration.
type Config struct {
	Database *Database
	Pickle   *Pickle
	Rotation *Rotation
	Logging  *Logging
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	if c.Pickle == nil {
		return errors.New("config: No Pickle block was present")
	}
	if err := c.Pickle.validate(); err != nil {
		return err
	}
	if c.Database == nil {
		c.Database = &Database{}
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(store.DefaultDataDir(), defaultDBName)
	}
	if c.Rotation == nil {
		c.Rotation = &Rotation{}
	}
	if err := c.Rotation.fixup(); err != nil {
		return err
	}
	if c.Logging == nil {
		c.Logging = &Logging{}
	}
	return c.Logging.validate()
}

// RotationPolicy returns the configured default rotation policy.
func (c *Config) RotationPolicy() keys.RotationPolicy {
	return keys.RotationPolicy{
		Period:   time.Duration(c.Rotation.PeriodMs) * time.Millisecond,
		Messages: c.Rotation.Messages,
	}
}

// LogLevel returns the configured log level.
func (c *Config) LogLevel() logrus.Level {
	lvl, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return logrus.WarnLevel
	}
	return lvl
}

// PickleMode returns the pickling mode. passphrase is only called when the
// key is derived from a passphrase.
func (c *Config) PickleMode(passphrase func() ([]byte, error)) (pickle.Mode, error) {
	if c.Pickle.Unencrypted {
		return pickle.Unencrypted{}, nil
	}
	if c.Pickle.KeyFile != "" {
		b, err := os.ReadFile(c.Pickle.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("config: read pickle key: %w", err)
		}
		key := bytes.TrimSpace(b)
		if len(key) < pickle.KeySize {
			return nil, fmt.Errorf("config: pickle key in %s is shorter than %d bytes", c.Pickle.KeyFile, pickle.KeySize)
		}
		return pickle.Encrypted{Key: key}, nil
	}
	p, err := passphrase()
	if err != nil {
		return nil, err
	}
	key, err := pickle.KeyFromPassphrase(p, []byte(c.Pickle.Salt))
	if err != nil {
		return nil, err
	}
	return pickle.Encrypted{Key: key}, nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
