package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/gwillem/e2ee-go/internal/cryptoerr"
	"github.com/gwillem/e2ee-go/internal/pickle"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds every store operation. The Queries embedded in Store runs
// each operation on its own; the one handed to Store.Tx runs inside the
// enclosing transaction.
type Queries struct {
	q    querier
	mode pickle.Mode
	log  logrus.FieldLogger
}

// Store wraps a SQLite database holding pickled sessions and replay
// protection records.
type Store struct {
	*Queries
	db *sql.DB
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for skipped rows and migrations.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// DefaultDataDir returns the default data directory for e2ee-go databases.
// Uses $XDG_DATA_HOME/e2ee-go, falling back to ~/.local/share/e2ee-go.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "e2ee-go")
}

// Open opens or creates a store at dbPath and migrates it to the current
// schema. Pickles are written and read under mode for the lifetime of the
// store. If dbPath is empty it defaults to DefaultDataDir()/sessions.db.
func Open(dbPath string, mode pickle.Mode, opts ...Option) (*Store, error) {
	if err := pickle.Validate(mode); err != nil {
		return nil, err
	}
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "sessions.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storageErr("open db", err)
	}
	// One connection: transactions are serialised and never interleave.
	db.SetMaxOpenConns(1)

	s := &Store{
		Queries: &Queries{q: db, mode: mode, log: logrus.StandardLogger()},
		db:      db,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("component", "store")

	if err := migrate(context.Background(), db, s.log); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// PicklingMode returns the mode pickles are stored under.
func (s *Store) PicklingMode() pickle.Mode { return s.mode }

// Tx runs fn inside a transaction. The transaction commits if fn returns
// nil and rolls back otherwise, so nothing fn wrote survives a failure.
func (s *Store) Tx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin tx", err)
	}
	defer tx.Rollback()

	if err := fn(&Queries{q: tx, mode: s.mode, log: s.log}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

// PicklingMode returns the mode pickles are stored under.
func (q *Queries) PicklingMode() pickle.Mode { return q.mode }

func storageErr(op string, err error) error {
	return &cryptoerr.StorageError{Op: op, Err: err}
}

func asDecodeError(err error, kind, id string) *cryptoerr.DecodeError {
	var derr *cryptoerr.DecodeError
	if errors.As(err, &derr) {
		return derr
	}
	return &cryptoerr.DecodeError{Kind: kind, ID: id, Err: err}
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
