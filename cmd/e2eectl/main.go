// Command e2eectl inspects and maintains an e2ee session database.
//
// Usage:
//
//	e2eectl migrate             Bring the schema to the current version
//	e2eectl stats               Print row counts per table
//	e2eectl verify              Decode every stored session and report failures
//	e2eectl clear-room <room>   Delete the sessions of one room
//	e2eectl reset --yes         Delete all data
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	flags "github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/gwillem/e2ee-go/internal/config"
	"github.com/gwillem/e2ee-go/internal/store"
)

type globalOpts struct {
	Config  string `short:"c" long:"config" description:"Path to TOML config file (default: data dir/e2ee.toml)"`
	DB      string `long:"db" description:"Path to database file, overrides the config"`
	Verbose bool   `short:"v" long:"verbose" description:"Enable debug logging"`

	Migrate   migrateCommand   `command:"migrate" description:"Apply pending schema migrations"`
	Stats     statsCommand     `command:"stats" description:"Show schema version and row counts"`
	Verify    verifyCommand    `command:"verify" description:"Decode all stored sessions and report undecodable rows"`
	ClearRoom clearRoomCommand `command:"clear-room" description:"Delete all sessions and replay records of a room"`
	Reset     resetCommand     `command:"reset" description:"Delete all data, keeping the schema"`
}

var (
	opts globalOpts

	// stdout is where commands print results.
	stdout io.Writer = os.Stdout

	// passphrase prompts for the pickle passphrase.
	passphrase = readPassphrase
)

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := opts.Config
	if path == "" {
		path = filepath.Join(store.DefaultDataDir(), "e2ee.toml")
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if opts.DB != "" {
		cfg.Database.Path = opts.DB
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(cfg.LogLevel())
	if opts.Verbose {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

// openStore opens the configured database, which migrates it.
func openStore() (*store.Store, *logrus.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log := newLogger(cfg)
	mode, err := cfg.PickleMode(passphrase)
	if err != nil {
		return nil, nil, err
	}
	log.WithField("path", cfg.Database.Path).Debug("opening database")
	st, err := store.Open(cfg.Database.Path, mode, store.WithLogger(log))
	if err != nil {
		return nil, nil, err
	}
	return st, log, nil
}

// readPassphrase reads the pickle passphrase from the terminal without echo,
// or a line from stdin when it is not a terminal.
func readPassphrase() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Pickle passphrase: ")
		p, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("read passphrase: %w", err)
		}
		return p, nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}
