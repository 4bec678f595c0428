package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/grail/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned by single-row lookups when no row exists.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert reuses an existing id.
	ErrDuplicate = errors.New("already exists")
)

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

// DefaultDBPath is ~/.grail/grail.db, or ./.grail/grail.db without a home.
func DefaultDBPath() string {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "."
	}
	return filepath.Join(home, ".grail", "grail.db")
}

// Open creates the database file if needed, switches it to WAL and migrates
// it to the latest schema. eventBus may be nil.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// One connection serializes writers; claim and resolve rely on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, bus: eventBus}
	ctx := context.Background()
	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database answers a trivial query.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRowContext(ctx, `SELECT 1;`).Scan(&one)
}

func (s *Store) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

func now() time.Time {
	return time.Now().UTC()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=FULL;"} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
