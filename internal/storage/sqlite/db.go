// Package sqlite persists users, keys, providers, prices and usage on a
// local SQLite file via modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"strings"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements the storage interfaces on SQLite. The engine allows
// any number of readers but only one writer at a time, so connections
// are split: a single-connection pool for writes and a wider pool for
// reads. WAL keeps readers unblocked while a write is in flight.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

var pragmas = strings.Join([]string{
	"_pragma=journal_mode(WAL)",
	"_pragma=busy_timeout(5000)",
	"_pragma=synchronous(NORMAL)",
	"_pragma=foreign_keys(1)",
}, "&")

// New opens the database at dsn, applies pending migrations and returns
// the ready Store. Pass ":memory:" for an ephemeral database.
func New(dsn string) (*Store, error) {
	uri := "file:" + dsn + "?" + pragmas
	if dsn == ":memory:" {
		// Both pools must see the same in-memory database.
		uri = "file::memory:?mode=memory&cache=shared&" + pragmas
	}

	write, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", uri)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	readConns := runtime.NumCPU()
	if readConns < 4 {
		readConns = 4
	}
	read.SetMaxOpenConns(readConns)

	if err := migrate(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &Store{write: write, read: read}, nil
}

// migrate brings the schema up to date from the embedded SQL files.
func migrate(db *sql.DB) error {
	// Goose wants the migration files at the root of the FS it is handed.
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = p.Up(context.Background())
	return err
}

// Ping reports whether the read pool can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close releases both connection pools.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}
