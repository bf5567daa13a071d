// Package store implements the hot store: the event log and the three
// aggregate-row families, backed by SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/linktally/linktally/internal/model"
	"github.com/linktally/linktally/internal/store/migrations"
)

// Store owns the hot-store database connections. Writes go through a
// single-writer connection; reads use a small read-only pool.
type Store struct {
	db     *sql.DB // write connection (single writer)
	readDB *sql.DB // read connection pool
	dbPath string
}

// Open opens (creating if needed) the hot store at dbPath and brings the
// schema to the latest version.
func Open(dbPath string, readPoolSize int) (*Store, error) {
	if readPoolSize <= 0 {
		readPoolSize = 4
	}

	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to migrate: %w", err)
	}

	// Read connection pool: concurrent readers
	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(readPoolSize)
	readDB.SetMaxIdleConns(readPoolSize)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	return &Store{db: db, readDB: readDB, dbPath: dbPath}, nil
}

// Close closes both database connections.
func (s *Store) Close() error {
	if err := s.readDB.Close(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

// Events returns the event repository.
func (s *Store) Events() *EventRepo {
	return &EventRepo{s: s}
}

// Aggregates returns the aggregate repository for one family.
func (s *Store) Aggregates(family model.Family) *AggregateRepo {
	return &AggregateRepo{s: s, family: family, spec: specFor(family)}
}

// Orgs returns the organisation/collection repository.
func (s *Store) Orgs() *OrgRepo {
	return &OrgRepo{s: s}
}

// WithTx runs fn inside a write transaction, committing on nil error and
// rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("store: rollback failed: %v (after: %w)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit transaction: %w", err)
	}
	return nil
}

// querier abstracts *sql.DB and *sql.Tx so repository helpers can run
// inside or outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
