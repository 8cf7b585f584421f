package db

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/jmoiron/sqlx"

	"github.com/marcus-crane/signpost/migrations"

	_ "modernc.org/sqlite"
)

type SqliteStore struct {
	DB *sqlx.DB
}

// NewSqliteStore opens the database at path using the pure Go sqlite driver.
// Transactions are started with BEGIN IMMEDIATE and the pool is capped at a
// single connection so that read-modify-write sequences on the sync_state row
// can never interleave.
func NewSqliteStore(path string) (*SqliteStore, error) {
	db, err := sqlx.Connect("sqlite", buildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	slog.Info("Initialised DB connection", slog.String("path", path))
	return &SqliteStore{
		DB: db,
	}, nil
}

// OpenInMemory returns a fully migrated database that only lives as long as
// the returned store. It's used by tests across packages.
func OpenInMemory() (*SqliteStore, error) {
	s, err := NewSqliteStore(":memory:")
	if err != nil {
		return nil, err
	}
	if err := s.ApplyMigrations(context.Background()); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func buildDSN(path string) string {
	q := url.Values{}
	q.Set("_txlock", "immediate")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	if path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	return fmt.Sprintf("%s?%s", path, q.Encode())
}

func (s *SqliteStore) ApplyMigrations(ctx context.Context) error {
	return migrations.Apply(ctx, s.DB.DB)
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}
