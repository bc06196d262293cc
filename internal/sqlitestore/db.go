// Package sqlitestore is the embedded memory.Repository backed by
// modernc.org/sqlite. It serves single-node deployments and the hermetic
// engine tests.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nidhogg/memory-substrate/internal/memory"
)

var _ memory.Repository = (*Store)(nil)

// Store wraps a SQLite connection.
type Store struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// Open opens (or creates) the database at path, configures pragmas and
// applies migrations.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	return open(path, logger)
}

// OpenMemory opens a private in-memory database.
func OpenMemory(logger *zap.Logger) (*Store, error) {
	return open(":memory:", logger)
}

func open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers and keeps an in-memory database
	// alive for the lifetime of the Store.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, path: path, logger: logger}
	if err := s.configurePragmas(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("SQLite opened", zap.String("path", path))
	return s, nil
}

func (s *Store) configurePragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.path
}
