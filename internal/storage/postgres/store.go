package postgres

import (
	"context"

	"github.com/mfzzf/e2b-test-suite/internal/storage"
)

// Store implements storage.RunStore backed by PostgreSQL.
type Store struct {
	*RunRepository
	pgDB *DB
}

// NewStore wraps an open DB as a RunStore.
func NewStore(pgDB *DB) *Store {
	return &Store{
		RunRepository: NewRunRepository(pgDB.GormDB()),
		pgDB:          pgDB,
	}
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error { return s.pgDB.Ping(ctx) }

// Close releases the connection pool.
func (s *Store) Close() error { return s.pgDB.Close() }

// Driver returns "postgres".
func (s *Store) Driver() string { return storage.DriverPostgres }

var _ storage.RunStore = (*Store)(nil)
