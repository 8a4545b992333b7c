package postgres

import (
	"context"

	"github.com/jkaninda/tutorbox/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pgDB        *DB
	flows       *FlowRepository
	submissions *SubmissionRepository
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{
		pgDB:        pgDB,
		flows:       NewFlowRepository(pgDB.GormDB()),
		submissions: NewSubmissionRepository(pgDB.GormDB()),
	}
}

func (s *Store) Flows() storage.FlowStore             { return s.flows }
func (s *Store) Submissions() storage.SubmissionStore { return s.submissions }

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via autoMigrate.
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// GormDB returns the underlying DB for direct access when needed.
func (s *Store) GormDB() *DB {
	return s.pgDB
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
