// Package store provides persistence for ScenarioPipe: conversation sessions, business records,
// durable jobs, the outbound outbox and inbound deduplication.
//
// Three backends are available: an in-memory store for tests and single-process runs, SQLite and
// PostgreSQL. The SQL backends implement every repository; the in-memory store implements sessions,
// records and deduplication only.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
)

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// SessionRepo persists conversation sessions. Saves replace the whole record atomically.
type SessionRepo interface {
	// LoadSession returns the stored session, or (nil, nil) when none exists.
	LoadSession(ctx context.Context, sessionID string) (*models.SessionState, error)
	SaveSession(ctx context.Context, state *models.SessionState) error
	DeleteSession(ctx context.Context, sessionID string) error
	// ListIdleSessions returns ids of sessions positioned inside a flow whose last update is before cutoff.
	ListIdleSessions(ctx context.Context, cutoff time.Time) ([]string, error)
}

// RecordRepo persists the business records created by flows and serves local inventory search.
type RecordRepo interface {
	CreateLead(ctx context.Context, sessionID string, fields map[string]string) (string, error)
	// CreateRequest stores a customer request and returns its public id.
	CreateRequest(ctx context.Context, sessionID string, fields map[string]string) (string, error)
	SearchInventory(ctx context.Context, filter models.SearchFilter, limit int) ([]models.SearchResult, error)
	UpsertInventory(ctx context.Context, items []models.SearchResult) error
}

// Store is the full persistence surface used by the service.
type Store interface {
	SessionRepo
	RecordRepo
	DedupRepo
	Close() error
}

// Compile-time checks that every backend implements Store.
var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// PersistenceProvider exposes the durable repositories of SQL-backed stores.
type PersistenceProvider interface {
	JobRepo() JobRepo
	OutboxRepo() OutboxRepo
	DedupRepo() DedupRepo
}

var (
	_ PersistenceProvider = (*SQLiteStore)(nil)
	_ PersistenceProvider = (*PostgresStore)(nil)
)

func (s *SQLiteStore) JobRepo() JobRepo       { return s }
func (s *SQLiteStore) OutboxRepo() OutboxRepo { return s }
func (s *SQLiteStore) DedupRepo() DedupRepo   { return s }

func (s *PostgresStore) JobRepo() JobRepo       { return s }
func (s *PostgresStore) OutboxRepo() OutboxRepo { return s }
func (s *PostgresStore) DedupRepo() DedupRepo   { return s }
