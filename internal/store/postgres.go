package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a PostgreSQL-backed store shared by every service replica.
type PostgresStore struct {
	durableSQL
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{durableSQL: durableSQL{conn: db, d: postgresDialect}, db: db}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}

// SaveSession stores or updates a session.
func (s *PostgresStore) SaveSession(ctx context.Context, state *models.SessionState) error {
	row, err := encodeSession(state)
	if err != nil {
		slog.Error("PostgresStore SaveSession encode failed", "error", err, "sessionID", state.SessionID)
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, active_flow_id, current_node_id, flow_version, locale,
			variables_json, history_json, temp_results_json, delay_token, delay_origin, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (session_id) DO UPDATE SET
			active_flow_id = EXCLUDED.active_flow_id,
			current_node_id = EXCLUDED.current_node_id,
			flow_version = EXCLUDED.flow_version,
			locale = EXCLUDED.locale,
			variables_json = EXCLUDED.variables_json,
			history_json = EXCLUDED.history_json,
			temp_results_json = EXCLUDED.temp_results_json,
			delay_token = EXCLUDED.delay_token,
			delay_origin = EXCLUDED.delay_origin,
			updated_at = EXCLUDED.updated_at`,
		state.SessionID, state.ActiveFlowID, state.CurrentNodeID, state.FlowVersion, state.Locale,
		row.variables, row.history, row.tempResults, state.DelayToken, state.DelayOrigin, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "sessionID", state.SessionID)
		return fmt.Errorf("failed to save session %s: %w", state.SessionID, err)
	}
	slog.Debug("PostgresStore SaveSession succeeded", "sessionID", state.SessionID, "flowID", state.ActiveFlowID, "nodeID", state.CurrentNodeID)
	return nil
}

// LoadSession retrieves a session, returning (nil, nil) when it does not exist.
func (s *PostgresStore) LoadSession(ctx context.Context, sessionID string) (*models.SessionState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, active_flow_id, current_node_id, flow_version, locale,
			variables_json, history_json, temp_results_json, delay_token, delay_origin, created_at, updated_at
		FROM sessions WHERE session_id = $1`, sessionID)
	state, err := scanSession(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore LoadSession not found", "sessionID", sessionID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore LoadSession failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return state, nil
}

// DeleteSession removes a session.
func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID); err != nil {
		slog.Error("PostgresStore DeleteSession failed", "error", err, "sessionID", sessionID)
		return err
	}
	return nil
}

// ListIdleSessions returns in-flow sessions untouched since cutoff.
func (s *PostgresStore) ListIdleSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM sessions WHERE active_flow_id <> '' AND updated_at < $1 ORDER BY session_id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query idle sessions: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// CreateLead inserts a lead record.
func (s *PostgresStore) CreateLead(ctx context.Context, sessionID string, fields map[string]string) (string, error) {
	id, fieldsJSON, err := newLead(fields)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO leads (id, session_id, name, phone, fields_json, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, sessionID, fields["name"], fields["phone"], fieldsJSON, time.Now())
	if err != nil {
		slog.Error("PostgresStore CreateLead failed", "error", err, "sessionID", sessionID)
		return "", fmt.Errorf("failed to insert lead: %w", err)
	}
	slog.Debug("PostgresStore CreateLead succeeded", "id", id, "sessionID", sessionID)
	return id, nil
}

// CreateRequest inserts a customer request and returns its public id.
func (s *PostgresStore) CreateRequest(ctx context.Context, sessionID string, fields map[string]string) (string, error) {
	publicID, fieldsJSON, err := newRequest(fields)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO requests (public_id, session_id, kind, fields_json, created_at) VALUES ($1, $2, $3, $4, $5)`,
		publicID, sessionID, fields["kind"], fieldsJSON, time.Now())
	if err != nil {
		slog.Error("PostgresStore CreateRequest failed", "error", err, "sessionID", sessionID)
		return "", fmt.Errorf("failed to insert request: %w", err)
	}
	slog.Debug("PostgresStore CreateRequest succeeded", "publicID", publicID, "sessionID", sessionID)
	return publicID, nil
}

// UpsertInventory inserts or updates inventory items.
func (s *PostgresStore) UpsertInventory(ctx context.Context, items []models.SearchResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin inventory upsert: %w", err)
	}
	defer tx.Rollback()
	for _, it := range items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO inventory (id, brand, model, year, price, mileage, image_url, url)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET brand = EXCLUDED.brand, model = EXCLUDED.model, year = EXCLUDED.year,
				price = EXCLUDED.price, mileage = EXCLUDED.mileage, image_url = EXCLUDED.image_url, url = EXCLUDED.url`,
			it.ID, it.Brand, it.Model, it.Year, it.Price, it.Mileage, it.ImageURL, it.URL); err != nil {
			return fmt.Errorf("failed to upsert inventory item %s: %w", it.ID, err)
		}
	}
	return tx.Commit()
}
