package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a file-backed store. All repositories share one connection pool.
type SQLiteStore struct {
	durableSQL
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(1) // single writer

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{durableSQL: durableSQL{conn: db, d: sqliteDialect}, db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

// SaveSession stores or replaces a session.
func (s *SQLiteStore) SaveSession(ctx context.Context, state *models.SessionState) error {
	row, err := encodeSession(state)
	if err != nil {
		slog.Error("SQLiteStore SaveSession encode failed", "error", err, "sessionID", state.SessionID)
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions (session_id, active_flow_id, current_node_id, flow_version, locale,
			variables_json, history_json, temp_results_json, delay_token, delay_origin, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.SessionID, state.ActiveFlowID, state.CurrentNodeID, state.FlowVersion, state.Locale,
		row.variables, row.history, row.tempResults, state.DelayToken, state.DelayOrigin, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "sessionID", state.SessionID)
		return fmt.Errorf("failed to save session %s: %w", state.SessionID, err)
	}
	slog.Debug("SQLiteStore SaveSession succeeded", "sessionID", state.SessionID, "flowID", state.ActiveFlowID, "nodeID", state.CurrentNodeID)
	return nil
}

// LoadSession retrieves a session, returning (nil, nil) when it does not exist.
func (s *SQLiteStore) LoadSession(ctx context.Context, sessionID string) (*models.SessionState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, active_flow_id, current_node_id, flow_version, locale,
			variables_json, history_json, temp_results_json, delay_token, delay_origin, created_at, updated_at
		FROM sessions WHERE session_id = ?`, sessionID)
	state, err := scanSession(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore LoadSession not found", "sessionID", sessionID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore LoadSession failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return state, nil
}

// DeleteSession removes a session.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		slog.Error("SQLiteStore DeleteSession failed", "error", err, "sessionID", sessionID)
		return err
	}
	return nil
}

// ListIdleSessions returns in-flow sessions untouched since cutoff.
func (s *SQLiteStore) ListIdleSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM sessions WHERE active_flow_id != '' AND updated_at < ? ORDER BY session_id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query idle sessions: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// CreateLead inserts a lead record.
func (s *SQLiteStore) CreateLead(ctx context.Context, sessionID string, fields map[string]string) (string, error) {
	id, fieldsJSON, err := newLead(fields)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO leads (id, session_id, name, phone, fields_json, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, sessionID, fields["name"], fields["phone"], fieldsJSON, time.Now())
	if err != nil {
		slog.Error("SQLiteStore CreateLead failed", "error", err, "sessionID", sessionID)
		return "", fmt.Errorf("failed to insert lead: %w", err)
	}
	slog.Debug("SQLiteStore CreateLead succeeded", "id", id, "sessionID", sessionID)
	return id, nil
}

// CreateRequest inserts a customer request and returns its public id.
func (s *SQLiteStore) CreateRequest(ctx context.Context, sessionID string, fields map[string]string) (string, error) {
	publicID, fieldsJSON, err := newRequest(fields)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO requests (public_id, session_id, kind, fields_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		publicID, sessionID, fields["kind"], fieldsJSON, time.Now())
	if err != nil {
		slog.Error("SQLiteStore CreateRequest failed", "error", err, "sessionID", sessionID)
		return "", fmt.Errorf("failed to insert request: %w", err)
	}
	slog.Debug("SQLiteStore CreateRequest succeeded", "publicID", publicID, "sessionID", sessionID)
	return publicID, nil
}

// UpsertInventory inserts or replaces inventory items.
func (s *SQLiteStore) UpsertInventory(ctx context.Context, items []models.SearchResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin inventory upsert: %w", err)
	}
	defer tx.Rollback()
	for _, it := range items {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO inventory (id, brand, model, year, price, mileage, image_url, url)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			it.ID, it.Brand, it.Model, it.Year, it.Price, it.Mileage, it.ImageURL, it.URL); err != nil {
			return fmt.Errorf("failed to upsert inventory item %s: %w", it.ID, err)
		}
	}
	return tx.Commit()
}
