package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
	"github.com/BTreeMap/ScenarioPipe/internal/util"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// sessionRow holds the JSON-encoded columns of a session.
type sessionRow struct {
	variables   string
	history     string
	tempResults string
}

func encodeSession(state *models.SessionState) (sessionRow, error) {
	var row sessionRow
	vars := state.Variables
	if vars == nil {
		vars = map[string]any{}
	}
	b, err := json.Marshal(vars)
	if err != nil {
		return row, fmt.Errorf("failed to encode variables: %w", err)
	}
	row.variables = string(b)

	history := state.History
	if history == nil {
		history = []string{}
	}
	if b, err = json.Marshal(history); err != nil {
		return row, fmt.Errorf("failed to encode history: %w", err)
	}
	row.history = string(b)

	results := state.TempResults
	if results == nil {
		results = []models.SearchResult{}
	}
	if b, err = json.Marshal(results); err != nil {
		return row, fmt.Errorf("failed to encode temp results: %w", err)
	}
	row.tempResults = string(b)
	return row, nil
}

func scanSession(row rowScanner) (*models.SessionState, error) {
	var state models.SessionState
	var vars, history, results string
	if err := row.Scan(&state.SessionID, &state.ActiveFlowID, &state.CurrentNodeID, &state.FlowVersion,
		&state.Locale, &vars, &history, &results, &state.DelayToken, &state.DelayOrigin, &state.CreatedAt, &state.UpdatedAt); err != nil {
		return nil, err
	}
	state.Variables = make(map[string]any)
	if err := json.Unmarshal([]byte(vars), &state.Variables); err != nil {
		return nil, fmt.Errorf("failed to decode variables: %w", err)
	}
	if err := json.Unmarshal([]byte(history), &state.History); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	if err := json.Unmarshal([]byte(results), &state.TempResults); err != nil {
		return nil, fmt.Errorf("failed to decode temp results: %w", err)
	}
	if len(state.History) == 0 {
		state.History = nil
	}
	if len(state.TempResults) == 0 {
		state.TempResults = nil
	}
	return &state, nil
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ids: %w", err)
	}
	return ids, nil
}

func newLead(fields map[string]string) (string, string, error) {
	b, err := json.Marshal(fields)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode lead fields: %w", err)
	}
	return util.GenerateRandomID("lead_", 16), string(b), nil
}

func newRequest(fields map[string]string) (string, string, error) {
	b, err := json.Marshal(fields)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode request fields: %w", err)
	}
	return util.GeneratePublicID(), string(b), nil
}

// inventoryWhere builds the WHERE clause for a normalized filter. Zero bounds are skipped.
func inventoryWhere(f models.SearchFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, cond)
	}
	if f.Brand != "" {
		add("LOWER(brand) = ?", f.Brand)
	}
	if f.Model != "" {
		add("LOWER(model) LIKE ?", "%"+f.Model+"%")
	}
	if f.PriceMin > 0 {
		add("price >= ?", f.PriceMin)
	}
	if f.PriceMax > 0 {
		add("price <= ?", f.PriceMax)
	}
	if f.YearMin > 0 {
		add("year >= ?", f.YearMin)
	}
	if f.YearMax > 0 {
		add("year <= ?", f.YearMax)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanInventory(rows *sql.Rows) ([]models.SearchResult, error) {
	var out []models.SearchResult
	for rows.Next() {
		r := models.SearchResult{Source: "local"}
		if err := rows.Scan(&r.ID, &r.Brand, &r.Model, &r.Year, &r.Price, &r.Mileage, &r.ImageURL, &r.URL); err != nil {
			return nil, fmt.Errorf("failed to scan inventory row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate inventory rows: %w", err)
	}
	return out, nil
}

// scanJob scans a Job from sql.Rows or sql.Row.
func scanJob(row rowScanner) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.SessionID, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}

const jobColumns = `id, kind, session_id, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

// scanOutboxMessage scans an OutboxMessage from sql.Rows.
func scanOutboxMessage(rows *sql.Rows) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := rows.Scan(
		&m.ID, &m.Destination, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

const outboxColumns = `id, destination, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`
