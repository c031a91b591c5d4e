package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
	"github.com/BTreeMap/ScenarioPipe/internal/util"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of "?".
	numbered bool
	// claimReturning claims rows in one UPDATE ... RETURNING with SKIP LOCKED, safe across
	// replicas. Otherwise rows are selected and updated inside one transaction.
	claimReturning bool
}

var (
	sqliteDialect   = dialect{name: "SQLiteStore"}
	postgresDialect = dialect{name: "PostgresStore", numbered: true, claimReturning: true}
)

// rebind rewrites "?" placeholders for the dialect. Queries must not contain literal question marks.
func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// durableSQL implements JobRepo, OutboxRepo and DedupRepo on database/sql. SQLiteStore and
// PostgresStore embed it.
type durableSQL struct {
	conn *sql.DB
	d    dialect
}

func (s durableSQL) exec(q string, args ...any) (sql.Result, error) {
	return s.conn.Exec(s.d.rebind(q), args...)
}

func (s durableSQL) queryRow(q string, args ...any) *sql.Row {
	return s.conn.QueryRow(s.d.rebind(q), args...)
}

func affected(res sql.Result) int {
	n, _ := res.RowsAffected()
	return int(n)
}

// liveByKey returns the id of a row with dedupeKey whose status is not terminal.
func (s durableSQL) liveByKey(table, dedupeKey string, terminal ...string) (string, bool, error) {
	if dedupeKey == "" {
		return "", false, nil
	}
	q := `SELECT id FROM ` + table + ` WHERE dedupe_key = ? AND status NOT IN ('` + strings.Join(terminal, `', '`) + `')`
	var id string
	err := s.queryRow(q, dedupeKey).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("dedupe lookup on %s failed: %w", table, err)
	}
	return id, true, nil
}

// claim moves due rows of table from status queued to claimedStatus and returns their ids.
// due is a WHERE fragment with a single "?" bound to now.
func (s durableSQL) claim(table, due, order, claimedStatus string, now time.Time, limit int) ([]string, error) {
	if s.d.claimReturning {
		rows, err := s.conn.Query(s.d.rebind(
			`UPDATE `+table+` SET status = ?, locked_at = ?, updated_at = ?
			 WHERE id IN (SELECT id FROM `+table+` WHERE status = 'queued' AND `+due+`
			   ORDER BY `+order+` LIMIT ? FOR UPDATE SKIP LOCKED)
			 RETURNING id`), claimedStatus, now, now, now, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return scanIDs(rows)
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	rows, err := tx.Query(`SELECT id FROM `+table+` WHERE status = 'queued' AND `+due+` ORDER BY `+order+` LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	ids, err := scanIDs(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE `+table+` SET status = ?, locked_at = ?, updated_at = ? WHERE id = ?`, claimedStatus, now, now, id); err != nil {
			return nil, err
		}
	}
	return ids, tx.Commit()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func anyIDs(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// SearchInventory returns local inventory matching the filter, ordered by id.
func (s durableSQL) SearchInventory(ctx context.Context, filter models.SearchFilter, limit int) ([]models.SearchResult, error) {
	where, args := inventoryWhere(filter.Normalize())
	query := `SELECT id, brand, model, year, price, mileage, image_url, url FROM inventory` + where + ` ORDER BY id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.conn.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		slog.Error(s.d.name+".SearchInventory: query failed", "error", err)
		return nil, fmt.Errorf("failed to search inventory: %w", err)
	}
	defer rows.Close()
	return scanInventory(rows)
}

// Jobs

func (s durableSQL) EnqueueJob(kind, sessionID string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	if id, ok, err := s.liveByKey("jobs", dedupeKey, string(JobStatusDone), string(JobStatusCanceled), string(JobStatusFailed)); err != nil || ok {
		if ok {
			slog.Debug(s.d.name+".EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", id)
		}
		return id, err
	}
	id := util.GenerateRandomID("job_", 32)
	now := time.Now()
	_, err := s.exec(
		`INSERT INTO jobs (id, kind, session_id, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)`,
		id, kind, sessionID, runAt, payloadJSON, DefaultJobMaxAttempts, nilIfEmpty(dedupeKey), now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug(s.d.name+".EnqueueJob", "id", id, "kind", kind, "sessionID", sessionID, "runAt", runAt)
	return id, nil
}

func (s durableSQL) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	ids, err := s.claim("jobs", "run_at <= ?", "run_at ASC", string(JobStatusRunning), now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.conn.Query(s.d.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id IN (`+placeholders(len(ids))+`)`), anyIDs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("load claimed jobs failed: %w", err)
	}
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, k int) bool { return jobs[i].RunAt.Before(jobs[k].RunAt) })
	return jobs, nil
}

func (s durableSQL) CompleteJob(id string) error {
	if _, err := s.exec(`UPDATE jobs SET status = 'done', locked_at = NULL, updated_at = ? WHERE id = ?`, time.Now(), id); err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s durableSQL) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	// One statement so a concurrent FailJob cannot lose an attempt.
	_, err := s.exec(
		`UPDATE jobs SET
		   attempt = attempt + 1,
		   status = CASE WHEN attempt + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
		   run_at = CASE WHEN attempt + 1 >= max_attempts THEN run_at ELSE ? END,
		   last_error = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ?`,
		nextRunAt, errMsg, time.Now(), id)
	if err != nil {
		return fmt.Errorf("fail job update failed: %w", err)
	}
	return nil
}

func (s durableSQL) CancelJob(id string) error {
	if _, err := s.exec(`UPDATE jobs SET status = 'canceled', locked_at = NULL, updated_at = ? WHERE id = ?`, time.Now(), id); err != nil {
		return fmt.Errorf("cancel job failed: %w", err)
	}
	return nil
}

func (s durableSQL) CancelSessionJobs(sessionID, kind string) (int, error) {
	res, err := s.exec(
		`UPDATE jobs SET status = 'canceled', locked_at = NULL, updated_at = ?
		 WHERE session_id = ? AND status = 'queued' AND (CAST(? AS TEXT) = '' OR kind = ?)`,
		time.Now(), sessionID, kind, kind)
	if err != nil {
		return 0, fmt.Errorf("cancel session jobs failed: %w", err)
	}
	n := affected(res)
	if n > 0 {
		slog.Debug(s.d.name+".CancelSessionJobs", "sessionID", sessionID, "kind", kind, "canceled", n)
	}
	return n, nil
}

func (s durableSQL) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	res, err := s.exec(`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'running' AND locked_at < ?`, time.Now(), staleBefore)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	return affected(res), nil
}

func (s durableSQL) GetJob(id string) (*Job, error) {
	j, err := scanJob(s.queryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}

// Outbox

func (s durableSQL) EnqueueOutboxMessage(destination, kind, payloadJSON, dedupeKey string) (string, error) {
	if id, ok, err := s.liveByKey("outbox_messages", dedupeKey, string(OutboxStatusSent), string(OutboxStatusCanceled)); err != nil || ok {
		return id, err
	}
	id := util.GenerateRandomID("outbox_", 32)
	now := time.Now()
	_, err := s.exec(
		`INSERT INTO outbox_messages (id, destination, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?)`,
		id, destination, kind, payloadJSON, nilIfEmpty(dedupeKey), now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug(s.d.name+".EnqueueOutboxMessage", "id", id, "destination", destination, "kind", kind)
	return id, nil
}

func (s durableSQL) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	ids, err := s.claim("outbox_messages", "(next_attempt_at IS NULL OR next_attempt_at <= ?)", "created_at ASC", string(OutboxStatusSending), now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.conn.Query(s.d.rebind(`SELECT `+outboxColumns+` FROM outbox_messages WHERE id IN (`+placeholders(len(ids))+`)`), anyIDs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("load claimed outbox messages failed: %w", err)
	}
	defer rows.Close()
	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(msgs, func(i, k int) bool { return msgs[i].CreatedAt.Before(msgs[k].CreatedAt) })
	return msgs, nil
}

func (s durableSQL) MarkOutboxMessageSent(id string) error {
	if _, err := s.exec(`UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`, time.Now(), id); err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s durableSQL) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.exec(
		`UPDATE outbox_messages SET status = 'queued', attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ?`,
		errMsg, nextAttemptAt, time.Now(), id)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s durableSQL) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	res, err := s.exec(`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`, time.Now(), staleBefore)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	return affected(res), nil
}

// Inbound dedup

func (s durableSQL) IsDuplicate(messageID string) (bool, error) {
	var id string
	err := s.queryRow(`SELECT message_id FROM inbound_dedup WHERE message_id = ?`, messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (s durableSQL) RecordInbound(messageID, sessionID string) (bool, error) {
	res, err := s.exec(
		`INSERT INTO inbound_dedup (message_id, session_id, received_at) VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`,
		messageID, sessionID, time.Now())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return affected(res) > 0, nil
}

func (s durableSQL) MarkProcessed(messageID string) error {
	if _, err := s.exec(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`, time.Now(), messageID); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s durableSQL) ReleaseInbound(messageID string) error {
	if _, err := s.exec(`DELETE FROM inbound_dedup WHERE message_id = ? AND processed_at IS NULL`, messageID); err != nil {
		return fmt.Errorf("release inbound failed: %w", err)
	}
	return nil
}

func (s durableSQL) PurgeInboundBefore(before time.Time) (int, error) {
	res, err := s.exec(`DELETE FROM inbound_dedup WHERE received_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("purge inbound dedup failed: %w", err)
	}
	return affected(res), nil
}

var (
	_ JobRepo    = durableSQL{}
	_ OutboxRepo = durableSQL{}
	_ DedupRepo  = durableSQL{}
)
