package store

import "time"

// DefaultJobMaxAttempts is how many times a job runs before it is marked failed.
const DefaultJobMaxAttempts = 3

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// Job is a unit of deferred work owned by a session: a DELAY resume or a scheduled broadcast.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	SessionID   string     `json:"session_id"`
	RunAt       time.Time  `json:"run_at"`
	PayloadJSON string     `json:"payload_json"`
	Status      JobStatus  `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error"`
	LockedAt    *time.Time `json:"locked_at"`
	DedupeKey   string     `json:"dedupe_key"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobRepo persists jobs so they survive restarts.
type JobRepo interface {
	// EnqueueJob stores a queued job. While a live job with the same non-empty dedupeKey exists,
	// its id is returned instead.
	EnqueueJob(kind, sessionID string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error)
	// ClaimDueJobs moves up to limit queued jobs with run_at <= now to running and returns them.
	ClaimDueJobs(now time.Time, limit int) ([]Job, error)
	CompleteJob(id string) error
	// FailJob records errMsg and requeues the job for nextRunAt, or marks it failed once its
	// attempts are used up.
	FailJob(id string, errMsg string, nextRunAt time.Time) error
	CancelJob(id string) error
	// CancelSessionJobs cancels queued jobs of a session. An empty kind matches every kind.
	CancelSessionJobs(sessionID, kind string) (int, error)
	// RequeueStaleRunningJobs returns jobs claimed before staleBefore to the queue.
	RequeueStaleRunningJobs(staleBefore time.Time) (int, error)
	// GetJob returns (nil, nil) for unknown ids.
	GetJob(id string) (*Job, error)
}

// OutboxStatus is the lifecycle state of an OutboxMessage.
type OutboxStatus string

const (
	OutboxStatusQueued   OutboxStatus = "queued"
	OutboxStatusSending  OutboxStatus = "sending"
	OutboxStatusSent     OutboxStatus = "sent"
	OutboxStatusCanceled OutboxStatus = "canceled"
)

// OutboxMessage is an outgoing post waiting to be delivered, typically a channel broadcast.
type OutboxMessage struct {
	ID            string       `json:"id"`
	Destination   string       `json:"destination"`
	Kind          string       `json:"kind"`
	PayloadJSON   string       `json:"payload_json"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	DedupeKey     string       `json:"dedupe_key"`
	LockedAt      *time.Time   `json:"locked_at"`
	LastError     string       `json:"last_error"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxRepo persists outgoing posts until they are delivered.
type OutboxRepo interface {
	// EnqueueOutboxMessage stores a queued message, returning the existing id while an
	// unsent message with the same non-empty dedupeKey exists.
	EnqueueOutboxMessage(destination, kind, payloadJSON, dedupeKey string) (string, error)
	// ClaimDueOutboxMessages moves up to limit due queued messages to sending, oldest first.
	ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error)
	MarkOutboxMessageSent(id string) error
	// FailOutboxMessage records errMsg and requeues the message for nextAttemptAt.
	FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error
	RequeueStaleSendingMessages(staleBefore time.Time) (int, error)
}

// DedupRecord is one remembered inbound event id.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	SessionID   string     `json:"session_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo remembers inbound event ids so redelivered events are handled once.
type DedupRepo interface {
	IsDuplicate(messageID string) (bool, error)
	// RecordInbound reports false when messageID was already recorded.
	RecordInbound(messageID, sessionID string) (bool, error)
	MarkProcessed(messageID string) error
	// ReleaseInbound forgets an unprocessed messageID so a redelivery is handled again.
	ReleaseInbound(messageID string) error
	PurgeInboundBefore(before time.Time) (int, error)
}
