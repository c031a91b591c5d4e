package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ScenarioPipe/internal/store"
)

// Job kinds for restart-safe scheduling.
const (
	JobKindDelayResume        = "delay_resume"
	JobKindScheduledBroadcast = "scheduled_broadcast"
)

// JobScheduler persists DELAY resumes as durable jobs so they survive a restart.
type JobScheduler struct {
	repo store.JobRepo
}

// NewJobScheduler creates a scheduler over repo.
func NewJobScheduler(repo store.JobRepo) *JobScheduler {
	return &JobScheduler{repo: repo}
}

// ScheduleResume enqueues a delay_resume job. Scheduling the same resume twice while the first job
// is pending is a no-op.
func (s *JobScheduler) ScheduleResume(_ context.Context, req DelayRequest, at time.Time) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode delay payload: %w", err)
	}
	dedupeKey := fmt.Sprintf("delay:%s:%s:%s:%s", req.SessionID, req.FlowID, req.NodeID, req.Token)
	id, err := s.repo.EnqueueJob(JobKindDelayResume, req.SessionID, at, string(payload), dedupeKey)
	if err != nil {
		return fmt.Errorf("failed to enqueue delay resume: %w", err)
	}
	slog.Debug("JobScheduler.ScheduleResume", "jobID", id, "sessionID", req.SessionID, "nodeID", req.NodeID, "runAt", at)
	return nil
}

// CancelSession cancels the session's queued delay resumes. Scheduled broadcasts are kept.
func (s *JobScheduler) CancelSession(_ context.Context, sessionID string) error {
	n, err := s.repo.CancelSessionJobs(sessionID, JobKindDelayResume)
	if err != nil {
		return fmt.Errorf("failed to cancel delay resumes: %w", err)
	}
	if n > 0 {
		slog.Debug("JobScheduler.CancelSession", "sessionID", sessionID, "canceled", n)
	}
	return nil
}

// EnqueueBroadcast stores a post to be sent at at by the scheduled_broadcast handler.
func EnqueueBroadcast(repo store.JobRepo, post BroadcastPost, at time.Time) (string, error) {
	payload, err := json.Marshal(post)
	if err != nil {
		return "", fmt.Errorf("failed to encode broadcast payload: %w", err)
	}
	id, err := repo.EnqueueJob(JobKindScheduledBroadcast, post.SessionID, at, string(payload), "")
	if err != nil {
		return "", fmt.Errorf("failed to enqueue broadcast: %w", err)
	}
	return id, nil
}

// RegisterJobHandlers registers the flow job handlers with runner.
func RegisterJobHandlers(runner *store.JobRunner, target ResumeTarget, broadcaster Broadcaster) {
	runner.RegisterHandler(JobKindDelayResume, makeDelayResumeHandler(target))
	runner.RegisterHandler(JobKindScheduledBroadcast, makeScheduledBroadcastHandler(broadcaster))
}

func makeDelayResumeHandler(target ResumeTarget) store.JobHandler {
	return func(ctx context.Context, job store.Job) error {
		var req DelayRequest
		if err := json.Unmarshal([]byte(job.PayloadJSON), &req); err != nil {
			return fmt.Errorf("invalid delay_resume payload: %w", err)
		}
		slog.Info("JobHandler.delay_resume: executing", "jobID", job.ID, "sessionID", req.SessionID, "nodeID", req.NodeID)
		// ResumeDelay ignores sessions that moved on, so a retried job is harmless.
		return target.ResumeDelay(ctx, req)
	}
}

func makeScheduledBroadcastHandler(broadcaster Broadcaster) store.JobHandler {
	return func(ctx context.Context, job store.Job) error {
		var post BroadcastPost
		if err := json.Unmarshal([]byte(job.PayloadJSON), &post); err != nil {
			return fmt.Errorf("invalid scheduled_broadcast payload: %w", err)
		}
		if broadcaster == nil {
			return fmt.Errorf("no broadcaster configured")
		}
		slog.Info("JobHandler.scheduled_broadcast: executing", "jobID", job.ID, "destination", post.Destination, "variant", post.Variant)
		return broadcaster.Post(ctx, post)
	}
}
