package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// JobHandler executes a claimed job. A job can run twice if the process dies between the
// handler returning and CompleteJob, so handlers must tolerate repeats.
type JobHandler func(ctx context.Context, job Job) error

// JobRunner claims due jobs on an interval and hands each to the handler registered for its kind.
type JobRunner struct {
	repo     JobRepo
	interval time.Duration
	opts     PollOpts

	mu       sync.RWMutex
	handlers map[string]JobHandler
}

// NewJobRunner creates a JobRunner polling repo every interval (10s when not positive).
// Failed jobs are retried after 30s, doubling per attempt.
func NewJobRunner(repo JobRepo, interval time.Duration, opts ...PollOption) *JobRunner {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &JobRunner{
		repo:     repo,
		interval: interval,
		opts:     newPollOpts(30*time.Second, opts),
		handlers: make(map[string]JobHandler),
	}
}

// RegisterHandler binds kind to h, replacing any earlier handler.
func (r *JobRunner) RegisterHandler(kind string, h JobHandler) {
	r.mu.Lock()
	r.handlers[kind] = h
	r.mu.Unlock()
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

func (r *JobRunner) handler(kind string) (JobHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// RecoverStaleJobs requeues jobs left running by a previous process. Call it once before Run.
func (r *JobRunner) RecoverStaleJobs() error {
	n, err := r.repo.RequeueStaleRunningJobs(time.Now().Add(-r.opts.StaleAfter))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (r *JobRunner) Run(ctx context.Context) {
	pollLoop(ctx, "JobRunner", r.interval, r.RunOnce)
}

// RunOnce claims the jobs due now and runs them in order.
func (r *JobRunner) RunOnce(ctx context.Context) {
	now := time.Now()
	jobs, err := r.repo.ClaimDueJobs(now, r.opts.ClaimLimit)
	if err != nil {
		slog.Error("JobRunner.RunOnce: claim failed", "error", err)
		return
	}
	for _, job := range jobs {
		r.execute(ctx, now, job)
	}
}

func (r *JobRunner) execute(ctx context.Context, now time.Time, job Job) {
	h, ok := r.handler(job.Kind)
	var err error
	if !ok {
		err = fmt.Errorf("no handler registered for kind %q", job.Kind)
	} else {
		slog.Debug("JobRunner.execute", "id", job.ID, "kind", job.Kind, "sessionID", job.SessionID, "attempt", job.Attempt)
		err = h(ctx, job)
	}

	if err == nil {
		if err := r.repo.CompleteJob(job.ID); err != nil {
			slog.Error("JobRunner.execute: complete failed", "id", job.ID, "error", err)
		}
		return
	}
	next := r.opts.retryAt(now, job.Attempt)
	slog.Warn("JobRunner.execute: job failed", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt+1, "retryAt", next, "error", err)
	if err := r.repo.FailJob(job.ID, err.Error(), next); err != nil {
		slog.Error("JobRunner.execute: recording failure failed", "id", job.ID, "error", err)
	}
}
