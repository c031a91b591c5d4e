package store

import (
	"context"
	"log/slog"
	"time"
)

// OutboxSendFunc delivers one outbox message.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxSender drains the outbox on an interval, retrying failed deliveries with backoff.
type OutboxSender struct {
	repo     OutboxRepo
	send     OutboxSendFunc
	interval time.Duration
	opts     PollOpts
}

// NewOutboxSender creates an OutboxSender polling every interval (5s when not positive).
// Failed sends are retried after 10s, doubling per attempt.
func NewOutboxSender(repo OutboxRepo, send OutboxSendFunc, interval time.Duration, opts ...PollOption) *OutboxSender {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &OutboxSender{repo: repo, send: send, interval: interval, opts: newPollOpts(10*time.Second, opts)}
}

// RecoverStaleMessages requeues messages left in sending by a previous process. Call it once before Run.
func (s *OutboxSender) RecoverStaleMessages() error {
	n, err := s.repo.RequeueStaleSendingMessages(time.Now().Add(-s.opts.StaleAfter))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	pollLoop(ctx, "OutboxSender", s.interval, s.RunOnce)
}

// RunOnce claims the messages due now and sends them oldest first.
func (s *OutboxSender) RunOnce(ctx context.Context) {
	now := time.Now()
	msgs, err := s.repo.ClaimDueOutboxMessages(now, s.opts.ClaimLimit)
	if err != nil {
		slog.Error("OutboxSender.RunOnce: claim failed", "error", err)
		return
	}
	for _, msg := range msgs {
		if err := s.send(ctx, msg); err != nil {
			next := s.opts.retryAt(now, msg.Attempts)
			slog.Warn("OutboxSender.RunOnce: send failed", "id", msg.ID, "destination", msg.Destination, "retryAt", next, "error", err)
			if err := s.repo.FailOutboxMessage(msg.ID, err.Error(), next); err != nil {
				slog.Error("OutboxSender.RunOnce: recording failure failed", "id", msg.ID, "error", err)
			}
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(msg.ID); err != nil {
			slog.Error("OutboxSender.RunOnce: mark sent failed", "id", msg.ID, "error", err)
			continue
		}
		slog.Debug("OutboxSender.RunOnce: sent", "id", msg.ID, "destination", msg.Destination)
	}
}
