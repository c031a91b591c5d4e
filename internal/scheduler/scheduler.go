// Package scheduler runs periodic maintenance sweeps for ScenarioPipe.
//
// Sweeps are registered under a name with a cron expression: idle session expiry, search cache
// purging and pruning of old inbound dedup records.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// SweepFunc performs one sweep and reports how many items it touched.
type SweepFunc func(ctx context.Context) (int, error)

// Scheduler provides cron-based sweep scheduling.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler creates and starts a cron scheduler. Sweeps receive ctx; it should outlive the scheduler.
func NewScheduler(ctx context.Context) *Scheduler {
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c, ctx: ctx, entries: make(map[string]cron.EntryID)}
}

// AddSweep registers a named sweep. Registering a name again replaces the previous schedule.
func (s *Scheduler) AddSweep(name, expr string, sweep SweepFunc) error {
	id, err := s.cron.AddFunc(expr, func() { s.run(name, sweep) })
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.entries[name]; ok {
		s.cron.Remove(prev)
	}
	s.entries[name] = id
	slog.Debug("Scheduler.AddSweep: registered", "sweep", name, "expr", expr)
	return nil
}

// RunNow runs a registered sweep immediately, outside its schedule.
func (s *Scheduler) RunNow(name string) bool {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.cron.Entry(id).Job.Run()
	return true
}

// Sweeps lists registered sweep names with their next run time.
func (s *Scheduler) Sweeps() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for name, id := range s.entries {
		out[name] = s.cron.Entry(id).Next
	}
	return out
}

func (s *Scheduler) run(name string, sweep SweepFunc) {
	started := time.Now()
	n, err := sweep(s.ctx)
	if err != nil {
		slog.Error("Scheduler.run: sweep failed", "sweep", name, "error", err)
		return
	}
	if n > 0 {
		slog.Info("Scheduler.run: sweep done", "sweep", name, "affected", n, "duration", time.Since(started))
	}
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
