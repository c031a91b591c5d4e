package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SimpleTimer runs in-process callbacks with time.AfterFunc. Timers do not survive a restart.
type SimpleTimer struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	nextID int64
}

func NewSimpleTimer() *SimpleTimer {
	return &SimpleTimer{timers: make(map[string]*time.Timer)}
}

// ScheduleAt runs fn at when and returns the timer id. A time in the past fires immediately.
func (t *SimpleTimer) ScheduleAt(when time.Time, description string, fn func()) string {
	delay := max(time.Until(when), 0)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := fmt.Sprintf("timer_%d", t.nextID)
	t.timers[id] = time.AfterFunc(delay, func() {
		t.mu.Lock()
		delete(t.timers, id)
		t.mu.Unlock()
		fn()
	})
	slog.Debug("SimpleTimer.ScheduleAt", "id", id, "delay", delay, "description", description)
	return id
}

// Cancel stops a timer. Unknown or already fired ids are ignored.
func (t *SimpleTimer) Cancel(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tm, ok := t.timers[id]; ok {
		tm.Stop()
		delete(t.timers, id)
	}
}

// Stop cancels every pending timer.
func (t *SimpleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tm := range t.timers {
		tm.Stop()
	}
	slog.Debug("SimpleTimer.Stop", "canceled", len(t.timers))
	t.timers = make(map[string]*time.Timer)
}

// TimerScheduler resumes DELAY nodes with in-process timers. It is the default when no durable
// job store is configured.
type TimerScheduler struct {
	timer *SimpleTimer

	mu        sync.Mutex
	target    ResumeTarget
	bySession map[string][]string
}

// NewTimerScheduler creates a scheduler over timer.
func NewTimerScheduler(timer *SimpleTimer) *TimerScheduler {
	return &TimerScheduler{timer: timer, bySession: make(map[string][]string)}
}

func (s *TimerScheduler) bind(target ResumeTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = target
}

// ScheduleResume arms a timer that calls the bound engine at at.
func (s *TimerScheduler) ScheduleResume(_ context.Context, req DelayRequest, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target == nil {
		return fmt.Errorf("timer scheduler is not bound to an engine")
	}
	target := s.target
	var id string
	id = s.timer.ScheduleAt(at, "delay "+req.SessionID+"/"+req.NodeID, func() {
		s.mu.Lock()
		s.forgetLocked(req.SessionID, id)
		s.mu.Unlock()
		if err := target.ResumeDelay(context.Background(), req); err != nil {
			slog.Error("TimerScheduler: resume failed", "sessionID", req.SessionID, "nodeID", req.NodeID, "error", err)
		}
	})
	s.bySession[req.SessionID] = append(s.bySession[req.SessionID], id)
	return nil
}

// CancelSession stops every pending timer of the session.
func (s *TimerScheduler) CancelSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	ids := s.bySession[sessionID]
	delete(s.bySession, sessionID)
	s.mu.Unlock()
	for _, id := range ids {
		s.timer.Cancel(id)
	}
	return nil
}

// Pending returns how many resumes are armed for the session.
func (s *TimerScheduler) Pending(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bySession[sessionID])
}

// Stop cancels all timers.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	s.bySession = make(map[string][]string)
	s.mu.Unlock()
	s.timer.Stop()
}

func (s *TimerScheduler) forgetLocked(sessionID, id string) {
	ids := s.bySession[sessionID]
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.bySession, sessionID)
	} else {
		s.bySession[sessionID] = ids
	}
}
