package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
)

// EventHandler consumes inbound events. *flow.Engine satisfies it.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev models.InboundEvent) error
}

// DefaultWorkerIdleTimeout is how long a session worker waits for more events before exiting.
const DefaultWorkerIdleTimeout = 30 * time.Second

// Dispatcher fans inbound events out to one worker per session. Events of a session are handled
// in arrival order; different sessions proceed in parallel.
type Dispatcher struct {
	handler   EventHandler
	idle      time.Duration
	queueSize int

	mu     sync.Mutex
	queues map[string]*sessionQueue
	wg     sync.WaitGroup
}

type sessionQueue struct {
	ch      chan models.InboundEvent
	pending int // events promised to ch but not yet received, guarded by Dispatcher.mu
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithWorkerIdleTimeout sets how long an idle session worker lingers.
func WithWorkerIdleTimeout(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.idle = d
		}
	}
}

// WithSessionQueueSize sets the per-session buffer.
func WithSessionQueueSize(n int) DispatcherOption {
	return func(dp *Dispatcher) {
		if n > 0 {
			dp.queueSize = n
		}
	}
}

// NewDispatcher creates a dispatcher delivering to handler.
func NewDispatcher(handler EventHandler, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		handler:   handler,
		idle:      DefaultWorkerIdleTimeout,
		queueSize: 16,
		queues:    make(map[string]*sessionQueue),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run dispatches events until the channel closes or ctx is cancelled, then waits for workers.
func (d *Dispatcher) Run(ctx context.Context, events <-chan models.InboundEvent) {
	slog.Debug("Dispatcher.Run: started")
	defer d.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				slog.Debug("Dispatcher.Run: event channel closed")
				return
			}
			d.Dispatch(ctx, ev)
		}
	}
}

// Dispatch queues ev for its session's worker, starting one if needed. It blocks while the
// session's queue is full.
func (d *Dispatcher) Dispatch(ctx context.Context, ev models.InboundEvent) {
	if ev.SessionID == "" {
		slog.Warn("Dispatcher.Dispatch: dropping event without session", "kind", ev.Kind)
		return
	}

	d.mu.Lock()
	q, ok := d.queues[ev.SessionID]
	if !ok {
		q = &sessionQueue{ch: make(chan models.InboundEvent, d.queueSize)}
		d.queues[ev.SessionID] = q
		d.wg.Add(1)
		go d.work(ctx, ev.SessionID, q)
	}
	q.pending++
	d.mu.Unlock()

	select {
	case q.ch <- ev:
	case <-ctx.Done():
		d.mu.Lock()
		q.pending--
		d.mu.Unlock()
	}
}

// Wait blocks until all session workers have exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// ActiveSessions returns the number of sessions with a live worker.
func (d *Dispatcher) ActiveSessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

func (d *Dispatcher) work(ctx context.Context, sessionID string, q *sessionQueue) {
	defer d.wg.Done()
	timer := time.NewTimer(d.idle)
	defer timer.Stop()

	for {
		select {
		case ev := <-q.ch:
			d.mu.Lock()
			q.pending--
			d.mu.Unlock()
			if err := d.handler.HandleEvent(ctx, ev); err != nil {
				slog.Error("Dispatcher.work: handler failed", "session", sessionID, "event", ev.ID, "error", err)
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d.idle)
		case <-timer.C:
			d.mu.Lock()
			if q.pending == 0 {
				delete(d.queues, sessionID)
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			timer.Reset(d.idle)
		case <-ctx.Done():
			d.mu.Lock()
			delete(d.queues, sessionID)
			d.mu.Unlock()
			return
		}
	}
}
