package messaging

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
)

type orderRecorder struct {
	mu      sync.Mutex
	seen    map[string][]string
	active  map[string]int
	overlap bool
}

func newOrderRecorder() *orderRecorder {
	return &orderRecorder{seen: map[string][]string{}, active: map[string]int{}}
}

func (r *orderRecorder) HandleEvent(_ context.Context, ev models.InboundEvent) error {
	r.mu.Lock()
	r.active[ev.SessionID]++
	if r.active[ev.SessionID] > 1 {
		r.overlap = true
	}
	r.mu.Unlock()

	time.Sleep(time.Millisecond)

	r.mu.Lock()
	r.active[ev.SessionID]--
	r.seen[ev.SessionID] = append(r.seen[ev.SessionID], ev.Text)
	r.mu.Unlock()
	return nil
}

func (r *orderRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, v := range r.seen {
		n += len(v)
	}
	return n
}

func TestDispatcherPreservesPerSessionOrder(t *testing.T) {
	rec := newOrderRecorder()
	d := NewDispatcher(rec, WithWorkerIdleTimeout(20*time.Millisecond))
	events := make(chan models.InboundEvent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		d.Run(ctx, events)
		close(done)
	}()

	for i := 0; i < 20; i++ {
		for _, s := range []string{"a", "b", "c"} {
			events <- models.InboundEvent{SessionID: s, Kind: models.EventKindText, Text: fmt.Sprint(i)}
		}
	}
	events <- models.InboundEvent{Kind: models.EventKindText, Text: "no session"}
	close(events)
	<-done

	require.Equal(t, 60, rec.count())
	for _, s := range []string{"a", "b", "c"} {
		for i, got := range rec.seen[s] {
			assert.Equal(t, fmt.Sprint(i), got)
		}
	}
	assert.False(t, rec.overlap, "a session never runs two events at once")
	assert.Zero(t, d.ActiveSessions())
}

func TestDispatcherWorkerExitsWhenIdle(t *testing.T) {
	rec := newOrderRecorder()
	d := NewDispatcher(rec, WithWorkerIdleTimeout(50*time.Millisecond), WithSessionQueueSize(1))
	ctx := context.Background()

	d.Dispatch(ctx, models.InboundEvent{SessionID: "a", Kind: models.EventKindText, Text: "0"})
	assert.Equal(t, 1, d.ActiveSessions())
	require.Eventually(t, func() bool { return d.ActiveSessions() == 0 }, time.Second, 5*time.Millisecond)

	d.Dispatch(ctx, models.InboundEvent{SessionID: "a", Kind: models.EventKindText, Text: "1"})
	d.Wait()
	assert.Equal(t, []string{"0", "1"}, rec.seen["a"])
}
