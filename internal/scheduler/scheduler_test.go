package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddSweepAndRunNow(t *testing.T) {
	type ctxKey struct{}
	ctx := context.WithValue(context.Background(), ctxKey{}, "root")
	s := NewScheduler(ctx)
	defer s.Stop()

	var calls atomic.Int32
	var seen atomic.Value
	require.NoError(t, s.AddSweep("expire", "@every 1h", func(ctx context.Context) (int, error) {
		calls.Add(1)
		seen.Store(ctx.Value(ctxKey{}))
		return 3, nil
	}))

	assert.True(t, s.RunNow("expire"))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "root", seen.Load())
	assert.False(t, s.RunNow("missing"))
}

func TestAddSweepReplacesByName(t *testing.T) {
	s := NewScheduler(context.Background())
	defer s.Stop()

	var first, second atomic.Int32
	require.NoError(t, s.AddSweep("purge", "@hourly", func(context.Context) (int, error) {
		first.Add(1)
		return 0, nil
	}))
	require.NoError(t, s.AddSweep("purge", "@daily", func(context.Context) (int, error) {
		second.Add(1)
		return 0, errors.New("boom")
	}))

	assert.Len(t, s.Sweeps(), 1)
	assert.True(t, s.RunNow("purge"))
	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(1), second.Load())
	assert.Len(t, s.cron.Entries(), 1)
}

func TestAddSweepRejectsBadExpression(t *testing.T) {
	s := NewScheduler(context.Background())
	defer s.Stop()
	assert.Error(t, s.AddSweep("bad", "61 * * * *", func(context.Context) (int, error) { return 0, nil }))
	assert.Error(t, s.AddSweep("bad", "not a cron", func(context.Context) (int, error) { return 0, nil }))
	assert.Empty(t, s.Sweeps())
}
