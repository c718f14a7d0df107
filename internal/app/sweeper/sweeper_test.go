package sweeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/shopfront/internal/logging"
)

type fakePurger struct {
	calls     atomic.Int32
	retention time.Duration
	n         int
	err       error
}

func (f *fakePurger) PurgeSessions(_ context.Context, retention time.Duration) (int, error) {
	f.calls.Add(1)
	f.retention = retention
	return f.n, f.err
}

func TestRunOnce(t *testing.T) {
	purger := &fakePurger{n: 3}
	s := New(purger, 48*time.Hour, logging.Discard(),
		WithCompactor("rate_limiters", CompactorFunc(func() int { return 2 })),
		WithCompactor("idempotency", CompactorFunc(func() int { return 0 })),
	)

	res := s.RunOnce(context.Background())
	assert.Equal(t, 3, res.Sessions)
	assert.Equal(t, map[string]int{"rate_limiters": 2, "idempotency": 0}, res.Compacted)
	assert.Equal(t, 48*time.Hour, purger.retention)
}

func TestRunOnceContinuesAfterPurgeFailure(t *testing.T) {
	purger := &fakePurger{err: errors.New("db down")}
	compacted := false
	s := New(purger, time.Hour, logging.Discard(),
		WithCompactor("rate_limiters", CompactorFunc(func() int { compacted = true; return 1 })),
	)

	res := s.RunOnce(context.Background())
	assert.Zero(t, res.Sessions)
	assert.True(t, compacted)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := New(nil, time.Hour, logging.Discard(), WithSchedule("not a schedule"))
	require.Error(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
}

func TestScheduledRuns(t *testing.T) {
	purger := &fakePurger{}
	s := New(purger, time.Hour, logging.Discard(), WithSchedule("@every 1s"))
	assert.Equal(t, "sweeper", s.Name())

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx), "second start is a no-op")

	require.Eventually(t, func() bool { return purger.calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))
}
