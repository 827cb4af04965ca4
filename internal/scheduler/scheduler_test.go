package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/priceverse/priceverse/internal/errs"
)

func noopJob(ctx context.Context) error { return nil }

func TestDuplicateNameFailsFast(t *testing.T) {
	s := New()
	require.NoError(t, s.AddCron("rollup", "*/5 * * * *", noopJob))

	err := s.AddCron("rollup", "0 * * * *", noopJob)
	require.Error(t, err)
	assert.Equal(t, errs.InternalError, errs.CodeOf(err))

	err = s.AddInterval("rollup", time.Minute, noopJob)
	require.Error(t, err)
	assert.Equal(t, errs.InternalError, errs.CodeOf(err))
}

func TestInvalidCronExpressionRejected(t *testing.T) {
	s := New()
	err := s.AddCron("broken", "not a cron expr", noopJob)
	require.Error(t, err)
	assert.NotContains(t, s.Names(), "broken")
}

func TestNonPositiveIntervalRejected(t *testing.T) {
	s := New()
	err := s.AddInterval("instant", 0, noopJob)
	require.Error(t, err)
	assert.Equal(t, errs.InternalError, errs.CodeOf(err))
}

func TestNamesListsRegisteredJobs(t *testing.T) {
	s := New()
	require.NoError(t, s.AddCron("a", "0 0 * * *", noopJob))
	require.NoError(t, s.AddInterval("b", time.Hour, noopJob))
	assert.ElementsMatch(t, []string{"a", "b"}, s.Names())
}

func TestIntervalJobRuns(t *testing.T) {
	var runs atomic.Int64
	s := New()
	require.NoError(t, s.AddInterval("tick", 10*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool {
		return runs.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStopHaltsIntervalJobs(t *testing.T) {
	var runs atomic.Int64
	s := New()
	require.NoError(t, s.AddInterval("tick", 10*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))

	// A tick racing the stop may land once more; settle before sampling.
	time.Sleep(30 * time.Millisecond)
	after := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

func TestStartAndStopAreIdempotent(t *testing.T) {
	s := New()
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
}

func TestRestartResumesIntervalJobs(t *testing.T) {
	s := New()
	var runs atomic.Int64
	require.NoError(t, s.AddInterval("counter", 10*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))

	require.NoError(t, s.Start(context.Background()))
	before := runs.Load()
	assert.Eventually(t, func() bool { return runs.Load() > before }, time.Second, 5*time.Millisecond,
		"interval jobs must keep running after a restart")
	require.NoError(t, s.Stop(context.Background()))
}
