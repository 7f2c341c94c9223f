package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlossalguero/tokenkeeper/internal/shared/errors"
	"github.com/carlossalguero/tokenkeeper/internal/shared/logger"
)

func TestAddJob(t *testing.T) {
	s := New(logger.Discard())

	require.NoError(t, s.AddJob("refresh", "@every 1m", func(context.Context) {}))
	require.NoError(t, s.AddJob("cleanup", "*/5 * * * *", func(context.Context) {}))
	require.NoError(t, s.AddJob("fast", "*/10 * * * * *", func(context.Context) {}))

	err := s.AddJob("refresh", "@every 1m", func(context.Context) {})
	assert.True(t, errors.IsCode(err, errors.CodeAlreadyExists))

	err = s.AddJob("broken", "every minute", func(context.Context) {})
	assert.True(t, errors.IsCode(err, errors.CodeConfiguration))

	jobs := s.Jobs()
	require.Len(t, jobs, 3)
	assert.Equal(t, "cleanup", jobs[0].Name)
	assert.Equal(t, "fast", jobs[1].Name)
	assert.Equal(t, "refresh", jobs[2].Name)
}

func TestRemoveJob(t *testing.T) {
	s := New(logger.Discard())
	require.NoError(t, s.AddJob("refresh", "@every 1m", func(context.Context) {}))

	s.RemoveJob("refresh")
	s.RemoveJob("unknown")

	assert.Empty(t, s.Jobs())
	_, ok := s.NextRun("refresh")
	assert.False(t, ok)
}

func TestStartRunsJobsAndStopCancels(t *testing.T) {
	if testing.Short() {
		t.Skip("waits on the cron clock")
	}
	s := New(logger.Discard())

	var runs atomic.Int32
	canceled := make(chan struct{})
	require.NoError(t, s.AddJob("tick", "@every 1s", func(ctx context.Context) {
		if runs.Add(1) == 1 {
			<-ctx.Done()
			close(canceled)
		}
	}))

	s.Start()
	next, ok := s.NextRun("tick")
	require.True(t, ok)
	assert.False(t, next.IsZero())

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("job context was not canceled")
	}
	// The blocked first run suppresses overlapping runs.
	assert.EqualValues(t, 1, runs.Load())
}
