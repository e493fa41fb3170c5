package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentloom/pkg/schema"
)

// everySchedule fires at a sub-second interval, which cron descriptors round
// up to one second.
type everySchedule time.Duration

func (e everySchedule) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

func TestNew_Validation(t *testing.T) {
	_, err := New("invalid cron", func(context.Context) error { return nil }, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = New("* * * * *", nil, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	for _, expr := range []string{"*/5 * * * *", "0 9 * * 1-5", "@hourly", "@every 30s"} {
		_, err := New(expr, func(context.Context) error { return nil }, nil)
		assert.NoError(t, err, expr)
	}
}

func TestNext(t *testing.T) {
	s, err := New("30 * * * *", func(context.Context) error { return nil }, nil)
	require.NoError(t, err)

	from := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC), s.Next(from))

	s, err = New("@every 5m", func(context.Context) error { return nil }, nil)
	require.NoError(t, err)
	assert.Equal(t, from.Add(5*time.Minute), s.Next(from))
}

func TestScheduler_RunsImmediatelyAndRepeats(t *testing.T) {
	var count atomic.Int32
	s, err := New("@hourly", func(context.Context) error {
		count.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)
	s.schedule = everySchedule(10 * time.Millisecond)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return count.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())

	stopped := count.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, count.Load(), "no runs after Stop")

	runs, failures := s.Stats()
	assert.Equal(t, int64(stopped), runs)
	assert.Zero(t, failures)
}

func TestScheduler_CountsFailuresAndKeepsGoing(t *testing.T) {
	var count atomic.Int32
	s, err := New("@hourly", func(context.Context) error {
		count.Add(1)
		return errors.New("run failed")
	}, nil)
	require.NoError(t, err)
	s.schedule = everySchedule(5 * time.Millisecond)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return count.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())

	runs, failures := s.Stats()
	assert.Equal(t, runs, failures)
}

func TestScheduler_RunsNeverOverlap(t *testing.T) {
	var active, peak atomic.Int32
	s, err := New("@hourly", func(context.Context) error {
		n := active.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil
	}, nil)
	require.NoError(t, err)
	s.schedule = everySchedule(time.Millisecond)

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, s.Stop())
	assert.Equal(t, int32(1), peak.Load())
}

func TestScheduler_StartTwiceConflicts(t *testing.T) {
	s, err := New("@hourly", func(context.Context) error { return nil }, nil)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	err = s.Start(context.Background())
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "Stop is idempotent")
}

func TestScheduler_ContextCancelEndsWait(t *testing.T) {
	s, err := New("@hourly", func(context.Context) error { return nil }, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after cancel")
	}
	require.NoError(t, s.Stop())
}
