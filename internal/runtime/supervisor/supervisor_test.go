package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	s.Go0("boom", func(ctx context.Context) { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.EqualValues(t, 1, s.Counters().Panics)
	assert.EqualValues(t, 0, s.Counters().Active)
}

func TestCancelOnError(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go("fails", func(ctx context.Context) error { return errors.New("fatal") })

	select {
	case <-s.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not canceled on error")
	}
	assert.ErrorContains(t, s.Err(), "fatal")
}

func TestContextCanceledIsCleanStop(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	var calls atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.EqualValues(t, 3, calls.Load())
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	s.GoRestart("broken", func(ctx context.Context) error {
		return errors.New("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "always")
}
