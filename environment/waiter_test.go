package environment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWaiter(p ExactDescriber) (*Waiter, *fakeClock) {
	clock := newFakeClock()
	return NewWaiter(NewOracle(p), clock), clock
}

func TestWaiter_TimeoutBoundary(t *testing.T) {
	poll := 5 * time.Second
	p := &scriptedPlatform{states: []ServiceState{StateDraining}}
	w, clock := newTestWaiter(p)

	out, err := w.WaitForServiceDeletion(context.Background(), testID, 2*poll, poll)
	require.NoError(t, err)
	assert.False(t, out.Resolved)
	assert.Equal(t, 2, out.Polls)
	assert.Equal(t, 2, p.describeCalls)
	assert.Equal(t, StateDraining, out.FinalState)
	assert.Equal(t, 1, clock.sleepCount())
}

func TestWaiter_PollBudget(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		poll    time.Duration
		want    int
	}{
		{"one minute at five seconds", time.Minute, 5 * time.Second, 12},
		{"uneven budget", 11 * time.Second, 5 * time.Second, 3},
		{"three intervals", 3 * time.Second, time.Second, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scriptedPlatform{states: []ServiceState{StateDraining}}
			w, _ := newTestWaiter(p)
			out, err := w.WaitForServiceDeletion(context.Background(), testID, tt.timeout, tt.poll)
			require.NoError(t, err)
			assert.False(t, out.Resolved)
			assert.Equal(t, tt.want, out.Polls)
		})
	}
}

func TestWaiter_ImmediateResolution(t *testing.T) {
	for _, st := range []ServiceState{StateInactive, StateAbsent} {
		t.Run(string(st), func(t *testing.T) {
			p := &scriptedPlatform{states: []ServiceState{st}}
			w, clock := newTestWaiter(p)

			out, err := w.WaitForServiceDeletion(context.Background(), testID, time.Minute, 5*time.Second)
			require.NoError(t, err)
			assert.True(t, out.Resolved)
			assert.Equal(t, 1, out.Polls)
			assert.Zero(t, out.Elapsed)
			assert.Zero(t, clock.sleepCount())
		})
	}
}

func TestWaiter_WaitsThroughDraining(t *testing.T) {
	p := &scriptedPlatform{states: []ServiceState{StateDraining, StateDraining, StateDraining, StateAbsent}}
	w, clock := newTestWaiter(p)

	out, err := w.WaitForServiceDeletion(context.Background(), testID, time.Minute, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, out.Resolved)
	assert.Equal(t, 4, out.Polls)
	assert.Equal(t, 15*time.Second, out.Elapsed)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second}, clock.sleeps)
}

func TestWaiter_Preconditions(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		poll    time.Duration
	}{
		{"zero timeout", 0, time.Second},
		{"zero poll", time.Minute, 0},
		{"negative poll", time.Minute, -time.Second},
		{"poll equals timeout", time.Second, time.Second},
		{"poll exceeds timeout", time.Second, time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scriptedPlatform{states: []ServiceState{StateDraining}}
			w, _ := newTestWaiter(p)
			_, err := w.WaitForServiceDeletion(context.Background(), testID, tt.timeout, tt.poll)
			assert.ErrorIs(t, err, ErrInvalidArgument)
			assert.Zero(t, p.describeCalls)
		})
	}
}

func TestWaiter_PropagatesObservationError(t *testing.T) {
	throttled := &ObservationError{Identity: testID, Op: "describe", Code: "ThrottlingException", Err: errors.New("rate exceeded")}
	p := &scriptedPlatform{
		states:       []ServiceState{StateDraining},
		describeErrs: map[int]error{1: throttled},
	}
	w, _ := newTestWaiter(p)

	out, err := w.WaitForServiceDeletion(context.Background(), testID, time.Minute, 5*time.Second)
	require.ErrorIs(t, err, throttled)
	assert.False(t, out.Resolved)
	assert.Equal(t, 2, p.describeCalls, "observation errors must not be retried")
}

func TestWaiter_Cancellation(t *testing.T) {
	p := &scriptedPlatform{states: []ServiceState{StateDraining}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := NewWaiter(NewOracle(p), RealClock{})
	out, err := w.WaitForServiceDeletion(ctx, testID, time.Hour, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, out.Resolved)
	assert.Equal(t, 1, p.describeCalls)
}

func TestRealClock_SleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := RealClock{}.Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Minute)
}
