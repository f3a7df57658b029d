package environment

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(p *scriptedPlatform, timeout, poll time.Duration) (*Orchestrator, *fakeClock) {
	clock := newFakeClock()
	return NewOrchestrator(p, p, p, OrchestratorOptions{DeletionTimeout: timeout, PollInterval: poll, Clock: clock}), clock
}

func TestOrchestrator_NonBlockingStatesCreateDirectly(t *testing.T) {
	for _, st := range []ServiceState{StateAbsent, StateInactive} {
		t.Run(string(st), func(t *testing.T) {
			p := &scriptedPlatform{states: []ServiceState{st}}
			o, clock := newTestOrchestrator(p, time.Minute, 5*time.Second)

			rec, err := o.Reconcile(context.Background(), CreateServiceInput{Identity: testID})
			require.NoError(t, err)
			assert.Equal(t, []Phase{PhaseCheck, PhaseCreate, PhaseDone}, rec.Phases)
			assert.Empty(t, p.deleted)
			assert.Len(t, p.created, 1)
			assert.Nil(t, rec.Wait)
			assert.Zero(t, clock.sleepCount())
		})
	}
}

func TestOrchestrator_DrainingThenInactive(t *testing.T) {
	p := &scriptedPlatform{states: []ServiceState{StateDraining, StateDraining, StateInactive}}
	o, clock := newTestOrchestrator(p, time.Minute, 5*time.Second)

	rec, err := o.Reconcile(context.Background(), CreateServiceInput{Identity: testID, TaskDefinition: "arn:task-def"})
	require.NoError(t, err)
	assert.Equal(t, []Phase{PhaseCheck, PhaseAwaitDeletion, PhaseCreate, PhaseDone}, rec.Phases)
	assert.Equal(t, []ServiceIdentity{testID}, p.deleted)
	require.Len(t, p.created, 1)
	assert.Equal(t, "arn:task-def", p.created[0].TaskDefinition)
	assert.Equal(t, []int{3}, p.describeCallsAtCreate, "create must follow the third lookup")
	assert.Equal(t, 1, clock.sleepCount())
	require.NotNil(t, rec.Wait)
	assert.True(t, rec.Wait.Resolved)
	assert.Equal(t, PhaseDone, rec.Phase())
}

func TestOrchestrator_ActiveServiceIsDeletedFirst(t *testing.T) {
	p := &scriptedPlatform{states: []ServiceState{StateActive, StateDraining, StateAbsent}}
	o, _ := newTestOrchestrator(p, time.Minute, 5*time.Second)

	rec, err := o.Reconcile(context.Background(), CreateServiceInput{Identity: testID})
	require.NoError(t, err)
	assert.Equal(t, []Phase{PhaseCheck, PhaseAwaitDeletion, PhaseCreate, PhaseDone}, rec.Phases)
	assert.Len(t, p.deleted, 1)
	assert.Len(t, p.created, 1)
}

func TestOrchestrator_ThrottledDuringWait(t *testing.T) {
	throttled := &ObservationError{Identity: testID, Op: "describe", Code: "ThrottlingException", Err: errors.New("rate exceeded")}
	p := &scriptedPlatform{
		states:       []ServiceState{StateDraining},
		describeErrs: map[int]error{2: throttled},
	}
	o, _ := newTestOrchestrator(p, time.Minute, 5*time.Second)

	rec, err := o.Reconcile(context.Background(), CreateServiceInput{Identity: testID})
	require.ErrorIs(t, err, throttled)
	assert.Equal(t, []Phase{PhaseCheck, PhaseAwaitDeletion, PhaseFailed}, rec.Phases)
	assert.Empty(t, p.created)
	assert.Empty(t, p.describeCallsAtCreate)
	assert.Equal(t, KindObservation, ErrorKind(err))
}

func TestOrchestrator_ObservationFailureOnCheck(t *testing.T) {
	p := &scriptedPlatform{describeErrs: map[int]error{0: errors.New("AccessDeniedException")}}
	o, _ := newTestOrchestrator(p, time.Minute, 5*time.Second)

	rec, err := o.Reconcile(context.Background(), CreateServiceInput{Identity: testID})
	var obsErr *ObservationError
	require.ErrorAs(t, err, &obsErr)
	assert.Equal(t, []Phase{PhaseCheck, PhaseFailed}, rec.Phases)
	assert.Empty(t, p.deleted)
	assert.Empty(t, p.describeCallsAtCreate)
}

func TestOrchestrator_DeletionTimeout(t *testing.T) {
	p := &scriptedPlatform{states: []ServiceState{StateDraining}}
	o, _ := newTestOrchestrator(p, 10*time.Second, 5*time.Second)

	rec, err := o.Reconcile(context.Background(), CreateServiceInput{Identity: testID})
	var timeoutErr *DeletionTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, StateDraining, timeoutErr.LastState)
	assert.Equal(t, 2, timeoutErr.Polls)
	assert.Equal(t, 5*time.Second, timeoutErr.Elapsed)
	assert.Equal(t, []Phase{PhaseCheck, PhaseAwaitDeletion, PhaseFailed}, rec.Phases)
	assert.Empty(t, p.describeCallsAtCreate, "never create against an unconfirmed name")
	assert.True(t, Retryable(err))
}

func TestOrchestrator_CreationFailures(t *testing.T) {
	tests := []struct {
		name      string
		createErr error
		wantKind  string
	}{
		{"not idempotent", fmt.Errorf("InvalidParameterException: %w", ErrNotIdempotent), KindNotIdempotent},
		{"quota", errors.New("LimitExceededException: too many services"), KindCreation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scriptedPlatform{states: []ServiceState{StateDraining, StateAbsent}, createErr: tt.createErr}
			o, _ := newTestOrchestrator(p, time.Minute, 5*time.Second)

			rec, err := o.Reconcile(context.Background(), CreateServiceInput{Identity: testID})
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, ErrorKind(err))
			assert.Equal(t, []Phase{PhaseCheck, PhaseAwaitDeletion, PhaseCreate, PhaseFailed}, rec.Phases)
			assert.Len(t, p.describeCallsAtCreate, 1, "create is not retried")

			var nonIdem *NonIdempotentCreationError
			var generic *GenericCreationError
			if tt.wantKind == KindNotIdempotent {
				assert.ErrorAs(t, err, &nonIdem)
				assert.False(t, errors.As(err, &generic))
			} else {
				assert.ErrorAs(t, err, &generic)
				assert.False(t, errors.As(err, &nonIdem))
			}
		})
	}
}

func TestOrchestrator_DeleteFailure(t *testing.T) {
	p := &scriptedPlatform{states: []ServiceState{StateActive}, deleteErr: errors.New("AccessDeniedException")}
	o, _ := newTestOrchestrator(p, time.Minute, 5*time.Second)

	rec, err := o.Reconcile(context.Background(), CreateServiceInput{Identity: testID})
	require.Error(t, err)
	assert.Equal(t, []Phase{PhaseCheck, PhaseFailed}, rec.Phases)
	assert.Empty(t, p.describeCallsAtCreate)
}

func TestOrchestrator_BadWaitSettingsNeverDelete(t *testing.T) {
	p := &scriptedPlatform{states: []ServiceState{StateActive}}
	o, _ := newTestOrchestrator(p, 3*time.Second, 5*time.Second)

	rec, err := o.Reconcile(context.Background(), CreateServiceInput{Identity: testID})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, []Phase{PhaseCheck, PhaseFailed}, rec.Phases)
	assert.Empty(t, p.deleted)
	assert.Empty(t, p.created)
}

func TestOrchestrator_ObservedStatesAreMonotonic(t *testing.T) {
	p := &lifecyclePlatform{state: StateActive, drainPolls: 2}
	clock := newFakeClock()
	o := NewOrchestrator(p, p, p, OrchestratorOptions{DeletionTimeout: time.Minute, PollInterval: time.Second, Clock: clock})

	rec, err := o.Reconcile(context.Background(), CreateServiceInput{Identity: testID})
	require.NoError(t, err)
	require.NotEmpty(t, rec.Observed)
	assert.Equal(t, StateActive, rec.Observed[0])
	for i := 1; i < len(rec.Observed); i++ {
		assert.GreaterOrEqual(t, rec.Observed[i].rank(), rec.Observed[i-1].rank(), "state regressed at %d: %v", i, rec.Observed)
	}
	assert.Contains(t, rec.Observed, StateDraining)
	assert.Equal(t, StateInactive, rec.Observed[len(rec.Observed)-1])
	assert.Equal(t, 1, p.creates)
}
