package environment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultDeletionTimeout = 10 * time.Minute
	DefaultPollInterval    = 5 * time.Second
)

// Reconciliation records one run of the creation state machine.
type Reconciliation struct {
	Identity ServiceIdentity
	Phases   []Phase
	// Observed holds every state reported by the oracle during the run.
	Observed []ServiceState
	Wait     *WaitOutcome
	Service  *ServiceDescriptor
}

// Phase returns the last phase reached.
func (r *Reconciliation) Phase() Phase {
	if len(r.Phases) == 0 {
		return ""
	}
	return r.Phases[len(r.Phases)-1]
}

func (r *Reconciliation) enter(p Phase) {
	r.Phases = append(r.Phases, p)
}

// Orchestrator drives CHECK -> AWAIT_DELETION -> CREATE -> DONE for a single
// service name. DONE and FAILED are terminal; retries belong to the caller.
type Orchestrator struct {
	oracle       *Oracle
	waiter       *Waiter
	deleter      ServiceDeleter
	creator      ServiceCreator
	timeout      time.Duration
	pollInterval time.Duration
}

// OrchestratorOptions tunes the deletion wait. Zero values take the defaults.
type OrchestratorOptions struct {
	DeletionTimeout time.Duration
	PollInterval    time.Duration
	Clock           Clock
}

func NewOrchestrator(d ExactDescriber, del ServiceDeleter, c ServiceCreator, opts OrchestratorOptions) *Orchestrator {
	if opts.DeletionTimeout == 0 {
		opts.DeletionTimeout = DefaultDeletionTimeout
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultPollInterval
	}
	oracle := NewOracle(d)
	return &Orchestrator{
		oracle:       oracle,
		waiter:       NewWaiter(oracle, opts.Clock),
		deleter:      del,
		creator:      c,
		timeout:      opts.DeletionTimeout,
		pollInterval: opts.PollInterval,
	}
}

// Reconcile makes sure in.Identity is free and then creates the service. The
// returned Reconciliation is non-nil even when an error is returned.
func (o *Orchestrator) Reconcile(ctx context.Context, in CreateServiceInput) (*Reconciliation, error) {
	id := in.Identity
	rec := &Reconciliation{Identity: id}
	fail := func(err error) (*Reconciliation, error) {
		rec.enter(PhaseFailed)
		log.Error().Err(err).Str("service", id.String()).Strs("phases", phaseStrings(rec.Phases)).Msg("orchestrator: environment creation failed")
		return rec, err
	}

	rec.enter(PhaseCheck)
	state, err := o.oracle.ServiceExistsAnyState(ctx, id)
	if err != nil {
		return fail(err)
	}
	rec.Observed = append(rec.Observed, state)
	log.Info().Str("service", id.String()).Str("state", string(state)).Msg("orchestrator: checked existing service")

	if state.Blocks() {
		// Nothing is deleted unless the wait that follows can run.
		if err := validateWait(o.timeout, o.pollInterval); err != nil {
			return fail(err)
		}
		log.Info().Str("service", id.String()).Str("state", string(state)).Msg("orchestrator: deleting existing service before create")
		if err := o.deleter.DeleteService(ctx, id); err != nil {
			return fail(fmt.Errorf("delete existing service %s: %w", id, err))
		}

		rec.enter(PhaseAwaitDeletion)
		outcome, err := o.waiter.WaitForServiceDeletion(ctx, id, o.timeout, o.pollInterval)
		rec.Observed = append(rec.Observed, outcome.Observed...)
		rec.Wait = &outcome
		if err != nil {
			return fail(err)
		}
		if !outcome.Resolved {
			return fail(&DeletionTimeoutError{Identity: id, LastState: outcome.FinalState, Elapsed: outcome.Elapsed, Polls: outcome.Polls})
		}
	}

	rec.enter(PhaseCreate)
	svc, err := o.creator.CreateService(ctx, in)
	if err != nil {
		if errors.Is(err, ErrNotIdempotent) {
			return fail(&NonIdempotentCreationError{Identity: id, Err: err})
		}
		return fail(&GenericCreationError{Identity: id, Err: err})
	}
	rec.Service = svc
	rec.enter(PhaseDone)
	log.Info().Str("service", id.String()).Strs("phases", phaseStrings(rec.Phases)).Msg("orchestrator: service created")
	return rec, nil
}

// Oracle exposes the orchestrator's existence oracle.
func (o *Orchestrator) Oracle() *Oracle { return o.oracle }

// Waiter exposes the orchestrator's deletion waiter.
func (o *Orchestrator) Waiter() *Waiter { return o.waiter }

func phaseStrings(ps []Phase) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}
