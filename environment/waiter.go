package environment

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Waiter polls the oracle until a service stops blocking its name.
type Waiter struct {
	oracle *Oracle
	clock  Clock
}

func NewWaiter(o *Oracle, c Clock) *Waiter {
	if c == nil {
		c = RealClock{}
	}
	return &Waiter{oracle: o, clock: c}
}

// WaitForServiceDeletion polls every pollInterval until id is ABSENT or
// INACTIVE. The wait gives up when the next poll would land at or after
// timeout, so a timeout of N poll intervals allows exactly N polls. Oracle
// errors and context cancellation end the wait with an error.
func (w *Waiter) WaitForServiceDeletion(ctx context.Context, id ServiceIdentity, timeout, pollInterval time.Duration) (WaitOutcome, error) {
	if err := validateWait(timeout, pollInterval); err != nil {
		return WaitOutcome{}, err
	}

	start := w.clock.Now()
	deadline := start.Add(timeout)
	var out WaitOutcome

	for {
		state, err := w.oracle.ServiceExistsAnyState(ctx, id)
		if err != nil {
			out.Elapsed = w.clock.Now().Sub(start)
			return out, err
		}
		out.Polls++
		if n := len(out.Observed); n > 0 && state.rank() < out.Observed[n-1].rank() {
			log.Warn().Str("service", id.String()).Str("from", string(out.Observed[n-1])).Str("to", string(state)).Msg("waiter: service state regressed; another deployment may have recreated it")
		}
		out.Observed = append(out.Observed, state)
		out.FinalState = state

		if !state.Blocks() {
			out.Resolved = true
			out.Elapsed = w.clock.Now().Sub(start)
			log.Debug().Str("service", id.String()).Str("state", string(state)).Int("polls", out.Polls).Dur("elapsed", out.Elapsed).Msg("waiter: service no longer blocks creation")
			return out, nil
		}

		now := w.clock.Now()
		if !now.Add(pollInterval).Before(deadline) {
			out.Elapsed = now.Sub(start)
			log.Warn().Str("service", id.String()).Str("state", string(state)).Int("polls", out.Polls).Dur("elapsed", out.Elapsed).Msg("waiter: timed out waiting for deletion")
			return out, nil
		}

		log.Debug().Str("service", id.String()).Str("state", string(state)).Int("poll", out.Polls).Msg("waiter: service still blocking; sleeping")
		if err := w.clock.Sleep(ctx, pollInterval); err != nil {
			out.Elapsed = w.clock.Now().Sub(start)
			return out, err
		}
	}
}

// validateWait requires 0 < pollInterval < timeout.
func validateWait(timeout, pollInterval time.Duration) error {
	if timeout <= 0 || pollInterval <= 0 || pollInterval >= timeout {
		return fmt.Errorf("%w: timeout=%s poll=%s", ErrInvalidArgument, timeout, pollInterval)
	}
	return nil
}
