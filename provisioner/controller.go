// Package provisioner turns environment requests from the queue into create
// and delete runs, one at a time per service name, and publishes the outcome.
package provisioner

import (
	"context"
	"fmt"
	"time"

	"preview-env-manager/environment"
	"preview-env-manager/metrics"
	"preview-env-manager/queues"

	"github.com/rs/zerolog/log"
)

// Environments is the part of environment.Service the controller drives.
type Environments interface {
	CreateEnvironment(ctx context.Context, spec environment.EnvironmentSpec) (*environment.Result, error)
	DeleteEnvironment(ctx context.Context, spec environment.EnvironmentSpec, wait bool) (environment.WaitOutcome, error)
}

// Controller wires queue consumption to environment creation and deletion.
type Controller struct {
	publisher queues.Publisher
	envs      Environments
	queue     *QueueManager
}

func NewController(p queues.Publisher, envs Environments) *Controller {
	return &Controller{publisher: p, envs: envs, queue: NewQueueManager()}
}

// Queue exposes the per-service queues for inspection.
func (c *Controller) Queue() *QueueManager { return c.queue }

// Handle runs one request to completion. Failures of the request itself are
// published as results; only a failed publish or cancellation while queued
// is returned, so the transport redelivers just those.
func (c *Controller) Handle(ctx context.Context, req *queues.EnvironmentRequest) error {
	spec := specFor(req)
	name := environment.ServiceName(req.PRNumber, req.SHA)
	log.Info().Str("requestId", req.RequestID).Str("action", string(req.Action)).Str("serviceName", name).Msg("controller: handling environment request")

	entry, pos := c.queue.Enqueue(name, req)
	defer c.queue.Leave(name, entry)
	if pos > 1 {
		res := queues.NewResult(req, queues.StatusQueued)
		res.ServiceName = name
		res.QueuePosition = &pos
		log.Info().Str("requestId", req.RequestID).Int("position", pos).Msg("controller: request queued behind another")
		if err := c.publisher.PublishResult(ctx, res); err != nil {
			log.Warn().Err(err).Str("requestId", req.RequestID).Msg("controller: failed to publish queued result")
		}
	}
	select {
	case <-entry.Turn():
	case <-ctx.Done():
		log.Warn().Err(ctx.Err()).Str("requestId", req.RequestID).Msg("controller: cancelled while queued")
		return ctx.Err()
	}

	start := time.Now()
	switch req.Action {
	case queues.ActionCreate:
		return c.create(ctx, req, spec, name, start)
	case queues.ActionDelete:
		return c.delete(ctx, req, spec, name, start)
	default:
		err := fmt.Errorf("%w: unknown action %q", environment.ErrInvalidArgument, req.Action)
		return c.publishFailure(ctx, req, name, start, err)
	}
}

func (c *Controller) create(ctx context.Context, req *queues.EnvironmentRequest, spec environment.EnvironmentSpec, name string, start time.Time) error {
	result, err := c.envs.CreateEnvironment(ctx, spec)
	if result != nil && result.Wait != nil {
		metrics.DeletionWaitDuration.Observe(result.Wait.Elapsed.Seconds())
		metrics.DeletionWaitPolls.Observe(float64(result.Wait.Polls))
	}
	if err != nil {
		res := c.failureResult(req, name, err)
		if result != nil {
			res.Phases = phaseStrings(result.Phases)
		}
		return c.publish(ctx, res, start)
	}

	res := queues.NewResult(req, queues.StatusSuccess)
	res.ServiceName = name
	res.Phases = phaseStrings(result.Phases)
	if result.Endpoint != "" {
		ep := result.Endpoint
		res.Endpoint = &ep
	}
	if err := c.publish(ctx, res, start); err != nil {
		return err
	}
	log.Info().Str("requestId", req.RequestID).Str("serviceName", name).Str("endpoint", result.Endpoint).Dur("duration", time.Since(start)).Msg("controller: environment ready")
	return nil
}

func (c *Controller) delete(ctx context.Context, req *queues.EnvironmentRequest, spec environment.EnvironmentSpec, name string, start time.Time) error {
	outcome, err := c.envs.DeleteEnvironment(ctx, spec, req.Wait)
	if req.Wait && outcome.Polls > 0 {
		metrics.DeletionWaitDuration.Observe(outcome.Elapsed.Seconds())
		metrics.DeletionWaitPolls.Observe(float64(outcome.Polls))
	}
	if err != nil {
		return c.publishFailure(ctx, req, name, start, err)
	}
	res := queues.NewResult(req, queues.StatusSuccess)
	res.ServiceName = name
	if err := c.publish(ctx, res, start); err != nil {
		return err
	}
	log.Info().Str("requestId", req.RequestID).Str("serviceName", name).Str("finalState", string(outcome.FinalState)).Msg("controller: environment deleted")
	return nil
}

// publishFailure builds and publishes a failure result with metrics.
func (c *Controller) publishFailure(ctx context.Context, req *queues.EnvironmentRequest, name string, start time.Time, err error) error {
	return c.publish(ctx, c.failureResult(req, name, err), start)
}

func (c *Controller) failureResult(req *queues.EnvironmentRequest, name string, err error) *queues.EnvironmentResult {
	kind := environment.ErrorKind(err)
	msg := err.Error()
	log.Error().Err(err).Str("requestId", req.RequestID).Str("serviceName", name).Str("kind", kind).Bool("retryable", environment.Retryable(err)).Msg("controller: environment request failed")
	metrics.FailuresTotal.WithLabelValues(string(req.Action), kind).Inc()

	res := queues.NewResult(req, queues.StatusFailure)
	res.ServiceName = name
	res.ErrorKind = &kind
	res.ErrorMessage = &msg
	return res
}

func (c *Controller) publish(ctx context.Context, res *queues.EnvironmentResult, start time.Time) error {
	duration := time.Since(start)
	metrics.RequestDuration.WithLabelValues(string(res.Action)).Observe(duration.Seconds())
	metrics.RequestsTotal.WithLabelValues(string(res.Action), string(res.Status)).Inc()
	if err := c.publisher.PublishResult(ctx, res); err != nil {
		log.Error().Err(err).Str("requestId", res.RequestID).Dur("duration", duration).Msg("controller: failed to publish result")
		return err
	}
	return nil
}

func specFor(req *queues.EnvironmentRequest) environment.EnvironmentSpec {
	return environment.EnvironmentSpec{
		PRNumber:     req.PRNumber,
		SHA:          req.SHA,
		GithubUser:   req.GithubUser,
		Image:        req.Image,
		FeatureFlags: req.FeatureFlags,
	}
}

func phaseStrings(ps []environment.Phase) []string {
	if len(ps) == 0 {
		return nil
	}
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}
