package environment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// Result describes a created environment.
type Result struct {
	Identity       ServiceIdentity
	ServiceARN     string
	TaskDefinition string
	Image          string
	Endpoint       string
	Phases         []Phase
	// Wait is set when a previous service had to be waited out.
	Wait     *WaitOutcome
	Duration time.Duration
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Cluster         string
	ImageRepository string
	DeletionTimeout time.Duration
	PollInterval    time.Duration
	Clock           Clock
	// Health is optional; nil skips the health check.
	Health *HealthChecker
}

// Service is the deployment command surface: create, delete, inspect and list
// preview environments on one backend.
type Service struct {
	cluster         string
	imageRepository string
	backend         Backend
	orch            *Orchestrator
	health          *HealthChecker
	clock           Clock
	timeout         time.Duration
	pollInterval    time.Duration
}

func NewService(b Backend, opts ServiceOptions) (*Service, error) {
	if b.Describer == nil || b.Deleter == nil || b.Creator == nil {
		return nil, fmt.Errorf("%w: backend must provide describe, delete and create", ErrInvalidArgument)
	}
	if opts.Cluster == "" {
		return nil, fmt.Errorf("%w: cluster is required", ErrInvalidArgument)
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	orch := NewOrchestrator(b.Describer, b.Deleter, b.Creator, OrchestratorOptions{
		DeletionTimeout: opts.DeletionTimeout,
		PollInterval:    opts.PollInterval,
		Clock:           opts.Clock,
	})
	if err := validateWait(orch.timeout, orch.pollInterval); err != nil {
		return nil, fmt.Errorf("deletion wait: %w", err)
	}
	return &Service{
		cluster:         opts.Cluster,
		imageRepository: opts.ImageRepository,
		backend:         b,
		orch:            orch,
		health:          opts.Health,
		clock:           opts.Clock,
		timeout:         orch.timeout,
		pollInterval:    orch.pollInterval,
	}, nil
}

// Cluster returns the cluster the service operates on.
func (s *Service) Cluster() string { return s.cluster }

// CreateEnvironment (re)creates the environment for spec. Any previous
// service with the same name is deleted and waited out first.
func (s *Service) CreateEnvironment(ctx context.Context, spec EnvironmentSpec) (*Result, error) {
	start := s.clock.Now()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	id := spec.Identity(s.cluster)
	res := &Result{Identity: id, Image: s.imageFor(spec)}
	logger := log.With().Str("service", id.String()).Int("pr", spec.PRNumber).Str("sha", ShortSHA(spec.SHA)).Logger()
	logger.Info().Str("image", res.Image).Msg("environment: creating")

	in := CreateServiceInput{
		Identity: id,
		Image:    res.Image,
		Env:      spec.FeatureFlags,
		Tags:     tagsFor(spec),
	}
	if s.backend.Preparer != nil {
		td, err := s.backend.Preparer.PrepareTask(ctx, in)
		if err != nil {
			return res, fmt.Errorf("prepare task for %s: %w", id, err)
		}
		in.TaskDefinition = td
		res.TaskDefinition = td
		logger.Debug().Str("taskDefinition", td).Msg("environment: task prepared")
	}

	rec, err := s.orch.Reconcile(ctx, in)
	res.Phases = rec.Phases
	res.Wait = rec.Wait
	if err != nil {
		res.Duration = s.clock.Now().Sub(start)
		return res, err
	}
	if rec.Service != nil {
		res.ServiceARN = rec.Service.ARN
	}

	if s.backend.Stabilizer != nil {
		if err := s.backend.Stabilizer.WaitForStable(ctx, id); err != nil {
			res.Duration = s.clock.Now().Sub(start)
			return res, fmt.Errorf("%w: %s did not stabilise: %v", ErrUnhealthy, id, err)
		}
	}

	if s.backend.Endpoints != nil {
		ep, err := s.backend.Endpoints.ResolveEndpoint(ctx, id)
		if err != nil {
			res.Duration = s.clock.Now().Sub(start)
			return res, err
		}
		res.Endpoint = ep
		if s.health != nil {
			if err := s.health.Check(ctx, ep); err != nil {
				res.Duration = s.clock.Now().Sub(start)
				return res, err
			}
		}
	}

	res.Duration = s.clock.Now().Sub(start)
	logger.Info().Str("endpoint", res.Endpoint).Dur("duration", res.Duration).Msg("environment: ready")
	return res, nil
}

// DeleteEnvironment tears down the environment for spec. A service that does
// not block its name is left alone. When wait is set the call returns only
// after the name is free or the deletion timeout elapses.
func (s *Service) DeleteEnvironment(ctx context.Context, spec EnvironmentSpec, wait bool) (WaitOutcome, error) {
	if err := spec.Validate(); err != nil {
		return WaitOutcome{}, err
	}
	id := spec.Identity(s.cluster)

	state, err := s.orch.oracle.ServiceExistsAnyState(ctx, id)
	if err != nil {
		return WaitOutcome{}, err
	}
	if !state.Blocks() {
		log.Info().Str("service", id.String()).Str("state", string(state)).Msg("environment: nothing to delete")
		return WaitOutcome{Resolved: true, FinalState: state, Polls: 1, Observed: []ServiceState{state}}, nil
	}

	if err := s.backend.Deleter.DeleteService(ctx, id); err != nil {
		return WaitOutcome{}, fmt.Errorf("delete %s: %w", id, err)
	}
	log.Info().Str("service", id.String()).Str("state", string(state)).Bool("wait", wait).Msg("environment: deletion requested")
	if !wait {
		return WaitOutcome{FinalState: state, Polls: 1, Observed: []ServiceState{state}}, nil
	}

	outcome, err := s.orch.waiter.WaitForServiceDeletion(ctx, id, s.timeout, s.pollInterval)
	if err != nil {
		return outcome, err
	}
	if !outcome.Resolved {
		return outcome, &DeletionTimeoutError{Identity: id, LastState: outcome.FinalState, Elapsed: outcome.Elapsed, Polls: outcome.Polls}
	}
	return outcome, nil
}

// Status reports the current state of the environment for spec.
func (s *Service) Status(ctx context.Context, spec EnvironmentSpec) (ServiceState, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	return s.orch.oracle.ServiceExistsAnyState(ctx, spec.Identity(s.cluster))
}

// ListEnvironments returns the active environments in the cluster. The list
// is informational and says nothing about which names are free.
func (s *Service) ListEnvironments(ctx context.Context) ([]ServiceIdentity, error) {
	if s.backend.Lister == nil {
		return nil, errors.New("backend cannot list services")
	}
	all, err := s.backend.Lister.ListActive(ctx, s.cluster)
	if err != nil {
		return nil, err
	}
	var envs []ServiceIdentity
	for _, id := range all {
		if _, _, ok := ParseServiceName(id.Name); ok {
			envs = append(envs, id)
		}
	}
	return envs, nil
}

func (s *Service) imageFor(spec EnvironmentSpec) string {
	if spec.Image != "" {
		return spec.Image
	}
	if s.imageRepository == "" {
		return ""
	}
	return s.imageRepository + ":" + spec.ImageTag()
}

func tagsFor(spec EnvironmentSpec) map[string]string {
	tags := map[string]string{
		"pr_number":  strconv.Itoa(spec.PRNumber),
		"sha":        ShortSHA(spec.SHA),
		"managed_by": "preview-env-manager",
	}
	if spec.GithubUser != "" {
		tags["github_user"] = spec.GithubUser
	}
	return tags
}
