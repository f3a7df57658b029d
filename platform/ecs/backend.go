package ecs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"preview-env-manager/environment"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/rs/zerolog/log"
)

// Options configures how services and task definitions are shaped.
type Options struct {
	TaskFamily       string
	ContainerName    string
	ContainerPort    int32
	CPU              string
	Memory           string
	ExecutionRoleARN string
	Subnets          []string
	SecurityGroups   []string
	// ECRRepository enables the image presence check when set.
	ECRRepository    string
	StabilityTimeout time.Duration
}

const (
	defaultContainerName    = "app"
	defaultStabilityTimeout = 10 * time.Minute
	failureReasonMissing    = "MISSING"
)

// Backend talks to ECS, ECR and EC2 on behalf of the environment core.
type Backend struct {
	ecs      ECSAPI
	registry RegistryAPI
	network  NetworkAPI
	opts     Options

	waiterOptions []func(*ecs.ServicesStableWaiterOptions)
}

func NewBackend(c *Clients, opts Options) *Backend {
	if opts.ContainerName == "" {
		opts.ContainerName = defaultContainerName
	}
	if opts.StabilityTimeout <= 0 {
		opts.StabilityTimeout = defaultStabilityTimeout
	}
	return &Backend{ecs: c.ECS, registry: c.Registry, network: c.Network, opts: opts}
}

// Bundle exposes every capability the backend implements.
func (b *Backend) Bundle() environment.Backend {
	eb := environment.Backend{
		Lister:     b,
		Describer:  b,
		Deleter:    b,
		Creator:    b,
		Preparer:   b,
		Stabilizer: b,
	}
	if b.network != nil {
		eb.Endpoints = b
	}
	return eb
}

// ListActive pages through ListServices. ECS only returns ACTIVE services
// here, so the result must never be used to decide whether a name is free.
func (b *Backend) ListActive(ctx context.Context, cluster string) ([]environment.ServiceIdentity, error) {
	p := ecs.NewListServicesPaginator(b.ecs, &ecs.ListServicesInput{Cluster: aws.String(cluster)})
	var ids []environment.ServiceIdentity
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list services in %s: %w", cluster, err)
		}
		for _, arn := range page.ServiceArns {
			ids = append(ids, environment.ServiceIdentity{Cluster: cluster, Name: nameFromARN(arn)})
		}
	}
	return ids, nil
}

// DescribeExact looks the service up by name. The status is passed through
// verbatim; validating it is the caller's job.
func (b *Backend) DescribeExact(ctx context.Context, id environment.ServiceIdentity) (environment.ExistenceQueryResult, error) {
	out, err := b.ecs.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(id.Cluster),
		Services: []string{id.Name},
	})
	if err != nil {
		return environment.ExistenceQueryResult{}, observationError(id, "describe", err)
	}

	for _, svc := range out.Services {
		if aws.ToString(svc.ServiceName) != id.Name && !strings.HasSuffix(aws.ToString(svc.ServiceArn), "/"+id.Name) {
			continue
		}
		d := &environment.ServiceDescriptor{
			Name:           aws.ToString(svc.ServiceName),
			ARN:            aws.ToString(svc.ServiceArn),
			Status:         environment.ServiceState(aws.ToString(svc.Status)),
			DesiredCount:   svc.DesiredCount,
			RunningCount:   svc.RunningCount,
			TaskDefinition: aws.ToString(svc.TaskDefinition),
		}
		return environment.ExistenceQueryResult{State: d.Status, Descriptor: d}, nil
	}

	for _, f := range out.Failures {
		if reason := aws.ToString(f.Reason); reason != failureReasonMissing {
			return environment.ExistenceQueryResult{}, &environment.ObservationError{
				Identity: id,
				Op:       "describe",
				Code:     reason,
				Err:      fmt.Errorf("describe failure for %s: %s %s", aws.ToString(f.Arn), reason, aws.ToString(f.Detail)),
			}
		}
	}
	if len(out.Services) > 0 {
		return environment.ExistenceQueryResult{}, &environment.ObservationError{
			Identity: id,
			Op:       "describe",
			Err:      fmt.Errorf("response named %d other services", len(out.Services)),
		}
	}
	return environment.ExistenceQueryResult{State: environment.StateAbsent}, nil
}

// DeleteService force-deletes the service so running tasks do not have to be
// scaled down first.
func (b *Backend) DeleteService(ctx context.Context, id environment.ServiceIdentity) error {
	_, err := b.ecs.DeleteService(ctx, &ecs.DeleteServiceInput{
		Cluster: aws.String(id.Cluster),
		Service: aws.String(id.Name),
		Force:   aws.Bool(true),
	})
	if err != nil {
		switch apiErrorCode(err) {
		case codeServiceNotFound, codeServiceNotActive:
			log.Debug().Str("service", id.String()).Str("code", apiErrorCode(err)).Msg("ecs: delete skipped, service already gone")
			return nil
		}
		return fmt.Errorf("delete service %s: %w", id, err)
	}
	log.Info().Str("service", id.String()).Msg("ecs: delete requested")
	return nil
}

// CreateService creates a single-task Fargate service with a public IP.
func (b *Backend) CreateService(ctx context.Context, in environment.CreateServiceInput) (*environment.ServiceDescriptor, error) {
	if in.TaskDefinition == "" {
		return nil, fmt.Errorf("%w: task definition is required", environment.ErrInvalidArgument)
	}
	out, err := b.ecs.CreateService(ctx, &ecs.CreateServiceInput{
		Cluster:         aws.String(in.Identity.Cluster),
		ServiceName:     aws.String(in.Identity.Name),
		TaskDefinition:  aws.String(in.TaskDefinition),
		DesiredCount:    aws.Int32(1),
		LaunchType:      types.LaunchTypeFargate,
		PlatformVersion: aws.String("LATEST"),
		NetworkConfiguration: &types.NetworkConfiguration{
			AwsvpcConfiguration: &types.AwsVpcConfiguration{
				Subnets:        b.opts.Subnets,
				SecurityGroups: b.opts.SecurityGroups,
				AssignPublicIp: types.AssignPublicIpEnabled,
			},
		},
		Tags: serviceTags(in.Tags),
	})
	if err != nil {
		if isNotIdempotent(err) {
			return nil, fmt.Errorf("%w: %s", environment.ErrNotIdempotent, apiErrorMessage(err))
		}
		return nil, err
	}
	if out.Service == nil {
		return nil, errors.New("create service returned no service record")
	}
	svc := out.Service
	return &environment.ServiceDescriptor{
		Name:           aws.ToString(svc.ServiceName),
		ARN:            aws.ToString(svc.ServiceArn),
		Status:         environment.ServiceState(aws.ToString(svc.Status)),
		DesiredCount:   svc.DesiredCount,
		RunningCount:   svc.RunningCount,
		TaskDefinition: aws.ToString(svc.TaskDefinition),
	}, nil
}

// WaitForStable blocks until the service has one deployment with all desired
// tasks running, or StabilityTimeout elapses.
func (b *Backend) WaitForStable(ctx context.Context, id environment.ServiceIdentity) error {
	w := ecs.NewServicesStableWaiter(b.ecs, b.waiterOptions...)
	err := w.Wait(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(id.Cluster),
		Services: []string{id.Name},
	}, b.opts.StabilityTimeout)
	if err != nil {
		return fmt.Errorf("wait for %s to stabilize: %w", id, err)
	}
	return nil
}

func serviceTags(m map[string]string) []types.Tag {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tags := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(m[k])})
	}
	return tags
}

func nameFromARN(arn string) string {
	if i := strings.LastIndex(arn, "/"); i >= 0 {
		return arn[i+1:]
	}
	return arn
}
