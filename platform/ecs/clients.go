// Package ecs implements the environment backend on Amazon ECS (Fargate),
// with ECR as the image registry and EC2 for network interface lookups.
package ecs

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/rs/zerolog/log"
)

// ECSAPI is the subset of the ECS API the backend calls.
type ECSAPI interface {
	ListServices(ctx context.Context, params *ecs.ListServicesInput, optFns ...func(*ecs.Options)) (*ecs.ListServicesOutput, error)
	DescribeServices(ctx context.Context, params *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error)
	DeleteService(ctx context.Context, params *ecs.DeleteServiceInput, optFns ...func(*ecs.Options)) (*ecs.DeleteServiceOutput, error)
	CreateService(ctx context.Context, params *ecs.CreateServiceInput, optFns ...func(*ecs.Options)) (*ecs.CreateServiceOutput, error)
	RegisterTaskDefinition(ctx context.Context, params *ecs.RegisterTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.RegisterTaskDefinitionOutput, error)
	ListTasks(ctx context.Context, params *ecs.ListTasksInput, optFns ...func(*ecs.Options)) (*ecs.ListTasksOutput, error)
	DescribeTasks(ctx context.Context, params *ecs.DescribeTasksInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error)
}

// RegistryAPI is the subset of the ECR API the backend calls.
type RegistryAPI interface {
	DescribeImages(ctx context.Context, params *ecr.DescribeImagesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeImagesOutput, error)
}

// NetworkAPI is the subset of the EC2 API the backend calls.
type NetworkAPI interface {
	DescribeNetworkInterfaces(ctx context.Context, params *ec2.DescribeNetworkInterfacesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error)
}

// Clients holds the three platform clients. They are built once per process
// and passed to NewBackend.
type Clients struct {
	ECS      ECSAPI
	Registry RegistryAPI
	Network  NetworkAPI
}

// ClientOptions controls how AWS configuration is loaded.
type ClientOptions struct {
	Region string
	// DisableIMDS turns off EC2 instance metadata lookups for credentials and
	// region, so nothing reaches for 169.254.169.254 outside of EC2.
	DisableIMDS bool
}

// NewClients loads the shared AWS configuration and builds the ECS, ECR and
// EC2 clients from it.
func NewClients(ctx context.Context, opts ClientOptions) (*Clients, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.DisableIMDS {
		loadOpts = append(loadOpts, config.WithEC2IMDSClientEnableState(imds.ClientDisabled))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	log.Debug().Str("region", cfg.Region).Bool("imdsDisabled", opts.DisableIMDS).Msg("ecs: aws clients initialized")
	return newClientsFromConfig(cfg), nil
}

func newClientsFromConfig(cfg aws.Config) *Clients {
	return &Clients{
		ECS:      ecs.NewFromConfig(cfg),
		Registry: ecr.NewFromConfig(cfg),
		Network:  ec2.NewFromConfig(cfg),
	}
}
