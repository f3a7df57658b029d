package ecs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"preview-env-manager/environment"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/rs/zerolog/log"
)

const (
	attachmentENI      = "ElasticNetworkInterface"
	detailInterfaceID  = "networkInterfaceId"
	taskFamilyFallback = "preview-env"
)

// PrepareTask checks that the image exists in ECR (when a repository is
// configured) and registers a task definition revision that runs it.
func (b *Backend) PrepareTask(ctx context.Context, in environment.CreateServiceInput) (string, error) {
	if in.Image == "" {
		return "", fmt.Errorf("%w: image is required", environment.ErrInvalidArgument)
	}
	if err := b.checkImage(ctx, in.Image); err != nil {
		return "", err
	}

	family := b.opts.TaskFamily
	if family == "" {
		family = taskFamilyFallback
	}
	container := types.ContainerDefinition{
		Name:        aws.String(b.opts.ContainerName),
		Image:       aws.String(in.Image),
		Essential:   aws.Bool(true),
		Environment: containerEnv(in.Env),
	}
	if b.opts.ContainerPort > 0 {
		container.PortMappings = []types.PortMapping{{
			ContainerPort: aws.Int32(b.opts.ContainerPort),
			Protocol:      types.TransportProtocolTcp,
		}}
	}
	input := &ecs.RegisterTaskDefinitionInput{
		Family:                  aws.String(family),
		RequiresCompatibilities: []types.Compatibility{types.CompatibilityFargate},
		NetworkMode:             types.NetworkModeAwsvpc,
		Cpu:                     aws.String(b.opts.CPU),
		Memory:                  aws.String(b.opts.Memory),
		ContainerDefinitions:    []types.ContainerDefinition{container},
	}
	if b.opts.ExecutionRoleARN != "" {
		input.ExecutionRoleArn = aws.String(b.opts.ExecutionRoleARN)
	}
	out, err := b.ecs.RegisterTaskDefinition(ctx, input)
	if err != nil {
		return "", fmt.Errorf("register task definition %s: %w", family, err)
	}
	if out.TaskDefinition == nil || out.TaskDefinition.TaskDefinitionArn == nil {
		return "", errors.New("register task definition returned no arn")
	}
	arn := aws.ToString(out.TaskDefinition.TaskDefinitionArn)
	log.Info().Str("family", family).Str("taskDefinition", arn).Str("image", in.Image).Msg("ecs: task definition registered")
	return arn, nil
}

func (b *Backend) checkImage(ctx context.Context, image string) error {
	if b.opts.ECRRepository == "" || b.registry == nil {
		return nil
	}
	ref, label := imageRef(image)
	if label == "" {
		return fmt.Errorf("%w: image %q has no tag or digest", environment.ErrInvalidArgument, image)
	}
	out, err := b.registry.DescribeImages(ctx, &ecr.DescribeImagesInput{
		RepositoryName: aws.String(b.opts.ECRRepository),
		ImageIds:       []ecrtypes.ImageIdentifier{ref},
	})
	if err != nil {
		switch apiErrorCode(err) {
		case codeImageNotFound, codeRepositoryNotFound:
			return fmt.Errorf("%w: %s %s", environment.ErrImageNotFound, b.opts.ECRRepository, label)
		}
		return fmt.Errorf("describe image %s %s: %w", b.opts.ECRRepository, label, err)
	}
	if len(out.ImageDetails) == 0 {
		return fmt.Errorf("%w: %s %s", environment.ErrImageNotFound, b.opts.ECRRepository, label)
	}
	return nil
}

// ResolveEndpoint finds the running task's network interface and returns its
// public IP, falling back to the private one.
func (b *Backend) ResolveEndpoint(ctx context.Context, id environment.ServiceIdentity) (string, error) {
	tasks, err := b.ecs.ListTasks(ctx, &ecs.ListTasksInput{
		Cluster:       aws.String(id.Cluster),
		ServiceName:   aws.String(id.Name),
		DesiredStatus: types.DesiredStatusRunning,
	})
	if err != nil {
		return "", fmt.Errorf("list tasks for %s: %w", id, err)
	}
	if len(tasks.TaskArns) == 0 {
		return "", fmt.Errorf("%w: %s has no running tasks", environment.ErrEndpointUnavailable, id)
	}

	described, err := b.ecs.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(id.Cluster),
		Tasks:   tasks.TaskArns[:1],
	})
	if err != nil {
		return "", fmt.Errorf("describe tasks for %s: %w", id, err)
	}
	eni := ""
	for _, task := range described.Tasks {
		if eni = interfaceID(task); eni != "" {
			break
		}
	}
	if eni == "" {
		return "", fmt.Errorf("%w: %s task has no network interface", environment.ErrEndpointUnavailable, id)
	}

	nis, err := b.network.DescribeNetworkInterfaces(ctx, &ec2.DescribeNetworkInterfacesInput{
		NetworkInterfaceIds: []string{eni},
	})
	if err != nil {
		return "", fmt.Errorf("describe network interface %s: %w", eni, err)
	}
	for _, ni := range nis.NetworkInterfaces {
		if ni.Association != nil && aws.ToString(ni.Association.PublicIp) != "" {
			return aws.ToString(ni.Association.PublicIp), nil
		}
		if ip := aws.ToString(ni.PrivateIpAddress); ip != "" {
			return ip, nil
		}
	}
	return "", fmt.Errorf("%w: %s interface %s has no address", environment.ErrEndpointUnavailable, id, eni)
}

func interfaceID(task types.Task) string {
	for _, att := range task.Attachments {
		if aws.ToString(att.Type) != attachmentENI {
			continue
		}
		for _, d := range att.Details {
			if aws.ToString(d.Name) == detailInterfaceID {
				return aws.ToString(d.Value)
			}
		}
	}
	return ""
}

func containerEnv(m map[string]string) []types.KeyValuePair {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]types.KeyValuePair, 0, len(keys))
	for _, k := range keys {
		env = append(env, types.KeyValuePair{Name: aws.String(k), Value: aws.String(m[k])})
	}
	return env
}

// imageRef picks the ECR identifier for image. A digest ("@sha256:...") wins
// over any tag, matching how the image is pulled. label is empty when image
// carries neither.
func imageRef(image string) (ecrtypes.ImageIdentifier, string) {
	if _, digest, ok := strings.Cut(image, "@"); ok {
		if digest == "" {
			return ecrtypes.ImageIdentifier{}, ""
		}
		return ecrtypes.ImageIdentifier{ImageDigest: aws.String(digest)}, digest
	}
	tag := imageTag(image)
	if tag == "" {
		return ecrtypes.ImageIdentifier{}, ""
	}
	return ecrtypes.ImageIdentifier{ImageTag: aws.String(tag)}, tag
}

// imageTag returns the text after the last ':' unless that colon belongs to a
// registry host:port. Digest references have no tag.
func imageTag(image string) string {
	if strings.Contains(image, "@") {
		return ""
	}
	i := strings.LastIndex(image, ":")
	if i < 0 || strings.Contains(image[i+1:], "/") {
		return ""
	}
	return image[i+1:]
}
