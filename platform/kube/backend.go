// Package kube runs preview environments as Deployments in a Kubernetes
// namespace. A Deployment with a deletion timestamp is reported as DRAINING
// so the core waits for it the same way it waits for ECS services.
package kube

import (
	"context"
	"fmt"
	"sort"

	"preview-env-manager/environment"

	"github.com/rs/zerolog/log"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	labelManagedBy = "app.kubernetes.io/managed-by"
	labelApp       = "app"
	managerName    = "preview-env-manager"
)

// Options shapes the Deployments the backend creates.
type Options struct {
	// Namespace overrides the cluster name as the target namespace.
	Namespace     string
	ContainerName string
	ContainerPort int32
}

type Backend struct {
	client kubernetes.Interface
	opts   Options
}

func NewBackend(client kubernetes.Interface, opts Options) *Backend {
	if opts.ContainerName == "" {
		opts.ContainerName = "app"
	}
	return &Backend{client: client, opts: opts}
}

// NewClient prefers the in-cluster config and falls back to the default
// kubeconfig loading rules. A non-empty kubeconfig pins the file used.
func NewClient(kubeconfig string) (kubernetes.Interface, error) {
	if kubeconfig == "" {
		if cfg, err := rest.InClusterConfig(); err == nil {
			return kubernetes.NewForConfig(cfg)
		}
	}
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	loadingRules.ExplicitPath = kubeconfig
	clientConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{})
	cfg, err := clientConfig.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("kube config: %w", err)
	}
	return kubernetes.NewForConfig(cfg)
}

// Bundle exposes every capability the backend implements. Deployments need
// no preparation step, so Preparer is left nil.
func (b *Backend) Bundle() environment.Backend {
	return environment.Backend{
		Lister:    b,
		Describer: b,
		Deleter:   b,
		Creator:   b,
		Endpoints: b,
	}
}

func (b *Backend) namespace(cluster string) string {
	if b.opts.Namespace != "" {
		return b.opts.Namespace
	}
	return cluster
}

func (b *Backend) ListActive(ctx context.Context, cluster string) ([]environment.ServiceIdentity, error) {
	list, err := b.client.AppsV1().Deployments(b.namespace(cluster)).List(ctx, metav1.ListOptions{
		LabelSelector: labels.Set{labelManagedBy: managerName}.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("list deployments in %s: %w", b.namespace(cluster), err)
	}
	var ids []environment.ServiceIdentity
	for _, d := range list.Items {
		if d.DeletionTimestamp != nil {
			continue
		}
		ids = append(ids, environment.ServiceIdentity{Cluster: cluster, Name: d.Name})
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Name < ids[j].Name })
	return ids, nil
}

func (b *Backend) DescribeExact(ctx context.Context, id environment.ServiceIdentity) (environment.ExistenceQueryResult, error) {
	d, err := b.client.AppsV1().Deployments(b.namespace(id.Cluster)).Get(ctx, id.Name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return environment.ExistenceQueryResult{State: environment.StateAbsent}, nil
		}
		return environment.ExistenceQueryResult{}, &environment.ObservationError{
			Identity: id,
			Op:       "get deployment",
			Code:     string(apierrors.ReasonForError(err)),
			Err:      err,
		}
	}
	state := environment.StateActive
	if d.DeletionTimestamp != nil {
		state = environment.StateDraining
	}
	desc := &environment.ServiceDescriptor{
		Name:         d.Name,
		ARN:          string(d.UID),
		Status:       state,
		RunningCount: d.Status.ReadyReplicas,
	}
	if d.Spec.Replicas != nil {
		desc.DesiredCount = *d.Spec.Replicas
	}
	return environment.ExistenceQueryResult{State: state, Descriptor: desc}, nil
}

// DeleteService deletes in the foreground so the Deployment keeps its
// deletion timestamp until its pods are gone.
func (b *Backend) DeleteService(ctx context.Context, id environment.ServiceIdentity) error {
	policy := metav1.DeletePropagationForeground
	err := b.client.AppsV1().Deployments(b.namespace(id.Cluster)).Delete(ctx, id.Name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete deployment %s: %w", id, err)
	}
	log.Info().Str("service", id.String()).Msg("kube: delete requested")
	return nil
}

func (b *Backend) CreateService(ctx context.Context, in environment.CreateServiceInput) (*environment.ServiceDescriptor, error) {
	d := b.deployment(in)
	created, err := b.client.AppsV1().Deployments(b.namespace(in.Identity.Cluster)).Create(ctx, d, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil, fmt.Errorf("%w: %v", environment.ErrNotIdempotent, err)
		}
		return nil, err
	}
	return &environment.ServiceDescriptor{
		Name:         created.Name,
		ARN:          string(created.UID),
		Status:       environment.StateActive,
		DesiredCount: 1,
	}, nil
}

// ResolveEndpoint returns the IP of the first running pod behind the
// Deployment.
func (b *Backend) ResolveEndpoint(ctx context.Context, id environment.ServiceIdentity) (string, error) {
	pods, err := b.client.CoreV1().Pods(b.namespace(id.Cluster)).List(ctx, metav1.ListOptions{
		LabelSelector: labels.Set{labelApp: id.Name}.String(),
	})
	if err != nil {
		return "", fmt.Errorf("list pods for %s: %w", id, err)
	}
	for _, p := range pods.Items {
		if p.Status.Phase == corev1.PodRunning && p.Status.PodIP != "" {
			return p.Status.PodIP, nil
		}
	}
	return "", fmt.Errorf("%w: %s has no running pods", environment.ErrEndpointUnavailable, id)
}

func (b *Backend) deployment(in environment.CreateServiceInput) *appsv1.Deployment {
	replicas := int32(1)
	podLabels := map[string]string{labelApp: in.Identity.Name, labelManagedBy: managerName}
	objLabels := map[string]string{labelApp: in.Identity.Name, labelManagedBy: managerName}
	annotations := make(map[string]string, len(in.Tags))
	for k, v := range in.Tags {
		annotations["preview.env/"+k] = v
	}

	container := corev1.Container{
		Name:  b.opts.ContainerName,
		Image: in.Image,
		Env:   containerEnv(in.Env),
	}
	if b.opts.ContainerPort > 0 {
		container.Ports = []corev1.ContainerPort{{ContainerPort: b.opts.ContainerPort, Protocol: corev1.ProtocolTCP}}
	}
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        in.Identity.Name,
			Labels:      objLabels,
			Annotations: annotations,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{labelApp: in.Identity.Name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: podLabels},
				Spec:       corev1.PodSpec{Containers: []corev1.Container{container}},
			},
		},
	}
}

func containerEnv(m map[string]string) []corev1.EnvVar {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		env = append(env, corev1.EnvVar{Name: k, Value: m[k]})
	}
	return env
}
