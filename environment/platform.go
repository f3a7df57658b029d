package environment

import "context"

// ActiveLister surfaces only services the platform considers active. Absence
// from its result does not mean a name is free.
type ActiveLister interface {
	ListActive(ctx context.Context, cluster string) ([]ServiceIdentity, error)
}

// ExactDescriber looks up one service by exact name in any lifecycle state.
// It returns StateAbsent when the platform has no record.
type ExactDescriber interface {
	DescribeExact(ctx context.Context, id ServiceIdentity) (ExistenceQueryResult, error)
}

// ServiceDeleter triggers deletion of a service. Deleting a service that is
// already draining or gone must not fail.
type ServiceDeleter interface {
	DeleteService(ctx context.Context, id ServiceIdentity) error
}

// CreateServiceInput carries everything a backend needs to create the service.
type CreateServiceInput struct {
	Identity ServiceIdentity
	// TaskDefinition is the prepared task reference, when the backend uses one.
	TaskDefinition string
	Image          string
	Env            map[string]string
	Tags           map[string]string
}

// ServiceCreator issues the creation call. A rejection caused by a same-named
// service must wrap ErrNotIdempotent.
type ServiceCreator interface {
	CreateService(ctx context.Context, in CreateServiceInput) (*ServiceDescriptor, error)
}

// TaskPreparer readies whatever the service will run before creation and
// returns a reference to it. TaskDefinition is empty in the input.
type TaskPreparer interface {
	PrepareTask(ctx context.Context, in CreateServiceInput) (string, error)
}

// Stabilizer blocks until a freshly created service reaches steady state.
type Stabilizer interface {
	WaitForStable(ctx context.Context, id ServiceIdentity) error
}

// EndpointResolver returns the address a running environment serves on.
type EndpointResolver interface {
	ResolveEndpoint(ctx context.Context, id ServiceIdentity) (string, error)
}

// Backend bundles the capabilities a platform adapter provides. Optional
// capabilities may be nil.
type Backend struct {
	Lister    ActiveLister
	Describer ExactDescriber
	Deleter   ServiceDeleter
	Creator   ServiceCreator

	Preparer   TaskPreparer
	Stabilizer Stabilizer
	Endpoints  EndpointResolver
}
