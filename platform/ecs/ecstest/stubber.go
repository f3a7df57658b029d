// Package ecstest provides scripted ECS, ECR and EC2 clients. Each expected
// call is queued with the response to return and, optionally, the exact input
// the code under test must send.
package ecstest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
)

type expectation struct {
	op     string
	output any
	err    error
	check  func(t testing.TB, params any)
}

// Stubber hands out responses in the order they were added. A call for an
// operation other than the one at the head of the queue fails the test.
type Stubber struct {
	t testing.TB

	mu    sync.Mutex
	queue []expectation
	calls []string
}

func New(t testing.TB) *Stubber {
	return &Stubber{t: t}
}

// AddResponse queues out for op. When expected is non-nil the call's input
// must equal it.
func (s *Stubber) AddResponse(op string, out any, expected any) {
	var check func(testing.TB, any)
	if expected != nil {
		check = func(t testing.TB, params any) {
			assert.Equal(t, expected, params, "input for %s", op)
		}
	}
	s.push(expectation{op: op, output: out, check: check})
}

// AddResponseCheck queues out for op and runs check against the input.
func (s *Stubber) AddResponseCheck(op string, out any, check func(t testing.TB, params any)) {
	s.push(expectation{op: op, output: out, check: check})
}

// AddError queues err for op.
func (s *Stubber) AddError(op string, err error) {
	s.push(expectation{op: op, err: err})
}

// AddClientError queues an API error with the given code and message, shaped
// the way the SDK surfaces service faults.
func (s *Stubber) AddClientError(op, code, msg string) {
	s.AddError(op, &smithy.GenericAPIError{Code: code, Message: msg, Fault: smithy.FaultClient})
}

// Calls returns the operations invoked so far, in order.
func (s *Stubber) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// AssertNoPendingResponses fails the test if queued responses were never used.
func (s *Stubber) AssertNoPendingResponses() {
	s.t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 {
		ops := make([]string, 0, len(s.queue))
		for _, e := range s.queue {
			ops = append(ops, e.op)
		}
		s.t.Errorf("ecstest: %d unused responses: %v", len(s.queue), ops)
	}
}

func (s *Stubber) push(e expectation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, e)
}

func (s *Stubber) next(op string) (expectation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, op)
	if len(s.queue) == 0 {
		return expectation{}, fmt.Errorf("ecstest: unexpected call to %s", op)
	}
	e := s.queue[0]
	if e.op != op {
		return expectation{}, fmt.Errorf("ecstest: called %s, expected %s", op, e.op)
	}
	s.queue = s.queue[1:]
	return e, nil
}

func call[O any](s *Stubber, op string, params any) (*O, error) {
	e, err := s.next(op)
	if err != nil {
		s.t.Error(err)
		return nil, err
	}
	if e.check != nil {
		e.check(s.t, params)
	}
	if e.err != nil {
		return nil, e.err
	}
	if e.output == nil {
		return new(O), nil
	}
	out, ok := e.output.(*O)
	if !ok {
		err := fmt.Errorf("ecstest: response for %s has type %T", op, e.output)
		s.t.Error(err)
		return nil, err
	}
	return out, nil
}

// ECSClient satisfies the ECS client interface used by the backend.
type ECSClient struct{ s *Stubber }

func (s *Stubber) ECS() *ECSClient { return &ECSClient{s: s} }

func (c *ECSClient) ListServices(_ context.Context, in *ecs.ListServicesInput, _ ...func(*ecs.Options)) (*ecs.ListServicesOutput, error) {
	return call[ecs.ListServicesOutput](c.s, "ListServices", in)
}

func (c *ECSClient) DescribeServices(_ context.Context, in *ecs.DescribeServicesInput, _ ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error) {
	return call[ecs.DescribeServicesOutput](c.s, "DescribeServices", in)
}

func (c *ECSClient) DeleteService(_ context.Context, in *ecs.DeleteServiceInput, _ ...func(*ecs.Options)) (*ecs.DeleteServiceOutput, error) {
	return call[ecs.DeleteServiceOutput](c.s, "DeleteService", in)
}

func (c *ECSClient) CreateService(_ context.Context, in *ecs.CreateServiceInput, _ ...func(*ecs.Options)) (*ecs.CreateServiceOutput, error) {
	return call[ecs.CreateServiceOutput](c.s, "CreateService", in)
}

func (c *ECSClient) RegisterTaskDefinition(_ context.Context, in *ecs.RegisterTaskDefinitionInput, _ ...func(*ecs.Options)) (*ecs.RegisterTaskDefinitionOutput, error) {
	return call[ecs.RegisterTaskDefinitionOutput](c.s, "RegisterTaskDefinition", in)
}

func (c *ECSClient) ListTasks(_ context.Context, in *ecs.ListTasksInput, _ ...func(*ecs.Options)) (*ecs.ListTasksOutput, error) {
	return call[ecs.ListTasksOutput](c.s, "ListTasks", in)
}

func (c *ECSClient) DescribeTasks(_ context.Context, in *ecs.DescribeTasksInput, _ ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error) {
	return call[ecs.DescribeTasksOutput](c.s, "DescribeTasks", in)
}

// RegistryClient satisfies the ECR client interface used by the backend.
type RegistryClient struct{ s *Stubber }

func (s *Stubber) Registry() *RegistryClient { return &RegistryClient{s: s} }

func (c *RegistryClient) DescribeImages(_ context.Context, in *ecr.DescribeImagesInput, _ ...func(*ecr.Options)) (*ecr.DescribeImagesOutput, error) {
	return call[ecr.DescribeImagesOutput](c.s, "DescribeImages", in)
}

// NetworkClient satisfies the EC2 client interface used by the backend.
type NetworkClient struct{ s *Stubber }

func (s *Stubber) Network() *NetworkClient { return &NetworkClient{s: s} }

func (c *NetworkClient) DescribeNetworkInterfaces(_ context.Context, in *ec2.DescribeNetworkInterfacesInput, _ ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error) {
	return call[ec2.DescribeNetworkInterfacesOutput](c.s, "DescribeNetworkInterfaces", in)
}
