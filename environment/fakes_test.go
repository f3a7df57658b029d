package environment

import (
	"context"
	"sync"
	"time"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) sleepCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sleeps)
}

// scriptedPlatform answers DescribeExact from a fixed sequence of states; the
// last entry repeats once the script runs out.
type scriptedPlatform struct {
	states       []ServiceState
	describeErrs map[int]error
	createErr    error
	deleteErr    error

	describeCalls int
	listCalls     int
	deleted       []ServiceIdentity
	created       []CreateServiceInput
	// describeCallsAtCreate records how many lookups preceded each create.
	describeCallsAtCreate []int
}

func (p *scriptedPlatform) DescribeExact(_ context.Context, id ServiceIdentity) (ExistenceQueryResult, error) {
	i := p.describeCalls
	p.describeCalls++
	if err, ok := p.describeErrs[i]; ok {
		return ExistenceQueryResult{}, err
	}
	st := StateAbsent
	if len(p.states) > 0 {
		if i < len(p.states) {
			st = p.states[i]
		} else {
			st = p.states[len(p.states)-1]
		}
	}
	if st == StateAbsent {
		return ExistenceQueryResult{State: StateAbsent}, nil
	}
	return ExistenceQueryResult{State: st, Descriptor: &ServiceDescriptor{Name: id.Name, Status: st}}, nil
}

func (p *scriptedPlatform) ListActive(context.Context, string) ([]ServiceIdentity, error) {
	p.listCalls++
	return nil, nil
}

func (p *scriptedPlatform) DeleteService(_ context.Context, id ServiceIdentity) error {
	if p.deleteErr != nil {
		return p.deleteErr
	}
	p.deleted = append(p.deleted, id)
	return nil
}

func (p *scriptedPlatform) CreateService(_ context.Context, in CreateServiceInput) (*ServiceDescriptor, error) {
	p.describeCallsAtCreate = append(p.describeCallsAtCreate, p.describeCalls)
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.created = append(p.created, in)
	return &ServiceDescriptor{Name: in.Identity.Name, ARN: "arn:svc/" + in.Identity.Name, Status: StateActive}, nil
}

// lifecyclePlatform models one service record that moves ACTIVE -> DRAINING
// -> INACTIVE -> ABSENT, advancing one step every drainPolls lookups after a
// delete.
type lifecyclePlatform struct {
	state      ServiceState
	drainPolls int
	sinceStep  int
	creates    int
}

func (p *lifecyclePlatform) DescribeExact(_ context.Context, id ServiceIdentity) (ExistenceQueryResult, error) {
	st := p.state
	if st == "" {
		st = StateAbsent
	}
	if st == StateDraining || st == StateInactive {
		p.sinceStep++
		if p.sinceStep >= p.drainPolls {
			p.sinceStep = 0
			if st == StateDraining {
				p.state = StateInactive
			} else {
				p.state = StateAbsent
			}
		}
	}
	if st == StateAbsent {
		return ExistenceQueryResult{State: StateAbsent}, nil
	}
	return ExistenceQueryResult{State: st, Descriptor: &ServiceDescriptor{Name: id.Name, Status: st}}, nil
}

func (p *lifecyclePlatform) DeleteService(context.Context, ServiceIdentity) error {
	if p.state == StateActive {
		p.state = StateDraining
		p.sinceStep = 0
	}
	return nil
}

func (p *lifecyclePlatform) CreateService(_ context.Context, in CreateServiceInput) (*ServiceDescriptor, error) {
	if p.state.Blocks() && p.state != "" {
		return nil, ErrNotIdempotent
	}
	p.state = StateActive
	p.creates++
	return &ServiceDescriptor{Name: in.Identity.Name, Status: StateActive}, nil
}
