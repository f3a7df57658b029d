package environment

import (
	"context"
	"errors"
	"fmt"
)

// Oracle answers whether a name is occupied, in any state. It is built on the
// point lookup only.
type Oracle struct {
	describer ExactDescriber
}

func NewOracle(d ExactDescriber) *Oracle {
	return &Oracle{describer: d}
}

// ServiceExistsAnyState returns the current state of id as the platform sees it
// right now. Failures to observe are returned as *ObservationError and never
// reported as StateAbsent.
func (o *Oracle) ServiceExistsAnyState(ctx context.Context, id ServiceIdentity) (ServiceState, error) {
	res, err := o.describer.DescribeExact(ctx, id)
	if err != nil {
		var obsErr *ObservationError
		if errors.As(err, &obsErr) {
			return "", err
		}
		return "", &ObservationError{Identity: id, Op: "describe", Err: err}
	}

	switch {
	case res.State == "":
		return "", &ObservationError{Identity: id, Op: "describe", Err: errors.New("response carried no status")}
	case !res.State.Known():
		return "", &ObservationError{Identity: id, Op: "describe", Err: fmt.Errorf("unrecognised status %q", res.State)}
	case res.State != StateAbsent && res.Descriptor == nil:
		return "", &ObservationError{Identity: id, Op: "describe", Err: fmt.Errorf("status %s without a service record", res.State)}
	}
	return res.State, nil
}
