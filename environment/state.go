package environment

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ServiceState is the lifecycle state of a named container service as reported
// by the platform's point lookup.
type ServiceState string

const (
	StateActive   ServiceState = "ACTIVE"
	StateDraining ServiceState = "DRAINING"
	StateInactive ServiceState = "INACTIVE"
	// StateAbsent means the platform has no record for the name at all.
	StateAbsent ServiceState = "ABSENT"
)

// Blocks reports whether a service in this state prevents a creation call for
// the same name. Unknown states block.
func (s ServiceState) Blocks() bool {
	switch s {
	case StateInactive, StateAbsent:
		return false
	default:
		return true
	}
}

// Known reports whether s is one of the four lifecycle states.
func (s ServiceState) Known() bool {
	switch s {
	case StateActive, StateDraining, StateInactive, StateAbsent:
		return true
	}
	return false
}

// rank orders states along ACTIVE -> DRAINING -> INACTIVE -> ABSENT.
func (s ServiceState) rank() int {
	switch s {
	case StateActive:
		return 0
	case StateDraining:
		return 1
	case StateInactive:
		return 2
	case StateAbsent:
		return 3
	}
	return -1
}

// ServiceIdentity names a service within a cluster. The platform enforces
// uniqueness of Name per Cluster.
type ServiceIdentity struct {
	Cluster string
	Name    string
}

func (id ServiceIdentity) String() string {
	return id.Cluster + "/" + id.Name
}

// ServiceDescriptor is the subset of a platform service record the core needs.
type ServiceDescriptor struct {
	Name           string
	ARN            string
	Status         ServiceState
	DesiredCount   int32
	RunningCount   int32
	TaskDefinition string
}

// ExistenceQueryResult is produced fresh by every DescribeExact call.
type ExistenceQueryResult struct {
	State      ServiceState
	Descriptor *ServiceDescriptor
}

// WaitOutcome is the result of one WaitForServiceDeletion invocation.
type WaitOutcome struct {
	Resolved   bool
	Elapsed    time.Duration
	FinalState ServiceState
	Polls      int
	// Observed holds every state seen, in poll order.
	Observed []ServiceState
}

// Phase is a state of the creation state machine.
type Phase string

const (
	PhaseCheck         Phase = "CHECK"
	PhaseAwaitDeletion Phase = "AWAIT_DELETION"
	PhaseCreate        Phase = "CREATE"
	PhaseDone          Phase = "DONE"
	PhaseFailed        Phase = "FAILED"
)

// ServiceName derives the service name for a PR build.
func ServiceName(prNumber int, sha string) string {
	return fmt.Sprintf("pr-%d-%s-service", prNumber, ShortSHA(sha))
}

// ShortSHA lowercases sha and truncates it to seven characters.
func ShortSHA(sha string) string {
	b := []byte(sha)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	if len(b) > 7 {
		b = b[:7]
	}
	return string(b)
}

// ParseServiceName reverses ServiceName. ok is false for names this system
// did not derive.
func ParseServiceName(name string) (prNumber int, sha string, ok bool) {
	rest, found := strings.CutPrefix(name, "pr-")
	if !found {
		return 0, "", false
	}
	rest, found = strings.CutSuffix(rest, "-service")
	if !found {
		return 0, "", false
	}
	num, sha, found := strings.Cut(rest, "-")
	if !found || sha == "" {
		return 0, "", false
	}
	n, err := strconv.Atoi(num)
	if err != nil || n <= 0 {
		return 0, "", false
	}
	return n, sha, true
}
