package queues

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionDelete Action = "delete"
)

type EnvironmentRequest struct {
	RequestID    string            `json:"requestId" validate:"required"`
	Action       Action            `json:"action" validate:"required,oneof=create delete"`
	PRNumber     int               `json:"prNumber" validate:"required,gt=0"`
	SHA          string            `json:"sha" validate:"required,hexadecimal,min=7,max=40"`
	GithubUser   string            `json:"githubUser,omitempty"`
	Image        string            `json:"image,omitempty"`
	FeatureFlags map[string]string `json:"featureFlags,omitempty"`
	// Wait makes a delete block until the service no longer occupies its name.
	Wait bool `json:"wait,omitempty"`
}

var validate = validator.New()

// Validate checks the envelope before it reaches the controller.
func (r *EnvironmentRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid environment request: %w", err)
	}
	return nil
}

// NewRequestID returns a fresh id for requests raised locally.
func NewRequestID() string {
	return uuid.NewString()
}

type ResultStatus string

const (
	StatusSuccess ResultStatus = "Success"
	StatusFailure ResultStatus = "Failure"
	StatusQueued  ResultStatus = "Queued"
)

const (
	EnvelopeVersion = "1.0"
	ResultType      = "environment-result"
)

type EnvironmentResult struct {
	EnvelopeVersion string       `json:"envelopeVersion"`
	Type            string       `json:"type"`
	RequestID       string       `json:"requestId"`
	Action          Action       `json:"action"`
	Status          ResultStatus `json:"status"`
	ServiceName     string       `json:"serviceName,omitempty"`
	Endpoint        *string      `json:"endpoint,omitempty"`
	Phases          []string     `json:"phases,omitempty"`
	ErrorKind       *string      `json:"errorKind,omitempty"`
	ErrorMessage    *string      `json:"errorMessage,omitempty"`
	QueuePosition   *int         `json:"queuePosition,omitempty"`
}

// NewResult fills the envelope fields shared by every result.
func NewResult(req *EnvironmentRequest, status ResultStatus) *EnvironmentResult {
	return &EnvironmentResult{
		EnvelopeVersion: EnvelopeVersion,
		Type:            ResultType,
		RequestID:       req.RequestID,
		Action:          req.Action,
		Status:          status,
	}
}

type Subscriber interface {
	Start(ctx context.Context, handler func(context.Context, *EnvironmentRequest) error) error
}

type Publisher interface {
	PublishResult(ctx context.Context, res *EnvironmentResult) error
}
