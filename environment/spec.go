package environment

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// EnvironmentSpec describes one preview environment to create.
type EnvironmentSpec struct {
	PRNumber   int    `json:"prNumber" validate:"required,gt=0"`
	SHA        string `json:"sha" validate:"required,hexadecimal,min=7,max=40"`
	GithubUser string `json:"githubUser,omitempty" validate:"omitempty,max=39"`
	// Image overrides the image derived from the configured repository.
	Image        string            `json:"image,omitempty"`
	FeatureFlags map[string]string `json:"featureFlags,omitempty"`
}

// ImageTag is the registry tag a PR build is pushed under.
func (s EnvironmentSpec) ImageTag() string {
	return fmt.Sprintf("pr-%d-%s", s.PRNumber, ShortSHA(s.SHA))
}

// Identity returns the service identity for s within cluster.
func (s EnvironmentSpec) Identity(cluster string) ServiceIdentity {
	return ServiceIdentity{Cluster: cluster, Name: ServiceName(s.PRNumber, s.SHA)}
}

var validate = validator.New()

// Validate checks s against its field constraints.
func (s EnvironmentSpec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}
