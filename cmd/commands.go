package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"preview-env-manager/config"
	"preview-env-manager/environment"
	"preview-env-manager/provisioner"
	"preview-env-manager/queues"

	"github.com/spf13/cobra"
)

// errRequestFailed makes the process exit non-zero after a Failure result has
// been printed.
var errRequestFailed = errors.New("request failed")

// writerPublisher prints each result as one JSON line.
type writerPublisher struct {
	enc    *json.Encoder
	failed bool
}

func newWriterPublisher(w io.Writer) *writerPublisher {
	return &writerPublisher{enc: json.NewEncoder(w)}
}

func (p *writerPublisher) PublishResult(_ context.Context, res *queues.EnvironmentResult) error {
	if res.Status == queues.StatusFailure {
		p.failed = true
	}
	return p.enc.Encode(res)
}

type envFlags struct {
	prNumber int
	sha      string
	user     string
	image    string
	flags    []string
}

func (f *envFlags) bind(cmd *cobra.Command, full bool) {
	cmd.Flags().IntVar(&f.prNumber, "pr", 0, "pull request number")
	cmd.Flags().StringVar(&f.sha, "sha", "", "commit sha of the build")
	_ = cmd.MarkFlagRequired("pr")
	_ = cmd.MarkFlagRequired("sha")
	if full {
		cmd.Flags().StringVar(&f.user, "github-user", "", "author of the pull request")
		cmd.Flags().StringVar(&f.image, "image", "", "image to run instead of the repository default")
		cmd.Flags().StringArrayVar(&f.flags, "flag", nil, "feature flag as KEY=VALUE, repeatable")
	}
}

func (f *envFlags) featureFlags() (map[string]string, error) {
	if len(f.flags) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(f.flags))
	for _, kv := range f.flags {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("feature flag %q is not KEY=VALUE", kv)
		}
		out[k] = v
	}
	return out, nil
}

func (f *envFlags) spec() environment.EnvironmentSpec {
	return environment.EnvironmentSpec{PRNumber: f.prNumber, SHA: f.sha}
}

// loadCLI loads config, sets up console logging and builds the service.
func loadCLI(ctx context.Context) (*environment.Service, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	setLogger(cfg.LogLevel, true)
	return buildService(ctx, cfg)
}

// runRequest pushes req through the same controller the worker uses, with
// results printed to out.
func runRequest(ctx context.Context, svc provisioner.Environments, req *queues.EnvironmentRequest, out io.Writer) error {
	if err := req.Validate(); err != nil {
		return err
	}
	pub := newWriterPublisher(out)
	if err := provisioner.NewController(pub, svc).Handle(ctx, req); err != nil {
		return err
	}
	if pub.failed {
		return errRequestFailed
	}
	return nil
}

func newCreateCmd() *cobra.Command {
	var f envFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create (or replace) the environment for a PR build",
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags, err := f.featureFlags()
			if err != nil {
				return err
			}
			svc, err := loadCLI(cmd.Context())
			if err != nil {
				return err
			}
			return runRequest(cmd.Context(), svc, &queues.EnvironmentRequest{
				RequestID:    queues.NewRequestID(),
				Action:       queues.ActionCreate,
				PRNumber:     f.prNumber,
				SHA:          f.sha,
				GithubUser:   f.user,
				Image:        f.image,
				FeatureFlags: flags,
			}, cmd.OutOrStdout())
		},
	}
	f.bind(cmd, true)
	return cmd
}

func newDeleteCmd() *cobra.Command {
	var (
		f    envFlags
		wait bool
	)
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete the environment for a PR build",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := loadCLI(cmd.Context())
			if err != nil {
				return err
			}
			return runRequest(cmd.Context(), svc, &queues.EnvironmentRequest{
				RequestID: queues.NewRequestID(),
				Action:    queues.ActionDelete,
				PRNumber:  f.prNumber,
				SHA:       f.sha,
				Wait:      wait,
			}, cmd.OutOrStdout())
		},
	}
	f.bind(cmd, false)
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the service no longer occupies its name")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active preview environments",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := loadCLI(cmd.Context())
			if err != nil {
				return err
			}
			ids, err := svc.ListEnvironments(cmd.Context())
			if err != nil {
				return err
			}
			names := make([]string, 0, len(ids))
			for _, id := range ids {
				names = append(names, id.Name)
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
				"cluster":      svc.Cluster(),
				"environments": names,
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	var f envFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the lifecycle state of a PR build's service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := loadCLI(cmd.Context())
			if err != nil {
				return err
			}
			spec := f.spec()
			state, err := svc.Status(cmd.Context(), spec)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
				"serviceName": environment.ServiceName(spec.PRNumber, spec.SHA),
				"state":       state,
				"blocksName":  state.Blocks(),
			})
		},
	}
	f.bind(cmd, false)
	return cmd
}
