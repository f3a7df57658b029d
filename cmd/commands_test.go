package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"preview-env-manager/environment"
	"preview-env-manager/queues"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEnvs struct {
	res *environment.Result
	err error
}

func (s *stubEnvs) CreateEnvironment(context.Context, environment.EnvironmentSpec) (*environment.Result, error) {
	return s.res, s.err
}

func (s *stubEnvs) DeleteEnvironment(context.Context, environment.EnvironmentSpec, bool) (environment.WaitOutcome, error) {
	return environment.WaitOutcome{Resolved: true, FinalState: environment.StateAbsent}, s.err
}

func TestFeatureFlags(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		want    map[string]string
		wantErr bool
	}{
		{name: "none"},
		{name: "pairs", in: []string{"A=1", "B=x=y"}, want: map[string]string{"A": "1", "B": "x=y"}},
		{name: "empty value", in: []string{"A="}, want: map[string]string{"A": ""}},
		{name: "missing equals", in: []string{"A"}, wantErr: true},
		{name: "missing key", in: []string{"=1"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := envFlags{flags: tt.in}
			got, err := f.featureFlags()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRunRequest_PrintsResult(t *testing.T) {
	var out bytes.Buffer
	envs := &stubEnvs{res: &environment.Result{Endpoint: "10.0.0.5"}}
	req := &queues.EnvironmentRequest{RequestID: "r1", Action: queues.ActionCreate, PRNumber: 7, SHA: "deadbeef1"}

	require.NoError(t, runRequest(context.Background(), envs, req, &out))

	var res queues.EnvironmentResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, queues.StatusSuccess, res.Status)
	assert.Equal(t, "pr-7-deadbee-service", res.ServiceName)
	require.NotNil(t, res.Endpoint)
	assert.Equal(t, "10.0.0.5", *res.Endpoint)
}

func TestRunRequest_FailureExitsNonZero(t *testing.T) {
	var out bytes.Buffer
	envs := &stubEnvs{err: environment.ErrUnhealthy}
	req := &queues.EnvironmentRequest{RequestID: "r2", Action: queues.ActionDelete, PRNumber: 7, SHA: "deadbeef1"}

	err := runRequest(context.Background(), envs, req, &out)
	assert.ErrorIs(t, err, errRequestFailed)
	assert.Contains(t, out.String(), `"status":"Failure"`)
}

func TestRunRequest_InvalidRequest(t *testing.T) {
	var out bytes.Buffer
	req := &queues.EnvironmentRequest{RequestID: "r3", Action: queues.ActionCreate}

	assert.Error(t, runRequest(context.Background(), &stubEnvs{}, req, &out))
	assert.Empty(t, out.String())
}
