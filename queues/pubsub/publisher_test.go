package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"preview-env-manager/queues"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// newTestClient starts an in-memory Pub/Sub server and returns a client
// connected to it.
func newTestClient(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func TestPublisher_PublishResult(t *testing.T) {
	if testing.Short() {
		t.Skip("short")
	}
	ctx := context.Background()
	srv, client := newTestClient(t)

	tests := []struct {
		name    string
		setup   func() *Publisher
		res     *queues.EnvironmentResult
		wantErr bool
	}{
		{
			name: "success",
			setup: func() *Publisher {
				topic, err := client.CreateTopic(ctx, "results")
				require.NoError(t, err)
				return &Publisher{projectID: "test-project", resultTopic: "results", client: client, topic: topic}
			},
			res:     queues.NewResult(&queues.EnvironmentRequest{RequestID: "r1", Action: queues.ActionCreate}, queues.StatusSuccess),
			wantErr: false,
		},
		{
			name: "missing topic error",
			setup: func() *Publisher {
				return &Publisher{projectID: "test-project", resultTopic: "missing-topic", client: client, topic: client.Topic("missing-topic")}
			},
			res:     queues.NewResult(&queues.EnvironmentRequest{RequestID: "r2", Action: queues.ActionDelete}, queues.StatusFailure),
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.setup()
			err := p.PublishResult(ctx, tt.res)
			if (err != nil) != tt.wantErr {
				t.Errorf("PublishResult() error mismatch got=%#v wantErr=%#v", err, tt.wantErr)
			}
		})
	}

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got queues.EnvironmentResult
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, "r1", got.RequestID)
	assert.Equal(t, queues.StatusSuccess, got.Status)
	assert.Equal(t, "Success", msgs[0].Attributes["status"])
}

func TestPublisher_InitializesTopicLazily(t *testing.T) {
	if testing.Short() {
		t.Skip("short")
	}
	ctx := context.Background()
	srv, client := newTestClient(t)
	_, err := client.CreateTopic(ctx, "results")
	require.NoError(t, err)

	p := &Publisher{projectID: "test-project", resultTopic: "results", client: client}
	require.NoError(t, p.PublishResult(ctx, queues.NewResult(&queues.EnvironmentRequest{RequestID: "r3"}, queues.StatusQueued)))
	assert.Len(t, srv.Messages(), 1)
}
