package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"preview-env-manager/queues"

	"cloud.google.com/go/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriber_DeliversOnlyValidRequests(t *testing.T) {
	if testing.Short() {
		t.Skip("short")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, client := newTestClient(t)

	topic, err := client.CreateTopic(ctx, "requests")
	require.NoError(t, err)
	defer topic.Stop()
	sub, err := client.CreateSubscription(ctx, "requests-sub", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	payloads := []string{
		`not json`,
		`{"requestId":"bad","action":"restart","prNumber":1,"sha":"abc1234"}`,
		`{"requestId":"good","action":"create","prNumber":7,"sha":"abcdef0","featureFlags":{"X":"1"}}`,
	}
	for _, p := range payloads {
		_, err := topic.Publish(ctx, &pubsub.Message{Data: []byte(p)}).Get(ctx)
		require.NoError(t, err)
	}

	var (
		mu  sync.Mutex
		got []*queues.EnvironmentRequest
	)
	s := &Subscriber{projectID: "test-project", subscriptionName: "requests-sub", client: client, sub: sub}
	err = s.Start(ctx, func(_ context.Context, req *queues.EnvironmentRequest) error {
		mu.Lock()
		got = append(got, req)
		mu.Unlock()
		cancel()
		return nil
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "good", got[0].RequestID)
	assert.Equal(t, queues.ActionCreate, got[0].Action)
	assert.Equal(t, map[string]string{"X": "1"}, got[0].FeatureFlags)
}
