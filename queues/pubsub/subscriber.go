package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"preview-env-manager/queues"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
)

type Subscriber struct {
	projectID        string
	subscriptionName string
	credsFile        string
	client           *gpubsub.Client
	sub              *gpubsub.Subscription
}

func NewSubscriber(projectID, subscriptionName, credsFile string) *Subscriber {
	return &Subscriber{projectID: projectID, subscriptionName: subscriptionName, credsFile: credsFile}
}

// Start blocks in Receive until ctx is cancelled. Malformed or invalid
// requests are acked and dropped; handler errors nack for redelivery.
func (s *Subscriber) Start(ctx context.Context, handler func(context.Context, *queues.EnvironmentRequest) error) error {
	if s.sub == nil {
		if s.client == nil {
			client, err := newClient(ctx, s.projectID, s.credsFile, "subscriber")
			if err != nil {
				return err
			}
			s.client = client
		}
		s.sub = s.client.Subscription(s.subscriptionName)
		log.Info().Str("subscription", s.subscriptionName).Msg("pubsub: subscriber initialized")
	}

	return s.sub.Receive(ctx, func(ctx context.Context, m *gpubsub.Message) {
		log.Debug().Str("messageID", m.ID).Int("size", len(m.Data)).Msg("pubsub: received message")
		recvAt := time.Now()
		var req queues.EnvironmentRequest
		if err := json.Unmarshal(m.Data, &req); err != nil {
			log.Error().Err(err).Str("messageID", m.ID).Msg("pubsub: dropping undecodable environment request")
			m.Ack()
			return
		}
		if err := req.Validate(); err != nil {
			log.Error().Err(err).Str("requestId", req.RequestID).Msg("pubsub: dropping invalid environment request")
			m.Ack()
			return
		}

		log.Info().Str("requestId", req.RequestID).Str("action", string(req.Action)).Int("prNumber", req.PRNumber).Str("sha", req.SHA).Msg("pubsub: handling environment request")
		if err := handler(ctx, &req); err != nil {
			log.Error().Err(err).Str("requestId", req.RequestID).Msg("pubsub: handler failed; will retry")
			m.Nack()
			return
		}
		log.Debug().Str("requestId", req.RequestID).Dur("latency", time.Since(recvAt)).Msg("pubsub: handler succeeded; acking message")
		m.Ack()
	})
}

func (s *Subscriber) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
