package pubsub

import (
	"context"
	"encoding/json"
	"sync"

	"preview-env-manager/queues"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
)

type Publisher struct {
	projectID   string
	resultTopic string
	credsFile   string

	mu     sync.Mutex
	client *gpubsub.Client
	topic  *gpubsub.Topic
}

func NewPublisher(projectID, resultTopic, credsFile string) *Publisher {
	return &Publisher{projectID: projectID, resultTopic: resultTopic, credsFile: credsFile}
}

func (p *Publisher) ensureTopic(ctx context.Context) (*gpubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.topic != nil {
		return p.topic, nil
	}
	if p.client == nil {
		client, err := newClient(ctx, p.projectID, p.credsFile, "publisher")
		if err != nil {
			return nil, err
		}
		p.client = client
	}
	p.topic = p.client.Topic(p.resultTopic)
	log.Info().Str("topic", p.resultTopic).Msg("pubsub: publisher initialized")
	return p.topic, nil
}

// PublishResult publishes res and waits for the server ack.
func (p *Publisher) PublishResult(ctx context.Context, res *queues.EnvironmentResult) error {
	topic, err := p.ensureTopic(ctx)
	if err != nil {
		return err
	}
	b, err := json.Marshal(res)
	if err != nil {
		log.Error().Err(err).Interface("result", res).Msg("pubsub: failed to marshal environment result")
		return err
	}
	r := topic.Publish(ctx, &gpubsub.Message{
		Data:       b,
		Attributes: map[string]string{"status": string(res.Status), "action": string(res.Action)},
	})
	id, err := r.Get(ctx)
	if err != nil {
		log.Error().Err(err).Str("requestId", res.RequestID).Msg("pubsub: failed to publish environment result")
		return err
	}
	log.Debug().Str("messageID", id).Str("requestId", res.RequestID).Str("status", string(res.Status)).Msg("pubsub: published environment result")
	return nil
}

// Close stops the topic's publish goroutines and closes the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
