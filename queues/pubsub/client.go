package pubsub

import (
	"context"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

// newClient builds a Pub/Sub client, with an explicit credentials file when
// one is configured and application default credentials otherwise.
func newClient(ctx context.Context, projectID, credsFile, role string) (*gpubsub.Client, error) {
	var (
		client *gpubsub.Client
		err    error
	)
	if credsFile != "" {
		log.Debug().Str("projectID", projectID).Str("role", role).Str("credsFile", credsFile).Msg("pubsub: initializing client with explicit credentials")
		client, err = gpubsub.NewClient(ctx, projectID, option.WithCredentialsFile(credsFile))
	} else {
		log.Debug().Str("projectID", projectID).Str("role", role).Msg("pubsub: initializing client with default credentials")
		client, err = gpubsub.NewClient(ctx, projectID)
	}
	if err != nil {
		log.Error().Err(err).Str("projectID", projectID).Str("role", role).Msg("pubsub: failed to create client")
		return nil, err
	}
	return client, nil
}
