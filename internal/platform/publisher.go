package platform

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"campaign-loop/internal/dispatch"
)

const publicationsPath = "/publications"

// Publisher schedules content on a distribution channel (video platform,
// landing-page host) that speaks the same JSON conventions as Client.
type Publisher struct {
	client *Client
}

var _ dispatch.Publisher = (*Publisher)(nil)

// NewPublisher constructs a content publisher.
func NewPublisher(opts Options, logger zerolog.Logger) *Publisher {
	if opts.Name == "" {
		opts.Name = "content"
	}
	return &Publisher{client: NewClient(opts, logger)}
}

// Name identifies the channel in dispatch results.
func (p *Publisher) Name() string { return p.client.Name() }

// Publish asks the channel to release campaign content at req.PublishAt.
func (p *Publisher) Publish(ctx context.Context, req dispatch.PublishRequest) (json.RawMessage, error) {
	raw, err := p.client.do(ctx, http.MethodPost, publicationsPath, req, nil)
	if err != nil {
		return nil, err
	}
	p.client.logger.Info().
		Str("campaign_id", req.CampaignID).
		Time("publish_at", req.PublishAt).
		Msg("content publication scheduled")
	return raw, nil
}
