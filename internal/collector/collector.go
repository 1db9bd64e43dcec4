package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"campaign-loop/internal/campaign"
)

// MetricsSource is the read side of an ad platform.
type MetricsSource interface {
	GetMetrics(ctx context.Context, campaignID string) (campaign.MetricSample, error)
}

// Options tune the collector.
type Options struct {
	Timeout time.Duration
	// HistorySize bounds the per-campaign trailing window kept in memory.
	HistorySize int
	Now         func() time.Time
}

// Collector normalizes platform metrics and keeps a trailing window per campaign.
type Collector struct {
	source MetricsSource
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	history map[string][]campaign.MetricSample
}

// New constructs a Collector.
func New(source MetricsSource, opts Options, logger zerolog.Logger) *Collector {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 16
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Collector{
		source:  source,
		opts:    opts,
		logger:  logger.With().Str("component", "collector").Logger(),
		history: make(map[string][]campaign.MetricSample),
	}
}

// Collect fetches one sample for campaignID and stamps it with cycleID.
// Every failure is a *campaign.CollectionError; callers skip the campaign for
// this cycle instead of treating the absence as zero metrics.
func (c *Collector) Collect(ctx context.Context, campaignID, cycleID string) (campaign.MetricSample, error) {
	if c.source == nil {
		return campaign.MetricSample{}, &campaign.CollectionError{CampaignID: campaignID, Err: errors.New("metrics source not configured")}
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	raw, err := c.source.GetMetrics(ctx, campaignID)
	if err != nil {
		return campaign.MetricSample{}, &campaign.CollectionError{CampaignID: campaignID, Err: err}
	}

	sample, err := normalize(campaignID, raw)
	if err != nil {
		return campaign.MetricSample{}, &campaign.CollectionError{CampaignID: campaignID, Err: err}
	}
	sample.CycleID = cycleID
	if sample.Timestamp.IsZero() {
		sample.Timestamp = c.opts.Now().UTC()
	}

	c.remember(sample)

	c.logger.Debug().
		Str("campaign_id", campaignID).
		Str("cycle_id", cycleID).
		Str("spend", sample.Spend.String()).
		Str("roas", sample.ROAS.StringFixed(3)).
		Msg("metrics collected")
	return sample, nil
}

// History returns up to n trailing samples for campaignID, oldest first.
func (c *Collector) History(campaignID string, n int) []campaign.MetricSample {
	c.mu.Lock()
	defer c.mu.Unlock()

	samples := c.history[campaignID]
	if n > 0 && len(samples) > n {
		samples = samples[len(samples)-n:]
	}
	out := make([]campaign.MetricSample, len(samples))
	copy(out, samples)
	return out
}

// Seed preloads the trailing window, typically from the feedback ledger on start-up.
// Samples must be ordered oldest first.
func (c *Collector) Seed(campaignID string, samples []campaign.MetricSample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(samples) > c.opts.HistorySize {
		samples = samples[len(samples)-c.opts.HistorySize:]
	}
	seeded := make([]campaign.MetricSample, len(samples))
	copy(seeded, samples)
	c.history[campaignID] = seeded
}

func (c *Collector) remember(sample campaign.MetricSample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	samples := append(c.history[sample.CampaignID], sample)
	if len(samples) > c.opts.HistorySize {
		samples = samples[len(samples)-c.opts.HistorySize:]
	}
	c.history[sample.CampaignID] = samples
}

func normalize(campaignID string, raw campaign.MetricSample) (campaign.MetricSample, error) {
	if raw.CampaignID != "" && raw.CampaignID != campaignID {
		return campaign.MetricSample{}, fmt.Errorf("platform returned metrics for %q", raw.CampaignID)
	}
	if raw.Impressions < 0 || raw.Clicks < 0 || raw.Conversions < 0 {
		return campaign.MetricSample{}, errors.New("negative counters in metrics")
	}
	if raw.Spend.IsNegative() || raw.Revenue.IsNegative() || raw.ROAS.IsNegative() || raw.CPA.IsNegative() {
		return campaign.MetricSample{}, errors.New("negative amounts in metrics")
	}

	out := raw
	out.CampaignID = campaignID
	if out.ROAS.IsZero() && out.Spend.IsPositive() {
		out.ROAS = out.Revenue.Div(out.Spend).Round(4)
	}
	if out.CPA.IsZero() && out.Conversions > 0 {
		out.CPA = out.Spend.Div(decimal.NewFromInt(out.Conversions)).Round(4)
	}
	return out, nil
}
