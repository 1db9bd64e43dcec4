package signals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"campaign-loop/internal/campaign"
)

// CompositeOptions tune the evaluator fan-out.
type CompositeOptions struct {
	AnomalyThreshold float64
	Timeout          time.Duration
	Now              func() time.Time
}

// Composite queries the three scoring services concurrently and merges their output.
type Composite struct {
	anomaly  AnomalyDetector
	affinity AffinityScorer
	timing   TimingPredictor
	opts     CompositeOptions
	logger   zerolog.Logger
}

// NewComposite wires the scoring services together.
func NewComposite(anomaly AnomalyDetector, affinity AffinityScorer, timing TimingPredictor, opts CompositeOptions, logger zerolog.Logger) *Composite {
	if opts.AnomalyThreshold <= 0 {
		opts.AnomalyThreshold = 0.7
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Composite{
		anomaly:  anomaly,
		affinity: affinity,
		timing:   timing,
		opts:     opts,
		logger:   logger.With().Str("component", "signals").Logger(),
	}
}

// Evaluate returns a snapshot stamped with the sample's cycle id. Any failing,
// slow or out-of-range sub-signal yields campaign.ErrEvaluationUnavailable.
func (c *Composite) Evaluate(ctx context.Context, campaignID string, sample campaign.MetricSample) (campaign.SignalSnapshot, error) {
	if c.anomaly == nil || c.affinity == nil || c.timing == nil {
		return campaign.SignalSnapshot{}, fmt.Errorf("%w: evaluator not configured", campaign.ErrEvaluationUnavailable)
	}
	if sample.CampaignID != campaignID {
		return campaign.SignalSnapshot{}, fmt.Errorf("%w: sample for %q evaluated as %q", campaign.ErrEvaluationUnavailable, sample.CampaignID, campaignID)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var (
		anomaly  campaign.AnomalySignal
		affinity campaign.AffinitySignal
		timing   campaign.TimingSignal
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := c.anomaly.DetectAnomaly(gctx, sample)
		if err != nil {
			return fmt.Errorf("anomaly detector: %w", err)
		}
		if err := validateAnomaly(res); err != nil {
			return fmt.Errorf("anomaly detector: %w", err)
		}
		anomaly = res
		return nil
	})
	g.Go(func() error {
		res, err := c.affinity.ScoreAffinity(gctx, sample)
		if err != nil {
			return fmt.Errorf("affinity scorer: %w", err)
		}
		if err := validateAffinity(res); err != nil {
			return fmt.Errorf("affinity scorer: %w", err)
		}
		affinity = res
		return nil
	})
	g.Go(func() error {
		res, err := c.timing.PredictTiming(gctx, sample)
		if err != nil {
			return fmt.Errorf("timing predictor: %w", err)
		}
		if err := validateTiming(res); err != nil {
			return fmt.Errorf("timing predictor: %w", err)
		}
		timing = res
		return nil
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, campaign.ErrEvaluationUnavailable) {
			return campaign.SignalSnapshot{}, err
		}
		return campaign.SignalSnapshot{}, fmt.Errorf("%w: %v", campaign.ErrEvaluationUnavailable, err)
	}

	anomaly.Detected = anomaly.Confidence >= c.opts.AnomalyThreshold
	if !anomaly.Detected {
		anomaly.CooldownSeconds = 0
	}

	snap := campaign.SignalSnapshot{
		CampaignID: campaignID,
		CycleID:    sample.CycleID,
		Timestamp:  c.opts.Now().UTC(),
		Anomaly:    anomaly,
		Affinity:   affinity,
		Timing:     timing,
	}

	c.logger.Debug().
		Str("campaign_id", campaignID).
		Str("cycle_id", sample.CycleID).
		Bool("anomaly", anomaly.Detected).
		Float64("anomaly_confidence", anomaly.Confidence).
		Float64("affinity", affinity.Score).
		Int("recommended_hour", timing.RecommendedHour).
		Msg("signals evaluated")
	return snap, nil
}

var _ Evaluator = (*Composite)(nil)
