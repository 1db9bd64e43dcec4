package signals

import (
	"context"

	"campaign-loop/internal/campaign"
)

// Static returns fixed scores. It backs the simulate command and tests.
type Static struct {
	Anomaly  campaign.AnomalySignal
	Affinity campaign.AffinitySignal
	Timing   campaign.TimingSignal
	Err      error
}

func (s *Static) DetectAnomaly(ctx context.Context, sample campaign.MetricSample) (campaign.AnomalySignal, error) {
	return s.Anomaly, s.Err
}

func (s *Static) ScoreAffinity(ctx context.Context, sample campaign.MetricSample) (campaign.AffinitySignal, error) {
	return s.Affinity, s.Err
}

func (s *Static) PredictTiming(ctx context.Context, sample campaign.MetricSample) (campaign.TimingSignal, error) {
	return s.Timing, s.Err
}

var (
	_ AnomalyDetector = (*Static)(nil)
	_ AffinityScorer  = (*Static)(nil)
	_ TimingPredictor = (*Static)(nil)
)
