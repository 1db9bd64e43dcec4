package signals

import (
	"context"
	"fmt"
	"math"

	"campaign-loop/internal/campaign"
)

// Evaluator produces the signal snapshot for one campaign cycle.
type Evaluator interface {
	Evaluate(ctx context.Context, campaignID string, sample campaign.MetricSample) (campaign.SignalSnapshot, error)
}

// AnomalyDetector scores the risk that a campaign is misbehaving.
type AnomalyDetector interface {
	DetectAnomaly(ctx context.Context, sample campaign.MetricSample) (campaign.AnomalySignal, error)
}

// AffinityScorer places a campaign's audience in a cluster.
type AffinityScorer interface {
	ScoreAffinity(ctx context.Context, sample campaign.MetricSample) (campaign.AffinitySignal, error)
}

// TimingPredictor recommends the hour of day to publish content.
type TimingPredictor interface {
	PredictTiming(ctx context.Context, sample campaign.MetricSample) (campaign.TimingSignal, error)
}

func validateUnit(name string, v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("%s %v outside [0,1]", name, v)
	}
	return nil
}

func validateAnomaly(a campaign.AnomalySignal) error {
	if err := validateUnit("anomaly confidence", a.Confidence); err != nil {
		return err
	}
	if a.CooldownSeconds < 0 {
		return fmt.Errorf("cooldown_seconds %d is negative", a.CooldownSeconds)
	}
	return nil
}

func validateAffinity(a campaign.AffinitySignal) error {
	return validateUnit("affinity score", a.Score)
}

func validateTiming(t campaign.TimingSignal) error {
	if t.RecommendedHour < 0 || t.RecommendedHour > 23 {
		return fmt.Errorf("recommended hour %d outside [0,23]", t.RecommendedHour)
	}
	return validateUnit("timing confidence", t.Confidence)
}
