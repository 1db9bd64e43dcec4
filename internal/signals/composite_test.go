package signals

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign-loop/internal/campaign"
)

func testSample() campaign.MetricSample {
	return campaign.MetricSample{CampaignID: "c1", CycleID: "cycle-1"}
}

func newTestComposite(s *Static) *Composite {
	return NewComposite(s, s, s, CompositeOptions{AnomalyThreshold: 0.7, Timeout: time.Second}, zerolog.Nop())
}

func TestCompositeStampsCycleAndThreshold(t *testing.T) {
	s := &Static{
		Anomaly:  campaign.AnomalySignal{Type: "ctr_drop", Confidence: 0.85, CooldownSeconds: 1800},
		Affinity: campaign.AffinitySignal{Score: 0.6, ClusterID: "k3"},
		Timing:   campaign.TimingSignal{RecommendedHour: 19, Confidence: 0.7},
	}

	snap, err := newTestComposite(s).Evaluate(context.Background(), "c1", testSample())
	require.NoError(t, err)
	assert.Equal(t, "cycle-1", snap.CycleID)
	assert.True(t, snap.Anomaly.Detected)
	assert.Equal(t, int64(1800), snap.Anomaly.CooldownSeconds)
	assert.Equal(t, "k3", snap.Affinity.ClusterID)
}

func TestCompositeBelowThresholdIsNotDetected(t *testing.T) {
	s := &Static{Anomaly: campaign.AnomalySignal{Detected: true, Confidence: 0.69, CooldownSeconds: 60}}

	snap, err := newTestComposite(s).Evaluate(context.Background(), "c1", testSample())
	require.NoError(t, err)
	assert.False(t, snap.Anomaly.Detected)
	assert.Zero(t, snap.Anomaly.CooldownSeconds)
}

func TestCompositeRejectsOutOfRangeSignals(t *testing.T) {
	cases := map[string]*Static{
		"confidence":    {Anomaly: campaign.AnomalySignal{Confidence: 1.2}},
		"cooldown":      {Anomaly: campaign.AnomalySignal{Confidence: 0.9, CooldownSeconds: -1}},
		"affinity":      {Affinity: campaign.AffinitySignal{Score: -0.1}},
		"timing hour":   {Timing: campaign.TimingSignal{RecommendedHour: 24}},
		"timing conf":   {Timing: campaign.TimingSignal{Confidence: 3}},
		"service error": {Err: errors.New("503")},
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := newTestComposite(s).Evaluate(context.Background(), "c1", testSample())
			assert.ErrorIs(t, err, campaign.ErrEvaluationUnavailable)
		})
	}
}

type slowScorer struct{ Static }

func (s *slowScorer) ScoreAffinity(ctx context.Context, sample campaign.MetricSample) (campaign.AffinitySignal, error) {
	<-ctx.Done()
	return campaign.AffinitySignal{}, ctx.Err()
}

func TestCompositeTimesOut(t *testing.T) {
	slow := &slowScorer{}
	c := NewComposite(&slow.Static, slow, &slow.Static, CompositeOptions{Timeout: 20 * time.Millisecond}, zerolog.Nop())

	_, err := c.Evaluate(context.Background(), "c1", testSample())
	assert.ErrorIs(t, err, campaign.ErrEvaluationUnavailable)
}

func TestCompositeRejectsForeignSample(t *testing.T) {
	_, err := newTestComposite(&Static{}).Evaluate(context.Background(), "c2", testSample())
	assert.ErrorIs(t, err, campaign.ErrEvaluationUnavailable)
}
