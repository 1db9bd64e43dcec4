package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign-loop/internal/campaign"
)

var base = time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

func record(campaignID string, cycle int, applied bool) campaign.FeedbackRecord {
	ts := base.Add(time.Duration(cycle) * 2 * time.Hour)
	dec := &campaign.Decision{CampaignID: campaignID, CycleID: "cy", Timestamp: ts, Action: campaign.ActionHold}
	metrics := &campaign.MetricSample{CampaignID: campaignID, Timestamp: ts, ROAS: decimal.NewFromInt(int64(cycle))}
	outcome := campaign.OutcomeHeld
	if !applied {
		outcome = campaign.OutcomeDispatchFailed
	}
	return campaign.FeedbackRecord{
		CycleID:    "cy",
		CampaignID: campaignID,
		RecordedAt: ts,
		Metrics:    metrics,
		Decision:   dec,
		Applied:    applied,
		Outcome:    outcome,
	}
}

func newRecorder() *Recorder {
	return NewRecorder(NewMemory(), func() time.Time { return base }, zerolog.Nop())
}

func TestRecordAssignsSequence(t *testing.T) {
	r := newRecorder()
	ctx := context.Background()

	first, err := r.Record(ctx, record("c1", 0, true))
	require.NoError(t, err)
	second, err := r.Record(ctx, record("c2", 0, true))
	require.NoError(t, err)
	assert.Less(t, first.Seq, second.Seq)
}

func TestRecordRejectsDoubleApply(t *testing.T) {
	r := newRecorder()
	ctx := context.Background()

	_, err := r.Record(ctx, record("c1", 0, true))
	require.NoError(t, err)
	_, err = r.Record(ctx, record("c1", 0, true))
	assert.ErrorIs(t, err, campaign.ErrConflict)

	// failed attempts for the same decision may repeat
	_, err = r.Record(ctx, record("c1", 1, false))
	require.NoError(t, err)
	_, err = r.Record(ctx, record("c1", 1, false))
	require.NoError(t, err)

	applied, err := r.HasApplied(ctx, "c1", base)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = r.HasApplied(ctx, "c1", base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestRecordValidates(t *testing.T) {
	r := newRecorder()
	cases := map[string]campaign.FeedbackRecord{
		"no campaign":      {CycleID: "cy", Outcome: campaign.OutcomeHeld},
		"no cycle":         {CampaignID: "c1", Outcome: campaign.OutcomeHeld},
		"no outcome":       {CampaignID: "c1", CycleID: "cy"},
		"applied no dec":   {CampaignID: "c1", CycleID: "cy", Outcome: campaign.OutcomeApplied, Applied: true},
		"foreign decision": {CampaignID: "c1", CycleID: "cy", Outcome: campaign.OutcomeHeld, Decision: &campaign.Decision{CampaignID: "c2"}},
	}
	for name, rec := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := r.Record(context.Background(), rec)
			assert.Error(t, err)
		})
	}
}

func TestRecordStampsTime(t *testing.T) {
	r := newRecorder()
	rec := record("c1", 0, true)
	rec.RecordedAt = time.Time{}
	stored, err := r.Record(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, stored.RecordedAt.Equal(base))
}

func TestMemoryQueries(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	r := NewRecorder(m, nil, zerolog.Nop())
	for i := 0; i < 4; i++ {
		_, err := r.Record(ctx, record("c1", i, true))
		require.NoError(t, err)
		_, err = r.Record(ctx, record("c2", i, true))
		require.NoError(t, err)
	}
	skipped := campaign.FeedbackRecord{CycleID: "cy", CampaignID: "c1", RecordedAt: base.Add(9 * time.Hour), Outcome: campaign.OutcomeSkippedCollection}
	_, err := r.Record(ctx, skipped)
	require.NoError(t, err)

	byCampaign, err := m.ListByCampaign(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, byCampaign, 2)
	assert.Less(t, byCampaign[0].Seq, byCampaign[1].Seq)
	assert.Equal(t, campaign.OutcomeSkippedCollection, byCampaign[1].Outcome)

	recent, err := m.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Greater(t, recent[0].Seq, recent[2].Seq)

	between, err := m.Between(ctx, base.Add(2*time.Hour), base.Add(6*time.Hour))
	require.NoError(t, err)
	assert.Len(t, between, 4)

	samples, err := m.RecentSamples(ctx, "c1", 3)
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.True(t, samples[0].ROAS.Equal(decimal.NewFromInt(1)))
	assert.True(t, samples[2].ROAS.Equal(decimal.NewFromInt(3)))
}

func TestRecentSamplesCountsEachCycleOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	r := NewRecorder(m, nil, zerolog.Nop())

	sample := func(cycle string, roas int64) *campaign.MetricSample {
		return &campaign.MetricSample{CampaignID: "c1", CycleID: cycle, Timestamp: base, ROAS: decimal.NewFromInt(roas)}
	}
	first := sample("cy-1", 1)
	// cy-1 waits on an operator, cy-2 only records its sample, then the
	// approved cy-1 decision is dispatched with the sample it was made on.
	for _, rec := range []campaign.FeedbackRecord{
		{CycleID: "cy-1", CampaignID: "c1", Metrics: first, Outcome: campaign.OutcomePendingAuthorization},
		{CycleID: "cy-2", CampaignID: "c1", Metrics: sample("cy-2", 2), Outcome: campaign.OutcomeHeld},
		{CycleID: "cy-1", CampaignID: "c1", Metrics: first, Outcome: campaign.OutcomeDispatchFailed},
		{CycleID: "cy-3", CampaignID: "c1", Metrics: sample("cy-3", 3), Outcome: campaign.OutcomeHeld},
	} {
		_, err := r.Record(ctx, rec)
		require.NoError(t, err)
	}

	samples, err := m.RecentSamples(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, samples, 3)
	for i, want := range []string{"cy-1", "cy-2", "cy-3"} {
		assert.Equal(t, want, samples[i].CycleID)
	}

	samples, err = m.RecentSamples(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, "cy-2", samples[0].CycleID)
}
