package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign-loop/internal/alerting"
	"campaign-loop/internal/campaign"
	"campaign-loop/internal/engine"
)

func TestCycleScalesUpOnRisingROAS(t *testing.T) {
	h := newHarness(t, engine.DefaultConfig(), []campaign.State{active("c1", 100)})
	h.source.revenue["c1"] = []string{"150", "210", "240"}

	h.cycle(t)
	h.cycle(t)
	s := h.cycle(t)

	assert.Equal(t, 1, s.Outcomes[campaign.OutcomeApplied])
	st := h.state(t, "c1")
	assert.Equal(t, campaign.StatusScaling, st.Status)
	assert.Equal(t, "120.00", st.DailyBudget.StringFixed(2))
	assert.Equal(t, []string{"20.00"}, h.platform.budgets)

	recs := h.records(t, "c1")
	require.Len(t, recs, 3)
	assert.Equal(t, []campaign.Outcome{campaign.OutcomeHeld, campaign.OutcomeHeld, campaign.OutcomeApplied}, outcomes(recs))
	last := recs[2]
	require.NotNil(t, last.Decision)
	assert.Equal(t, campaign.ActionScaleUp, last.Decision.Action)
	assert.True(t, last.Decision.BudgetDelta.Equal(decimal.NewFromInt(20)))
	assert.False(t, last.Decision.RequiresAuthorization)
	require.NotNil(t, last.Metrics)
	assert.Equal(t, "2.40", last.Metrics.ROAS.StringFixed(2))
	assert.True(t, last.Applied)
	assert.True(t, last.DispatchResult.Success)
}

func TestCycleAnomalyPausesIntoCooldown(t *testing.T) {
	h := newHarness(t, engine.DefaultConfig(), []campaign.State{active("c1", 40)})
	h.scores.Anomaly = campaign.AnomalySignal{Type: "spend_spike", Confidence: 0.85, CooldownSeconds: 1800}

	decidedAt := h.clock.Now()
	h.cycle(t)

	st := h.state(t, "c1")
	assert.Equal(t, campaign.StatusCoolingDown, st.Status)
	require.NotNil(t, st.CooldownUntil)
	assert.True(t, st.CooldownUntil.Equal(decidedAt.Add(30*time.Minute)))
	assert.Equal(t, []string{"c1"}, h.platform.paused)

	recs := h.records(t, "c1")
	require.Len(t, recs, 1)
	assert.Equal(t, campaign.OutcomeApplied, recs[0].Outcome)
	assert.Equal(t, campaign.ActionPause, recs[0].Decision.Action)
	require.NotNil(t, recs[0].Signals)
	assert.True(t, recs[0].Signals.Anomaly.Detected)
}

func TestCycleHoldsWhileCoolingDown(t *testing.T) {
	h := newHarness(t, engine.DefaultConfig(), []campaign.State{active("c1", 40)})
	h.scores.Anomaly = campaign.AnomalySignal{Confidence: 0.85, CooldownSeconds: 4 * 3600}

	h.cycle(t)
	s := h.cycle(t)

	assert.Equal(t, 1, s.Outcomes[campaign.OutcomeHeld])
	assert.Equal(t, campaign.StatusCoolingDown, h.state(t, "c1").Status)
	assert.Len(t, h.platform.paused, 1)

	h.scores.Anomaly = campaign.AnomalySignal{Confidence: 0.1}
	h.cycle(t)
	assert.Equal(t, campaign.StatusActive, h.state(t, "c1").Status)
	assert.Equal(t, []string{"c1"}, h.platform.resumed)
}

// pendingScaleUp leaves one scale-up of 200 waiting for an operator.
func pendingScaleUp(t *testing.T) (*harness, time.Time) {
	t.Helper()
	return pendingScaleUpWith(t, engine.DefaultConfig())
}

func pendingScaleUpWith(t *testing.T, cfg engine.Config) (*harness, time.Time) {
	t.Helper()
	cfg.TrendWindow = 2
	h := newHarness(t, cfg, []campaign.State{active("c1", 1000)})
	h.source.revenue["c1"] = []string{"210", "240"}

	h.cycle(t)
	submitted := h.clock.Now()
	s := h.cycle(t)
	require.Equal(t, 1, s.Outcomes[campaign.OutcomePendingAuthorization])
	return h, submitted
}

func TestCyclePendingAuthorizationBlocksNewDecisions(t *testing.T) {
	h, _ := pendingScaleUp(t)

	s := h.cycle(t)
	assert.Equal(t, 1, s.Outcomes[campaign.OutcomePendingAuthorization])

	pending, err := h.gate.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "200.00", pending[0].Decision.BudgetDelta.StringFixed(2))
	assert.Empty(t, h.platform.budgets)
	assert.Equal(t, []alerting.Kind{alerting.KindPendingAuthorization}, h.notes.kinds())
}

func TestCycleAuthorizationExpires(t *testing.T) {
	h, submitted := pendingScaleUp(t)
	before := h.state(t, "c1")

	h.clock.Set(submitted.Add(25 * time.Hour))
	s := h.cycle(t)

	assert.Equal(t, 1, s.Outcomes[campaign.OutcomeHeld])
	after := h.state(t, "c1")
	assert.True(t, after.DailyBudget.Equal(before.DailyBudget))
	assert.Equal(t, campaign.StatusActive, after.Status)
	assert.Empty(t, h.platform.budgets)

	recs := h.records(t, "c1")
	assert.Contains(t, outcomes(recs), campaign.OutcomeAuthorizationExpired)
	assert.Contains(t, h.notes.kinds(), alerting.KindAuthorizationExpired)

	pending, err := h.gate.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCycleDispatchesApprovedEntry(t *testing.T) {
	h, _ := pendingScaleUp(t)
	ctx := context.Background()

	pending, err := h.gate.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	_, err = h.gate.Approve(ctx, pending[0].Key, "alice")
	require.NoError(t, err)

	s := h.cycle(t)
	assert.Equal(t, 1, s.Outcomes[campaign.OutcomeApplied])
	assert.Equal(t, []string{"200.00"}, h.platform.budgets)
	assert.Equal(t, "1200.00", h.state(t, "c1").DailyBudget.StringFixed(2))

	pending, err = h.gate.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// the applied record keeps the inputs the decision was made on
	recs := h.records(t, "c1")
	require.Len(t, recs, 4)
	applied, current := recs[2], recs[3]
	assert.Equal(t, campaign.OutcomeApplied, applied.Outcome)
	require.NotNil(t, applied.Metrics)
	require.NotNil(t, applied.Signals)
	assert.Equal(t, applied.Decision.CycleID, applied.CycleID)
	assert.Equal(t, applied.Decision.CycleID, applied.Metrics.CycleID)
	assert.Equal(t, applied.Decision.CycleID, applied.Signals.CycleID)
	assert.NotEqual(t, s.CycleID, applied.CycleID)

	assert.Equal(t, campaign.OutcomeHeld, current.Outcome)
	assert.Nil(t, current.Decision)
	require.NotNil(t, current.Metrics)
	assert.Equal(t, s.CycleID, current.Metrics.CycleID)

	samples, err := h.ledger.RecentSamples(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Len(t, samples, 3, "one sample per cycle")
}

func TestCycleAnomalySupersedesPendingScaleUp(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.PauseAuthorizationBudget = decimal.NewFromInt(5000)
	h, _ := pendingScaleUpWith(t, cfg)
	ctx := context.Background()

	h.scores.Anomaly = campaign.AnomalySignal{Type: "spend_spike", Confidence: 0.95, CooldownSeconds: 1800}
	s := h.cycle(t)

	assert.Equal(t, 1, s.Outcomes[campaign.OutcomeApplied])
	st := h.state(t, "c1")
	assert.Equal(t, campaign.StatusCoolingDown, st.Status)
	assert.Equal(t, "1000.00", st.DailyBudget.StringFixed(2))
	assert.Equal(t, []string{"c1"}, h.platform.paused)
	assert.Empty(t, h.platform.budgets)

	pending, err := h.gate.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	recs := h.records(t, "c1")
	superseded := recs[len(recs)-2]
	assert.Equal(t, campaign.OutcomeRejected, superseded.Outcome)
	assert.Equal(t, campaign.ActionScaleUp, superseded.Decision.Action)
	assert.Contains(t, superseded.DispatchResult.Error, "superseded by anomaly")
	assert.Equal(t, campaign.ActionPause, recs[len(recs)-1].Decision.Action)
}

func TestCycleAnomalySupersedesApprovedScaleUp(t *testing.T) {
	h, _ := pendingScaleUp(t)
	ctx := context.Background()

	pending, err := h.gate.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	_, err = h.gate.Approve(ctx, pending[0].Key, "alice")
	require.NoError(t, err)

	h.scores.Anomaly = campaign.AnomalySignal{Type: "spend_spike", Confidence: 0.95, CooldownSeconds: 1800}
	s := h.cycle(t)

	assert.Zero(t, s.Outcomes[campaign.OutcomeApplied])
	assert.Empty(t, h.platform.budgets, "approved scale-up is not applied during an anomaly")
	assert.Equal(t, "1000.00", h.state(t, "c1").DailyBudget.StringFixed(2))
	assert.Contains(t, outcomes(h.records(t, "c1")), campaign.OutcomeRejected)

	// the pause on a large budget now waits for the operator instead
	pending, err = h.gate.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, campaign.ActionPause, pending[0].Decision.Action)
}

func TestCycleRecordsRejection(t *testing.T) {
	h, _ := pendingScaleUp(t)
	ctx := context.Background()

	pending, err := h.gate.Pending(ctx)
	require.NoError(t, err)
	_, err = h.gate.Reject(ctx, pending[0].Key, "bob", "too aggressive")
	require.NoError(t, err)

	h.cycle(t)
	recs := h.records(t, "c1")
	require.GreaterOrEqual(t, len(recs), 2)
	rejected := recs[len(recs)-2]
	assert.Equal(t, campaign.OutcomeRejected, rejected.Outcome)
	assert.Contains(t, rejected.DispatchResult.Error, "too aggressive")
	require.NotNil(t, rejected.Metrics)
	assert.Equal(t, rejected.Decision.CycleID, rejected.CycleID)
	assert.Equal(t, rejected.Decision.CycleID, rejected.Metrics.CycleID)
	assert.Empty(t, h.platform.budgets)
}

func TestCycleIsolatesCollectionFailure(t *testing.T) {
	h := newHarness(t, engine.DefaultConfig(), []campaign.State{active("c1", 100), active("c2", 100)})
	h.source.errs["c1"] = errors.New("insights endpoint timed out")

	s := h.cycle(t)

	assert.Equal(t, 2, s.Campaigns)
	assert.Equal(t, 1, s.Outcomes[campaign.OutcomeSkippedCollection])
	assert.Equal(t, 1, s.Outcomes[campaign.OutcomeHeld])

	recs := h.records(t, "c1")
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0].Metrics)
	assert.Contains(t, recs[0].DispatchResult.Error, "timed out")
	assert.Equal(t, int64(0), h.state(t, "c1").Version)
	assert.Equal(t, int64(1), h.state(t, "c2").Version)
}

func TestCycleFallsBackToHoldWithoutSignals(t *testing.T) {
	h := newHarness(t, engine.DefaultConfig(), []campaign.State{active("c1", 100)})
	h.scores.Err = errors.New("scoring service down")

	h.cycle(t)

	recs := h.records(t, "c1")
	require.Len(t, recs, 1)
	assert.Equal(t, campaign.OutcomeHeld, recs[0].Outcome)
	assert.Nil(t, recs[0].Signals)
	assert.Equal(t, "signal evaluation unavailable", recs[0].Decision.Reason)
}

func TestCycleSkipsBusyCampaign(t *testing.T) {
	h := newHarness(t, engine.DefaultConfig(), []campaign.State{active("c1", 100), active("c2", 100)})

	unlock, ok := h.orch.locks.TryLock("c1")
	require.True(t, ok)
	s := h.cycle(t)
	unlock()

	assert.Equal(t, []string{"c1"}, s.Busy)
	assert.Empty(t, h.records(t, "c1"))
	assert.Len(t, h.records(t, "c2"), 1)
}

func TestCycleRecordsDispatchFailure(t *testing.T) {
	h := newHarness(t, engine.DefaultConfig(), []campaign.State{active("c1", 100)})
	h.source.revenue["c1"] = []string{"150", "210", "240"}
	h.platform.fail = true

	h.cycle(t)
	h.cycle(t)
	s := h.cycle(t)

	assert.Equal(t, 1, s.Outcomes[campaign.OutcomeDispatchFailed])
	st := h.state(t, "c1")
	assert.Equal(t, "100.00", st.DailyBudget.StringFixed(2))
	assert.Equal(t, campaign.StatusActive, st.Status)
	assert.Contains(t, h.notes.kinds(), alerting.KindDispatchFailed)

	recs := h.records(t, "c1")
	last := recs[len(recs)-1]
	assert.False(t, last.Applied)
	assert.Contains(t, last.DispatchResult.Error, "platform 503")
}

func TestCycleSharesBudgetCap(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.TrendWindow = 2
	cfg.SharedBudgetCap = decimal.NewFromInt(230)
	h := newHarness(t, cfg, []campaign.State{active("c1", 100), active("c2", 100)})
	h.source.revenue["c1"] = []string{"210", "240"}
	h.source.revenue["c2"] = []string{"210", "240"}

	h.cycle(t)
	h.cycle(t)

	assert.ElementsMatch(t, []string{"20.00", "10.00"}, h.platform.budgets)
	assert.Equal(t, "120.00", h.state(t, "c1").DailyBudget.StringFixed(2))
	assert.Equal(t, "110.00", h.state(t, "c2").DailyBudget.StringFixed(2))
}

// capHarness runs c1 (1000) into a pending +200 under a 1300 cap while c2
// (100) starts rising one cycle later.
func capHarness(t *testing.T) *harness {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.TrendWindow = 2
	cfg.SharedBudgetCap = decimal.NewFromInt(1300)
	h := newHarness(t, cfg, []campaign.State{active("c1", 1000), active("c2", 100)})
	h.source.revenue["c1"] = []string{"210", "240"}
	h.source.revenue["c2"] = []string{"150", "150", "210", "240"}

	h.cycle(t)
	s := h.cycle(t)
	require.Equal(t, 1, s.Outcomes[campaign.OutcomePendingAuthorization])
	return h
}

func totalBudget(t *testing.T, h *harness) decimal.Decimal {
	t.Helper()
	list, err := h.states.List(context.Background())
	require.NoError(t, err)
	total := decimal.Zero
	for _, st := range list {
		total = total.Add(st.DailyBudget)
	}
	return total
}

func TestCycleCapCountsApprovedDispatch(t *testing.T) {
	h := capHarness(t)
	ctx := context.Background()

	pending, err := h.gate.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	_, err = h.gate.Approve(ctx, pending[0].Key, "alice")
	require.NoError(t, err)

	h.cycle(t)

	assert.Equal(t, []string{"200.00"}, h.platform.budgets)
	assert.Equal(t, "1200.00", h.state(t, "c1").DailyBudget.StringFixed(2))
	assert.Equal(t, "100.00", h.state(t, "c2").DailyBudget.StringFixed(2))
	assert.True(t, totalBudget(t, h).LessThanOrEqual(decimal.NewFromInt(1300)), "total %s", totalBudget(t, h))

	recs := h.records(t, "c2")
	last := recs[len(recs)-1]
	require.NotNil(t, last.Decision)
	assert.Equal(t, campaign.ActionHold, last.Decision.Action)
	assert.Equal(t, "shared budget cap exhausted", last.Decision.Reason)
}

func TestCycleCapReservesPendingScaleUp(t *testing.T) {
	h := capHarness(t)

	h.cycle(t)

	assert.Empty(t, h.platform.budgets)
	recs := h.records(t, "c2")
	last := recs[len(recs)-1]
	require.NotNil(t, last.Decision)
	assert.Equal(t, "shared budget cap exhausted", last.Decision.Reason)

	// approving the reserved scale-up later still respects the cap
	pending, err := h.gate.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	_, err = h.gate.Approve(context.Background(), pending[0].Key, "alice")
	require.NoError(t, err)
	h.cycle(t)
	assert.True(t, totalBudget(t, h).LessThanOrEqual(decimal.NewFromInt(1300)), "total %s", totalBudget(t, h))
}

func TestRunCycleSkipsWhenLockHeldElsewhere(t *testing.T) {
	h := newHarness(t, engine.DefaultConfig(), []campaign.State{active("c1", 100)}, func(d *Deps, o *Options) {
		d.Locker = heldLock{}
		o.LockKey = 42
	})

	s := h.cycle(t)

	assert.True(t, s.Contended)
	assert.Empty(t, h.records(t, "c1"))
}

func TestStopTerminatesCampaign(t *testing.T) {
	h := newHarness(t, engine.DefaultConfig(), []campaign.State{active("c1", 100), active("c2", 100)})
	ctx := context.Background()

	st, err := h.orch.Stop(ctx, "c1", "alice", "budget exhausted")
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusTerminated, st.Status)
	assert.Equal(t, []string{"c1"}, h.platform.paused)
	assert.Contains(t, h.notes.kinds(), alerting.KindCampaignStopped)

	h.clock.Advance(time.Minute)
	s := h.cycle(t)
	assert.Equal(t, 1, s.Campaigns)
	assert.Len(t, h.records(t, "c1"), 1)

	_, err = h.orch.Stop(ctx, "c1", "alice", "again")
	assert.ErrorIs(t, err, campaign.ErrTerminated)
}

func TestStopDiscardsPendingAuthorization(t *testing.T) {
	h, _ := pendingScaleUp(t)
	ctx := context.Background()

	_, err := h.orch.Stop(ctx, "c1", "alice", "")
	require.NoError(t, err)

	pending, err := h.gate.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Contains(t, outcomes(h.records(t, "c1")), campaign.OutcomeRejected)
}

func TestOperatorPauseAndResume(t *testing.T) {
	h := newHarness(t, engine.DefaultConfig(), []campaign.State{active("c1", 100)})
	ctx := context.Background()

	st, err := h.orch.Pause(ctx, "c1", "alice", "creative review")
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusPaused, st.Status)

	h.clock.Advance(time.Minute)
	h.cycle(t)
	assert.Equal(t, campaign.StatusPaused, h.state(t, "c1").Status)

	st, err = h.orch.Resume(ctx, "c1", "alice", "")
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusActive, st.Status)
	assert.Equal(t, []string{"c1"}, h.platform.paused)
	assert.Equal(t, []string{"c1"}, h.platform.resumed)
}

func TestWarmSeedsHistoryFromLedger(t *testing.T) {
	h := newHarness(t, engine.DefaultConfig(), []campaign.State{active("c1", 100)})
	ctx := context.Background()

	for i, roas := range []string{"2.1", "2.4"} {
		cycleID := fmt.Sprintf("old-%d", i)
		_, err := h.recorder.Record(ctx, campaign.FeedbackRecord{
			CycleID:    cycleID,
			CampaignID: "c1",
			Metrics: &campaign.MetricSample{
				CampaignID: "c1",
				CycleID:    cycleID,
				Timestamp:  start.Add(time.Duration(i-2) * 2 * time.Hour),
				ROAS:       decimal.RequireFromString(roas),
			},
			DispatchResult: campaign.DispatchResult{Success: true},
			Outcome:        campaign.OutcomeHeld,
		})
		require.NoError(t, err)
	}

	require.NoError(t, h.orch.Warm(ctx))
	assert.Len(t, h.collect.History("c1", 0), 2)

	h.source.revenue["c1"] = []string{"270"}
	s := h.cycle(t)
	assert.Equal(t, 1, s.Outcomes[campaign.OutcomeApplied])
	assert.Equal(t, []string{"20.00"}, h.platform.budgets)
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Deps{}, Options{}, zerolog.Nop())
	assert.Error(t, err)
}
