package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"campaign-loop/internal/alerting"
	"campaign-loop/internal/campaign"
	"campaign-loop/internal/dispatch"
	"campaign-loop/internal/engine"
	"campaign-loop/internal/gate"
)

// Summary describes one RunCycle invocation.
type Summary struct {
	CycleID    string                   `json:"cycle_id"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
	Campaigns  int                      `json:"campaigns"`
	Outcomes   map[campaign.Outcome]int `json:"outcomes"`
	// Busy lists campaigns skipped because another cycle still held them.
	Busy []string `json:"busy,omitempty"`
	// Errors counts campaigns whose cycle failed before reaching the ledger.
	Errors int `json:"errors,omitempty"`
	// Contended is set when another replica held the cycle lock.
	Contended bool `json:"contended,omitempty"`
}

// plan carries one campaign from the decide phase to the dispatch phase.
type plan struct {
	campaignID string
	cycleID    string
	now        time.Time
	log        zerolog.Logger
	unlock     func()

	state    campaign.State
	metrics  *campaign.MetricSample
	signals  *campaign.SignalSnapshot
	decision *campaign.Decision

	busy    bool
	failed  bool
	outcome campaign.Outcome
}

// RunCycle executes one control cycle across all non-terminated campaigns.
// Campaigns are decided concurrently, scale-ups are reconciled against the
// shared budget cap, then approved decisions are dispatched concurrently.
// One campaign's failure never affects another.
func (o *Orchestrator) RunCycle(ctx context.Context) (Summary, error) {
	unlock, proceed, err := o.acquireLock(ctx)
	if err != nil {
		return Summary{}, err
	}
	if !proceed {
		o.logger.Debug().Msg("skip cycle because advisory lock held elsewhere")
		return Summary{Contended: true}, nil
	}
	defer unlock()

	cycleID := o.opts.NewCycleID()
	now := o.opts.Now().UTC()
	summary := Summary{CycleID: cycleID, StartedAt: now, Outcomes: make(map[campaign.Outcome]int)}
	log := o.logger.With().Str("cycle_id", cycleID).Logger()

	states, err := o.deps.States.List(ctx)
	if err != nil {
		return summary, fmt.Errorf("list campaigns: %w", err)
	}
	managed := make([]campaign.State, 0, len(states))
	for _, st := range states {
		if st.Status != campaign.StatusTerminated {
			managed = append(managed, st)
		}
	}
	summary.Campaigns = len(managed)
	log.Info().Int("campaigns", len(managed)).Msg("cycle started")

	plans := make([]*plan, len(managed))
	limit := min(len(managed), o.opts.MaxConcurrency)

	var decide errgroup.Group
	decide.SetLimit(max(limit, 1))
	for i, st := range managed {
		i, st := i, st
		decide.Go(func() error {
			plans[i] = o.prepare(ctx, cycleID, st.CampaignID, now)
			return nil
		})
	}
	_ = decide.Wait()

	o.allocate(ctx, log, plans, managed)

	var execute errgroup.Group
	execute.SetLimit(max(limit, 1))
	for _, p := range plans {
		if p.decision == nil {
			continue
		}
		p := p
		execute.Go(func() error {
			o.execute(ctx, p)
			return nil
		})
	}
	_ = execute.Wait()

	for _, p := range plans {
		switch {
		case p.busy:
			summary.Busy = append(summary.Busy, p.campaignID)
		case p.failed:
			summary.Errors++
		case p.outcome != "":
			summary.Outcomes[p.outcome]++
		}
	}
	summary.FinishedAt = o.opts.Now().UTC()

	log.Info().
		Int("campaigns", summary.Campaigns).
		Int("busy", len(summary.Busy)).
		Int("errors", summary.Errors).
		Interface("outcomes", summary.Outcomes).
		Msg("cycle finished")
	return summary, nil
}

// prepare takes the campaign lock, collects metrics, evaluates signals, settles
// any outstanding authorization and asks the engine for a decision. The lock stays held when a
// decision is returned; every other path releases it.
func (o *Orchestrator) prepare(ctx context.Context, cycleID, campaignID string, now time.Time) *plan {
	p := &plan{campaignID: campaignID, cycleID: cycleID, now: now}
	p.log = o.logger.With().Str("cycle_id", cycleID).Str("campaign_id", campaignID).Logger()

	unlock, ok := o.locks.TryLock(campaignID)
	if !ok {
		p.log.Info().Msg("campaign still busy with a previous cycle; skipping")
		p.busy = true
		return p
	}
	finish := func(outcome campaign.Outcome) *plan {
		p.outcome = outcome
		unlock()
		return p
	}

	st, err := o.deps.States.Get(ctx, campaignID)
	if err != nil {
		p.log.Error().Err(err).Msg("failed to load campaign state")
		p.failed = true
		return finish("")
	}
	if st.Status == campaign.StatusTerminated {
		return finish("")
	}

	sample, err := o.deps.Collector.Collect(ctx, campaignID, cycleID)
	if err != nil {
		p.log.Warn().Err(err).Msg("metrics collection failed; campaign skipped this cycle")
		o.record(ctx, p.log, campaign.FeedbackRecord{
			CycleID:        cycleID,
			CampaignID:     campaignID,
			DispatchResult: campaign.Failed(err.Error()),
			Outcome:        campaign.OutcomeSkippedCollection,
		})
		return finish(campaign.OutcomeSkippedCollection)
	}
	metrics := &sample

	var sig *campaign.SignalSnapshot
	snap, err := o.deps.Evaluator.Evaluate(ctx, campaignID, sample)
	if err != nil {
		p.log.Warn().Err(err).Msg("signal evaluation unavailable; engine falls back to hold")
	} else {
		sig = &snap
	}

	res, found, err := o.deps.Gate.Resolve(ctx, campaignID)
	if err != nil {
		p.log.Error().Err(err).Msg("authorization inbox unavailable; holding campaign")
		o.record(ctx, p.log, campaign.FeedbackRecord{
			CycleID:        cycleID,
			CampaignID:     campaignID,
			Metrics:        metrics,
			Signals:        sig,
			DispatchResult: campaign.Failed("authorization inbox unavailable: " + err.Error()),
			Outcome:        campaign.OutcomeDispatchFailed,
		})
		return finish(campaign.OutcomeDispatchFailed)
	}
	if found {
		outcome, done := o.settleAuthorization(ctx, p, res, st, metrics, sig)
		if done {
			return finish(outcome)
		}
	}

	history := o.deps.Collector.History(campaignID, o.opts.HistorySize)

	dec, err := o.deps.Engine.Decide(engine.Input{State: st, History: history, Signals: sig, Now: now})
	if err != nil {
		p.log.Error().Err(err).Msg("invariant violation; campaign cycle aborted")
		o.record(ctx, p.log, campaign.FeedbackRecord{
			CycleID:        cycleID,
			CampaignID:     campaignID,
			Metrics:        metrics,
			Signals:        sig,
			DispatchResult: campaign.Failed(err.Error()),
			Outcome:        campaign.OutcomeInvariantViolation,
		})
		o.notify(ctx, alerting.Notification{Kind: alerting.KindInvariantViolation, CampaignID: campaignID, CycleID: cycleID, Reason: err.Error()})
		return finish(campaign.OutcomeInvariantViolation)
	}

	p.log.Debug().
		Str("action", string(dec.Action)).
		Str("budget_delta", dec.BudgetDelta.String()).
		Bool("requires_authorization", dec.RequiresAuthorization).
		Str("reason", dec.Reason).
		Msg("decision made")

	p.unlock = unlock
	p.state = st
	p.metrics = metrics
	p.signals = sig
	p.decision = &dec
	return p
}

// settleAuthorization acts on an operator verdict left from an earlier cycle.
// metrics and sig belong to the current cycle. done reports whether the
// campaign's cycle ends here.
func (o *Orchestrator) settleAuthorization(ctx context.Context, p *plan, res gate.Resolution, st campaign.State, metrics *campaign.MetricSample, sig *campaign.SignalSnapshot) (campaign.Outcome, bool) {
	entry := res.Entry
	dec := entry.Decision

	waiting := res.Verdict == gate.VerdictPending || res.Verdict == gate.VerdictApproved
	if waiting && dec.Action != campaign.ActionPause && o.deps.Engine.Preempts(st, sig, p.now) {
		reason := fmt.Sprintf("superseded by anomaly %q (confidence %.2f)", sig.Anomaly.Type, sig.Anomaly.Confidence)
		p.log.Warn().Str("key", entry.Key).Str("verdict", string(res.Verdict)).Msg("authorization superseded by anomaly")
		o.record(ctx, p.log, campaign.FeedbackRecord{
			CycleID:        dec.CycleID,
			CampaignID:     p.campaignID,
			Metrics:        entry.Metrics,
			Signals:        entry.Signals,
			Decision:       &dec,
			DispatchResult: campaign.Failed(reason),
			Outcome:        campaign.OutcomeRejected,
		})
		o.settle(ctx, p.log, entry.Key)
		return "", false
	}

	switch res.Verdict {
	case gate.VerdictPending:
		o.record(ctx, p.log, campaign.FeedbackRecord{
			CycleID:        p.cycleID,
			CampaignID:     p.campaignID,
			Metrics:        metrics,
			Signals:        sig,
			DispatchResult: campaign.Failed("awaiting authorization of " + entry.Key),
			Outcome:        campaign.OutcomePendingAuthorization,
		})
		return campaign.OutcomePendingAuthorization, true

	case gate.VerdictApproved:
		approvedAt := p.now
		if entry.ResolvedAt != nil {
			approvedAt = *entry.ResolvedAt
		}
		_, outcome := o.dispatch(ctx, p.log, dec.CycleID, dispatch.Authorized{
			Decision:   dec,
			Signals:    entry.Signals,
			ApprovedBy: entry.Actor,
			ApprovedAt: approvedAt,
		}, entry.Metrics, entry.Signals)
		o.settle(ctx, p.log, entry.Key)
		o.record(ctx, p.log, campaign.FeedbackRecord{
			CycleID:        p.cycleID,
			CampaignID:     p.campaignID,
			Metrics:        metrics,
			Signals:        sig,
			DispatchResult: campaign.DispatchResult{Success: true, Error: "sample only; cycle dispatched approved " + entry.Key},
			Outcome:        campaign.OutcomeHeld,
		})
		return outcome, true

	case gate.VerdictRejected, gate.VerdictExpired:
		outcome := campaign.OutcomeRejected
		reason := fmt.Sprintf("rejected by %s", entry.Actor)
		if entry.Note != "" {
			reason += ": " + entry.Note
		}
		if res.Verdict == gate.VerdictExpired {
			outcome = campaign.OutcomeAuthorizationExpired
			reason = fmt.Sprintf("%s after %s", campaign.ErrAuthorizationExpired, p.now.Sub(entry.SubmittedAt).Round(time.Minute))
		}
		o.record(ctx, p.log, campaign.FeedbackRecord{
			CycleID:        dec.CycleID,
			CampaignID:     p.campaignID,
			Metrics:        entry.Metrics,
			Signals:        entry.Signals,
			Decision:       &dec,
			DispatchResult: campaign.Failed(reason),
			Outcome:        outcome,
		})
		o.settle(ctx, p.log, entry.Key)
		return outcome, false
	}
	return "", false
}

// allocate reconciles concurrent scale-ups with the shared budget cap. The
// headroom is measured after prepare, so approved decisions dispatched there
// are counted, and scale-ups still waiting on an operator stay reserved.
func (o *Orchestrator) allocate(ctx context.Context, log zerolog.Logger, plans []*plan, managed []campaign.State) {
	limit := o.deps.Engine.Config().SharedBudgetCap
	if !limit.IsPositive() {
		return
	}

	current, err := o.deps.States.List(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not reload campaign budgets; using cycle-start snapshot")
		current = managed
	}
	total := decimal.Zero
	for _, st := range current {
		if st.Status != campaign.StatusTerminated {
			total = total.Add(st.DailyBudget)
		}
	}

	reserved := decimal.Zero
	outstanding, err := o.deps.Gate.Pending(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not list pending authorizations; scale-ups held this cycle")
		reserved = limit
	}
	for _, e := range outstanding {
		if e.Decision.Action == campaign.ActionScaleUp {
			reserved = reserved.Add(e.Decision.BudgetDelta)
		}
	}
	headroom := limit.Sub(total).Sub(reserved)
	log.Debug().
		Str("cap", limit.String()).
		Str("committed", total.String()).
		Str("reserved", reserved.String()).
		Msg("shared budget headroom")

	var (
		idx   []int
		cands []engine.Candidate
	)
	for i, p := range plans {
		if p.decision == nil {
			continue
		}
		affinity := 0.0
		if p.signals != nil {
			affinity = p.signals.Affinity.Score
		}
		idx = append(idx, i)
		cands = append(cands, engine.Candidate{Decision: *p.decision, Affinity: affinity})
	}
	if len(cands) == 0 {
		return
	}

	allocated := o.deps.Engine.Allocate(cands, headroom)
	for j, i := range idx {
		d := allocated[j]
		plans[i].decision = &d
	}
}

// execute authorizes and dispatches a decision, then releases the campaign lock.
func (o *Orchestrator) execute(ctx context.Context, p *plan) {
	defer p.unlock()

	dec := *p.decision
	verdict, err := o.deps.Gate.Authorize(ctx, dec, p.signals, p.metrics)
	if err != nil {
		p.log.Error().Err(err).Msg("authorization gate failed")
		o.record(ctx, p.log, campaign.FeedbackRecord{
			CycleID:        p.cycleID,
			CampaignID:     p.campaignID,
			Metrics:        p.metrics,
			Signals:        p.signals,
			Decision:       &dec,
			DispatchResult: campaign.Failed("authorization gate: " + err.Error()),
			Outcome:        campaign.OutcomeDispatchFailed,
		})
		p.outcome = campaign.OutcomeDispatchFailed
		return
	}

	if verdict == gate.VerdictPending {
		o.record(ctx, p.log, campaign.FeedbackRecord{
			CycleID:        p.cycleID,
			CampaignID:     p.campaignID,
			Metrics:        p.metrics,
			Signals:        p.signals,
			Decision:       &dec,
			DispatchResult: campaign.Failed("awaiting operator authorization"),
			Outcome:        campaign.OutcomePendingAuthorization,
		})
		p.outcome = campaign.OutcomePendingAuthorization
		return
	}

	_, p.outcome = o.dispatch(ctx, p.log, p.cycleID, dispatch.Authorized{
		Decision:   dec,
		Signals:    p.signals,
		ApprovedBy: string(campaign.OriginEngine),
		ApprovedAt: p.now,
	}, p.metrics, p.signals)
}

// dispatch sends an authorized decision to the platforms and records the outcome.
func (o *Orchestrator) dispatch(ctx context.Context, log zerolog.Logger, cycleID string, a dispatch.Authorized, metrics *campaign.MetricSample, sig *campaign.SignalSnapshot) (dispatch.Report, campaign.Outcome) {
	dec := a.Decision
	report, err := o.deps.Dispatcher.Dispatch(ctx, a)

	rec := campaign.FeedbackRecord{
		CycleID:        cycleID,
		CampaignID:     dec.CampaignID,
		Metrics:        metrics,
		Signals:        sig,
		Decision:       &dec,
		DispatchResult: report.Result,
	}
	switch {
	case report.Duplicate:
		rec.Outcome = campaign.OutcomeDuplicate
	case err != nil && campaign.IsInvariantViolation(err):
		rec.Outcome = campaign.OutcomeInvariantViolation
		log.Error().Err(err).Str("action", string(dec.Action)).Msg("invariant violation; state left unchanged")
		o.notify(ctx, alerting.Notification{Kind: alerting.KindInvariantViolation, CampaignID: dec.CampaignID, CycleID: cycleID, Action: string(dec.Action), Reason: err.Error()})
	case err != nil:
		rec.Outcome = campaign.OutcomeDispatchFailed
		log.Warn().Err(err).Str("action", string(dec.Action)).Msg("dispatch failed")
		o.notify(ctx, alerting.Notification{
			Kind:        alerting.KindDispatchFailed,
			CampaignID:  dec.CampaignID,
			CycleID:     cycleID,
			Action:      string(dec.Action),
			BudgetDelta: dec.BudgetDelta,
			Reason:      report.Result.Error,
			Key:         dec.Key().String(),
		})
	case dec.Action == campaign.ActionHold:
		rec.Applied = true
		rec.Outcome = campaign.OutcomeHeld
	default:
		rec.Applied = true
		rec.Outcome = campaign.OutcomeApplied
	}

	o.record(ctx, log, rec)
	return report, rec.Outcome
}

func (o *Orchestrator) record(ctx context.Context, log zerolog.Logger, rec campaign.FeedbackRecord) {
	if _, err := o.deps.Recorder.Record(ctx, rec); err != nil {
		log.Error().Err(err).Str("outcome", string(rec.Outcome)).Msg("failed to record feedback")
	}
}

func (o *Orchestrator) settle(ctx context.Context, log zerolog.Logger, key string) {
	if err := o.deps.Gate.Settle(ctx, key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to settle authorization")
	}
}
