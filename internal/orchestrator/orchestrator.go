package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"campaign-loop/internal/alerting"
	"campaign-loop/internal/campaign"
	"campaign-loop/internal/dispatch"
	"campaign-loop/internal/engine"
	"campaign-loop/internal/gate"
	"campaign-loop/internal/ledger"
	"campaign-loop/internal/scheduler"
	"campaign-loop/internal/signals"
	"campaign-loop/internal/state"
	"campaign-loop/internal/storage"
)

// MetricsCollector gathers samples and keeps the trailing window the engine reads.
type MetricsCollector interface {
	Collect(ctx context.Context, campaignID, cycleID string) (campaign.MetricSample, error)
	History(campaignID string, n int) []campaign.MetricSample
	Seed(campaignID string, samples []campaign.MetricSample)
}

// Deps are the components one control loop is built from.
type Deps struct {
	Collector  MetricsCollector
	Evaluator  signals.Evaluator
	Engine     *engine.Engine
	Gate       *gate.Gate
	Dispatcher *dispatch.Dispatcher
	Recorder   *ledger.Recorder
	States     state.Store
	// Notifier and Locker are optional.
	Notifier alerting.Notifier
	Locker   storage.AdvisoryLocker
}

// Options tune the orchestrator.
type Options struct {
	MaxConcurrency int
	// LockKey is the advisory lock guarding RunCycle across replicas; zero disables it.
	LockKey     int64
	HistorySize int
	Now         func() time.Time
	NewCycleID  func() string
}

// Orchestrator runs control cycles over every managed campaign.
type Orchestrator struct {
	deps   Deps
	opts   Options
	locks  *keyedLocks
	logger zerolog.Logger
}

// New validates deps and builds an Orchestrator.
func New(deps Deps, opts Options, logger zerolog.Logger) (*Orchestrator, error) {
	switch {
	case deps.Collector == nil:
		return nil, errors.New("orchestrator: collector is required")
	case deps.Evaluator == nil:
		return nil, errors.New("orchestrator: evaluator is required")
	case deps.Engine == nil:
		return nil, errors.New("orchestrator: engine is required")
	case deps.Gate == nil:
		return nil, errors.New("orchestrator: gate is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("orchestrator: dispatcher is required")
	case deps.Recorder == nil:
		return nil, errors.New("orchestrator: recorder is required")
	case deps.States == nil:
		return nil, errors.New("orchestrator: state store is required")
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 10
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 16
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewCycleID == nil {
		opts.NewCycleID = uuid.NewString
	}
	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		locks:  newKeyedLocks(),
		logger: logger.With().Str("component", "orchestrator").Logger(),
	}, nil
}

// Run drives RunCycle from the scheduler until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, sched *scheduler.Scheduler) error {
	if sched == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		_, err := o.RunCycle(ctx)
		return err
	})
}

// Warm seeds the collector's trailing windows from the ledger so trend rules
// work immediately after a restart.
func (o *Orchestrator) Warm(ctx context.Context) error {
	states, err := o.deps.States.List(ctx)
	if err != nil {
		return fmt.Errorf("list campaigns: %w", err)
	}
	for _, st := range states {
		samples, err := o.deps.Recorder.Store().RecentSamples(ctx, st.CampaignID, o.opts.HistorySize)
		if err != nil {
			return fmt.Errorf("load history for %s: %w", st.CampaignID, err)
		}
		if len(samples) > 0 {
			o.deps.Collector.Seed(st.CampaignID, samples)
		}
	}
	o.logger.Info().Int("campaigns", len(states)).Msg("history warmed from ledger")
	return nil
}

// Stop terminates a campaign. Terminated campaigns are never cycled again.
func (o *Orchestrator) Stop(ctx context.Context, campaignID, actor, reason string) (campaign.State, error) {
	st, err := o.operate(ctx, campaignID, campaign.ActionPause, true, actor, reason)
	if err != nil {
		return st, err
	}
	o.notify(ctx, alerting.Notification{
		Kind:       alerting.KindCampaignStopped,
		CampaignID: campaignID,
		Action:     string(campaign.ActionPause),
		Reason:     reason,
		Detail:     "stopped by " + actor,
	})
	return st, nil
}

// Pause halts delivery until an operator resumes it.
func (o *Orchestrator) Pause(ctx context.Context, campaignID, actor, reason string) (campaign.State, error) {
	return o.operate(ctx, campaignID, campaign.ActionPause, false, actor, reason)
}

// Resume restarts a paused or cooling-down campaign.
func (o *Orchestrator) Resume(ctx context.Context, campaignID, actor, reason string) (campaign.State, error) {
	return o.operate(ctx, campaignID, campaign.ActionResume, false, actor, reason)
}

func (o *Orchestrator) operate(ctx context.Context, campaignID string, action campaign.Action, terminate bool, actor, reason string) (campaign.State, error) {
	unlock, err := o.locks.Lock(ctx, campaignID)
	if err != nil {
		return campaign.State{}, fmt.Errorf("wait for campaign lock: %w", err)
	}
	defer unlock()

	st, err := o.deps.States.Get(ctx, campaignID)
	if err != nil {
		return campaign.State{}, fmt.Errorf("load campaign %s: %w", campaignID, err)
	}
	if st.Status == campaign.StatusTerminated {
		return st, campaign.ErrTerminated
	}

	if actor == "" {
		actor = "operator"
	}
	if reason == "" {
		reason = string(action)
	}
	cycleID := "operator-" + o.opts.NewCycleID()
	now := o.opts.Now().UTC()
	dec := campaign.Decision{
		CampaignID: campaignID,
		CycleID:    cycleID,
		Timestamp:  now,
		Action:     action,
		Reason:     fmt.Sprintf("%s (by %s)", reason, actor),
		Origin:     campaign.OriginOperator,
		Terminate:  terminate,
	}

	log := o.logger.With().Str("campaign_id", campaignID).Str("cycle_id", cycleID).Str("actor", actor).Logger()
	report, outcome := o.dispatch(ctx, log, cycleID, dispatch.Authorized{Decision: dec, ApprovedBy: actor, ApprovedAt: now}, nil, nil)
	if outcome != campaign.OutcomeApplied {
		if report.Result.Error != "" {
			return st, fmt.Errorf("%s campaign %s: %s", action, campaignID, report.Result.Error)
		}
		return st, fmt.Errorf("%s campaign %s: %s", action, campaignID, outcome)
	}

	if terminate {
		o.discardPending(ctx, log, campaignID, cycleID, "campaign stopped")
	}
	log.Info().Str("status", string(report.State.Status)).Msg("operator action applied")
	return report.State, nil
}

// discardPending rejects an outstanding authorization that can no longer apply.
func (o *Orchestrator) discardPending(ctx context.Context, log zerolog.Logger, campaignID, cycleID, why string) {
	res, ok, err := o.deps.Gate.Resolve(ctx, campaignID)
	if err != nil || !ok {
		return
	}
	dec := res.Entry.Decision
	o.record(ctx, log, campaign.FeedbackRecord{
		CycleID:        cycleID,
		CampaignID:     campaignID,
		Decision:       &dec,
		DispatchResult: campaign.Failed("authorization discarded: " + why),
		Outcome:        campaign.OutcomeRejected,
	})
	if err := o.deps.Gate.Settle(ctx, res.Entry.Key); err != nil {
		log.Warn().Err(err).Msg("failed to settle discarded authorization")
	}
}

func (o *Orchestrator) notify(ctx context.Context, note alerting.Notification) {
	if o.deps.Notifier == nil {
		return
	}
	if note.At.IsZero() {
		note.At = o.opts.Now().UTC()
	}
	if err := o.deps.Notifier.Notify(ctx, note); err != nil {
		o.logger.Warn().Err(err).Str("kind", string(note.Kind)).Msg("operator notification failed")
	}
}

func (o *Orchestrator) acquireLock(ctx context.Context) (func(), bool, error) {
	if o.opts.LockKey == 0 || o.deps.Locker == nil {
		return func() {}, true, nil
	}
	unlock, acquired, err := o.deps.Locker.TryAdvisoryLock(ctx, o.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
