package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"campaign-loop/internal/campaign"
	"campaign-loop/internal/engine"
)

// AppliedChecker answers whether a decision already took effect.
type AppliedChecker interface {
	HasApplied(ctx context.Context, campaignID string, decisionTS time.Time) (bool, error)
}

// StateStore is the dispatcher's view of campaign state. The dispatcher is its only writer.
type StateStore interface {
	Get(ctx context.Context, campaignID string) (campaign.State, error)
	Save(ctx context.Context, st campaign.State) error
}

// Authorized is a decision cleared by the authorization gate.
type Authorized struct {
	Decision   campaign.Decision
	Signals    *campaign.SignalSnapshot
	ApprovedBy string
	ApprovedAt time.Time
}

// Report describes what one dispatch did.
type Report struct {
	Result    campaign.DispatchResult
	Applied   bool
	Duplicate bool
	State     campaign.State
}

// Options tune the dispatcher.
type Options struct {
	Retry               RetryPolicy
	MinTimingConfidence float64
	// RememberFor bounds how long applied keys are remembered in process.
	RememberFor time.Duration
	Now         func() time.Time
}

// Dispatcher fans approved decisions out to platform executors.
type Dispatcher struct {
	targets []Target
	ledger  AppliedChecker
	states  StateStore
	opts    Options
	logger  zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	done     map[string]time.Time
	// owed holds compensations that could not be delivered, per campaign.
	owed map[string][]call
}

// New constructs a Dispatcher.
func New(targets []Target, ledger AppliedChecker, states StateStore, opts Options, logger zerolog.Logger) *Dispatcher {
	if opts.Retry.Attempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.MinTimingConfidence <= 0 {
		opts.MinTimingConfidence = 0.5
	}
	if opts.RememberFor <= 0 {
		opts.RememberFor = 72 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		targets:  targets,
		ledger:   ledger,
		states:   states,
		opts:     opts,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		inflight: make(map[string]struct{}),
		done:     make(map[string]time.Time),
		owed:     make(map[string][]call),
	}
}

// Dispatch applies an authorized decision at most once per (campaign_id, timestamp).
// On failure the campaign state is left untouched.
func (d *Dispatcher) Dispatch(ctx context.Context, a Authorized) (Report, error) {
	dec := a.Decision
	key := dec.Key().String()
	log := d.logger.With().Str("campaign_id", dec.CampaignID).Str("cycle_id", dec.CycleID).Str("action", string(dec.Action)).Logger()

	if !d.claim(key) {
		log.Warn().Str("key", key).Msg("decision already dispatched or in flight")
		return duplicateReport(), nil
	}
	applied := false
	defer func() { d.release(key, applied) }()

	if d.ledger != nil {
		seen, err := d.ledger.HasApplied(ctx, dec.CampaignID, dec.Timestamp)
		if err != nil {
			return Report{Result: campaign.Failed("idempotency check failed: " + err.Error())}, fmt.Errorf("check ledger: %w", err)
		}
		if seen {
			log.Warn().Str("key", key).Msg("decision already applied according to ledger")
			applied = true
			return duplicateReport(), nil
		}
	}

	if err := d.repay(ctx, dec.CampaignID); err != nil {
		log.Warn().Err(err).Msg("earlier rollback still outstanding; decision not dispatched")
		return Report{Result: campaign.Failed(err.Error())}, err
	}

	st, err := d.states.Get(ctx, dec.CampaignID)
	if err != nil {
		return Report{Result: campaign.Failed("load campaign state: " + err.Error())}, fmt.Errorf("load state: %w", err)
	}

	now := d.opts.Now().UTC()
	next, err := engine.Apply(st, dec, now)
	if err != nil {
		return Report{Result: campaign.Failed(err.Error()), State: st}, err
	}

	calls, err := d.calls(dec)
	if err != nil {
		return Report{Result: campaign.Failed(err.Error()), State: st}, err
	}
	result, err := d.execute(ctx, dec, calls)
	if err != nil {
		log.Warn().Err(err).Int("attempts", result.Attempts).Msg("dispatch failed; campaign state unchanged")
		return Report{Result: result, State: st}, err
	}

	if err := d.states.Save(ctx, next); err != nil {
		d.rollback(ctx, dec.CampaignID, calls, &result)
		result.Success = false
		result.Error = "persist campaign state: " + err.Error()
		log.Error().Err(err).Msg("campaign state could not be saved; platform changes rolled back")
		return Report{Result: result, State: st}, fmt.Errorf("save state: %w", err)
	}
	applied = true

	if shouldPublish(dec) {
		d.publish(ctx, dec, a.Signals, now, &result)
	}

	log.Info().
		Str("status", string(next.Status)).
		Str("daily_budget", next.DailyBudget.String()).
		Int("attempts", result.Attempts).
		Msg("decision applied")
	return Report{Result: result, Applied: true, State: next}, nil
}

// calls builds one executor call per target capable of dec's action, each
// paired with the call that undoes it.
func (d *Dispatcher) calls(dec campaign.Decision) ([]call, error) {
	var calls []call
	switch dec.Action {
	case campaign.ActionHold:
		return nil, nil
	case campaign.ActionScaleUp, campaign.ActionScaleDown:
		for _, t := range d.targets {
			if t.budget == nil {
				continue
			}
			budget := t.budget
			calls = append(calls, call{
				target:     t.Name,
				capability: capabilityBudget,
				fn: func(ctx context.Context) (json.RawMessage, error) {
					return budget.UpdateBudget(ctx, dec.CampaignID, dec.BudgetDelta)
				},
				undo: func(ctx context.Context) (json.RawMessage, error) {
					return budget.UpdateBudget(ctx, dec.CampaignID, dec.BudgetDelta.Neg())
				},
			})
		}
	case campaign.ActionPause, campaign.ActionResume:
		for _, t := range d.targets {
			if t.status == nil {
				continue
			}
			do, undo := t.status.Pause, t.status.Resume
			if dec.Action == campaign.ActionResume {
				do, undo = undo, do
			}
			calls = append(calls, call{
				target:     t.Name,
				capability: capabilityStatus,
				fn: func(ctx context.Context) (json.RawMessage, error) {
					return do(ctx, dec.CampaignID)
				},
				undo: func(ctx context.Context) (json.RawMessage, error) {
					return undo(ctx, dec.CampaignID)
				},
			})
		}
	default:
		return nil, campaign.Violation(dec.CampaignID, "unknown action %q", dec.Action)
	}

	if len(calls) == 0 {
		err := fmt.Errorf("no executor supports %s", dec.Action)
		return nil, &campaign.DispatchFailure{CampaignID: dec.CampaignID, Err: err}
	}
	return calls, nil
}

// execute runs calls in order. When a target fails, the targets that already
// accepted the decision are rolled back so that no platform keeps a change
// the campaign state does not reflect.
func (d *Dispatcher) execute(ctx context.Context, dec campaign.Decision, calls []call) (campaign.DispatchResult, error) {
	result := campaign.DispatchResult{Success: true}

	responses := make(map[string]json.RawMessage, len(calls))
	for i, c := range calls {
		tr := d.run(ctx, c)
		result.Targets = append(result.Targets, tr)
		result.Attempts += tr.Attempts
		if !tr.Success {
			d.rollback(ctx, dec.CampaignID, calls[:i], &result)
			result.Success = false
			result.Error = fmt.Sprintf("%s: %s", tr.Target, tr.Error)
			result.PlatformResponse = marshalResponses(responses)
			return result, &campaign.DispatchFailure{CampaignID: dec.CampaignID, Target: tr.Target, Attempts: tr.Attempts, Err: errors.New(tr.Error)}
		}
		if len(tr.Response) > 0 {
			responses[tr.Target] = tr.Response
		}
	}
	result.PlatformResponse = marshalResponses(responses)
	return result, nil
}

// rollback undoes accepted calls in reverse order. Undo calls that still fail
// are owed to the campaign and repaid before its next dispatch.
func (d *Dispatcher) rollback(ctx context.Context, campaignID string, accepted []call, result *campaign.DispatchResult) {
	var owed []call
	for i := len(accepted) - 1; i >= 0; i-- {
		undo := accepted[i].inverse()
		tr := d.run(ctx, undo)
		result.Targets = append(result.Targets, tr)
		result.Attempts += tr.Attempts
		if !tr.Success {
			d.logger.Error().
				Str("campaign_id", campaignID).
				Str("target", undo.target).
				Str("error", tr.Error).
				Msg("rollback failed; platform diverges from campaign state")
			owed = append(owed, undo)
		}
	}
	if len(owed) == 0 {
		return
	}
	d.mu.Lock()
	d.owed[campaignID] = append(d.owed[campaignID], owed...)
	d.mu.Unlock()
}

// repay delivers compensations owed to a campaign. Calls that fail again stay owed.
func (d *Dispatcher) repay(ctx context.Context, campaignID string) error {
	d.mu.Lock()
	owed := d.owed[campaignID]
	delete(d.owed, campaignID)
	d.mu.Unlock()
	if len(owed) == 0 {
		return nil
	}

	var (
		still []call
		last  campaign.TargetResult
	)
	for _, c := range owed {
		tr := d.run(ctx, c)
		if !tr.Success {
			still = append(still, c)
			last = tr
		}
	}
	if len(still) == 0 {
		d.logger.Info().Str("campaign_id", campaignID).Int("calls", len(owed)).Msg("outstanding rollback delivered")
		return nil
	}

	d.mu.Lock()
	d.owed[campaignID] = append(still, d.owed[campaignID]...)
	d.mu.Unlock()
	return &campaign.DispatchFailure{CampaignID: campaignID, Target: last.Target, Attempts: last.Attempts, Err: fmt.Errorf("rollback outstanding: %s", last.Error)}
}

type call struct {
	target     string
	capability string
	fn         func(context.Context) (json.RawMessage, error)
	undo       func(context.Context) (json.RawMessage, error)
}

func (c call) inverse() call {
	return call{target: c.target, capability: capabilityRollback, fn: c.undo}
}

func (d *Dispatcher) run(ctx context.Context, c call) campaign.TargetResult {
	var resp json.RawMessage
	attempts, err := d.opts.Retry.do(ctx, func(ctx context.Context) error {
		out, err := c.fn(ctx)
		if err != nil {
			d.logger.Debug().Err(err).Str("target", c.target).Msg("executor call failed")
			return err
		}
		resp = out
		return nil
	})

	tr := campaign.TargetResult{Target: c.target, Capability: c.capability, Attempts: attempts, Success: err == nil, Response: resp}
	if err != nil {
		tr.Error = err.Error()
	}
	return tr
}

func (d *Dispatcher) publish(ctx context.Context, dec campaign.Decision, sig *campaign.SignalSnapshot, now time.Time, result *campaign.DispatchResult) {
	at := d.publishAt(sig, now)
	for _, t := range d.targets {
		if t.publish == nil {
			continue
		}
		pub := t.publish
		tr := d.run(ctx, call{target: t.Name, capability: capabilityPublish, fn: func(ctx context.Context) (json.RawMessage, error) {
			return pub.Publish(ctx, PublishRequest{CampaignID: dec.CampaignID, CycleID: dec.CycleID, Action: string(dec.Action), PublishAt: at})
		}})
		result.Targets = append(result.Targets, tr)
		result.Attempts += tr.Attempts
		if !tr.Success {
			d.logger.Warn().Str("campaign_id", dec.CampaignID).Str("target", t.Name).Str("error", tr.Error).Msg("content publish failed")
		}
		result.PublishAt = &at
	}
}

// publishAt picks the next occurrence of the recommended hour when the timing
// model is confident enough, otherwise publishes immediately.
func (d *Dispatcher) publishAt(sig *campaign.SignalSnapshot, now time.Time) time.Time {
	if sig == nil || sig.Timing.Confidence < d.opts.MinTimingConfidence {
		return now
	}
	at := time.Date(now.Year(), now.Month(), now.Day(), sig.Timing.RecommendedHour, 0, 0, 0, time.UTC)
	if at.Before(now) {
		at = at.Add(24 * time.Hour)
	}
	return at
}

func shouldPublish(dec campaign.Decision) bool {
	return dec.Action == campaign.ActionScaleUp || dec.Action == campaign.ActionResume
}

func (d *Dispatcher) claim(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.opts.Now()
	for k, at := range d.done {
		if now.Sub(at) > d.opts.RememberFor {
			delete(d.done, k)
		}
	}
	if _, busy := d.inflight[key]; busy {
		return false
	}
	if _, seen := d.done[key]; seen {
		return false
	}
	d.inflight[key] = struct{}{}
	return true
}

func (d *Dispatcher) release(key string, applied bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.inflight, key)
	if applied {
		d.done[key] = d.opts.Now()
	}
}

func duplicateReport() Report {
	return Report{Result: campaign.DispatchResult{Success: true, Error: "duplicate dispatch suppressed"}, Duplicate: true}
}

func marshalResponses(responses map[string]json.RawMessage) json.RawMessage {
	if len(responses) == 0 {
		return nil
	}
	raw, err := json.Marshal(responses)
	if err != nil {
		return nil
	}
	return raw
}
