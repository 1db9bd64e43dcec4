package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"campaign-loop/internal/campaign"
)

// Input is everything one decision is derived from.
type Input struct {
	State campaign.State
	// History holds trailing samples, oldest first; the last one belongs to the current cycle.
	History []campaign.MetricSample
	// Signals is nil when the evaluators were unavailable.
	Signals *campaign.SignalSnapshot
	Now     time.Time
}

// Engine turns metrics and signals into decisions. It performs no I/O.
type Engine struct {
	cfg Config
}

// New validates cfg and builds an Engine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	return &Engine{cfg: cfg}, nil
}

// Config returns a copy of the engine tuning.
func (e *Engine) Config() Config {
	return e.cfg
}

// Decide computes the decision for one campaign.
func (e *Engine) Decide(in Input) (campaign.Decision, error) {
	st := in.State
	if len(in.History) == 0 {
		return campaign.Decision{}, campaign.Violation(st.CampaignID, "no metric sample for cycle")
	}
	current := in.History[len(in.History)-1]
	if current.CampaignID != st.CampaignID {
		return campaign.Decision{}, campaign.Violation(st.CampaignID, "sample belongs to campaign %q", current.CampaignID)
	}
	if in.Signals != nil {
		if in.Signals.CampaignID != st.CampaignID {
			return campaign.Decision{}, campaign.Violation(st.CampaignID, "signals belong to campaign %q", in.Signals.CampaignID)
		}
		if in.Signals.CycleID != current.CycleID {
			return campaign.Decision{}, campaign.Violation(st.CampaignID, "signal cycle %s does not match metric cycle %s", in.Signals.CycleID, current.CycleID)
		}
	}

	d := campaign.Decision{
		CampaignID:  st.CampaignID,
		CycleID:     current.CycleID,
		Timestamp:   in.Now.UTC(),
		Action:      campaign.ActionHold,
		BudgetDelta: decimal.Zero,
		Origin:      campaign.OriginEngine,
	}

	switch {
	case st.Status == campaign.StatusTerminated:
		d.Reason = "campaign terminated"
	case st.Status == campaign.StatusPaused:
		d.Reason = "paused by operator"
	case in.Signals == nil:
		d.Reason = "signal evaluation unavailable"
	case e.Preempts(st, in.Signals, in.Now):
		until := in.Now.Add(in.Signals.Anomaly.Cooldown()).UTC()
		d.Action = campaign.ActionPause
		d.CooldownUntil = &until
		d.Reason = fmt.Sprintf("anomaly %q detected (confidence %.2f)", in.Signals.Anomaly.Type, in.Signals.Anomaly.Confidence)
		d.RequiresAuthorization = st.DailyBudget.GreaterThan(e.cfg.PauseAuthorizationBudget)
	case st.CoolingDownAt(in.Now):
		d.Reason = fmt.Sprintf("cooling down until %s", st.CooldownUntil.UTC().Format(time.RFC3339))
	case st.Status == campaign.StatusCoolingDown:
		d.Action = campaign.ActionResume
		d.Reason = "cooldown elapsed"
	default:
		e.decideTrend(&d, st, in.History)
	}

	if d.BudgetDelta.Abs().GreaterThan(e.cfg.SpendSafetyThreshold) {
		d.RequiresAuthorization = true
	}
	return d, nil
}

func (e *Engine) decideTrend(d *campaign.Decision, st campaign.State, history []campaign.MetricSample) {
	if len(history) < e.cfg.TrendWindow {
		d.Reason = fmt.Sprintf("insufficient history (%d of %d samples)", len(history), e.cfg.TrendWindow)
		return
	}
	window := history[len(history)-e.cfg.TrendWindow:]
	latest := window[len(window)-1].ROAS
	rising := strictlyRising(window)

	switch {
	case rising && latest.GreaterThanOrEqual(e.cfg.UpperROAS):
		headroom := e.maxBudget(st).Sub(st.DailyBudget)
		if !headroom.IsPositive() {
			d.Reason = "budget cap reached"
			return
		}
		delta := decimal.Min(st.DailyBudget.Mul(e.cfg.ScaleFactor), headroom).Round(2)
		if !delta.IsPositive() {
			d.Reason = "scale step rounds to zero"
			return
		}
		d.Action = campaign.ActionScaleUp
		d.BudgetDelta = delta
		d.Reason = fmt.Sprintf("roas rising to %s", latest.StringFixed(2))
	case !rising && latest.LessThan(e.cfg.LowerROAS):
		delta := st.DailyBudget.Mul(e.cfg.ReduceFactor).Round(2).Neg()
		if delta.IsZero() {
			d.Reason = "budget already exhausted"
			return
		}
		d.Action = campaign.ActionScaleDown
		d.BudgetDelta = delta
		d.Reason = fmt.Sprintf("roas degraded to %s", latest.StringFixed(2))
	default:
		d.Reason = fmt.Sprintf("roas %s within band", latest.StringFixed(2))
	}
}

// Preempts reports whether sig forces an anomaly pause. Such a pause
// supersedes any decision of st still waiting on an operator.
func (e *Engine) Preempts(st campaign.State, sig *campaign.SignalSnapshot, now time.Time) bool {
	switch {
	case sig == nil || !sig.Anomaly.Detected:
		return false
	case st.Status == campaign.StatusTerminated || st.Status == campaign.StatusPaused:
		return false
	}
	return !st.CoolingDownAt(now)
}

// RequiresAuthorization re-evaluates the spend-safety rule for a delta.
func (e *Engine) RequiresAuthorization(delta decimal.Decimal) bool {
	return delta.Abs().GreaterThan(e.cfg.SpendSafetyThreshold)
}

func (e *Engine) maxBudget(st campaign.State) decimal.Decimal {
	if st.MaxDailyBudget.IsPositive() {
		return st.MaxDailyBudget
	}
	return e.cfg.MaxDailyBudget
}

func strictlyRising(window []campaign.MetricSample) bool {
	for i := 1; i < len(window); i++ {
		if !window[i].ROAS.GreaterThan(window[i-1].ROAS) {
			return false
		}
	}
	return true
}
