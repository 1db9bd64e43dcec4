package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"campaign-loop/internal/campaign"
)

var transitions = map[campaign.Status][]campaign.Status{
	campaign.StatusActive:      {campaign.StatusActive, campaign.StatusScaling, campaign.StatusCoolingDown, campaign.StatusPaused},
	campaign.StatusScaling:     {campaign.StatusActive, campaign.StatusScaling, campaign.StatusCoolingDown, campaign.StatusPaused},
	campaign.StatusCoolingDown: {campaign.StatusActive, campaign.StatusCoolingDown, campaign.StatusPaused},
	campaign.StatusPaused:      {campaign.StatusActive, campaign.StatusPaused, campaign.StatusTerminated},
	campaign.StatusTerminated:  nil,
}

// CanTransition reports whether from -> to is an edge of the campaign state machine.
func CanTransition(from, to campaign.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Apply returns the state that results from successfully dispatching d.
// It never mutates st and rejects any move outside the state machine.
func Apply(st campaign.State, d campaign.Decision, now time.Time) (campaign.State, error) {
	if d.CampaignID != st.CampaignID {
		return st, campaign.Violation(st.CampaignID, "decision targets campaign %q", d.CampaignID)
	}
	if st.Status == campaign.StatusTerminated {
		return st, campaign.Violation(st.CampaignID, "campaign is terminated")
	}

	next := st
	path := []campaign.Status{}

	switch d.Action {
	case campaign.ActionHold:
		if st.Status == campaign.StatusScaling {
			path = append(path, campaign.StatusActive)
		} else {
			path = append(path, st.Status)
		}
	case campaign.ActionScaleUp, campaign.ActionScaleDown:
		if d.Action == campaign.ActionScaleUp && st.CoolingDownAt(now) {
			return st, campaign.Violation(st.CampaignID, "scale_up while cooling down until %s", st.CooldownUntil.Format(time.RFC3339))
		}
		budget := st.DailyBudget.Add(d.BudgetDelta)
		if budget.IsNegative() {
			budget = decimal.Zero
		}
		next.DailyBudget = budget
		path = append(path, campaign.StatusScaling)
	case campaign.ActionPause:
		switch {
		case d.Origin == campaign.OriginOperator && d.Terminate:
			if st.Status != campaign.StatusPaused {
				path = append(path, campaign.StatusPaused)
			}
			path = append(path, campaign.StatusTerminated)
			next.CooldownUntil = nil
		case d.Origin == campaign.OriginOperator:
			path = append(path, campaign.StatusPaused)
			next.CooldownUntil = nil
		default:
			until := now
			if d.CooldownUntil != nil {
				until = d.CooldownUntil.UTC()
			}
			next.CooldownUntil = &until
			path = append(path, campaign.StatusCoolingDown)
		}
	case campaign.ActionResume:
		if st.CoolingDownAt(now) && d.Origin != campaign.OriginOperator {
			return st, campaign.Violation(st.CampaignID, "resume before cooldown elapsed")
		}
		next.CooldownUntil = nil
		path = append(path, campaign.StatusActive)
	default:
		return st, campaign.Violation(st.CampaignID, "unknown action %q", d.Action)
	}

	from := st.Status
	for _, to := range path {
		if !CanTransition(from, to) {
			return st, campaign.Violation(st.CampaignID, "illegal transition %s -> %s", from, to)
		}
		from = to
	}

	next.Status = from
	next.LastDecisionAt = d.Timestamp
	next.Version = st.Version + 1
	next.UpdatedAt = now.UTC()
	return next, nil
}
