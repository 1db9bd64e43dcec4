package engine

import (
	"sort"

	"github.com/shopspring/decimal"

	"campaign-loop/internal/campaign"
)

// Candidate is a scale-up competing for shared budget headroom.
type Candidate struct {
	Decision campaign.Decision
	Affinity float64
}

// Allocate distributes headroom across scale-up candidates. Higher affinity wins,
// ties go to the lexicographically lower campaign id. Candidates that cannot be
// funded are downgraded to hold; a partially funded one keeps the remainder.
// The result is ordered like the input.
func (e *Engine) Allocate(cands []Candidate, headroom decimal.Decimal) []campaign.Decision {
	order := make([]int, len(cands))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ca, cb := cands[order[a]], cands[order[b]]
		if ca.Affinity != cb.Affinity {
			return ca.Affinity > cb.Affinity
		}
		return ca.Decision.CampaignID < cb.Decision.CampaignID
	})

	out := make([]campaign.Decision, len(cands))
	remaining := headroom
	for _, idx := range order {
		d := cands[idx].Decision
		if d.Action != campaign.ActionScaleUp {
			out[idx] = d
			continue
		}
		switch {
		case !remaining.IsPositive():
			d.Action = campaign.ActionHold
			d.BudgetDelta = decimal.Zero
			d.Reason = "shared budget cap exhausted"
		case d.BudgetDelta.GreaterThan(remaining):
			d.BudgetDelta = remaining
			d.Reason += "; trimmed to shared budget cap"
			remaining = decimal.Zero
		default:
			remaining = remaining.Sub(d.BudgetDelta)
		}
		d.RequiresAuthorization = d.Action == campaign.ActionScaleUp && e.RequiresAuthorization(d.BudgetDelta)
		out[idx] = d
	}
	return out
}
