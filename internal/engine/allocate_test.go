package engine

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"campaign-loop/internal/campaign"
)

func scaleUp(id string, delta int64) campaign.Decision {
	return campaign.Decision{CampaignID: id, Action: campaign.ActionScaleUp, BudgetDelta: decimal.NewFromInt(delta), Reason: "roas rising"}
}

func TestAllocatePrefersHigherAffinity(t *testing.T) {
	eng := newTestEngine(t)
	out := eng.Allocate([]Candidate{
		{Decision: scaleUp("a", 30), Affinity: 0.2},
		{Decision: scaleUp("b", 30), Affinity: 0.9},
	}, decimal.NewFromInt(30))

	assert.Equal(t, campaign.ActionHold, out[0].Action)
	assert.Equal(t, "shared budget cap exhausted", out[0].Reason)
	assert.Equal(t, campaign.ActionScaleUp, out[1].Action)
	assert.True(t, out[1].BudgetDelta.Equal(decimal.NewFromInt(30)))
}

func TestAllocateTieBreaksOnCampaignID(t *testing.T) {
	eng := newTestEngine(t)
	out := eng.Allocate([]Candidate{
		{Decision: scaleUp("zeta", 20), Affinity: 0.5},
		{Decision: scaleUp("alpha", 20), Affinity: 0.5},
	}, decimal.NewFromInt(25))

	assert.True(t, out[1].BudgetDelta.Equal(decimal.NewFromInt(20)), "alpha funded first")
	assert.Equal(t, campaign.ActionScaleUp, out[0].Action)
	assert.True(t, out[0].BudgetDelta.Equal(decimal.NewFromInt(5)), "zeta gets the remainder")
}

func TestAllocateIgnoresOtherActionsAndRechecksAuthorization(t *testing.T) {
	eng := newTestEngine(t)
	hold := campaign.Decision{CampaignID: "h", Action: campaign.ActionHold}
	out := eng.Allocate([]Candidate{
		{Decision: hold},
		{Decision: campaign.Decision{CampaignID: "big", Action: campaign.ActionScaleUp, BudgetDelta: decimal.NewFromInt(150), RequiresAuthorization: true}},
	}, decimal.NewFromInt(80))

	assert.Equal(t, hold, out[0])
	assert.True(t, out[1].BudgetDelta.Equal(decimal.NewFromInt(80)))
	assert.False(t, out[1].RequiresAuthorization)
}
