package state

import (
	"fmt"

	"campaign-loop/internal/campaign"
)

func validate(st campaign.State) error {
	if st.CampaignID == "" {
		return fmt.Errorf("campaign id is required")
	}
	if !st.Status.Valid() {
		return fmt.Errorf("campaign %s: unknown status %q", st.CampaignID, st.Status)
	}
	if st.DailyBudget.IsNegative() {
		return fmt.Errorf("campaign %s: daily budget cannot be negative", st.CampaignID)
	}
	if st.MaxDailyBudget.IsNegative() {
		return fmt.Errorf("campaign %s: max daily budget cannot be negative", st.CampaignID)
	}
	return nil
}
