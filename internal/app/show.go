package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"campaign-loop/internal/campaign"
)

// Show prints recent ledger entries, newest first.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	rt, err := a.persistent(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	var records []campaign.FeedbackRecord
	if opts.CampaignID != "" {
		records, err = rt.ledger.ListByCampaign(ctx, opts.CampaignID, opts.Limit)
		reverse(records)
	} else {
		records, err = rt.ledger.Recent(ctx, opts.Limit)
	}
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(a.Out, "no ledger entries found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Seq\tRecorded (UTC)\tCampaign\tAction\tDelta\tROAS\tSpend\tOutcome\tReason")
	for _, rec := range records {
		action, delta, reason := "-", "-", ""
		if rec.Decision != nil {
			action = string(rec.Decision.Action)
			delta = formatDecimal(rec.Decision.BudgetDelta, 2)
			reason = rec.Decision.Reason
		}
		if rec.DispatchResult.Error != "" {
			reason = strings.TrimSpace(reason + " " + rec.DispatchResult.Error)
		}
		roas, spend := "-", "-"
		if rec.Metrics != nil {
			roas = formatDecimal(rec.Metrics.ROAS, 3)
			spend = formatDecimal(rec.Metrics.Spend, 2)
		}
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.Seq,
			rec.RecordedAt.UTC().Format(time.RFC3339),
			rec.CampaignID,
			action,
			delta,
			roas,
			spend,
			rec.Outcome,
			sanitizeInline(reason),
		)
	}
	return writer.Flush()
}

// Campaigns prints the control state of every managed campaign.
func (a *App) Campaigns(ctx context.Context) error {
	rt, err := a.persistent(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	states, err := rt.states.List(ctx)
	if err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Fprintln(a.Out, "no campaigns registered")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Campaign\tStatus\tBudget\tMax\tCooldown Until\tLast Decision\tVersion")
	for _, st := range states {
		cooldown := "-"
		if st.CooldownUntil != nil {
			cooldown = st.CooldownUntil.UTC().Format(time.RFC3339)
		}
		last := "-"
		if !st.LastDecisionAt.IsZero() {
			last = st.LastDecisionAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			st.CampaignID,
			st.Status,
			formatDecimal(st.DailyBudget, 2),
			formatDecimal(st.MaxDailyBudget, 2),
			cooldown,
			last,
			st.Version,
		)
	}
	return writer.Flush()
}

func reverse(records []campaign.FeedbackRecord) {
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
