package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"campaign-loop/internal/gate"
)

// RunCycle executes one control cycle and prints its summary as JSON.
func (a *App) RunCycle(ctx context.Context) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.orch.Warm(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("could not warm history from ledger")
	}
	summary, err := rt.orch.RunCycle(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

// openGate builds the authorization gate alone. Only a shared inbox is
// visible outside the running service.
func (a *App) openGate(ctx context.Context) (*gate.Gate, func(), error) {
	if a.Config.Gate.Backend != "redis" {
		return nil, nil, errors.New("gate.backend is memory; use the HTTP API of the running service")
	}
	rt := &runtime{}
	inbox, err := a.openInbox(ctx, rt)
	if err != nil {
		rt.Close()
		return nil, nil, err
	}
	g := gate.New(inbox, a.newNotifier(), gate.Options{Expiry: a.Config.Gate.Expiry}, a.Logger)
	return g, rt.Close, nil
}

// Pending lists decisions awaiting an operator verdict.
func (a *App) Pending(ctx context.Context) error {
	g, closeGate, err := a.openGate(ctx)
	if err != nil {
		return err
	}
	defer closeGate()
	return a.printPending(ctx, g)
}

func (a *App) printPending(ctx context.Context, g *gate.Gate) error {
	entries, err := g.Pending(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(a.Out, "no decisions awaiting authorization")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Key\tCampaign\tAction\tDelta\tSubmitted (UTC)\tReason")
	for _, e := range entries {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Key,
			e.Decision.CampaignID,
			e.Decision.Action,
			formatDecimal(e.Decision.BudgetDelta, 2),
			e.SubmittedAt.UTC().Format(time.RFC3339),
			sanitizeInline(e.Decision.Reason),
		)
	}
	return writer.Flush()
}

// Approve records an operator approval. The running loop dispatches it next cycle.
func (a *App) Approve(ctx context.Context, key, actor string) error {
	g, closeGate, err := a.openGate(ctx)
	if err != nil {
		return err
	}
	defer closeGate()

	entry, err := g.Approve(ctx, key, actor)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "approved %s by %s\n", entry.Key, entry.Actor)
	return nil
}

// Reject records an operator rejection.
func (a *App) Reject(ctx context.Context, key, actor, note string) error {
	g, closeGate, err := a.openGate(ctx)
	if err != nil {
		return err
	}
	defer closeGate()

	entry, err := g.Reject(ctx, key, actor, note)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "rejected %s by %s\n", entry.Key, entry.Actor)
	return nil
}

// Stop terminates a campaign. Termination is final.
func (a *App) Stop(ctx context.Context, campaignID, actor, reason string) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database not configured; stop needs durable campaign state")
	}
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	st, err := rt.orch.Stop(ctx, campaignID, actor, reason)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "campaign %s is %s\n", st.CampaignID, st.Status)
	return nil
}
