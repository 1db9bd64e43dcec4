package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"campaign-loop/internal/alerting"
	"campaign-loop/internal/campaign"
)

// Verdict is the gate's answer for a decision.
type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictPending  Verdict = "pending"
	VerdictRejected Verdict = "rejected"
	VerdictExpired  Verdict = "expired"
)

// Options tune the gate.
type Options struct {
	// Expiry rejects entries left pending longer than this.
	Expiry time.Duration
	Now    func() time.Time
}

// Gate holds decisions that need a human verdict.
type Gate struct {
	inbox    Inbox
	notifier alerting.Notifier
	opts     Options
	logger   zerolog.Logger
}

// Resolution is the state of a campaign's outstanding authorization.
type Resolution struct {
	Entry   Entry
	Verdict Verdict
}

// New constructs a Gate. notifier may be nil.
func New(inbox Inbox, notifier alerting.Notifier, opts Options, logger zerolog.Logger) *Gate {
	if opts.Expiry <= 0 {
		opts.Expiry = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gate{
		inbox:    inbox,
		notifier: notifier,
		opts:     opts,
		logger:   logger.With().Str("component", "gate").Logger(),
	}
}

// Authorize approves decisions below the safety threshold and parks the rest
// in the inbox.
func (g *Gate) Authorize(ctx context.Context, dec campaign.Decision, signals *campaign.SignalSnapshot, metrics *campaign.MetricSample) (Verdict, error) {
	if !dec.RequiresAuthorization {
		return VerdictApproved, nil
	}

	entry := Entry{
		Key:         dec.Key().String(),
		Decision:    dec,
		Signals:     signals,
		Metrics:     metrics,
		SubmittedAt: g.opts.Now().UTC(),
	}
	entry, created, err := g.inbox.Submit(ctx, entry)
	if err != nil {
		return "", fmt.Errorf("submit for authorization: %w", err)
	}
	if created {
		g.logger.Info().
			Str("campaign_id", dec.CampaignID).
			Str("key", entry.Key).
			Str("action", string(dec.Action)).
			Str("budget_delta", dec.BudgetDelta.String()).
			Msg("decision awaiting authorization")
		g.notify(ctx, alerting.KindPendingAuthorization, entry, "")
	}
	return VerdictPending, nil
}

// Resolve reports the outstanding authorization for a campaign, if any.
// Pending entries older than the expiry are reported as expired.
func (g *Gate) Resolve(ctx context.Context, campaignID string) (Resolution, bool, error) {
	entry, ok, err := g.inbox.ForCampaign(ctx, campaignID)
	if err != nil {
		return Resolution{}, false, fmt.Errorf("resolve authorization: %w", err)
	}
	if !ok {
		return Resolution{}, false, nil
	}

	switch entry.Status {
	case EntryApproved:
		return Resolution{Entry: entry, Verdict: VerdictApproved}, true, nil
	case EntryRejected:
		return Resolution{Entry: entry, Verdict: VerdictRejected}, true, nil
	}

	if g.expired(entry) {
		g.logger.Warn().
			Str("campaign_id", campaignID).
			Str("key", entry.Key).
			Time("submitted_at", entry.SubmittedAt).
			Msg("authorization expired")
		g.notify(ctx, alerting.KindAuthorizationExpired, entry, campaign.ErrAuthorizationExpired.Error())
		return Resolution{Entry: entry, Verdict: VerdictExpired}, true, nil
	}
	return Resolution{Entry: entry, Verdict: VerdictPending}, true, nil
}

// Settle drops an entry once its verdict has been acted on.
func (g *Gate) Settle(ctx context.Context, key string) error {
	if err := g.inbox.Remove(ctx, key); err != nil {
		return fmt.Errorf("settle authorization: %w", err)
	}
	return nil
}

// Pending lists entries still waiting for an operator.
func (g *Gate) Pending(ctx context.Context) ([]Entry, error) {
	return g.inbox.ListPending(ctx)
}

// Approve records an operator approval. Expired entries cannot be approved.
func (g *Gate) Approve(ctx context.Context, key, actor string) (Entry, error) {
	entry, err := g.inbox.Get(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	if entry.Status == EntryPending && g.expired(entry) {
		return entry, campaign.ErrAuthorizationExpired
	}
	entry, err = g.inbox.Approve(ctx, key, actor, g.opts.Now())
	if err != nil {
		return entry, err
	}
	g.logger.Info().Str("key", key).Str("actor", actor).Msg("decision approved")
	return entry, nil
}

// Reject records an operator rejection.
func (g *Gate) Reject(ctx context.Context, key, actor, note string) (Entry, error) {
	entry, err := g.inbox.Reject(ctx, key, actor, note, g.opts.Now())
	if err != nil {
		return entry, err
	}
	g.logger.Info().Str("key", key).Str("actor", actor).Str("note", note).Msg("decision rejected")
	return entry, nil
}

func (g *Gate) expired(e Entry) bool {
	return g.opts.Now().Sub(e.SubmittedAt) > g.opts.Expiry
}

func (g *Gate) notify(ctx context.Context, kind alerting.Kind, e Entry, reason string) {
	if g.notifier == nil {
		return
	}
	if reason == "" {
		reason = e.Decision.Reason
	}
	err := g.notifier.Notify(ctx, alerting.Notification{
		Kind:        kind,
		At:          g.opts.Now().UTC(),
		CampaignID:  e.Decision.CampaignID,
		CycleID:     e.Decision.CycleID,
		Action:      string(e.Decision.Action),
		BudgetDelta: e.Decision.BudgetDelta,
		Reason:      reason,
		Key:         e.Key,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		g.logger.Warn().Err(err).Str("key", e.Key).Msg("operator notification failed")
	}
}
