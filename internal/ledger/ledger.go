package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"campaign-loop/internal/campaign"
)

// Store is append-only storage for feedback records.
type Store interface {
	// Append assigns the record's Seq. A second applied record for the same
	// decision key fails with campaign.ErrConflict.
	Append(ctx context.Context, rec campaign.FeedbackRecord) (campaign.FeedbackRecord, error)
	HasApplied(ctx context.Context, campaignID string, decisionTS time.Time) (bool, error)
	// ListByCampaign returns up to limit most recent records, oldest first.
	ListByCampaign(ctx context.Context, campaignID string, limit int) ([]campaign.FeedbackRecord, error)
	// Recent returns the newest records across campaigns, newest first.
	Recent(ctx context.Context, limit int) ([]campaign.FeedbackRecord, error)
	Between(ctx context.Context, from, to time.Time) ([]campaign.FeedbackRecord, error)
	// RecentSamples returns up to n metric samples recorded for a campaign, oldest first.
	RecentSamples(ctx context.Context, campaignID string, n int) ([]campaign.MetricSample, error)
}

// Recorder validates and appends cycle outcomes.
type Recorder struct {
	store  Store
	now    func() time.Time
	logger zerolog.Logger
}

// NewRecorder wraps a Store.
func NewRecorder(store Store, now func() time.Time, logger zerolog.Logger) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{
		store:  store,
		now:    now,
		logger: logger.With().Str("component", "ledger").Logger(),
	}
}

// Store exposes the underlying store for queries.
func (r *Recorder) Store() Store { return r.store }

// Record appends one entry. Records are never updated.
func (r *Recorder) Record(ctx context.Context, rec campaign.FeedbackRecord) (campaign.FeedbackRecord, error) {
	if err := validate(rec); err != nil {
		return campaign.FeedbackRecord{}, err
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = r.now().UTC()
	}

	stored, err := r.store.Append(ctx, rec)
	if errors.Is(err, campaign.ErrConflict) {
		r.logger.Warn().
			Str("campaign_id", rec.CampaignID).
			Str("cycle_id", rec.CycleID).
			Msg("applied record already present; keeping the first")
		return campaign.FeedbackRecord{}, err
	}
	if err != nil {
		return campaign.FeedbackRecord{}, fmt.Errorf("append feedback record: %w", err)
	}

	r.logger.Debug().
		Int64("seq", stored.Seq).
		Str("campaign_id", stored.CampaignID).
		Str("cycle_id", stored.CycleID).
		Str("outcome", string(stored.Outcome)).
		Bool("applied", stored.Applied).
		Msg("feedback recorded")
	return stored, nil
}

// HasApplied reports whether a decision already took effect.
func (r *Recorder) HasApplied(ctx context.Context, campaignID string, decisionTS time.Time) (bool, error) {
	return r.store.HasApplied(ctx, campaignID, decisionTS)
}

func validate(rec campaign.FeedbackRecord) error {
	if rec.CampaignID == "" {
		return fmt.Errorf("feedback record: campaign id is required")
	}
	if rec.CycleID == "" {
		return fmt.Errorf("feedback record: cycle id is required")
	}
	if rec.Outcome == "" {
		return fmt.Errorf("feedback record: outcome is required")
	}
	if rec.Applied && rec.Decision == nil {
		return fmt.Errorf("feedback record: applied record without decision")
	}
	if rec.Decision != nil && rec.Decision.CampaignID != rec.CampaignID {
		return fmt.Errorf("feedback record: decision for %q filed under %q", rec.Decision.CampaignID, rec.CampaignID)
	}
	return nil
}

func appliedKey(campaignID string, ts time.Time) string {
	return campaign.DecisionKey{CampaignID: campaignID, Timestamp: ts}.String()
}
