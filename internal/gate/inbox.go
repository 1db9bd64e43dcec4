package gate

import (
	"context"
	"errors"
	"time"

	"campaign-loop/internal/campaign"
)

// EntryStatus is the operator verdict recorded on an inbox entry.
type EntryStatus string

const (
	EntryPending  EntryStatus = "pending"
	EntryApproved EntryStatus = "approved"
	EntryRejected EntryStatus = "rejected"
)

// ErrAlreadyResolved is returned when an operator acts on an entry twice.
var ErrAlreadyResolved = errors.New("authorization already resolved")

// Entry is one decision awaiting, or holding, an operator verdict.
type Entry struct {
	Key         string                   `json:"key"`
	Decision    campaign.Decision        `json:"decision"`
	Signals     *campaign.SignalSnapshot `json:"signals,omitempty"`
	Metrics     *campaign.MetricSample   `json:"metrics,omitempty"`
	Status      EntryStatus              `json:"status"`
	SubmittedAt time.Time                `json:"submitted_at"`
	ResolvedAt  *time.Time               `json:"resolved_at,omitempty"`
	Actor       string                   `json:"actor,omitempty"`
	Note        string                   `json:"note,omitempty"`
}

// Inbox stores authorization entries. A campaign has at most one entry until
// it is removed.
type Inbox interface {
	// Submit is idempotent on the entry key. It returns campaign.ErrConflict when
	// the campaign already has a different outstanding entry.
	Submit(ctx context.Context, e Entry) (Entry, bool, error)
	Get(ctx context.Context, key string) (Entry, error)
	ListPending(ctx context.Context) ([]Entry, error)
	ForCampaign(ctx context.Context, campaignID string) (Entry, bool, error)
	Approve(ctx context.Context, key, actor string, at time.Time) (Entry, error)
	Reject(ctx context.Context, key, actor, note string, at time.Time) (Entry, error)
	Remove(ctx context.Context, key string) error
}

func resolve(e Entry, status EntryStatus, actor, note string, at time.Time) (Entry, error) {
	if e.Status != EntryPending {
		return e, ErrAlreadyResolved
	}
	at = at.UTC()
	e.Status = status
	e.Actor = actor
	e.Note = note
	e.ResolvedAt = &at
	return e, nil
}
