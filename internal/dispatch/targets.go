package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// BudgetExecutor changes a campaign's daily budget on a platform.
type BudgetExecutor interface {
	UpdateBudget(ctx context.Context, campaignID string, delta decimal.Decimal) (json.RawMessage, error)
}

// StatusExecutor pauses and resumes delivery on a platform.
type StatusExecutor interface {
	Pause(ctx context.Context, campaignID string) (json.RawMessage, error)
	Resume(ctx context.Context, campaignID string) (json.RawMessage, error)
}

// PublishRequest schedules content distribution for a campaign.
type PublishRequest struct {
	CampaignID string    `json:"campaign_id"`
	CycleID    string    `json:"cycle_id"`
	Action     string    `json:"action"`
	PublishAt  time.Time `json:"publish_at"`
}

// Publisher distributes campaign content (video platforms, landing pages).
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) (json.RawMessage, error)
}

const (
	capabilityBudget   = "budget"
	capabilityStatus   = "status"
	capabilityPublish  = "publish"
	capabilityRollback = "rollback"
)

// Target is one named platform executor with the capabilities it implements.
type Target struct {
	Name    string
	budget  BudgetExecutor
	status  StatusExecutor
	publish Publisher
}

// NewTarget inspects impl for the executor capabilities it supports.
func NewTarget(name string, impl any) Target {
	t := Target{Name: name}
	if b, ok := impl.(BudgetExecutor); ok {
		t.budget = b
	}
	if s, ok := impl.(StatusExecutor); ok {
		t.status = s
	}
	if p, ok := impl.(Publisher); ok {
		t.publish = p
	}
	return t
}

// Capabilities lists what the target can do.
func (t Target) Capabilities() []string {
	var caps []string
	if t.budget != nil {
		caps = append(caps, capabilityBudget)
	}
	if t.status != nil {
		caps = append(caps, capabilityStatus)
	}
	if t.publish != nil {
		caps = append(caps, capabilityPublish)
	}
	return caps
}
