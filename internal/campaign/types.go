package campaign

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a managed campaign.
type Status string

const (
	StatusActive      Status = "active"
	StatusPaused      Status = "paused"
	StatusScaling     Status = "scaling"
	StatusCoolingDown Status = "cooling_down"
	StatusTerminated  Status = "terminated"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusScaling, StatusCoolingDown, StatusTerminated:
		return true
	}
	return false
}

// Action is the verdict of one decision.
type Action string

const (
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
	ActionHold      Action = "hold"
	ActionPause     Action = "pause"
	ActionResume    Action = "resume"
)

// Origin identifies who produced a decision.
type Origin string

const (
	OriginEngine   Origin = "engine"
	OriginOperator Origin = "operator"
)

// State is the persisted control state of one campaign.
type State struct {
	CampaignID     string          `json:"campaign_id"`
	Status         Status          `json:"status"`
	DailyBudget    decimal.Decimal `json:"daily_budget"`
	MaxDailyBudget decimal.Decimal `json:"max_daily_budget"`
	LastDecisionAt time.Time       `json:"last_decision_at"`
	CooldownUntil  *time.Time      `json:"cooldown_until,omitempty"`
	Version        int64           `json:"version"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// CoolingDownAt reports whether the cooldown window is still open at now.
func (s State) CoolingDownAt(now time.Time) bool {
	return s.Status == StatusCoolingDown && s.CooldownUntil != nil && now.Before(*s.CooldownUntil)
}

// MetricSample is one normalized performance observation.
type MetricSample struct {
	CampaignID  string          `json:"campaign_id"`
	CycleID     string          `json:"cycle_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Impressions int64           `json:"impressions"`
	Clicks      int64           `json:"clicks"`
	Conversions int64           `json:"conversions"`
	Spend       decimal.Decimal `json:"spend"`
	Revenue     decimal.Decimal `json:"revenue"`
	ROAS        decimal.Decimal `json:"roas"`
	CPA         decimal.Decimal `json:"cpa"`
}

// AnomalySignal is the risk detector's verdict.
type AnomalySignal struct {
	Detected        bool    `json:"detected"`
	Type            string  `json:"type,omitempty"`
	Confidence      float64 `json:"confidence"`
	CooldownSeconds int64   `json:"cooldown_seconds"`
}

// Cooldown returns the hold window as a duration.
func (a AnomalySignal) Cooldown() time.Duration {
	return time.Duration(a.CooldownSeconds) * time.Second
}

// AffinitySignal is the audience clustering score.
type AffinitySignal struct {
	Score     float64 `json:"score"`
	ClusterID string  `json:"cluster_id,omitempty"`
}

// TimingSignal is the posting-time recommendation.
type TimingSignal struct {
	RecommendedHour int     `json:"recommended_hour"`
	Confidence      float64 `json:"confidence"`
}

// SignalSnapshot bundles the evaluator outputs for one cycle.
type SignalSnapshot struct {
	CampaignID string         `json:"campaign_id"`
	CycleID    string         `json:"cycle_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Anomaly    AnomalySignal  `json:"anomaly"`
	Affinity   AffinitySignal `json:"affinity"`
	Timing     TimingSignal   `json:"timing"`
}

// Decision is the engine's verdict for one campaign in one cycle.
type Decision struct {
	CampaignID            string          `json:"campaign_id"`
	CycleID               string          `json:"cycle_id"`
	Timestamp             time.Time       `json:"timestamp"`
	Action                Action          `json:"action"`
	BudgetDelta           decimal.Decimal `json:"budget_delta"`
	Reason                string          `json:"reason"`
	RequiresAuthorization bool            `json:"requires_authorization"`
	CooldownUntil         *time.Time      `json:"cooldown_until,omitempty"`
	Origin                Origin          `json:"origin"`
	Terminate             bool            `json:"terminate,omitempty"`
}

// Key returns the idempotency key of the decision.
func (d Decision) Key() DecisionKey {
	return DecisionKey{CampaignID: d.CampaignID, Timestamp: d.Timestamp}
}

// DecisionKey identifies a decision for dispatch idempotency and the authorization inbox.
type DecisionKey struct {
	CampaignID string
	Timestamp  time.Time
}

const keySeparator = "@"

func (k DecisionKey) String() string {
	return k.CampaignID + keySeparator + k.Timestamp.UTC().Format(time.RFC3339Nano)
}

// ParseDecisionKey is the inverse of DecisionKey.String.
func ParseDecisionKey(raw string) (DecisionKey, error) {
	idx := strings.LastIndex(raw, keySeparator)
	if idx <= 0 || idx == len(raw)-1 {
		return DecisionKey{}, fmt.Errorf("malformed decision key %q", raw)
	}
	ts, err := time.Parse(time.RFC3339Nano, raw[idx+1:])
	if err != nil {
		return DecisionKey{}, fmt.Errorf("parse decision key timestamp: %w", err)
	}
	return DecisionKey{CampaignID: raw[:idx], Timestamp: ts.UTC()}, nil
}

// TargetResult is the outcome of one executor call.
type TargetResult struct {
	Target     string          `json:"target"`
	Capability string          `json:"capability"`
	Success    bool            `json:"success"`
	Attempts   int             `json:"attempts"`
	Response   json.RawMessage `json:"response,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// DispatchResult summarises the fan-out of one decision.
type DispatchResult struct {
	Success          bool            `json:"success"`
	PlatformResponse json.RawMessage `json:"platform_response,omitempty"`
	Error            string          `json:"error,omitempty"`
	Attempts         int             `json:"attempts"`
	Targets          []TargetResult  `json:"targets,omitempty"`
	PublishAt        *time.Time      `json:"publish_at,omitempty"`
}

// Failed builds an unsuccessful result carrying reason.
func Failed(reason string) DispatchResult {
	return DispatchResult{Success: false, Error: reason}
}

// Outcome classifies a ledger entry.
type Outcome string

const (
	OutcomeApplied              Outcome = "applied"
	OutcomeHeld                 Outcome = "held"
	OutcomeDispatchFailed       Outcome = "dispatch_failed"
	OutcomePendingAuthorization Outcome = "pending_authorization"
	OutcomeAuthorizationExpired Outcome = "authorization_expired"
	OutcomeRejected             Outcome = "rejected"
	OutcomeSkippedCollection    Outcome = "skipped_collection"
	OutcomeInvariantViolation   Outcome = "invariant_violation"
	OutcomeDuplicate            Outcome = "duplicate"
)

// FeedbackRecord is one append-only ledger entry.
type FeedbackRecord struct {
	Seq            int64           `json:"seq"`
	CycleID        string          `json:"cycle_id"`
	CampaignID     string          `json:"campaign_id"`
	RecordedAt     time.Time       `json:"recorded_at"`
	Metrics        *MetricSample   `json:"metrics,omitempty"`
	Signals        *SignalSnapshot `json:"signals,omitempty"`
	Decision       *Decision       `json:"decision,omitempty"`
	DispatchResult DispatchResult  `json:"dispatch_result"`
	Applied        bool            `json:"applied"`
	Outcome        Outcome         `json:"outcome"`
}
