package ledger

import (
	"context"
	"sync"
	"time"

	"campaign-loop/internal/campaign"
)

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	records []campaign.FeedbackRecord
	applied map[string]struct{}
}

var _ Store = (*Memory)(nil)

// NewMemory constructs an empty ledger.
func NewMemory() *Memory {
	return &Memory{applied: make(map[string]struct{})}
}

func (m *Memory) Append(_ context.Context, rec campaign.FeedbackRecord) (campaign.FeedbackRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.Applied && rec.Decision != nil {
		key := appliedKey(rec.CampaignID, rec.Decision.Timestamp)
		if _, ok := m.applied[key]; ok {
			return campaign.FeedbackRecord{}, campaign.ErrConflict
		}
		m.applied[key] = struct{}{}
	}
	rec.Seq = int64(len(m.records) + 1)
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *Memory) HasApplied(_ context.Context, campaignID string, decisionTS time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.applied[appliedKey(campaignID, decisionTS)]
	return ok, nil
}

func (m *Memory) ListByCampaign(_ context.Context, campaignID string, limit int) ([]campaign.FeedbackRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]campaign.FeedbackRecord, 0)
	for _, rec := range m.records {
		if rec.CampaignID == campaignID {
			out = append(out, rec)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *Memory) Recent(_ context.Context, limit int) ([]campaign.FeedbackRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]campaign.FeedbackRecord, 0, limit)
	for i := len(m.records) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, m.records[i])
	}
	return out, nil
}

func (m *Memory) Between(_ context.Context, from, to time.Time) ([]campaign.FeedbackRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]campaign.FeedbackRecord, 0)
	for _, rec := range m.records {
		if !rec.RecordedAt.Before(from) && rec.RecordedAt.Before(to) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *Memory) RecentSamples(_ context.Context, campaignID string, n int) ([]campaign.MetricSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// A sample recorded again under a later record counts at its first position.
	first := make(map[string]int)
	for i, rec := range m.records {
		if rec.CampaignID != campaignID || rec.Metrics == nil {
			continue
		}
		if rec.Metrics.CycleID == "" {
			continue
		}
		if _, seen := first[rec.Metrics.CycleID]; !seen {
			first[rec.Metrics.CycleID] = i
		}
	}

	out := make([]campaign.MetricSample, 0, n)
	for i := len(m.records) - 1; i >= 0; i-- {
		if n > 0 && len(out) == n {
			break
		}
		rec := m.records[i]
		if rec.CampaignID != campaignID || rec.Metrics == nil {
			continue
		}
		if at, ok := first[rec.Metrics.CycleID]; ok && at != i {
			continue
		}
		out = append(out, *rec.Metrics)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
