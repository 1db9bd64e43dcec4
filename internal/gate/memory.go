package gate

import (
	"context"
	"sort"
	"sync"
	"time"

	"campaign-loop/internal/campaign"
)

// MemoryInbox keeps entries in process.
type MemoryInbox struct {
	mu         sync.Mutex
	entries    map[string]Entry
	byCampaign map[string]string
}

var _ Inbox = (*MemoryInbox)(nil)

// NewMemoryInbox constructs an empty inbox.
func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{
		entries:    make(map[string]Entry),
		byCampaign: make(map[string]string),
	}
}

func (m *MemoryInbox) Submit(_ context.Context, e Entry) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byCampaign[e.Decision.CampaignID]; ok {
		if existing != e.Key {
			return m.entries[existing], false, campaign.ErrConflict
		}
		return m.entries[existing], false, nil
	}
	e.Status = EntryPending
	m.entries[e.Key] = e
	m.byCampaign[e.Decision.CampaignID] = e.Key
	return e, true, nil
}

func (m *MemoryInbox) Get(_ context.Context, key string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return Entry{}, campaign.ErrNotFound
	}
	return e, nil
}

func (m *MemoryInbox) ListPending(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.Status == EntryPending {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}

func (m *MemoryInbox) ForCampaign(_ context.Context, campaignID string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.byCampaign[campaignID]
	if !ok {
		return Entry{}, false, nil
	}
	return m.entries[key], true, nil
}

func (m *MemoryInbox) Approve(_ context.Context, key, actor string, at time.Time) (Entry, error) {
	return m.update(key, EntryApproved, actor, "", at)
}

func (m *MemoryInbox) Reject(_ context.Context, key, actor, note string, at time.Time) (Entry, error) {
	return m.update(key, EntryRejected, actor, note, at)
}

func (m *MemoryInbox) update(key string, status EntryStatus, actor, note string, at time.Time) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return Entry{}, campaign.ErrNotFound
	}
	e, err := resolve(e, status, actor, note, at)
	if err != nil {
		return e, err
	}
	m.entries[key] = e
	return e, nil
}

func (m *MemoryInbox) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	delete(m.entries, key)
	if m.byCampaign[e.Decision.CampaignID] == key {
		delete(m.byCampaign, e.Decision.CampaignID)
	}
	return nil
}
