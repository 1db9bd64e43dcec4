package state

import (
	"context"
	"sort"
	"sync"

	"campaign-loop/internal/campaign"
)

// Store persists campaign control state. Save is optimistic: the incoming
// version must be exactly one above the stored one.
type Store interface {
	Get(ctx context.Context, campaignID string) (campaign.State, error)
	Save(ctx context.Context, st campaign.State) error
	List(ctx context.Context) ([]campaign.State, error)
	// Seed registers a campaign if it is not yet known.
	Seed(ctx context.Context, st campaign.State) (bool, error)
}

// Memory is an in-process Store.
type Memory struct {
	mu     sync.RWMutex
	states map[string]campaign.State
}

var _ Store = (*Memory)(nil)

// NewMemory constructs an empty Memory store.
func NewMemory() *Memory {
	return &Memory{states: make(map[string]campaign.State)}
}

func (m *Memory) Get(_ context.Context, campaignID string) (campaign.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.states[campaignID]
	if !ok {
		return campaign.State{}, campaign.ErrNotFound
	}
	return clone(st), nil
}

func (m *Memory) Save(_ context.Context, st campaign.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.states[st.CampaignID]
	if !ok {
		return campaign.ErrNotFound
	}
	if st.Version != cur.Version+1 {
		return campaign.ErrConflict
	}
	m.states[st.CampaignID] = clone(st)
	return nil
}

func (m *Memory) List(_ context.Context) ([]campaign.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]campaign.State, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, clone(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CampaignID < out[j].CampaignID })
	return out, nil
}

func (m *Memory) Seed(_ context.Context, st campaign.State) (bool, error) {
	if err := validate(st); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.states[st.CampaignID]; ok {
		return false, nil
	}
	m.states[st.CampaignID] = clone(st)
	return true, nil
}

func clone(st campaign.State) campaign.State {
	if st.CooldownUntil != nil {
		until := *st.CooldownUntil
		st.CooldownUntil = &until
	}
	return st
}
