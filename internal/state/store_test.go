package state

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign-loop/internal/campaign"
)

func seedState(id string) campaign.State {
	return campaign.State{
		CampaignID:     id,
		Status:         campaign.StatusActive,
		DailyBudget:    decimal.NewFromInt(100),
		MaxDailyBudget: decimal.NewFromInt(1000),
	}
}

func TestMemorySeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	created, err := m.Seed(ctx, seedState("c1"))
	require.NoError(t, err)
	assert.True(t, created)

	again := seedState("c1")
	again.DailyBudget = decimal.NewFromInt(5)
	created, err = m.Seed(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)

	st, err := m.Get(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, st.DailyBudget.Equal(decimal.NewFromInt(100)))
}

func TestMemorySeedRejectsInvalid(t *testing.T) {
	_, err := NewMemory().Seed(context.Background(), campaign.State{CampaignID: "c1", Status: "bogus"})
	assert.Error(t, err)
}

func TestMemorySaveChecksVersion(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.Seed(ctx, seedState("c1"))
	require.NoError(t, err)

	st, err := m.Get(ctx, "c1")
	require.NoError(t, err)

	stale := st
	st.Version++
	st.Status = campaign.StatusScaling
	require.NoError(t, m.Save(ctx, st))

	stale.Version++
	assert.ErrorIs(t, m.Save(ctx, stale), campaign.ErrConflict)
	assert.ErrorIs(t, m.Save(ctx, campaign.State{CampaignID: "missing", Version: 1}), campaign.ErrNotFound)
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	st := seedState("c1")
	until := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st.CooldownUntil = &until
	_, err := m.Seed(ctx, st)
	require.NoError(t, err)

	got, err := m.Get(ctx, "c1")
	require.NoError(t, err)
	*got.CooldownUntil = until.Add(time.Hour)

	again, err := m.Get(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, again.CooldownUntil.Equal(until))
}

func TestMemoryListSorted(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, id := range []string{"b", "c", "a"} {
		_, err := m.Seed(ctx, seedState(id))
		require.NoError(t, err)
	}
	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].CampaignID)
	assert.Equal(t, "c", list[2].CampaignID)
}
