package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign-loop/internal/campaign"
	"campaign-loop/internal/gate"
	"campaign-loop/internal/ledger"
	"campaign-loop/internal/orchestrator"
	"campaign-loop/internal/state"
)

var submitted = time.Date(2026, 6, 10, 8, 0, 0, 0, time.UTC)

type fakeController struct {
	cycles  int
	stopped []string
	summary orchestrator.Summary
}

func (f *fakeController) RunCycle(context.Context) (orchestrator.Summary, error) {
	f.cycles++
	return f.summary, nil
}

func (f *fakeController) Stop(_ context.Context, campaignID, actor, reason string) (campaign.State, error) {
	if campaignID == "gone" {
		return campaign.State{}, campaign.ErrTerminated
	}
	f.stopped = append(f.stopped, campaignID+"/"+actor+"/"+reason)
	return campaign.State{CampaignID: campaignID, Status: campaign.StatusTerminated}, nil
}

type fixture struct {
	now     time.Time
	gate    *gate.Gate
	control *fakeController
	states  *state.Memory
	ledger  *ledger.Memory
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		now:     submitted.Add(time.Hour),
		control: &fakeController{summary: orchestrator.Summary{CycleID: "cy-1", Campaigns: 1}},
		states:  state.NewMemory(),
		ledger:  ledger.NewMemory(),
	}
	f.gate = gate.New(gate.NewMemoryInbox(), nil, gate.Options{Now: func() time.Time { return f.now }}, zerolog.Nop())
	srv := New(f.gate, f.control, f.states, f.ledger, Options{}, zerolog.Nop())
	f.handler = srv.Routes()

	_, err := f.states.Seed(context.Background(), campaign.State{
		CampaignID:  "c1",
		Status:      campaign.StatusActive,
		DailyBudget: decimal.NewFromInt(1000),
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) submit(t *testing.T) campaign.Decision {
	t.Helper()
	dec := campaign.Decision{
		CampaignID:            "c1",
		CycleID:               "cy-0",
		Timestamp:             submitted,
		Action:                campaign.ActionScaleUp,
		BudgetDelta:           decimal.NewFromInt(200),
		RequiresAuthorization: true,
		Origin:                campaign.OriginEngine,
	}
	prev := f.now
	f.now = submitted
	verdict, err := f.gate.Authorize(context.Background(), dec, nil, nil)
	f.now = prev
	require.NoError(t, err)
	require.Equal(t, gate.VerdictPending, verdict)
	return dec
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestListPending(t *testing.T) {
	f := newFixture(t)
	f.submit(t)

	rec := f.do(t, http.MethodGet, "/v1/pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Pending []gate.Entry `json:"pending"`
	}](t, rec)
	require.Len(t, body.Pending, 1)
	assert.Equal(t, "c1@2026-06-10T08:00:00Z", body.Pending[0].Key)
}

func TestApprovePending(t *testing.T) {
	f := newFixture(t)
	f.submit(t)

	rec := f.do(t, http.MethodPost, "/v1/pending/c1/2026-06-10T08:00:00Z/approve", `{"actor":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	entry := decode[gate.Entry](t, rec)
	assert.Equal(t, gate.EntryApproved, entry.Status)
	assert.Equal(t, "alice", entry.Actor)

	rec = f.do(t, http.MethodPost, "/v1/pending/c1/2026-06-10T08:00:00Z/approve", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRejectPendingUsesOperatorHeader(t *testing.T) {
	f := newFixture(t)
	f.submit(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/pending/c1/2026-06-10T08:00:00Z/reject", strings.NewReader(`{"note":"too aggressive"}`))
	req.Header.Set("X-Operator", "bob")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	entry := decode[gate.Entry](t, rec)
	assert.Equal(t, gate.EntryRejected, entry.Status)
	assert.Equal(t, "bob", entry.Actor)
	assert.Equal(t, "too aggressive", entry.Note)
}

func TestApproveExpiredIsGone(t *testing.T) {
	f := newFixture(t)
	f.submit(t)
	f.now = submitted.Add(25 * time.Hour)

	rec := f.do(t, http.MethodPost, "/v1/pending/c1/2026-06-10T08:00:00Z/approve", "")
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestApproveUnknownKey(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/pending/c1/2026-06-10T08:00:00Z/approve", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/pending/c1/yesterday/approve", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerCycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/cycles", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.control.cycles)
	assert.Equal(t, "cy-1", decode[orchestrator.Summary](t, rec).CycleID)

	f.control.summary = orchestrator.Summary{Contended: true}
	rec = f.do(t, http.MethodPost, "/v1/cycles", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListCampaigns(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/campaigns", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Campaigns []campaign.State `json:"campaigns"`
	}](t, rec)
	require.Len(t, body.Campaigns, 1)
	assert.Equal(t, "c1", body.Campaigns[0].CampaignID)
}

func TestStopCampaign(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/campaigns/c1/stop", `{"actor":"alice","reason":"brand safety"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"c1/alice/brand safety"}, f.control.stopped)
	assert.Equal(t, campaign.StatusTerminated, decode[campaign.State](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/v1/campaigns/gone/stop", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, cycle := range []string{"cy-1", "cy-2", "cy-3"} {
		_, err := f.ledger.Append(ctx, campaign.FeedbackRecord{
			CycleID:        cycle,
			CampaignID:     "c1",
			RecordedAt:     submitted,
			DispatchResult: campaign.DispatchResult{Success: true},
			Outcome:        campaign.OutcomeHeld,
		})
		require.NoError(t, err)
	}

	rec := f.do(t, http.MethodGet, "/v1/ledger/c1?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Records []campaign.FeedbackRecord `json:"records"`
	}](t, rec)
	require.Len(t, body.Records, 2)
	assert.Equal(t, "cy-2", body.Records[0].CycleID)
	assert.Equal(t, "cy-3", body.Records[1].CycleID)

	rec = f.do(t, http.MethodGet, "/v1/ledger/c1?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
