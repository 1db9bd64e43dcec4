package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"campaign-loop/internal/alerting"
	"campaign-loop/internal/campaign"
	"campaign-loop/internal/collector"
	"campaign-loop/internal/dispatch"
	"campaign-loop/internal/engine"
	"campaign-loop/internal/gate"
	"campaign-loop/internal/ledger"
	"campaign-loop/internal/signals"
	"campaign-loop/internal/state"
	"campaign-loop/internal/storage"
)

var start = time.Date(2026, 5, 4, 6, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// fakeSource serves a scripted revenue series per campaign; the last value repeats.
type fakeSource struct {
	mu      sync.Mutex
	spend   decimal.Decimal
	revenue map[string][]string
	calls   map[string]int
	errs    map[string]error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		spend:   decimal.NewFromInt(100),
		revenue: make(map[string][]string),
		calls:   make(map[string]int),
		errs:    make(map[string]error),
	}
}

func (f *fakeSource) GetMetrics(_ context.Context, campaignID string) (campaign.MetricSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.errs[campaignID]; err != nil {
		return campaign.MetricSample{}, err
	}
	series := f.revenue[campaignID]
	if len(series) == 0 {
		series = []string{"150"}
	}
	i := min(f.calls[campaignID], len(series)-1)
	f.calls[campaignID]++
	return campaign.MetricSample{
		CampaignID:  campaignID,
		Impressions: 10000,
		Clicks:      300,
		Conversions: 12,
		Spend:       f.spend,
		Revenue:     decimal.RequireFromString(series[i]),
	}, nil
}

type fakePlatform struct {
	mu      sync.Mutex
	fail    bool
	budgets []string
	paused  []string
	resumed []string
}

func (f *fakePlatform) UpdateBudget(_ context.Context, _ string, delta decimal.Decimal) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("platform 503")
	}
	f.budgets = append(f.budgets, delta.StringFixed(2))
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *fakePlatform) Pause(_ context.Context, id string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = append(f.paused, id)
	return nil, nil
}

func (f *fakePlatform) Resume(_ context.Context, id string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, id)
	return nil, nil
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, note alerting.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, note)
	return nil
}

func (r *recordingNotifier) kinds() []alerting.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]alerting.Kind, 0, len(r.got))
	for _, n := range r.got {
		out = append(out, n.Kind)
	}
	return out
}

type heldLock struct{}

func (heldLock) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	return nil, false, nil
}

var _ storage.AdvisoryLocker = heldLock{}

type harness struct {
	clock    *clock
	source   *fakeSource
	scores   *signals.Static
	platform *fakePlatform
	states   *state.Memory
	ledger   *ledger.Memory
	recorder *ledger.Recorder
	collect  *collector.Collector
	gate     *gate.Gate
	notes    *recordingNotifier
	orch     *Orchestrator
}

type harnessOption func(*Deps, *Options)

func newHarness(t *testing.T, cfg engine.Config, campaigns []campaign.State, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		clock:    &clock{now: start},
		source:   newFakeSource(),
		scores:   &signals.Static{Anomaly: campaign.AnomalySignal{Confidence: 0.1}, Affinity: campaign.AffinitySignal{Score: 0.5}},
		platform: &fakePlatform{},
		states:   state.NewMemory(),
		ledger:   ledger.NewMemory(),
		notes:    &recordingNotifier{},
	}
	ctx := context.Background()
	for _, st := range campaigns {
		_, err := h.states.Seed(ctx, st)
		require.NoError(t, err)
	}

	logger := zerolog.Nop()
	eng, err := engine.New(cfg)
	require.NoError(t, err)

	h.recorder = ledger.NewRecorder(h.ledger, h.clock.Now, logger)
	h.collect = collector.New(h.source, collector.Options{Now: h.clock.Now}, logger)
	h.gate = gate.New(gate.NewMemoryInbox(), h.notes, gate.Options{Now: h.clock.Now}, logger)
	evaluator := signals.NewComposite(h.scores, h.scores, h.scores, signals.CompositeOptions{Now: h.clock.Now}, logger)
	disp := dispatch.New(
		[]dispatch.Target{dispatch.NewTarget("ads", h.platform)},
		h.recorder,
		h.states,
		dispatch.Options{Retry: dispatch.RetryPolicy{Attempts: 1}, Now: h.clock.Now},
		logger,
	)

	deps := Deps{
		Collector:  h.collect,
		Evaluator:  evaluator,
		Engine:     eng,
		Gate:       h.gate,
		Dispatcher: disp,
		Recorder:   h.recorder,
		States:     h.states,
		Notifier:   h.notes,
	}
	o := Options{Now: h.clock.Now}
	for _, fn := range opts {
		fn(&deps, &o)
	}

	h.orch, err = New(deps, o, logger)
	require.NoError(t, err)
	return h
}

// cycle runs one control cycle and moves the clock to the next tick.
func (h *harness) cycle(t *testing.T) Summary {
	t.Helper()
	s, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	h.clock.Advance(2 * time.Hour)
	return s
}

func (h *harness) state(t *testing.T, id string) campaign.State {
	t.Helper()
	st, err := h.states.Get(context.Background(), id)
	require.NoError(t, err)
	return st
}

func (h *harness) records(t *testing.T, id string) []campaign.FeedbackRecord {
	t.Helper()
	recs, err := h.ledger.ListByCampaign(context.Background(), id, 0)
	require.NoError(t, err)
	return recs
}

func outcomes(recs []campaign.FeedbackRecord) []campaign.Outcome {
	out := make([]campaign.Outcome, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Outcome)
	}
	return out
}

func active(id string, budget int64) campaign.State {
	return campaign.State{
		CampaignID:     id,
		Status:         campaign.StatusActive,
		DailyBudget:    decimal.NewFromInt(budget),
		MaxDailyBudget: decimal.NewFromInt(5000),
	}
}
