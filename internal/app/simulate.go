package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"campaign-loop/internal/campaign"
	"campaign-loop/internal/dispatch"
	"campaign-loop/internal/gate"
	"campaign-loop/internal/ledger"
	"campaign-loop/internal/signals"
	"campaign-loop/internal/state"
	"campaign-loop/internal/storage"
)

// SimulateOptions drive an offline run of the control loop.
type SimulateOptions struct {
	Cycles    int
	Campaigns int
	Budget    decimal.Decimal
	// StartROAS is the ROAS every simulated campaign opens with.
	StartROAS float64
	// Drift bounds the per-cycle ROAS random walk.
	Drift float64
	// AnomalyCycle reports an anomaly on that cycle (1-based); zero never does.
	AnomalyCycle int
	AutoApprove  bool
	Seed         int64
	Start        time.Time
}

func (o SimulateOptions) normalized() SimulateOptions {
	if o.Cycles <= 0 {
		o.Cycles = 12
	}
	if o.Campaigns <= 0 {
		o.Campaigns = 3
	}
	if !o.Budget.IsPositive() {
		o.Budget = decimal.NewFromInt(500)
	}
	if o.StartROAS <= 0 {
		o.StartROAS = 1.5
	}
	if o.Drift <= 0 {
		o.Drift = 0.25
	}
	if o.Start.IsZero() {
		o.Start = time.Now().UTC().Truncate(time.Hour)
	}
	return o
}

// Simulate runs the full control loop against an in-process platform with
// static risk signals and prints the resulting ledger.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	opts = opts.normalized()
	if a.Config.Scheduler.Interval <= 0 {
		return errors.New("scheduler.interval must be positive")
	}

	now := opts.Start
	clock := func() time.Time { return now }

	rt := &runtime{states: state.NewMemory(), ledger: ledger.NewMemory()}
	platform := newSimPlatform(opts)
	for _, id := range platform.ids {
		st := campaign.State{
			CampaignID:     id,
			Status:         campaign.StatusActive,
			DailyBudget:    opts.Budget,
			MaxDailyBudget: opts.Budget.Mul(decimal.NewFromInt(4)),
			UpdatedAt:      now,
		}
		if _, err := rt.states.Seed(ctx, st); err != nil {
			return err
		}
	}

	evaluator := &signals.Static{
		Affinity: campaign.AffinitySignal{Score: 0.5, ClusterID: "simulated"},
		Timing:   campaign.TimingSignal{RecommendedHour: 18, Confidence: 0.9},
	}
	err := a.assemble(rt, gate.NewMemoryInbox(), loopParts{
		source:  platform,
		targets: []dispatch.Target{dispatch.NewTarget("simulated", platform)},
		evaluator: signals.NewComposite(evaluator, evaluator, evaluator, signals.CompositeOptions{
			AnomalyThreshold: a.Config.Signals.AnomalyThreshold,
			Timeout:          a.Config.Signals.Timeout,
			Now:              clock,
		}, a.Logger),
		notifier: a.newNotifier(),
		locker:   storage.NoopLocker{},
		now:      clock,
	})
	if err != nil {
		return err
	}

	for i := 1; i <= opts.Cycles; i++ {
		evaluator.Anomaly = campaign.AnomalySignal{}
		if i == opts.AnomalyCycle {
			evaluator.Anomaly = campaign.AnomalySignal{Detected: true, Type: "simulated_spike", Confidence: 0.95, CooldownSeconds: int64(a.Config.Scheduler.Interval / time.Second)}
		}

		summary, err := rt.orch.RunCycle(ctx)
		if err != nil {
			return fmt.Errorf("cycle %d: %w", i, err)
		}
		a.Logger.Info().
			Int("cycle", i).
			Str("cycle_id", summary.CycleID).
			Interface("outcomes", summary.Outcomes).
			Msg("simulated cycle finished")

		if opts.AutoApprove {
			if err := a.approveAll(ctx, rt.gate, "simulator"); err != nil {
				return err
			}
		}

		platform.step()
		now = now.Add(a.Config.Scheduler.Interval)
	}

	a.stores = rt
	defer func() { a.stores = nil }()
	if err := a.Show(ctx, ShowOptions{Limit: opts.Cycles * opts.Campaigns * 2}); err != nil {
		return err
	}
	fmt.Fprintln(a.Out)
	return a.Campaigns(ctx)
}

func (a *App) approveAll(ctx context.Context, g *gate.Gate, actor string) error {
	pending, err := g.Pending(ctx)
	if err != nil {
		return err
	}
	for _, e := range pending {
		if _, err := g.Approve(ctx, e.Key, actor); err != nil {
			return err
		}
	}
	return nil
}

// simPlatform is an in-process ad platform whose ROAS follows a seeded random walk.
type simPlatform struct {
	mu      sync.Mutex
	rng     *rand.Rand
	drift   float64
	ids     []string
	roas    map[string]float64
	budgets map[string]decimal.Decimal
	paused  map[string]bool
}

func newSimPlatform(opts SimulateOptions) *simPlatform {
	p := &simPlatform{
		rng:     rand.New(rand.NewSource(opts.Seed)),
		drift:   opts.Drift,
		roas:    make(map[string]float64),
		budgets: make(map[string]decimal.Decimal),
		paused:  make(map[string]bool),
	}
	for i := 1; i <= opts.Campaigns; i++ {
		id := fmt.Sprintf("sim-%02d", i)
		p.ids = append(p.ids, id)
		p.roas[id] = opts.StartROAS
		p.budgets[id] = opts.Budget
	}
	return p
}

func (p *simPlatform) step() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.ids {
		next := p.roas[id] + (p.rng.Float64()*2-1)*p.drift
		if next < 0.1 {
			next = 0.1
		}
		p.roas[id] = next
	}
}

func (p *simPlatform) GetMetrics(_ context.Context, campaignID string) (campaign.MetricSample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	budget, ok := p.budgets[campaignID]
	if !ok {
		return campaign.MetricSample{}, fmt.Errorf("unknown campaign %q", campaignID)
	}
	spend := budget.Div(decimal.NewFromInt(2)).Round(2)
	if p.paused[campaignID] {
		spend = decimal.Zero
	}
	revenue := spend.Mul(decimal.NewFromFloat(p.roas[campaignID])).Round(2)
	clicks := spend.IntPart() * 3
	return campaign.MetricSample{
		Impressions: clicks * 40,
		Clicks:      clicks,
		Conversions: clicks / 20,
		Spend:       spend,
		Revenue:     revenue,
	}, nil
}

func (p *simPlatform) UpdateBudget(_ context.Context, campaignID string, delta decimal.Decimal) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.budgets[campaignID] = p.budgets[campaignID].Add(delta)
	return json.Marshal(map[string]string{"daily_budget": p.budgets[campaignID].StringFixed(2)})
}

func (p *simPlatform) Pause(_ context.Context, campaignID string) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused[campaignID] = true
	return json.RawMessage(`{"status":"paused"}`), nil
}

func (p *simPlatform) Resume(_ context.Context, campaignID string) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused[campaignID] = false
	return json.RawMessage(`{"status":"active"}`), nil
}
