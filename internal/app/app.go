package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"campaign-loop/internal/alerting"
	"campaign-loop/internal/collector"
	"campaign-loop/internal/config"
	"campaign-loop/internal/dispatch"
	"campaign-loop/internal/engine"
	"campaign-loop/internal/gate"
	"campaign-loop/internal/httpapi"
	"campaign-loop/internal/ledger"
	"campaign-loop/internal/orchestrator"
	"campaign-loop/internal/platform"
	"campaign-loop/internal/roster"
	"campaign-loop/internal/scheduler"
	"campaign-loop/internal/signals"
	"campaign-loop/internal/state"
	"campaign-loop/internal/storage"
	"campaign-loop/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives tables and JSON summaries.
	Out io.Writer

	// stores replaces the configured database when set.
	stores *runtime
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config: cfg,
		Logger: logger.With().Str("component", "app").Logger(),
		Out:    os.Stdout,
	}
}

// runtime is the wired control loop plus what must be closed afterwards.
type runtime struct {
	states  state.Store
	ledger  ledger.Store
	gate    *gate.Gate
	orch    *orchestrator.Orchestrator
	closers []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// openStores picks Postgres when a DSN is configured and process memory otherwise.
func (a *App) openStores(ctx context.Context, rt *runtime) (*pgxpool.Pool, error) {
	if a.Config.Database.DSN == "" {
		a.Logger.Warn().Msg("database.dsn not configured; ledger and campaign state are process-local")
		rt.states = state.NewMemory()
		rt.ledger = ledger.NewMemory()
		return nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, pool.Close)

	if a.Config.Database.AutoMigrate {
		if err := storage.Migrate(ctx, pool); err != nil {
			return nil, err
		}
	}

	states := state.NewSQLFromPool(pool)
	rt.closers = append(rt.closers, func() { _ = states.Close() })
	rt.states = states
	rt.ledger = ledger.NewPostgres(pool)
	return pool, nil
}

func (a *App) openInbox(ctx context.Context, rt *runtime) (gate.Inbox, error) {
	if a.Config.Gate.Backend != "redis" {
		return gate.NewMemoryInbox(), nil
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    a.Config.Redis.Addrs,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	rt.closers = append(rt.closers, func() { _ = client.Close() })
	return gate.NewRedisInbox(client, a.Config.Redis.Prefix), nil
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	notifiers := alerting.Multi{alerting.NewLogNotifier(a.Logger)}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger))
	}
	return notifiers
}

func (a *App) userAgent(configured string) string {
	if configured != "" {
		return configured
	}
	return "campaignloop/" + version.Version
}

func (a *App) newTargets() (*platform.Client, []dispatch.Target) {
	pc := a.Config.Platform
	ads := platform.NewClient(platform.Options{
		Name:      pc.Ads.Name,
		BaseURL:   pc.Ads.BaseURL,
		Token:     pc.Ads.Token,
		Timeout:   pc.Ads.Timeout,
		UserAgent: a.userAgent(pc.UserAgent),
	}, a.Logger)

	targets := []dispatch.Target{dispatch.NewTarget(ads.Name(), ads)}
	for _, p := range pc.Publishers {
		pub := platform.NewPublisher(platform.Options{
			Name:      p.Name,
			BaseURL:   p.BaseURL,
			Token:     p.Token,
			Timeout:   p.Timeout,
			UserAgent: a.userAgent(pc.UserAgent),
		}, a.Logger)
		targets = append(targets, dispatch.NewTarget(pub.Name(), pub))
	}
	return ads, targets
}

func (a *App) newEvaluator() signals.Evaluator {
	sc := a.Config.Signals
	client := signals.NewHTTPClient(signals.HTTPOptions{
		BaseURL:   sc.BaseURL,
		Token:     sc.Token,
		Timeout:   sc.Timeout,
		UserAgent: a.userAgent(sc.UserAgent),
	}, a.Logger)
	return signals.NewComposite(client, client, client, signals.CompositeOptions{
		AnomalyThreshold: sc.AnomalyThreshold,
		Timeout:          sc.Timeout,
	}, a.Logger)
}

// loopParts are the pluggable edges of the control loop; simulate swaps them for fakes.
type loopParts struct {
	source    collector.MetricsSource
	targets   []dispatch.Target
	evaluator signals.Evaluator
	notifier  alerting.Notifier
	locker    storage.AdvisoryLocker
	now       func() time.Time
}

// assemble builds the control loop on top of rt's stores.
func (a *App) assemble(rt *runtime, inbox gate.Inbox, parts loopParts) error {
	eng, err := engine.New(a.Config.Engine.ToEngine())
	if err != nil {
		return err
	}
	if parts.now == nil {
		parts.now = time.Now
	}

	recorder := ledger.NewRecorder(rt.ledger, parts.now, a.Logger)
	rt.gate = gate.New(inbox, parts.notifier, gate.Options{Expiry: a.Config.Gate.Expiry, Now: parts.now}, a.Logger)

	dc := a.Config.Dispatcher
	disp := dispatch.New(parts.targets, recorder, rt.states, dispatch.Options{
		Retry: dispatch.RetryPolicy{
			Attempts:       dc.Attempts,
			BaseDelay:      dc.BaseDelay,
			Factor:         dc.Factor,
			AttemptTimeout: dc.AttemptTimeout,
		},
		MinTimingConfidence: dc.MinTimingConfidence,
		RememberFor:         dc.RememberFor,
		Now:                 parts.now,
	}, a.Logger)

	coll := collector.New(parts.source, collector.Options{
		Timeout:     a.Config.Collector.Timeout,
		HistorySize: a.Config.Collector.HistorySize,
		Now:         parts.now,
	}, a.Logger)

	rt.orch, err = orchestrator.New(orchestrator.Deps{
		Collector:  coll,
		Evaluator:  parts.evaluator,
		Engine:     eng,
		Gate:       rt.gate,
		Dispatcher: disp,
		Recorder:   recorder,
		States:     rt.states,
		Notifier:   parts.notifier,
		Locker:     parts.locker,
	}, orchestrator.Options{
		MaxConcurrency: a.Config.Scheduler.MaxConcurrency,
		LockKey:        a.Config.Scheduler.AdvisoryLockKey,
		HistorySize:    a.Config.Collector.HistorySize,
		Now:            parts.now,
	}, a.Logger)
	return err
}

// build wires the production control loop.
func (a *App) build(ctx context.Context) (*runtime, error) {
	rt := &runtime{}
	fail := func(err error) (*runtime, error) {
		rt.Close()
		return nil, err
	}

	pool, err := a.openStores(ctx, rt)
	if err != nil {
		return fail(err)
	}
	if err := a.applyRoster(ctx, rt.states); err != nil {
		return fail(err)
	}
	inbox, err := a.openInbox(ctx, rt)
	if err != nil {
		return fail(err)
	}

	var locker storage.AdvisoryLocker = storage.NoopLocker{}
	if pool != nil {
		locker = storage.NewPGLocker(pool, a.Logger)
	}

	ads, targets := a.newTargets()
	err = a.assemble(rt, inbox, loopParts{
		source:    ads,
		targets:   targets,
		evaluator: a.newEvaluator(),
		notifier:  a.newNotifier(),
		locker:    locker,
	})
	if err != nil {
		return fail(err)
	}
	return rt, nil
}

// persistent opens the durable stores for the read-side commands.
func (a *App) persistent(ctx context.Context) (*runtime, error) {
	if a.stores != nil {
		return &runtime{states: a.stores.states, ledger: a.stores.ledger}, nil
	}
	if a.Config.Database.DSN == "" {
		return nil, errors.New("database not configured; set database.dsn")
	}
	rt := &runtime{}
	if _, err := a.openStores(ctx, rt); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (a *App) applyRoster(ctx context.Context, store state.Store) error {
	if a.Config.Roster.Path == "" {
		return nil
	}
	r, err := roster.Load(a.Config.Roster.Path)
	if err != nil {
		return err
	}
	_, err = r.Apply(ctx, store, a.Logger)
	return err
}

// Run executes the long-running control loop and the operator API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.orch.Warm(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("could not warm history from ledger; trend rules start cold")
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToStart,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   a.Config.Scheduler.RunOnStart,
	}, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.orch.Run(gctx, sched)
	})
	if a.Config.HTTP.Enabled {
		srv := httpapi.New(rt.gate, rt.orch, rt.states, rt.ledger, httpapi.Options{
			Addr:            a.Config.HTTP.Addr,
			ShutdownTimeout: a.Config.HTTP.ShutdownTimeout,
			LedgerLimit:     a.Config.HTTP.LedgerLimit,
		}, a.Logger)
		g.Go(func() error {
			return srv.ListenAndServe(gctx)
		})
	}

	a.Logger.Info().
		Dur("interval", sched.Interval()).
		Str("version", version.Version).
		Msg("starting campaign control loop")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("control loop terminated with error")
		return err
	}

	a.Logger.Info().Msg("campaign control loop stopped")
	return nil
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit      int
	CampaignID string
}

// ExportOptions hold parameters for exporting ledger history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ArchiveOptions bound the ledger window copied to object storage.
type ArchiveOptions struct {
	From time.Time
	To   time.Time
}
