package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"drawfeed/internal/alerting"
	"drawfeed/internal/api"
	"drawfeed/internal/broadcast"
	"drawfeed/internal/cache"
	"drawfeed/internal/config"
	"drawfeed/internal/countdown"
	"drawfeed/internal/endpoint"
	"drawfeed/internal/fetcher"
	"drawfeed/internal/service"
	"drawfeed/internal/storage"
	"drawfeed/internal/version"
)

// adapterTimeout bounds a single adapter call; the orchestrator applies the
// tighter per-source timeout on top.
const adapterTimeout = 15 * time.Second

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// runtime is the fully wired object graph shared by run and the one-shot commands.
type runtime struct {
	store        *storage.Store
	dispatcher   *alerting.Dispatcher
	registry     *endpoint.Registry
	countdowns   *countdown.Manager
	hub          *broadcast.Hub
	adapters     *fetcher.Set
	cache        *cache.TTLCache
	orchestrator *service.Orchestrator
}

func (rt *runtime) close() {
	if rt.orchestrator != nil {
		rt.orchestrator.Close()
	}
	if rt.adapters != nil {
		rt.adapters.Close()
	}
	if rt.hub != nil {
		rt.hub.Close()
	}
	if rt.registry != nil {
		rt.registry.FlushSnapshots()
	}
	if rt.store != nil {
		rt.store.Close()
	}
}

func (a *App) newNotifiers() []alerting.Notifier {
	var notifiers []alerting.Notifier
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
	}
	return notifiers
}

func (a *App) openStore(ctx context.Context) (*storage.Store, error) {
	if a.Config.Database.DSN == "" {
		return nil, nil
	}

	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}

	if a.Config.Database.AutoMigrate {
		v, err := storage.Migrate(store.Pool())
		if err != nil {
			store.Close()
			return nil, err
		}
		a.Logger.Info().Uint("version", v).Msg("database schema up to date")
	}
	return store, nil
}

// build wires every component. withStore=false keeps one-shot tools off the database.
func (a *App) build(ctx context.Context, withStore bool) (*runtime, error) {
	rt := &runtime{}
	if withStore {
		store, err := a.openStore(ctx)
		if err != nil {
			return nil, err
		}
		if store == nil {
			a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
		}
		rt.store = store
	}

	rt.dispatcher = alerting.NewDispatcher(alerting.DispatcherOptions{
		Buffer:    a.Config.Alerting.Buffer,
		Cooldown:  a.Config.Alerting.Cooldown,
		Notifiers: a.newNotifiers(),
	}, a.Logger)
	var publisher alerting.Publisher = alerting.Discard
	if a.Config.Alerting.Enabled {
		publisher = rt.dispatcher
	}

	regOpts := endpoint.Options{
		RecoveryWindow:   a.Config.HealthCheck.RecoveryWindow,
		ProbeConcurrency: a.Config.HealthCheck.Concurrency,
		Publisher:        publisher,
		Prober: endpoint.NewHTTPProber(endpoint.HTTPProberOptions{
			Timeout:      a.Config.HealthCheck.ProbeTimeout,
			ProbesPerSec: a.Config.HealthCheck.ProbesPerSec,
			UserAgent:    version.UserAgent(),
		}),
	}
	if rt.store != nil {
		regOpts.Persister = rt.store
	}
	rt.registry = endpoint.NewRegistry(regOpts, a.Logger)
	if err := a.seedEndpoints(ctx, rt); err != nil {
		rt.close()
		return nil, err
	}

	rt.hub = broadcast.NewHub(broadcast.Options{
		WriteTimeout:   a.Config.Broadcast.WriteTimeout,
		SendBuffer:     a.Config.Broadcast.SendBuffer,
		AllowedOrigins: a.Config.Broadcast.AllowedOrigins,
		Snapshot: func() countdown.BatchMessage {
			return countdown.BatchMessage{
				ID:     uuid.NewString(),
				Type:   countdown.MessageTypeCountdown,
				SentAt: time.Now(),
				Items:  rt.countdowns.Items(),
			}
		},
	}, a.Logger)
	rt.countdowns = countdown.NewManager(countdown.Options{
		TickInterval: a.Config.Countdown.TickInterval,
		Broadcaster:  rt.hub,
	}, a.Logger)

	adapters, err := fetcher.Build(a.Config.Adapters, adapterTimeout, version.UserAgent(), a.Logger)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.adapters = adapters

	catalog, err := service.NewCatalog(a.Config, adapters)
	if err != nil {
		rt.close()
		return nil, err
	}

	rt.cache = cache.New(a.Config.Cache.DefaultTTL, a.Config.Cache.SweepInterval)
	orchOpts := service.OrchestratorOptions{
		Catalog:       catalog,
		Adapters:      adapters,
		Registry:      rt.registry,
		Countdowns:    rt.countdowns,
		Cache:         rt.cache,
		LastKnownSize: a.Config.Cache.LastKnownSize,
	}
	if rt.store != nil {
		orchOpts.Store = rt.store
	}
	rt.orchestrator, err = service.NewOrchestrator(orchOpts, a.Logger)
	if err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

// seedEndpoints restores persisted endpoints and registers configured ones that are new.
func (a *App) seedEndpoints(ctx context.Context, rt *runtime) error {
	restored := make(map[string]struct{})
	if rt.store != nil {
		persisted, err := rt.store.LoadEndpoints(ctx)
		if err != nil {
			return err
		}
		for _, ep := range persisted {
			rt.registry.Restore(ep)
			restored[ep.ID] = struct{}{}
		}
		if len(persisted) > 0 {
			a.Logger.Info().Int("endpoints", len(persisted)).Msg("endpoints restored from database")
		}
	}

	for _, src := range a.Config.Sources {
		rt.registry.RegisterSource(src.Type, endpoint.SourcePolicy{
			TestPath:          src.TestPath,
			FailureThreshold:  src.FailureThreshold,
			DegradedThreshold: src.DegradedThreshold,
		})
		if !src.Pooled {
			continue
		}
		for _, ep := range src.Endpoints {
			if _, ok := restored[ep.ID]; ok {
				continue
			}
			_, err := rt.registry.AddEndpoint(ctx, endpoint.Endpoint{
				ID:         ep.ID,
				SourceType: src.Type,
				URL:        ep.URL,
				Priority:   ep.Priority,
				Enabled:    ep.IsEnabled(),
			})
			if err != nil && !errors.Is(err, endpoint.ErrDuplicateEndpoint) {
				return err
			}
		}
	}
	return nil
}

// Run executes the long-running acquisition service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx, true)
	if err != nil {
		return err
	}
	defer rt.close()

	svcOpts := service.Options{
		AlignToStart:    a.Config.Scheduler.AlignToBucket,
		StartupDelay:    a.Config.Scheduler.StartupDelay,
		Concurrency:     a.Config.Scheduler.Concurrency,
		AdvisoryLockKey: a.Config.Scheduler.AdvisoryLockKey,
	}
	handlerOpts := api.Options{
		Registry:   rt.registry,
		Fetcher:    rt.orchestrator,
		Countdowns: rt.countdowns,
		Cache:      rt.cache,
		Hub:        rt.hub,
	}
	if rt.store != nil {
		svcOpts.Locker = rt.store
		handlerOpts.Deleter = rt.store
	}
	svc := service.New(rt.orchestrator, svcOpts, a.Logger)
	server := api.NewServer(a.Config.Server, api.NewHandler(handlerOpts, a.Logger).Router(), a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.dispatcher.Run(gctx) })
	g.Go(func() error { return rt.countdowns.Run(gctx) })
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	if a.Config.HealthCheck.Enabled {
		g.Go(func() error {
			rt.registry.StartHealthChecks(gctx, a.Config.HealthCheck.Interval)
			return nil
		})
	}
	sweepEvery := a.Config.Cache.SweepInterval
	if sweepEvery <= 0 {
		sweepEvery = cache.DefaultSweepInterval
	}
	g.Go(func() error {
		ticker := time.NewTicker(sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := rt.cache.Sweep(); n > 0 {
					a.Logger.Debug().Int("evicted", n).Msg("cache sweep")
				}
			}
		}
	})

	a.Logger.Info().Str("addr", a.Config.Server.Addr).Int("sources", len(a.Config.Sources)).Int("items", len(a.Config.Items)).Msg("starting draw feed")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("draw feed stopped")
	return nil
}

// Migrate applies pending schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database.dsn not configured")
	}
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	v, err := storage.Migrate(store.Pool())
	if err != nil {
		return err
	}
	a.Logger.Info().Uint("version", v).Msg("migrations applied")
	return nil
}

// ExportOptions hold parameters for exporting persisted draws.
type ExportOptions struct {
	ItemID    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// HistoryOptions configure the history command.
type HistoryOptions struct {
	SourceType string
	Limit      int
}

// PollOptions configure a one-shot acquisition cycle.
type PollOptions struct {
	SourceType string
	DryRun     bool
}

// SimulateOptions configure a scripted failover run.
type SimulateOptions struct {
	SourceType string
	Failures   int
}
