package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"rate-alarms/internal/alarm"
	"rate-alarms/internal/alerting"
	"rate-alarms/internal/breaker"
	"rate-alarms/internal/config"
	"rate-alarms/internal/evaluator"
	"rate-alarms/internal/fetcher"
	"rate-alarms/internal/kvcache"
	"rate-alarms/internal/metrics"
	"rate-alarms/internal/rates"
	"rate-alarms/internal/scheduler"
	"rate-alarms/internal/service"
	"rate-alarms/internal/storage"
	"rate-alarms/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// runtime is the wired component graph shared by every command.
type runtime struct {
	kv        kvcache.Store
	alarms    *alarm.Store
	tokens    *alarm.TokenRegistry
	cache     *rates.Cache
	breaker   *breaker.Breaker
	refresher *fetcher.Refresher
	evaluator *evaluator.Evaluator
	triggers  *storage.Store
	metrics   metrics.Recorder
	service   *service.Service
}

func (a *App) openKV(ctx context.Context) (kvcache.Store, error) {
	c := a.Config.Cache
	return kvcache.Open(ctx, kvcache.Options{
		Driver:       c.Driver,
		Path:         c.Path,
		RedisURL:     c.RedisURL,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
		ScanBatch:    c.ScanBatch,
	}, a.Logger)
}

// errEphemeralCache rejects one-shot commands whose writes would vanish with
// the process.
var errEphemeralCache = errors.New("cache.driver=memory with cache.path=:memory: keeps no state between commands; set cache.path to a file or use the redis driver")

func (a *App) requirePersistentCache() error {
	c := a.Config.Cache
	if strings.EqualFold(c.Driver, "redis") {
		return nil
	}
	if c.Path == "" || c.Path == kvcache.InMemoryPath {
		return errEphemeralCache
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return storage.NewStore(nil), func() {}, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	return store, store.Close, nil
}

func (a *App) newSources() []fetcher.Source {
	cfg := a.Config.Fetcher
	ua := cfg.UserAgent
	if ua == "" {
		ua = version.UserAgent()
	}
	sources := make([]fetcher.Source, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		sources = append(sources, fetcher.NewHTTPSource(fetcher.HTTPOptions{
			Name:      src.Name,
			URL:       src.URL,
			Timeout:   cfg.RequestTimeout,
			UserAgent: ua,
			APIKey:    src.APIKey,
		}, a.Logger))
	}
	return sources
}

func (a *App) newSender() alerting.Sender {
	if cfg := a.Config.Push; cfg.Enabled {
		return alerting.NewPushSender(cfg.Endpoint, cfg.ServerKey, cfg.Timeout, a.Logger)
	}
	a.Logger.Debug().Msg("push disabled; alarm notifications are only logged")
	return alerting.NewLogSender(a.Logger)
}

func (a *App) newOpsNotifier() alerting.OpsNotifier {
	if cfg := a.Config.Alerting.Telegram; cfg.Enabled {
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return nil
}

func jewelerMargins(in map[string]float64) map[rates.Category]decimal.Decimal {
	out := make(map[rates.Category]decimal.Decimal, len(in))
	for _, cat := range rates.Categories {
		if pct, ok := in[string(cat)]; ok {
			out[cat] = decimal.NewFromFloat(pct)
		}
	}
	return out
}

// build wires every component; the returned closer releases the store and
// database pool.
func (a *App) build(ctx context.Context, rec metrics.Recorder) (*runtime, func(), error) {
	kv, err := a.openKV(ctx)
	if err != nil {
		return nil, nil, err
	}
	triggers, closeStore, err := a.openStore(ctx)
	if err != nil {
		_ = kv.Close()
		return nil, nil, err
	}
	if !triggers.Configured() {
		a.Logger.Debug().Msg("database.dsn not configured; trigger audit disabled")
	}
	if rec == nil {
		rec = metrics.Noop()
	}

	cfg := a.Config
	rt := &runtime{kv: kv, triggers: triggers, metrics: rec}
	rt.alarms = alarm.NewStore(kv, alarm.Options{MaxPerUser: cfg.Alarms.MaxPerUser, TTL: cfg.Alarms.TTL}, a.Logger)
	rt.tokens = alarm.NewTokenRegistry(kv, cfg.Alarms.TokenTTL)
	rt.cache = rates.NewCache(kv, cfg.Fetcher.SnapshotTTL, a.Logger)

	var svc *service.Service
	rt.breaker = breaker.New(breaker.Options{
		Name:             "rates",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Timeout:          cfg.Breaker.Timeout,
		OnStateChange: func(name string, from, to breaker.State) {
			if svc != nil {
				svc.OnBreakerChange(name, from, to)
			}
		},
	}, a.Logger)

	rt.refresher = fetcher.NewRefresher(a.newSources(), rt.breaker, rt.cache, fetcher.Options{
		Attempts:         cfg.Fetcher.Attempts,
		BackoffMin:       cfg.Fetcher.BackoffMin,
		BackoffMax:       cfg.Fetcher.BackoffMax,
		JewelerMarginPct: jewelerMargins(cfg.Fetcher.JewelerMarginPct),
	}, rec, a.Logger)

	rt.evaluator = evaluator.New(rt.alarms, rt.tokens, rt.cache, a.newSender(), evaluator.Options{
		Workers: cfg.Alarms.Workers,
	}, rec, a.Logger)

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Interval > 0 {
		sched = scheduler.New(scheduler.Options{
			Interval:     cfg.Scheduler.Interval,
			StartupDelay: cfg.Scheduler.StartupDelay,
		}, a.Logger)
	}

	svc = service.New(sched, rt.refresher, rt.evaluator, kv, triggers, a.newOpsNotifier(), rec, service.Options{
		LockKey:          cfg.Scheduler.AdvisoryLockKey,
		TriggerRetention: cfg.Database.TriggerRetention,
	}, a.Logger)
	rt.service = svc

	closer := func() {
		closeStore()
		if err := kv.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close cache store")
		}
	}
	return rt, closer, nil
}

// Run executes the long-running alarm service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rec := metrics.New(a.Config.Metrics.Enabled, prometheus.NewRegistry())
	rt, closeAll, err := a.build(ctx, rec)
	if err != nil {
		return err
	}
	defer closeAll()

	if a.Config.Metrics.Enabled {
		srv := a.serveMetrics(rec)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	a.Logger.Info().Str("version", version.Version).Str("cache", a.Config.Cache.Driver).Msg("starting alarm service")
	err = rt.service.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("alarm service stopped")
	return nil
}

func (a *App) serveMetrics(rec metrics.Recorder) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rec.Handler())
	srv := &http.Server{Addr: a.Config.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Str("listen", a.Config.Metrics.Listen).Msg("metrics server failed")
		}
	}()
	a.Logger.Info().Str("listen", a.Config.Metrics.Listen).Msg("serving metrics")
	return srv
}

// RatesOptions configure the rates command.
type RatesOptions struct {
	Profile  rates.Profile
	Category rates.Category
}

// TriggersOptions configure the triggers command.
type TriggersOptions struct {
	Limit int
	Token string
}

// AddAlarmOptions describe an alarm created from the command line.
type AddAlarmOptions struct {
	Token     string
	AssetCode string
	Kind      string
	Profile   string
	Mode      string
	Target    string
	Start     string
	Percent   string
	Direction string
}
