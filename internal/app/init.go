package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/aperture-gateway/internal/analytics"
	npCache "github.com/nulpointcorp/aperture-gateway/internal/cache"
	"github.com/nulpointcorp/aperture-gateway/internal/credit"
	"github.com/nulpointcorp/aperture-gateway/internal/domain"
	"github.com/nulpointcorp/aperture-gateway/internal/health"
	"github.com/nulpointcorp/aperture-gateway/internal/keypool"
	"github.com/nulpointcorp/aperture-gateway/internal/logger"
	"github.com/nulpointcorp/aperture-gateway/internal/metrics"
	"github.com/nulpointcorp/aperture-gateway/internal/metricsengine"
	"github.com/nulpointcorp/aperture-gateway/internal/orchestrator"
	"github.com/nulpointcorp/aperture-gateway/internal/proxy"
	"github.com/nulpointcorp/aperture-gateway/internal/ratelimit"
	"github.com/nulpointcorp/aperture-gateway/internal/registry"
	"github.com/nulpointcorp/aperture-gateway/internal/resolver"
	"github.com/nulpointcorp/aperture-gateway/internal/session"
	"github.com/nulpointcorp/aperture-gateway/internal/store"
)

// initInfra establishes optional external connections. Redis is required
// when CACHE_MODE=redis and is connected opportunistically whenever
// REDIS_URL is set so the session store (C9) and rate limiter can use it
// for cross-process state instead of their in-process fallbacks. The key
// pool (C3) receives the client but keeps its state in-process.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the LLM provider map. At least one provider must be
// configured — this is enforced by config.Load's validate step before we reach here.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache backend, Prometheus metrics registry, and
// the async audit logger that feeds the orchestrator's RequestLogger.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		a.cache = npCache.NewExactCacheFromClient(a.rdb)
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = npCache.NewMemoryCache(ctx)
		a.cache = a.memCache
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		a.cacheExclusions = el
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLog, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLog

	return nil
}

// initStore connects the Postgres control-plane pool, applies pending
// migrations, and optionally starts the ClickHouse analytics writer.
func (a *App) initStore(ctx context.Context) error {
	db, err := store.New(ctx, a.cfg.Database.URL, a.cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	a.db = db

	if err := store.Migrate(a.cfg.Database.URL, a.cfg.Database.MigrationsPath); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.log.Info("control-plane store ready", slog.String("migrations", a.cfg.Database.MigrationsPath))

	if a.cfg.ClickHouse.Enabled {
		w, err := analytics.New(analytics.Options{
			Addr:          a.cfg.ClickHouse.Addr,
			Database:      a.cfg.ClickHouse.Database,
			Username:      a.cfg.ClickHouse.Username,
			Password:      a.cfg.ClickHouse.Password,
			BatchSize:     a.cfg.ClickHouse.BatchSize,
			FlushInterval: a.cfg.ClickHouse.FlushInterval,
		}, a.log)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		w.Start(ctx)
		a.chWriter = w
		a.log.Info("clickhouse analytics writer started", slog.String("addr", a.cfg.ClickHouse.Addr))
	}

	return nil
}

// fanoutSink implements metricsengine.FlushSink by writing every flushed
// window to Postgres (system of record for the scheduler's reads) and, when
// configured, mirroring it into the ClickHouse analytics writer. ClickHouse
// is write-only from the gateway's perspective per SPEC_FULL.md's analytics
// surface note — a failure there never blocks the Postgres write.
type fanoutSink struct {
	primary metricsengine.FlushSink
	mirror  metricsengine.FlushSink
	log     *slog.Logger
}

func (f fanoutSink) WriteMetrics(ctx context.Context, m domain.RoutingMetrics) error {
	err := f.primary.WriteMetrics(ctx, m)
	if f.mirror != nil {
		if merr := f.mirror.WriteMetrics(ctx, m); merr != nil {
			f.log.Warn("clickhouse metrics mirror failed", slog.String("error", merr.Error()))
		}
	}
	return err
}

// initRouting builds the C1-C10 routing pipeline: the provider registry,
// logical-model resolver, key pool, health monitor, metrics engine, session
// store and credit meter.
func (a *App) initRouting(ctx context.Context) error {
	reg, err := registry.New(ctx, a.db)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	a.reg = reg
	go a.reg.RunAutoReload(a.baseCtx, time.Minute)

	a.resolve = resolver.New(a.db, a.db)

	// FailureThreshold/Window come from the circuit-breaker tuning knobs —
	// same "N errors within a rolling window trips it" shape the teacher's
	// circuit breaker used, now generalized to key-level cooldown.
	keyCfg := keypool.DefaultConfig()
	if a.cfg.CircuitBreaker.ErrorThreshold > 0 {
		keyCfg.FailureThreshold = a.cfg.CircuitBreaker.ErrorThreshold
	}
	if a.cfg.CircuitBreaker.TimeWindow > 0 {
		keyCfg.Window = a.cfg.CircuitBreaker.TimeWindow
	}
	switch {
	case a.cfg.KeyPool.CooldownBase > 0:
		keyCfg.CooldownDuration = a.cfg.KeyPool.CooldownBase
	case a.cfg.CircuitBreaker.HalfOpenTimeout > 0:
		keyCfg.CooldownDuration = a.cfg.CircuitBreaker.HalfOpenTimeout
	}
	a.keys = keypool.New(keyCfg, a.log, a.rdb)

	a.healthMon = health.New(a.reg, a.keys, a.db, nil, a.cfg.Health.ResultTTL)

	var sink metricsengine.FlushSink = a.db
	if a.chWriter != nil {
		sink = fanoutSink{primary: a.db, mirror: a.chWriter, log: a.log}
	}
	metricsOpts := metricsengine.DefaultOptions()
	if a.cfg.Metrics.FlushInterval > 0 {
		metricsOpts.FlushInterval = a.cfg.Metrics.FlushInterval
	}
	if a.cfg.Metrics.SuccessSampleRate > 0 {
		metricsOpts.SuccessSampleRate = a.cfg.Metrics.SuccessSampleRate
	}
	a.metricsEng = metricsengine.New(a.baseCtx, sink, a.log, metricsOpts)

	a.sessions = session.New(a.rdb, a.cfg.SessionStore.TTL)

	a.creditMtr = credit.New(a.db, a.db, a.log, credit.Options{
		Enforce:         a.cfg.Credit.Enforce,
		StreamMinTokens: a.cfg.Credit.StreamMinTokens,
	})

	return nil
}

// initOrchestrator builds the Request Orchestrator (C11), binding every
// routing component (C1-C10) plus the optional rate limiter, response cache,
// Prometheus registry and audit logger into a single request pipeline.
func (a *App) initOrchestrator(_ context.Context) error {
	opts := orchestrator.Options{
		Strategy:        domain.DefaultStrategy(),
		StickinessBonus: a.cfg.Scheduler.StickinessBonus,
		MaxAttempts:     a.cfg.Failover.MaxRetries,
		Cache:           a.cache,
		CacheTTL:        a.cfg.Cache.TTL,
		CacheExclusions: a.cacheExclusions,
		Metrics:         a.prom,
		ReqLogger:       a.reqLogger,
	}

	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		opts.RPMLimiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	a.orch = orchestrator.New(
		a.reg, a.resolve, a.keys, a.metricsEng, a.sessions, a.creditMtr, a.db, a.provs, a.log,
		opts,
	)

	a.gw = proxy.NewGateway(a.log, a.healthMon, a.orch, a.cfg.CORSOrigins)
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
