// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra       — external connections (Redis, opportunistically)
//  2. initProviders   — LLM vendor transports
//  3. initServices    — cache backend, Prometheus registry, audit logger
//  4. initStore       — Postgres pool, migrations, optional ClickHouse writer
//  5. initRouting     — registry, resolver, key pool, health monitor,
//     metrics engine, session store, credit meter (C1-C5, C9, C10)
//  6. initOrchestrator — binds C1-C10 plus cache/metrics/rate-limit/audit
//     into the request pipeline (C11) and builds the HTTP gateway
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/aperture-gateway/internal/analytics"
	npCache "github.com/nulpointcorp/aperture-gateway/internal/cache"
	"github.com/nulpointcorp/aperture-gateway/internal/config"
	"github.com/nulpointcorp/aperture-gateway/internal/credit"
	"github.com/nulpointcorp/aperture-gateway/internal/health"
	"github.com/nulpointcorp/aperture-gateway/internal/keypool"
	"github.com/nulpointcorp/aperture-gateway/internal/logger"
	"github.com/nulpointcorp/aperture-gateway/internal/metrics"
	"github.com/nulpointcorp/aperture-gateway/internal/metricsengine"
	"github.com/nulpointcorp/aperture-gateway/internal/orchestrator"
	"github.com/nulpointcorp/aperture-gateway/internal/providers"
	anthropicprov "github.com/nulpointcorp/aperture-gateway/internal/providers/anthropic"
	azureprov "github.com/nulpointcorp/aperture-gateway/internal/providers/azure"
	bedrockprov "github.com/nulpointcorp/aperture-gateway/internal/providers/bedrock"
	geminiprov "github.com/nulpointcorp/aperture-gateway/internal/providers/gemini"
	mistralprov "github.com/nulpointcorp/aperture-gateway/internal/providers/mistral"
	openaiprov "github.com/nulpointcorp/aperture-gateway/internal/providers/openai"
	openaicompatprov "github.com/nulpointcorp/aperture-gateway/internal/providers/openaicompat"
	vertexaiprov "github.com/nulpointcorp/aperture-gateway/internal/providers/vertexai"
	"github.com/nulpointcorp/aperture-gateway/internal/proxy"
	"github.com/nulpointcorp/aperture-gateway/internal/registry"
	"github.com/nulpointcorp/aperture-gateway/internal/resolver"
	"github.com/nulpointcorp/aperture-gateway/internal/session"
	"github.com/nulpointcorp/aperture-gateway/internal/store"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	reqLogger       *logger.Logger
	memCache        *npCache.MemoryCache
	cache           npCache.Cache
	cacheExclusions *npCache.ExclusionList

	prom *metrics.Registry

	provs map[string]providers.Provider
	mgmt  *proxy.ManagementRoutes
	gw    *proxy.Gateway

	// Control-plane store and routing pipeline (C1-C11).
	db         *store.Store
	chWriter   *analytics.Writer
	reg        *registry.Registry
	resolve    *resolver.Resolver
	keys       *keypool.Pool
	healthMon  *health.Monitor
	metricsEng *metricsengine.Engine
	sessions   *session.Store
	creditMtr  *credit.Meter
	orch       *orchestrator.Orchestrator
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"store", a.initStore},
		{"routing", a.initRouting},
		{"orchestrator", a.initOrchestrator},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Int("providers", len(a.provs)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		a.runHealthProbeLoop(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// runHealthProbeLoop periodically probes every registered provider (C4)
// until ctx is canceled, mirroring registry.RunAutoReload's shape.
func (a *App) runHealthProbeLoop(ctx context.Context) {
	interval := a.cfg.Health.ProbeInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	a.healthMon.ProbeAll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.healthMon.ProbeAll(ctx)
		}
	}
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times; it takes no lock, so concurrent calls are not safe.
func (a *App) Close() {
	if a.metricsEng != nil {
		a.metricsEng.Close()
		a.metricsEng = nil
	}
	if a.chWriter != nil {
		a.chWriter.Close()
		a.chWriter = nil
	}
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// buildProviders creates a provider map from non-empty API keys / credentials.
func buildProviders(ctx context.Context, cfg *config.Config) map[string]providers.Provider {
	provs := make(map[string]providers.Provider)

	// ── Original four ─────────────────────────────────────────────────────────
	if cfg.OpenAI.APIKey != "" {
		var openaiOpts []openaiprov.Option
		if cfg.OpenAI.BaseURL != "" {
			openaiOpts = append(openaiOpts, openaiprov.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		provs["openai"] = openaiprov.New(cfg.OpenAI.APIKey, openaiOpts...)
	}
	if cfg.Anthropic.APIKey != "" {
		var anthropicOpts []anthropicprov.Option
		if cfg.Anthropic.BaseURL != "" {
			anthropicOpts = append(anthropicOpts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		provs["anthropic"] = anthropicprov.New(cfg.Anthropic.APIKey, anthropicOpts...)
	}
	if cfg.Gemini.APIKey != "" {
		var geminiOpts []geminiprov.Option
		if cfg.Gemini.BaseURL != "" {
			geminiOpts = append(geminiOpts, geminiprov.WithBaseURL(cfg.Gemini.BaseURL))
		}
		provs["gemini"] = geminiprov.New(ctx, cfg.Gemini.APIKey, geminiOpts...)
	}
	if cfg.Mistral.APIKey != "" {
		var mistralOpts []mistralprov.Option
		if cfg.Mistral.BaseURL != "" {
			mistralOpts = append(mistralOpts, mistralprov.WithBaseURL(cfg.Mistral.BaseURL))
		}
		provs["mistral"] = mistralprov.New(cfg.Mistral.APIKey, mistralOpts...)
	}

	// ── OpenAI-compatible providers ───────────────────────────────────────────
	type ocEntry struct {
		key     string
		name    string
		baseURL string
	}
	ocProviders := []ocEntry{
		{cfg.XAI.APIKey, "xai", "https://api.x.ai/v1"},
		{cfg.DeepSeek.APIKey, "deepseek", "https://api.deepseek.com/v1"},
		{cfg.Groq.APIKey, "groq", "https://api.groq.com/openai/v1"},
		{cfg.Together.APIKey, "together", "https://api.together.xyz/v1"},
		{cfg.Perplexity.APIKey, "perplexity", "https://api.perplexity.ai"},
		{cfg.Cerebras.APIKey, "cerebras", "https://api.cerebras.ai/v1"},
		{cfg.Moonshot.APIKey, "moonshot", "https://api.moonshot.cn/v1"},
		{cfg.MiniMax.APIKey, "minimax", "https://api.minimax.chat/v1"},
		{cfg.Qwen.APIKey, "qwen", "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"},
		{cfg.Nebius.APIKey, "nebius", "https://api.studio.nebius.ai/v1"},
		{cfg.NovitaAI.APIKey, "novita", "https://api.novita.ai/v3/openai"},
		{cfg.ByteDance.APIKey, "bytedance", "https://ark.cn-beijing.volces.com/api/v3"},
		{cfg.ZAI.APIKey, "zai", "https://api.z.ai/api/openai/v1"},
		{cfg.CanopyWave.APIKey, "canopywave", "https://api.canopywave.com/v1"},
		{cfg.Inference.APIKey, "inference", "https://api.inference.net/v1"},
		{cfg.NanoGPT.APIKey, "nanogpt", "https://nano-gpt.com/api/v1"},
	}
	for _, e := range ocProviders {
		if e.key != "" {
			provs[e.name] = openaicompatprov.New(e.name, e.key, e.baseURL)
		}
	}

	// ── Google Vertex AI ──────────────────────────────────────────────────────
	if cfg.VertexAI.Project != "" {
		loc := cfg.VertexAI.Location
		var opts []vertexaiprov.Option
		if loc != "" {
			opts = append(opts, vertexaiprov.WithLocation(loc))
		}
		if p, err := vertexaiprov.New(ctx, cfg.VertexAI.Project, opts...); err == nil {
			provs["vertexai"] = p
		}
	}

	// ── AWS Bedrock ───────────────────────────────────────────────────────────
	if cfg.Bedrock.AccessKey != "" && cfg.Bedrock.SecretKey != "" && cfg.Bedrock.Region != "" {
		var opts []bedrockprov.Option
		if cfg.Bedrock.SessionToken != "" {
			opts = append(opts, bedrockprov.WithSessionToken(cfg.Bedrock.SessionToken))
		}
		if cfg.Bedrock.EndpointURL != "" {
			opts = append(opts, bedrockprov.WithEndpointURL(cfg.Bedrock.EndpointURL))
		}
		provs["bedrock"] = bedrockprov.New(
			cfg.Bedrock.AccessKey, cfg.Bedrock.SecretKey, cfg.Bedrock.Region, opts...,
		)
	}

	// ── Azure OpenAI ──────────────────────────────────────────────────────────
	if cfg.Azure.APIKey != "" && cfg.Azure.Endpoint != "" {
		apiVersion := cfg.Azure.APIVersion
		if apiVersion == "" {
			apiVersion = "2024-12-01-preview"
		}
		provs["azure"] = azureprov.New(cfg.Azure.Endpoint, cfg.Azure.APIKey, apiVersion)
	}

	return provs
}
