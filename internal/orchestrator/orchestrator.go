// Package orchestrator implements the Request Orchestrator (C11): the
// end-to-end pipeline that binds authentication, credit enforcement,
// protocol parsing, model resolution, scheduling, key acquisition, upstream
// execution with failover, response rendering, session stickiness, and
// credit settlement into the handlers bound to /v1/chat/completions,
// /v1/messages, /v1/responses and /v1/models.
//
// The execute loop (C8) lives here rather than in internal/proxy because it
// needs every other C1-C10 component at once; internal/proxy only wires the
// HTTP transport and management routes in front of it.
package orchestrator

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/aperture-gateway/internal/cache"
	"github.com/nulpointcorp/aperture-gateway/internal/credit"
	"github.com/nulpointcorp/aperture-gateway/internal/domain"
	"github.com/nulpointcorp/aperture-gateway/internal/keypool"
	"github.com/nulpointcorp/aperture-gateway/internal/logger"
	"github.com/nulpointcorp/aperture-gateway/internal/metricsengine"
	"github.com/nulpointcorp/aperture-gateway/internal/protocol"
	"github.com/nulpointcorp/aperture-gateway/internal/providers"
	"github.com/nulpointcorp/aperture-gateway/internal/registry"
	"github.com/nulpointcorp/aperture-gateway/internal/resolver"
	"github.com/nulpointcorp/aperture-gateway/internal/scheduler"
	"github.com/nulpointcorp/aperture-gateway/internal/session"
	"github.com/nulpointcorp/aperture-gateway/pkg/apierr"
)

// CallerKeyStore resolves the caller's bearer token to a CallerAPIKey.
type CallerKeyStore interface {
	GetCallerKey(ctx context.Context, keyID string) (domain.CallerAPIKey, bool, error)
}

// RPMLimiter throttles requests per CallerAPIKey. Satisfied by
// *ratelimit.RPMLimiter's AllowKey method.
type RPMLimiter interface {
	AllowKey(ctx context.Context, key string) (bool, error)
}

// MetricsRecorder is the subset of *metrics.Registry the orchestrator
// instruments itself with. Defined here, rather than importing the
// concrete type, so tests can stub it without constructing a real
// Prometheus registry.
type MetricsRecorder interface {
	IncInFlight()
	DecInFlight()
	ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int)
	ObserveUpstreamAttempt(provider, route, outcome string, dur time.Duration)
	RecordRateLimit(result string)
	CacheGetHit()
	CacheGetMiss()
	RecordFailoverSuccess(primary, to string)
	RecordFailoverExhausted(primary string)
	AddTokens(provider, route string, inputTokens, outputTokens int, cached bool)
	RecordError(provider, errType string)
}

// RequestLogger receives a fire-and-forget audit record for each completed
// request. Satisfied by *logger.Logger's Log method; never blocks the
// request path — a full buffer just drops the entry.
type RequestLogger interface {
	Log(entry logger.RequestLog)
}

// Options configures an Orchestrator.
type Options struct {
	Strategy        domain.SchedulingStrategy
	StickinessBonus float64 // multiplies the dynamic weight of a session's bound upstream
	MaxAttempts     int     // upper bound on candidates tried per request; 0 = try all

	RPMLimiter      RPMLimiter           // optional per-caller RPM gate
	Cache           cache.Cache          // optional non-streaming response cache
	CacheTTL        time.Duration        // required when Cache is set
	CacheExclusions *cache.ExclusionList // logical models never cached (nil = none)
	Metrics         MetricsRecorder      // optional Prometheus instrumentation
	ReqLogger       RequestLogger        // optional async audit log
}

// Orchestrator is the C11 entry point: it owns no transport of its own and
// is driven by fasthttp handlers registered on a Gateway.
type Orchestrator struct {
	registry   *registry.Registry
	resolver   *resolver.Resolver
	keys       *keypool.Pool
	metrics    *metricsengine.Engine
	sessions   *session.Store
	creditMtr  *credit.Meter
	callerKeys CallerKeyStore
	providers  map[string]providers.Provider
	log        *slog.Logger

	strategy        domain.SchedulingStrategy
	stickinessBonus float64
	maxAttempts     int

	rpmLimiter      RPMLimiter
	respCache       cache.Cache
	cacheTTL        time.Duration
	cacheExclusions *cache.ExclusionList
	metricsRec      MetricsRecorder
	reqLogger       RequestLogger
}

// New builds an Orchestrator from its C1-C10 dependencies.
func New(
	reg *registry.Registry,
	res *resolver.Resolver,
	keys *keypool.Pool,
	metrics *metricsengine.Engine,
	sessions *session.Store,
	creditMtr *credit.Meter,
	callerKeys CallerKeyStore,
	provs map[string]providers.Provider,
	log *slog.Logger,
	opts Options,
) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	strategy := opts.Strategy
	if strategy == (domain.SchedulingStrategy{}) {
		strategy = domain.DefaultStrategy()
	}
	bonus := opts.StickinessBonus
	if bonus <= 0 {
		bonus = 1.5
	}
	return &Orchestrator{
		registry:        reg,
		resolver:        res,
		keys:            keys,
		metrics:         metrics,
		sessions:        sessions,
		creditMtr:       creditMtr,
		callerKeys:      callerKeys,
		providers:       provs,
		log:             log,
		strategy:        strategy,
		stickinessBonus: bonus,
		maxAttempts:     opts.MaxAttempts,
		rpmLimiter:      opts.RPMLimiter,
		respCache:       opts.Cache,
		cacheTTL:        opts.CacheTTL,
		cacheExclusions: opts.CacheExclusions,
		metricsRec:      opts.Metrics,
		reqLogger:       opts.ReqLogger,
	}
}

// logRequest enqueues a fire-and-forget audit entry. Never blocks.
func (o *Orchestrator) logRequest(reqID, provider, model string, inputTokens, outputTokens int, latency time.Duration, status int, cached bool) {
	if o.reqLogger == nil {
		return
	}
	reqUUID, _ := uuid.Parse(reqID)
	latencyMs := uint16(latency.Milliseconds())
	if latency.Milliseconds() > 65535 {
		latencyMs = 65535
	}
	o.reqLogger.Log(logger.RequestLog{
		ID:           reqUUID,
		Provider:     provider,
		Model:        model,
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		LatencyMs:    latencyMs,
		Status:       uint16(status),
		Cached:       cached,
		CreatedAt:    time.Now(),
	})
}

// ── HTTP entry points ────────────────────────────────────────────────────

// ServeChatCompletions handles POST /v1/chat/completions (openai style).
func (o *Orchestrator) ServeChatCompletions(ctx *fasthttp.RequestCtx) {
	o.serve(ctx, domain.StyleOpenAI)
}

// ServeMessages handles POST /v1/messages (claude style).
func (o *Orchestrator) ServeMessages(ctx *fasthttp.RequestCtx) {
	o.serve(ctx, domain.StyleClaude)
}

// ServeResponses handles POST /v1/responses (responses style).
func (o *Orchestrator) ServeResponses(ctx *fasthttp.RequestCtx) {
	o.serve(ctx, domain.StyleResponses)
}

// ServeModels handles GET /v1/models: the union of the static model ids of
// every visible provider the caller key allows. Disabled provider_models
// rows are not consulted, so a disabled (provider, model) pair is still
// listed.
func (o *Orchestrator) ServeModels(ctx *fasthttp.RequestCtx) {
	caller, err := o.authenticate(ctx)
	if err != nil {
		writeErr(ctx, err)
		return
	}

	visible := o.registry.ListVisibleProviders(caller.OwnerUserID, false)
	ids := make(map[string]bool, len(visible))
	for _, p := range visible {
		if caller.Allows(p.ID) {
			ids[p.ID] = true
		}
	}

	type modelRow struct {
		ID     string `json:"id"`
		Object string `json:"object"`
	}
	seen := map[string]bool{}
	rows := []modelRow{}
	for pid := range ids {
		p, ok := o.registry.GetProvider(pid)
		if !ok {
			continue
		}
		for _, m := range p.StaticModels {
			if !seen[m] {
				seen[m] = true
				rows = append(rows, modelRow{ID: m, Object: "model"})
			}
		}
	}
	writeJSON(ctx, map[string]any{"object": "list", "data": rows})
}

// ── Embeddings ───────────────────────────────────────────────────────────

type (
	inboundEmbeddingRequest struct {
		Model          string          `json:"model"`
		Input          json.RawMessage `json:"input"`
		EncodingFormat string          `json:"encoding_format"`
	}

	outboundEmbeddingData struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	outboundEmbeddingUsage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	outboundEmbeddingResponse struct {
		Object string                  `json:"object"`
		Data   []outboundEmbeddingData `json:"data"`
		Model  string                  `json:"model"`
		Usage  outboundEmbeddingUsage  `json:"usage"`
	}
)

// parseEmbeddingInput converts the raw JSON "input" field into []string. The
// OpenAI API accepts either a bare string or an array of strings.
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("'input' is required")
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return arr, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return []string{s}, nil
	}
	return nil, fmt.Errorf("'input' must be a string or array of strings")
}

// ServeEmbeddings handles POST /v1/embeddings through the same C1-C6
// candidate resolution as the chat routes, falling over to the next
// candidate whose transport implements providers.EmbeddingProvider.
func (o *Orchestrator) ServeEmbeddings(ctx *fasthttp.RequestCtx) {
	reqID := uuid.NewString()
	route := "embeddings"
	reqStart := time.Now()

	if o.metricsRec != nil {
		o.metricsRec.IncInFlight()
		defer o.metricsRec.DecInFlight()
		defer func() {
			o.metricsRec.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(reqStart), len(ctx.PostBody()), len(ctx.Response.Body()))
		}()
	}

	caller, err := o.authenticate(ctx)
	if err != nil {
		writeErr(ctx, err)
		return
	}

	if err := o.creditMtr.EnsureUsable(ctx, caller.OwnerUserID); err != nil {
		if errors.Is(err, credit.ErrInsufficientCredits) {
			writeErr(ctx, apierr.NewDomainError(fasthttp.StatusPaymentRequired,
				apierr.CodeCreditInsufficient, "insufficient credit balance"))
			return
		}
		writeErr(ctx, apierr.NewDomainError(fasthttp.StatusInternalServerError, apierr.CodeInternal, "credit check failed"))
		return
	}

	var req inboundEmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeErr(ctx, apierr.NewDomainError(fasthttp.StatusBadRequest, apierr.CodeBadRequest, "invalid JSON: "+err.Error()))
		return
	}
	if req.Model == "" {
		writeErr(ctx, apierr.NewDomainError(fasthttp.StatusBadRequest, apierr.CodeBadRequest, "field 'model' is required"))
		return
	}
	inputs, err := parseEmbeddingInput(req.Input)
	if err != nil {
		writeErr(ctx, apierr.NewDomainError(fasthttp.StatusBadRequest, apierr.CodeBadRequest, err.Error()))
		return
	}

	allowed := o.allowedProviderIDs(caller)
	if len(allowed) == 0 {
		writeErr(ctx, apierr.NewDomainError(fasthttp.StatusForbidden, apierr.CodeProviderRestricted,
			"no visible provider is allowed for this API key"))
		return
	}

	lm, err := o.resolver.Resolve(ctx, req.Model, domain.StyleOpenAI, allowed)
	if err != nil {
		writeErr(ctx, err)
		return
	}

	metricsSnap := o.metrics.Snapshot(lm.ID)
	dynamicWeights := o.metrics.DynamicWeights(lm.ID)
	ordered, err := scheduler.Choose(lm.Upstreams, metricsSnap, o.strategy, nil, dynamicWeights)
	if err != nil {
		writeErr(ctx, apierr.NewDomainError(fasthttp.StatusServiceUnavailable,
			apierr.CodeNoEligibleCandidates, "no eligible upstream for this model"))
		return
	}

	var lastErr error
	for _, cand := range ordered {
		if !allowed[cand.Upstream.ProviderID] {
			continue
		}
		providerCfg, ok := o.registry.GetProvider(cand.Upstream.ProviderID)
		if !ok {
			continue
		}
		vendor, ok := o.providers[providerCfg.SDKVendor]
		if !ok {
			continue
		}
		embedder, ok := vendor.(providers.EmbeddingProvider)
		if !ok {
			continue
		}

		keySel, err := o.keys.Acquire(ctx, providerCfg)
		if err != nil {
			lastErr = err
			continue
		}

		embResp, err := embedder.Embed(ctx, providerCfg, &providers.EmbeddingRequest{
			Input:       inputs,
			Model:       cand.Upstream.ModelID,
			WorkspaceID: caller.OwnerUserID,
			APIKey:      keySel.Key,
			APIKeyID:    caller.ID,
			RequestID:   reqID,
		})
		if err != nil {
			statusCode, retryable := classifyFailure(providerCfg, err)
			o.keys.RecordFailure(keySel, retryable, statusCode)
			if o.metricsRec != nil {
				o.metricsRec.RecordError(cand.Upstream.ProviderID, string(outcomeFor(statusCode, err)))
			}
			lastErr = err
			if retryable {
				continue
			}
			writeErr(ctx, terminalError(statusCode, err))
			return
		}
		o.keys.RecordSuccess(keySel)
		if o.metricsRec != nil {
			o.metricsRec.AddTokens(cand.Upstream.ProviderID, route, embResp.Usage.InputTokens, 0, false)
		}

		outData := make([]outboundEmbeddingData, len(embResp.Data))
		for i, d := range embResp.Data {
			outData[i] = outboundEmbeddingData{Object: "embedding", Index: d.Index, Embedding: d.Embedding}
		}
		body, merr := json.Marshal(outboundEmbeddingResponse{
			Object: "list",
			Data:   outData,
			Model:  embResp.Model,
			Usage:  outboundEmbeddingUsage{PromptTokens: embResp.Usage.InputTokens, TotalTokens: embResp.Usage.InputTokens},
		})
		if merr != nil {
			writeErr(ctx, apierr.NewDomainError(fasthttp.StatusInternalServerError, apierr.CodeInternal, "failed to serialize response"))
			return
		}
		ctx.SetContentType("application/json")
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBody(body)
		o.settle(ctx, caller.OwnerUserID, reqID, cand.Upstream.ModelID, cand.Upstream.ProviderID, int64(embResp.Usage.InputTokens))
		o.logRequest(reqID, cand.Upstream.ProviderID, cand.Upstream.ModelID, embResp.Usage.InputTokens, 0, time.Since(reqStart), fasthttp.StatusOK, false)
		return
	}

	if lastErr != nil {
		writeErr(ctx, terminalError(0, lastErr))
		return
	}
	writeErr(ctx, apierr.NewDomainError(fasthttp.StatusServiceUnavailable,
		apierr.CodeNoEligibleCandidates, "no eligible upstream supports embeddings for this model"))
}

// ── Authentication & credit gate ────────────────────────────────────────

func (o *Orchestrator) authenticate(ctx *fasthttp.RequestCtx) (domain.CallerAPIKey, error) {
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	if raw == "" {
		return domain.CallerAPIKey{}, apierr.NewDomainError(fasthttp.StatusUnauthorized,
			apierr.CodeUnauthenticated, "missing Authorization header")
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return domain.CallerAPIKey{}, apierr.NewDomainError(fasthttp.StatusUnauthorized,
			apierr.CodeUnauthenticated, "malformed Authorization header")
	}
	token := strings.TrimSpace(parts[1])

	caller, ok, err := o.callerKeys.GetCallerKey(ctx, token)
	if err != nil {
		return domain.CallerAPIKey{}, apierr.NewDomainError(fasthttp.StatusInternalServerError,
			apierr.CodeInternal, "caller key lookup failed")
	}
	if !ok || !caller.Active {
		return domain.CallerAPIKey{}, apierr.NewDomainError(fasthttp.StatusUnauthorized,
			apierr.CodeUnauthenticated, "invalid API key")
	}
	if caller.ExpiresAt != nil && caller.ExpiresAt.Before(time.Now()) {
		return domain.CallerAPIKey{}, apierr.NewDomainError(fasthttp.StatusUnauthorized,
			apierr.CodeUnauthenticated, "API key expired")
	}
	return caller, nil
}

// ── Core pipeline ────────────────────────────────────────────────────────

func (o *Orchestrator) serve(ctx *fasthttp.RequestCtx, style domain.ApiStyle) {
	reqID := uuid.NewString()
	route := string(style)
	reqStart := time.Now()
	streamed := false

	if o.metricsRec != nil {
		o.metricsRec.IncInFlight()
		defer o.metricsRec.DecInFlight()
		defer func() {
			respBytes := -1
			if !streamed {
				respBytes = len(ctx.Response.Body())
			}
			o.metricsRec.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(reqStart), len(ctx.PostBody()), respBytes)
		}()
	}

	caller, err := o.authenticate(ctx)
	if err != nil {
		writeErr(ctx, err)
		return
	}

	if o.rpmLimiter != nil {
		allowed, err := o.rpmLimiter.AllowKey(ctx, caller.ID)
		if err != nil {
			o.log.Warn("orchestrator: rate limit check failed", "error", err)
		} else if !allowed {
			if o.metricsRec != nil {
				o.metricsRec.RecordRateLimit("limited")
			}
			writeErr(ctx, apierr.NewDomainError(fasthttp.StatusTooManyRequests,
				apierr.CodeRateLimitExceeded, "rate limit exceeded"))
			return
		}
		if o.metricsRec != nil {
			o.metricsRec.RecordRateLimit("allowed")
		}
	}

	if err := o.creditMtr.EnsureUsable(ctx, caller.OwnerUserID); err != nil {
		if errors.Is(err, credit.ErrInsufficientCredits) {
			writeErr(ctx, apierr.NewDomainError(fasthttp.StatusPaymentRequired,
				apierr.CodeCreditInsufficient, "insufficient credit balance"))
			return
		}
		writeErr(ctx, apierr.NewDomainError(fasthttp.StatusInternalServerError, apierr.CodeInternal, "credit check failed"))
		return
	}

	body := ctx.PostBody()
	nreq, err := protocol.ParseInbound(style, body)
	if err != nil {
		writeErr(ctx, apierr.NewDomainError(fasthttp.StatusBadRequest, apierr.CodeBadRequest, err.Error()))
		return
	}

	allowed := o.allowedProviderIDs(caller)
	if len(allowed) == 0 {
		writeErr(ctx, apierr.NewDomainError(fasthttp.StatusForbidden, apierr.CodeProviderRestricted,
			"no visible provider is allowed for this API key"))
		return
	}

	lm, err := o.resolver.Resolve(ctx, nreq.Model, style, allowed)
	if err != nil {
		writeErr(ctx, err)
		return
	}

	cacheKey := o.cacheKeyFor(style, caller.ID, lm.ID, nreq, body)
	if cacheKey != "" {
		if hit, ok := o.respCache.Get(ctx, cacheKey); ok {
			if o.metricsRec != nil {
				o.metricsRec.CacheGetHit()
			}
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBody(hit)
			o.logRequest(reqID, "cache", lm.ID, 0, 0, time.Since(reqStart), fasthttp.StatusOK, true)
			return
		}
		if o.metricsRec != nil {
			o.metricsRec.CacheGetMiss()
		}
	}

	var sess *domain.Session
	if nreq.ConversationID != "" {
		if s, ok := o.sessions.Get(ctx, nreq.ConversationID); ok {
			sess = &s
		}
	}

	dynamicWeights := o.metrics.DynamicWeights(lm.ID)
	if sess != nil {
		if w, ok := dynamicWeights[sess.ProviderID]; ok {
			dynamicWeights[sess.ProviderID] = w * o.stickinessBonus
		}
	}
	metricsSnap := o.metrics.Snapshot(lm.ID)

	ordered, err := scheduler.Choose(lm.Upstreams, metricsSnap, o.strategy, sess, dynamicWeights)
	if err != nil {
		writeErr(ctx, apierr.NewDomainError(fasthttp.StatusServiceUnavailable,
			apierr.CodeNoEligibleCandidates, "no eligible upstream for this model"))
		return
	}

	candidates := make([]scheduler.CandidateScore, 0, len(ordered))
	for _, c := range ordered {
		if allowed[c.Upstream.ProviderID] {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		writeErr(ctx, apierr.NewDomainError(fasthttp.StatusForbidden,
			apierr.CodeProviderRestricted, "no allowed upstream remains for this model"))
		return
	}
	if o.maxAttempts > 0 && len(candidates) > o.maxAttempts {
		candidates = candidates[:o.maxAttempts]
	}

	proxyReq := &providers.ProxyRequest{
		Model:       "",
		Messages:    nreq.Messages,
		Stream:      nreq.Stream,
		Temperature: nreq.Temperature,
		MaxTokens:   nreq.MaxTokens,
		WorkspaceID: caller.OwnerUserID,
		APIKeyID:    caller.ID,
		RequestID:   reqID,
	}

	streamed = nreq.Stream
	o.execute(ctx, reqStart, route, style, caller, reqID, lm.ID, nreq, proxyReq, candidates, cacheKey)
}

// cacheKeyFor returns a cache key for an eligible request, or "" when
// caching doesn't apply: streaming responses are never cached (there is no
// single body to replay), nor are logical models in cacheExclusions.
func (o *Orchestrator) cacheKeyFor(style domain.ApiStyle, callerID, logicalModel string, nreq *protocol.NormalizedRequest, body []byte) string {
	if o.respCache == nil || nreq.Stream {
		return ""
	}
	if o.cacheExclusions != nil && o.cacheExclusions.Matches(logicalModel) {
		return ""
	}
	h := sha256.New()
	h.Write([]byte(style))
	h.Write([]byte{0})
	h.Write([]byte(callerID))
	h.Write([]byte{0})
	h.Write([]byte(logicalModel))
	h.Write([]byte{0})
	h.Write(body)
	return "respcache:" + hex.EncodeToString(h.Sum(nil))
}

// allowedProviderIDs computes user-visible ∩ caller-key allowlist.
func (o *Orchestrator) allowedProviderIDs(caller domain.CallerAPIKey) map[string]bool {
	visible := o.registry.ListVisibleProviders(caller.OwnerUserID, false)
	out := map[string]bool{}
	for _, p := range visible {
		if caller.Allows(p.ID) {
			out[p.ID] = true
		}
	}
	return out
}

// execute runs the C8 failover loop: acquire a key, call the upstream, and
// on a retryable failure move to the next candidate. Streaming responses
// commit to a candidate only after its first chunk is observed, so a
// connection-level or immediate-error failure can still fail over.
func (o *Orchestrator) execute(
	ctx *fasthttp.RequestCtx,
	start time.Time,
	route string,
	style domain.ApiStyle,
	caller domain.CallerAPIKey,
	reqID string,
	logicalModel string,
	nreq *protocol.NormalizedRequest,
	base *providers.ProxyRequest,
	candidates []scheduler.CandidateScore,
	cacheKey string,
) {
	var lastErr error
	sawRateLimit := false
	sawDown := false
	primary := ""
	if len(candidates) > 0 {
		primary = candidates[0].Upstream.ProviderID
	}

	for attempt, cand := range candidates {
		providerCfg, ok := o.registry.GetProvider(cand.Upstream.ProviderID)
		if !ok {
			continue
		}
		vendor, ok := o.providers[providerCfg.SDKVendor]
		if !ok {
			o.log.Warn("orchestrator: no transport configured for provider", "provider", providerCfg.ID, "vendor", providerCfg.SDKVendor)
			continue
		}

		keySel, err := o.keys.Acquire(ctx, providerCfg)
		if err != nil {
			sawRateLimit = true
			lastErr = err
			continue
		}

		req := *base
		req.Model = cand.Upstream.ModelID
		req.APIKey = keySel.Key

		reqStart := time.Now()
		resp, err := vendor.Request(ctx, providerCfg, &req)
		if err != nil {
			statusCode, retryable := classifyFailure(providerCfg, err)
			o.keys.RecordFailure(keySel, retryable, statusCode)
			o.recordSample(logicalModel, cand.Upstream.ProviderID, nreq.Stream, time.Since(reqStart), outcomeFor(statusCode, err), 0, 0)
			if o.metricsRec != nil {
				o.metricsRec.ObserveUpstreamAttempt(cand.Upstream.ProviderID, route, "error", time.Since(reqStart))
				o.metricsRec.RecordError(cand.Upstream.ProviderID, string(outcomeFor(statusCode, err)))
			}
			lastErr = err
			if statusCode >= 500 || statusCode == 0 {
				sawDown = true
			}
			if statusCode == fasthttp.StatusTooManyRequests {
				sawRateLimit = true
			}
			if retryable {
				continue
			}
			if o.metricsRec != nil && attempt > 0 {
				o.metricsRec.RecordFailoverExhausted(primary)
			}
			writeErr(ctx, terminalError(statusCode, err))
			return
		}

		if nreq.Stream && resp.Stream != nil {
			committed, usageTokens := o.streamCommit(ctx, style, resp)
			if !committed {
				// First chunk reported an upstream error before any byte was
				// sent to the client — safe to fail over.
				o.keys.RecordFailure(keySel, true, 0)
				o.recordSample(logicalModel, cand.Upstream.ProviderID, true, time.Since(reqStart), metricsengine.Outcome5xx, 0, 0)
				if o.metricsRec != nil {
					o.metricsRec.ObserveUpstreamAttempt(cand.Upstream.ProviderID, route, "error", time.Since(reqStart))
				}
				lastErr = fmt.Errorf("upstream stream reported an error before first byte")
				sawDown = true
				continue
			}
			o.keys.RecordSuccess(keySel)
			o.recordSample(logicalModel, cand.Upstream.ProviderID, true, time.Since(reqStart), metricsengine.OutcomeSuccess, int64(req.MaxTokens), int64(usageTokens))
			if o.metricsRec != nil {
				o.metricsRec.ObserveUpstreamAttempt(cand.Upstream.ProviderID, route, "success", time.Since(reqStart))
				o.metricsRec.AddTokens(cand.Upstream.ProviderID, route, 0, usageTokens, false)
				if attempt > 0 {
					o.metricsRec.RecordFailoverSuccess(primary, cand.Upstream.ProviderID)
				}
			}
			o.finishSuccess(ctx, nreq, logicalModel, cand.Upstream)
			settleTokens := int64(usageTokens)
			if settleTokens == 0 {
				settleTokens = o.creditMtr.PreChargeEstimate(int64(req.MaxTokens))
			}
			o.settle(ctx, caller.OwnerUserID, reqID, cand.Upstream.ModelID, cand.Upstream.ProviderID, settleTokens)
			o.logRequest(reqID, cand.Upstream.ProviderID, cand.Upstream.ModelID, 0, usageTokens, time.Since(start), fasthttp.StatusOK, false)
			return
		}

		// Unary success.
		o.keys.RecordSuccess(keySel)
		o.recordSample(logicalModel, cand.Upstream.ProviderID, false, time.Since(reqStart), metricsengine.OutcomeSuccess,
			int64(resp.Usage.InputTokens), int64(resp.Usage.OutputTokens))
		if o.metricsRec != nil {
			o.metricsRec.ObserveUpstreamAttempt(cand.Upstream.ProviderID, route, "success", time.Since(reqStart))
			o.metricsRec.AddTokens(cand.Upstream.ProviderID, route, resp.Usage.InputTokens, resp.Usage.OutputTokens, false)
			if attempt > 0 {
				o.metricsRec.RecordFailoverSuccess(primary, cand.Upstream.ProviderID)
			}
		}

		out, rerr := protocol.RenderUnary(string(style), resp, "stop")
		if rerr != nil {
			writeErr(ctx, apierr.NewDomainError(fasthttp.StatusInternalServerError, apierr.CodeInternal, "failed to render response"))
			return
		}
		ctx.SetContentType("application/json")
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBody(out)

		if cacheKey != "" {
			if err := o.respCache.Set(ctx, cacheKey, out, o.cacheTTL); err != nil {
				o.log.Warn("orchestrator: response cache write failed", "error", err)
			}
		}

		o.finishSuccess(ctx, nreq, logicalModel, cand.Upstream)
		o.settle(ctx, caller.OwnerUserID, reqID, cand.Upstream.ModelID, cand.Upstream.ProviderID,
			int64(resp.Usage.InputTokens+resp.Usage.OutputTokens))
		o.logRequest(reqID, cand.Upstream.ProviderID, cand.Upstream.ModelID, resp.Usage.InputTokens, resp.Usage.OutputTokens, time.Since(start), fasthttp.StatusOK, false)
		return
	}

	if o.metricsRec != nil && len(candidates) > 1 && (sawRateLimit || sawDown) {
		o.metricsRec.RecordFailoverExhausted(primary)
	}

	switch {
	case sawRateLimit && !sawDown:
		writeErr(ctx, apierr.NewDomainError(fasthttp.StatusTooManyRequests,
			apierr.CodeAllProvidersRateLimited, "all eligible providers are rate limited"))
	case sawDown:
		writeErr(ctx, apierr.NewDomainError(fasthttp.StatusBadGateway,
			apierr.CodeAllProvidersDown, "all eligible providers are unavailable"))
	case lastErr != nil:
		writeErr(ctx, terminalError(0, lastErr))
	default:
		writeErr(ctx, apierr.NewDomainError(fasthttp.StatusServiceUnavailable,
			apierr.CodeNoEligibleCandidates, "no eligible upstream for this model"))
	}
}

// streamCommit peeks the first StreamChunk to decide whether to commit this
// candidate. Once committed, it drives the SSE body via protocol.ChunkStreamer
// in the teacher's SetBodyStreamWriter idiom, folding the already-received
// first chunk back into the stream.
func (o *Orchestrator) streamCommit(
	ctx *fasthttp.RequestCtx,
	style domain.ApiStyle,
	resp *providers.ProxyResponse,
) (committed bool, outputTokens int) {
	var first providers.StreamChunk
	var haveFirst bool
	select {
	case chunk, ok := <-resp.Stream:
		if ok {
			first = chunk
			haveFirst = true
		}
	case <-ctx.Done():
		return false, 0
	}

	if haveFirst && first.FinishReason == "error" {
		return false, 0
	}

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	streamer := protocol.NewChunkStreamer(string(style), uuid.NewString(), "")
	var charCount int

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck

		writeFrames := func(chunk providers.StreamChunk) {
			charCount += len(chunk.Content)
			for _, f := range streamer.Next(chunk) {
				w.Write(f) //nolint:errcheck
			}
			w.Flush() //nolint:errcheck
		}

		if haveFirst {
			writeFrames(first)
		}
		for chunk := range resp.Stream {
			writeFrames(chunk)
		}
	})

	outputTokens = charCount / 4
	if outputTokens == 0 && charCount > 0 {
		outputTokens = 1
	}
	return true, outputTokens
}

func (o *Orchestrator) finishSuccess(ctx context.Context, nreq *protocol.NormalizedRequest, logicalModel string, up domain.PhysicalModel) {
	if nreq.ConversationID == "" {
		return
	}
	if _, ok := o.sessions.Get(ctx, nreq.ConversationID); ok {
		if err := o.sessions.Touch(ctx, nreq.ConversationID); err != nil {
			o.log.Warn("orchestrator: session touch failed", "error", err)
		}
		return
	}
	if err := o.sessions.Bind(ctx, nreq.ConversationID, logicalModel, up.ProviderID, up.ModelID); err != nil {
		o.log.Warn("orchestrator: session bind failed", "error", err)
	}
}

func (o *Orchestrator) settle(ctx context.Context, userID, idemKey, modelName, providerID string, totalTokens int64) {
	o.creditMtr.Settle(ctx, userID, idemKey, modelName, providerID, totalTokens, "request")
}

func (o *Orchestrator) recordSample(logicalModel, providerID string, isStream bool, latency time.Duration, outcome metricsengine.Outcome, inputTokens, outputTokens int64) {
	o.metrics.RecordSample(metricsengine.Sample{
		LogicalModel: logicalModel,
		ProviderID:   providerID,
		IsStream:     isStream,
		LatencyMs:    float64(latency.Milliseconds()),
		Outcome:      outcome,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}, nil)
}

// ── Error classification & rendering ─────────────────────────────────────

// classifyFailure determines the HTTP-ish status code an upstream error
// represents and whether it is retryable. A provider's own declared
// RetryableStatusCodes set takes precedence when non-empty; otherwise 429
// and every status >= 500 are retryable — this is the precedence
// decision recorded for the retryable-status Open Question.
func classifyFailure(p domain.ProviderConfig, err error) (statusCode int, retryable bool) {
	var sc statusCoder
	if errors.As(err, &sc) {
		statusCode = sc.HTTPStatus()
	} else if errors.Is(err, context.DeadlineExceeded) {
		statusCode = fasthttp.StatusGatewayTimeout
	}

	if len(p.RetryableStatusCodes) > 0 {
		if statusCode == 0 {
			return statusCode, true // network-level failure: no declared set applies, default retryable
		}
		return statusCode, p.RetryableStatusCodes[statusCode]
	}

	if statusCode == 0 {
		return statusCode, true
	}
	retryable = statusCode == fasthttp.StatusTooManyRequests || statusCode >= 500
	return statusCode, retryable
}

type statusCoder interface{ HTTPStatus() int }

func outcomeFor(statusCode int, err error) metricsengine.Outcome {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return metricsengine.OutcomeTimeout
	case statusCode == fasthttp.StatusTooManyRequests:
		return metricsengine.Outcome429
	case statusCode >= 500:
		return metricsengine.Outcome5xx
	case statusCode >= 400:
		return metricsengine.Outcome4xx
	default:
		return metricsengine.Outcome5xx
	}
}

func terminalError(statusCode int, err error) apierr.Coded {
	var coded apierr.Coded
	if errors.As(err, &coded) {
		return coded
	}
	if statusCode == 0 {
		statusCode = fasthttp.StatusBadGateway
	}
	return apierr.NewDomainError(statusCode, apierr.CodeUpstreamTerminal, err.Error())
}

func writeErr(ctx *fasthttp.RequestCtx, err error) {
	var coded apierr.Coded
	if errors.As(err, &coded) {
		apierr.WriteCoded(ctx, coded)
		return
	}
	apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(v)
	ctx.SetBody(body)
}
