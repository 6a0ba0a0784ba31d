// Package proxy is the HTTP entry point for the gateway. It owns the
// fasthttp server, the ambient middleware chain (panic recovery, request
// IDs, CORS, security headers) and the liveness/readiness/metrics surface.
// Every LLM-facing route is a thin delegation into the orchestrator
// (internal/orchestrator), which owns the C1-C11 request pipeline — this
// package never touches a provider, a key, or a cache entry directly.
package proxy

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/aperture-gateway/internal/health"
	"github.com/nulpointcorp/aperture-gateway/internal/orchestrator"
)

func newRequestID() string { return uuid.NewString() }

// Gateway is the HTTP bootstrap: it binds the orchestrator and health
// monitor to a fasthttp server and answers the handful of routes that sit
// outside the request pipeline (health, readiness, metrics).
type Gateway struct {
	log         *slog.Logger
	health      *health.Monitor
	orch        *orchestrator.Orchestrator
	corsOrigins []string
}

// NewGateway builds a Gateway. orch must not be nil — there is no
// single-tenant fallback path; every LLM request goes through the
// orchestrator's C1-C11 pipeline.
func NewGateway(log *slog.Logger, healthMon *health.Monitor, orch *orchestrator.Orchestrator, corsOrigins []string) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{log: log, health: healthMon, orch: orch, corsOrigins: corsOrigins}
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

// chain composes fasthttp handlers outer-to-inner: chain(h, a, b) runs a,
// then b, then h.
func chain(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// guarded wraps next with panic recovery and a generated/propagated
// X-Request-ID, and stamps the handler's wall-clock duration onto the
// response. Consolidated into one pass rather than three separate
// middlewares since all three only ever touch request/response headers.
func guarded(log *slog.Logger) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			id := string(ctx.Request.Header.Peek("X-Request-ID"))
			if id == "" {
				id = newRequestID()
			}
			ctx.Response.Header.Set("X-Request-ID", id)
			ctx.SetUserValue("request_id", id)

			start := time.Now()
			defer func() {
				ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
				if r := recover(); r != nil {
					log.Error("handler panic",
						slog.Any("panic", r),
						slog.String("path", string(ctx.Path())),
						slog.String("request_id", id),
					)
					ctx.ResetBody()
					ctx.SetStatusCode(fasthttp.StatusInternalServerError)
					ctx.SetContentType("application/json")
					ctx.SetBodyString(`{"error":{"message":"internal server error","type":"server_error","code":"internal_error"}}`)
				}
			}()
			next(ctx)
		}
	}
}

// hardened appends the OWASP baseline security headers to every response.
// API-only surface, so the CSP denies all resource loading.
func hardened(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
	}
}

// cors returns a CORS middleware for the configured allowlist. An empty or
// "*" list answers every origin; otherwise the configured list is echoed
// back verbatim, matching a conventional strict-allowlist CORS setup.
func cors(origins []string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	allowAll := len(origins) == 0
	joined := strings.Join(origins, ", ")
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			if allowAll {
				ctx.Response.Header.Set("Access-Control-Allow-Origin", "*")
			} else {
				ctx.Response.Header.Set("Access-Control-Allow-Origin", joined)
			}
			ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			ctx.Response.Header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}
