package proxy

import (
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions that are
// registered alongside the LLM-facing routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080") with no management routes.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server. Every LLM-facing route is a direct
// delegation into the orchestrator; this package adds only the ambient
// middleware chain and the health/readiness/metrics surface around it.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	r := router.New()

	r.POST("/v1/chat/completions", g.orch.ServeChatCompletions)
	r.POST("/v1/messages", g.orch.ServeMessages)
	r.POST("/v1/responses", g.orch.ServeResponses)
	r.POST("/v1/embeddings", g.orch.ServeEmbeddings)
	r.GET("/v1/models", g.orch.ServeModels)

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	handler := chain(r.Handler,
		guarded(g.log),
		cors(g.corsOrigins),
		hardened,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}
