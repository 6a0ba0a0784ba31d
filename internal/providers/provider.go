// Package providers defines the common interfaces and types used by all LLM
// vendor transports (OpenAI, Anthropic, Gemini, Mistral, and others).
//
// Each vendor lives in its own sub-package and implements the Provider
// interface. A single Provider instance is the SDK transport for one vendor
// (one HTTP client, one SDK client) and is shared across every
// domain.ProviderConfig row that names that vendor as its SDKVendor — the
// per-row BaseURL, CustomHeaders and credential live in the ProviderConfig
// passed into Request on every call, not in the Provider struct. This is
// what lets two tenants run their own Azure deployment or self-hosted
// OpenAI-compatible endpoint through the same transport code. Providers that
// support vector embeddings additionally implement EmbeddingProvider.
package providers

import (
	"context"
	"time"

	"github.com/nulpointcorp/aperture-gateway/internal/domain"
)

type (
	// StreamChunk is a single token chunk delivered during a streaming response.
	StreamChunk struct {
		Content      string
		FinishReason string
	}

	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// ProxyRequest — normalized client request. Model is the physical
	// (provider-native) model id chosen by the scheduler, not the caller's
	// logical model name.
	ProxyRequest struct {
		Model       string
		Messages    []Message
		Stream      bool
		Temperature float64
		MaxTokens   int
		WorkspaceID string
		APIKey      string
		APIKeyID    string
		RequestID   string
	}

	// ProxyResponse — normalized provider response.
	ProxyResponse struct {
		ID      string
		Model   string
		Content string
		Usage   Usage
		Stream  <-chan StreamChunk // nil if it's not a stream.
	}

	// EmbeddingRequest — normalized embedding request.
	EmbeddingRequest struct {
		// Input is the list of texts to embed. Always at least one element.
		Input []string
		// Model is the provider-native model name (e.g. "text-embedding-3-small").
		Model       string
		WorkspaceID string
		APIKey      string
		APIKeyID    string
		RequestID   string
	}

	// EmbeddingData — a single embedding vector.
	EmbeddingData struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	// EmbeddingResponse — normalized embedding response.
	EmbeddingResponse struct {
		Model string
		Data  []EmbeddingData
		Usage Usage
	}
)

// Provider is the C8 SDK transport interface. cfg carries the tenant-scoped
// wiring for this call — BaseURL, CustomHeaders, Region — so one Provider
// instance can serve every domain.ProviderConfig row sharing its SDKVendor.
// req.APIKey is the specific key the key pool (C3) selected for this attempt.
type Provider interface {
	Name() string
	Request(ctx context.Context, cfg domain.ProviderConfig, req *ProxyRequest) (*ProxyResponse, error)
	HealthCheck(ctx context.Context) error
}

// EmbeddingProvider is an optional interface implemented by providers that
// support the embeddings API. Check with a type assertion before calling.
type EmbeddingProvider interface {
	Embed(ctx context.Context, cfg domain.ProviderConfig, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// ProviderTimeout is the per-attempt HTTP client timeout every vendor
// transport is built with; domain.ProviderConfig has no field overriding it.
const ProviderTimeout = 30 * time.Second

// StatusCoder is implemented by vendor errors that carry the upstream HTTP
// status code, letting the orchestrator's failure classifier (C8) and
// apierr.WriteProviderError map them without string sniffing.
type StatusCoder interface {
	HTTPStatus() int
}
