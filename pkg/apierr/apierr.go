// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeNotImplemented    = "not_implemented"
	CodeInvalidRequest    = "invalid_request"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Default       → 502
//
// Timeouts are not mapped here; WriteTimeout writes the 504.
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 500 && providerStatus < 600:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// Domain error codes, beyond plain provider-facing errors. These are the
// surface codes the orchestrator maps to HTTP status via CodedStatus.
const (
	CodeUnauthenticated          = "UNAUTHENTICATED"
	CodeForbidden                = "FORBIDDEN"
	CodeUnknownModel             = "UNKNOWN_MODEL"
	CodeModelDisabled            = "MODEL_DISABLED"
	CodeRequiresResponsesAPI     = "REQUIRES_RESPONSES_ENDPOINT"
	CodeCapabilityMissing        = "CAPABILITY_MISSING"
	CodeBadRequest               = "BAD_REQUEST"
	CodeCreditInsufficient       = "CREDIT_INSUFFICIENT"
	CodeProviderRestricted       = "PROVIDER_RESTRICTED"
	CodeNoEligibleCandidates     = "NO_ELIGIBLE_CANDIDATES"
	CodeAllProvidersRateLimited  = "ALL_PROVIDERS_RATE_LIMITED"
	CodeAllProvidersDown         = "ALL_PROVIDERS_DOWN"
	CodeUpstreamRetryable        = "UPSTREAM_RETRYABLE"
	CodeUpstreamTerminal         = "UPSTREAM_TERMINAL"
	CodeUpstreamTimeout          = "UPSTREAM_TIMEOUT"
	CodeUpstreamProtocolError    = "UPSTREAM_PROTOCOL_ERROR"
	CodeInternal                 = "INTERNAL"
)

// Coded is implemented by domain errors that carry one of the Code*
// constants above, independent of their eventual HTTP status. It extends the
// provider-facing StatusCoder pattern to non-provider error sources
// (resolver, scheduler, credit meter, orchestrator).
type Coded interface {
	error
	Code() string
	HTTPStatus() int
}

// DomainError is the concrete Coded implementation used by C1-C11.
type DomainError struct {
	Status  int
	ErrCode string
	Message string
}

func (e *DomainError) Error() string    { return e.Message }
func (e *DomainError) Code() string     { return e.ErrCode }
func (e *DomainError) HTTPStatus() int  { return e.Status }

// NewDomainError builds a Coded error with the given HTTP status and code.
func NewDomainError(status int, code, message string) *DomainError {
	return &DomainError{Status: status, ErrCode: code, Message: message}
}

// WriteCoded renders a Coded domain error as the standard JSON envelope,
// using its code as the surface code and invalid_request_error as the error
// type for every code.
func WriteCoded(ctx *fasthttp.RequestCtx, err Coded) {
	Write(ctx, err.HTTPStatus(), err.Error(), TypeInvalidRequest, err.Code())
}
