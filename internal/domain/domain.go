// Package domain holds the value types shared across the routing and
// proxying pipeline (C1-C11). These are plain structs with no behavior of
// their own; the scheduler, resolver and proxy engine operate on copies of
// them rather than on live references, so a request never observes a
// provider config mutating underneath it mid-flight.
package domain

import "time"

// ApiStyle is the wire dialect of a request or response.
type ApiStyle string

const (
	StyleOpenAI    ApiStyle = "openai"
	StyleClaude    ApiStyle = "claude"
	StyleResponses ApiStyle = "responses"
)

// Capability is a model capability flag.
type Capability string

const (
	CapChat           Capability = "chat"
	CapCompletion     Capability = "completion"
	CapEmbedding      Capability = "embedding"
	CapVision         Capability = "vision"
	CapAudio          Capability = "audio"
	CapFunctionCalling Capability = "function_calling"
)

// Status is a health/routing status classification.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
	StatusUnknown  Status = "unknown"
)

// Visibility controls who can see a ProviderConfig via the registry.
type Visibility string

const (
	VisibilityPublic     Visibility = "public"
	VisibilityRestricted Visibility = "restricted"
	VisibilityPrivate    Visibility = "private"
)

// Transport names how the proxy engine talks to a provider.
type Transport string

const (
	TransportHTTP      Transport = "http"
	TransportSDK       Transport = "sdk"
	TransportClaudeCLI Transport = "claude_cli"
)

// ProviderAPIKey is one credential in a provider's key pool.
type ProviderAPIKey struct {
	ID       string
	Provider string
	Key      string // decrypted lazily; never logged
	Weight   float64
	MaxQPS   int
	Label    string
	Active   bool
}

// ProviderConfig describes one upstream provider.
type ProviderConfig struct {
	ID                    string
	BaseURL               string
	Transport             Transport
	SDKVendor             string
	ModelsPath            string
	MessagesPath          string
	ChatCompletionsPath   string
	ResponsesPath         string
	SupportedStyles       []ApiStyle
	RetryableStatusCodes  map[int]bool
	CustomHeaders         map[string]string
	Region                string
	CostInputPer1K        float64
	CostOutputPer1K       float64
	MaxQPS                int
	Keys                  []ProviderAPIKey
	StaticModels          []string
	Visibility            Visibility
	OwnerUserID           string
	AllowedUserIDs        map[string]bool
	BillingFactor         float64
	Disabled              bool
	BaseWeight            float64
}

// ActiveKeys returns the subset of Keys with Active == true.
func (p ProviderConfig) ActiveKeys() []ProviderAPIKey {
	out := make([]ProviderAPIKey, 0, len(p.Keys))
	for _, k := range p.Keys {
		if k.Active {
			out = append(out, k)
		}
	}
	return out
}

// VisibleTo reports whether user can see this provider per the C1 rule:
// public+no-owner, owned, or restricted+allow-listed. Superusers always see it.
func (p ProviderConfig) VisibleTo(userID string, superuser bool) bool {
	if superuser {
		return true
	}
	if p.OwnerUserID != "" && p.OwnerUserID == userID {
		return true
	}
	switch p.Visibility {
	case VisibilityPublic:
		return p.OwnerUserID == ""
	case VisibilityRestricted:
		return p.AllowedUserIDs[userID]
	default:
		return false
	}
}

// ProviderModel is (provider, model_id) metadata.
type ProviderModel struct {
	Provider     string
	ModelID      string
	Family       string
	DisplayName  string
	ContextLen   int
	Capabilities []Capability
	PriceInput   *float64
	PriceOutput  *float64
	Alias        string
	Disabled     bool
	MetaHash     string
}

// HasCapability reports whether a model declares the given capability.
func (m ProviderModel) HasCapability(c Capability) bool {
	for _, cap := range m.Capabilities {
		if cap == c {
			return true
		}
	}
	return false
}

// PhysicalModel is a routable (provider, model) reference.
type PhysicalModel struct {
	ProviderID string
	ModelID    string
	Endpoint   string
	ApiStyle   ApiStyle
	BaseWeight float64
	Region     string
	MaxQPS     int
	MetaHash   string
}

// LogicalModel is a gateway-visible model name.
type LogicalModel struct {
	ID           string
	DisplayName  string
	Capabilities []Capability
	Upstreams    []PhysicalModel
	Enabled      bool
}

// CallerAPIKey is the caller-presented credential.
type CallerAPIKey struct {
	ID               string
	OwnerUserID      string
	Active           bool
	AllowedProviders map[string]bool // nil/empty == unrestricted
	ExpiresAt        *time.Time
}

// Allows reports whether this caller key may use providerID.
func (k CallerAPIKey) Allows(providerID string) bool {
	if len(k.AllowedProviders) == 0 {
		return true
	}
	return k.AllowedProviders[providerID]
}

// Session is a conversation-scoped stickiness record.
type Session struct {
	ConversationID string
	LogicalModel   string
	ProviderID     string
	ModelID        string
	CreatedAt      time.Time
	LastAccessed   time.Time
	MessageCount   int
}

// RoutingMetrics is one (logical_model, provider) aggregation window.
type RoutingMetrics struct {
	LogicalModel   string
	ProviderID     string
	Transport      Transport
	IsStream       bool
	WindowStart    time.Time
	WindowSeconds  int
	Success        int64
	Errors         int64
	Errors4xx      int64
	Errors5xx      int64
	Errors429      int64
	Timeouts       int64
	LatencyP50Ms   float64
	LatencyP95Ms   float64
	LatencyP99Ms   float64
	InputTokens    int64
	OutputTokens   int64
	Status         Status
}

// Total returns success + error samples in this window.
func (m RoutingMetrics) Total() int64 { return m.Success + m.Errors }

// ErrorRate returns Errors/Total, or 0 if the window is empty.
func (m RoutingMetrics) ErrorRate() float64 {
	t := m.Total()
	if t == 0 {
		return 0
	}
	return float64(m.Errors) / float64(t)
}

// CreditAccount is a user's credit balance.
type CreditAccount struct {
	UserID     string
	Balance    float64
	DailyLimit *float64
	Status     string // "active" | "suspended" | ...
}

// CreditTransaction is one immutable ledger entry.
type CreditTransaction struct {
	ID             string
	UserID         string
	Amount         float64 // negative == deduction
	Reason         string
	IdempotencyKey string
	CreatedAt      time.Time
}

// HealthStatus is the C4 probe result for one provider.
type HealthStatus struct {
	ProviderID        string
	Status            Status
	Timestamp         time.Time
	ResponseMs        float64
	Error             string
	LastSuccessTS      *time.Time
}

// KeySelection is the result of a C3 Acquire call.
type KeySelection struct {
	ProviderID string
	KeyID      string
	Key        string
	Label      string
}

// SchedulingStrategy parameters for C6.
type SchedulingStrategy struct {
	Alpha             float64 // latency weight
	Beta              float64 // error weight
	Gamma             float64 // cost weight (reserved, always 0 contribution)
	Delta             float64 // status-penalty weight
	MinScore          float64
	EnableStickiness  bool
}

// DefaultStrategy mirrors the distilled reference implementation's defaults.
func DefaultStrategy() SchedulingStrategy {
	return SchedulingStrategy{
		Alpha:            1.0,
		Beta:             1.0,
		Gamma:            0,
		Delta:            1.0,
		MinScore:         -1e9,
		EnableStickiness: true,
	}
}
