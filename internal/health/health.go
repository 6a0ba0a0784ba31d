// Package health implements the Health Monitor (C4): periodic per-provider
// probes against models_path, classified into healthy/degraded/down and
// persisted through a Store; the app wires the SQL store, which keeps one
// non-expiring row per provider and writes nothing to KV. Grounded in the reference
// implementation's service/provider/health.py check_provider_health, which
// acquires a key through the pool before probing and feeds the outcome back
// into key-pool bookkeeping — the same acquire/record_success/record_failure
// loop C3 already exposes.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nulpointcorp/aperture-gateway/internal/domain"
)

// KeyAcquirer is the subset of keypool.Pool the monitor needs.
type KeyAcquirer interface {
	Acquire(ctx context.Context, provider domain.ProviderConfig) (domain.KeySelection, error)
	RecordSuccess(sel domain.KeySelection)
	RecordFailure(sel domain.KeySelection, retryable bool, statusCode int)
}

// Store persists HealthStatus; ttl is the monitor's result TTL, passed
// through for implementations that expire entries.
type Store interface {
	PutHealth(ctx context.Context, status domain.HealthStatus, ttl time.Duration) error
}

// ProviderSource supplies the current provider fleet to probe.
type ProviderSource interface {
	All() []domain.ProviderConfig
}

// Monitor is the C4 entry point.
type Monitor struct {
	providers ProviderSource
	keys      KeyAcquirer
	store     Store
	client    *http.Client
	ttl       time.Duration

	mu   sync.RWMutex
	last map[string]domain.HealthStatus
}

// New builds a Monitor. client may be nil, in which case a default client
// with a 5s timeout is used per probe (matching the teacher's healthchecker
// probe timeout).
func New(providers ProviderSource, keys KeyAcquirer, store Store, client *http.Client, ttl time.Duration) *Monitor {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Monitor{providers: providers, keys: keys, store: store, client: client, ttl: ttl}
}

// ProbeOne probes a single provider and persists the result.
func (m *Monitor) ProbeOne(ctx context.Context, p domain.ProviderConfig) domain.HealthStatus {
	sel, err := m.keys.Acquire(ctx, p)
	if err != nil {
		status := domain.HealthStatus{
			ProviderID: p.ID,
			Status:     domain.StatusDown,
			Timestamp:  time.Now(),
			Error:      err.Error(),
		}
		m.persist(ctx, status)
		return status
	}

	path := p.ModelsPath
	if path == "" {
		path = "/v1/models"
	}
	url := fmt.Sprintf("%s/%s", trimSlash(p.BaseURL), trimLeadingSlash(path))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return m.networkFailure(ctx, p.ID, sel, err)
	}
	req.Header.Set("Authorization", "Bearer "+sel.Key)
	req.Header.Set("Accept", "application/json")
	for k, v := range p.CustomHeaders {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	elapsedMs := float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		return m.networkFailure(ctx, p.ID, sel, err)
	}
	defer resp.Body.Close()

	var status domain.HealthStatus
	switch {
	case resp.StatusCode >= 500:
		m.keys.RecordFailure(sel, true, resp.StatusCode)
		status = domain.HealthStatus{ProviderID: p.ID, Status: domain.StatusDown, Timestamp: time.Now(), ResponseMs: elapsedMs, Error: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		m.keys.RecordFailure(sel, resp.StatusCode >= 429, resp.StatusCode)
		status = domain.HealthStatus{ProviderID: p.ID, Status: domain.StatusDegraded, Timestamp: time.Now(), ResponseMs: elapsedMs, Error: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	default:
		m.keys.RecordSuccess(sel)
		now := time.Now()
		status = domain.HealthStatus{ProviderID: p.ID, Status: domain.StatusHealthy, Timestamp: now, ResponseMs: elapsedMs, LastSuccessTS: &now}
	}

	m.persist(ctx, status)
	return status
}

func (m *Monitor) networkFailure(ctx context.Context, providerID string, sel domain.KeySelection, err error) domain.HealthStatus {
	m.keys.RecordFailure(sel, true, 0)
	status := domain.HealthStatus{ProviderID: providerID, Status: domain.StatusDown, Timestamp: time.Now(), Error: err.Error()}
	m.persist(ctx, status)
	return status
}

func (m *Monitor) persist(ctx context.Context, status domain.HealthStatus) {
	if m.store == nil {
		return
	}
	_ = m.store.PutHealth(ctx, status, m.ttl)
}

// ProbeAll probes every provider in the fleet concurrently, caches the
// result for Snapshot/ReadinessOK, and returns the statuses keyed by
// provider id.
func (m *Monitor) ProbeAll(ctx context.Context) map[string]domain.HealthStatus {
	provs := m.providers.All()
	out := make(map[string]domain.HealthStatus, len(provs))
	results := make(chan domain.HealthStatus, len(provs))

	for _, p := range provs {
		p := p
		go func() { results <- m.ProbeOne(ctx, p) }()
	}
	for range provs {
		s := <-results
		out[s.ProviderID] = s
	}

	m.mu.Lock()
	m.last = out
	m.mu.Unlock()

	return out
}

// Snapshot returns the statuses from the most recent ProbeAll, keyed by
// provider id. Empty until the first probe loop iteration completes.
func (m *Monitor) Snapshot() map[string]domain.HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]domain.HealthStatus, len(m.last))
	for k, v := range m.last {
		out[k] = v
	}
	return out
}

// ReadinessOK reports true when no provider in the last probe snapshot is
// down. An empty snapshot (no probe has run yet) is considered ready.
func (m *Monitor) ReadinessOK() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.last {
		if s.Status == domain.StatusDown {
			return false
		}
	}
	return true
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

func trimLeadingSlash(s string) string {
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	return s
}
