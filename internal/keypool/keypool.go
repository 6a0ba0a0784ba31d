// Package keypool implements per-provider weighted key selection with QPS
// skip and failure cooldowns (C3). All QPS and cooldown state is held
// in-process in mutex-guarded maps, whether or not a Redis client is
// passed to New; it is not shared between gateway processes. The
// cooldown/QPS interaction is grounded in the reference implementation's
// service/provider/health.py acquire/record_success/record_failure calls.
package keypool

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/aperture-gateway/internal/domain"
)

// ErrNoAvailableKey is returned when every key for a provider is either in
// cooldown, over its QPS budget, or inactive.
var ErrNoAvailableKey = errors.New("keypool: no available key")

// Config bounds failure-driven cooldown behavior.
type Config struct {
	FailureThreshold    int           // failures within Window before cooldown trips
	Window              time.Duration // rolling window for counting failures
	CooldownDuration    time.Duration // how long a tripped key/provider is skipped
	QPSWindow           time.Duration // sliding window used for max_qps accounting
}

// DefaultConfig mirrors the teacher circuit breaker's defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		CooldownDuration: 30 * time.Second,
		QPSWindow:        1 * time.Second,
	}
}

type keyState struct {
	mu              sync.Mutex
	failureCount    int
	windowStart     time.Time
	cooldownUntil   time.Time
	requestTimes    []time.Time // trailing 1s window for QPS accounting
}

type providerState struct {
	mu            sync.Mutex
	failureCount  int
	windowStart   time.Time
	cooldownUntil time.Time
	requestTimes  []time.Time
}

// Pool selects keys for one provider at a time, tracking per-key and
// per-provider QPS and cooldown state. A Pool instance is safe for
// concurrent use; its state is keyed by key id and provider id, so one Pool
// can serve every provider.
type Pool struct {
	cfg   Config
	log   *slog.Logger
	mu    sync.RWMutex
	keys  map[string]*keyState      // keyID -> state
	provs map[string]*providerState // providerID -> state

	rdb *redis.Client // optional; stored only, QPS/cooldown state is never written to Redis
}

// New builds a Pool. rdb may be nil; all state is in-process either way.
func New(cfg Config, log *slog.Logger, rdb *redis.Client) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		cfg:   cfg,
		log:   log,
		keys:  make(map[string]*keyState),
		provs: make(map[string]*providerState),
		rdb:   rdb,
	}
}

func (p *Pool) keyStateFor(keyID string) *keyState {
	p.mu.RLock()
	ks, ok := p.keys[keyID]
	p.mu.RUnlock()
	if ok {
		return ks
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ks, ok := p.keys[keyID]; ok {
		return ks
	}
	ks = &keyState{}
	p.keys[keyID] = ks
	return ks
}

func (p *Pool) providerStateFor(providerID string) *providerState {
	p.mu.RLock()
	ps, ok := p.provs[providerID]
	p.mu.RUnlock()
	if ok {
		return ps
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ps, ok := p.provs[providerID]; ok {
		return ps
	}
	ps = &providerState{}
	p.provs[providerID] = ps
	return ps
}

// trimWindow drops timestamps older than window from ts, returning the
// surviving slice.
func trimWindow(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cut := now.Add(-window)
	i := 0
	for i < len(ts) && ts[i].Before(cut) {
		i++
	}
	return ts[i:]
}

// Acquire selects an eligible key for provider using weighted random choice.
// Providers whose fast-path cooldown has tripped are rejected outright
// without inspecting individual keys.
func (p *Pool) Acquire(ctx context.Context, provider domain.ProviderConfig) (domain.KeySelection, error) {
	now := time.Now()

	ps := p.providerStateFor(provider.ID)
	ps.mu.Lock()
	providerCoolingDown := now.Before(ps.cooldownUntil)
	if !providerCoolingDown {
		ps.requestTimes = trimWindow(ps.requestTimes, now, p.cfg.QPSWindow)
		if provider.MaxQPS > 0 && len(ps.requestTimes) >= provider.MaxQPS {
			ps.mu.Unlock()
			return domain.KeySelection{}, ErrNoAvailableKey
		}
	}
	ps.mu.Unlock()
	if providerCoolingDown {
		return domain.KeySelection{}, ErrNoAvailableKey
	}

	type eligible struct {
		key    domain.ProviderAPIKey
		weight float64
	}
	var candidates []eligible
	for _, k := range provider.ActiveKeys() {
		ks := p.keyStateFor(k.ID)
		ks.mu.Lock()
		skip := now.Before(ks.cooldownUntil)
		if !skip {
			ks.requestTimes = trimWindow(ks.requestTimes, now, p.cfg.QPSWindow)
			if k.MaxQPS > 0 && len(ks.requestTimes) >= k.MaxQPS {
				skip = true
			}
		}
		ks.mu.Unlock()
		if skip {
			continue
		}
		w := k.Weight
		if w <= 0 {
			w = 1
		}
		candidates = append(candidates, eligible{key: k, weight: w})
	}

	if len(candidates) == 0 {
		return domain.KeySelection{}, ErrNoAvailableKey
	}

	var total float64
	for _, c := range candidates {
		total += c.weight
	}
	var chosen eligible
	if total <= 0 {
		chosen = candidates[rand.Intn(len(candidates))]
	} else {
		r := rand.Float64() * total
		var acc float64
		chosen = candidates[len(candidates)-1]
		for _, c := range candidates {
			acc += c.weight
			if r <= acc {
				chosen = c
				break
			}
		}
	}

	ks := p.keyStateFor(chosen.key.ID)
	ks.mu.Lock()
	ks.requestTimes = append(ks.requestTimes, now)
	ks.mu.Unlock()

	ps.mu.Lock()
	ps.requestTimes = append(ps.requestTimes, now)
	ps.mu.Unlock()

	return domain.KeySelection{
		ProviderID: provider.ID,
		KeyID:      chosen.key.ID,
		Key:        chosen.key.Key,
		Label:      chosen.key.Label,
	}, nil
}

// RecordSuccess clears failure counters for both the key and its provider.
func (p *Pool) RecordSuccess(sel domain.KeySelection) {
	ks := p.keyStateFor(sel.KeyID)
	ks.mu.Lock()
	ks.failureCount = 0
	ks.mu.Unlock()

	ps := p.providerStateFor(sel.ProviderID)
	ps.mu.Lock()
	ps.failureCount = 0
	ps.mu.Unlock()
}

// RecordFailure increments failure counters for retryable failures and trips
// a cooldown once the threshold is reached within the window. Non-retryable
// 4xx failures (other than 429, which callers pass as retryable) are
// ignored here and never trip a cooldown.
func (p *Pool) RecordFailure(sel domain.KeySelection, retryable bool, statusCode int) {
	if !retryable {
		return
	}
	now := time.Now()

	ks := p.keyStateFor(sel.KeyID)
	ks.mu.Lock()
	if ks.windowStart.IsZero() || now.Sub(ks.windowStart) > p.cfg.Window {
		ks.windowStart = now
		ks.failureCount = 0
	}
	ks.failureCount++
	if ks.failureCount >= p.cfg.FailureThreshold {
		ks.cooldownUntil = now.Add(p.cfg.CooldownDuration)
		ks.failureCount = 0
		p.log.Warn("keypool: key entered cooldown", "provider", sel.ProviderID, "key", sel.Label, "status", statusCode)
	}
	ks.mu.Unlock()

	ps := p.providerStateFor(sel.ProviderID)
	ps.mu.Lock()
	if ps.windowStart.IsZero() || now.Sub(ps.windowStart) > p.cfg.Window {
		ps.windowStart = now
		ps.failureCount = 0
	}
	ps.failureCount++
	if ps.failureCount >= p.cfg.FailureThreshold {
		ps.cooldownUntil = now.Add(p.cfg.CooldownDuration)
		ps.failureCount = 0
		p.log.Warn("keypool: provider entered cooldown", "provider", sel.ProviderID, "status", statusCode)
	}
	ps.mu.Unlock()
}

// CooldownRemaining returns how long is left on provider's fast-path
// cooldown, or 0 if it isn't cooling down.
func (p *Pool) CooldownRemaining(providerID string) time.Duration {
	ps := p.providerStateFor(providerID)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	remaining := time.Until(ps.cooldownUntil)
	if remaining < 0 {
		return 0
	}
	return remaining
}
