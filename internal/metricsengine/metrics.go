// Package metricsengine implements the Metrics & Dynamic Weights component
// (C5): in-memory per-minute-bucket aggregation flushed on a ticker, status
// derivation, and the dynamic-weight feedback loop. The percentile and
// status-threshold logic is a direct port of the reference implementation's
// app/routing/metrics.py aggregate_metrics function; the flush/bucket
// lifecycle follows the teacher's internal/logger async-batch design
// (ticker-driven flush of a mutex-guarded bucket map, drain-on-close).
package metricsengine

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/nulpointcorp/aperture-gateway/internal/domain"
)

// Outcome classifies one sample for bucketing.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	Outcome4xx     Outcome = "error_4xx"
	Outcome5xx     Outcome = "error_5xx"
	Outcome429     Outcome = "error_429"
	OutcomeTimeout Outcome = "error_timeout"
	OutcomeCanceled Outcome = "canceled"
)

// Sample is one request outcome fed to RecordSample.
type Sample struct {
	LogicalModel string
	ProviderID   string
	Transport    domain.Transport
	IsStream     bool
	LatencyMs    float64
	Outcome      Outcome
	InputTokens  int64
	OutputTokens int64
}

const reservoirSize = 500

type bucketKey struct {
	logicalModel string
	providerID   string
}

type bucket struct {
	windowStart  time.Time
	success      int64
	errors       int64
	errors4xx    int64
	errors5xx    int64
	errors429    int64
	timeouts     int64
	inputTokens  int64
	outputTokens int64
	reservoir    []float64 // latency samples, reservoir-sampled
	seen         int64
}

// FlushSink receives a finished window's aggregate for persistence
// (SQL upsert, ClickHouse append, Prometheus observation).
type FlushSink interface {
	WriteMetrics(ctx context.Context, m domain.RoutingMetrics) error
}

// Engine buffers samples per minute bucket and flushes them periodically.
type Engine struct {
	mu           sync.Mutex
	buckets      map[bucketKey]*bucket
	sink         FlushSink
	log          *slog.Logger
	flushEvery   time.Duration
	windowSize   time.Duration
	successRate  float64 // sampling rate for successful requests, [0,1]

	weightsMu sync.RWMutex
	weights   map[bucketKey]float64 // dynamic weight state
	lastFlushed map[bucketKey]domain.RoutingMetrics // most recent flushed window per (model, provider)

	learningRate float64
	minFactor    float64
	maxFactor    float64

	done chan struct{}
	wg   sync.WaitGroup
}

// Options configures an Engine.
type Options struct {
	FlushInterval    time.Duration
	WindowSize       time.Duration
	SuccessSampleRate float64
	LearningRate     float64
	MinFactor        float64
	MaxFactor        float64
}

// DefaultOptions mirrors the spec's defaults (min 0.2x, max 3x).
func DefaultOptions() Options {
	return Options{
		FlushInterval:     10 * time.Second,
		WindowSize:        time.Minute,
		SuccessSampleRate: 1.0,
		LearningRate:      0.1,
		MinFactor:         0.2,
		MaxFactor:         3.0,
	}
}

// New builds an Engine and starts its background flush loop. Call Close to
// stop it and flush remaining buckets.
func New(ctx context.Context, sink FlushSink, log *slog.Logger, opts Options) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		buckets:      make(map[bucketKey]*bucket),
		weights:      make(map[bucketKey]float64),
		lastFlushed:  make(map[bucketKey]domain.RoutingMetrics),
		sink:         sink,
		log:          log,
		flushEvery:   opts.FlushInterval,
		windowSize:   opts.WindowSize,
		successRate:  opts.SuccessSampleRate,
		learningRate: opts.LearningRate,
		minFactor:    opts.MinFactor,
		maxFactor:    opts.MaxFactor,
		done:         make(chan struct{}),
	}
	e.wg.Add(1)
	go e.run(ctx)
	return e
}

func bucketStart(t time.Time, window time.Duration) time.Time {
	return t.Truncate(window)
}

// RecordSample buffers one sample into its minute bucket. Successful
// samples are subject to success_sample_rate; failures are always recorded.
func (e *Engine) RecordSample(s Sample, rng func() float64) {
	if s.Outcome == OutcomeSuccess && e.successRate < 1.0 {
		if rng == nil {
			rng = randFloat
		}
		if rng() > e.successRate {
			return
		}
	}

	key := bucketKey{logicalModel: s.LogicalModel, providerID: s.ProviderID}
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.buckets[key]
	if !ok || now.Sub(b.windowStart) >= e.windowSize {
		b = &bucket{windowStart: bucketStart(now, e.windowSize)}
		e.buckets[key] = b
	}

	switch s.Outcome {
	case OutcomeSuccess:
		b.success++
	case Outcome4xx:
		b.errors++
		b.errors4xx++
	case Outcome5xx:
		b.errors++
		b.errors5xx++
	case Outcome429:
		b.errors++
		b.errors429++
	case OutcomeTimeout:
		b.errors++
		b.timeouts++
	}
	b.inputTokens += s.InputTokens
	b.outputTokens += s.OutputTokens

	b.seen++
	if len(b.reservoir) < reservoirSize {
		b.reservoir = append(b.reservoir, s.LatencyMs)
	} else {
		j := int(randFloat() * float64(b.seen))
		if j < reservoirSize {
			b.reservoir[j] = s.LatencyMs
		}
	}
}

func randFloat() float64 { return rand.Float64() }

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Round(p * float64(len(sorted)-1)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func deriveStatus(errorRate, p95 float64) domain.Status {
	switch {
	case errorRate > 0.5:
		return domain.StatusDown
	case errorRate > 0.1 || p95 > 2000:
		return domain.StatusDegraded
	default:
		return domain.StatusHealthy
	}
}

// flushAll drains every bucket into RoutingMetrics, invokes the sink, and
// feeds the dynamic-weight update for every flushed (logical_model, provider).
func (e *Engine) flushAll(ctx context.Context) {
	e.mu.Lock()
	toFlush := e.buckets
	e.buckets = make(map[bucketKey]*bucket)
	e.mu.Unlock()

	if len(toFlush) == 0 {
		return
	}

	flushed := make(map[bucketKey]domain.RoutingMetrics, len(toFlush))
	for key, b := range toFlush {
		sorted := append([]float64(nil), b.reservoir...)
		sort.Float64s(sorted)
		total := b.success + b.errors
		var errRate float64
		if total > 0 {
			errRate = float64(b.errors) / float64(total)
		}
		p95 := percentile(sorted, 0.95)
		m := domain.RoutingMetrics{
			LogicalModel:  key.logicalModel,
			ProviderID:    key.providerID,
			WindowStart:   b.windowStart,
			WindowSeconds: int(e.windowSize.Seconds()),
			Success:       b.success,
			Errors:        b.errors,
			Errors4xx:     b.errors4xx,
			Errors5xx:     b.errors5xx,
			Errors429:     b.errors429,
			Timeouts:      b.timeouts,
			LatencyP50Ms:  percentile(sorted, 0.50),
			LatencyP95Ms:  p95,
			LatencyP99Ms:  percentile(sorted, 0.99),
			InputTokens:   b.inputTokens,
			OutputTokens:  b.outputTokens,
			Status:        deriveStatus(errRate, p95),
		}
		flushed[key] = m

		if e.sink != nil {
			if err := e.sink.WriteMetrics(ctx, m); err != nil {
				e.log.Warn("metricsengine: flush sink error", "error", err)
			}
		}
	}

	e.weightsMu.Lock()
	for key, m := range flushed {
		e.lastFlushed[key] = m
	}
	e.weightsMu.Unlock()

	e.updateDynamicWeights(flushed)
}

// Snapshot returns the most recently flushed RoutingMetrics for every
// provider observed under logicalModel, keyed by provider id. Used by the
// scheduler to score candidates against the last completed window rather
// than the (still-accumulating) live bucket.
func (e *Engine) Snapshot(logicalModel string) map[string]*domain.RoutingMetrics {
	e.weightsMu.RLock()
	defer e.weightsMu.RUnlock()
	out := map[string]*domain.RoutingMetrics{}
	for key, m := range e.lastFlushed {
		if key.logicalModel == logicalModel {
			m := m
			out[key.providerID] = &m
		}
	}
	return out
}

// updateDynamicWeights applies the clamp(w + delta*lr, base*minFactor,
// base*maxFactor) feedback loop relative to the cohort (same logical model)
// mean error rate and latency.
func (e *Engine) updateDynamicWeights(flushed map[bucketKey]domain.RoutingMetrics) {
	byModel := map[string][]domain.RoutingMetrics{}
	for key, m := range flushed {
		byModel[key.logicalModel] = append(byModel[key.logicalModel], m)
	}

	e.weightsMu.Lock()
	defer e.weightsMu.Unlock()

	for model, rows := range byModel {
		var meanErr, meanLat float64
		for _, r := range rows {
			meanErr += r.ErrorRate()
			meanLat += r.LatencyP95Ms
		}
		n := float64(len(rows))
		if n > 0 {
			meanErr /= n
			meanLat /= n
		}

		for _, r := range rows {
			key := bucketKey{logicalModel: model, providerID: r.ProviderID}
			base, ok := e.weights[key]
			if !ok {
				base = 1.0 // no SeedWeight call for this pair yet
			}

			errDelta := meanErr - r.ErrorRate()
			latDelta := (meanLat - r.LatencyP95Ms) / 4000.0
			delta := errDelta + latDelta

			w := base + delta*e.learningRate
			lo := base * e.minFactor
			hi := base * e.maxFactor
			if w < lo {
				w = lo
			}
			if w > hi {
				w = hi
			}
			e.weights[key] = w
		}
	}
}

// SeedWeight sets the initial dynamic weight for (logicalModel, provider) to
// baseWeight if no observation exists yet. Safe to call repeatedly.
func (e *Engine) SeedWeight(logicalModel, providerID string, baseWeight float64) {
	key := bucketKey{logicalModel: logicalModel, providerID: providerID}
	e.weightsMu.Lock()
	defer e.weightsMu.Unlock()
	if _, ok := e.weights[key]; !ok {
		e.weights[key] = baseWeight
	}
}

// DynamicWeights returns the current dynamic weight map for logicalModel,
// keyed by provider id.
func (e *Engine) DynamicWeights(logicalModel string) map[string]float64 {
	e.weightsMu.RLock()
	defer e.weightsMu.RUnlock()
	out := map[string]float64{}
	for key, w := range e.weights {
		if key.logicalModel == logicalModel {
			out[key.providerID] = w
		}
	}
	return out
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.flushAll(context.Background())
			return
		case <-e.done:
			e.flushAll(context.Background())
			return
		case <-ticker.C:
			e.flushAll(ctx)
		}
	}
}

// Close stops the flush loop and drains remaining buckets.
func (e *Engine) Close() {
	close(e.done)
	e.wg.Wait()
}
