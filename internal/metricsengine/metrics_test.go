package metricsengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/aperture-gateway/internal/domain"
)

type captureSink struct {
	mu sync.Mutex
	ms []domain.RoutingMetrics
}

func (c *captureSink) WriteMetrics(ctx context.Context, m domain.RoutingMetrics) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ms = append(c.ms, m)
	return nil
}

func (c *captureSink) snapshot() []domain.RoutingMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.RoutingMetrics(nil), c.ms...)
}

func alwaysRecord() float64 { return 0 }

func TestRecordSampleAndFlushDerivesHealthyStatus(t *testing.T) {
	sink := &captureSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := New(ctx, sink, nil, Options{FlushInterval: time.Hour, WindowSize: time.Minute, SuccessSampleRate: 1})

	for i := 0; i < 5; i++ {
		e.RecordSample(Sample{LogicalModel: "gpt-4", ProviderID: "openai", Outcome: OutcomeSuccess, LatencyMs: 100}, alwaysRecord)
	}
	e.flushAll(context.Background())

	got := sink.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected 1 flushed bucket, got %d", len(got))
	}
	if got[0].Status != domain.StatusHealthy {
		t.Fatalf("expected healthy, got %s", got[0].Status)
	}
	if got[0].Success != 5 {
		t.Fatalf("expected success=5, got %d", got[0].Success)
	}
}

func TestFlushDerivesDownOnHighErrorRate(t *testing.T) {
	sink := &captureSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := New(ctx, sink, nil, Options{FlushInterval: time.Hour, WindowSize: time.Minute, SuccessSampleRate: 1})

	e.RecordSample(Sample{LogicalModel: "m", ProviderID: "p", Outcome: OutcomeSuccess, LatencyMs: 10}, alwaysRecord)
	for i := 0; i < 3; i++ {
		e.RecordSample(Sample{LogicalModel: "m", ProviderID: "p", Outcome: Outcome5xx, LatencyMs: 10}, alwaysRecord)
	}
	e.flushAll(context.Background())

	got := sink.snapshot()
	if got[0].Status != domain.StatusDown {
		t.Fatalf("expected down status at 75%% error rate, got %s", got[0].Status)
	}
}

func TestDynamicWeightStaysWithinBounds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := New(ctx, nil, nil, Options{FlushInterval: time.Hour, WindowSize: time.Minute, SuccessSampleRate: 1, LearningRate: 5, MinFactor: 0.2, MaxFactor: 3.0})
	e.SeedWeight("m", "p", 1.0)

	for i := 0; i < 20; i++ {
		e.RecordSample(Sample{LogicalModel: "m", ProviderID: "p", Outcome: OutcomeSuccess, LatencyMs: 10}, alwaysRecord)
		e.flushAll(context.Background())
	}

	w := e.DynamicWeights("m")["p"]
	if w < 1.0/3.0 || w > 3.0 {
		t.Fatalf("expected weight within [1/3, base*maxFactor], got %v", w)
	}
}
