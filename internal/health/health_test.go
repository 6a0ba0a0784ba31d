package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/aperture-gateway/internal/domain"
)

type fakeKeys struct {
	mu       sync.Mutex
	fail     bool
	success  int
	failures int
}

func (f *fakeKeys) Acquire(ctx context.Context, provider domain.ProviderConfig) (domain.KeySelection, error) {
	if f.fail {
		return domain.KeySelection{}, errNoKey
	}
	return domain.KeySelection{ProviderID: provider.ID, KeyID: "k"}, nil
}
func (f *fakeKeys) RecordSuccess(sel domain.KeySelection) {
	f.mu.Lock()
	f.success++
	f.mu.Unlock()
}
func (f *fakeKeys) RecordFailure(sel domain.KeySelection, retryable bool, statusCode int) {
	f.mu.Lock()
	f.failures++
	f.mu.Unlock()
}

type stubErr struct{}

func (stubErr) Error() string { return "no key" }

var errNoKey = stubErr{}

type captureStore struct {
	mu       sync.Mutex
	statuses []domain.HealthStatus
}

func (c *captureStore) PutHealth(ctx context.Context, status domain.HealthStatus, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = append(c.statuses, status)
	return nil
}

func TestProbeOneHealthyOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	keys := &fakeKeys{}
	store := &captureStore{}
	m := New(nil, keys, store, srv.Client(), time.Minute)
	p := domain.ProviderConfig{ID: "openai", BaseURL: srv.URL}

	status := m.ProbeOne(context.Background(), p)
	if status.Status != domain.StatusHealthy {
		t.Fatalf("expected healthy, got %s", status.Status)
	}
	if keys.success != 1 {
		t.Fatalf("expected RecordSuccess called once, got %d", keys.success)
	}
}

func TestProbeOneDownOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	keys := &fakeKeys{}
	m := New(nil, keys, nil, srv.Client(), time.Minute)
	status := m.ProbeOne(context.Background(), domain.ProviderConfig{ID: "p", BaseURL: srv.URL})
	if status.Status != domain.StatusDown {
		t.Fatalf("expected down, got %s", status.Status)
	}
	if keys.failures != 1 {
		t.Fatalf("expected RecordFailure called once, got %d", keys.failures)
	}
}

func TestProbeOneDegradedOn4xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	keys := &fakeKeys{}
	m := New(nil, keys, nil, srv.Client(), time.Minute)
	status := m.ProbeOne(context.Background(), domain.ProviderConfig{ID: "p", BaseURL: srv.URL})
	if status.Status != domain.StatusDegraded {
		t.Fatalf("expected degraded, got %s", status.Status)
	}
}

func TestProbeOneDownWhenNoKeyAvailable(t *testing.T) {
	keys := &fakeKeys{fail: true}
	m := New(nil, keys, nil, nil, time.Minute)
	status := m.ProbeOne(context.Background(), domain.ProviderConfig{ID: "p", BaseURL: "http://example.invalid"})
	if status.Status != domain.StatusDown {
		t.Fatalf("expected down without a key, got %s", status.Status)
	}
}
