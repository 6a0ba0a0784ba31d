package keypool

import (
	"context"
	"testing"
	"time"

	"github.com/nulpointcorp/aperture-gateway/internal/domain"
)

func testProvider() domain.ProviderConfig {
	return domain.ProviderConfig{
		ID: "openai",
		Keys: []domain.ProviderAPIKey{
			{ID: "k1", Provider: "openai", Key: "sk-1", Weight: 1, Active: true, Label: "k1"},
		},
	}
}

func TestAcquireReturnsActiveKey(t *testing.T) {
	p := New(DefaultConfig(), nil, nil)
	sel, err := p.Acquire(context.Background(), testProvider())
	if err != nil {
		t.Fatal(err)
	}
	if sel.KeyID != "k1" {
		t.Fatalf("expected k1, got %s", sel.KeyID)
	}
}

func TestAcquireNoActiveKeys(t *testing.T) {
	p := New(DefaultConfig(), nil, nil)
	prov := domain.ProviderConfig{ID: "openai"}
	_, err := p.Acquire(context.Background(), prov)
	if err != ErrNoAvailableKey {
		t.Fatalf("expected ErrNoAvailableKey, got %v", err)
	}
}

func TestRecordFailureTripsCooldownAfterThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	p := New(cfg, nil, nil)
	prov := testProvider()

	sel, err := p.Acquire(context.Background(), prov)
	if err != nil {
		t.Fatal(err)
	}
	p.RecordFailure(sel, true, 500)
	p.RecordFailure(sel, true, 500)

	_, err = p.Acquire(context.Background(), prov)
	if err != ErrNoAvailableKey {
		t.Fatalf("expected key to be in cooldown, got %v", err)
	}
}

func TestNonRetryableFailureDoesNotCooldown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	p := New(cfg, nil, nil)
	prov := testProvider()

	sel, _ := p.Acquire(context.Background(), prov)
	p.RecordFailure(sel, false, 400)

	if _, err := p.Acquire(context.Background(), prov); err != nil {
		t.Fatalf("non-retryable failure should not cooldown the key: %v", err)
	}
}

func TestRecordSuccessClearsFailureCount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	p := New(cfg, nil, nil)
	prov := testProvider()

	sel, _ := p.Acquire(context.Background(), prov)
	p.RecordFailure(sel, true, 500)
	p.RecordSuccess(sel)
	p.RecordFailure(sel, true, 500)

	if _, err := p.Acquire(context.Background(), prov); err != nil {
		t.Fatalf("expected failure count reset by success, got %v", err)
	}
}

func TestQPSSkipsOverBudgetKey(t *testing.T) {
	p := New(DefaultConfig(), nil, nil)
	prov := testProvider()
	prov.Keys[0].MaxQPS = 1

	if _, err := p.Acquire(context.Background(), prov); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Acquire(context.Background(), prov); err != ErrNoAvailableKey {
		t.Fatalf("expected QPS skip, got %v", err)
	}
}

func TestCooldownRemainingTracksProviderTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.CooldownDuration = 50 * time.Millisecond
	p := New(cfg, nil, nil)
	prov := testProvider()

	sel, _ := p.Acquire(context.Background(), prov)
	p.RecordFailure(sel, true, 500)

	if rem := p.CooldownRemaining("openai"); rem <= 0 {
		t.Fatalf("expected positive cooldown remaining, got %v", rem)
	}
}
