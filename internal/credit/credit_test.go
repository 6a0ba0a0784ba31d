package credit

import (
	"context"
	"errors"
	"testing"

	"github.com/nulpointcorp/aperture-gateway/internal/domain"
)

type fakeStore struct {
	accounts map[string]domain.CreditAccount
	txns     map[string]domain.CreditTransaction
	adjustErr error
	getErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts: map[string]domain.CreditAccount{},
		txns:     map[string]domain.CreditTransaction{},
	}
}

func (f *fakeStore) GetAccount(_ context.Context, userID string) (domain.CreditAccount, error) {
	if f.getErr != nil {
		return domain.CreditAccount{}, f.getErr
	}
	acct, ok := f.accounts[userID]
	if !ok {
		return domain.CreditAccount{}, errors.New("no such account")
	}
	return acct, nil
}

func (f *fakeStore) AdjustBalance(_ context.Context, userID string, delta float64) error {
	if f.adjustErr != nil {
		return f.adjustErr
	}
	acct := f.accounts[userID]
	acct.Balance += delta
	f.accounts[userID] = acct
	return nil
}

func (f *fakeStore) InsertTransaction(_ context.Context, tx domain.CreditTransaction) (bool, error) {
	if _, exists := f.txns[tx.IdempotencyKey]; exists {
		return false, nil
	}
	f.txns[tx.IdempotencyKey] = tx
	return true, nil
}

type fakePricing struct {
	base       float64
	baseOK     bool
	modelMult  float64
	provFactor float64
}

func (f fakePricing) BasePer1K(_ context.Context) (float64, bool) { return f.base, f.baseOK }
func (f fakePricing) ModelMultiplier(_ context.Context, _ string) float64 {
	if f.modelMult == 0 {
		return 1
	}
	return f.modelMult
}
func (f fakePricing) ProviderFactor(_ context.Context, _ string) float64 {
	if f.provFactor == 0 {
		return 1
	}
	return f.provFactor
}

func TestEnsureUsable_EnforcementOff(t *testing.T) {
	m := New(newFakeStore(), fakePricing{}, nil, Options{Enforce: false})
	if err := m.EnsureUsable(context.Background(), "u1"); err != nil {
		t.Fatalf("expected no error when enforcement is off, got %v", err)
	}
}

func TestEnsureUsable_InsufficientBalance(t *testing.T) {
	store := newFakeStore()
	store.accounts["u1"] = domain.CreditAccount{UserID: "u1", Balance: 0, Status: "active"}
	m := New(store, fakePricing{}, nil, Options{Enforce: true})
	if err := m.EnsureUsable(context.Background(), "u1"); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
}

func TestEnsureUsable_SufficientBalance(t *testing.T) {
	store := newFakeStore()
	store.accounts["u1"] = domain.CreditAccount{UserID: "u1", Balance: 10, Status: "active"}
	m := New(store, fakePricing{}, nil, Options{Enforce: true})
	if err := m.EnsureUsable(context.Background(), "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEnsureUsable_SuspendedAccount(t *testing.T) {
	store := newFakeStore()
	store.accounts["u1"] = domain.CreditAccount{UserID: "u1", Balance: 100, Status: "suspended"}
	m := New(store, fakePricing{}, nil, Options{Enforce: true})
	if err := m.EnsureUsable(context.Background(), "u1"); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits for suspended account, got %v", err)
	}
}

func TestEnsureUsable_LookupFailureAllowsRequest(t *testing.T) {
	store := newFakeStore()
	store.getErr = errors.New("db down")
	m := New(store, fakePricing{}, nil, Options{Enforce: true})
	if err := m.EnsureUsable(context.Background(), "u1"); err != nil {
		t.Fatalf("account lookup failures must be swallowed, got %v", err)
	}
}

func TestSettle_OneLedgerRowPerIdempotencyKey(t *testing.T) {
	store := newFakeStore()
	store.accounts["u1"] = domain.CreditAccount{UserID: "u1", Balance: 100, Status: "active"}
	m := New(store, fakePricing{base: 1, baseOK: true}, nil, Options{})

	m.Settle(context.Background(), "u1", "req-1", "gpt-4", "openai", 2000, "request")
	m.Settle(context.Background(), "u1", "req-1", "gpt-4", "openai", 2000, "request")

	if len(store.txns) != 1 {
		t.Fatalf("expected exactly 1 ledger row for a repeated idempotency key, got %d", len(store.txns))
	}
	acct := store.accounts["u1"]
	if acct.Balance != 98 {
		t.Errorf("expected balance deducted exactly once (98), got %v", acct.Balance)
	}
}

func TestSettle_ZeroTokensChargesNothing(t *testing.T) {
	store := newFakeStore()
	store.accounts["u1"] = domain.CreditAccount{UserID: "u1", Balance: 100, Status: "active"}
	m := New(store, fakePricing{base: 1, baseOK: true}, nil, Options{})

	m.Settle(context.Background(), "u1", "req-2", "gpt-4", "openai", 0, "request")

	if len(store.txns) != 0 {
		t.Errorf("expected no ledger row for zero tokens, got %d", len(store.txns))
	}
}

func TestSettle_NoPricingConfiguredChargesNothing(t *testing.T) {
	store := newFakeStore()
	store.accounts["u1"] = domain.CreditAccount{UserID: "u1", Balance: 100, Status: "active"}
	m := New(store, fakePricing{baseOK: false}, nil, Options{})

	m.Settle(context.Background(), "u1", "req-3", "gpt-4", "openai", 5000, "request")

	if len(store.txns) != 0 {
		t.Errorf("expected no ledger row when no base rate is configured, got %d", len(store.txns))
	}
}

func TestSettle_MinimumChargeOfOne(t *testing.T) {
	store := newFakeStore()
	store.accounts["u1"] = domain.CreditAccount{UserID: "u1", Balance: 100, Status: "active"}
	m := New(store, fakePricing{base: 0.001, baseOK: true}, nil, Options{})

	m.Settle(context.Background(), "u1", "req-4", "gpt-4", "openai", 10, "request")

	acct := store.accounts["u1"]
	if acct.Balance != 99 {
		t.Errorf("expected a minimum charge of 1 credit, balance = %v", acct.Balance)
	}
}

func TestSettle_AppliesModelAndProviderMultipliers(t *testing.T) {
	store := newFakeStore()
	store.accounts["u1"] = domain.CreditAccount{UserID: "u1", Balance: 1000, Status: "active"}
	m := New(store, fakePricing{base: 10, baseOK: true, modelMult: 2, provFactor: 1.5}, nil, Options{})

	// cost = ceil((4000/1000) * 10 * 2 * 1.5) = ceil(120) = 120
	m.Settle(context.Background(), "u1", "req-5", "gpt-4", "openai", 4000, "request")

	acct := store.accounts["u1"]
	if acct.Balance != 880 {
		t.Errorf("expected balance 880 after a 120-credit charge, got %v", acct.Balance)
	}
}

func TestSettle_BalanceAdjustFailureSwallowed(t *testing.T) {
	store := newFakeStore()
	store.accounts["u1"] = domain.CreditAccount{UserID: "u1", Balance: 100, Status: "active"}
	m := New(store, fakePricing{base: 1, baseOK: true}, nil, Options{})

	// Force AdjustBalance to fail; Settle must not panic or propagate.
	store.adjustErr = errors.New("db down")
	m.Settle(context.Background(), "u1", "req-6", "gpt-4", "openai", 2000, "request")
}

func TestPreChargeEstimate_UsesHintWhenPresent(t *testing.T) {
	m := New(newFakeStore(), fakePricing{}, nil, Options{})
	if got := m.PreChargeEstimate(500); got != 500 {
		t.Errorf("expected hint 500, got %d", got)
	}
}

func TestPreChargeEstimate_FallsBackToConfiguredMinimum(t *testing.T) {
	m := New(newFakeStore(), fakePricing{}, nil, Options{StreamMinTokens: 128})
	if got := m.PreChargeEstimate(0); got != 128 {
		t.Errorf("expected configured fallback 128, got %d", got)
	}
}
