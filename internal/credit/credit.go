// Package credit implements the Credit Meter (C10): usability checks and
// idempotent settlement. Ported from the reference implementation's
// backend/app/services/credit_service.py — the cost formula, the
// pre-charge/post-charge streaming split, and the "errors are logged and
// swallowed, not propagated" posture are all carried over verbatim in
// spirit, restated against a SQL ledger with a unique constraint on
// idempotency_key rather than an ORM session.
package credit

import (
	"context"
	"errors"
	"log/slog"
	"math"

	"github.com/nulpointcorp/aperture-gateway/internal/domain"
)

// ErrInsufficientCredits is returned by EnsureUsable when enforcement is on
// and the account balance is not positive.
var ErrInsufficientCredits = errors.New("credit: insufficient balance")

// Store is the SQL-backed ledger. InsertTransaction must be a no-op
// (returning ok=false, err=nil) when idempotencyKey already exists, per the
// unique-constraint-based idempotency design in SPEC_FULL.md §9.
type Store interface {
	GetAccount(ctx context.Context, userID string) (domain.CreditAccount, error)
	AdjustBalance(ctx context.Context, userID string, delta float64) error
	InsertTransaction(ctx context.Context, tx domain.CreditTransaction) (inserted bool, err error)
}

// PricingSource resolves per-model/provider billing multipliers.
type PricingSource interface {
	// BasePer1K returns the base credits-per-1000-tokens rate, or ok=false
	// if no rate is configured (settle then charges 0).
	BasePer1K(ctx context.Context) (float64, bool)
	ModelMultiplier(ctx context.Context, modelName string) float64
	ProviderFactor(ctx context.Context, providerID string) float64
}

// Meter is the C10 entry point.
type Meter struct {
	store     Store
	pricing   PricingSource
	log       *slog.Logger
	enforce   bool
	streamMinTokens int64
}

// Options configures a Meter.
type Options struct {
	Enforce         bool
	StreamMinTokens int64 // fallback estimate when a streaming request has no max_tokens hint
}

// New builds a Meter.
func New(store Store, pricing PricingSource, log *slog.Logger, opts Options) *Meter {
	if log == nil {
		log = slog.Default()
	}
	if opts.StreamMinTokens <= 0 {
		opts.StreamMinTokens = 256
	}
	return &Meter{store: store, pricing: pricing, log: log, enforce: opts.Enforce, streamMinTokens: opts.StreamMinTokens}
}

// EnsureUsable blocks a user whose balance is not positive, when enforcement
// is enabled. A no-op when enforcement is off.
func (m *Meter) EnsureUsable(ctx context.Context, userID string) error {
	if !m.enforce {
		return nil
	}
	acct, err := m.store.GetAccount(ctx, userID)
	if err != nil {
		m.log.Warn("credit: account lookup failed, allowing request", "user", userID, "error", err)
		return nil
	}
	if acct.Status != "active" || acct.Balance <= 0 {
		return ErrInsufficientCredits
	}
	return nil
}

// computeCost applies cost = ceil((tokens/1000) * base * modelMultiplier * providerFactor), min 1.
func (m *Meter) computeCost(ctx context.Context, modelName, providerID string, totalTokens int64) int64 {
	if totalTokens <= 0 {
		return 0
	}
	base, ok := m.pricing.BasePer1K(ctx)
	if !ok || base <= 0 {
		return 0
	}
	mult := m.pricing.ModelMultiplier(ctx, modelName)
	factor := m.pricing.ProviderFactor(ctx, providerID)
	cost := math.Ceil((float64(totalTokens) / 1000.0) * base * mult * factor)
	if cost < 1 {
		cost = 1
	}
	return int64(cost)
}

// Settle deducts the computed cost and appends one ledger row idempotent on
// idempotencyKey. Errors are logged and swallowed: billing failures must
// never break the main request per SPEC_FULL.md §7.
func (m *Meter) Settle(ctx context.Context, userID, idempotencyKey, modelName, providerID string, totalTokens int64, reason string) {
	cost := m.computeCost(ctx, modelName, providerID, totalTokens)
	if cost == 0 {
		return
	}
	tx := domain.CreditTransaction{
		UserID:         userID,
		Amount:         -float64(cost),
		Reason:         reason,
		IdempotencyKey: idempotencyKey,
	}
	inserted, err := m.store.InsertTransaction(ctx, tx)
	if err != nil {
		m.log.Warn("credit: settle failed", "user", userID, "error", err)
		return
	}
	if !inserted {
		return // already settled for this idempotency key: a no-op retry
	}
	if err := m.store.AdjustBalance(ctx, userID, -float64(cost)); err != nil {
		m.log.Warn("credit: balance adjustment failed", "user", userID, "error", err)
	}
}

// PreChargeEstimate derives an approximate token count for a streaming
// request ahead of settlement, from an explicit max_tokens hint or, absent
// one, the configured streaming minimum.
func (m *Meter) PreChargeEstimate(maxTokensHint int64) int64 {
	if maxTokensHint > 0 {
		return maxTokensHint
	}
	return m.streamMinTokens
}
