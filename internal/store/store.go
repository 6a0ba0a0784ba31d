// Package store is the Postgres-backed control-plane system of record:
// providers, provider keys, provider models, caller API keys, sessions,
// credit accounts/ledger, and billing configuration. It implements the
// narrow Loader/StaticStore/ModelIndex/credit.Store/credit.PricingSource
// interfaces each routing component declares, following the reference
// implementation's repository-per-concern split (backend/app/db/*.py)
// restated as raw SQL over pgx rather than an ORM, in the style of the
// pack's own pgxpool-backed repositories (internal/audit, internal/seed in
// the nightowl reference).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nulpointcorp/aperture-gateway/internal/domain"
)

// Store wraps a pgx connection pool and implements every SQL-backed
// interface the routing pipeline declares.
type Store struct {
	pool *pgxpool.Pool
}

// New builds a Store from a DSN, verifying connectivity.
func New(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() { s.pool.Close() }

// LoadProviders implements registry.Loader: the full provider fleet plus
// each provider's active key rows, in one round trip per table.
func (s *Store) LoadProviders(ctx context.Context) ([]domain.ProviderConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, base_url, transport, sdk_vendor, models_path, messages_path,
		       chat_completions_path, responses_path, supported_styles,
		       retryable_status_codes, custom_headers, region,
		       cost_input_per_1k, cost_output_per_1k, max_qps, static_models,
		       visibility, owner_user_id, allowed_user_ids, billing_factor,
		       disabled, base_weight
		FROM providers`)
	if err != nil {
		return nil, fmt.Errorf("store: load providers: %w", err)
	}
	defer rows.Close()

	var out []domain.ProviderConfig
	for rows.Next() {
		var p domain.ProviderConfig
		var styles []string
		var retryCodes []int32
		var customHeaders, allowedUsers []byte
		var ownerUserID *string
		if err := rows.Scan(
			&p.ID, &p.BaseURL, &p.Transport, &p.SDKVendor, &p.ModelsPath, &p.MessagesPath,
			&p.ChatCompletionsPath, &p.ResponsesPath, &styles,
			&retryCodes, &customHeaders, &p.Region,
			&p.CostInputPer1K, &p.CostOutputPer1K, &p.MaxQPS, &p.StaticModels,
			&p.Visibility, &ownerUserID, &allowedUsers, &p.BillingFactor,
			&p.Disabled, &p.BaseWeight,
		); err != nil {
			return nil, fmt.Errorf("store: scan provider: %w", err)
		}
		if ownerUserID != nil {
			p.OwnerUserID = *ownerUserID
		}
		for _, st := range styles {
			p.SupportedStyles = append(p.SupportedStyles, domain.ApiStyle(st))
		}
		if len(retryCodes) > 0 {
			p.RetryableStatusCodes = make(map[int]bool, len(retryCodes))
			for _, c := range retryCodes {
				p.RetryableStatusCodes[int(c)] = true
			}
		}
		if len(customHeaders) > 0 {
			_ = json.Unmarshal(customHeaders, &p.CustomHeaders)
		}
		if len(allowedUsers) > 0 {
			var ids []string
			if err := json.Unmarshal(allowedUsers, &ids); err == nil {
				p.AllowedUserIDs = make(map[string]bool, len(ids))
				for _, id := range ids {
					p.AllowedUserIDs[id] = true
				}
			}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		keys, err := s.loadKeys(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Keys = keys
	}
	return out, nil
}

func (s *Store) loadKeys(ctx context.Context, providerID string) ([]domain.ProviderAPIKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, provider_id, key_ciphertext, weight, max_qps, label, active
		FROM provider_api_keys WHERE provider_id = $1`, providerID)
	if err != nil {
		return nil, fmt.Errorf("store: load keys for %s: %w", providerID, err)
	}
	defer rows.Close()

	var out []domain.ProviderAPIKey
	for rows.Next() {
		var k domain.ProviderAPIKey
		if err := rows.Scan(&k.ID, &k.Provider, &k.Key, &k.Weight, &k.MaxQPS, &k.Label, &k.Active); err != nil {
			return nil, fmt.Errorf("store: scan key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// GetLogicalModel implements resolver.StaticStore: a pre-seeded logical
// model row with its upstream list, when one has been curated explicitly
// rather than synthesized from provider_models.
func (s *Store) GetLogicalModel(ctx context.Context, id string) (domain.LogicalModel, bool, error) {
	var lm domain.LogicalModel
	var capsRaw []string
	var upstreamsRaw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, display_name, capabilities, upstreams, enabled
		FROM logical_models WHERE id = $1`, id,
	).Scan(&lm.ID, &lm.DisplayName, &capsRaw, &upstreamsRaw, &lm.Enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LogicalModel{}, false, nil
	}
	if err != nil {
		return domain.LogicalModel{}, false, fmt.Errorf("store: get logical model %s: %w", id, err)
	}
	for _, c := range capsRaw {
		lm.Capabilities = append(lm.Capabilities, domain.Capability(c))
	}
	if len(upstreamsRaw) > 0 {
		if err := json.Unmarshal(upstreamsRaw, &lm.Upstreams); err != nil {
			return domain.LogicalModel{}, false, fmt.Errorf("store: decode upstreams for %s: %w", id, err)
		}
	}
	return lm, true, nil
}

// ModelsByID implements resolver.ModelIndex: every provider_models row
// matching lookupID by model_id or alias.
func (s *Store) ModelsByID(ctx context.Context, lookupID string) ([]domain.ProviderModel, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT provider_id, model_id, family, display_name, context_len,
		       capabilities, price_input, price_output, alias, disabled, meta_hash
		FROM provider_models
		WHERE model_id = $1 OR alias = $1`, lookupID)
	if err != nil {
		return nil, fmt.Errorf("store: models by id %s: %w", lookupID, err)
	}
	defer rows.Close()

	var out []domain.ProviderModel
	for rows.Next() {
		var m domain.ProviderModel
		var caps []string
		if err := rows.Scan(
			&m.Provider, &m.ModelID, &m.Family, &m.DisplayName, &m.ContextLen,
			&caps, &m.PriceInput, &m.PriceOutput, &m.Alias, &m.Disabled, &m.MetaHash,
		); err != nil {
			return nil, fmt.Errorf("store: scan provider model: %w", err)
		}
		for _, c := range caps {
			m.Capabilities = append(m.Capabilities, domain.Capability(c))
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetCallerKey looks up a caller API key by its id, for request authentication.
func (s *Store) GetCallerKey(ctx context.Context, keyID string) (domain.CallerAPIKey, bool, error) {
	var k domain.CallerAPIKey
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_user_id, active, expires_at FROM api_keys WHERE id = $1`, keyID,
	).Scan(&k.ID, &k.OwnerUserID, &k.Active, &k.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CallerAPIKey{}, false, nil
	}
	if err != nil {
		return domain.CallerAPIKey{}, false, fmt.Errorf("store: get caller key: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT provider_id FROM api_key_allowed_providers WHERE api_key_id = $1`, keyID)
	if err != nil {
		return domain.CallerAPIKey{}, false, fmt.Errorf("store: load allowed providers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return domain.CallerAPIKey{}, false, err
		}
		if k.AllowedProviders == nil {
			k.AllowedProviders = map[string]bool{}
		}
		k.AllowedProviders[pid] = true
	}
	return k, true, rows.Err()
}

// GetAccount implements credit.Store.
func (s *Store) GetAccount(ctx context.Context, userID string) (domain.CreditAccount, error) {
	var a domain.CreditAccount
	a.UserID = userID
	err := s.pool.QueryRow(ctx, `
		SELECT balance, daily_limit, status FROM credit_accounts WHERE user_id = $1`, userID,
	).Scan(&a.Balance, &a.DailyLimit, &a.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CreditAccount{UserID: userID, Status: "active"}, nil
	}
	if err != nil {
		return domain.CreditAccount{}, fmt.Errorf("store: get account %s: %w", userID, err)
	}
	return a, nil
}

// AdjustBalance implements credit.Store.
func (s *Store) AdjustBalance(ctx context.Context, userID string, delta float64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credit_accounts (user_id, balance, status)
		VALUES ($1, $2, 'active')
		ON CONFLICT (user_id) DO UPDATE SET balance = credit_accounts.balance + $2`,
		userID, delta)
	if err != nil {
		return fmt.Errorf("store: adjust balance for %s: %w", userID, err)
	}
	return nil
}

// InsertTransaction implements credit.Store: a unique constraint on
// idempotency_key makes retried settlement calls a no-op, reported back as
// inserted=false rather than an error.
func (s *Store) InsertTransaction(ctx context.Context, tx domain.CreditTransaction) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO credit_transactions (user_id, amount, reason, idempotency_key)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		tx.UserID, tx.Amount, tx.Reason, tx.IdempotencyKey)
	if err != nil {
		return false, fmt.Errorf("store: insert transaction: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// WriteMetrics implements metricsengine.FlushSink: upserts one row per
// (logical_model, provider, window_start), so every flushed window is kept;
// ClickHouse receives the same windows when enabled (see internal/analytics).
func (s *Store) WriteMetrics(ctx context.Context, m domain.RoutingMetrics) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO provider_routing_metrics_history
			(logical_model, provider_id, window_start, window_seconds, success, errors,
			 errors_4xx, errors_5xx, errors_429, timeouts,
			 latency_p50_ms, latency_p95_ms, latency_p99_ms,
			 input_tokens, output_tokens, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (logical_model, provider_id, window_start) DO UPDATE SET
			success = EXCLUDED.success, errors = EXCLUDED.errors,
			errors_4xx = EXCLUDED.errors_4xx, errors_5xx = EXCLUDED.errors_5xx,
			errors_429 = EXCLUDED.errors_429, timeouts = EXCLUDED.timeouts,
			latency_p50_ms = EXCLUDED.latency_p50_ms, latency_p95_ms = EXCLUDED.latency_p95_ms,
			latency_p99_ms = EXCLUDED.latency_p99_ms, input_tokens = EXCLUDED.input_tokens,
			output_tokens = EXCLUDED.output_tokens, status = EXCLUDED.status`,
		m.LogicalModel, m.ProviderID, m.WindowStart, m.WindowSeconds, m.Success, m.Errors,
		m.Errors4xx, m.Errors5xx, m.Errors429, m.Timeouts,
		m.LatencyP50Ms, m.LatencyP95Ms, m.LatencyP99Ms, m.InputTokens, m.OutputTokens, m.Status)
	if err != nil {
		return fmt.Errorf("store: write metrics: %w", err)
	}
	return nil
}

// PutHealth implements health.Store by upserting one row per provider. ttl
// is ignored: the row does not expire, and no TTL'd copy is written to
// Redis; this table is the only place health status is stored.
func (s *Store) PutHealth(ctx context.Context, status domain.HealthStatus, _ time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO provider_health_snapshots (provider_id, status, ts, response_ms, error)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (provider_id) DO UPDATE SET
			status = EXCLUDED.status, ts = EXCLUDED.ts,
			response_ms = EXCLUDED.response_ms, error = EXCLUDED.error`,
		status.ProviderID, status.Status, status.Timestamp, status.ResponseMs, status.Error)
	if err != nil {
		return fmt.Errorf("store: put health for %s: %w", status.ProviderID, err)
	}
	return nil
}

// BasePer1K implements credit.PricingSource.
func (s *Store) BasePer1K(ctx context.Context) (float64, bool) {
	var v float64
	err := s.pool.QueryRow(ctx, `SELECT base_per_1k FROM model_billing_configs WHERE id = 'default'`).Scan(&v)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ModelMultiplier implements credit.PricingSource.
func (s *Store) ModelMultiplier(ctx context.Context, modelName string) float64 {
	var v float64
	err := s.pool.QueryRow(ctx, `SELECT multiplier FROM model_billing_configs WHERE id = $1`, modelName).Scan(&v)
	if err != nil || v <= 0 {
		return 1.0
	}
	return v
}

// ProviderFactor implements credit.PricingSource.
func (s *Store) ProviderFactor(ctx context.Context, providerID string) float64 {
	var v float64
	err := s.pool.QueryRow(ctx, `SELECT billing_factor FROM providers WHERE id = $1`, providerID).Scan(&v)
	if err != nil || v <= 0 {
		return 1.0
	}
	return v
}
