// Package resolver implements the Logical-Model Resolver (C2): it turns a
// caller-supplied model name into a LogicalModel, either from a static KV
// row or synthesized from ProviderModel rows. Ported from the reference
// implementation's app/routing/mapper.py consistency-check logic, restated
// as a single resolve path rather than separate validate/select helpers.
package resolver

import (
	"context"
	"sort"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/aperture-gateway/internal/domain"
	"github.com/nulpointcorp/aperture-gateway/pkg/apierr"
)

// StaticStore looks up a pre-seeded LogicalModel by id (KV-backed).
type StaticStore interface {
	GetLogicalModel(ctx context.Context, id string) (domain.LogicalModel, bool, error)
}

// ModelIndex exposes provider model rows for dynamic synthesis.
type ModelIndex interface {
	// ModelsByID returns every ProviderModel row whose ModelID or Alias
	// matches lookupID, across every provider.
	ModelsByID(ctx context.Context, lookupID string) ([]domain.ProviderModel, error)
}

// Resolver is the C2 entry point.
type Resolver struct {
	static StaticStore
	models ModelIndex
}

// New builds a Resolver.
func New(static StaticStore, models ModelIndex) *Resolver {
	return &Resolver{static: static, models: models}
}

func errUnknownModel(id string) error {
	return apierr.NewDomainError(fasthttp.StatusBadRequest, apierr.CodeUnknownModel, "unknown model: "+id)
}

func errModelDisabled() error {
	return apierr.NewDomainError(fasthttp.StatusBadRequest, apierr.CodeModelDisabled, "该模型已被禁用")
}

func errRequiresResponses() error {
	return apierr.NewDomainError(fasthttp.StatusBadRequest, apierr.CodeRequiresResponsesAPI,
		"该模型仅支持 Responses API，请使用 /responses 入口调用")
}

// Resolve implements the C2 algorithm: static lookup, dynamic synthesis on
// miss, disabled-pair rejection, then responses-only filtering for
// openai/claude callers.
func (r *Resolver) Resolve(
	ctx context.Context,
	lookupID string,
	apiStyle domain.ApiStyle,
	allowedProviderIDs map[string]bool,
) (domain.LogicalModel, error) {
	if r.static != nil {
		if lm, ok, err := r.static.GetLogicalModel(ctx, lookupID); err != nil {
			return domain.LogicalModel{}, err
		} else if ok {
			return r.finalize(lm, apiStyle)
		}
	}

	rows, err := r.models.ModelsByID(ctx, lookupID)
	if err != nil {
		return domain.LogicalModel{}, err
	}

	var matched []domain.ProviderModel
	for _, row := range rows {
		if allowedProviderIDs != nil && !allowedProviderIDs[row.Provider] {
			continue
		}
		matched = append(matched, row)
	}
	if len(matched) == 0 {
		return domain.LogicalModel{}, errUnknownModel(lookupID)
	}

	allDisabled := true
	capSet := map[domain.Capability]bool{}
	upstreams := make([]domain.PhysicalModel, 0, len(matched))
	for _, row := range matched {
		if row.Disabled {
			continue
		}
		allDisabled = false
		for _, c := range row.Capabilities {
			capSet[c] = true
		}
		upstreams = append(upstreams, domain.PhysicalModel{
			ProviderID: row.Provider,
			ModelID:    row.ModelID,
			ApiStyle:   domain.StyleOpenAI,
			BaseWeight: 1,
			MetaHash:   row.MetaHash,
		})
	}
	if allDisabled {
		return domain.LogicalModel{}, errModelDisabled()
	}

	sort.SliceStable(upstreams, func(i, j int) bool { return upstreams[i].BaseWeight > upstreams[j].BaseWeight })

	caps := make([]domain.Capability, 0, len(capSet))
	for c := range capSet {
		caps = append(caps, c)
	}

	lm := domain.LogicalModel{
		ID:           lookupID,
		DisplayName:  lookupID,
		Capabilities: caps,
		Upstreams:    upstreams,
		Enabled:      true,
	}
	return r.finalize(lm, apiStyle)
}

// finalize applies the responses-only filter per style and returns the
// REQUIRES_RESPONSES_ENDPOINT error when that empties the candidate set.
func (r *Resolver) finalize(lm domain.LogicalModel, apiStyle domain.ApiStyle) (domain.LogicalModel, error) {
	if !lm.Enabled {
		return domain.LogicalModel{}, errModelDisabled()
	}
	if apiStyle != domain.StyleOpenAI && apiStyle != domain.StyleClaude {
		return lm, nil
	}

	filtered := make([]domain.PhysicalModel, 0, len(lm.Upstreams))
	for _, u := range lm.Upstreams {
		if u.ApiStyle != domain.StyleResponses {
			filtered = append(filtered, u)
		}
	}
	if len(filtered) == 0 {
		return domain.LogicalModel{}, errRequiresResponses()
	}
	lm.Upstreams = filtered
	return lm, nil
}
