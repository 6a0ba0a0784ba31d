package resolver

import (
	"context"
	"testing"

	"github.com/nulpointcorp/aperture-gateway/internal/domain"
	"github.com/nulpointcorp/aperture-gateway/pkg/apierr"
)

type fakeStatic struct {
	lm domain.LogicalModel
	ok bool
}

func (f fakeStatic) GetLogicalModel(ctx context.Context, id string) (domain.LogicalModel, bool, error) {
	return f.lm, f.ok, nil
}

type fakeModels struct{ rows []domain.ProviderModel }

func (f fakeModels) ModelsByID(ctx context.Context, lookupID string) ([]domain.ProviderModel, error) {
	var out []domain.ProviderModel
	for _, r := range f.rows {
		if r.ModelID == lookupID || r.Alias == lookupID {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestResolveStaticHit(t *testing.T) {
	static := fakeStatic{lm: domain.LogicalModel{ID: "gpt-4", Enabled: true}, ok: true}
	r := New(static, fakeModels{})
	lm, err := r.Resolve(context.Background(), "gpt-4", domain.StyleOpenAI, nil)
	if err != nil {
		t.Fatal(err)
	}
	if lm.ID != "gpt-4" {
		t.Fatalf("expected gpt-4, got %s", lm.ID)
	}
}

func TestResolveDynamicSynthesis(t *testing.T) {
	models := fakeModels{rows: []domain.ProviderModel{
		{Provider: "openai", ModelID: "test-model", Capabilities: []domain.Capability{domain.CapChat}},
		{Provider: "anthropic", ModelID: "test-model", Capabilities: []domain.Capability{domain.CapVision}},
	}}
	r := New(fakeStatic{}, models)
	allowed := map[string]bool{"openai": true, "anthropic": true}
	lm, err := r.Resolve(context.Background(), "test-model", domain.StyleOpenAI, allowed)
	if err != nil {
		t.Fatal(err)
	}
	if len(lm.Upstreams) != 2 {
		t.Fatalf("expected 2 upstreams, got %d", len(lm.Upstreams))
	}
	if len(lm.Capabilities) != 2 {
		t.Fatalf("expected union of capabilities, got %d", len(lm.Capabilities))
	}
}

func TestResolveUnknownModel(t *testing.T) {
	r := New(fakeStatic{}, fakeModels{})
	_, err := r.Resolve(context.Background(), "nope", domain.StyleOpenAI, nil)
	coded, ok := err.(apierr.Coded)
	if !ok || coded.Code() != apierr.CodeUnknownModel {
		t.Fatalf("expected UNKNOWN_MODEL, got %v", err)
	}
}

func TestResolveAllDisabledYieldsModelDisabled(t *testing.T) {
	models := fakeModels{rows: []domain.ProviderModel{
		{Provider: "openai", ModelID: "gpt-disabled", Disabled: true},
		{Provider: "anthropic", ModelID: "gpt-disabled", Disabled: true},
	}}
	r := New(fakeStatic{}, models)
	allowed := map[string]bool{"openai": true, "anthropic": true}
	_, err := r.Resolve(context.Background(), "gpt-disabled", domain.StyleOpenAI, allowed)
	coded, ok := err.(apierr.Coded)
	if !ok || coded.Code() != apierr.CodeModelDisabled {
		t.Fatalf("expected MODEL_DISABLED, got %v", err)
	}
	if coded.Error() != "该模型已被禁用" {
		t.Fatalf("unexpected message: %s", coded.Error())
	}
}

func TestResolveRequiresResponsesEndpoint(t *testing.T) {
	static := fakeStatic{ok: true, lm: domain.LogicalModel{
		ID:      "responses-only",
		Enabled: true,
		Upstreams: []domain.PhysicalModel{
			{ProviderID: "openai", ModelID: "x", ApiStyle: domain.StyleResponses},
		},
	}}
	r := New(static, fakeModels{})
	_, err := r.Resolve(context.Background(), "responses-only", domain.StyleOpenAI, nil)
	coded, ok := err.(apierr.Coded)
	if !ok || coded.Code() != apierr.CodeRequiresResponsesAPI {
		t.Fatalf("expected REQUIRES_RESPONSES_ENDPOINT, got %v", err)
	}
}
