package registry

import (
	"context"
	"testing"

	"github.com/nulpointcorp/aperture-gateway/internal/domain"
)

type staticLoader struct{ providers []domain.ProviderConfig }

func (s staticLoader) LoadProviders(ctx context.Context) ([]domain.ProviderConfig, error) {
	return s.providers, nil
}

func withKey(p domain.ProviderConfig) domain.ProviderConfig {
	p.Keys = []domain.ProviderAPIKey{{ID: "k", Active: true, Weight: 1}}
	return p
}

func TestListVisibleProvidersDropsNoActiveKeys(t *testing.T) {
	providers := []domain.ProviderConfig{
		withKey(domain.ProviderConfig{ID: "public-1", Visibility: domain.VisibilityPublic}),
		{ID: "no-keys", Visibility: domain.VisibilityPublic},
	}
	r, err := New(context.Background(), staticLoader{providers})
	if err != nil {
		t.Fatal(err)
	}
	visible := r.ListVisibleProviders("u1", false)
	if len(visible) != 1 || visible[0].ID != "public-1" {
		t.Fatalf("expected only public-1, got %+v", visible)
	}
}

func TestListVisibleProvidersRestrictedAllowlist(t *testing.T) {
	providers := []domain.ProviderConfig{
		withKey(domain.ProviderConfig{ID: "restricted-1", Visibility: domain.VisibilityRestricted, AllowedUserIDs: map[string]bool{"u1": true}}),
	}
	r, _ := New(context.Background(), staticLoader{providers})

	if got := r.ListVisibleProviders("u1", false); len(got) != 1 {
		t.Fatalf("expected u1 to see restricted-1, got %d", len(got))
	}
	if got := r.ListVisibleProviders("u2", false); len(got) != 0 {
		t.Fatalf("expected u2 to not see restricted-1, got %d", len(got))
	}
}

func TestSuperuserSeesAll(t *testing.T) {
	providers := []domain.ProviderConfig{
		withKey(domain.ProviderConfig{ID: "private-1", Visibility: domain.VisibilityPrivate, OwnerUserID: "owner"}),
	}
	r, _ := New(context.Background(), staticLoader{providers})
	if got := r.ListVisibleProviders("anyone", true); len(got) != 1 {
		t.Fatalf("expected superuser to see private-1, got %d", len(got))
	}
}

func TestGetProviderNotFound(t *testing.T) {
	r, _ := New(context.Background(), staticLoader{nil})
	if _, ok := r.GetProvider("missing"); ok {
		t.Fatal("expected not found")
	}
}

func TestReloadSwapsSnapshot(t *testing.T) {
	loader := &mutableLoader{providers: []domain.ProviderConfig{{ID: "a"}}}
	r, _ := New(context.Background(), loader)
	if _, ok := r.GetProvider("b"); ok {
		t.Fatal("did not expect to find b before reload")
	}
	loader.providers = []domain.ProviderConfig{{ID: "b"}}
	if err := r.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.GetProvider("b"); !ok {
		t.Fatal("expected to find b after reload")
	}
}

type mutableLoader struct{ providers []domain.ProviderConfig }

func (m *mutableLoader) LoadProviders(ctx context.Context) ([]domain.ProviderConfig, error) {
	return m.providers, nil
}
