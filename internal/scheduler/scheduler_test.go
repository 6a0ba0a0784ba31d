package scheduler

import (
	"testing"

	"github.com/nulpointcorp/aperture-gateway/internal/domain"
)

func strategy() domain.SchedulingStrategy {
	return domain.SchedulingStrategy{Alpha: 1, Beta: 1, Gamma: 0, Delta: 1, MinScore: -100, EnableStickiness: true}
}

func TestScoreDropsBelowMinScore(t *testing.T) {
	ups := []domain.PhysicalModel{{ProviderID: "a", ModelID: "m", BaseWeight: 1}}
	s := strategy()
	s.MinScore = 5
	scored := Score(ups, nil, s, nil)
	if len(scored) != 0 {
		t.Fatalf("expected no candidates, got %d", len(scored))
	}
}

func TestScoreSortsDescending(t *testing.T) {
	ups := []domain.PhysicalModel{
		{ProviderID: "low", ModelID: "m", BaseWeight: 1},
		{ProviderID: "high", ModelID: "m", BaseWeight: 5},
	}
	scored := Score(ups, nil, strategy(), nil)
	if len(scored) != 2 || scored[0].Upstream.ProviderID != "high" {
		t.Fatalf("expected high first, got %+v", scored)
	}
}

func TestChooseStickySessionWins(t *testing.T) {
	ups := []domain.PhysicalModel{
		{ProviderID: "low", ModelID: "m", BaseWeight: 1},
		{ProviderID: "high", ModelID: "m", BaseWeight: 5},
	}
	session := &domain.Session{ProviderID: "low", ModelID: "m"}
	ordered, err := Choose(ups, nil, strategy(), session, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ordered[0].Upstream.ProviderID != "low" {
		t.Fatalf("expected sticky provider first, got %s", ordered[0].Upstream.ProviderID)
	}
	if len(ordered) != 2 {
		t.Fatalf("expected ordered to contain all candidates, got %d", len(ordered))
	}
}

func TestChooseNoEligibleCandidates(t *testing.T) {
	s := strategy()
	s.MinScore = 1000
	_, err := Choose([]domain.PhysicalModel{{ProviderID: "a", ModelID: "m", BaseWeight: 1}}, nil, s, nil, nil)
	if err != ErrNoEligibleCandidates {
		t.Fatalf("expected ErrNoEligibleCandidates, got %v", err)
	}
}

func TestStatusPenaltyDown(t *testing.T) {
	ups := []domain.PhysicalModel{{ProviderID: "a", ModelID: "m", BaseWeight: 1}}
	metrics := map[string]*domain.RoutingMetrics{"a": {Status: domain.StatusDown}}
	scored := Score(ups, metrics, strategy(), nil)
	if len(scored) != 1 {
		t.Fatalf("expected one candidate, got %d", len(scored))
	}
	// base(1) - alpha*0.5(unknown latency omitted since metrics present => 0) - beta*0 - delta*1.0(down) == 0
	if scored[0].Score != 0 {
		t.Fatalf("expected score 0 for down status, got %v", scored[0].Score)
	}
}
