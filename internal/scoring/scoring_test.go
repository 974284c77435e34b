package scoring

import (
	"testing"
	"time"

	"github.com/opsloop/selfheal/internal/domain"
)

func testConfig() Config {
	return Config{
		TotalUsers:           10000,
		TotalServices:        20,
		TotalInstances:       200,
		RevenueBase:          100000,
		CriticalUserFraction: 0.5,
		MajorUserFraction:    0.2,
		ModerateUserFraction: 0.05,
		SustainedOccurrences: 3,
		SustainedDuration:    15 * time.Minute,
		CategoryRisk:         DefaultCategoryRisk,
	}
}

func TestSeverity(t *testing.T) {
	cfg := testConfig()

	tests := []struct {
		name        string
		impact      domain.ImpactEstimate
		duration    time.Duration
		trend       domain.Trend
		occurrences int
		want        domain.Severity
	}{
		{"data integrity forces SEV0", domain.ImpactEstimate{UsersAffected: 1, DataIntegrity: true}, 0, domain.TrendStable, 0, domain.Sev0},
		{"critical user fraction is SEV0", domain.ImpactEstimate{UsersAffected: 6000}, 0, domain.TrendImproving, 0, domain.Sev0},
		{"major sustained is SEV1", domain.ImpactEstimate{UsersAffected: 3000}, 0, domain.TrendStable, 5, domain.Sev1},
		{"major long-running is SEV1", domain.ImpactEstimate{UsersAffected: 3000}, 20 * time.Minute, domain.TrendStable, 0, domain.Sev1},
		{"major worsening is SEV1", domain.ImpactEstimate{UsersAffected: 3000}, 0, domain.TrendWorsening, 0, domain.Sev1},
		{"major transient is SEV2", domain.ImpactEstimate{UsersAffected: 3000}, time.Minute, domain.TrendStable, 0, domain.Sev2},
		{"moderate is SEV2", domain.ImpactEstimate{UsersAffected: 800}, 0, domain.TrendStable, 0, domain.Sev2},
		{"small is SEV3", domain.ImpactEstimate{UsersAffected: 5}, 0, domain.TrendStable, 0, domain.Sev3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Severity(tt.impact, tt.duration, tt.trend, tt.occurrences, cfg)
			if got != tt.want {
				t.Errorf("Severity = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSeverity_Deterministic(t *testing.T) {
	cfg := testConfig()
	impact := domain.ImpactEstimate{UsersAffected: 3000, RevenueAtRisk: 5000}

	first := Severity(impact, 0, domain.TrendWorsening, 2, cfg)
	for i := 0; i < 100; i++ {
		if got := Severity(impact, 0, domain.TrendWorsening, 2, cfg); got != first {
			t.Fatalf("Severity changed between identical calls: %s vs %s", got, first)
		}
	}
}

func TestRiskScore_Components(t *testing.T) {
	cfg := testConfig()
	impact := domain.ImpactEstimate{UsersAffected: 10000, RevenueAtRisk: 100000}

	score, breakdown := RiskScore(impact, 10, domain.CategoryUnknown, History{}, cfg)

	if breakdown.Impact != 40 {
		t.Errorf("impact component = %d, want 40 at full fractions", breakdown.Impact)
	}
	if breakdown.Complexity != 30 {
		t.Errorf("complexity component = %d, want capped 30", breakdown.Complexity)
	}
	if breakdown.Category != 20 {
		t.Errorf("category component = %d, want 20 for unknown", breakdown.Category)
	}
	if breakdown.History != 5 {
		t.Errorf("history component = %d, want default 5 with no samples", breakdown.History)
	}
	if score != 95 || breakdown.Total != score {
		t.Errorf("score = %d (total %d), want 95", score, breakdown.Total)
	}
}

func TestRiskScore_ComplexityCap(t *testing.T) {
	cfg := testConfig()

	_, low := RiskScore(domain.ImpactEstimate{}, 2, domain.CategoryNetwork, History{}, cfg)
	if low.Complexity != 10 {
		t.Errorf("complexity for 2 resources = %d, want 10", low.Complexity)
	}

	_, high := RiskScore(domain.ImpactEstimate{}, 100, domain.CategoryNetwork, History{}, cfg)
	if high.Complexity != 30 {
		t.Errorf("complexity for 100 resources = %d, want 30", high.Complexity)
	}
}

func TestRiskScore_HistoryComponent(t *testing.T) {
	cfg := testConfig()

	_, perfect := RiskScore(domain.ImpactEstimate{}, 1, domain.CategoryNetwork, History{SuccessRate: 1, Samples: 20}, cfg)
	if perfect.History != 0 {
		t.Errorf("history with perfect success rate = %d, want 0", perfect.History)
	}

	_, bad := RiskScore(domain.ImpactEstimate{}, 1, domain.CategoryNetwork, History{SuccessRate: 0, Samples: 20}, cfg)
	if bad.History != 10 {
		t.Errorf("history with zero success rate = %d, want 10", bad.History)
	}
}

func TestRiskScore_Deterministic(t *testing.T) {
	cfg := testConfig()
	impact := domain.ImpactEstimate{UsersAffected: 432, RevenueAtRisk: 12345.67}
	hist := History{SuccessRate: 0.73, Samples: 11}

	first, _ := RiskScore(impact, 7, domain.CategoryDependencyFailure, hist, cfg)
	for i := 0; i < 100; i++ {
		got, _ := RiskScore(impact, 7, domain.CategoryDependencyFailure, hist, cfg)
		if got != first {
			t.Fatalf("RiskScore changed between identical calls: %d vs %d", got, first)
		}
	}
	if first < 0 || first > 100 {
		t.Errorf("score %d out of [0,100]", first)
	}
}

func res(id, service, cluster, region string) domain.ResourceRef {
	return domain.ResourceRef{ID: id, Type: "instance", Service: service, Cluster: cluster, Region: region}
}

func TestBlastRadius_Classification(t *testing.T) {
	cfg := testConfig()

	tests := []struct {
		name      string
		resources []domain.ResourceRef
		want      domain.BlastRadius
	}{
		{
			"single instance",
			[]domain.ResourceRef{res("instance-1", "api", "c1", "us-east")},
			domain.RadiusSingleInstance,
		},
		{
			"two instances one service",
			[]domain.ResourceRef{res("i-1", "api", "c1", "us-east"), res("i-2", "api", "c1", "us-east")},
			domain.RadiusSingleService,
		},
		{
			"two services",
			[]domain.ResourceRef{res("i-1", "api", "c1", "us-east"), res("i-2", "db", "c1", "us-east")},
			domain.RadiusMultipleServices,
		},
		{
			"two clusters",
			[]domain.ResourceRef{res("i-1", "api", "c1", "us-east"), res("i-2", "api", "c2", "us-east")},
			domain.RadiusClusterWide,
		},
		{
			"six services",
			[]domain.ResourceRef{
				res("i-1", "s1", "c1", "us-east"), res("i-2", "s2", "c1", "us-east"),
				res("i-3", "s3", "c1", "us-east"), res("i-4", "s4", "c1", "us-east"),
				res("i-5", "s5", "c1", "us-east"), res("i-6", "s6", "c1", "us-east"),
			},
			domain.RadiusClusterWide,
		},
		{
			"two regions wins over everything",
			[]domain.ResourceRef{
				res("i-1", "s1", "c1", "us-east"), res("i-2", "s2", "c1", "us-west"),
				res("i-3", "s3", "c1", "us-east"),
			},
			domain.RadiusMultiRegion,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := BlastRadius(tt.resources, domain.ImpactEstimate{}, cfg)
			if got != tt.want {
				t.Errorf("BlastRadius = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestBlastRadius_RiskContribution(t *testing.T) {
	cfg := testConfig()

	// Full fractions on every axis should saturate at 100.
	var all []domain.ResourceRef
	for i := 0; i < cfg.TotalInstances; i++ {
		all = append(all, res(
			"i-"+string(rune('a'+i%26))+string(rune('0'+i/26)),
			"s-"+string(rune('a'+i%20)), "c1", "us-east"))
	}
	impact := domain.ImpactEstimate{UsersAffected: cfg.TotalUsers, RevenueAtRisk: cfg.RevenueBase}
	_, contribution := BlastRadius(all, impact, cfg)
	if contribution < 90 || contribution > 100 {
		t.Errorf("contribution = %d, want near 100 at full fractions", contribution)
	}

	// A single tiny instance should contribute almost nothing.
	_, small := BlastRadius([]domain.ResourceRef{res("i-1", "api", "c1", "us-east")}, domain.ImpactEstimate{UsersAffected: 5}, cfg)
	if small > 10 {
		t.Errorf("contribution = %d, want <= 10 for single instance", small)
	}
}
