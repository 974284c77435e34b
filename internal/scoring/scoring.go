// Package scoring computes severity, risk score, and blast radius for
// anomaly events. Every function here is pure and deterministic: identical
// inputs always produce identical outputs, and nothing performs I/O.
package scoring

import (
	"math"
	"time"

	"github.com/opsloop/selfheal/internal/domain"
)

// Config holds the thresholds and fleet totals the scoring functions need.
// Thresholds are configuration, never hard-coded in the functions below.
type Config struct {
	// Fleet totals used to turn absolute impact into fractions.
	TotalUsers     int
	TotalServices  int
	TotalInstances int
	RevenueBase    float64

	// Severity thresholds as fractions of TotalUsers.
	CriticalUserFraction float64
	MajorUserFraction    float64
	ModerateUserFraction float64

	// SustainedOccurrences is the historical occurrence count at which an
	// impact is considered sustained rather than transient.
	SustainedOccurrences int

	// SustainedDuration is how long an impact must persist to count as
	// sustained regardless of occurrence count. Zero disables the check.
	SustainedDuration time.Duration

	// CategoryRisk maps each category to its risk component (0-20).
	CategoryRisk map[domain.Category]int
}

// DefaultCategoryRisk is the category-risk lookup applied when the
// configuration does not override it.
var DefaultCategoryRisk = map[domain.Category]int{
	domain.CategoryResourceExhaustion: 8,
	domain.CategoryNetwork:            14,
	domain.CategoryApplicationError:   10,
	domain.CategoryConfiguration:      16,
	domain.CategoryDependencyFailure:  12,
	domain.CategoryUnknown:            20,
}

// History summarizes recent playbook outcomes for a category.
type History struct {
	SuccessRate float64
	Samples     int
}

// Severity maps impact, duration, trend and recurrence onto SEV0..SEV3.
//
// Data-integrity risk or impact above the critical user fraction is SEV0.
// Impact above the major fraction that is sustained or worsening is SEV1.
// Impact above the moderate fraction is SEV2. Everything else is SEV3.
func Severity(impact domain.ImpactEstimate, duration time.Duration, trend domain.Trend, occurrences int, cfg Config) domain.Severity {
	frac := userFraction(impact, cfg)

	if impact.DataIntegrity || frac >= cfg.CriticalUserFraction {
		return domain.Sev0
	}

	sustained := occurrences >= cfg.SustainedOccurrences ||
		(cfg.SustainedDuration > 0 && duration >= cfg.SustainedDuration) ||
		trend == domain.TrendWorsening
	if frac >= cfg.MajorUserFraction && sustained {
		return domain.Sev1
	}
	if frac >= cfg.MajorUserFraction || frac >= cfg.ModerateUserFraction {
		return domain.Sev2
	}
	return domain.Sev3
}

// RiskScore computes a 0-100 risk score as a weighted sum of four
// components and returns the per-component breakdown for the audit trail.
//
//	impact     0-40  monotonic in affected-user and revenue fractions
//	complexity 0-30  min(30, 5 * affected resource count)
//	category   0-20  lookup table by category
//	history    0-10  inverse of recent playbook success rate (5 with no history)
func RiskScore(impact domain.ImpactEstimate, resourceCount int, category domain.Category, hist History, cfg Config) (int, domain.RiskBreakdown) {
	userFrac := userFraction(impact, cfg)
	revFrac := revenueFraction(impact, cfg)

	impactComponent := int(math.Round(25*clamp01(userFrac) + 15*clamp01(revFrac)))
	if impactComponent > 40 {
		impactComponent = 40
	}

	complexity := 5 * resourceCount
	if complexity > 30 {
		complexity = 30
	}

	catRisk, ok := cfg.CategoryRisk[category]
	if !ok {
		catRisk = DefaultCategoryRisk[category]
	}
	if catRisk > 20 {
		catRisk = 20
	}

	history := 5
	if hist.Samples > 0 {
		history = int(math.Round(10 * (1 - clamp01(hist.SuccessRate))))
	}

	total := impactComponent + complexity + catRisk + history
	if total > 100 {
		total = 100
	}
	if total < 0 {
		total = 0
	}

	return total, domain.RiskBreakdown{
		Impact:     impactComponent,
		Complexity: complexity,
		Category:   catRisk,
		History:    history,
		Total:      total,
	}
}

// BlastRadius classifies the scope of the affected resource set and returns
// a 0-100 risk contribution. The contribution weighs affected-user fraction
// 30, affected-service fraction 25, revenue-at-risk fraction 25, and
// instance-count ratio 20. Ties in classification break toward the more
// severe level: the thresholds below are checked broadest first.
func BlastRadius(resources []domain.ResourceRef, impact domain.ImpactEstimate, cfg Config) (domain.BlastRadius, int) {
	regions := distinct(resources, func(r domain.ResourceRef) string { return r.Region })
	clusters := distinct(resources, func(r domain.ResourceRef) string { return r.Cluster })
	services := distinct(resources, func(r domain.ResourceRef) string { return r.Service })
	instances := distinct(resources, func(r domain.ResourceRef) string { return r.ID })

	var radius domain.BlastRadius
	switch {
	case regions > 1:
		radius = domain.RadiusMultiRegion
	case clusters > 1 || services > 5:
		radius = domain.RadiusClusterWide
	case services > 1:
		radius = domain.RadiusMultipleServices
	case instances > 1:
		radius = domain.RadiusSingleService
	default:
		radius = domain.RadiusSingleInstance
	}

	userFrac := userFraction(impact, cfg)
	svcFrac := fraction(services, cfg.TotalServices)
	revFrac := revenueFraction(impact, cfg)
	instFrac := fraction(instances, cfg.TotalInstances)

	contribution := int(math.Round(
		30*clamp01(userFrac) + 25*clamp01(svcFrac) + 25*clamp01(revFrac) + 20*clamp01(instFrac),
	))
	if contribution > 100 {
		contribution = 100
	}

	return radius, contribution
}

func userFraction(impact domain.ImpactEstimate, cfg Config) float64 {
	return fraction(impact.UsersAffected, cfg.TotalUsers)
}

func revenueFraction(impact domain.ImpactEstimate, cfg Config) float64 {
	if cfg.RevenueBase <= 0 {
		return 0
	}
	return impact.RevenueAtRisk / cfg.RevenueBase
}

func fraction(n, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(n) / float64(total)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func distinct(resources []domain.ResourceRef, key func(domain.ResourceRef) string) int {
	seen := make(map[string]bool, len(resources))
	for _, r := range resources {
		k := key(r)
		if k == "" {
			continue
		}
		seen[k] = true
	}
	return len(seen)
}
