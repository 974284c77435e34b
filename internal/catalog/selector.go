package catalog

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/opsloop/selfheal/internal/domain"
)

// Selector weight and decay knobs. Weights sum to 1.
const (
	weightSuccessRate  = 0.4
	weightSpeed        = 0.2
	weightMatchQuality = 0.3
	weightRecency      = 0.1

	// Penalty per level the safety ceiling sits above the incident radius.
	overBroadDecay = 0.15
	matchFloor     = 0.4

	// Scores with no execution history get a neutral value rather than
	// zero, so a fresh playbook is not starved out by incumbents.
	neutralScore = 0.5

	recencyHorizon = 30 * 24 * time.Hour
)

// Candidate pairs a playbook with the score the selector assigned it.
type Candidate struct {
	Playbook domain.Playbook
	Metrics  domain.PlaybookMetrics
	Score    float64
}

// Selector ranks catalog playbooks for an incident.
type Selector struct {
	Catalog *Catalog

	now func() time.Time
}

// NewSelector creates a Selector over the given catalog.
func NewSelector(c *Catalog) *Selector {
	return &Selector{Catalog: c, now: time.Now}
}

// Select returns playbooks applicable to (category, severity, radius),
// best first. An empty result is an expected outcome, not an error: it
// means no automated remediation exists and the incident must escalate.
//
// Score: 0.4*success_rate + 0.2*speed + 0.3*match_quality + 0.1*recency.
// SEV0 and SEV1 incidents only admit playbooks with a rollback procedure.
func (s *Selector) Select(ctx context.Context, category domain.Category, severity domain.Severity, radius domain.BlastRadius) ([]Candidate, error) {
	pbs, err := s.Catalog.Playbooks.ListLatestByCategory(ctx, s.Catalog.DB, category)
	if err != nil {
		return nil, err
	}

	var cands []Candidate
	for _, pb := range pbs {
		if !pb.AppliesTo(radius) {
			continue
		}
		if severity <= domain.Sev1 && !pb.HasRollback() {
			continue
		}
		m, err := s.Catalog.Metrics.Get(ctx, s.Catalog.DB, pb.ID)
		if err != nil {
			return nil, err
		}
		cands = append(cands, Candidate{Playbook: pb, Metrics: m})
	}
	if len(cands) == 0 {
		return nil, nil
	}

	minAvg := int64(math.MaxInt64)
	for _, c := range cands {
		if c.Metrics.TotalExecutions > 0 && c.Metrics.AvgExecutionMs > 0 && c.Metrics.AvgExecutionMs < minAvg {
			minAvg = c.Metrics.AvgExecutionMs
		}
	}

	now := s.now()
	for i := range cands {
		cands[i].Score = score(cands[i].Playbook, cands[i].Metrics, radius, minAvg, now)
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].Playbook.ID < cands[j].Playbook.ID
	})
	return cands, nil
}

func score(pb domain.Playbook, m domain.PlaybookMetrics, radius domain.BlastRadius, minAvg int64, now time.Time) float64 {
	success := neutralScore
	speed := neutralScore
	recency := neutralScore
	if m.TotalExecutions > 0 {
		success = m.SuccessRate()
		if m.AvgExecutionMs > 0 && minAvg != math.MaxInt64 {
			// Inverse of avg time normalized against the fastest
			// candidate: the fastest scores 1, slower ones less.
			speed = float64(minAvg) / float64(m.AvgExecutionMs)
		}
		age := now.Sub(time.Unix(m.LastUpdatedUnix, 0))
		recency = clamp01(1 - age.Seconds()/recencyHorizon.Seconds())
	}
	return weightSuccessRate*success +
		weightSpeed*speed +
		weightMatchQuality*matchQuality(pb, radius) +
		weightRecency*recency
}

// matchQuality is 1.0 when the playbook is scoped exactly to the incident
// radius and decays for each level its safety ceiling reaches beyond it.
// A playbook allowed to touch a whole cluster is a worse fit for a
// single-instance incident than one that cannot.
func matchQuality(pb domain.Playbook, radius domain.BlastRadius) float64 {
	if pb.Safety.BlastRadiusCeiling <= radius {
		return 1.0
	}
	q := 1.0 - overBroadDecay*float64(pb.Safety.BlastRadiusCeiling-radius)
	if q < matchFloor {
		return matchFloor
	}
	return q
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
