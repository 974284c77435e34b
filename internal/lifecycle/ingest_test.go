package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/opsloop/selfheal/internal/domain"
	"github.com/opsloop/selfheal/internal/scoring"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testScoringConfig() scoring.Config {
	return scoring.Config{
		TotalUsers:           100000,
		TotalServices:        50,
		TotalInstances:       500,
		RevenueBase:          100000,
		CriticalUserFraction: 0.25,
		MajorUserFraction:    0.10,
		ModerateUserFraction: 0.01,
		SustainedOccurrences: 3,
		CategoryRisk:         scoring.DefaultCategoryRisk,
	}
}

func newTestIngestor(t *testing.T) *Ingestor {
	t.Helper()
	db := newTestDB(t)
	g := NewIngestor(db, testScoringConfig(), 5*time.Minute, quietLogger())
	base := time.Unix(1_700_000_000, 0)
	g.now = func() time.Time { return base }
	return g
}

func anomaly(id string, category domain.Category, resourceIDs ...string) domain.AnomalyEvent {
	resources := make([]domain.ResourceRef, len(resourceIDs))
	for i, rid := range resourceIDs {
		resources[i] = domain.ResourceRef{
			ID: rid, Type: "instance", Service: "api", Cluster: "c1", Region: "us-east-1",
		}
	}
	return domain.AnomalyEvent{
		ID:                id,
		Source:            "detector-1",
		Category:          category,
		AffectedResources: resources,
		Impact:            domain.ImpactEstimate{UsersAffected: 500, RevenueAtRisk: 100},
		DetectedAtUnix:    1_700_000_000,
		Trend:             domain.TrendStable,
	}
}

func TestIngest_CreatesScoredIncident(t *testing.T) {
	g := newTestIngestor(t)
	ctx := context.Background()

	inc, created, err := g.Ingest(ctx, anomaly("ev-1", domain.CategoryResourceExhaustion, "host-001"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !created {
		t.Fatal("expected a new incident")
	}
	if inc.State != domain.StateTriaged {
		t.Errorf("state = %s, want triaged", inc.State)
	}
	if inc.BlastRadius != domain.RadiusSingleInstance {
		t.Errorf("blast radius = %s, want single_instance", inc.BlastRadius)
	}
	if inc.RiskScore <= 0 {
		t.Errorf("risk score = %d, want > 0", inc.RiskScore)
	}
	if inc.Occurrences != 1 {
		t.Errorf("occurrences = %d", inc.Occurrences)
	}

	events, err := g.Events.ListByIncident(ctx, g.DB, inc.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].EventType != "incident_created" {
		t.Errorf("events = %+v", events)
	}
}

func TestIngest_DedupesOverlappingEvents(t *testing.T) {
	g := newTestIngestor(t)
	ctx := context.Background()

	first, created, err := g.Ingest(ctx, anomaly("ev-1", domain.CategoryNetwork, "host-001", "host-002"))
	if err != nil || !created {
		t.Fatalf("first ingest: created=%v err=%v", created, err)
	}
	second, created, err := g.Ingest(ctx, anomaly("ev-2", domain.CategoryNetwork, "host-002", "host-003"))
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if created {
		t.Fatal("overlapping event created a second incident")
	}
	if second.ID != first.ID {
		t.Errorf("merged into %s, want %s", second.ID, first.ID)
	}
	if second.Occurrences != 2 {
		t.Errorf("occurrences = %d, want 2", second.Occurrences)
	}
	// Resource set is the union.
	if len(second.AffectedResources) != 3 {
		t.Errorf("resources = %d, want 3", len(second.AffectedResources))
	}

	n, err := g.Anomalies.CountByIncident(ctx, g.DB, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("anomaly count = %d, want 2", n)
	}
}

func TestIngest_DifferentCategoryIsNewIncident(t *testing.T) {
	g := newTestIngestor(t)
	ctx := context.Background()

	first, _, err := g.Ingest(ctx, anomaly("ev-1", domain.CategoryNetwork, "host-001"))
	if err != nil {
		t.Fatal(err)
	}
	second, created, err := g.Ingest(ctx, anomaly("ev-2", domain.CategoryConfiguration, "host-001"))
	if err != nil {
		t.Fatal(err)
	}
	if !created || second.ID == first.ID {
		t.Error("different category must open its own incident")
	}
}

func TestIngest_DisjointResourcesIsNewIncident(t *testing.T) {
	g := newTestIngestor(t)
	ctx := context.Background()

	if _, _, err := g.Ingest(ctx, anomaly("ev-1", domain.CategoryNetwork, "host-001")); err != nil {
		t.Fatal(err)
	}
	_, created, err := g.Ingest(ctx, anomaly("ev-2", domain.CategoryNetwork, "host-099"))
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("disjoint resources must open a new incident")
	}
}

func TestIngest_WindowExpiryIsNewIncident(t *testing.T) {
	g := newTestIngestor(t)
	ctx := context.Background()

	if _, _, err := g.Ingest(ctx, anomaly("ev-1", domain.CategoryNetwork, "host-001")); err != nil {
		t.Fatal(err)
	}

	late := anomaly("ev-2", domain.CategoryNetwork, "host-001")
	late.DetectedAtUnix = 1_700_000_000 + 3600 // an hour later, window is 5m
	_, created, err := g.Ingest(ctx, late)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("event outside the dedup window must open a new incident")
	}
}

func TestIngest_MergeEscalatesSeverityOnly(t *testing.T) {
	g := newTestIngestor(t)
	ctx := context.Background()

	first, _, err := g.Ingest(ctx, anomaly("ev-1", domain.CategoryApplicationError, "host-001"))
	if err != nil {
		t.Fatal(err)
	}
	if first.Severity != domain.Sev3 {
		t.Fatalf("initial severity = %s, want SEV3", first.Severity)
	}

	worse := anomaly("ev-2", domain.CategoryApplicationError, "host-001")
	worse.Impact = domain.ImpactEstimate{UsersAffected: 30000, DataIntegrity: true}
	merged, _, err := g.Ingest(ctx, worse)
	if err != nil {
		t.Fatal(err)
	}
	if merged.Severity != domain.Sev0 {
		t.Errorf("merged severity = %s, want SEV0", merged.Severity)
	}
}
