package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opsloop/selfheal/internal/domain"
	"github.com/opsloop/selfheal/internal/scoring"
	"github.com/opsloop/selfheal/internal/store"
)

// Ingestor turns anomaly events into incidents. Duplicate and
// near-duplicate events (same category, overlapping resources, within
// the dedup window) fold into the existing open incident instead of
// spawning a second one.
type Ingestor struct {
	DB          *sql.DB
	Incidents   *store.IncidentRepo
	Events      *store.EventRepo
	Anomalies   *store.AnomalyRepo
	Scoring     scoring.Config
	DedupWindow time.Duration
	Logger      *slog.Logger

	// History supplies the per-category remediation history feeding the
	// risk score. Nil means no history (neutral component).
	History func(ctx context.Context, category domain.Category) (scoring.History, error)

	now func() time.Time
}

// NewIngestor wires an Ingestor.
func NewIngestor(db *sql.DB, scoringCfg scoring.Config, dedupWindow time.Duration, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		DB:          db,
		Incidents:   &store.IncidentRepo{},
		Events:      &store.EventRepo{},
		Anomalies:   &store.AnomalyRepo{},
		Scoring:     scoringCfg,
		DedupWindow: dedupWindow,
		Logger:      logger,
		now:         time.Now,
	}
}

// Ingest scores the event and either opens a new incident or folds the
// event into an existing open one. The returned bool is true when a new
// incident was created.
func (g *Ingestor) Ingest(ctx context.Context, ev domain.AnomalyEvent) (*domain.Incident, bool, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.DetectedAtUnix == 0 {
		ev.DetectedAtUnix = g.now().Unix()
	}

	existing, err := g.findDuplicate(ctx, ev)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if err := g.merge(ctx, existing, ev); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	inc, err := g.create(ctx, ev)
	if err != nil {
		return nil, false, err
	}
	return inc, true, nil
}

// findDuplicate looks for an open incident with the same category and at
// least one shared resource, touched within the dedup window.
func (g *Ingestor) findDuplicate(ctx context.Context, ev domain.AnomalyEvent) (*domain.Incident, error) {
	open, err := g.Incidents.ListOpenByCategory(ctx, g.DB, ev.Category)
	if err != nil {
		return nil, err
	}
	cutoff := time.Unix(ev.DetectedAtUnix, 0).Add(-g.DedupWindow).Unix()
	for i := range open {
		inc := &open[i]
		if inc.UpdatedAtUnix < cutoff {
			continue
		}
		if overlaps(inc.AffectedResources, ev.AffectedResources) {
			return inc, nil
		}
	}
	return nil, nil
}

func overlaps(a, b []domain.ResourceRef) bool {
	ids := make(map[string]bool, len(a))
	for _, r := range a {
		ids[r.ID] = true
	}
	for _, r := range b {
		if ids[r.ID] {
			return true
		}
	}
	return false
}

// merge folds a duplicate event into an open incident: the anomaly is
// appended, occurrences bumped, and the resource set unioned. Severity
// is re-scored and may only go up; de-escalation is a human decision.
//
// The incident's worker goroutine writes the same row, so a version
// conflict reloads the row and retries instead of rejecting the event.
func (g *Ingestor) merge(ctx context.Context, inc *domain.Incident, ev domain.AnomalyEvent) error {
	for attempt := 0; ; attempt++ {
		err := g.mergeOnce(ctx, inc, ev)
		if err == nil || !errors.Is(err, domain.ErrOptimisticLock) || attempt >= maxApplyRetries {
			return err
		}
		fresh, gerr := g.Incidents.GetByID(ctx, g.DB, inc.ID)
		if gerr != nil {
			return gerr
		}
		*inc = *fresh
	}
}

func (g *Ingestor) mergeOnce(ctx context.Context, inc *domain.Incident, ev domain.AnomalyEvent) error {
	now := g.now().Unix()
	occurrences := inc.Occurrences + 1

	next := *inc
	next.Occurrences = occurrences
	next.AffectedResources = unionResources(inc.AffectedResources, ev.AffectedResources)
	next.LastEventSeq = inc.LastEventSeq + 1
	next.UpdatedAtUnix = now

	sustainedFor := time.Duration(now-inc.CreatedAtUnix) * time.Second
	if sev := scoring.Severity(ev.Impact, sustainedFor, ev.Trend, occurrences, g.Scoring); sev < next.Severity {
		next.Severity = sev
	}
	if radius, _ := scoring.BlastRadius(next.AffectedResources, ev.Impact, g.Scoring); radius > next.BlastRadius {
		next.BlastRadius = radius
	}

	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge tx: %w", err)
	}
	defer tx.Rollback()

	// The optimistic update runs first so a concurrent worker transition
	// surfaces as ErrOptimisticLock rather than a sequence collision.
	if err := g.Incidents.UpdateTx(ctx, tx, next); err != nil {
		return err
	}
	if err := g.Anomalies.AppendTx(ctx, tx, inc.ID, ev); err != nil {
		return err
	}
	if err := g.Events.AppendTx(ctx, tx, domain.IncidentEvent{
		IncidentID:  inc.ID,
		SeqNo:       next.LastEventSeq,
		State:       next.State,
		EventType:   "event_merged",
		PayloadJSON: fmt.Sprintf(`{"event_id":%q,"occurrences":%d}`, ev.ID, occurrences),
		CreatedAt:   now,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit merge tx: %w", err)
	}

	next.StateVersion = inc.StateVersion + 1
	*inc = next
	g.Logger.Info("anomaly merged into open incident",
		"incident_id", inc.ID, "event_id", ev.ID, "occurrences", occurrences)
	return nil
}

func unionResources(a, b []domain.ResourceRef) []domain.ResourceRef {
	seen := make(map[string]bool, len(a))
	out := make([]domain.ResourceRef, 0, len(a)+len(b))
	for _, r := range a {
		seen[r.ID] = true
		out = append(out, r)
	}
	for _, r := range b {
		if !seen[r.ID] {
			seen[r.ID] = true
			out = append(out, r)
		}
	}
	return out
}

// create scores the event and opens a new incident in state triaged.
func (g *Ingestor) create(ctx context.Context, ev domain.AnomalyEvent) (*domain.Incident, error) {
	hist := scoring.History{}
	if g.History != nil {
		h, err := g.History(ctx, ev.Category)
		if err != nil {
			g.Logger.Warn("category history unavailable", "category", string(ev.Category), "error", err)
		} else {
			hist = h
		}
	}

	now := g.now().Unix()
	sustainedFor := time.Duration(now-ev.DetectedAtUnix) * time.Second
	severity := scoring.Severity(ev.Impact, sustainedFor, ev.Trend, ev.HistoricalOccurrences, g.Scoring)
	radius, _ := scoring.BlastRadius(ev.AffectedResources, ev.Impact, g.Scoring)
	risk, breakdown := scoring.RiskScore(ev.Impact, len(ev.AffectedResources), ev.Category, hist, g.Scoring)

	inc := &domain.Incident{
		ID:                uuid.NewString(),
		Category:          ev.Category,
		Severity:          severity,
		RiskScore:         risk,
		BlastRadius:       radius,
		State:             domain.StateTriaged,
		AffectedResources: ev.AffectedResources,
		Impact:            ev.Impact,
		Trend:             ev.Trend,
		Occurrences:       1,
		LastEventSeq:      1,
		CreatedAtUnix:     now,
		UpdatedAtUnix:     now,
	}

	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin ingest tx: %w", err)
	}
	defer tx.Rollback()

	if err := g.Incidents.CreateTx(ctx, tx, *inc); err != nil {
		return nil, err
	}
	if err := g.Anomalies.AppendTx(ctx, tx, inc.ID, ev); err != nil {
		return nil, err
	}
	payload, err := marshalPayload(breakdown)
	if err != nil {
		return nil, err
	}
	if err := g.Events.AppendTx(ctx, tx, domain.IncidentEvent{
		IncidentID:  inc.ID,
		SeqNo:       1,
		State:       domain.StateTriaged,
		EventType:   "incident_created",
		PayloadJSON: payload,
		CreatedAt:   now,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ingest tx: %w", err)
	}

	g.Logger.Info("incident opened",
		"incident_id", inc.ID, "category", string(inc.Category),
		"severity", inc.Severity.String(), "risk_score", inc.RiskScore,
		"blast_radius", inc.BlastRadius.String())
	return inc, nil
}
