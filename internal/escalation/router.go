// Package escalation hands incidents the engine cannot or will not
// remediate over to a human channel.
package escalation

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opsloop/selfheal/internal/domain"
	"github.com/opsloop/selfheal/internal/store"
)

// Notifier delivers an escalation to its human channel. Delivery
// semantics (paging, email, ticket creation) belong to the
// implementation; the router only guarantees the record is durable
// before Notify is called.
type Notifier interface {
	Notify(ctx context.Context, rec domain.EscalationRecord) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, rec domain.EscalationRecord) error

func (f NotifierFunc) Notify(ctx context.Context, rec domain.EscalationRecord) error {
	return f(ctx, rec)
}

// Router persists escalation records and pushes them to the notifier.
// Escalation is terminal for the engine: once routed, no automated
// action runs on the incident until a human closes or re-arms it.
type Router struct {
	DB          *sql.DB
	Escalations *store.EscalationRepo
	Notifier    Notifier
	Logger      *slog.Logger

	now func() time.Time
}

// NewRouter wires a Router. notifier may be nil in tests.
func NewRouter(db *sql.DB, notifier Notifier, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		DB:          db,
		Escalations: &store.EscalationRepo{},
		Notifier:    notifier,
		Logger:      logger,
		now:         time.Now,
	}
}

// levelFor maps incident severity to an escalation level: SEV0 pages the
// incident commander chain, SEV1 the on-call lead, the rest the team
// queue.
func levelFor(sev domain.Severity) int {
	switch sev {
	case domain.Sev0:
		return 3
	case domain.Sev1:
		return 2
	default:
		return 1
	}
}

// Escalate records an escalation for the incident and notifies the
// channel. Idempotent: a second escalation for the same incident appends
// an audit note to the existing record instead of creating a duplicate,
// and does not notify again. When the incident has grown more severe
// since the first escalation the record's level is raised to match.
func (r *Router) Escalate(ctx context.Context, inc *domain.Incident, reason string) (*domain.EscalationRecord, error) {
	existing, err := r.Escalations.GetByIncident(ctx, r.DB, inc.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		note := fmt.Sprintf("re-escalated at %d: %s", r.now().Unix(), reason)
		if err := r.Escalations.AppendNote(ctx, r.DB, inc.ID, note); err != nil {
			return nil, err
		}
		existing.Notes = append(existing.Notes, note)
		if lvl := levelFor(inc.Severity); lvl > existing.Level {
			if err := r.Escalations.UpdateLevel(ctx, r.DB, inc.ID, lvl, inc.Severity); err != nil {
				return nil, err
			}
			existing.Level = lvl
			existing.Severity = inc.Severity
			r.Logger.Warn("escalation level raised",
				"incident_id", inc.ID, "severity", inc.Severity.String(), "level", lvl)
		}
		r.Logger.Info("escalation note appended",
			"incident_id", inc.ID, "reason", reason)
		return existing, nil
	}

	rec := domain.EscalationRecord{
		ID:            uuid.NewString(),
		IncidentID:    inc.ID,
		Reason:        reason,
		Severity:      inc.Severity,
		Level:         levelFor(inc.Severity),
		CreatedAtUnix: r.now().Unix(),
	}
	if err := r.Escalations.Create(ctx, r.DB, rec); err != nil {
		return nil, err
	}
	r.Logger.Warn("incident escalated",
		"incident_id", inc.ID, "severity", inc.Severity.String(),
		"level", rec.Level, "reason", reason)

	if r.Notifier != nil {
		// The record is durable; a delivery failure is logged and left
		// for the channel's own retry machinery.
		if err := r.Notifier.Notify(ctx, rec); err != nil {
			r.Logger.Error("escalation notify failed",
				"incident_id", inc.ID, "error", err)
		}
	}
	return &rec, nil
}
