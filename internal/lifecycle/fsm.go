// Package lifecycle owns the incident state machine and the per-incident
// worker that drives an incident from ingestion to a terminal state.
package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opsloop/selfheal/internal/domain"
	"github.com/opsloop/selfheal/internal/store"
)

// maxApplyRetries bounds how often a transition is rebased onto a fresh
// incident row after a concurrent write (an anomaly merged mid-lifecycle).
const maxApplyRetries = 5

// validTransitions is the incident state machine. A transition absent
// from this map is a bug, not a policy decision.
var validTransitions = map[domain.IncidentState][]domain.IncidentState{
	domain.StateTriaged: {
		domain.StateGated,
	},
	domain.StateGated: {
		domain.StateSelecting,
		domain.StateEscalated,
	},
	domain.StateSelecting: {
		domain.StateExecuting,
		domain.StateEscalated,
	},
	domain.StateExecuting: {
		domain.StateVerifying,
		domain.StateSelecting, // failed candidate, try the next
		domain.StateConflictWait,
		domain.StateRolledBack,
		domain.StateEscalated,
	},
	domain.StateConflictWait: {
		domain.StateExecuting,
		domain.StateEscalated,
	},
	domain.StateVerifying: {
		domain.StateClosed,
		domain.StateRollingBack,
		domain.StateEscalated,
	},
	domain.StateRollingBack: {
		domain.StateRolledBack,
		domain.StateEscalated,
	},
	domain.StateEscalated: {
		domain.StateTriaged, // operator re-arm
	},
	domain.StateClosed:     {},
	domain.StateRolledBack: {},
}

func canTransition(from, to domain.IncidentState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transitioner applies state transitions and audit events to incidents.
// Every transition lands atomically: the audit event and the optimistic
// incident update share one transaction.
type Transitioner struct {
	DB        *sql.DB
	Incidents *store.IncidentRepo
	Events    *store.EventRepo

	now func() time.Time
}

// NewTransitioner creates a Transitioner over the store.
func NewTransitioner(db *sql.DB) *Transitioner {
	return &Transitioner{
		DB:        db,
		Incidents: &store.IncidentRepo{},
		Events:    &store.EventRepo{},
		now:       time.Now,
	}
}

// Transition moves the incident to a new state, appending an audit event
// carrying the trigger and payload. The incident is mutated in place on
// success (state, version, sequence, timestamps).
func (t *Transitioner) Transition(ctx context.Context, inc *domain.Incident, to domain.IncidentState, eventType string, payload any) error {
	if inc.State.IsTerminal() && to != domain.StateTriaged {
		return domain.NewEngineError(domain.ErrIncidentTerminal.Code,
			fmt.Sprintf("incident %s is %s", inc.ID, inc.State))
	}
	if !canTransition(inc.State, to) {
		return domain.NewEngineError(domain.ErrInvalidTransition.Code,
			fmt.Sprintf("incident %s: %s -> %s", inc.ID, inc.State, to))
	}
	return t.apply(ctx, inc, to, eventType, payload)
}

// RecordEvent appends an audit event without changing state. Used for
// intermediate facts: gate decisions, candidate choices, forced severity.
func (t *Transitioner) RecordEvent(ctx context.Context, inc *domain.Incident, eventType string, payload any) error {
	return t.apply(ctx, inc, inc.State, eventType, payload)
}

func (t *Transitioner) apply(ctx context.Context, inc *domain.Incident, to domain.IncidentState, eventType string, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	stateChange := to != inc.State
	for attempt := 0; ; attempt++ {
		err := t.applyOnce(ctx, inc, to, eventType, raw)
		if err == nil || !errors.Is(err, domain.ErrOptimisticLock) || attempt >= maxApplyRetries {
			return err
		}
		if rerr := t.rebase(ctx, inc); rerr != nil {
			return rerr
		}
		// A rebase only helps when the concurrent write left the state
		// machine where this transition expects it (an anomaly merge). A
		// lost state race stays lost.
		if stateChange && !canTransition(inc.State, to) {
			return err
		}
	}
}

func (t *Transitioner) applyOnce(ctx context.Context, inc *domain.Incident, to domain.IncidentState, eventType, rawPayload string) error {
	now := t.now().Unix()

	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback()

	next := *inc
	next.State = to
	next.LastEventSeq = inc.LastEventSeq + 1
	next.UpdatedAtUnix = now
	if to.IsTerminal() && to != domain.StateEscalated {
		next.ClosedAtUnix = now
	}

	// The optimistic update runs first: a stale state_version surfaces as
	// ErrOptimisticLock instead of a sequence collision on the event log.
	if err := t.Incidents.UpdateTx(ctx, tx, next); err != nil {
		return err
	}
	if err := t.Events.AppendTx(ctx, tx, domain.IncidentEvent{
		IncidentID:  inc.ID,
		SeqNo:       next.LastEventSeq,
		State:       to,
		EventType:   eventType,
		PayloadJSON: rawPayload,
		CreatedAt:   now,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition tx: %w", err)
	}

	next.StateVersion = inc.StateVersion + 1
	*inc = next
	return nil
}

// rebase reloads the incident after a concurrent write and carries the
// caller's pending fields (selection, execution, forced severity) over so
// the transition can be retried against the fresh row.
func (t *Transitioner) rebase(ctx context.Context, inc *domain.Incident) error {
	fresh, err := t.Incidents.GetByID(ctx, t.DB, inc.ID)
	if err != nil {
		return err
	}
	if inc.Severity < fresh.Severity {
		fresh.Severity = inc.Severity
	}
	fresh.SelectedPlaybookID = inc.SelectedPlaybookID
	fresh.ExecutionID = inc.ExecutionID
	*inc = *fresh
	return nil
}

func marshalPayload(payload any) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal event payload: %w", err)
	}
	return string(raw), nil
}
