package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opsloop/selfheal/internal/catalog"
	"github.com/opsloop/selfheal/internal/domain"
	"github.com/opsloop/selfheal/internal/escalation"
	"github.com/opsloop/selfheal/internal/feedback"
	"github.com/opsloop/selfheal/internal/metrics"
	"github.com/opsloop/selfheal/internal/remediation"
	"github.com/opsloop/selfheal/internal/safety"
	"github.com/opsloop/selfheal/internal/store"
	"github.com/opsloop/selfheal/internal/verification"
)

// maxConflictRetries bounds how often an incident waits out a resource
// lock before escalating instead.
const maxConflictRetries = 5

// Runner drives incidents through the state machine: one goroutine per
// incident, all transitions totally ordered by that single owner. Shared
// state (locks, breakers) lives in the safety package behind mutexes.
type Runner struct {
	DB          *sql.DB
	Incidents   *store.IncidentRepo
	Executions  *store.ExecutionRepo
	Playbooks   *store.PlaybookRepo
	Trans       *Transitioner
	Gate        *safety.Gate
	Selector    *catalog.Selector
	Coordinator *remediation.Coordinator
	Verifier    *verification.Engine
	Rollbacks   *remediation.RollbackManager
	Escalations *escalation.Router
	Feedback    *feedback.Recorder
	Metrics     *metrics.Metrics
	Logger      *slog.Logger

	ConflictRetry time.Duration
	MaxCandidates int

	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	active    map[string]bool
	cancels   map[string]context.CancelFunc
	cancelled map[string]bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// RunnerDeps bundles the collaborators a Runner needs.
type RunnerDeps struct {
	DB            *sql.DB
	Gate          *safety.Gate
	Selector      *catalog.Selector
	Coordinator   *remediation.Coordinator
	Verifier      *verification.Engine
	Rollbacks     *remediation.RollbackManager
	Escalations   *escalation.Router
	Feedback      *feedback.Recorder
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	ConflictRetry time.Duration
	MaxCandidates int
}

// NewRunner wires a Runner. Metrics may be nil in tests.
func NewRunner(d RunnerDeps) *Runner {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxCandidates := d.MaxCandidates
	if maxCandidates <= 0 {
		maxCandidates = 3
	}
	return &Runner{
		DB:            d.DB,
		Incidents:     &store.IncidentRepo{},
		Executions:    &store.ExecutionRepo{},
		Playbooks:     &store.PlaybookRepo{},
		Trans:         NewTransitioner(d.DB),
		Gate:          d.Gate,
		Selector:      d.Selector,
		Coordinator:   d.Coordinator,
		Verifier:      d.Verifier,
		Rollbacks:     d.Rollbacks,
		Escalations:   d.Escalations,
		Feedback:      d.Feedback,
		Metrics:       d.Metrics,
		Logger:        logger,
		ConflictRetry: d.ConflictRetry,
		MaxCandidates: maxCandidates,
		sleep:         sleepCtx,
		active:        make(map[string]bool),
		cancels:       make(map[string]context.CancelFunc),
		cancelled:     make(map[string]bool),
		stopCh:        make(chan struct{}),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Submit schedules the incident for processing on its own worker
// goroutine. A second Submit while the first is running is a no-op.
func (r *Runner) Submit(incidentID string) bool {
	r.mu.Lock()
	if r.active[incidentID] {
		r.mu.Unlock()
		return false
	}
	select {
	case <-r.stopCh:
		r.mu.Unlock()
		return false
	default:
	}
	r.active[incidentID] = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.active, incidentID)
			delete(r.cancels, incidentID)
			delete(r.cancelled, incidentID)
			r.mu.Unlock()
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		r.mu.Lock()
		r.cancels[incidentID] = cancel
		r.mu.Unlock()
		go func() {
			select {
			case <-r.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		if err := r.Process(ctx, incidentID); err != nil {
			r.Logger.Error("incident processing stopped",
				"incident_id", incidentID, "error", err)
		}
	}()
	return true
}

// Stop halts the runner: no new submissions, in-flight workers are
// cancelled and awaited.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// ResumeOpen re-submits every non-terminal incident, for startup after a
// restart.
func (r *Runner) ResumeOpen(ctx context.Context) (int, error) {
	n := 0
	for _, cat := range domain.Categories {
		open, err := r.Incidents.ListOpenByCategory(ctx, r.DB, cat)
		if err != nil {
			return n, err
		}
		for _, inc := range open {
			if r.Submit(inc.ID) {
				n++
			}
		}
	}
	return n, nil
}

// Cancel aborts the incident's current work. An in-flight execution is
// cancelled cooperatively and rolled back by the coordinator; any other
// suspension point (verification windows, conflict backoff) is
// interrupted and the incident escalates to a human.
func (r *Runner) Cancel(incidentID string) bool {
	if r.Coordinator.Cancel(incidentID) {
		return true
	}
	r.mu.Lock()
	cancel, ok := r.cancels[incidentID]
	if ok {
		r.cancelled[incidentID] = true
	}
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// takeCancelled consumes the operator-cancel flag for an incident.
func (r *Runner) takeCancelled(incidentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	was := r.cancelled[incidentID]
	delete(r.cancelled, incidentID)
	return was
}

// Rearm returns an escalated incident to the engine: a human has looked
// at it and wants another automated pass. The incident restarts from
// triaged with a fresh selection.
func (r *Runner) Rearm(ctx context.Context, incidentID string) error {
	inc, err := r.Incidents.GetByID(ctx, r.DB, incidentID)
	if err != nil {
		return err
	}
	if inc.State != domain.StateEscalated {
		return domain.NewEngineError(domain.ErrNotEscalated.Code,
			fmt.Sprintf("incident %s is %s", inc.ID, inc.State))
	}
	inc.SelectedPlaybookID = ""
	inc.ExecutionID = ""
	if err := r.Trans.Transition(ctx, inc, domain.StateTriaged, "rearmed", nil); err != nil {
		return err
	}
	r.Submit(inc.ID)
	return nil
}

// Process drives one incident until it reaches a terminal state. Safe to
// call on a resumed incident: missing in-memory context (candidates, the
// selected playbook, the execution record) is reloaded from the store.
func (r *Runner) Process(ctx context.Context, incidentID string) error {
	inc, err := r.Incidents.GetByID(ctx, r.DB, incidentID)
	if err != nil {
		return err
	}

	err = r.drive(ctx, inc)
	if err != nil && r.takeCancelled(inc.ID) && !inc.State.IsTerminal() {
		// An operator cancel interrupted a suspension point. The cancelled
		// context is unusable, so the escalation gets a fresh one.
		ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if eerr := r.escalate(ectx, inc, "cancelled by operator"); eerr != nil {
			return err
		}
		err = nil
	}
	if err != nil {
		return err
	}

	if r.Metrics != nil {
		r.Metrics.ObserveTerminal(inc.State)
	}
	r.Logger.Info("incident reached terminal state",
		"incident_id", inc.ID, "state", string(inc.State))
	return nil
}

func (r *Runner) drive(ctx context.Context, inc *domain.Incident) error {
	var (
		err             error
		candidates      []catalog.Candidate
		pb              *domain.Playbook
		exec            *domain.PlaybookExecution
		tried           int
		conflictRetries int
	)

	for !inc.State.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch inc.State {
		case domain.StateTriaged:
			if err := r.Trans.Transition(ctx, inc, domain.StateGated, "triage_complete", nil); err != nil {
				return err
			}

		case domain.StateGated:
			candidates, err = r.Selector.Select(ctx, inc.Category, inc.Severity, inc.BlastRadius)
			if err != nil {
				return err
			}
			var head *domain.Playbook
			var headID string
			if len(candidates) > 0 {
				head = &candidates[0].Playbook
				headID = head.ID
			}
			decision := r.Gate.Evaluate(*inc, head)
			if r.Metrics != nil {
				r.Metrics.ObserveGate(decision)
			}
			if err := r.Trans.RecordEvent(ctx, inc, "gate_decision", gatePayload{
				Verdict:    string(decision.Verdict),
				Reason:     decision.Reason,
				PlaybookID: headID,
			}); err != nil {
				return err
			}
			switch decision.Verdict {
			case domain.VerdictProceed:
				if err := r.Trans.Transition(ctx, inc, domain.StateSelecting, "gate_proceed", nil); err != nil {
					return err
				}
			default:
				// require_approval and deny_escalate both leave the
				// engine's hands; the reason travels with the record.
				return r.escalate(ctx, inc, decision.Reason)
			}

		case domain.StateSelecting:
			if candidates == nil {
				candidates, err = r.Selector.Select(ctx, inc.Category, inc.Severity, inc.BlastRadius)
				if err != nil {
					return err
				}
			}
			if len(candidates) == 0 {
				return r.escalate(ctx, inc, safety.ReasonNoCandidate)
			}
			head := candidates[0]
			pb = &head.Playbook
			// The gate rules on (incident, candidate); every attempted
			// playbook passes its own evaluation, not just the first.
			decision := r.Gate.Evaluate(*inc, pb)
			if r.Metrics != nil {
				r.Metrics.ObserveGate(decision)
			}
			if err := r.Trans.RecordEvent(ctx, inc, "gate_decision", gatePayload{
				Verdict:    string(decision.Verdict),
				Reason:     decision.Reason,
				PlaybookID: pb.ID,
			}); err != nil {
				return err
			}
			if decision.Verdict != domain.VerdictProceed {
				return r.escalate(ctx, inc, decision.Reason)
			}
			inc.SelectedPlaybookID = pb.ID
			if err := r.Trans.Transition(ctx, inc, domain.StateExecuting, "playbook_selected", selectionPayload{
				PlaybookID: pb.ID,
				Version:    pb.Version,
				Score:      head.Score,
			}); err != nil {
				return err
			}

		case domain.StateExecuting:
			if pb == nil {
				pb, err = r.loadSelected(ctx, inc)
				if err != nil {
					return r.escalate(ctx, inc, fmt.Sprintf("selected playbook unavailable: %v", err))
				}
			}
			exec, err = r.Coordinator.Execute(ctx, inc, *pb)
			if exec != nil && r.Metrics != nil {
				r.Metrics.ObserveExecution(exec)
			}
			next, nerr := r.afterExecution(ctx, inc, exec, err)
			if nerr != nil {
				return nerr
			}
			if next == domain.StateSelecting {
				tried++
				if len(candidates) > 0 {
					candidates = candidates[1:]
				}
				pb = nil
				if tried >= r.MaxCandidates || len(candidates) == 0 {
					return r.escalate(ctx, inc, fmt.Sprintf("remediation failed: %v", err))
				}
			}

		case domain.StateConflictWait:
			conflictRetries++
			if conflictRetries > maxConflictRetries {
				return r.escalate(ctx, inc, "resource locks contended beyond retry budget")
			}
			if err := r.sleep(ctx, r.ConflictRetry); err != nil {
				return err
			}
			if err := r.Trans.Transition(ctx, inc, domain.StateExecuting, "conflict_retry", nil); err != nil {
				return err
			}

		case domain.StateVerifying:
			if exec == nil || pb == nil {
				exec, pb, err = r.loadExecutionContext(ctx, inc)
				if err != nil {
					return r.escalate(ctx, inc, fmt.Sprintf("execution context unavailable: %v", err))
				}
			}
			rec, verr := r.Verifier.Verify(ctx, inc, *pb, exec)
			if err := r.Trans.RecordEvent(ctx, inc, "verification_complete", verificationPayload{
				Recommendation: string(rec),
			}); err != nil {
				return err
			}
			switch rec {
			case domain.RecommendClose:
				if err := r.Feedback.Record(ctx, exec, rec); err != nil {
					return err
				}
				if err := r.Trans.Transition(ctx, inc, domain.StateClosed, "verified_healthy", nil); err != nil {
					return err
				}
			case domain.RecommendRollback:
				if err := r.Trans.Transition(ctx, inc, domain.StateRollingBack, "verification_regressed", nil); err != nil {
					return err
				}
			default:
				if err := r.Feedback.Record(ctx, exec, rec); err != nil {
					return err
				}
				reason := "verification uncertain, needs human judgement"
				if verr != nil {
					reason = fmt.Sprintf("%s: %v", reason, verr)
				}
				return r.escalate(ctx, inc, reason)
			}

		case domain.StateRollingBack:
			if exec == nil || pb == nil {
				exec, pb, err = r.loadExecutionContext(ctx, inc)
				if err != nil {
					return r.escalate(ctx, inc, fmt.Sprintf("execution context unavailable: %v", err))
				}
			}
			if rbErr := r.Rollbacks.Rollback(ctx, exec, *pb, inc); rbErr != nil {
				exec.Outcome = domain.OutcomeFailed
				exec.FailureReason = rbErr.Error()
				if uerr := r.Executions.Update(ctx, r.DB, *exec); uerr != nil {
					return uerr
				}
				if err := r.Feedback.Record(ctx, exec, domain.RecommendRollback); err != nil {
					return err
				}
				r.forceSev0(ctx, inc, rbErr.Error())
				return r.escalate(ctx, inc, fmt.Sprintf("rollback failed: %v", rbErr))
			}
			exec.Outcome = domain.OutcomeRolledBack
			if err := r.Executions.Update(ctx, r.DB, *exec); err != nil {
				return err
			}
			if err := r.Feedback.Record(ctx, exec, domain.RecommendRollback); err != nil {
				return err
			}
			if err := r.Trans.Transition(ctx, inc, domain.StateRolledBack, "rolled_back", nil); err != nil {
				return err
			}

		default:
			return domain.NewEngineError(domain.ErrInvalidTransition.Code,
				fmt.Sprintf("incident %s in unknown state %s", inc.ID, inc.State))
		}
	}
	return nil
}

// afterExecution maps a coordinator result onto the next incident state
// and performs the bookkeeping for it. It returns the state entered.
func (r *Runner) afterExecution(ctx context.Context, inc *domain.Incident, exec *domain.PlaybookExecution, execErr error) (domain.IncidentState, error) {
	switch {
	case execErr == nil:
		inc.ExecutionID = exec.ID
		return domain.StateVerifying, r.Trans.Transition(ctx, inc, domain.StateVerifying, "execution_succeeded", nil)

	case errors.Is(execErr, domain.ErrLockConflict):
		return domain.StateConflictWait, r.Trans.Transition(ctx, inc, domain.StateConflictWait, "lock_conflict", nil)

	case errors.Is(execErr, domain.ErrRollbackFailed):
		if err := r.Feedback.Record(ctx, exec, ""); err != nil {
			return domain.StateEscalated, err
		}
		r.forceSev0(ctx, inc, exec.FailureReason)
		return domain.StateEscalated, r.escalate(ctx, inc, fmt.Sprintf("rollback failed: %s", exec.FailureReason))

	case errors.Is(execErr, domain.ErrExecutionCancelled):
		if err := r.Feedback.Record(ctx, exec, ""); err != nil {
			return domain.StateEscalated, err
		}
		return domain.StateEscalated, r.escalate(ctx, inc, "execution cancelled by operator")

	case exec != nil && exec.Outcome == domain.OutcomeRolledBack:
		// The coordinator already undid a failed execution cleanly.
		inc.ExecutionID = exec.ID
		if err := r.Feedback.Record(ctx, exec, domain.RecommendRollback); err != nil {
			return domain.StateRolledBack, err
		}
		return domain.StateRolledBack, r.Trans.Transition(ctx, inc, domain.StateRolledBack, "execution_rolled_back", failurePayload{Reason: exec.FailureReason})

	default:
		// Failed, partial, or precondition outcomes: record and let the
		// caller try the next candidate.
		if exec != nil {
			if err := r.Feedback.Record(ctx, exec, ""); err != nil {
				return domain.StateSelecting, err
			}
		}
		return domain.StateSelecting, r.Trans.Transition(ctx, inc, domain.StateSelecting, "candidate_failed", failurePayload{Reason: fmt.Sprint(execErr)})
	}
}

// forceSev0 is the one severity mutation outside initial scoring: a
// failed rollback means the remediation made things worse and could not
// be undone.
func (r *Runner) forceSev0(ctx context.Context, inc *domain.Incident, reason string) {
	if inc.Severity == domain.Sev0 {
		return
	}
	inc.Severity = domain.Sev0
	if err := r.Trans.RecordEvent(ctx, inc, "severity_forced", failurePayload{Reason: reason}); err != nil {
		r.Logger.Error("failed to persist forced severity",
			"incident_id", inc.ID, "error", err)
	}
}

func (r *Runner) escalate(ctx context.Context, inc *domain.Incident, reason string) error {
	rec, err := r.Escalations.Escalate(ctx, inc, reason)
	if err != nil {
		return err
	}
	if r.Metrics != nil {
		r.Metrics.ObserveEscalation(inc.Severity)
	}
	if inc.State == domain.StateEscalated {
		return nil
	}
	return r.Trans.Transition(ctx, inc, domain.StateEscalated, "escalated", escalationPayload{
		Reason:   reason,
		RecordID: rec.ID,
	})
}

// loadSelected fetches the incident's chosen playbook after a resume.
func (r *Runner) loadSelected(ctx context.Context, inc *domain.Incident) (*domain.Playbook, error) {
	if inc.SelectedPlaybookID == "" {
		return nil, domain.ErrPlaybookNotFound
	}
	return r.Playbooks.GetLatest(ctx, r.DB, inc.SelectedPlaybookID)
}

// loadExecutionContext fetches the latest execution and its playbook
// after a resume.
func (r *Runner) loadExecutionContext(ctx context.Context, inc *domain.Incident) (*domain.PlaybookExecution, *domain.Playbook, error) {
	execs, err := r.Executions.ListByIncident(ctx, r.DB, inc.ID)
	if err != nil {
		return nil, nil, err
	}
	if len(execs) == 0 {
		return nil, nil, domain.NewEngineError(domain.ErrStoreQuery.Code,
			fmt.Sprintf("incident %s has no executions", inc.ID))
	}
	exec := execs[len(execs)-1]
	pb, err := r.Playbooks.GetLatest(ctx, r.DB, exec.PlaybookID)
	if err != nil {
		return nil, nil, err
	}
	return &exec, pb, nil
}

type gatePayload struct {
	Verdict    string `json:"verdict"`
	Reason     string `json:"reason,omitempty"`
	PlaybookID string `json:"playbook_id,omitempty"`
}

type selectionPayload struct {
	PlaybookID string  `json:"playbook_id"`
	Version    int     `json:"version"`
	Score      float64 `json:"score"`
}

type verificationPayload struct {
	Recommendation string `json:"recommendation"`
}

type failurePayload struct {
	Reason string `json:"reason"`
}

type escalationPayload struct {
	Reason   string `json:"reason"`
	RecordID string `json:"record_id"`
}
