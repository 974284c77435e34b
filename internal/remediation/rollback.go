package remediation

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/opsloop/selfheal/internal/domain"
	"github.com/opsloop/selfheal/internal/safety"
	"github.com/opsloop/selfheal/internal/store"
)

// RollbackManager undoes a playbook execution by running its rollback
// steps with the same timeout discipline as forward execution. A failed
// rollback is the engine's worst case: the caller must force SEV0 and
// escalate unconditionally.
type RollbackManager struct {
	DB         *sql.DB
	Executions *store.ExecutionRepo
	Locks      *safety.LockTable
	Executor   ActionExecutor
	Logger     *slog.Logger

	now func() time.Time
}

// NewRollbackManager wires a RollbackManager.
func NewRollbackManager(db *sql.DB, locks *safety.LockTable, executor ActionExecutor, logger *slog.Logger) *RollbackManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RollbackManager{
		DB:         db,
		Executions: &store.ExecutionRepo{},
		Locks:      locks,
		Executor:   executor,
		Logger:     logger,
		now:        time.Now,
	}
}

// Rollback runs the playbook's rollback steps sequentially and then its
// immediate checks to confirm the rollback itself took effect. Steps run
// without retries: a rollback is not a place to hammer a broken system.
// Step results are appended to the execution record.
//
// The lock table allows re-entry for the same incident, so Rollback may
// run while the coordinator still holds the resource lock, and acquires
// it itself when invoked standalone.
func (m *RollbackManager) Rollback(ctx context.Context, exec *domain.PlaybookExecution, pb domain.Playbook, inc *domain.Incident) error {
	if !pb.HasRollback() {
		return domain.ErrRollbackUnavailable
	}
	if err := m.Locks.Acquire(inc.ID, inc.AffectedResources); err != nil {
		return err
	}
	defer m.Locks.Release(inc.ID)

	m.Logger.Warn("rollback started",
		"incident_id", inc.ID, "execution_id", exec.ID, "playbook_id", pb.ID)

	for _, step := range pb.RollbackSteps {
		res := m.runStep(ctx, step, inc.AffectedResources)
		exec.StepResults = append(exec.StepResults, res)
		if !res.Success {
			m.Logger.Error("rollback step failed",
				"execution_id", exec.ID, "action_ref", step.ActionRef, "error", res.Error)
			return domain.NewEngineError(domain.ErrRollbackFailed.Code,
				fmt.Sprintf("rollback step %s: %s", step.ActionRef, res.Error))
		}
	}

	// A rollback is itself verified: the playbook's immediate checks must
	// pass against the restored state.
	for _, check := range pb.Verification.ImmediateChecks {
		res := m.runStep(ctx, domain.Step{
			ActionRef:  check.ActionRef,
			TimeoutSec: check.TimeoutSec,
		}, inc.AffectedResources)
		exec.StepResults = append(exec.StepResults, res)
		if !res.Success {
			return domain.NewEngineError(domain.ErrRollbackFailed.Code,
				fmt.Sprintf("post-rollback check %s: %s", check.Name, res.Error))
		}
	}

	m.Logger.Info("rollback complete", "incident_id", inc.ID, "execution_id", exec.ID)
	return nil
}

func (m *RollbackManager) runStep(ctx context.Context, step domain.Step, targets []domain.ResourceRef) domain.StepResult {
	timeout := time.Duration(step.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := m.now()
	res, err := m.Executor.Apply(stepCtx, step.ActionRef, withTargets(step.Params, targets))
	sr := domain.StepResult{
		ActionRef:  step.ActionRef,
		Attempt:    1,
		Output:     res.Output,
		DurationMs: m.now().Sub(start).Milliseconds(),
	}
	if err != nil {
		sr.Error = err.Error()
		sr.TimedOut = stepCtx.Err() == context.DeadlineExceeded
	} else {
		sr.Success = true
	}
	return sr
}
