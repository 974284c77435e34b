package remediation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsloop/selfheal/internal/domain"
	"github.com/opsloop/selfheal/internal/safety"
	"github.com/opsloop/selfheal/internal/store"
)

// Config holds the coordinator's rollout knobs.
type Config struct {
	// StageWait is the pause between progressive rollout stages, during
	// which the health probe watches for regressions.
	StageWait time.Duration
	// AbortErrorRateDelta aborts the rollout when the probe reports an
	// error-rate increase beyond this threshold between stages.
	AbortErrorRateDelta float64
}

// DefaultConfig returns the rollout defaults.
func DefaultConfig() Config {
	return Config{
		StageWait:           30 * time.Second,
		AbortErrorRateDelta: 0.05,
	}
}

// rolloutFractions are the cumulative progressive rollout stages.
var rolloutFractions = []float64{0.01, 0.10, 0.50, 1.0}

// Coordinator executes playbooks against incidents. One execution per
// incident at a time; overlapping resource sets are serialized by the
// lock table.
type Coordinator struct {
	DB         *sql.DB
	Executions *store.ExecutionRepo
	Locks      *safety.LockTable
	Breakers   *safety.BreakerRegistry
	Executor   ActionExecutor
	Probe      HealthProbe
	Rollbacks  *RollbackManager
	Logger     *slog.Logger
	Config     Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewCoordinator wires a Coordinator. Probe may be nil when no playbook
// uses progressive rollout.
func NewCoordinator(db *sql.DB, locks *safety.LockTable, breakers *safety.BreakerRegistry, executor ActionExecutor, probe HealthProbe, rollbacks *RollbackManager, logger *slog.Logger, cfg Config) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		DB:         db,
		Executions: &store.ExecutionRepo{},
		Locks:      locks,
		Breakers:   breakers,
		Executor:   executor,
		Probe:      probe,
		Rollbacks:  rollbacks,
		Logger:     logger,
		Config:     cfg,
		now:        time.Now,
		sleep:      sleepCtx,
		inflight:   make(map[string]context.CancelFunc),
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

// Cancel aborts the in-flight execution for an incident, if any. The
// execution transitions to failed and releases its locks; rollback runs
// if the playbook defines one.
func (c *Coordinator) Cancel(incidentID string) bool {
	c.mu.Lock()
	cancel, ok := c.inflight[incidentID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Execute runs a playbook against an incident and returns the persisted
// execution record. The returned error classifies the failure mode; the
// record's Outcome field is always set. Lock conflicts are reported
// before any step runs and leave no execution record behind.
func (c *Coordinator) Execute(ctx context.Context, inc *domain.Incident, pb domain.Playbook) (*domain.PlaybookExecution, error) {
	c.mu.Lock()
	if _, busy := c.inflight[inc.ID]; busy {
		c.mu.Unlock()
		return nil, domain.ErrExecutionInFlight
	}
	execCtx, cancel := context.WithCancel(ctx)
	c.inflight[inc.ID] = cancel
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		delete(c.inflight, inc.ID)
		c.mu.Unlock()
	}()

	if err := c.Locks.Acquire(inc.ID, inc.AffectedResources); err != nil {
		return nil, err
	}
	defer c.Locks.Release(inc.ID)

	// A half-open breaker admits a single canary; everything else waits
	// for its outcome.
	if !c.Breakers.Admit(pb.ID, inc.BlastRadius) {
		return nil, domain.ErrBreakerOpen
	}

	exec := &domain.PlaybookExecution{
		ID:              uuid.NewString(),
		IncidentID:      inc.ID,
		PlaybookID:      pb.ID,
		PlaybookVersion: pb.Version,
		StartedAtUnix:   c.now().Unix(),
	}
	if err := c.Executions.Create(ctx, c.DB, *exec); err != nil {
		c.Breakers.ReleaseProbe(pb.ID, inc.BlastRadius)
		return nil, err
	}
	c.Logger.Info("execution started",
		"incident_id", inc.ID, "execution_id", exec.ID,
		"playbook_id", pb.ID, "version", pb.Version, "progressive", pb.Progressive)

	// Precondition failures abort before any action runs. They do not
	// count against the circuit breaker and record no step results.
	for _, pre := range pb.Preconditions {
		res := c.runAttempt(execCtx, pre, 1, inc.AffectedResources)
		if !res.Success {
			exec.Outcome = domain.OutcomeFailed
			exec.FailureReason = fmt.Sprintf("precondition %s failed: %s", pre.ActionRef, res.Error)
			c.Breakers.ReleaseProbe(pb.ID, inc.BlastRadius)
			return c.finish(ctx, exec, domain.NewEngineError(domain.ErrPrecondition.Code, exec.FailureReason))
		}
	}

	var err error
	if pb.Progressive {
		err = c.runProgressive(execCtx, exec, inc, pb)
	} else {
		err = c.runSteps(execCtx, exec, pb.Steps, inc.AffectedResources, pb.Safety.MaxRetries)
	}

	switch {
	case err == nil:
		exec.Outcome = domain.OutcomeSuccess
		c.Breakers.RecordSuccess(pb.ID, inc.BlastRadius)
		return c.finish(ctx, exec, nil)

	case errors.Is(err, domain.ErrRolloutAborted):
		exec.Outcome = domain.OutcomePartial
		exec.FailureReason = err.Error()
		c.Breakers.RecordFailure(pb.ID, inc.BlastRadius)
		return c.finish(ctx, exec, err)

	case execCtx.Err() != nil && ctx.Err() == nil:
		// Operator cancel: the inner context died while the caller's is
		// still live.
		exec.FailureReason = "cancelled by operator"
		c.Breakers.RecordFailure(pb.ID, inc.BlastRadius)
		return c.rollbackOrFail(ctx, exec, inc, pb, domain.ErrExecutionCancelled)

	default:
		exec.FailureReason = err.Error()
		c.Breakers.RecordFailure(pb.ID, inc.BlastRadius)
		return c.rollbackOrFail(ctx, exec, inc, pb, err)
	}
}

// rollbackOrFail handles a failed execution: roll back when the playbook
// defines a procedure, otherwise report the failure as-is with a distinct
// rollback-unavailable classification.
func (c *Coordinator) rollbackOrFail(ctx context.Context, exec *domain.PlaybookExecution, inc *domain.Incident, pb domain.Playbook, cause error) (*domain.PlaybookExecution, error) {
	if !pb.HasRollback() || c.Rollbacks == nil {
		exec.Outcome = domain.OutcomeFailed
		if _, err := c.finish(ctx, exec, nil); err != nil {
			return exec, err
		}
		return exec, domain.NewEngineError(domain.ErrRollbackUnavailable.Code, exec.FailureReason)
	}

	if err := c.Rollbacks.Rollback(ctx, exec, pb, inc); err != nil {
		exec.Outcome = domain.OutcomeFailed
		exec.FailureReason = fmt.Sprintf("%s; rollback failed: %v", exec.FailureReason, err)
		if _, uerr := c.finish(ctx, exec, nil); uerr != nil {
			return exec, uerr
		}
		return exec, domain.NewEngineError(domain.ErrRollbackFailed.Code, exec.FailureReason)
	}
	exec.Outcome = domain.OutcomeRolledBack
	if _, err := c.finish(ctx, exec, nil); err != nil {
		return exec, err
	}
	return exec, cause
}

// finish stamps the end time, persists the record, and returns it with
// the classification error.
func (c *Coordinator) finish(ctx context.Context, exec *domain.PlaybookExecution, cause error) (*domain.PlaybookExecution, error) {
	exec.EndedAtUnix = c.now().Unix()
	if err := c.Executions.Update(ctx, c.DB, *exec); err != nil {
		return exec, err
	}
	c.Logger.Info("execution finished",
		"execution_id", exec.ID, "outcome", string(exec.Outcome), "reason", exec.FailureReason)
	return exec, cause
}

func (c *Coordinator) runSteps(ctx context.Context, exec *domain.PlaybookExecution, steps []domain.Step, targets []domain.ResourceRef, maxRetries int) error {
	for _, step := range steps {
		if err := c.runStep(ctx, exec, step, targets, maxRetries); err != nil {
			return err
		}
	}
	return nil
}

// runStep retries a step up to maxRetries extra attempts, recording one
// StepResult per attempt.
func (c *Coordinator) runStep(ctx context.Context, exec *domain.PlaybookExecution, step domain.Step, targets []domain.ResourceRef, maxRetries int) error {
	attempts := 1 + maxRetries
	var last domain.StepResult
	for attempt := 1; attempt <= attempts; attempt++ {
		last = c.runAttempt(ctx, step, attempt, targets)
		exec.StepResults = append(exec.StepResults, last)
		if last.Success {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	if last.TimedOut {
		return domain.NewEngineError(domain.ErrStepTimeout.Code,
			fmt.Sprintf("step %s timed out after %d attempt(s)", step.ActionRef, len(exec.StepResults)))
	}
	return domain.NewEngineError(domain.ErrStepFailed.Code,
		fmt.Sprintf("step %s failed: %s", step.ActionRef, last.Error))
}

// runAttempt performs a single attempt under the step's own timeout.
func (c *Coordinator) runAttempt(ctx context.Context, step domain.Step, attempt int, targets []domain.ResourceRef) domain.StepResult {
	timeout := time.Duration(step.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := c.now()
	res, err := c.Executor.Apply(stepCtx, step.ActionRef, withTargets(step.Params, targets))
	sr := domain.StepResult{
		ActionRef:  step.ActionRef,
		Attempt:    attempt,
		Output:     res.Output,
		DurationMs: c.now().Sub(start).Milliseconds(),
	}
	if err != nil {
		sr.Error = err.Error()
		sr.TimedOut = errors.Is(err, context.DeadlineExceeded) || errors.Is(stepCtx.Err(), context.DeadlineExceeded)
	} else {
		sr.Success = true
	}
	return sr
}

// runProgressive applies the steps to growing subsets of the affected
// resources, probing for an error-rate regression between stages.
func (c *Coordinator) runProgressive(ctx context.Context, exec *domain.PlaybookExecution, inc *domain.Incident, pb domain.Playbook) error {
	all := inc.AffectedResources
	done := 0
	for i, frac := range rolloutFractions {
		upto := stageCount(len(all), frac)
		if upto <= done {
			continue
		}
		stage := all[done:upto]
		c.Logger.Info("rollout stage",
			"execution_id", exec.ID, "stage", i+1,
			"fraction", frac, "resources", len(stage))
		if err := c.runSteps(ctx, exec, pb.Steps, stage, pb.Safety.MaxRetries); err != nil {
			return err
		}
		done = upto
		if done == len(all) {
			return nil
		}

		if err := c.sleep(ctx, c.Config.StageWait); err != nil {
			return err
		}
		delta, err := c.Probe.ErrorRateDelta(ctx, all[:done])
		if err != nil {
			return domain.NewEngineError(domain.ErrRolloutAborted.Code,
				fmt.Sprintf("health probe after stage %d: %v", i+1, err))
		}
		if delta > c.Config.AbortErrorRateDelta {
			return domain.NewEngineError(domain.ErrRolloutAborted.Code,
				fmt.Sprintf("error rate rose %.3f after stage %d (threshold %.3f)", delta, i+1, c.Config.AbortErrorRateDelta))
		}
	}
	return nil
}

// stageCount maps a cumulative fraction to a resource count, at least 1.
func stageCount(total int, frac float64) int {
	n := int(math.Ceil(frac * float64(total)))
	if n < 1 {
		n = 1
	}
	if n > total {
		n = total
	}
	return n
}

// withTargets copies params and injects the stage's resource ids so the
// executor knows what to act on.
func withTargets(params map[string]string, targets []domain.ResourceRef) map[string]string {
	out := make(map[string]string, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	ids := make([]string, len(targets))
	for i, r := range targets {
		ids[i] = r.ID
	}
	out["targets"] = strings.Join(ids, ",")
	return out
}
