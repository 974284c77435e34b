// Package verification decides whether a remediation actually worked.
// It walks each execution through four phases (immediate, short-term,
// functional, stability) and recommends close, rollback, or human review.
package verification

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opsloop/selfheal/internal/domain"
	"github.com/opsloop/selfheal/internal/store"
)

// HealthChecker runs named probes and samples live metrics for a
// resource set. Monitored metrics follow a lower-is-better convention
// (error rates, latencies, saturation).
type HealthChecker interface {
	// RunCheck executes one probe; nil means the check passed.
	RunCheck(ctx context.Context, check domain.Check, resources []domain.ResourceRef) error
	// Snapshot samples the current values of the monitored metrics.
	Snapshot(ctx context.Context, resources []domain.ResourceRef) (domain.MetricsSnapshot, error)
}

// BaselineProvider returns the expected metric values for a resource set
// at a moment in time, from a matching hour-of-day/day-of-week window.
type BaselineProvider interface {
	Baseline(ctx context.Context, resources []domain.ResourceRef, at time.Time) (domain.MetricsSnapshot, error)
}

// Config holds the verification windows and thresholds.
type Config struct {
	// ImmediateDelay is the settle time before immediate checks run.
	ImmediateDelay time.Duration
	// ShortTermWindow is how long the short-term monitor watches trends.
	ShortTermWindow time.Duration
	// SampleInterval is the gap between short-term metric samples.
	SampleInterval time.Duration
	// StabilityWindow is how long to wait before the baseline comparison.
	StabilityWindow time.Duration
	// WorseningDelta is the mean relative metric increase across the
	// short-term window that counts as a worsening trend.
	WorseningDelta float64
	// MinPassRate is the smoke-check pass rate below which the
	// remediation is considered partial.
	MinPassRate float64
}

// DefaultConfig returns the stock verification windows.
func DefaultConfig() Config {
	return Config{
		ImmediateDelay:  10 * time.Second,
		ShortTermWindow: 3 * time.Minute,
		SampleInterval:  30 * time.Second,
		StabilityWindow: 10 * time.Minute,
		WorseningDelta:  0.10,
		MinPassRate:     0.9,
	}
}

// Engine drives post-execution verification. One call to Verify owns the
// whole phase sequence; every phase outcome is persisted with the metric
// snapshot that triggered it.
type Engine struct {
	DB       *sql.DB
	Results  *store.VerificationRepo
	Checker  HealthChecker
	Baseline BaselineProvider
	Logger   *slog.Logger
	Config   Config

	// Observe, when set, is told about every persisted phase outcome.
	Observe func(phase domain.VerificationPhase, passed bool)

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine wires a verification Engine.
func NewEngine(db *sql.DB, checker HealthChecker, baseline BaselineProvider, logger *slog.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		DB:       db,
		Results:  &store.VerificationRepo{},
		Checker:  checker,
		Baseline: baseline,
		Logger:   logger,
		Config:   cfg,
		now:      time.Now,
		sleep:    sleepCtx,
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

// Verify walks the phases in order and returns the final recommendation:
// close (healthy), rollback (regressed), or continue_monitoring
// (uncertain, needs a human). Any phase that persists a rollback or
// uncertain recommendation short-circuits the rest.
func (e *Engine) Verify(ctx context.Context, inc *domain.Incident, pb domain.Playbook, exec *domain.PlaybookExecution) (domain.Recommendation, error) {
	if err := e.sleep(ctx, e.Config.ImmediateDelay); err != nil {
		return domain.RecommendContinueMonitoring, err
	}
	rec, err := e.immediate(ctx, inc, pb, exec)
	if err != nil || rec != domain.RecommendClose {
		return rec, err
	}
	rec, err = e.shortTerm(ctx, inc, exec)
	if err != nil || rec != domain.RecommendClose {
		return rec, err
	}
	rec, err = e.functional(ctx, inc, pb, exec)
	if err != nil || rec != domain.RecommendClose {
		return rec, err
	}
	return e.stability(ctx, inc, pb, exec)
}

// immediate runs the playbook's immediate checks. Any failure means the
// remediation visibly broke something: roll back now.
func (e *Engine) immediate(ctx context.Context, inc *domain.Incident, pb domain.Playbook, exec *domain.PlaybookExecution) (domain.Recommendation, error) {
	for _, check := range pb.Verification.ImmediateChecks {
		if err := e.Checker.RunCheck(ctx, check, inc.AffectedResources); err != nil {
			e.Logger.Warn("immediate check failed",
				"execution_id", exec.ID, "check", check.Name, "error", err)
			return e.record(ctx, exec, domain.PhaseImmediate, false, nil, nil, 0, domain.RecommendRollback)
		}
	}
	snap := e.trySnapshot(ctx, inc)
	return e.record(ctx, exec, domain.PhaseImmediate, true, snap, nil, 1, domain.RecommendClose)
}

// shortTerm samples metrics across the window and rolls back on a
// worsening trend.
func (e *Engine) shortTerm(ctx context.Context, inc *domain.Incident, exec *domain.PlaybookExecution) (domain.Recommendation, error) {
	first, err := e.Checker.Snapshot(ctx, inc.AffectedResources)
	if err != nil {
		return domain.RecommendContinueMonitoring, err
	}
	deadline := e.now().Add(e.Config.ShortTermWindow)
	last := first
	for e.now().Before(deadline) {
		if err := e.sleep(ctx, e.Config.SampleInterval); err != nil {
			return domain.RecommendContinueMonitoring, err
		}
		last, err = e.Checker.Snapshot(ctx, inc.AffectedResources)
		if err != nil {
			return domain.RecommendContinueMonitoring, err
		}
		if meanRelativeIncrease(first, last) > e.Config.WorseningDelta {
			e.Logger.Warn("short-term trend worsening", "execution_id", exec.ID)
			return e.record(ctx, exec, domain.PhaseShortTerm, false, last, first, 0, domain.RecommendRollback)
		}
	}
	return e.record(ctx, exec, domain.PhaseShortTerm, true, last, first, 1, domain.RecommendClose)
}

// functional runs the smoke-check set. A pass rate below the floor means
// the remediation only partially worked: hand it to a human rather than
// rolling back a half-good state.
func (e *Engine) functional(ctx context.Context, inc *domain.Incident, pb domain.Playbook, exec *domain.PlaybookExecution) (domain.Recommendation, error) {
	checks := pb.Verification.SmokeChecks
	if len(checks) == 0 {
		return e.record(ctx, exec, domain.PhaseFunctional, true, nil, nil, 1, domain.RecommendClose)
	}
	passed := 0
	for _, check := range checks {
		if err := e.Checker.RunCheck(ctx, check, inc.AffectedResources); err != nil {
			e.Logger.Warn("smoke check failed",
				"execution_id", exec.ID, "check", check.Name, "error", err)
			continue
		}
		passed++
	}
	rate := float64(passed) / float64(len(checks))
	if rate < e.Config.MinPassRate {
		return e.record(ctx, exec, domain.PhaseFunctional, false, nil, nil, rate, domain.RecommendContinueMonitoring)
	}
	return e.record(ctx, exec, domain.PhaseFunctional, true, nil, nil, rate, domain.RecommendClose)
}

// stability compares live metrics to the historical baseline after the
// stability window. Within tolerance closes the incident; outside it
// the result is uncertain, never an automatic rollback this late.
func (e *Engine) stability(ctx context.Context, inc *domain.Incident, pb domain.Playbook, exec *domain.PlaybookExecution) (domain.Recommendation, error) {
	if err := e.sleep(ctx, e.Config.StabilityWindow); err != nil {
		return domain.RecommendContinueMonitoring, err
	}
	current, err := e.Checker.Snapshot(ctx, inc.AffectedResources)
	if err != nil {
		return domain.RecommendContinueMonitoring, err
	}
	baseline, err := e.Baseline.Baseline(ctx, inc.AffectedResources, e.now())
	if err != nil {
		e.Logger.Warn("baseline unavailable", "execution_id", exec.ID, "error", err)
		rec, rerr := e.record(ctx, exec, domain.PhaseStability, false, current, nil, 0, domain.RecommendContinueMonitoring)
		if rerr != nil {
			return rec, rerr
		}
		return rec, domain.WrapEngineError(domain.ErrBaselineUnavailable.Code, "stability comparison", err)
	}
	tolerance := pb.Verification.BaselineTolerance
	if withinTolerance(current, baseline, tolerance) {
		return e.record(ctx, exec, domain.PhaseStability, true, current, baseline, 1, domain.RecommendClose)
	}
	return e.record(ctx, exec, domain.PhaseStability, false, current, baseline, 0, domain.RecommendContinueMonitoring)
}

// record persists one phase outcome with its snapshots and passes the
// recommendation through.
func (e *Engine) record(ctx context.Context, exec *domain.PlaybookExecution, phase domain.VerificationPhase, passed bool, snap, baseline domain.MetricsSnapshot, passRate float64, rec domain.Recommendation) (domain.Recommendation, error) {
	vr := domain.VerificationResult{
		ID:                 uuid.NewString(),
		ExecutionID:        exec.ID,
		Phase:              phase,
		Passed:             passed,
		Snapshot:           snap,
		BaselineComparison: baseline,
		PassRate:           passRate,
		Recommendation:     rec,
		CreatedAtUnix:      e.now().Unix(),
	}
	if err := e.Results.Create(ctx, e.DB, vr); err != nil {
		return rec, err
	}
	exec.VerificationResultID = vr.ID
	if e.Observe != nil {
		e.Observe(phase, passed)
	}
	e.Logger.Info("verification phase",
		"execution_id", exec.ID, "phase", string(phase),
		"passed", passed, "recommendation", string(rec))
	return rec, nil
}

func (e *Engine) trySnapshot(ctx context.Context, inc *domain.Incident) domain.MetricsSnapshot {
	snap, err := e.Checker.Snapshot(ctx, inc.AffectedResources)
	if err != nil {
		return nil
	}
	return snap
}

// meanRelativeIncrease averages the relative growth of each metric both
// snapshots share. Positive means the system is getting worse.
func meanRelativeIncrease(first, last domain.MetricsSnapshot) float64 {
	var sum float64
	var n int
	for name, f := range first {
		l, ok := last[name]
		if !ok || f == 0 {
			continue
		}
		sum += (l - f) / f
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// withinTolerance reports whether every shared metric sits within the
// relative tolerance band around its baseline value.
func withinTolerance(current, baseline domain.MetricsSnapshot, tolerance float64) bool {
	for name, b := range baseline {
		c, ok := current[name]
		if !ok {
			continue
		}
		if b == 0 {
			if c != 0 {
				return false
			}
			continue
		}
		dev := (c - b) / b
		if dev < 0 {
			dev = -dev
		}
		if dev > tolerance {
			return false
		}
	}
	return true
}
