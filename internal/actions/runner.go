// Package actions bridges the engine's outbound interfaces to
// operator-supplied executables. Each action_ref names a program under
// the actions directory; parameters and targets travel as environment
// variables so the scripts stay shell-agnostic.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/opsloop/selfheal/internal/domain"
	"github.com/opsloop/selfheal/internal/remediation"
)

// Well-known programs the verification engine calls besides per-playbook
// action refs.
const (
	snapshotProgram = "snapshot"
	baselineProgram = "baseline"
	deltaProgram    = "error-rate-delta"
)

// CommandRunner executes actions as subprocesses. It implements
// remediation.ActionExecutor, remediation.HealthProbe, and the
// verification engine's HealthChecker and BaselineProvider.
type CommandRunner struct {
	Dir    string
	Logger *slog.Logger
}

// NewCommandRunner creates a runner rooted at dir.
func NewCommandRunner(dir string, logger *slog.Logger) *CommandRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandRunner{Dir: dir, Logger: logger}
}

// Apply runs the named action with its parameters in the environment.
func (r *CommandRunner) Apply(ctx context.Context, actionRef string, params map[string]string) (remediation.ActionResult, error) {
	env := make([]string, 0, len(params))
	for k, v := range params {
		env = append(env, "SELFHEAL_PARAM_"+envKey(k)+"="+v)
	}
	out, err := r.run(ctx, actionRef, env)
	if err != nil {
		return remediation.ActionResult{}, err
	}
	return remediation.ActionResult{Output: strings.TrimSpace(string(out))}, nil
}

// RunCheck executes a health check's action ref against the resources.
func (r *CommandRunner) RunCheck(ctx context.Context, check domain.Check, resources []domain.ResourceRef) error {
	_, err := r.run(ctx, check.ActionRef, resourceEnv(resources))
	return err
}

// Snapshot samples current metric values via the snapshot program, which
// prints a JSON object of metric name to value.
func (r *CommandRunner) Snapshot(ctx context.Context, resources []domain.ResourceRef) (domain.MetricsSnapshot, error) {
	out, err := r.run(ctx, snapshotProgram, resourceEnv(resources))
	if err != nil {
		return nil, err
	}
	var snap domain.MetricsSnapshot
	if err := json.Unmarshal(out, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot output: %w", err)
	}
	return snap, nil
}

// Baseline fetches the pre-incident metric values via the baseline
// program. The reference time travels as SELFHEAL_AT.
func (r *CommandRunner) Baseline(ctx context.Context, resources []domain.ResourceRef, at time.Time) (domain.MetricsSnapshot, error) {
	env := append(resourceEnv(resources), "SELFHEAL_AT="+strconv.FormatInt(at.Unix(), 10))
	out, err := r.run(ctx, baselineProgram, env)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrBaselineUnavailable.Code, "baseline program", err)
	}
	var snap domain.MetricsSnapshot
	if err := json.Unmarshal(out, &snap); err != nil {
		return nil, fmt.Errorf("parse baseline output: %w", err)
	}
	return snap, nil
}

// ErrorRateDelta reports the error-rate change for a resource set, read
// from the error-rate-delta program's single float output.
func (r *CommandRunner) ErrorRateDelta(ctx context.Context, resources []domain.ResourceRef) (float64, error) {
	out, err := r.run(ctx, deltaProgram, resourceEnv(resources))
	if err != nil {
		return 0, err
	}
	delta, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse error-rate delta: %w", err)
	}
	return delta, nil
}

func (r *CommandRunner) run(ctx context.Context, name string, env []string) ([]byte, error) {
	// Refuse path traversal out of the actions directory.
	clean := filepath.Clean(name)
	if clean != name || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("invalid action ref %q", name)
	}
	path := filepath.Join(r.Dir, clean)

	cmd := exec.CommandContext(ctx, path)
	cmd.Env = append(os.Environ(), env...)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("action %s: %w: %s", name, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("action %s: %w", name, err)
	}
	r.Logger.Debug("action completed", "action_ref", name)
	return out, nil
}

func resourceEnv(resources []domain.ResourceRef) []string {
	ids := make([]string, len(resources))
	for i, res := range resources {
		ids[i] = res.ID
	}
	return []string{"SELFHEAL_TARGETS=" + strings.Join(ids, ",")}
}

func envKey(k string) string {
	var b strings.Builder
	for _, c := range strings.ToUpper(k) {
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
