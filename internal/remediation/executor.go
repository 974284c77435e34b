// Package remediation runs playbook steps against the external action
// executor, with per-step timeouts, retries, progressive rollout and
// operator cancellation, and undoes them through the rollback manager.
package remediation

import (
	"context"

	"github.com/opsloop/selfheal/internal/domain"
)

// ActionResult is what the external executor reports for one action.
type ActionResult struct {
	Output string
}

// ActionExecutor is the outbound capability that performs real actions.
// The engine treats it as a black box: a nil error means the action took
// effect, anything else is a step failure. Implementations must honor
// ctx cancellation and deadlines.
type ActionExecutor interface {
	Apply(ctx context.Context, actionRef string, params map[string]string) (ActionResult, error)
}

// HealthProbe reports the error-rate delta for a resource set relative to
// its pre-remediation level. Progressive rollout aborts when the delta
// exceeds the configured threshold between stages.
type HealthProbe interface {
	ErrorRateDelta(ctx context.Context, resources []domain.ResourceRef) (float64, error)
}

// ActionExecutorFunc adapts a function to the ActionExecutor interface.
type ActionExecutorFunc func(ctx context.Context, actionRef string, params map[string]string) (ActionResult, error)

func (f ActionExecutorFunc) Apply(ctx context.Context, actionRef string, params map[string]string) (ActionResult, error) {
	return f(ctx, actionRef, params)
}
