package domain

import "fmt"

// EngineError is the unified error type for the engine.
// Each error has a numeric code and human-readable message.
type EngineError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// Is allows errors.Is matching against the sentinel values by code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && t.Code == e.Code
}

// NewEngineError creates a new EngineError.
func NewEngineError(code int, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(code int, msg string, cause error) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

// ---- Lifecycle / ingest errors (-32010 to -32039) ----

var (
	ErrIncidentNotFound  = &EngineError{Code: -32010, Message: "incident not found"}
	ErrInvalidTransition = &EngineError{Code: -32011, Message: "invalid incident state transition"}
	ErrIncidentTerminal  = &EngineError{Code: -32012, Message: "incident is in a terminal state"}
	ErrOptimisticLock    = &EngineError{Code: -32013, Message: "optimistic lock conflict: incident was modified concurrently"}
	ErrDuplicateIncident = &EngineError{Code: -32014, Message: "incident already exists"}
	ErrNotEscalated      = &EngineError{Code: -32015, Message: "incident is not escalated"}
	ErrDuplicateEvent    = &EngineError{Code: -32016, Message: "duplicate incident event sequence number"}
)

// ---- Safety gate / breaker / lock errors (-32040 to -32069) ----

var (
	ErrBreakerOpen  = &EngineError{Code: -32040, Message: "circuit breaker open"}
	ErrGateDenied   = &EngineError{Code: -32041, Message: "safety gate denied remediation"}
	ErrLockConflict = &EngineError{Code: -32042, Message: "resource lock held by another incident"}
	ErrLockNotHeld  = &EngineError{Code: -32043, Message: "resource lock not held by this incident"}
)

// ---- Catalog / selector errors (-32070 to -32099) ----

var (
	ErrPlaybookNotFound = &EngineError{Code: -32070, Message: "playbook not found"}
	ErrNoCandidate      = &EngineError{Code: -32071, Message: "no candidate playbook for category and blast radius"}
	ErrPlaybookInvalid  = &EngineError{Code: -32072, Message: "playbook validation failed"}
	ErrVersionConflict  = &EngineError{Code: -32073, Message: "playbook version already exists"}
)

// ---- Execution / rollback errors (-32100 to -32129) ----

var (
	ErrPrecondition        = &EngineError{Code: -32100, Message: "precondition check failed"}
	ErrStepFailed          = &EngineError{Code: -32101, Message: "remediation step failed"}
	ErrStepTimeout         = &EngineError{Code: -32102, Message: "remediation step timed out"}
	ErrExecutionCancelled  = &EngineError{Code: -32103, Message: "execution cancelled by operator"}
	ErrRollbackUnavailable = &EngineError{Code: -32104, Message: "no rollback procedure defined"}
	ErrRollbackFailed      = &EngineError{Code: -32105, Message: "rollback procedure failed"}
	ErrRolloutAborted      = &EngineError{Code: -32106, Message: "progressive rollout aborted on regression"}
	ErrExecutionInFlight   = &EngineError{Code: -32107, Message: "incident already has an execution in flight"}
)

// ---- Verification errors (-32130 to -32159) ----

var (
	ErrBaselineUnavailable = &EngineError{Code: -32130, Message: "baseline metrics unavailable"}
	ErrCheckFailed         = &EngineError{Code: -32131, Message: "health check failed"}
)

// ---- Store / config errors (-32160 to -32189) ----

var (
	ErrStoreInit     = &EngineError{Code: -32160, Message: "failed to initialize store"}
	ErrStoreQuery    = &EngineError{Code: -32161, Message: "store query failed"}
	ErrStoreWrite    = &EngineError{Code: -32162, Message: "store write failed"}
	ErrConfigInvalid = &EngineError{Code: -32163, Message: "invalid configuration"}
)
