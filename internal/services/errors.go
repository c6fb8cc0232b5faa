package services

import (
	"errors"
	"fmt"
)

// Failure taxonomy for generation runs. Handlers map these onto HTTP status
// codes; the worker maps them onto run status + user-facing message.
var (
	// ErrAmbiguous means intent resolution could not commit to an operation.
	// Fail closed: never guess a mutation.
	ErrAmbiguous = errors.New("request is ambiguous")

	// ErrGenerationTimeout wraps a model call that exceeded its deadline.
	ErrGenerationTimeout = errors.New("generation timed out")

	// ErrRateLimited wraps an upstream 429 that survived the retry budget.
	ErrRateLimited = errors.New("generation rate limited")

	// ErrRetryBudgetExhausted means validation kept failing after the maximum
	// number of repair attempts. The scene keeps its last good code.
	ErrRetryBudgetExhausted = errors.New("fix retry budget exhausted")

	// ErrSceneLocked is returned on non-blocking lock probes when another run
	// holds the scene.
	ErrSceneLocked = errors.New("scene is locked by another run")

	// ErrCascadeIntegrityViolation means a project delete found scenes with
	// active runs and refused to proceed.
	ErrCascadeIntegrityViolation = errors.New("project has active scene runs")

	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// ValidationError carries the individual findings from a failed code check
// so the repair prompt can quote them back to the model.
type ValidationError struct {
	Findings []string
}

func (e *ValidationError) Error() string {
	if len(e.Findings) == 1 {
		return fmt.Sprintf("validation failed: %s", e.Findings[0])
	}
	return fmt.Sprintf("validation failed with %d findings", len(e.Findings))
}

func NewValidationError(findings ...string) *ValidationError {
	return &ValidationError{Findings: findings}
}
