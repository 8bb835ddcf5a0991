package vega

import (
	"errors"
	"fmt"
)

// Validation errors. Rejected synchronously; nothing is mutated.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidAmount     = errors.New("invalid budget amount")
	ErrMissingPrompt     = errors.New("prompt is required")
	ErrUnknownProfile    = errors.New("unknown capability profile")
	ErrInvalidTopic      = errors.New("invalid topic")
	ErrAlreadyRegistered = errors.New("agent already registered")
)

// Budget invariant violations. Both ledgers are left exactly as they were.
var (
	ErrInsufficientBudget = errors.New("insufficient budget")
	ErrBelowCommitted     = errors.New("allocation cannot be less than spent plus committed")
	ErrBudgetExceeded     = errors.New("budget exceeded")
)

// Consensus engine failures. The turn is abandoned; the agent stays alive.
var (
	ErrConsensusTimeout   = errors.New("consensus timed out")
	ErrNoModelsConfigured = errors.New("no models configured")
	ErrAllModelsDeclined  = errors.New("all models declined")
)

// Missing-target errors. Surfaced as notices, never fatal to the caller.
var (
	ErrAgentNotFound     = errors.New("agent not found")
	ErrTaskNotFound      = errors.New("task not found")
	ErrChildNotFound     = errors.New("child not found")
	ErrProcessNotRunning = errors.New("process is not running")
)

// Lifecycle errors.
var (
	ErrNoPersistedAgents = errors.New("no persisted agents")
	ErrTaskNotPaused     = errors.New("task is not paused")
	ErrTaskNotRunning    = errors.New("task is not running")
	ErrCapabilityDenied  = errors.New("capability not granted")
	ErrUnknownAction     = errors.New("unknown action")
	ErrTimeout           = errors.New("operation timed out")
)

// AgentError wraps an error with the agent it concerns.
type AgentError struct {
	AgentID string
	TaskID  string
	Err     error
}

func (e *AgentError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("agent %s (task %s): %v", e.AgentID, e.TaskID, e.Err)
	}
	return fmt.Sprintf("agent %s: %v", e.AgentID, e.Err)
}

func (e *AgentError) Unwrap() error {
	return e.Err
}

// BudgetError describes a rejected ledger operation.
type BudgetError struct {
	Op        string
	Requested string
	Available string
	Err       error
}

func (e *BudgetError) Error() string {
	if e.Available != "" {
		return fmt.Sprintf("%s %s: %v (available %s)", e.Op, e.Requested, e.Err, e.Available)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Requested, e.Err)
}

func (e *BudgetError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a caller input error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrMissingPrompt) ||
		errors.Is(err, ErrUnknownProfile) ||
		errors.Is(err, ErrInvalidTopic) ||
		errors.Is(err, ErrAlreadyRegistered)
}

// IsBudget reports whether err is a rejected ledger operation.
func IsBudget(err error) bool {
	return errors.Is(err, ErrInsufficientBudget) ||
		errors.Is(err, ErrBelowCommitted) ||
		errors.Is(err, ErrBudgetExceeded)
}

// IsConsensus reports whether err came from the consensus engine.
func IsConsensus(err error) bool {
	return errors.Is(err, ErrConsensusTimeout) ||
		errors.Is(err, ErrNoModelsConfigured) ||
		errors.Is(err, ErrAllModelsDeclined)
}

// IsNotice reports whether err only means the target vanished.
func IsNotice(err error) bool {
	return errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrChildNotFound) ||
		errors.Is(err, ErrProcessNotRunning)
}
