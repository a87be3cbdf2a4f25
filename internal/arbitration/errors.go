package arbitration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arbiterhq/arbiter/internal/compliance"
)

// ValidationError reports malformed request or context input.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// NoSuitableModelError means candidate enumeration produced an empty set.
type NoSuitableModelError struct {
	Reason string
}

func (e *NoSuitableModelError) Error() string {
	return "no suitable model: " + e.Reason
}

// RateLimitExceededError is returned by the limiter gate.
type RateLimitExceededError struct {
	Key     string
	RetryAt time.Time
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s", e.Key)
}

// InsufficientBudgetError is returned by the budget gate.
type InsufficientBudgetError struct {
	Reason string
}

func (e *InsufficientBudgetError) Error() string {
	return "insufficient budget: " + e.Reason
}

// CircuitOpenError means the provider or model circuit rejected the call.
type CircuitOpenError struct {
	CircuitID string
}

func (e *CircuitOpenError) Error() string {
	return "circuit open: " + e.CircuitID
}

// ProviderError wraps an upstream failure with its HTTP status.
type ProviderError struct {
	ProviderID string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed (status %d): %v", e.ProviderID, e.StatusCode, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ComplianceError reports the violations that blocked a request.
type ComplianceError struct {
	Violations []compliance.Violation
}

func (e *ComplianceError) Error() string {
	if len(e.Violations) == 0 {
		return "compliance violation"
	}
	return fmt.Sprintf("compliance violation: %s (%s)", e.Violations[0].Rule, e.Violations[0].Detail)
}

// AllModelsFailedError means the primary and every fallback failed. It wraps
// the primary's error.
type AllModelsFailedError struct {
	Attempts int
	Err      error
}

func (e *AllModelsFailedError) Error() string {
	return fmt.Sprintf("all models failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *AllModelsFailedError) Unwrap() error { return e.Err }

// StoreError wraps persistence failures on paths where they must surface.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Classify maps an error to its class name for logs and decision rows.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var (
		ve  *ValidationError
		ns  *NoSuitableModelError
		rl  *RateLimitExceededError
		ib  *InsufficientBudgetError
		co  *CircuitOpenError
		pe  *ProviderError
		ce  *ComplianceError
		am  *AllModelsFailedError
		se  *StoreError
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &ns):
		return "no_suitable_model"
	case errors.As(err, &rl):
		return "rate_limit_exceeded"
	case errors.As(err, &ib):
		return "insufficient_budget"
	case errors.As(err, &co):
		return "circuit_open"
	case errors.As(err, &am):
		return "all_models_failed"
	case errors.As(err, &pe):
		return "provider_error"
	case errors.As(err, &ce):
		return "compliance_violation"
	case errors.As(err, &se):
		return "store_error"
	}
	return "internal"
}
