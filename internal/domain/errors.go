package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrRateLimited    = errors.New("rate limited")
	ErrLockHeld       = errors.New("lock already held")
	ErrInvalidShares  = errors.New("profit shares exceed 10000 bps")
	ErrReentrantCall  = errors.New("execution already in progress")
	ErrOrphanCallback = errors.New("loan callback without outstanding request")

	// Admission.
	ErrCircuitBreakerTripped = errors.New("circuit breaker tripped")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrGasPriceTooHigh       = errors.New("gas price too high")
	ErrMevProtectionActive   = errors.New("mev protection active")

	// Validation.
	ErrMalformedRoute   = errors.New("malformed route")
	ErrRouteBlacklisted = errors.New("route blacklisted")
	ErrDeadlineExpired  = errors.New("deadline expired")

	// Execution.
	ErrSlippageExceeded = errors.New("slippage exceeded")
	ErrVenueUnavailable = errors.New("venue unavailable")

	// Profitability.
	ErrInsufficientProjectedProfit = errors.New("insufficient projected profit")
	ErrInsufficientRealizedProfit  = errors.New("insufficient realized profit")

	// Repayment and ledger.
	ErrRepaymentShortfall    = errors.New("repayment shortfall")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
)

// ErrorClass groups failures by the point at which they are detected.
type ErrorClass string

const (
	ClassNone          ErrorClass = ""
	ClassAdmission     ErrorClass = "admission"
	ClassValidation    ErrorClass = "validation"
	ClassExecution     ErrorClass = "execution"
	ClassProfitability ErrorClass = "profitability"
	ClassRepayment     ErrorClass = "repayment"
	ClassInternal      ErrorClass = "internal"
)

// Classify maps an error onto its taxonomy class.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrCircuitBreakerTripped),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrGasPriceTooHigh),
		errors.Is(err, ErrMevProtectionActive):
		return ClassAdmission
	case errors.Is(err, ErrMalformedRoute),
		errors.Is(err, ErrRouteBlacklisted),
		errors.Is(err, ErrDeadlineExpired):
		return ClassValidation
	case errors.Is(err, ErrSlippageExceeded),
		errors.Is(err, ErrVenueUnavailable):
		return ClassExecution
	case errors.Is(err, ErrInsufficientProjectedProfit),
		errors.Is(err, ErrInsufficientRealizedProfit):
		return ClassProfitability
	case errors.Is(err, ErrRepaymentShortfall):
		return ClassRepayment
	default:
		return ClassInternal
	}
}

// Stage names the pipeline point where an execution failed.
type Stage string

const (
	StageAdmission  Stage = "admission"
	StageValidation Stage = "validation"
	StagePreCheck   Stage = "precheck"
	StageLoan       Stage = "loan"
	StageCallback   Stage = "callback"
	StageSwap       Stage = "swap"
	StageProfit     Stage = "profit"
	StageRepayment  Stage = "repayment"
	StageDistribute Stage = "distribute"
)

// ExecutionError records where an execution stopped. Step is 0 before the
// first leg, the 1-based leg index for swap failures and the final leg index
// for anything after the route completed.
type ExecutionError struct {
	Stage Stage
	Step  int
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s (step %d): %v", e.Stage, e.Step, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// StageOf extracts stage and step from err, if it carries them.
func StageOf(err error) (Stage, int) {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Stage, ee.Step
	}
	return "", 0
}
