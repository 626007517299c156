package generation

import (
	"errors"
	"fmt"
	"strings"

	"launchpath/internal/budget"
)

var (
	ErrSecurityThreatDetected = errors.New("security threat detected")
	ErrCostCeilingExceeded    = errors.New("cost ceiling exceeded")
	ErrAIKillSwitchActive     = errors.New("ai generation disabled")
)

// SecurityThreatError lists the threats found in a task's inputs.
type SecurityThreatError struct {
	Feature string
	Threats []string
}

func (e *SecurityThreatError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Feature, ErrSecurityThreatDetected, strings.Join(e.Threats, "; "))
}

func (e *SecurityThreatError) Unwrap() error { return ErrSecurityThreatDetected }

// BudgetError carries the guard decision that denied the call. Err is
// ErrAIKillSwitchActive or ErrCostCeilingExceeded.
type BudgetError struct {
	Decision budget.Decision
	Err      error
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("%v: %s (%d/%d tokens, %d%%)", e.Err, e.Decision.Reason, e.Decision.Used, e.Decision.Limit, e.Decision.Percent)
}

func (e *BudgetError) Unwrap() error { return e.Err }

func budgetError(dec budget.Decision) *BudgetError {
	err := ErrCostCeilingExceeded
	if dec.Cause == budget.CauseKillSwitch {
		err = ErrAIKillSwitchActive
	}
	return &BudgetError{Decision: dec, Err: err}
}
