package rete

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownFactHandle is returned by Retract, Update and the introspection
// methods when the handle does not identify a fact known to the engine.
// The operation has no side effects.
var ErrUnknownFactHandle = errors.New("unknown fact handle")

// ErrMaxCyclesExceeded is returned by FireAll when the number of
// fire/propagate iterations exceeds the engine's cycle limit. Effects applied
// before the limit was reached are kept; this is a safety stop, not a
// rollback.
var ErrMaxCyclesExceeded = errors.New("maximum rule firing cycles exceeded")

// ErrJustificationCycle is returned when adding a logical justification
// would make a fact support itself, directly or through other facts.
// The justification is rejected and no state changes.
var ErrJustificationCycle = errors.New("justification cycle")

// ErrRuleNotFound is returned when a rule ID does not identify a rule
// known to the engine.
var ErrRuleNotFound = errors.New("rule not found")

// ErrUnknownFactType is returned when a fact type has no schema. Schemas
// must be added before rules or facts that refer to them.
var ErrUnknownFactType = errors.New("unknown fact type")

// A ConditionError reports that a condition test could not be evaluated
// against a fact, for example because an any-typed field held a value the
// operator does not apply to. The test is treated as failed for that fact
// only; evaluation of other conditions and rules continues.
type ConditionError struct {
	// ID of the rule the condition belongs to
	RuleID string

	// Fact the test was applied to
	Handle FactHandle

	// Field being tested, if the failure is attributable to one
	Field string

	// The underlying failure
	Err error
}

func (c *ConditionError) Error() string {
	if c.Field != "" {
		return fmt.Sprintf("rule %s: testing field %q of fact %d: %v", c.RuleID, c.Field, c.Handle, c.Err)
	}
	return fmt.Sprintf("rule %s: testing fact %d: %v", c.RuleID, c.Handle, c.Err)
}

func (c *ConditionError) Unwrap() error { return c.Err }

// ConditionErrors collects the condition test failures encountered during
// one propagation pass. It is returned as the error value of the entry point
// (Insert, Retract, Update or FireAll) that triggered the pass.
//
// A non-nil ConditionErrors does not mean the operation failed: the fact
// change was applied and propagated everywhere it could be evaluated. Only
// the facts and conditions listed here were skipped.
type ConditionErrors struct {
	Errs []*ConditionError
}

func (c *ConditionErrors) Error() string {
	s := make([]string, len(c.Errs))
	for i, e := range c.Errs {
		s[i] = e.Error()
	}
	return fmt.Sprintf("%d condition evaluation failure(s): %s", len(c.Errs), strings.Join(s, "; "))
}

// conditionErrs wraps a list of condition failures as an error, or nil if
// there were none.
func conditionErrs(errs []*ConditionError) error {
	if len(errs) == 0 {
		return nil
	}
	return &ConditionErrors{Errs: errs}
}

// asConditionErrors unwraps err to a *ConditionErrors if it is one.
func asConditionErrors(err error) *ConditionErrors {
	var ce *ConditionErrors
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}
