package rete

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// Vault provides hot-reloadable rule management: rules can be added,
// replaced and deleted while the engine is in use, without the callers
// seeing a half-changed rule set. A compiled network cannot have rules
// removed from it, so the vault rebuilds: it constructs a fresh engine
// with the mutated rule set, replays the current explicit facts into it,
// fires it to re-derive the logical facts, and swaps it in atomically.
// On any error the current engine stays in place, untouched.
//
// Current returns an immutable snapshot: once swapped out, an engine is
// never mutated by the vault again. Fact handles are assigned anew during
// the replay, so handles must not be held across a swap.
//
// Facts asserted between the start of ApplyMutations and the swap are not
// carried over; serialize fact changes with rule-set changes (the vault
// only serializes concurrent ApplyMutations calls against each other).
type Vault struct {
	current atomic.Pointer[Engine]
	mu      sync.Mutex // serializes ApplyMutations
}

// RuleMutation defines a single change to the rule set
type RuleMutation struct {
	// Required; ID of the rule being changed, added or deleted
	ID string

	// Rule is the new rule that will replace an existing rule with the
	// same ID, or be added. If Rule is nil, the rule with ID is deleted.
	Rule *Rule
}

// NewVault creates a Vault holding the engine. The engine's options
// (evaluator, action handler, logger, cycle limit) carry over to the
// engines built by ApplyMutations.
func NewVault(engine *Engine) *Vault {
	v := &Vault{}
	v.current.Store(engine)
	return v
}

// Current returns the engine holding the current rule set.
func (v *Vault) Current() *Engine {
	return v.current.Load()
}

// ApplyMutations makes the changes to the rule set and swaps the rebuilt
// engine in. The returned FireResult describes the re-derivation of
// logical facts in the new engine; rules whose actions have external side
// effects will run them again during the replay.
func (v *Vault) ApplyMutations(mutations []RuleMutation) (*FireResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	old := v.current.Load()
	rules, err := mutate(old.Rules(), slices.Clone(mutations))
	if err != nil {
		return nil, err
	}

	next := NewEngine()
	next.opts = old.opts
	next.log = old.log

	for _, t := range old.SchemaTypes() {
		s, _ := old.Schema(t)
		if err := next.AddSchema(s); err != nil {
			return nil, fmt.Errorf("rebuilding schemas: %w", err)
		}
	}
	for _, r := range rules {
		if err := next.AddRule(r); err != nil {
			if asConditionErrors(err) == nil {
				return nil, fmt.Errorf("rebuilding rule %s: %w", r.ID, err)
			}
		}
	}

	if err := replayExplicit(old, next); err != nil {
		return nil, err
	}

	res, err := next.FireAll()
	if err != nil {
		return res, fmt.Errorf("re-deriving after mutation: %w", err)
	}
	v.current.Store(next)
	return res, nil
}

// mutate applies the mutations to a copy of the rule list: kept rules in
// their original order, added rules in mutation order.
func mutate(rules []*Rule, mutations []RuleMutation) ([]*Rule, error) {
	byID := map[string]int{}
	for i, r := range rules {
		byID[r.ID] = i
	}

	out := slices.Clone(rules)
	for _, m := range mutations {
		if m.ID == "" {
			return nil, fmt.Errorf("mutation with no rule ID")
		}
		if m.Rule != nil && m.Rule.ID != m.ID {
			return nil, fmt.Errorf("mutation %s: rule has ID %s", m.ID, m.Rule.ID)
		}
		i, exists := byID[m.ID]
		switch {
		case m.Rule == nil:
			if !exists {
				return nil, fmt.Errorf("deleting rule %s: %w", m.ID, ErrRuleNotFound)
			}
			out[i] = nil
		case exists:
			out[i] = m.Rule
		default:
			byID[m.ID] = len(out)
			out = append(out, m.Rule)
		}
	}
	out = slices.DeleteFunc(out, func(r *Rule) bool { return r == nil })
	return out, nil
}

// replayExplicit re-inserts the explicit facts of old into next, in handle
// order. Logical facts are left to the rules to re-derive.
func replayExplicit(old, next *Engine) error {
	for _, f := range old.Facts() {
		if !old.tms.IsExplicit(f.Handle) {
			continue
		}
		if _, err := next.Insert(f.Type, f.Fields); err != nil {
			if asConditionErrors(err) == nil {
				return fmt.Errorf("replaying fact %d: %w", f.Handle, err)
			}
		}
	}
	return nil
}
