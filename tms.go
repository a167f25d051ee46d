package rete

import (
	"fmt"
	"sort"
)

// Justification is one proof that a derived fact holds: the rule that
// derived it and the facts that matched the rule's condition. A fact may
// carry several justifications; it remains valid while any one of them has
// all premises valid.
type Justification struct {
	// ID of the rule whose firing derived the fact
	Rule string

	// The facts the derivation consumed
	Premises []FactHandle
}

func (j Justification) String() string {
	return fmt.Sprintf("%s%v", j.Rule, j.Premises)
}

// tmsNode is the truth-maintenance state of one fact handle. Nodes are
// never discarded: an invalidated fact keeps its node (and its identity) so
// a later justification can revalidate it under the same handle.
type tmsNode struct {
	fact     *Fact
	explicit bool
	logical  bool
	valid    bool
	justs    []Justification
}

// TMS tracks why every fact in the engine holds. Explicit facts are valid
// on their own authority; logical facts are valid while at least one of
// their justifications has all premises valid. The engine consults and
// updates the TMS on every insert and retract; use Engine.TMS to inspect
// it.
//
// The invariant maintained at every quiescent point:
//
//	valid(f) == explicit(f) || any j in justifications(f) with all premises valid
type TMS struct {
	nodes map[FactHandle]*tmsNode

	// reverse dependency map: premise handle -> facts with a
	// justification citing it. Entries are never removed; validity is
	// re-derived from the justifications, so stale entries are harmless.
	dependents map[FactHandle]handleSet

	// identity key -> handle, so repeated logical derivations of an
	// equal fact converge on one handle
	byIdentity map[string]FactHandle
}

func newTMS() *TMS {
	return &TMS{
		nodes:      map[FactHandle]*tmsNode{},
		dependents: map[FactHandle]handleSet{},
		byIdentity: map[string]FactHandle{},
	}
}

// ---------------------------------------------------------------------------
// Queries

// Known reports whether the handle has ever been inserted.
func (t *TMS) Known(h FactHandle) bool {
	_, ok := t.nodes[h]
	return ok
}

// IsValid reports whether the fact currently holds.
func (t *TMS) IsValid(h FactHandle) bool {
	n, ok := t.nodes[h]
	return ok && n.valid
}

// IsExplicit reports whether the fact was asserted from outside the engine
// and not since retracted.
func (t *TMS) IsExplicit(h FactHandle) bool {
	n, ok := t.nodes[h]
	return ok && n.explicit
}

// IsLogical reports whether the fact has ever been derived by a rule.
func (t *TMS) IsLogical(h FactHandle) bool {
	n, ok := t.nodes[h]
	return ok && n.logical
}

// HasValidJustification reports whether at least one of the fact's
// justifications has all premises valid.
func (t *TMS) HasValidJustification(h FactHandle) bool {
	n, ok := t.nodes[h]
	if !ok {
		return false
	}
	for _, j := range n.justs {
		if t.justificationValid(j) {
			return true
		}
	}
	return false
}

// Justifications returns a copy of the fact's justifications, in the order
// they were added.
func (t *TMS) Justifications(h FactHandle) []Justification {
	n, ok := t.nodes[h]
	if !ok || len(n.justs) == 0 {
		return nil
	}
	out := make([]Justification, len(n.justs))
	for i, j := range n.justs {
		out[i] = Justification{Rule: j.Rule, Premises: append([]FactHandle{}, j.Premises...)}
	}
	return out
}

func (t *TMS) justificationValid(j Justification) bool {
	for _, p := range j.Premises {
		n, ok := t.nodes[p]
		if !ok || !n.valid {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Mutation (engine-internal)

func (t *TMS) newExplicit(f *Fact) {
	t.nodes[f.Handle] = &tmsNode{fact: f, explicit: true, valid: true}
	t.byIdentity[f.identityKey()] = f.Handle
}

func (t *TMS) newLogical(f *Fact, j Justification, valid bool) {
	t.nodes[f.Handle] = &tmsNode{fact: f, logical: true, valid: valid}
	t.byIdentity[f.identityKey()] = f.Handle
	t.link(f.Handle, j)
}

// identityOf returns the handle an equal fact was previously inserted
// under, whether or not that fact is currently valid.
func (t *TMS) identityOf(f *Fact) (FactHandle, bool) {
	h, ok := t.byIdentity[f.identityKey()]
	return h, ok
}

func (t *TMS) factOf(h FactHandle) *Fact {
	if n, ok := t.nodes[h]; ok {
		return n.fact
	}
	return nil
}

// addJustification appends a justification to an existing node, rejecting
// any that would make the fact transitively support its own premises. It
// does not change validity; the engine applies flips.
func (t *TMS) addJustification(h FactHandle, j Justification) error {
	n, ok := t.nodes[h]
	if !ok {
		return fmt.Errorf("fact %d: %w", h, ErrUnknownFactHandle)
	}
	if t.wouldCycle(h, j) {
		return fmt.Errorf("fact %d justified by rule %s: %w", h, j.Rule, ErrJustificationCycle)
	}
	n.logical = true
	t.link(h, j)
	return nil
}

// link records the justification and its reverse dependency edges.
func (t *TMS) link(h FactHandle, j Justification) {
	n := t.nodes[h]
	cp := Justification{Rule: j.Rule, Premises: append([]FactHandle{}, j.Premises...)}
	n.justs = append(n.justs, cp)
	for _, p := range cp.Premises {
		s, ok := t.dependents[p]
		if !ok {
			s = handleSet{}
			t.dependents[p] = s
		}
		s[h] = struct{}{}
	}
}

// wouldCycle reports whether justifying h with j would let h support one of
// its own premises: h itself appears among the premises, or some premise is
// transitively supported by h.
func (t *TMS) wouldCycle(h FactHandle, j Justification) bool {
	seen := handleSet{}
	stack := append([]FactHandle{}, j.Premises...)
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if p == h {
			return true
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		if n, ok := t.nodes[p]; ok {
			for _, jj := range n.justs {
				stack = append(stack, jj.Premises...)
			}
		}
	}
	return false
}

// markRetracted withdraws all support from the fact: it is no longer
// explicit, its own justifications are discarded, and it is invalid until
// a new justification arrives.
func (t *TMS) markRetracted(h FactHandle) {
	n := t.nodes[h]
	n.explicit = false
	n.valid = false
	n.justs = nil
}

func (t *TMS) markValid(h FactHandle) {
	t.nodes[h].valid = true
}

// invalidatedDependents re-evaluates the facts whose justifications cite h,
// marks the ones that lost their last valid justification invalid, and
// returns them in handle order. Callers cascade by re-invoking for each
// returned handle.
func (t *TMS) invalidatedDependents(h FactHandle) []FactHandle {
	var out []FactHandle
	for _, d := range t.sortedDependents(h) {
		n := t.nodes[d]
		if !n.valid || n.explicit {
			continue
		}
		supported := false
		for _, j := range n.justs {
			if t.justificationValid(j) {
				supported = true
				break
			}
		}
		if !supported {
			n.valid = false
			out = append(out, d)
		}
	}
	return out
}

// revalidatedDependents is the inverse flip: invalid facts citing h whose
// justification became valid again.
func (t *TMS) revalidatedDependents(h FactHandle) []FactHandle {
	var out []FactHandle
	for _, d := range t.sortedDependents(h) {
		n := t.nodes[d]
		if n.valid {
			continue
		}
		for _, j := range n.justs {
			if t.justificationValid(j) {
				n.valid = true
				out = append(out, d)
				break
			}
		}
	}
	return out
}

// sortedDependents returns the dependents of h in handle order, so cascade
// processing is deterministic.
func (t *TMS) sortedDependents(h FactHandle) []FactHandle {
	s := t.dependents[h]
	if len(s) == 0 {
		return nil
	}
	out := make([]FactHandle, 0, len(s))
	for d := range s {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// tmsStats summarizes the justification graph for Stats.
type tmsStats struct {
	nodes          int
	valid          int
	logical        int
	justifications int
	edges          int
}

func (t *TMS) stats() tmsStats {
	s := tmsStats{nodes: len(t.nodes)}
	for _, n := range t.nodes {
		if n.valid {
			s.valid++
		}
		if n.logical {
			s.logical++
		}
		s.justifications += len(n.justs)
	}
	for _, ds := range t.dependents {
		s.edges += len(ds)
	}
	return s
}
