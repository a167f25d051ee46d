package rete

import (
	"strconv"
	"strings"
)

// token is a partial match in the beta network: the ordered facts that have
// matched the positive patterns of a rule's condition so far, plus the
// variable bindings they produced. Tokens are immutable; joins extend them
// into new tokens.
type token struct {
	// Handles of the matched facts, in pattern order. Quantified
	// conditions (not/exists/forall) do not contribute a handle.
	handles []FactHandle

	// Binding name -> matched fact, for the patterns that declared a Var
	bindings map[string]FactHandle

	// Deterministic identity of the match, derived from the handles.
	// Two tokens over the same facts in the same positions are the same
	// match.
	key string
}

// rootToken is the empty match every rule's first join extends.
var rootToken = &token{key: ""}

// extend returns a new token with the fact appended. If varName is set the
// fact is also bound to it.
func (t *token) extend(h FactHandle, varName string) *token {
	nt := &token{
		handles: make([]FactHandle, len(t.handles)+1),
	}
	copy(nt.handles, t.handles)
	nt.handles[len(t.handles)] = h

	if len(t.bindings) > 0 || varName != "" {
		nt.bindings = make(map[string]FactHandle, len(t.bindings)+1)
		for k, v := range t.bindings {
			nt.bindings[k] = v
		}
		if varName != "" {
			nt.bindings[varName] = h
		}
	}

	x := strings.Builder{}
	for i, h := range nt.handles {
		if i > 0 {
			x.WriteString(".")
		}
		x.WriteString(strconv.FormatInt(int64(h), 10))
	}
	nt.key = x.String()
	return nt
}

// binding resolves a variable name to the bound fact handle.
func (t *token) binding(varName string) (FactHandle, bool) {
	h, ok := t.bindings[varName]
	return h, ok
}

// contains reports whether the fact participates in the match.
func (t *token) contains(h FactHandle) bool {
	for _, th := range t.handles {
		if th == h {
			return true
		}
	}
	return false
}
