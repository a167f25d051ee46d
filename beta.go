package rete

import (
	"fmt"
	"strings"
)

type betaKind int

const (
	nodeJoin betaKind = iota
	nodeNot
	nodeExists
	nodeForall
)

func (k betaKind) String() string {
	switch k {
	case nodeJoin:
		return "join"
	case nodeNot:
		return "not"
	case nodeExists:
		return "exists"
	case nodeForall:
		return "forall"
	}
	return "unknown"
}

// joinTest is a compiled field test whose right side references a fact bound
// earlier in the condition, so it can only be evaluated at the join: the
// fact arriving from the alpha memory is tested against the token's binding.
type joinTest struct {
	// Field on the fact arriving from the alpha memory
	field string

	op Op

	// The earlier binding and the field read from it
	refVar   string
	refField string
}

func (t joinTest) String() string {
	return fmt.Sprintf("%s %s %s.%s", t.field, t.op, t.refVar, t.refField)
}

// betaNode combines the tokens of its parent (left input) with the facts of
// an alpha memory (right input). A join node extends each compatible
// token/fact pair into a new token. Quantified nodes (not/exists/forall)
// test the right input without extending the token: they maintain per-token
// counts and pass the token through unchanged while the count condition
// holds.
//
// Beta nodes form one linear chain per rule alternative, ending in a
// terminal node.
type betaNode struct {
	id       int
	kind     betaKind
	ruleID   string
	disjunct int

	// Left input; nil for the first node in a chain, which joins against
	// the empty root token.
	parent *betaNode

	// Binding name declared by the pattern (join nodes only)
	varName string

	// Right input fact type
	factType string

	// Right input for join/not/exists nodes
	alpha *alphaMemory

	// Right inputs for forall nodes: domain holds the facts quantified
	// over, restrict the subset that also passed the restriction's
	// fact-local tests.
	domain   *alphaMemory
	restrict *alphaMemory

	// Token-dependent tests a right fact must pass to be compatible with
	// a left token. For forall nodes these are the domain's tests;
	// restrictTests additionally gate the matched count.
	tests         []joinTest
	restrictTests []joinTest

	// Index into tests of the equality test used for hash probes, or -1.
	// When set, the alpha memory indexes the test's field and the parent
	// memory indexes the resolved binding value.
	indexTest int

	// Output tokens
	memory *betaMemory

	// Quantified nodes: every left token and its counts, keyed by token
	// key. Join nodes do not track left tokens; their left input is the
	// parent's memory.
	left map[string]*leftEntry

	child    *betaNode
	terminal *terminalNode

	visits int64
}

// leftEntry is the per-token state of a quantified node.
type leftEntry struct {
	token *token

	// not/exists: number of facts in the alpha memory compatible with the
	// token
	blockers int

	// forall: facts matching the domain, and those also passing the
	// restriction
	total   int
	matched int

	// Whether the token is currently in the node's output memory
	active bool
}

// holds reports whether the entry's counts satisfy the node's condition.
func (n *betaNode) holds(le *leftEntry) bool {
	switch n.kind {
	case nodeNot:
		return le.blockers == 0
	case nodeExists:
		return le.blockers > 0
	case nodeForall:
		// Vacuously true on an empty domain.
		return le.matched == le.total
	}
	return false
}

func (n *betaNode) label() string {
	switch n.kind {
	case nodeForall:
		return fmt.Sprintf("forall %s (%s)", n.factType, n.ruleID)
	default:
		return fmt.Sprintf("%s %s (%s)", n.kind, n.factType, n.ruleID)
	}
}

// resolveRef reads the referenced field from the fact the token bound to
// refVar. The second return is false when the binding or the field is
// absent, in which case the test does not pass.
func (n *betaNode) resolveRef(e *Engine, t *token, refVar, refField string) (interface{}, bool) {
	h, ok := t.binding(refVar)
	if !ok {
		return nil, false
	}
	f, ok := e.wm.get(h)
	if !ok {
		return nil, false
	}
	v, ok := f.Fields[refField]
	return v, ok
}

// evalTests checks a right fact against a token. Unresolvable references
// and missing fields fail the match without error; operator/type errors are
// returned for collection as ConditionErrors.
func (n *betaNode) evalTests(e *Engine, tests []joinTest, tok *token, f *Fact) (bool, error) {
	for _, jt := range tests {
		fv, ok := f.Fields[jt.field]
		if !ok {
			return false, nil
		}
		rv, ok := n.resolveRef(e, tok, jt.refVar, jt.refField)
		if !ok {
			return false, nil
		}
		pass, err := compareValues(jt.op, fv, rv)
		if err != nil {
			return false, fmt.Errorf("join test %s: %w", jt, err)
		}
		if !pass {
			return false, nil
		}
	}
	return true, nil
}

// indexProbeKey resolves the token's value for the node's indexed equality
// test, for probing the alpha memory's field index. The second return is
// false when the node has no indexed test or the value is unresolvable.
func (n *betaNode) indexProbeKey(e *Engine, tok *token) (string, bool) {
	if n.indexTest < 0 {
		return "", false
	}
	jt := n.tests[n.indexTest]
	v, ok := n.resolveRef(e, tok, jt.refVar, jt.refField)
	if !ok {
		return "", false
	}
	return encodeValue(v), true
}

// rightCandidates returns the facts in the alpha memory that can match the
// token: the indexed subset when the node has an equality test, the whole
// memory otherwise. The remaining tests still apply to each candidate.
func (n *betaNode) rightCandidates(e *Engine, mem *alphaMemory, tok *token) []*Fact {
	if k, ok := n.indexProbeKey(e, tok); ok {
		if set, indexed := mem.lookup(n.tests[n.indexTest].field, k); indexed {
			out := make([]*Fact, 0, len(set))
			for h := range set {
				if f, ok := mem.facts[h]; ok {
					out = append(out, f)
				}
			}
			return out
		}
	}
	out := make([]*Fact, 0, len(mem.facts))
	for _, f := range mem.facts {
		out = append(out, f)
	}
	return out
}

// leftCandidates returns the parent tokens that can match a right fact:
// the parent memory's indexed subset when the node has an equality test,
// otherwise every parent token. A nil parent yields the root token.
func (n *betaNode) leftCandidates(f *Fact) []*token {
	if n.parent == nil {
		return []*token{rootToken}
	}
	pm := n.parent.memory
	if n.indexTest >= 0 && pm.indexedFor == n.id {
		fv, ok := f.Fields[n.tests[n.indexTest].field]
		if ok {
			out := make([]*token, 0)
			for _, t := range pm.index[encodeValue(fv)] {
				out = append(out, t)
			}
			return out
		}
		return nil
	}
	out := make([]*token, 0, len(pm.tokens))
	for _, t := range pm.tokens {
		out = append(out, t)
	}
	return out
}

// betaMemory holds a node's output tokens, indexed three ways: by the fact
// handles the tokens contain (for right retractions), by the parent token
// they extend (for left retractions), and — when the node's child probes by
// an equality test — by the child's resolved binding value.
type betaMemory struct {
	tokens map[string]*token

	// fact handle -> token key -> token
	byHandle map[FactHandle]map[string]*token

	// parent token key -> token key -> token
	byParent map[string]map[string]*token

	// encoded binding value -> token key -> token
	index map[string]map[string]*token

	// resolves a token to the child's probe value; nil when no child
	// index is registered
	indexFn func(*token) (string, bool)

	// id of the beta node the index serves
	indexedFor int
}

func newBetaMemory() *betaMemory {
	return &betaMemory{
		tokens:     map[string]*token{},
		byHandle:   map[FactHandle]map[string]*token{},
		byParent:   map[string]map[string]*token{},
		indexedFor: -1,
	}
}

// parentKey returns the key of the token this key's token extends: the key
// with its last handle segment removed.
func parentKey(key string) string {
	if i := strings.LastIndex(key, "."); i >= 0 {
		return key[:i]
	}
	return ""
}

// registerIndex starts maintaining the child's probe index, backfilling
// from tokens already present.
func (m *betaMemory) registerIndex(childID int, fn func(*token) (string, bool)) {
	m.indexFn = fn
	m.indexedFor = childID
	m.index = map[string]map[string]*token{}
	for _, t := range m.tokens {
		m.indexAdd(t)
	}
}

func (m *betaMemory) indexAdd(t *token) {
	if m.indexFn == nil {
		return
	}
	k, ok := m.indexFn(t)
	if !ok {
		return
	}
	s, ok := m.index[k]
	if !ok {
		s = map[string]*token{}
		m.index[k] = s
	}
	s[t.key] = t
}

func (m *betaMemory) indexRemove(t *token) {
	if m.indexFn == nil {
		return
	}
	k, ok := m.indexFn(t)
	if !ok {
		return
	}
	if s, ok := m.index[k]; ok {
		delete(s, t.key)
		if len(s) == 0 {
			delete(m.index, k)
		}
	}
}

// add stores the token. Returns false if a token with the same key was
// already present.
func (m *betaMemory) add(t *token) bool {
	if _, ok := m.tokens[t.key]; ok {
		return false
	}
	m.tokens[t.key] = t
	for _, h := range t.handles {
		s, ok := m.byHandle[h]
		if !ok {
			s = map[string]*token{}
			m.byHandle[h] = s
		}
		s[t.key] = t
	}
	pk := parentKey(t.key)
	s, ok := m.byParent[pk]
	if !ok {
		s = map[string]*token{}
		m.byParent[pk] = s
	}
	s[t.key] = t
	m.indexAdd(t)
	return true
}

// remove deletes the token by key. Returns false if absent.
func (m *betaMemory) remove(key string) (*token, bool) {
	t, ok := m.tokens[key]
	if !ok {
		return nil, false
	}
	delete(m.tokens, key)
	for _, h := range t.handles {
		if s, ok := m.byHandle[h]; ok {
			delete(s, key)
			if len(s) == 0 {
				delete(m.byHandle, h)
			}
		}
	}
	pk := parentKey(key)
	if s, ok := m.byParent[pk]; ok {
		delete(s, key)
		if len(s) == 0 {
			delete(m.byParent, pk)
		}
	}
	m.indexRemove(t)
	return t, true
}

// removeWithFact deletes and returns every token that includes the fact.
func (m *betaMemory) removeWithFact(h FactHandle) []*token {
	var out []*token
	for key := range m.byHandle[h] {
		if t, ok := m.remove(key); ok {
			out = append(out, t)
		}
	}
	return out
}

// removeExtensionsOf deletes and returns every token extending the given
// parent token.
func (m *betaMemory) removeExtensionsOf(parent string) []*token {
	var out []*token
	for key := range m.byParent[parent] {
		if t, ok := m.remove(key); ok {
			out = append(out, t)
		}
	}
	return out
}

// terminalNode ends a beta chain: tokens reaching it are complete matches
// of one rule alternative, turned into activations on the agenda.
type terminalNode struct {
	id       int
	rule     *Rule
	disjunct int
}

func (t *terminalNode) label() string {
	return fmt.Sprintf("rule %s", t.rule.ID)
}

// activationKey identifies the activation a token produces, for voiding it
// when the token is removed before firing.
func (t *terminalNode) activationKey(tok *token) string {
	return fmt.Sprintf("%s|%d|%s", t.rule.ID, t.disjunct, tok.key)
}
