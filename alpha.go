package rete

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

type handleSet map[FactHandle]struct{}

// alphaTestKind distinguishes the two forms of single-fact test an alpha
// node can hold.
type alphaTestKind int

const (
	testField alphaTestKind = iota // field vs. literal or another field of the same fact
	testExpr                       // compiled expression over the fact's fields
)

// alphaTest is one atomic condition on a single fact. Patterns compile to a
// chain of these; rules testing the same fields the same way share the
// nodes (and their memories).
type alphaTest struct {
	kind alphaTestKind

	// testField
	field    string
	op       Op
	lit      interface{} // literal, coerced to the field's declared type
	refField string      // set instead of lit when comparing to another field of the same fact
	isRef    bool

	// testExpr
	expr    string
	program interface{} // compiled by the engine's evaluator

	// Deterministic identity of the test, used to share nodes between
	// rules and to order tests within a pattern's chain.
	key string
}

// eval applies the test to a fact. A missing field is not an error; the
// test simply does not pass.
func (t *alphaTest) eval(f *Fact, ev ExprEvaluator) (bool, error) {
	if t.kind == testExpr {
		return ev.Evaluate(t.program, f.Fields)
	}

	left, ok := f.Fields[t.field]
	if !ok {
		return false, nil
	}
	right := t.lit
	if t.isRef {
		r, ok := f.Fields[t.refField]
		if !ok {
			return false, nil
		}
		right = r
	}
	return compareValues(t.op, left, right)
}

// alphaNode is one node in the per-type test chain. The node applies its
// test to facts arriving from its parent; facts that pass are stored in the
// node's memory and forwarded to the node's children and to the beta nodes
// reading the memory. The root node of each type has no test; its memory
// holds every fact of the type.
type alphaNode struct {
	id       int
	factType string
	test     *alphaTest // nil at the type root
	memory   *alphaMemory
	children []*alphaNode

	// IDs of the rules whose patterns pass through this node, for
	// attributing test evaluation errors.
	rules []string

	visits int64
}

func (n *alphaNode) label() string {
	if n.test == nil {
		return "type " + n.factType
	}
	if n.test.kind == testExpr {
		return fmt.Sprintf("%s [%s]", n.factType, n.test.expr)
	}
	if n.test.isRef {
		return fmt.Sprintf("%s [%s %s .%s]", n.factType, n.test.field, n.test.op, n.test.refField)
	}
	return fmt.Sprintf("%s [%s %s %v]", n.factType, n.test.field, n.test.op, n.test.lit)
}

func (n *alphaNode) addRule(ruleID string) {
	for _, id := range n.rules {
		if id == ruleID {
			return
		}
	}
	n.rules = append(n.rules, ruleID)
}

// childFor returns the child holding the given test, creating it if needed.
func (n *alphaNode) childFor(t *alphaTest, newID func() int) (*alphaNode, bool) {
	for _, c := range n.children {
		if c.test.key == t.key {
			return c, false
		}
	}
	c := &alphaNode{
		id:       newID(),
		factType: n.factType,
		test:     t,
		memory:   newAlphaMemory(),
	}
	n.children = append(n.children, c)
	return c, true
}

// rightRole identifies how a beta node consumes an alpha memory.
type rightRole int

const (
	roleJoin     rightRole = iota // right input of a join/not/exists node
	roleDomain                    // forall: the quantified domain
	roleRestrict                  // forall: domain facts passing the restriction
)

// rightLink connects an alpha memory to a beta node consuming it.
type rightLink struct {
	node *betaNode
	role rightRole
}

// alphaMemory holds the facts that passed an alpha node's test, indexed by
// the field values that downstream joins probe on.
type alphaMemory struct {
	facts map[FactHandle]*Fact

	// field name -> encoded value -> handles; only fields registered by a
	// downstream equality join are indexed
	indexes map[string]map[string]handleSet

	succs []rightLink
}

func newAlphaMemory() *alphaMemory {
	return &alphaMemory{
		facts:   map[FactHandle]*Fact{},
		indexes: map[string]map[string]handleSet{},
	}
}

// registerIndex starts maintaining an index on the field, backfilling from
// facts already in the memory.
func (m *alphaMemory) registerIndex(field string) {
	if _, ok := m.indexes[field]; ok {
		return
	}
	idx := map[string]handleSet{}
	m.indexes[field] = idx
	for h, f := range m.facts {
		v, ok := f.Fields[field]
		if !ok {
			continue
		}
		k := encodeValue(v)
		s, ok := idx[k]
		if !ok {
			s = handleSet{}
			idx[k] = s
		}
		s[h] = struct{}{}
	}
}

// add stores the fact, updating every registered index. Returns false if
// the fact was already present.
func (m *alphaMemory) add(f *Fact) bool {
	if _, ok := m.facts[f.Handle]; ok {
		return false
	}
	m.facts[f.Handle] = f
	for field, idx := range m.indexes {
		v, ok := f.Fields[field]
		if !ok {
			continue
		}
		k := encodeValue(v)
		s, ok := idx[k]
		if !ok {
			s = handleSet{}
			idx[k] = s
		}
		s[f.Handle] = struct{}{}
	}
	return true
}

// remove deletes the fact from the memory and its indexes. Returns false if
// the fact was not present.
func (m *alphaMemory) remove(h FactHandle) (*Fact, bool) {
	f, ok := m.facts[h]
	if !ok {
		return nil, false
	}
	delete(m.facts, h)
	for field, idx := range m.indexes {
		v, ok := f.Fields[field]
		if !ok {
			continue
		}
		k := encodeValue(v)
		if s, ok := idx[k]; ok {
			delete(s, h)
			if len(s) == 0 {
				delete(idx, k)
			}
		}
	}
	return f, true
}

// lookup returns the handles whose field equals the encoded value, or
// (nil, false) if the field is not indexed.
func (m *alphaMemory) lookup(field, encoded string) (handleSet, bool) {
	idx, ok := m.indexes[field]
	if !ok {
		return nil, false
	}
	return idx[encoded], true
}

func (m *alphaMemory) addSucc(n *betaNode, role rightRole) {
	m.succs = append(m.succs, rightLink{node: n, role: role})
}

// ---------------------------------------------------------------------------
// Value comparison

// compareValues applies a comparison operator to two canonical field values.
// Mixed int/float comparisons promote to float; otherwise the values must be
// of the same type. An inapplicable operator (ordering a bool, Contains on
// an int) is an error, surfaced to the caller as a ConditionError.
func compareValues(op Op, left, right interface{}) (bool, error) {
	if li, ok := left.(int64); ok {
		if rf, ok := right.(float64); ok {
			return compareFloat(op, float64(li), rf)
		}
	}
	if lf, ok := left.(float64); ok {
		if ri, ok := right.(int64); ok {
			return compareFloat(op, lf, float64(ri))
		}
	}

	switch l := left.(type) {
	case string:
		r, ok := right.(string)
		if !ok {
			return false, fmt.Errorf("cannot compare string with %T", right)
		}
		switch op {
		case Eq:
			return l == r, nil
		case Neq:
			return l != r, nil
		case Lt:
			return l < r, nil
		case Lte:
			return l <= r, nil
		case Gt:
			return l > r, nil
		case Gte:
			return l >= r, nil
		case Contains:
			return strings.Contains(l, r), nil
		}
	case int64:
		r, ok := right.(int64)
		if !ok {
			return false, fmt.Errorf("cannot compare int with %T", right)
		}
		switch op {
		case Eq:
			return l == r, nil
		case Neq:
			return l != r, nil
		case Lt:
			return l < r, nil
		case Lte:
			return l <= r, nil
		case Gt:
			return l > r, nil
		case Gte:
			return l >= r, nil
		}
	case float64:
		r, ok := right.(float64)
		if !ok {
			return false, fmt.Errorf("cannot compare float with %T", right)
		}
		return compareFloat(op, l, r)
	case bool:
		r, ok := right.(bool)
		if !ok {
			return false, fmt.Errorf("cannot compare bool with %T", right)
		}
		switch op {
		case Eq:
			return l == r, nil
		case Neq:
			return l != r, nil
		}
	case time.Time:
		r, ok := right.(time.Time)
		if !ok {
			return false, fmt.Errorf("cannot compare timestamp with %T", right)
		}
		switch op {
		case Eq:
			return l.Equal(r), nil
		case Neq:
			return !l.Equal(r), nil
		case Lt:
			return l.Before(r), nil
		case Lte:
			return !l.After(r), nil
		case Gt:
			return l.After(r), nil
		case Gte:
			return !l.Before(r), nil
		}
	case time.Duration:
		r, ok := right.(time.Duration)
		if !ok {
			return false, fmt.Errorf("cannot compare duration with %T", right)
		}
		switch op {
		case Eq:
			return l == r, nil
		case Neq:
			return l != r, nil
		case Lt:
			return l < r, nil
		case Lte:
			return l <= r, nil
		case Gt:
			return l > r, nil
		case Gte:
			return l >= r, nil
		}
	case []interface{}:
		switch op {
		case Eq:
			return reflect.DeepEqual(left, right), nil
		case Neq:
			return !reflect.DeepEqual(left, right), nil
		case Contains:
			want := encodeValue(right)
			for _, el := range l {
				if encodeValue(el) == want {
					return true, nil
				}
			}
			return false, nil
		}
	case map[interface{}]interface{}:
		switch op {
		case Eq:
			return reflect.DeepEqual(left, right), nil
		case Neq:
			return !reflect.DeepEqual(left, right), nil
		case Contains:
			want := encodeValue(right)
			for k := range l {
				if encodeValue(k) == want {
					return true, nil
				}
			}
			return false, nil
		}
	default:
		switch op {
		case Eq:
			return reflect.DeepEqual(left, right), nil
		case Neq:
			return !reflect.DeepEqual(left, right), nil
		}
	}
	return false, fmt.Errorf("operator %s does not apply to %T", op, left)
}

func compareFloat(op Op, l, r float64) (bool, error) {
	switch op {
	case Eq:
		return l == r, nil
	case Neq:
		return l != r, nil
	case Lt:
		return l < r, nil
	case Lte:
		return l <= r, nil
	case Gt:
		return l > r, nil
	case Gte:
		return l >= r, nil
	}
	return false, fmt.Errorf("operator %s does not apply to float", op)
}
