package rete

import (
	"fmt"
	"sort"
)

// network is the compiled match graph shared by every rule in the engine:
// one alpha test chain per fact type (nodes shared between rules that test
// the same thing), one beta chain per rule alternative, and the static
// dependency sets that bound the work of a fact change.
type network struct {
	typeRoots map[string]*alphaNode
	alphas    []*alphaNode
	betas     []*betaNode
	terminals []*terminalNode
	nextID    int

	// fact type -> ids of the alpha/beta nodes whose evaluation can be
	// triggered by a fact of that type
	deps map[string]map[int]struct{}
}

func newNetwork() *network {
	return &network{
		typeRoots: map[string]*alphaNode{},
		deps:      map[string]map[int]struct{}{},
	}
}

func (n *network) newID() int {
	id := n.nextID
	n.nextID++
	return id
}

func (n *network) dependOn(factType string, id int) {
	s, ok := n.deps[factType]
	if !ok {
		s = map[int]struct{}{}
		n.deps[factType] = s
	}
	s[id] = struct{}{}
}

// dependencySetSize returns the number of alpha/beta nodes that can be
// visited by a change to a fact of the type.
func (n *network) dependencySetSize(factType string) int {
	return len(n.deps[factType])
}

func (n *network) rootFor(factType string) *alphaNode {
	if r, ok := n.typeRoots[factType]; ok {
		return r
	}
	r := &alphaNode{
		id:       n.newID(),
		factType: factType,
		memory:   newAlphaMemory(),
	}
	n.typeRoots[factType] = r
	n.alphas = append(n.alphas, r)
	n.dependOn(factType, r.id)
	return r
}

// ---------------------------------------------------------------------------
// Condition normalization

// expandCondition rewrites a condition tree into disjunctive normal form:
// a list of alternatives, each a flat sequence of Pattern, Not, Exists and
// Forall steps. Or alternatives multiply out (an Or nested under And yields
// one alternative per branch); each alternative compiles to its own beta
// chain and activates independently.
func expandCondition(c Condition) [][]Condition {
	switch cc := c.(type) {
	case And:
		out := [][]Condition{{}}
		for _, sub := range cc {
			subAlts := expandCondition(sub)
			next := make([][]Condition, 0, len(out)*len(subAlts))
			for _, alt := range out {
				for _, sa := range subAlts {
					merged := make([]Condition, 0, len(alt)+len(sa))
					merged = append(merged, alt...)
					merged = append(merged, sa...)
					next = append(next, merged)
				}
			}
			out = next
		}
		return out
	case Or:
		var out [][]Condition
		for _, sub := range cc {
			out = append(out, expandCondition(sub)...)
		}
		return out
	default:
		return [][]Condition{{c}}
	}
}

// ---------------------------------------------------------------------------
// Compilation

// stepPlan is one validated, type-checked step of a rule alternative, ready
// to be built into nodes.
type stepPlan struct {
	kind     betaKind
	varName  string
	factType string

	// fact-local tests, sorted for chain sharing
	alphaTests []*alphaTest

	// token-dependent tests
	joinTests []joinTest

	// forall only: the restriction's fact-local tests extend the domain
	// chain; its token-dependent tests gate the matched count
	restrictAlpha []*alphaTest
	restrictJoin  []joinTest
}

type disjunctPlan struct {
	steps []*stepPlan

	// binding name -> fact type
	bound map[string]string
}

// compileRule validates the rule against the registered schemas, then
// builds its beta chains and any missing alpha nodes, seeding them from the
// facts already in working memory. Validation completes before any node is
// created, so a failed AddRule leaves the network untouched.
func (e *Engine) compileRule(r *Rule) ([]*ConditionError, error) {
	alts := expandCondition(r.Condition)
	plans := make([]*disjunctPlan, len(alts))
	for i, steps := range alts {
		plan, err := e.planDisjunct(r, steps)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		plans[i] = plan
	}
	if err := e.checkActions(r, plans); err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.ID, err)
	}

	p := &propagation{e: e}
	for i, plan := range plans {
		e.buildDisjunct(p, r, i, plan)
	}
	p.run()
	return p.errs, nil
}

func (e *Engine) planDisjunct(r *Rule, steps []Condition) (*disjunctPlan, error) {
	plan := &disjunctPlan{bound: map[string]string{}}
	for _, step := range steps {
		var sp *stepPlan
		var err error
		switch s := step.(type) {
		case Pattern:
			sp, err = e.planPattern(s, plan.bound)
			if err == nil {
				sp.kind = nodeJoin
				if s.Var != "" {
					if _, dup := plan.bound[s.Var]; dup {
						return nil, fmt.Errorf("variable '%s' bound twice", s.Var)
					}
					plan.bound[s.Var] = s.Type
				}
			}
		case Not:
			sp, err = e.planPattern(s.Pattern, plan.bound)
			if err == nil {
				sp.kind = nodeNot
			}
		case Exists:
			sp, err = e.planPattern(s.Pattern, plan.bound)
			if err == nil {
				sp.kind = nodeExists
			}
		case Forall:
			sp, err = e.planForall(s, plan.bound)
		default:
			err = fmt.Errorf("unexpected condition %T after normalization", step)
		}
		if err != nil {
			return nil, err
		}
		plan.steps = append(plan.steps, sp)
	}
	return plan, nil
}

// planPattern splits the pattern's tests into fact-local alpha tests and
// token-dependent join tests, coercing literals to the schema's field types
// and rejecting tests whose operator cannot apply.
func (e *Engine) planPattern(p Pattern, bound map[string]string) (*stepPlan, error) {
	s, ok := e.schemas[p.Type]
	if !ok {
		return nil, fmt.Errorf("pattern %s: %w", p.Type, ErrUnknownFactType)
	}

	sp := &stepPlan{varName: p.Var, factType: p.Type}
	for _, ft := range p.Where {
		elem, ok := s.element(ft.Field)
		if !ok {
			return nil, fmt.Errorf("pattern %s: no field '%s' in schema", p.Type, ft.Field)
		}

		if ref, isRef := ft.Value.(FieldRef); isRef && ref.Var != "" && ref.Var != p.Var {
			refType, ok := bound[ref.Var]
			if !ok {
				return nil, fmt.Errorf("pattern %s: test on '%s' references unbound variable '%s'", p.Type, ft.Field, ref.Var)
			}
			refSchema := e.schemas[refType]
			refElem, ok := refSchema.element(ref.Field)
			if !ok {
				return nil, fmt.Errorf("pattern %s: variable '%s' (%s) has no field '%s'", p.Type, ref.Var, refType, ref.Field)
			}
			if err := checkTestTypes(ft.Op, elem.Type, refElem.Type); err != nil {
				return nil, fmt.Errorf("pattern %s: field '%s': %w", p.Type, ft.Field, err)
			}
			sp.joinTests = append(sp.joinTests, joinTest{
				field:    ft.Field,
				op:       ft.Op,
				refVar:   ref.Var,
				refField: ref.Field,
			})
			continue
		}

		at, err := e.planAlphaTest(s, elem, ft)
		if err != nil {
			return nil, fmt.Errorf("pattern %s: %w", p.Type, err)
		}
		sp.alphaTests = append(sp.alphaTests, at)
	}

	if p.Expr != "" {
		if e.opts.Evaluator == nil {
			return nil, fmt.Errorf("pattern %s uses an expression but the engine has no evaluator (see the Evaluator option)", p.Type)
		}
		prog, err := e.opts.Evaluator.Compile(p.Expr, *s)
		if err != nil {
			return nil, fmt.Errorf("pattern %s: compiling expression: %w", p.Type, err)
		}
		sp.alphaTests = append(sp.alphaTests, &alphaTest{
			kind:    testExpr,
			expr:    p.Expr,
			program: prog,
			key:     "expr: " + p.Expr,
		})
	}

	sortAlphaTests(sp.alphaTests)
	return sp, nil
}

// planAlphaTest compiles one fact-local test: a comparison against a
// literal or against another field of the same fact.
func (e *Engine) planAlphaTest(s *Schema, elem DataElement, ft FieldTest) (*alphaTest, error) {
	if ref, isRef := ft.Value.(FieldRef); isRef {
		refElem, ok := s.element(ref.Field)
		if !ok {
			return nil, fmt.Errorf("field '%s' compared to missing field '%s'", ft.Field, ref.Field)
		}
		if err := checkTestTypes(ft.Op, elem.Type, refElem.Type); err != nil {
			return nil, fmt.Errorf("field '%s': %w", ft.Field, err)
		}
		return &alphaTest{
			field:    ft.Field,
			op:       ft.Op,
			refField: ref.Field,
			isRef:    true,
			key:      fmt.Sprintf("%s %s ref:%s", ft.Field, ft.Op, ref.Field),
		}, nil
	}

	target := literalTargetType(ft.Op, elem.Type)
	lit, err := coerce(target, ft.Value)
	if err != nil {
		return nil, fmt.Errorf("field '%s': literal: %w", ft.Field, err)
	}
	if err := opAppliesTo(ft.Op, elem.Type); err != nil {
		return nil, fmt.Errorf("field '%s': %w", ft.Field, err)
	}
	return &alphaTest{
		field: ft.Field,
		op:    ft.Op,
		lit:   lit,
		key:   fmt.Sprintf("%s %s %s", ft.Field, ft.Op, encodeValue(lit)),
	}, nil
}

func (e *Engine) planForall(f Forall, bound map[string]string) (*stepPlan, error) {
	sp, err := e.planPattern(f.Domain, bound)
	if err != nil {
		return nil, err
	}
	sp.kind = nodeForall

	s := e.schemas[f.Domain.Type]
	for _, ft := range f.Where {
		elem, ok := s.element(ft.Field)
		if !ok {
			return nil, fmt.Errorf("forall %s: no field '%s' in schema", f.Domain.Type, ft.Field)
		}
		if ref, isRef := ft.Value.(FieldRef); isRef && ref.Var != "" {
			refType, ok := bound[ref.Var]
			if !ok {
				return nil, fmt.Errorf("forall %s: test on '%s' references unbound variable '%s'", f.Domain.Type, ft.Field, ref.Var)
			}
			refSchema := e.schemas[refType]
			refElem, ok := refSchema.element(ref.Field)
			if !ok {
				return nil, fmt.Errorf("forall %s: variable '%s' (%s) has no field '%s'", f.Domain.Type, ref.Var, refType, ref.Field)
			}
			if err := checkTestTypes(ft.Op, elem.Type, refElem.Type); err != nil {
				return nil, fmt.Errorf("forall %s: field '%s': %w", f.Domain.Type, ft.Field, err)
			}
			sp.restrictJoin = append(sp.restrictJoin, joinTest{
				field:    ft.Field,
				op:       ft.Op,
				refVar:   ref.Var,
				refField: ref.Field,
			})
			continue
		}
		at, err := e.planAlphaTest(s, elem, ft)
		if err != nil {
			return nil, fmt.Errorf("forall %s: %w", f.Domain.Type, err)
		}
		sp.restrictAlpha = append(sp.restrictAlpha, at)
	}
	sortAlphaTests(sp.restrictAlpha)

	// A restriction test repeating a domain test adds nothing and would
	// make the restriction chain diverge from the shared prefix.
	onDomain := map[string]bool{}
	for _, at := range sp.alphaTests {
		onDomain[at.key] = true
	}
	kept := sp.restrictAlpha[:0]
	for _, at := range sp.restrictAlpha {
		if !onDomain[at.key] {
			kept = append(kept, at)
		}
	}
	sp.restrictAlpha = kept
	return sp, nil
}

// checkActions verifies that every action's fact type, fields and variable
// references are resolvable in every alternative of the rule.
func (e *Engine) checkActions(r *Rule, plans []*disjunctPlan) error {
	for i, a := range r.Actions {
		switch act := a.(type) {
		case Assert:
			s, ok := e.schemas[act.Type]
			if !ok {
				return fmt.Errorf("action %d asserts %s: %w", i, act.Type, ErrUnknownFactType)
			}
			for name, v := range act.Fields {
				elem, ok := s.element(name)
				if !ok {
					return fmt.Errorf("action %d asserts %s: no field '%s' in schema", i, act.Type, name)
				}
				if ref, isRef := v.(FieldRef); isRef {
					for di, plan := range plans {
						srcType, ok := plan.bound[ref.Var]
						if !ok {
							return fmt.Errorf("action %d field '%s' references variable '%s', unbound in alternative %d", i, name, ref.Var, di)
						}
						srcElem, ok := e.schemas[srcType].element(ref.Field)
						if !ok {
							return fmt.Errorf("action %d field '%s': variable '%s' (%s) has no field '%s'", i, name, ref.Var, srcType, ref.Field)
						}
						if err := checkTestTypes(Eq, elem.Type, srcElem.Type); err != nil {
							return fmt.Errorf("action %d field '%s': %w", i, name, err)
						}
					}
					continue
				}
				if _, err := coerce(elem.Type, v); err != nil {
					return fmt.Errorf("action %d field '%s': %w", i, name, err)
				}
			}
		case Retract:
			for di, plan := range plans {
				if _, ok := plan.bound[act.Var]; !ok {
					return fmt.Errorf("action %d retracts '%s', unbound in alternative %d", i, act.Var, di)
				}
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Building

// buildDisjunct creates the beta chain for one rule alternative, reusing or
// extending the shared alpha chains, and left-activates the chain head so
// facts already in working memory produce their matches.
func (e *Engine) buildDisjunct(p *propagation, r *Rule, di int, plan *disjunctPlan) {
	net := e.net
	var parent *betaNode
	var head *betaNode
	chainTypes := map[string]bool{}

	for _, sp := range plan.steps {
		chainTypes[sp.factType] = true

		n := &betaNode{
			id:        net.newID(),
			kind:      sp.kind,
			ruleID:    r.ID,
			disjunct:  di,
			parent:    parent,
			varName:   sp.varName,
			factType:  sp.factType,
			tests:     sp.joinTests,
			indexTest: -1,
			memory:    newBetaMemory(),
		}
		net.betas = append(net.betas, n)

		for i, jt := range sp.joinTests {
			if jt.op == Eq {
				n.indexTest = i
				break
			}
		}

		switch sp.kind {
		case nodeJoin, nodeNot, nodeExists:
			lastAlpha := e.buildAlphaChain(p, r.ID, sp.factType, sp.alphaTests)
			n.alpha = lastAlpha.memory
			lastAlpha.memory.addSucc(n, roleJoin)
			if n.indexTest >= 0 {
				lastAlpha.memory.registerIndex(sp.joinTests[n.indexTest].field)
			}
		case nodeForall:
			domainNode := e.buildAlphaChain(p, r.ID, sp.factType, sp.alphaTests)
			restrictTests := append(append([]*alphaTest{}, sp.alphaTests...), sp.restrictAlpha...)
			restrictNode := e.buildAlphaChain(p, r.ID, sp.factType, restrictTests)
			n.domain = domainNode.memory
			n.restrict = restrictNode.memory
			n.restrictTests = sp.restrictJoin
			domainNode.memory.addSucc(n, roleDomain)
			restrictNode.memory.addSucc(n, roleRestrict)
			if n.indexTest >= 0 {
				f := sp.joinTests[n.indexTest].field
				domainNode.memory.registerIndex(f)
				restrictNode.memory.registerIndex(f)
			}
		}

		if sp.kind != nodeJoin {
			n.left = map[string]*leftEntry{}
		}

		if parent != nil {
			parent.child = n
			if n.indexTest >= 0 {
				jt := n.tests[n.indexTest]
				node := n
				parent.memory.registerIndex(n.id, func(t *token) (string, bool) {
					v, ok := node.resolveRef(e, t, jt.refVar, jt.refField)
					if !ok {
						return "", false
					}
					return encodeValue(v), true
				})
			}
		} else {
			head = n
		}

		for ct := range chainTypes {
			net.dependOn(ct, n.id)
		}
		parent = n
	}

	term := &terminalNode{id: net.newID(), rule: r, disjunct: di}
	net.terminals = append(net.terminals, term)
	parent.terminal = term

	p.push(task{kind: taskLeftAssert, beta: head, token: rootToken})
}

// buildAlphaChain walks the type's chain from the root, reusing nodes whose
// test matches and creating the rest. New nodes are seeded from their
// parent's memory. Returns the last node; its memory holds the facts
// passing every test.
func (e *Engine) buildAlphaChain(p *propagation, ruleID, factType string, tests []*alphaTest) *alphaNode {
	net := e.net
	node := net.rootFor(factType)
	node.addRule(ruleID)

	// The type root's memory holds every fact of the type; fill it the
	// first time the type is referenced by a rule.
	if len(node.memory.facts) == 0 {
		for _, f := range e.wm.ofType(factType) {
			node.memory.add(f)
		}
	}

	for _, at := range tests {
		child, created := node.childFor(at, net.newID)
		child.addRule(ruleID)
		if created {
			net.alphas = append(net.alphas, child)
			net.dependOn(factType, child.id)
			for _, f := range node.memory.facts {
				pass, err := at.eval(f, e.opts.Evaluator)
				if err != nil {
					p.condErr(ruleID, f.Handle, at.field, err)
					continue
				}
				if pass {
					child.memory.add(f)
				}
			}
		}
		node = child
	}
	return node
}

// ---------------------------------------------------------------------------
// Type checking helpers

func sortAlphaTests(tests []*alphaTest) {
	sort.SliceStable(tests, func(i, j int) bool {
		if tests[i].kind != tests[j].kind {
			return tests[i].kind < tests[j].kind
		}
		return tests[i].key < tests[j].key
	})
}

func isNumeric(t Type) bool {
	switch t.(type) {
	case Int, Float:
		return true
	}
	return false
}

func isAny(t Type) bool {
	_, ok := t.(Any)
	return ok || t == nil
}

func orderable(t Type) bool {
	switch t.(type) {
	case String, Int, Float, Timestamp, Duration:
		return true
	}
	return false
}

// opAppliesTo rejects operators that can never succeed on the field's
// declared type.
func opAppliesTo(op Op, t Type) error {
	if isAny(t) {
		return nil
	}
	switch op {
	case Eq, Neq:
		return nil
	case Lt, Lte, Gt, Gte:
		if !orderable(t) {
			return fmt.Errorf("operator %s does not apply to %s", op, t)
		}
		return nil
	case Contains:
		switch t.(type) {
		case String, List, Map:
			return nil
		}
		return fmt.Errorf("operator %s does not apply to %s", op, t)
	}
	return fmt.Errorf("unknown operator %s", op)
}

// checkTestTypes verifies a comparison between two declared field types.
func checkTestTypes(op Op, left, right Type) error {
	if isAny(left) || isAny(right) {
		return nil
	}
	if err := opAppliesTo(op, left); err != nil {
		return err
	}
	if op == Contains {
		var elem Type
		switch lt := left.(type) {
		case String:
			elem = String{}
		case List:
			elem = lt.ValueType
		case Map:
			elem = lt.KeyType
		}
		return comparableTypes(elem, right)
	}
	return comparableTypes(left, right)
}

func comparableTypes(left, right Type) error {
	if isAny(left) || isAny(right) {
		return nil
	}
	if left.String() == right.String() {
		return nil
	}
	if isNumeric(left) && isNumeric(right) {
		return nil
	}
	return fmt.Errorf("cannot compare %s with %s", left, right)
}

// literalTargetType returns the type a test literal must coerce to: the
// element type for membership tests, the field type otherwise.
func literalTargetType(op Op, fieldType Type) Type {
	if op != Contains {
		return fieldType
	}
	switch t := fieldType.(type) {
	case List:
		return t.ValueType
	case Map:
		return t.KeyType
	case String:
		return String{}
	}
	return Any{}
}
