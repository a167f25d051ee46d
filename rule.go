package rete

import (
	"fmt"
	"strings"
)

// bannedIDCharacters are characters that may not be present in a rule ID.
// The pipe is used internally to separate the rule ID from the token key
// when identifying activations.
const bannedIDCharacters = "|"

// Rule is a pattern-matching production: a condition over working memory and
// the actions to take for each distinct combination of facts that satisfies
// it.
//
// Rules are compiled into the engine's match network when added with
// AddRule. Every schema referenced by the rule's patterns must have been
// added first, and every field test is type-checked against the schema at
// that point.
//
// A simple rule:
//
//	r := rete.Rule{
//		ID:       "important_customer",
//		Salience: 10,
//		Condition: rete.Pattern{
//			Var:  "c",
//			Type: "customer",
//			Where: []rete.FieldTest{
//				{Field: "spend", Op: rete.Gt, Value: 10000.0},
//			},
//		},
//		Actions: []rete.Action{
//			rete.Assert{
//				Type: "tier",
//				Fields: map[string]interface{}{
//					"customer_id": rete.FieldRef{Var: "c", Field: "id"},
//					"level":       "gold",
//				},
//				Logical: true,
//			},
//		},
//	}
type Rule struct {
	// A rule ID, unique within the engine. (required)
	ID string

	// Firing priority. Activations with higher salience fire before
	// activations with lower salience; ties fire in the order the
	// activations were created.
	Salience int

	// The condition that facts in working memory must satisfy for the
	// rule to activate. (required)
	Condition Condition

	// Actions taken for each activation when it fires, in order.
	Actions []Action

	// A reference to an object whose meaning is not known to the engine,
	// carried on every activation of the rule.
	Meta interface{}
}

func (r *Rule) String() string {
	return fmt.Sprintf("%s (salience %d): %s", r.ID, r.Salience, r.Condition)
}

// validate performs the schema-independent checks on the rule's structure.
// Type checks against schemas happen when the rule is compiled into the
// network.
func (r *Rule) validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("rule ID is blank")
	}
	if strings.ContainsAny(r.ID, bannedIDCharacters) {
		return fmt.Errorf("rule ID '%s' contains banned characters (%s)", r.ID, bannedIDCharacters)
	}
	if r.Condition == nil {
		return fmt.Errorf("rule %s: condition is nil", r.ID)
	}
	if err := validateCondition(r.Condition); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	for i, a := range r.Actions {
		if err := a.validate(); err != nil {
			return fmt.Errorf("rule %s: action %d: %w", r.ID, i, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Conditions

// Condition is the interface implemented by the condition forms a rule can
// use: Pattern, And, Or, Not, Exists and Forall. The set is closed; the
// engine's compiler handles exactly these forms.
type Condition interface {
	fmt.Stringer
	condition()
}

// Pattern matches a single fact of the given type whose fields pass all the
// tests in Where. If Var is set, the matched fact is bound to that name and
// can be referenced by later patterns' tests (via FieldRef) and by actions.
type Pattern struct {
	// Optional binding name for the matched fact
	Var string

	// The fact type to match (required)
	Type string

	// Tests the fact's fields must pass. Tests whose value is a literal or
	// a same-fact FieldRef are evaluated in the alpha network; tests
	// referencing earlier bindings are evaluated at the join.
	Where []FieldTest

	// Optional expression evaluated against the fact's fields after the
	// Where tests pass. Requires an expression evaluator to be configured
	// on the engine (see the Evaluator option).
	Expr string
}

// And is satisfied when all of its sub-conditions are satisfied by a
// consistent set of facts.
type And []Condition

// Or is satisfied when at least one of its sub-conditions is satisfied. The
// rule activates separately for each satisfied alternative; a fact
// combination satisfying two alternatives fires the rule once per
// alternative.
type Or []Condition

// Not is satisfied when no fact matches the pattern. The pattern's tests may
// reference earlier bindings.
type Not struct {
	Pattern Pattern
}

// Exists is satisfied when at least one fact matches the pattern, without
// binding any particular one; the rule activates once no matter how many
// facts match.
type Exists struct {
	Pattern Pattern
}

// Forall is satisfied when every fact matching the Domain pattern also
// passes the Where tests. It is vacuously satisfied when no fact matches the
// domain.
type Forall struct {
	// The facts the condition quantifies over
	Domain Pattern

	// Tests every domain fact must also pass (required)
	Where []FieldTest
}

func (Pattern) condition() {}
func (And) condition()     {}
func (Or) condition()      {}
func (Not) condition()     {}
func (Exists) condition()  {}
func (Forall) condition()  {}

func (p Pattern) String() string {
	x := strings.Builder{}
	if p.Var != "" {
		x.WriteString(p.Var)
		x.WriteString(":")
	}
	x.WriteString(p.Type)
	if len(p.Where) > 0 || p.Expr != "" {
		x.WriteString("(")
		for i, t := range p.Where {
			if i > 0 {
				x.WriteString(", ")
			}
			x.WriteString(t.String())
		}
		if p.Expr != "" {
			if len(p.Where) > 0 {
				x.WriteString(", ")
			}
			x.WriteString(p.Expr)
		}
		x.WriteString(")")
	}
	return x.String()
}

func joinConditions(cs []Condition, sep string) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = c.String()
	}
	return strings.Join(parts, sep)
}

func (a And) String() string    { return "(" + joinConditions(a, " && ") + ")" }
func (o Or) String() string     { return "(" + joinConditions(o, " || ") + ")" }
func (n Not) String() string    { return "not " + n.Pattern.String() }
func (e Exists) String() string { return "exists " + e.Pattern.String() }

func (f Forall) String() string {
	parts := make([]string, len(f.Where))
	for i, t := range f.Where {
		parts[i] = t.String()
	}
	return "forall " + f.Domain.String() + " => (" + strings.Join(parts, ", ") + ")"
}

// validateCondition checks the structure of a condition tree. Empty And/Or
// lists, blank pattern types and unknown operators are rejected here; type
// checks against schemas are done at compile time.
func validateCondition(c Condition) error {
	switch cc := c.(type) {
	case Pattern:
		return validatePattern(cc)
	case And:
		if len(cc) == 0 {
			return fmt.Errorf("empty 'and' condition")
		}
		for _, sub := range cc {
			if sub == nil {
				return fmt.Errorf("nil condition inside 'and'")
			}
			if err := validateCondition(sub); err != nil {
				return err
			}
		}
		return nil
	case Or:
		if len(cc) == 0 {
			return fmt.Errorf("empty 'or' condition")
		}
		for _, sub := range cc {
			if sub == nil {
				return fmt.Errorf("nil condition inside 'or'")
			}
			if err := validateCondition(sub); err != nil {
				return err
			}
		}
		return nil
	case Not:
		if cc.Pattern.Var != "" {
			return fmt.Errorf("'not' pattern binds variable '%s'; negated patterns cannot bind", cc.Pattern.Var)
		}
		return validatePattern(cc.Pattern)
	case Exists:
		if cc.Pattern.Var != "" {
			return fmt.Errorf("'exists' pattern binds variable '%s'; existential patterns cannot bind", cc.Pattern.Var)
		}
		return validatePattern(cc.Pattern)
	case Forall:
		if cc.Domain.Var != "" {
			return fmt.Errorf("'forall' domain binds variable '%s'; quantified patterns cannot bind", cc.Domain.Var)
		}
		if len(cc.Where) == 0 {
			return fmt.Errorf("'forall' has no tests to check domain facts against")
		}
		if err := validatePattern(cc.Domain); err != nil {
			return err
		}
		for _, t := range cc.Where {
			if err := t.validate(); err != nil {
				return err
			}
		}
		return nil
	case nil:
		return fmt.Errorf("nil condition")
	default:
		return fmt.Errorf("unknown condition type %T", c)
	}
}

func validatePattern(p Pattern) error {
	if strings.TrimSpace(p.Type) == "" {
		return fmt.Errorf("pattern has blank fact type")
	}
	for _, t := range p.Where {
		if err := t.validate(); err != nil {
			return fmt.Errorf("pattern %s: %w", p.Type, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Field tests

// Op is a comparison operator in a field test.
type Op string

const (
	Eq  Op = "=="
	Neq Op = "!="
	Lt  Op = "<"
	Lte Op = "<="
	Gt  Op = ">"
	Gte Op = ">="

	// Contains applies to list fields (element membership), map fields
	// (key membership) and string fields (substring).
	Contains Op = "contains"
)

func validOp(o Op) bool {
	switch o {
	case Eq, Neq, Lt, Lte, Gt, Gte, Contains:
		return true
	}
	return false
}

// FieldTest is a single comparison between a field of the fact being matched
// and a value. The value is either a literal or a FieldRef naming a field of
// a bound fact.
type FieldTest struct {
	// Name of the field on the fact being matched (required)
	Field string

	// Comparison operator (required)
	Op Op

	// A literal, or a FieldRef
	Value interface{}
}

func (t FieldTest) String() string {
	if r, ok := t.Value.(FieldRef); ok {
		return fmt.Sprintf("%s %s %s", t.Field, t.Op, r)
	}
	return fmt.Sprintf("%s %s %v", t.Field, t.Op, t.Value)
}

func (t FieldTest) validate() error {
	if strings.TrimSpace(t.Field) == "" {
		return fmt.Errorf("field test has blank field name")
	}
	if !validOp(t.Op) {
		return fmt.Errorf("field test on '%s' has unknown operator '%s'", t.Field, t.Op)
	}
	return nil
}

// FieldRef refers to a field of a fact bound earlier in the condition. With
// a blank Var it refers to another field of the same fact the enclosing test
// applies to.
type FieldRef struct {
	// The binding name of an earlier pattern; blank means the current fact
	Var string

	// The field to read (required)
	Field string
}

func (r FieldRef) String() string {
	if r.Var == "" {
		return "." + r.Field
	}
	return r.Var + "." + r.Field
}

// ---------------------------------------------------------------------------
// Actions

// Action is the interface implemented by the declarative rule actions Assert
// and Retract. Actions are applied by the engine when an activation fires,
// before the engine's ActionHandler (if any) is called.
type Action interface {
	action()
	validate() error
}

// Assert adds a fact to working memory when the rule fires. Field values may
// be literals or FieldRefs copying values from the facts bound by the rule's
// condition.
//
// With Logical set, the fact is justified by the firing: it remains valid
// only while the facts that matched the rule's condition remain valid, and
// is invalidated automatically when any of them is retracted or invalidated.
// Without Logical, the fact is explicit, as if inserted from outside.
type Assert struct {
	// The fact type to assert (required)
	Type string

	// Field values; FieldRef values are resolved against the activation
	Fields map[string]interface{}

	// Justify the fact by this firing instead of making it explicit
	Logical bool
}

// Retract removes the fact bound to Var when the rule fires, cascading to
// any logical facts that depended on it.
type Retract struct {
	// The binding name of the fact to retract (required)
	Var string
}

func (Assert) action()  {}
func (Retract) action() {}

func (a Assert) validate() error {
	if strings.TrimSpace(a.Type) == "" {
		return fmt.Errorf("assert action has blank fact type")
	}
	return nil
}

func (r Retract) validate() error {
	if strings.TrimSpace(r.Var) == "" {
		return fmt.Errorf("retract action has blank variable name")
	}
	return nil
}
