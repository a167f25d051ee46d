package rete

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// This file loads schema and rule definitions from YAML, so rule sets can
// live next to the services that use them instead of in Go source. The
// format:
//
//	schemas:
//	  - type: order
//	    elements:
//	      - name: amount
//	        type: float
//	      - name: status
//	        type: string
//
//	rules:
//	  - id: large_order
//	    salience: 10
//	    when:
//	      match:
//	        var: o
//	        type: order
//	        where:
//	          - { field: amount, op: ">=", value: 1000 }
//	    then:
//	      - assert:
//	          type: review
//	          logical: true
//	          fields:
//	            orderId: { ref: o.id }
//
// A condition is exactly one of match, all, any, not, exists or forall.
// Field tests compare against a literal (value) or another bound fact's
// field (ref, written "var.field"; ".field" refers to the fact being
// matched). Loading is structural; AddSchema and AddRule do the semantic
// checks.

// Definitions is a set of schemas and rules read from YAML.
type Definitions struct {
	Schemas []Schema
	Rules   []*Rule
}

// ParseDefinitions reads a YAML definition document.
func ParseDefinitions(data []byte) (*Definitions, error) {
	var raw struct {
		Schemas []schemaSpec `yaml:"schemas"`
		Rules   []ruleSpec   `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing definitions: %w", err)
	}

	d := &Definitions{}
	for i := range raw.Schemas {
		s, err := raw.Schemas[i].schema()
		if err != nil {
			return nil, err
		}
		d.Schemas = append(d.Schemas, s)
	}
	for i := range raw.Rules {
		r, err := raw.Rules[i].rule()
		if err != nil {
			return nil, err
		}
		d.Rules = append(d.Rules, r)
	}
	return d, nil
}

// LoadDefinitionsFile reads a YAML definition file.
func LoadDefinitionsFile(path string) (*Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDefinitions(data)
}

// LoadDefinitionsFile reads a YAML definition file and adds its schemas and
// rules to the engine, in document order.
func (e *Engine) LoadDefinitionsFile(path string) error {
	d, err := LoadDefinitionsFile(path)
	if err != nil {
		return err
	}
	if err := e.AddSchema(d.Schemas...); err != nil {
		return err
	}
	return e.AddRule(d.Rules...)
}

// ---------------------------------------------------------------------------
// YAML shapes

type schemaSpec struct {
	Type        string        `yaml:"type"`
	Description string        `yaml:"description"`
	Elements    []elementSpec `yaml:"elements"`
}

type elementSpec struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
}

func (s *schemaSpec) schema() (Schema, error) {
	out := Schema{Type: s.Type, Description: s.Description}
	for _, el := range s.Elements {
		t, err := ParseType(el.Type)
		if err != nil {
			return Schema{}, fmt.Errorf("schema '%s', field '%s': %w", s.Type, el.Name, err)
		}
		out.Elements = append(out.Elements, DataElement{
			Name:        el.Name,
			Type:        t,
			Description: el.Description,
		})
	}
	return out, nil
}

type ruleSpec struct {
	ID       string        `yaml:"id"`
	Salience int           `yaml:"salience"`
	Meta     interface{}   `yaml:"meta"`
	When     conditionSpec `yaml:"when"`
	Then     []actionSpec  `yaml:"then"`
}

func (r *ruleSpec) rule() (*Rule, error) {
	if r.When.c == nil {
		return nil, fmt.Errorf("rule '%s': no condition", r.ID)
	}
	out := &Rule{
		ID:        r.ID,
		Salience:  r.Salience,
		Meta:      r.Meta,
		Condition: r.When.c,
	}
	for i := range r.Then {
		a, err := r.Then[i].action(r.ID)
		if err != nil {
			return nil, err
		}
		out.Actions = append(out.Actions, a)
	}
	return out, nil
}

// conditionSpec decodes exactly one of the condition forms.
type conditionSpec struct {
	c Condition
}

func (c *conditionSpec) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Match  *patternSpec    `yaml:"match"`
		All    []conditionSpec `yaml:"all"`
		Any    []conditionSpec `yaml:"any"`
		Not    *patternSpec    `yaml:"not"`
		Exists *patternSpec    `yaml:"exists"`
		Forall *forallSpec     `yaml:"forall"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	n := 0
	if raw.Match != nil {
		n++
	}
	if raw.All != nil {
		n++
	}
	if raw.Any != nil {
		n++
	}
	if raw.Not != nil {
		n++
	}
	if raw.Exists != nil {
		n++
	}
	if raw.Forall != nil {
		n++
	}
	if n != 1 {
		return fmt.Errorf("line %d: a condition must be exactly one of match, all, any, not, exists, forall", value.Line)
	}

	switch {
	case raw.Match != nil:
		p, err := raw.Match.pattern()
		if err != nil {
			return err
		}
		c.c = p
	case raw.All != nil:
		var and And
		for i := range raw.All {
			and = append(and, raw.All[i].c)
		}
		c.c = and
	case raw.Any != nil:
		var or Or
		for i := range raw.Any {
			or = append(or, raw.Any[i].c)
		}
		c.c = or
	case raw.Not != nil:
		p, err := raw.Not.pattern()
		if err != nil {
			return err
		}
		c.c = Not{Pattern: p}
	case raw.Exists != nil:
		p, err := raw.Exists.pattern()
		if err != nil {
			return err
		}
		c.c = Exists{Pattern: p}
	case raw.Forall != nil:
		f, err := raw.Forall.forall()
		if err != nil {
			return err
		}
		c.c = f
	}
	return nil
}

type patternSpec struct {
	Var   string     `yaml:"var"`
	Type  string     `yaml:"type"`
	Where []testSpec `yaml:"where"`
	Expr  string     `yaml:"expr"`
}

func (p *patternSpec) pattern() (Pattern, error) {
	out := Pattern{Var: p.Var, Type: p.Type, Expr: p.Expr}
	for i := range p.Where {
		t, err := p.Where[i].test()
		if err != nil {
			return Pattern{}, err
		}
		out.Where = append(out.Where, t)
	}
	return out, nil
}

type forallSpec struct {
	Type   string     `yaml:"type"`
	Domain []testSpec `yaml:"domain"`
	Where  []testSpec `yaml:"where"`
}

func (f *forallSpec) forall() (Forall, error) {
	out := Forall{Domain: Pattern{Type: f.Type}}
	for i := range f.Domain {
		t, err := f.Domain[i].test()
		if err != nil {
			return Forall{}, err
		}
		out.Domain.Where = append(out.Domain.Where, t)
	}
	for i := range f.Where {
		t, err := f.Where[i].test()
		if err != nil {
			return Forall{}, err
		}
		out.Where = append(out.Where, t)
	}
	return out, nil
}

type testSpec struct {
	Field string      `yaml:"field"`
	Op    string      `yaml:"op"`
	Value interface{} `yaml:"value"`
	Ref   string      `yaml:"ref"`
}

func (t *testSpec) test() (FieldTest, error) {
	out := FieldTest{Field: t.Field, Op: Op(t.Op)}
	if t.Ref != "" {
		if t.Value != nil {
			return FieldTest{}, fmt.Errorf("test on '%s': value and ref are mutually exclusive", t.Field)
		}
		ref, err := parseRef(t.Ref)
		if err != nil {
			return FieldTest{}, fmt.Errorf("test on '%s': %w", t.Field, err)
		}
		out.Value = ref
		return out, nil
	}
	out.Value = t.Value
	return out, nil
}

// parseRef reads a "var.field" reference. A leading dot refers to the fact
// being matched.
func parseRef(s string) (FieldRef, error) {
	i := strings.Index(s, ".")
	if i < 0 || i == len(s)-1 {
		return FieldRef{}, fmt.Errorf("ref '%s': want 'var.field' or '.field'", s)
	}
	return FieldRef{Var: s[:i], Field: s[i+1:]}, nil
}

// actionSpec decodes exactly one of assert, retract.
type actionSpec struct {
	Assert  *assertSpec `yaml:"assert"`
	Retract string      `yaml:"retract"`
}

type assertSpec struct {
	Type    string                 `yaml:"type"`
	Logical bool                   `yaml:"logical"`
	Fields  map[string]interface{} `yaml:"fields"`
}

func (a *actionSpec) action(ruleID string) (Action, error) {
	switch {
	case a.Assert != nil && a.Retract != "":
		return nil, fmt.Errorf("rule '%s': an action must be exactly one of assert, retract", ruleID)
	case a.Assert != nil:
		out := Assert{Type: a.Assert.Type, Logical: a.Assert.Logical, Fields: map[string]interface{}{}}
		for k, v := range a.Assert.Fields {
			fv, err := fieldValue(v)
			if err != nil {
				return nil, fmt.Errorf("rule '%s': assert field '%s': %w", ruleID, k, err)
			}
			out.Fields[k] = fv
		}
		return out, nil
	case a.Retract != "":
		return Retract{Var: a.Retract}, nil
	}
	return nil, fmt.Errorf("rule '%s': an action must be exactly one of assert, retract", ruleID)
}

// fieldValue maps a YAML value to an action field: a single-key
// { ref: var.field } map becomes a FieldRef, everything else is a literal.
func fieldValue(v interface{}) (interface{}, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return v, nil
	}
	ref, ok := m["ref"]
	if !ok || len(m) != 1 {
		return v, nil
	}
	s, ok := ref.(string)
	if !ok {
		return nil, fmt.Errorf("ref must be a string, got %T", ref)
	}
	return parseRef(s)
}
