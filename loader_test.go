package rete_test

import (
	"sort"
	"strings"
	"testing"

	"github.com/ezachrisen/rete"
)

func TestParseDefinitions(t *testing.T) {
	doc := `
schemas:
  - type: sensor
    elements:
      - name: id
        type: int
      - name: readings
        type: "[]float"
      - name: labels
        type: map[string]string
      - name: window
        type: duration

rules:
  - id: hot
    salience: 7
    meta: ops
    when:
      all:
        - match:
            var: s
            type: sensor
            where:
              - { field: readings, op: contains, value: 100.5 }
              - { field: id, op: "==", ref: .id }
        - not:
            type: sensor
            where:
              - { field: id, op: "!=", ref: s.id }
    then:
      - assert:
          type: alert
          logical: true
          fields:
            sensorId: { ref: s.id }
            severity: high
      - retract: s

  - id: coverage
    when:
      any:
        - exists:
            type: sensor
            where:
              - { field: id, op: ">", value: 0 }
        - forall:
            type: sensor
            domain:
              - { field: id, op: ">=", value: 10 }
            where:
              - { field: id, op: "<", value: 100 }
`
	d, err := rete.ParseDefinitions([]byte(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(d.Schemas) != 1 || len(d.Rules) != 2 {
		t.Fatalf("got %d schemas, %d rules", len(d.Schemas), len(d.Rules))
	}

	s := d.Schemas[0]
	if s.Type != "sensor" || len(s.Elements) != 4 {
		t.Fatalf("schema parsed as %+v", s)
	}
	if _, ok := s.Elements[0].Type.(rete.Int); !ok {
		t.Errorf("id parsed as %v", s.Elements[0].Type)
	}
	list, ok := s.Elements[1].Type.(rete.List)
	if !ok {
		t.Fatalf("readings parsed as %v", s.Elements[1].Type)
	}
	if _, ok := list.ValueType.(rete.Float); !ok {
		t.Errorf("readings element parsed as %v", list.ValueType)
	}
	m, ok := s.Elements[2].Type.(rete.Map)
	if !ok {
		t.Fatalf("labels parsed as %v", s.Elements[2].Type)
	}
	if _, ok := m.KeyType.(rete.String); !ok {
		t.Errorf("labels key parsed as %v", m.KeyType)
	}
	if _, ok := m.ValueType.(rete.String); !ok {
		t.Errorf("labels value parsed as %v", m.ValueType)
	}
	if _, ok := s.Elements[3].Type.(rete.Duration); !ok {
		t.Errorf("window parsed as %v", s.Elements[3].Type)
	}

	hot := d.Rules[0]
	if hot.ID != "hot" || hot.Salience != 7 || hot.Meta != "ops" {
		t.Fatalf("rule header parsed as %+v", hot)
	}
	and, ok := hot.Condition.(rete.And)
	if !ok || len(and) != 2 {
		t.Fatalf("condition parsed as %T", hot.Condition)
	}
	p, ok := and[0].(rete.Pattern)
	if !ok {
		t.Fatalf("first conjunct parsed as %T", and[0])
	}
	if p.Var != "s" || p.Type != "sensor" || len(p.Where) != 2 {
		t.Fatalf("pattern parsed as %+v", p)
	}
	if p.Where[0].Field != "readings" || p.Where[0].Op != rete.Contains || p.Where[0].Value != 100.5 {
		t.Errorf("first test parsed as %+v", p.Where[0])
	}
	if p.Where[1].Value != (rete.FieldRef{Field: "id"}) {
		t.Errorf("self reference parsed as %+v", p.Where[1].Value)
	}
	not, ok := and[1].(rete.Not)
	if !ok {
		t.Fatalf("second conjunct parsed as %T", and[1])
	}
	if not.Pattern.Type != "sensor" || len(not.Pattern.Where) != 1 {
		t.Fatalf("not parsed as %+v", not)
	}
	if not.Pattern.Where[0].Op != rete.Neq || not.Pattern.Where[0].Value != (rete.FieldRef{Var: "s", Field: "id"}) {
		t.Errorf("not test parsed as %+v", not.Pattern.Where[0])
	}

	if len(hot.Actions) != 2 {
		t.Fatalf("got %d actions", len(hot.Actions))
	}
	assert, ok := hot.Actions[0].(rete.Assert)
	if !ok {
		t.Fatalf("first action parsed as %T", hot.Actions[0])
	}
	if assert.Type != "alert" || !assert.Logical {
		t.Errorf("assert parsed as %+v", assert)
	}
	if assert.Fields["sensorId"] != (rete.FieldRef{Var: "s", Field: "id"}) {
		t.Errorf("ref field parsed as %+v", assert.Fields["sensorId"])
	}
	if assert.Fields["severity"] != "high" {
		t.Errorf("literal field parsed as %+v", assert.Fields["severity"])
	}
	retract, ok := hot.Actions[1].(rete.Retract)
	if !ok || retract.Var != "s" {
		t.Fatalf("second action parsed as %T %+v", hot.Actions[1], hot.Actions[1])
	}

	or, ok := d.Rules[1].Condition.(rete.Or)
	if !ok || len(or) != 2 {
		t.Fatalf("coverage condition parsed as %T", d.Rules[1].Condition)
	}
	exists, ok := or[0].(rete.Exists)
	if !ok {
		t.Fatalf("first branch parsed as %T", or[0])
	}
	if exists.Pattern.Type != "sensor" || exists.Pattern.Where[0].Op != rete.Gt {
		t.Errorf("exists parsed as %+v", exists)
	}
	forall, ok := or[1].(rete.Forall)
	if !ok {
		t.Fatalf("second branch parsed as %T", or[1])
	}
	if forall.Domain.Type != "sensor" || len(forall.Domain.Where) != 1 || forall.Domain.Where[0].Value != 10 {
		t.Errorf("forall domain parsed as %+v", forall.Domain)
	}
	if len(forall.Where) != 1 || forall.Where[0].Op != rete.Lt {
		t.Errorf("forall restriction parsed as %+v", forall.Where)
	}
}

func TestParseDefinitionsErrors(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "two condition forms",
			doc: `
rules:
  - id: r
    when:
      match: { var: o, type: order }
      all:
        - match: { var: o, type: order }
`,
			want: "exactly one of match",
		},
		{
			name: "empty condition",
			doc: `
rules:
  - id: r
    when: {}
`,
			want: "exactly one of match",
		},
		{
			name: "missing condition",
			doc: `
rules:
  - id: r
    then:
      - retract: o
`,
			want: "no condition",
		},
		{
			name: "value and ref",
			doc: `
rules:
  - id: r
    when:
      match:
        var: o
        type: order
        where:
          - { field: customerId, op: "==", value: 1, ref: c.id }
`,
			want: "mutually exclusive",
		},
		{
			name: "ref without a dot",
			doc: `
rules:
  - id: r
    when:
      match:
        var: o
        type: order
        where:
          - { field: customerId, op: "==", ref: customers }
`,
			want: "want 'var.field'",
		},
		{
			name: "assert and retract in one action",
			doc: `
rules:
  - id: r
    when:
      match: { var: o, type: order }
    then:
      - assert:
          type: review
        retract: o
`,
			want: "exactly one of assert",
		},
		{
			name: "empty action",
			doc: `
rules:
  - id: r
    when:
      match: { var: o, type: order }
    then:
      - {}
`,
			want: "exactly one of assert",
		},
		{
			name: "assert ref not a string",
			doc: `
rules:
  - id: r
    when:
      match: { var: o, type: order }
    then:
      - assert:
          type: review
          fields:
            orderId: { ref: 12 }
`,
			want: "ref must be a string",
		},
		{
			name: "unknown element type",
			doc: `
schemas:
  - type: sensor
    elements:
      - name: id
        type: quaternion
`,
			want: "unrecognized type",
		},
		{
			name: "malformed yaml",
			doc:  "rules: [",
			want: "parsing definitions",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := rete.ParseDefinitions([]byte(c.doc))
			if err == nil {
				t.Fatal("wanted error")
			}
			if !strings.Contains(err.Error(), c.want) {
				t.Errorf("got %q, wanted it to mention %q", err, c.want)
			}
		})
	}
}

// The condition line is reported so rule authors can find the problem in
// large files.
func TestParseDefinitionsErrorLine(t *testing.T) {
	doc := `rules:
  - id: r
    when: {}
`
	_, err := rete.ParseDefinitions([]byte(doc))
	if err == nil {
		t.Fatal("wanted error")
	}
	if !strings.Contains(err.Error(), "line 3") {
		t.Errorf("got %q, wanted the condition line", err)
	}
}

func TestLoadDefinitionsFile(t *testing.T) {
	e := rete.NewEngine()
	if err := e.LoadDefinitionsFile("testdata/definitions.yaml"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.RuleCount() != 7 {
		t.Fatalf("got %d rules, wanted 7", e.RuleCount())
	}
	types := e.SchemaTypes()
	wantTypes := []string{"customer", "order", "review"}
	if len(types) != len(wantTypes) {
		t.Fatalf("got types %v", types)
	}
	for i := range wantTypes {
		if types[i] != wantTypes[i] {
			t.Fatalf("got types %v, wanted %v", types, wantTypes)
		}
	}

	// A vip customer with one large open order, and a customer with none.
	if _, err := e.Insert("customer", map[string]interface{}{"id": 1, "region": "west", "vip": true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.Insert("customer", map[string]interface{}{"id": 2, "region": "east", "vip": false}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.Insert("order", map[string]interface{}{"id": 100, "customerId": 1, "amount": 1500.0, "status": "open"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := e.FireAll()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var fired []string
	for _, f := range res.Firings {
		fired = append(fired, f.Rule)
	}
	sort.Strings(fired)
	want := []string{"all_shipped", "has_big_order", "large_order", "lonely_customer", "vip_order"}
	if len(fired) != len(want) {
		t.Fatalf("got firings %v, wanted %v", fired, want)
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Fatalf("got firings %v, wanted %v", fired, want)
		}
	}

	reviews := e.FactsByType("review")
	if len(reviews) != 2 {
		t.Fatalf("got %d reviews, wanted 2", len(reviews))
	}
	reasons := map[string]bool{}
	for _, r := range reviews {
		if r.Fields["orderId"] != int64(100) {
			t.Errorf("review for order %v", r.Fields["orderId"])
		}
		if !r.Logical {
			t.Error("review not logical")
		}
		reasons[r.Fields["reason"].(string)] = true
	}
	if !reasons["large"] || !reasons["vip"] {
		t.Errorf("got reasons %v", reasons)
	}

	// A cancelled order is retracted by rule, and the quantified rules for
	// its customer re-derive.
	oh, err := e.Insert("order", map[string]interface{}{"id": 200, "customerId": 2, "amount": 50.0, "status": "cancelled"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err = e.FireAll()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Cycles != 3 {
		t.Fatalf("got %d cycles, wanted 3", res.Cycles)
	}
	if res.Firings[0].Rule != "drop_cancelled" {
		t.Fatalf("first firing was %s", res.Firings[0].Rule)
	}
	if len(res.Firings[0].Retracted) != 1 || res.Firings[0].Retracted[0] != oh {
		t.Errorf("retracted %v, wanted [%d]", res.Firings[0].Retracted, oh)
	}
	if res.Firings[1].Rule != "lonely_customer" || res.Firings[2].Rule != "all_shipped" {
		t.Errorf("re-derivation fired %s, %s", res.Firings[1].Rule, res.Firings[2].Rule)
	}
	if _, ok := e.Fact(oh); ok {
		t.Error("cancelled order still present")
	}
	if n := len(e.FactsByType("order")); n != 1 {
		t.Errorf("got %d orders, wanted 1", n)
	}
}

func TestLoadDefinitionsFileMissing(t *testing.T) {
	if _, err := rete.LoadDefinitionsFile("testdata/no_such_file.yaml"); err == nil {
		t.Fatal("wanted error")
	}
	e := rete.NewEngine()
	if err := e.LoadDefinitionsFile("testdata/no_such_file.yaml"); err == nil {
		t.Fatal("wanted error")
	}
}
