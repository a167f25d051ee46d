package rete_test

import (
	"fmt"
	"sync"

	"github.com/ezachrisen/rete"
)

// -------------------------------------------------- SCHEMAS
// Fact types shared by the tests: a small commerce domain with customers,
// orders and a derived tier classification.

func customerSchema() rete.Schema {
	return rete.Schema{
		Type: "customer",
		Elements: []rete.DataElement{
			{Name: "id", Type: rete.Int{}},
			{Name: "name", Type: rete.String{}},
			{Name: "totalSpent", Type: rete.Float{}},
			{Name: "status", Type: rete.String{}},
		},
	}
}

func orderSchema() rete.Schema {
	return rete.Schema{
		Type: "order",
		Elements: []rete.DataElement{
			{Name: "id", Type: rete.Int{}},
			{Name: "customerId", Type: rete.Int{}},
			{Name: "amount", Type: rete.Float{}},
			{Name: "status", Type: rete.String{}},
		},
	}
}

func tierSchema() rete.Schema {
	return rete.Schema{
		Type: "tier",
		Elements: []rete.DataElement{
			{Name: "customerId", Type: rete.Int{}},
			{Name: "level", Type: rete.String{}},
		},
	}
}

// newTestEngine returns an engine with the commerce schemas added.
func newTestEngine(opts ...rete.EngineOption) *rete.Engine {
	e := rete.NewEngine(opts...)
	err := e.AddSchema(customerSchema(), orderSchema(), tierSchema())
	if err != nil {
		panic(err)
	}
	return e
}

// premiumRule derives a tier fact for customers who spent enough.
func premiumRule() *rete.Rule {
	return &rete.Rule{
		ID:       "InferPremiumTier",
		Salience: 10,
		Condition: rete.Pattern{
			Var:  "c",
			Type: "customer",
			Where: []rete.FieldTest{
				{Field: "totalSpent", Op: rete.Gte, Value: 10000.0},
			},
		},
		Actions: []rete.Action{
			rete.Assert{
				Type:    "tier",
				Logical: true,
				Fields: map[string]interface{}{
					"customerId": rete.FieldRef{Var: "c", Field: "id"},
					"level":      "premium",
				},
			},
		},
	}
}

// matchRule matches every fact of the type, with no actions. Used to
// observe activations.
func matchRule(id string, salience int, factType string) *rete.Rule {
	return &rete.Rule{
		ID:        id,
		Salience:  salience,
		Condition: rete.Pattern{Var: "f", Type: factType},
	}
}

// -------------------------------------------------- RECORDING HANDLER
// recorder is an ActionHandler that captures the order rules fired in and
// the facts they matched.
type recorder struct {
	fired   []string
	handles [][]rete.FactHandle
}

func (r *recorder) Handle(e *rete.Engine, a *rete.Activation) error {
	r.fired = append(r.fired, a.Rule.ID)
	hs := make([]rete.FactHandle, len(a.Handles))
	copy(hs, a.Handles)
	r.handles = append(r.handles, hs)
	return nil
}

func (r *recorder) reset() {
	r.fired = nil
	r.handles = nil
}

// -------------------------------------------------- MOCK EVALUATOR
// mockEvaluator is used for testing the engine's handling of expression
// conditions without depending on a real expression language. It knows how
// to evaluate 3 strings: "true", "false" and "err"; everything else fails
// at compile time. It captures how many times expressions were evaluated.
type mockEvaluator struct {
	mu    sync.Mutex
	evals int
}

type mockProgram struct {
	expr string
}

func (m *mockEvaluator) Compile(expr string, s rete.Schema) (interface{}, error) {
	switch expr {
	case "true", "false", "err":
		return mockProgram{expr: expr}, nil
	}
	return nil, fmt.Errorf("mock compile: unknown expression %q", expr)
}

func (m *mockEvaluator) Evaluate(program interface{}, fields map[string]interface{}) (bool, error) {
	m.mu.Lock()
	m.evals++
	m.mu.Unlock()

	p, ok := program.(mockProgram)
	if !ok {
		return false, fmt.Errorf("mock evaluate: not a mock program: %T", program)
	}
	switch p.expr {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("mock evaluate: forced failure")
}
