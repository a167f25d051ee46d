package rete_test

import (
	"fmt"
	"testing"

	"github.com/ezachrisen/rete"
)

// thresholdRule filters customers by spend; distinct literals keep the
// alpha chains from being shared, so n rules mean n tests per insert.
func thresholdRule(id string, min float64) *rete.Rule {
	return &rete.Rule{
		ID: id,
		Condition: rete.Pattern{
			Var:  "c",
			Type: "customer",
			Where: []rete.FieldTest{
				{Field: "totalSpent", Op: rete.Gte, Value: min},
			},
		},
	}
}

// Insert throughput against 50 non-matching rules: pure alpha network
// evaluation, no activations.
func BenchmarkInsert(b *testing.B) {
	e := newTestEngine()
	rules := make([]*rete.Rule, 0, 50)
	for i := 0; i < 50; i++ {
		rules = append(rules, thresholdRule(fmt.Sprintf("threshold_%d", i), float64(1000+i)))
	}
	if err := e.AddRule(rules...); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := e.Insert("customer", map[string]interface{}{"id": i, "totalSpent": 100.0}); err != nil {
			b.Fatal(err)
		}
	}
}

// One full derivation cycle: insert a premise, fire the rule that derives
// a logical fact, retract the premise and with it the derivation.
func BenchmarkDeriveRetract(b *testing.B) {
	e := newTestEngine()
	if err := e.AddRule(premiumRule()); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		h, err := e.Insert("customer", map[string]interface{}{"id": i, "totalSpent": 20000.0})
		if err != nil {
			b.Fatal(err)
		}
		if _, err := e.FireAll(); err != nil {
			b.Fatal(err)
		}
		if err := e.Retract(h); err != nil {
			b.Fatal(err)
		}
	}
}

// Joining each arriving order to one of 1000 customers through the
// equality index.
func BenchmarkJoinInsert(b *testing.B) {
	e := newTestEngine()
	err := e.AddRule(&rete.Rule{
		ID: "customer_orders",
		Condition: rete.And{
			rete.Pattern{Var: "c", Type: "customer"},
			rete.Pattern{Var: "o", Type: "order", Where: []rete.FieldTest{
				{Field: "customerId", Op: rete.Eq, Value: rete.FieldRef{Var: "c", Field: "id"}},
			}},
		},
	})
	if err != nil {
		b.Fatal(err)
	}
	for i := 0; i < 1000; i++ {
		if _, err := e.Insert("customer", map[string]interface{}{"id": i}); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := e.Insert("order", map[string]interface{}{"id": i, "customerId": i % 1000}); err != nil {
			b.Fatal(err)
		}
	}
}

// A rule-set mutation pays for a full rebuild: schema and rule recompile,
// fact replay and re-derivation.
func BenchmarkVaultRebuild(b *testing.B) {
	e := newTestEngine()
	rules := []*rete.Rule{premiumRule()}
	for i := 0; i < 20; i++ {
		rules = append(rules, thresholdRule(fmt.Sprintf("threshold_%d", i), float64(1000+i*500)))
	}
	if err := e.AddRule(rules...); err != nil {
		b.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		if _, err := e.Insert("customer", map[string]interface{}{"id": i, "totalSpent": float64(i * 150)}); err != nil {
			b.Fatal(err)
		}
	}
	if _, err := e.FireAll(); err != nil {
		b.Fatal(err)
	}
	v := rete.NewVault(e)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		mut := []rete.RuleMutation{{ID: "threshold_7", Rule: thresholdRule("threshold_7", float64(i))}}
		if _, err := v.ApplyMutations(mut); err != nil {
			b.Fatal(err)
		}
	}
}
