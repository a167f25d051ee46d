package rete_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ezachrisen/rete"
)

func TestVaultReplace(t *testing.T) {
	e := newTestEngine()
	if err := e.AddRule(premiumRule()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ch, err := e.Insert("customer", map[string]interface{}{"id": 1, "name": "Ada", "totalSpent": 15000.0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.FireAll(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	v := rete.NewVault(e)
	if v.Current() != e {
		t.Fatal("vault does not hold the engine it was built with")
	}

	// Replace the derivation rule with one that assigns a different level
	gold := premiumRule()
	gold.Actions = []rete.Action{
		rete.Assert{
			Type:    "tier",
			Logical: true,
			Fields: map[string]interface{}{
				"customerId": rete.FieldRef{Var: "c", Field: "id"},
				"level":      "gold",
			},
		},
	}
	res, err := v.ApplyMutations([]rete.RuleMutation{{ID: "InferPremiumTier", Rule: gold}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Firings) != 1 || res.Firings[0].Rule != "InferPremiumTier" {
		t.Fatalf("re-derivation fired %+v", res.Firings)
	}

	cur := v.Current()
	if cur == e {
		t.Fatal("engine was not swapped")
	}
	tiers := cur.FactsByType("tier")
	if len(tiers) != 1 {
		t.Fatalf("got %d tier facts, wanted 1", len(tiers))
	}
	if got := tiers[0].Fields["level"]; got != "gold" {
		t.Errorf("got level %v, wanted gold", got)
	}
	customers := cur.FactsByType("customer")
	if len(customers) != 1 || customers[0].Fields["name"] != "Ada" {
		t.Errorf("replayed customers wrong: %+v", customers)
	}

	// The swapped-out engine is a snapshot: its facts and rules are untouched
	if _, ok := e.Fact(ch); !ok {
		t.Error("customer gone from the old engine")
	}
	old := e.FactsByType("tier")
	if len(old) != 1 || old[0].Fields["level"] != "premium" {
		t.Errorf("old engine changed: %+v", old)
	}
}

func TestVaultAddDelete(t *testing.T) {
	e := newTestEngine()
	if err := e.AddRule(premiumRule()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.Insert("customer", map[string]interface{}{"id": 1, "name": "Grace", "totalSpent": 15000.0}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.FireAll(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v := rete.NewVault(e)

	res, err := v.ApplyMutations([]rete.RuleMutation{
		{ID: "audit_customers", Rule: matchRule("audit_customers", 0, "customer")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var fired []string
	for _, f := range res.Firings {
		fired = append(fired, f.Rule)
	}
	want := []string{"InferPremiumTier", "audit_customers"}
	if len(fired) != len(want) || fired[0] != want[0] || fired[1] != want[1] {
		t.Errorf("got firings %v, wanted %v", fired, want)
	}

	cur := v.Current()
	if cur.RuleCount() != 2 {
		t.Fatalf("got %d rules, wanted 2", cur.RuleCount())
	}
	// kept rules stay in their original position, added rules follow
	rules := cur.Rules()
	if rules[0].ID != "InferPremiumTier" || rules[1].ID != "audit_customers" {
		t.Errorf("rule order wrong: %s, %s", rules[0].ID, rules[1].ID)
	}

	// Deleting the derivation rule removes the derived fact on rebuild
	res, err = v.ApplyMutations([]rete.RuleMutation{{ID: "InferPremiumTier"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cur = v.Current()
	if cur.RuleCount() != 1 {
		t.Fatalf("got %d rules, wanted 1", cur.RuleCount())
	}
	if n := len(cur.FactsByType("tier")); n != 0 {
		t.Errorf("got %d tier facts after deleting the rule, wanted 0", n)
	}
	if n := len(cur.FactsByType("customer")); n != 1 {
		t.Errorf("got %d customer facts, wanted 1", n)
	}
	if len(res.Firings) != 1 || res.Firings[0].Rule != "audit_customers" {
		t.Errorf("re-derivation fired %+v", res.Firings)
	}
}

func TestVaultDeleteMissing(t *testing.T) {
	e := newTestEngine()
	if err := e.AddRule(premiumRule()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v := rete.NewVault(e)
	before := v.Current()

	_, err := v.ApplyMutations([]rete.RuleMutation{{ID: "no_such_rule"}})
	if err == nil {
		t.Fatal("wanted error deleting an unknown rule")
	}
	if !errors.Is(err, rete.ErrRuleNotFound) {
		t.Errorf("got %v, wanted ErrRuleNotFound", err)
	}
	if v.Current() != before {
		t.Error("engine swapped despite the error")
	}
}

func TestVaultMutationValidation(t *testing.T) {
	e := newTestEngine()
	if err := e.AddRule(premiumRule()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v := rete.NewVault(e)
	before := v.Current()

	// missing ID
	_, err := v.ApplyMutations([]rete.RuleMutation{{Rule: matchRule("x", 0, "customer")}})
	if err == nil {
		t.Error("wanted error for mutation without an ID")
	}

	// mutation ID and rule ID disagree
	_, err = v.ApplyMutations([]rete.RuleMutation{{ID: "a", Rule: matchRule("b", 0, "customer")}})
	if err == nil {
		t.Error("wanted error for mismatched rule ID")
	}

	// a bad mutation aborts the whole batch
	_, err = v.ApplyMutations([]rete.RuleMutation{
		{ID: "new_one", Rule: matchRule("new_one", 0, "customer")},
		{Rule: matchRule("broken", 0, "customer")},
	})
	if err == nil {
		t.Fatal("wanted error for the batch")
	}
	if v.Current() != before {
		t.Error("engine swapped despite the error")
	}
	if _, ok := v.Current().Rule("new_one"); ok {
		t.Error("earlier mutation in the failed batch was applied")
	}
}

func TestVaultReplayAssignsNewHandles(t *testing.T) {
	e := newTestEngine()
	if err := e.AddRule(premiumRule()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Interleave explicit and derived facts so the replay compacts handles:
	// customer 1, tier 2, customer 3, tier 4 in the original engine.
	if _, err := e.Insert("customer", map[string]interface{}{"id": 1, "totalSpent": 15000.0}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.FireAll(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h3, err := e.Insert("customer", map[string]interface{}{"id": 2, "totalSpent": 20000.0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h3 != 3 {
		t.Fatalf("got handle %d for the second customer, wanted 3", h3)
	}
	if _, err := e.FireAll(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	v := rete.NewVault(e)
	res, err := v.ApplyMutations(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Cycles != 2 {
		t.Errorf("got %d cycles, wanted 2", res.Cycles)
	}

	cur := v.Current()
	customers := cur.FactsByType("customer")
	if len(customers) != 2 {
		t.Fatalf("got %d customers, wanted 2", len(customers))
	}
	// explicit facts are replayed in handle order, so they come first
	if customers[0].Handle != 1 || customers[1].Handle != 2 {
		t.Errorf("got customer handles %d, %d, wanted 1, 2", customers[0].Handle, customers[1].Handle)
	}
	tiers := cur.FactsByType("tier")
	if len(tiers) != 2 {
		t.Fatalf("got %d tiers, wanted 2", len(tiers))
	}
	for i, tier := range tiers {
		if !tier.Logical {
			t.Errorf("tier %d not logical after replay", i)
		}
		justs := cur.TMS().Justifications(tier.Handle)
		if len(justs) != 1 {
			t.Fatalf("tier %d has %d justifications, wanted 1", i, len(justs))
		}
		if len(justs[0].Premises) != 1 || justs[0].Premises[0] != customers[i].Handle {
			t.Errorf("tier %d justified by %v, wanted [%d]", i, justs[0].Premises, customers[i].Handle)
		}
	}
}

func TestVaultOptionsCarryOver(t *testing.T) {
	rec := &recorder{}
	e := newTestEngine(rete.Executor(rec), rete.Evaluator(&mockEvaluator{}))
	exprGate := &rete.Rule{
		ID:        "expr_gate",
		Condition: rete.Pattern{Var: "c", Type: "customer", Expr: "true"},
	}
	if err := e.AddRule(premiumRule(), exprGate); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.Insert("customer", map[string]interface{}{"id": 1, "totalSpent": 12000.0}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.FireAll(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec.reset()

	// The rebuilt engine keeps the evaluator (expr_gate recompiles) and the
	// handler (the replayed firings go through it again).
	v := rete.NewVault(e)
	if _, err := v.ApplyMutations([]rete.RuleMutation{
		{ID: "count_customers", Rule: matchRule("count_customers", 5, "customer")},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"InferPremiumTier", "count_customers", "expr_gate"}
	if len(rec.fired) != len(want) {
		t.Fatalf("got firings %v, wanted %v", rec.fired, want)
	}
	for i := range want {
		if rec.fired[i] != want[i] {
			t.Errorf("firing %d: got %s, wanted %s", i, rec.fired[i], want[i])
		}
	}
}

// failOn refuses to handle firings of one rule.
type failOn struct {
	rule string
}

func (f failOn) Handle(e *rete.Engine, a *rete.Activation) error {
	if a.Rule.ID == f.rule {
		return fmt.Errorf("handler refused %s", a.Rule.ID)
	}
	return nil
}

func TestVaultAbortOnError(t *testing.T) {
	e := newTestEngine(rete.Executor(failOn{rule: "explode"}))
	if err := e.AddRule(premiumRule()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.Insert("customer", map[string]interface{}{"id": 1, "totalSpent": 15000.0}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.FireAll(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v := rete.NewVault(e)
	before := v.Current()

	// a rule that does not compile against the schemas aborts the rebuild
	_, err := v.ApplyMutations([]rete.RuleMutation{
		{ID: "bad_rule", Rule: matchRule("bad_rule", 0, "warehouse")},
	})
	if err == nil {
		t.Fatal("wanted error for a rule on an unknown type")
	}
	if !errors.Is(err, rete.ErrUnknownFactType) {
		t.Errorf("got %v, wanted ErrUnknownFactType", err)
	}
	if v.Current() != before {
		t.Fatal("engine swapped despite the rule error")
	}

	// a handler failure during re-derivation also aborts
	res, err := v.ApplyMutations([]rete.RuleMutation{
		{ID: "explode", Rule: matchRule("explode", 99, "customer")},
	})
	if err == nil {
		t.Fatal("wanted error from the handler")
	}
	if res == nil || len(res.Firings) != 1 || res.Firings[0].Rule != "explode" {
		t.Errorf("partial result wrong: %+v", res)
	}
	if v.Current() != before {
		t.Fatal("engine swapped despite the handler error")
	}
	if n := len(before.FactsByType("tier")); n != 1 {
		t.Errorf("old engine changed: %d tier facts", n)
	}
}

func TestVaultConcurrentMutations(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test in short mode.")
	}

	e := newTestEngine()
	if err := e.AddRule(premiumRule()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.Insert("customer", map[string]interface{}{"id": 1, "totalSpent": 15000.0}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.FireAll(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v := rete.NewVault(e)

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("watch_%d", i)
			if _, err := v.ApplyMutations([]rete.RuleMutation{{ID: id, Rule: matchRule(id, 0, "order")}}); err != nil {
				t.Errorf("mutation %s: %v", id, err)
			}
		}(i)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// every snapshot a reader can see is fully rebuilt
			for j := 0; j < 200; j++ {
				cur := v.Current()
				if n := len(cur.FactsByType("customer")); n != 1 {
					t.Errorf("reader saw %d customers", n)
					return
				}
				if n := len(cur.FactsByType("tier")); n != 1 {
					t.Errorf("reader saw %d tiers", n)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := v.Current().RuleCount(); got != 1+writers {
		t.Errorf("got %d rules, wanted %d", got, 1+writers)
	}
}
