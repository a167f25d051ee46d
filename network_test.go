package rete_test

import (
	"strings"
	"testing"

	"github.com/ezachrisen/rete"
)

// A fact of a type no rule depends on triggers no network work at all.
func TestUnrelatedTypeNoWork(t *testing.T) {

	e := newTestEngine()
	if err := e.AddRule(premiumRule()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	before := e.Stats()
	if _, err := e.Insert("order", map[string]interface{}{"id": 1, "amount": 50.0}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	after := e.Stats()

	if d := after.Visits() - before.Visits(); d != 0 {
		t.Errorf("expected no node visits for an unreferenced type, got %d", d)
	}
	if after.Facts != before.Facts+1 {
		t.Errorf("the fact should still be in working memory")
	}
}

// The work of an insert is bounded by the dependency set of the fact's
// type, not by the total size of the network.
func TestWorkBoundedByDependencySet(t *testing.T) {

	e := newTestEngine()
	err := e.AddRule(
		matchRule("r1", 0, "customer"),
		matchRule("r2", 0, "customer"),
		&rete.Rule{
			ID: "r3",
			Condition: rete.And{
				rete.Pattern{Var: "c", Type: "customer"},
				rete.Pattern{Var: "o", Type: "order", Where: []rete.FieldTest{
					{Field: "customerId", Op: rete.Eq, Value: rete.FieldRef{Var: "c", Field: "id"}},
				}},
			},
		},
		matchRule("r4", 0, "tier"),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := e.Stats()
	custDeps := stats.DependencySetSizes["customer"]
	if custDeps == 0 {
		t.Fatalf("expected a dependency set for customer")
	}

	before := e.Stats()
	if _, err := e.Insert("customer", map[string]interface{}{"id": 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	after := e.Stats()

	if d := after.Visits() - before.Visits(); d > int64(custDeps) {
		t.Errorf("insert visited %d nodes, dependency set is %d", d, custDeps)
	}

	// the tier rule's nodes are not in customer's dependency set
	tierDeps := stats.DependencySetSizes["tier"]
	if tierDeps == 0 {
		t.Fatalf("expected a dependency set for tier")
	}
	total := stats.AlphaNodes + stats.BetaNodes
	if custDeps >= total {
		t.Errorf("customer's dependency set (%d) should be smaller than the network (%d)", custDeps, total)
	}
}

// Rules testing the same fields the same way share alpha nodes; the order
// the tests are written in does not matter.
func TestAlphaChainSharing(t *testing.T) {

	e := newTestEngine()
	err := e.AddRule(&rete.Rule{
		ID: "active",
		Condition: rete.Pattern{Type: "customer", Where: []rete.FieldTest{
			{Field: "status", Op: rete.Eq, Value: "active"},
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	base := e.Stats().AlphaNodes // customer root + status test

	err = e.AddRule(&rete.Rule{
		ID: "active_spender",
		Condition: rete.Pattern{Type: "customer", Where: []rete.FieldTest{
			{Field: "status", Op: rete.Eq, Value: "active"},
			{Field: "totalSpent", Op: rete.Gte, Value: 1000.0},
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := e.Stats().AlphaNodes; got != base+1 {
		t.Errorf("expected the status test to be shared (%d nodes), got %d", base+1, got)
	}

	// same tests in a different order compile to the same chain
	err = e.AddRule(&rete.Rule{
		ID: "spender_active",
		Condition: rete.Pattern{Type: "customer", Where: []rete.FieldTest{
			{Field: "totalSpent", Op: rete.Gte, Value: 1000.0},
			{Field: "status", Op: rete.Eq, Value: "active"},
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := e.Stats().AlphaNodes; got != base+1 {
		t.Errorf("expected no new alpha nodes, got %d (base+1 = %d)", got, base+1)
	}
	if got := e.Stats().TerminalNodes; got != 3 {
		t.Errorf("expected 3 terminals, got %d", got)
	}
}

// A fact stops at the first test it fails; nodes past it are not visited.
func TestShortCircuitOnFailedTest(t *testing.T) {

	e := newTestEngine()
	err := e.AddRule(&rete.Rule{
		ID: "active_spender",
		Condition: rete.Pattern{Type: "customer", Where: []rete.FieldTest{
			{Field: "status", Op: rete.Eq, Value: "active"},
			{Field: "totalSpent", Op: rete.Gte, Value: 1000.0},
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	before := e.Stats()
	if _, err := e.Insert("customer", map[string]interface{}{"id": 1, "status": "closed", "totalSpent": 9999.0}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	after := e.Stats()

	// root + the status node; the totalSpent node is never reached
	if d := after.AlphaVisits - before.AlphaVisits; d != 2 {
		t.Errorf("expected 2 alpha visits, got %d", d)
	}
	if d := after.BetaVisits - before.BetaVisits; d != 0 {
		t.Errorf("expected no beta visits, got %d", d)
	}
	if d := after.Activations - before.Activations; d != 0 {
		t.Errorf("expected no activations, got %d", d)
	}
}

// Counters track tokens and activations as matches are built.
func TestCounters(t *testing.T) {

	e := newTestEngine()
	if err := e.AddRule(matchRule("any_customer", 0, "customer")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := e.Insert("customer", map[string]interface{}{"id": 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.Insert("customer", map[string]interface{}{"id": 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := e.Stats()
	if s.Inserts != 2 {
		t.Errorf("expected 2 inserts, got %d", s.Inserts)
	}
	if s.Tokens != 2 {
		t.Errorf("expected 2 tokens, got %d", s.Tokens)
	}
	if s.Activations != 2 {
		t.Errorf("expected 2 activations, got %d", s.Activations)
	}
	if s.Firings != 0 {
		t.Errorf("expected no firings yet, got %d", s.Firings)
	}

	if _, err := e.FireAll(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s = e.Stats()
	if s.Firings != 2 {
		t.Errorf("expected 2 firings, got %d", s.Firings)
	}
}

// The stats snapshot counts the engine's parts and renders as a table.
func TestStatsSnapshot(t *testing.T) {

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

	s := e.Stats()
	if s.Schemas != 3 {
		t.Errorf("expected 3 schemas, got %d", s.Schemas)
	}
	if s.Rules != 1 {
		t.Errorf("expected 1 rule, got %d", s.Rules)
	}
	if s.Facts != 2 { // the customer and the derived tier
		t.Errorf("expected 2 facts, got %d", s.Facts)
	}
	if s.TMSNodes != 2 || s.TMSValid != 2 || s.TMSLogical != 1 {
		t.Errorf("unexpected TMS counts: %+v", s)
	}
	if s.Justifications != 1 || s.SupportEdges != 1 {
		t.Errorf("unexpected justification counts: %+v", s)
	}
	if s.Visits() != s.AlphaVisits+s.BetaVisits {
		t.Errorf("Visits should sum alpha and beta")
	}

	out := s.String()
	if !strings.Contains(out, "ENGINE STATISTICS") {
		t.Errorf("expected the table title, got:\n%s", out)
	}
	if !strings.Contains(out, "Dependency set: customer") {
		t.Errorf("expected a dependency set row, got:\n%s", out)
	}
}
