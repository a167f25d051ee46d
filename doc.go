// Package rete provides an incremental pattern-matching rules engine with
// truth maintenance.
//
// Rules are compiled once into a shared match network. Facts are then
// inserted, updated and retracted one at a time, and each change
// re-evaluates only the nodes that depend on the fact's type, rather than
// re-running every rule against every fact. Matches accumulate on an
// agenda and fire in salience order.
//
// Typical use is as follows:
//
//  1. Declare schemas describing the fact types you will be processing
//  2. Create an engine
//  3. Add rules; they are compiled into the match network
//  4. Insert facts; matches accumulate on the agenda
//  5. Call FireAll to execute the matched rules' actions
//  6. Inspect the results, or keep inserting and firing
//
// The engine does not specify an expression language. Field tests (equals,
// ordering, containment) are built in; richer per-fact expressions are
// delegated to an ExprEvaluator implementation, such as the cel package's.
//
// Fact Ownership and Handles
//
// Facts are immutable once inserted. The engine assigns each one a handle,
// and the handle is how the fact is referred to from then on: retraction,
// update, justifications and explanations all take handles. Update does
// not modify a fact in place; it retracts the old fact and inserts the
// merged copy under a new handle, and rules that matched the old fact are
// re-evaluated accordingly. Do not hold on to the field map passed to
// Insert; the engine keeps its own normalized copy.
//
// Logical Facts and Truth Maintenance
//
// A rule action can assert a fact logically: the new fact is justified by
// the facts the rule matched. The engine records these justifications and
// keeps derived facts only as long as some justification holds. In this
// example, a tier classification is derived from a customer's spending:
//
//	customer{id: 1, totalSpent: 15000}      (explicit)
//	  -> tier{customerId: 1, tier: "premium"}  (logical, justified by customer 1)
//
// If the customer fact is retracted, or updated so the rule no longer
// matches, the tier fact is retracted automatically, along with anything
// derived from it in turn. A fact derived by several independent rules
// stays as long as one of its justifications holds. Explicit facts are
// never retracted automatically.
//
// Concurrency
//
// An Engine is not safe for concurrent use. All operations, including
// FireAll and the introspection methods, must come from one goroutine at
// a time. To share an engine, wrap it in a Locker, which serializes every
// operation behind one mutex, or keep a Vault of engines and treat each
// snapshot as read-only.
package rete
