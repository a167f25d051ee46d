package rete

// ExprEvaluator is the interface implemented by types that can compile and
// evaluate the expression conditions of patterns (Pattern.Expr). The engine
// compiles each expression once, at rule compile time, and stores the
// compiled version, later providing it back to the evaluator with the
// fields of a candidate fact.
//
// Expressions must be pure: the result may only depend on the field values
// passed in. The engine re-evaluates an expression only when a fact of the
// pattern's type changes, so a result that depends on anything else (time,
// random values, external state) will go stale.
type ExprEvaluator interface {
	// Compile pre-processes the expression against the schema of the fact
	// type it will be evaluated on, returning a compiled version.
	Compile(expr string, s Schema) (interface{}, error)

	// Evaluate tests a compiled expression against a fact's field values.
	// Implementations should supply the schema's zero value for declared
	// fields absent from the map.
	Evaluate(program interface{}, fields map[string]interface{}) (bool, error)
}
