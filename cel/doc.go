// Package cel provides an implementation of the rete.ExprEvaluator interface
// backed by Google's cel-go expression engine.
//
// See https://github.com/google/cel-go and https://opensource.google/projects/cel
// for more information about CEL.
//
// The expressions you write must conform to the CEL spec:
// https://github.com/google/cel-spec.
//
// Expressions in Pattern Conditions
//
// A pattern's Expr runs against one fact at a time, with the fact's fields
// declared as top-level CEL variables under their schema names. The
// expression must yield a boolean: true admits the fact, false rejects it.
//
//	rete.Pattern{
//	    Type: "order",
//	    Expr: `amount > 1000.0 && status != "closed"`,
//	}
//
// Declared fields the fact does not carry evaluate as the field type's
// zero value (an absent float is 0.0, an absent string is ""). Fields of
// type Any with no value are omitted entirely; an expression that touches
// one will fail, which the engine reports as a ConditionError for that
// fact only.
//
// Keep expressions pure. They are evaluated once per fact change, not per
// firing, so results must depend only on the fact's fields.
//
// Working with Protocol Buffers
//
// CEL is built on protocol buffers, and fields of type rete.Proto expose
// the full message to the expression. When declaring the protocol buffer
// type in the schema, the Protoname is the proto package name followed by
// the type:
//
//	{Name: "student", Type: rete.Proto{Protoname: "testdata.school.Student", Message: &school.Student{}}},
//
// When referring to fields of a protocol buffer in an expression, the
// field names are the proto names, NOT the generated Go names: a proto
// field "enrollment_date" is "student.enrollment_date" in the expression,
// even though the generated Go field is "EnrollmentDate".
package cel
