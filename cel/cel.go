// package cel provides an implementation of the rete.ExprEvaluator interface
// backed by Google's cel-go expression engine.
// See https://github.com/google/cel-go and https://opensource.google/projects/cel
// for more information about CEL. The expressions you write must conform to
// the CEL spec: https://github.com/google/cel-spec.

package cel

import (
	"fmt"

	"github.com/ezachrisen/rete"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"
	"github.com/google/cel-go/common/types/pb"
	exprbp "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
	"google.golang.org/protobuf/runtime/protoiface"
)

// Evaluator compiles and evaluates CEL expressions against fact fields.
// Pass one to the engine with the rete.Evaluator option. Expressions refer
// to fields by their schema names:
//
//	totalSpent > 10000.0 && status != "closed"
//
// and must produce a boolean.
type Evaluator struct{}

// Initialize a new CEL evaluator
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// program is the compiled form the engine stores and hands back for
// evaluation. The schema travels with it so absent fields can be filled
// with zero values.
type program struct {
	prg    cel.Program
	schema rete.Schema
}

// Compile parses and type-checks the expression against the schema of the
// fact type it will run on, returning the stored program.
func (*Evaluator) Compile(expr string, s rete.Schema) (interface{}, error) {

	d, err := schemaToDeclarations(s)
	if err != nil {
		return nil, err
	}

	env, err := cel.NewEnv(d)
	if err != nil {
		return nil, err
	}

	// Parse the expression to an AST
	p, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("parsing expression '%s': %w", expr, iss.Err())
	}

	// Type-check the parsed AST against the declarations
	c, iss := env.Check(p)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("checking expression '%s': %w", expr, iss.Err())
	}

	// Generate an evaluable program
	prg, err := env.Program(c)
	if err != nil {
		return nil, fmt.Errorf("generating program for '%s': %w", expr, err)
	}
	return &program{prg: prg, schema: s}, nil
}

// Evaluate runs a compiled expression against a fact's field values.
// Declared fields the fact does not carry are passed as zero values, so an
// expression can test a field that is only sometimes present.
func (*Evaluator) Evaluate(compiled interface{}, fields map[string]interface{}) (bool, error) {
	p, ok := compiled.(*program)
	if !ok {
		return false, fmt.Errorf("not a compiled CEL program: %T", compiled)
	}

	data := make(map[string]interface{}, len(p.schema.Elements))
	for _, el := range p.schema.Elements {
		if v, ok := fields[el.Name]; ok {
			data[el.Name] = v
			continue
		}
		if z := el.Type.Zero(); z != nil {
			data[el.Name] = z
		}
	}

	rawValue, _, err := p.prg.Eval(data)
	if err != nil {
		return false, err
	}
	v, ok := rawValue.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression produced %T, want bool", rawValue.Value())
	}
	return v, nil
}

// celType converts from a rete.Type to a CEL type
func celType(t rete.Type) (*exprbp.Type, error) {

	switch v := t.(type) {
	case rete.String:
		return decls.String, nil
	case rete.Int:
		return decls.Int, nil
	case rete.Float:
		return decls.Double, nil
	case rete.Bool:
		return decls.Bool, nil
	case rete.Duration:
		return decls.Duration, nil
	case rete.Timestamp:
		return decls.Timestamp, nil
	case rete.Map:
		key, err := celType(v.KeyType)
		if err != nil {
			return nil, fmt.Errorf("setting key of %v map: %w", v.KeyType, err)
		}
		val, err := celType(v.ValueType)
		if err != nil {
			return nil, fmt.Errorf("setting value of %v map: %w", v.ValueType, err)
		}
		return decls.NewMapType(key, val), nil
	case rete.List:
		val, err := celType(v.ValueType)
		if err != nil {
			return nil, fmt.Errorf("setting value of %v list: %w", v.ValueType, err)
		}
		return decls.NewListType(val), nil
	case rete.Proto:
		protoMessage, ok := v.Message.(protoiface.MessageV1)
		if !ok {
			return nil, fmt.Errorf("casting to proto message %v", v.Protoname)
		}
		_, err := pb.DefaultDb.RegisterMessage(protoMessage)
		if err != nil {
			return nil, fmt.Errorf("registering proto message %v: %w", v.Protoname, err)
		}
		return decls.NewObjectType(v.Protoname), nil
	}
	return decls.Any, nil

}

// schemaToDeclarations converts from a rete.Schema to a set of CEL
// declarations that are passed to the CEL environment
func schemaToDeclarations(s rete.Schema) (cel.EnvOption, error) {
	items := []*exprbp.Decl{}

	for _, d := range s.Elements {
		typ, err := celType(d.Type)
		if err != nil {
			return nil, err
		}
		items = append(items, decls.NewIdent(d.Name, typ, nil))
	}
	return cel.Declarations(items...), nil
}
