package main

import (
	"fmt"

	"github.com/gobuffalo/plush"
	"github.com/markbates/inflect"
	"github.com/pkg/errors"

	"github.com/ezachrisen/rete"
)

const src = `// Code generated by schemagen. DO NOT EDIT.

package <%= pkg %>

import "github.com/ezachrisen/rete"

<%= for (s) in schemas { %>
// <%= s.GoName %> declares the "<%= s.Type %>" fact type.
var <%= s.GoName %> = rete.Schema{
	Type: "<%= s.Type %>",<%= if (s.Description != "") { %>
	Description: "<%= s.Description %>",<% } %>
	Elements: []rete.DataElement{
<%= for (e) in s.Elements { %>		{Name: "<%= e.Name %>", Type: <%= e.TypeLiteral %>},
<% } %>	},
}
<% } %>`

// schemaView is the template-facing shape of one schema: the Go identifier
// it will be declared as, and its elements with the type expressions
// pre-rendered.
type schemaView struct {
	Type        string
	GoName      string
	Description string
	Elements    []elementView
}

type elementView struct {
	Name        string
	TypeLiteral string
}

// render produces the generated Go source for the schemas.
func render(pkg string, schemas []rete.Schema) (string, error) {
	views := make([]schemaView, 0, len(schemas))
	for _, s := range schemas {
		v := schemaView{
			Type:        s.Type,
			GoName:      inflect.Camelize(s.Type) + "Schema",
			Description: s.Description,
		}
		for _, el := range s.Elements {
			lit, err := typeLiteral(el.Type)
			if err != nil {
				return "", errors.Wrapf(err, "schema %s, field %s", s.Type, el.Name)
			}
			v.Elements = append(v.Elements, elementView{Name: el.Name, TypeLiteral: lit})
		}
		views = append(views, v)
	}

	ctx := plush.NewContext()
	ctx.Set("pkg", pkg)
	ctx.Set("schemas", views)

	out, err := plush.Render(src, ctx)
	if err != nil {
		return "", errors.Wrap(err, "rendering schemas")
	}
	return out, nil
}

// typeLiteral renders a rete.Type as the Go expression that constructs it.
func typeLiteral(t rete.Type) (string, error) {
	switch v := t.(type) {
	case rete.String:
		return "rete.String{}", nil
	case rete.Int:
		return "rete.Int{}", nil
	case rete.Float:
		return "rete.Float{}", nil
	case rete.Bool:
		return "rete.Bool{}", nil
	case rete.Duration:
		return "rete.Duration{}", nil
	case rete.Timestamp:
		return "rete.Timestamp{}", nil
	case rete.Any:
		return "rete.Any{}", nil
	case rete.List:
		val, err := typeLiteral(v.ValueType)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("rete.List{ValueType: %s}", val), nil
	case rete.Map:
		key, err := typeLiteral(v.KeyType)
		if err != nil {
			return "", err
		}
		val, err := typeLiteral(v.ValueType)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("rete.Map{KeyType: %s, ValueType: %s}", key, val), nil
	case rete.Proto:
		// The Message field cannot be generated; fill it in where the
		// generated file is used.
		return fmt.Sprintf("rete.Proto{Protoname: %q}", v.Protoname), nil
	}
	return "", errors.Errorf("no literal form for type %v", t)
}
