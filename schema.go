package rete

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/golang/protobuf/ptypes"
	tpb "github.com/golang/protobuf/ptypes/timestamp"
)

// Schema declares a fact type: the type name and the fields facts of that
// type carry. A schema must be added to the engine before facts of the type
// can be inserted or referenced in rule conditions. Inserted field values
// are checked against the schema, and rule conditions are type-checked
// against it at compile time.
type Schema struct {
	// Name of the fact type, e.g. "customer". (required)
	Type string `json:"type"`

	// A user-friendly description of the fact type
	Description string `json:"description,omitempty"`

	// User-defined value
	Meta interface{} `json:"-"`

	// The fields facts of this type carry
	Elements []DataElement `json:"elements,omitempty"`
}

func (s *Schema) String() string {
	x := strings.Builder{}
	x.WriteString(s.Type)
	x.WriteString("\n")
	for _, e := range s.Elements {
		x.WriteString(e.String())
		x.WriteString("\n")
	}
	return x.String()
}

// element returns the declaration of the named field.
func (s *Schema) element(name string) (DataElement, bool) {
	for _, e := range s.Elements {
		if e.Name == name {
			return e, true
		}
	}
	return DataElement{}, false
}

// DataElement defines a named field in a schema
type DataElement struct {
	// Short, user-friendly name of the field. This is the name
	// used in rule conditions to refer to the field.
	Name string `json:"name"`

	// One of the Type interface defined.
	Type Type `json:"type"`

	// Optional description of the field.
	Description string `json:"description,omitempty"`
}

func (e *DataElement) String() string {
	return fmt.Sprintf("  %s (%s)", e.Name, e.Type)
}

// Type defines a type in the rete type system.
// These types are used to declare fact fields and to type-check rule
// conditions at compile time. Insert normalizes incoming Go values to the
// canonical representation of the declared type (int64 for Int, float64 for
// Float, and so on).
type Type interface {
	// Implements the stringer interface
	String() string

	// Zero returns a 'template' of the type to enable
	// use of reflection to convert to/from rete types and native Go types.
	Zero() interface{}
}

// String defines a string field type.
type String struct{}

// Int defines an integer field type, stored as int64.
type Int struct{}

// Float defines a floating point field type, stored as float64.
type Float struct{}

// Any defines an "undefined" or unspecified field type. Values of any Go
// type are accepted; condition tests on such fields may fail at runtime
// with a ConditionError if the operator does not apply to the stored value.
type Any struct{}

// Bool defines a true/false field type.
type Bool struct{}

// Duration defines a field type for the time.Duration type.
type Duration struct{}

// Timestamp defines a field type for the time.Time type. Insert also
// accepts a google.protobuf.Timestamp or an RFC3339 string and converts
// it.
type Timestamp struct{}

// Proto defines a field type holding a protobuf message. Fields of this type
// can only be tested with Eq/Neq (message equality) or an expression
// condition; ordering operators do not apply.
type Proto struct {
	Protoname string      // fully qualified name of the protobuf type
	Message   interface{} // an empty protobuf instance of the type
}

// List defines a field type representing a slice of values
type List struct {
	ValueType Type // the type of element stored in the list
}

// Map defines a field type representing a map of keys and values.
type Map struct {
	KeyType   Type // the type of the map key
	ValueType Type // the type of the value stored in the map
}

// Zero Methods
func (String) Zero() interface{}    { return string("") }
func (Int) Zero() interface{}       { return int64(0) }
func (Bool) Zero() interface{}      { return bool(false) }
func (Float) Zero() interface{}     { return float64(0.0) }
func (Timestamp) Zero() interface{} { return time.Time{} }
func (Duration) Zero() interface{}  { return time.Duration(0) }
func (t Proto) Zero() interface{}   { return t.Message }
func (Any) Zero() interface{}       { return nil }

func (t List) Zero() (retval interface{}) {
	// A panic handler here because we're using reflection
	defer func() {
		if r := recover(); r != nil {
			retval = nil
		}
	}()

	if t.ValueType == nil || t.ValueType.Zero() == nil {
		return nil
	}

	tt := reflect.TypeOf(t.ValueType.Zero())
	if tt == nil {
		return nil
	}

	s := reflect.MakeSlice(reflect.SliceOf(tt), 0, 0)
	return s.Interface()
}

func (t Map) Zero() (retval interface{}) {
	defer func() {
		if r := recover(); r != nil {
			retval = nil
		}
	}()

	if t.ValueType == nil || t.ValueType.Zero() == nil {
		return nil
	}

	if t.KeyType == nil || t.KeyType.Zero() == nil {
		return nil
	}

	tv := reflect.TypeOf(t.ValueType.Zero())
	tk := reflect.TypeOf(t.KeyType.Zero())
	if tv == nil || tk == nil {
		return nil
	}

	m := reflect.MakeMap(reflect.MapOf(tk, tv))
	return m.Interface()
}

// String Methods
func (Int) String() string       { return "int" }
func (Bool) String() string      { return "bool" }
func (String) String() string    { return "string" }
func (Any) String() string       { return "any" }
func (Duration) String() string  { return "duration" }
func (Timestamp) String() string { return "timestamp" }
func (Float) String() string     { return "float" }
func (t Proto) String() string   { return "proto(" + t.Protoname + ")" }
func (t List) String() string    { return fmt.Sprintf("[]%v", t.ValueType) }
func (t Map) String() string     { return fmt.Sprintf("map[%s]%s", t.KeyType, t.ValueType) }

// coerce normalizes a Go value to the canonical representation of the type,
// returning an error if the value does not conform. Insert applies this to
// every fact field; the rule compiler applies it to condition literals.
func coerce(t Type, v interface{}) (interface{}, error) {
	switch tt := t.(type) {
	case String:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return s, nil
	case Int:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case uint:
			return int64(n), nil
		case uint32:
			return int64(n), nil
		}
		return nil, fmt.Errorf("expected int, got %T", v)
	case Float:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
		return nil, fmt.Errorf("expected float, got %T", v)
	case Bool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", v)
		}
		return b, nil
	case Duration:
		switch d := v.(type) {
		case time.Duration:
			return d, nil
		case string:
			dd, err := time.ParseDuration(d)
			if err != nil {
				return nil, fmt.Errorf("expected duration: %w", err)
			}
			return dd, nil
		}
		return nil, fmt.Errorf("expected duration, got %T", v)
	case Timestamp:
		switch ts := v.(type) {
		case time.Time:
			return ts, nil
		case *tpb.Timestamp:
			tt, err := ptypes.Timestamp(ts)
			if err != nil {
				return nil, fmt.Errorf("expected timestamp: %w", err)
			}
			return tt, nil
		case string:
			tt, err := time.Parse(time.RFC3339, ts)
			if err != nil {
				return nil, fmt.Errorf("expected RFC3339 timestamp: %w", err)
			}
			return tt, nil
		}
		return nil, fmt.Errorf("expected timestamp, got %T", v)
	case Proto:
		if tt.Message == nil {
			return nil, fmt.Errorf("proto type %s has no message template", tt.Protoname)
		}
		if v == nil {
			return nil, fmt.Errorf("expected proto message %s, got nil", tt.Protoname)
		}
		want := reflect.TypeOf(tt.Message)
		if reflect.TypeOf(v) != want {
			return nil, fmt.Errorf("expected proto message %s, got %T", tt.Protoname, v)
		}
		return v, nil
	case List:
		rv := reflect.ValueOf(v)
		if !rv.IsValid() || rv.Kind() != reflect.Slice {
			return nil, fmt.Errorf("expected list, got %T", v)
		}
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			ev, err := coerce(tt.ValueType, rv.Index(i).Interface())
			if err != nil {
				return nil, fmt.Errorf("list element %d: %w", i, err)
			}
			out[i] = ev
		}
		return out, nil
	case Map:
		rv := reflect.ValueOf(v)
		if !rv.IsValid() || rv.Kind() != reflect.Map {
			return nil, fmt.Errorf("expected map, got %T", v)
		}
		out := make(map[interface{}]interface{}, rv.Len())
		for _, k := range rv.MapKeys() {
			kv, err := coerce(tt.KeyType, k.Interface())
			if err != nil {
				return nil, fmt.Errorf("map key %v: %w", k.Interface(), err)
			}
			vv, err := coerce(tt.ValueType, rv.MapIndex(k).Interface())
			if err != nil {
				return nil, fmt.Errorf("map value for %v: %w", k.Interface(), err)
			}
			out[kv] = vv
		}
		return out, nil
	case Any, nil:
		return normalizeLoose(v), nil
	}
	return v, nil
}

// normalizeLoose converts untyped scalar values to the canonical
// representations without requiring a declared type, so comparisons and
// identity encoding behave the same on 'any' fields.
func normalizeLoose(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case uint:
		return int64(n)
	case uint32:
		return int64(n)
	case float32:
		return float64(n)
	}
	return v
}

// encodeValue produces a deterministic string encoding of a canonical field
// value. The encoding distinguishes types (the string "1" and the int 1 do
// not collide) and is used for alpha/beta memory index keys and for the
// fact identity key that deduplicates logical inserts.
func encodeValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "nil"
	case string:
		return "s:" + x
	case int64:
		return "i:" + strconv.FormatInt(x, 10)
	case float64:
		return "f:" + strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return "b:" + strconv.FormatBool(x)
	case time.Time:
		return "t:" + x.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return "d:" + x.String()
	}
	// Lists, maps and protos fall back to the fmt rendering, which is
	// deterministic for maps (keys are printed sorted).
	return fmt.Sprintf("v:%v", v)
}

// ParseType parses a string that represents a rete type and returns the type.
// The primitive types are their lower-case names (string, int, duration, etc.)
// Maps and lists look like Go maps and slices: map[string]float and []string.
// Proto types look like this: proto(protoname)
func ParseType(t string) (Type, error) {

	if strings.Contains(t, "map") {
		return parseMap(t)
	}

	if strings.Contains(t, "[]") {
		return parseList(t)
	}

	if strings.Contains(t, "proto(") {
		return parseProto(t)
	}

	switch t {
	case "string":
		return String{}, nil
	case "int":
		return Int{}, nil
	case "float":
		return Float{}, nil
	case "bool":
		return Bool{}, nil
	case "duration":
		return Duration{}, nil
	case "timestamp":
		return Timestamp{}, nil
	case "any":
		return Any{}, nil
	default:
		return Any{}, fmt.Errorf("unrecognized type: %s", t)
	}
}

// parseMap parses a string and returns a rete map type.
// The string must be in the format map[<keytype>]<valuetype>.
// Example: map[string]int
func parseMap(t string) (Type, error) {

	var keyTypeName string
	var valueTypeName string

	t = strings.ReplaceAll(t, "[", " ")
	t = strings.ReplaceAll(t, "]", " ")

	n, err := fmt.Sscanf(t, "map %s %s", &keyTypeName, &valueTypeName)
	if err != nil {
		return Any{}, err
	}

	if n < 2 {
		return Any{}, fmt.Errorf("wanted 2 items parsed, got %d", n)
	}

	keyType, err := ParseType(keyTypeName)
	if err != nil {
		return Any{}, err
	}

	valueType, err := ParseType(valueTypeName)
	if err != nil {
		return Any{}, err
	}

	return Map{
		KeyType:   keyType,
		ValueType: valueType,
	}, nil
}

// parseList parses a string and returns a rete list type.
// The string must be in the format []<valuetype>
// Example: []string
func parseList(t string) (Type, error) {
	var valueTypeName string
	_, err := fmt.Sscanf(t, "[]%s", &valueTypeName)
	if err != nil {
		return Any{}, err
	}
	valueType, err := ParseType(valueTypeName)
	if err != nil {
		return Any{}, err
	}

	return List{
		ValueType: valueType,
	}, nil
}

// parseProto parses a string and returns a partial proto type.
// The "Message" field of the proto struct must be supplied later.
// The string must be in the form proto(<protoname>).
// Example: proto(school.Student)
func parseProto(t string) (Type, error) {
	startParen := strings.Index(t, "(")
	endParen := strings.Index(t, ")")

	if startParen == -1 || endParen == -1 || startParen > endParen || endParen > len(t) || endParen-startParen == 1 {
		return nil, fmt.Errorf("bad proto specification")
	}

	name := t[startParen+1 : endParen]
	return Proto{Protoname: name}, nil
}
