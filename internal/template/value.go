// Package template substitutes {{dotted.path}} placeholders in action body
// templates with values from task data. Data is modeled as an explicit JSON
// variant so the resolution algorithm is testable without a dynamic object
// model.
package template

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind discriminates the JSON variant.
type Kind int

const (
	Null Kind = iota
	String
	Number
	Bool
	Array
	Object
)

// Value is one node of a JSON document.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	arr  []Value
	obj  map[string]Value
}

func Str(s string) Value           { return Value{kind: String, str: s} }
func Num(n float64) Value          { return Value{kind: Number, num: n} }
func Boolean(b bool) Value         { return Value{kind: Bool, b: b} }
func Arr(items ...Value) Value     { return Value{kind: Array, arr: items} }
func Obj(m map[string]Value) Value { return Value{kind: Object, obj: m} }

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// FromAny converts a decoded JSON value (or plain Go scalars and maps, as
// produced by Task.Data) into a Value.
func FromAny(x any) Value {
	switch t := x.(type) {
	case nil:
		return Value{kind: Null}
	case string:
		return Str(t)
	case bool:
		return Boolean(t)
	case float64:
		return Num(t)
	case float32:
		return Num(float64(t))
	case int:
		return Num(float64(t))
	case int64:
		return Num(float64(t))
	case json.Number:
		f, _ := t.Float64()
		return Num(f)
	case []any:
		items := make([]Value, len(t))
		for i, e := range t {
			items[i] = FromAny(e)
		}
		return Value{kind: Array, arr: items}
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = FromAny(e)
		}
		return Value{kind: Object, obj: m}
	default:
		return Str(fmt.Sprintf("%v", t))
	}
}

// FromJSON decodes a JSON document into a Value.
func FromJSON(data []byte) (Value, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Value{}, err
	}
	return FromAny(raw), nil
}

// Field returns the named member of an object value.
func (v Value) Field(name string) (Value, bool) {
	if v.kind != Object {
		return Value{}, false
	}
	child, ok := v.obj[name]
	return child, ok
}

// Index returns the i-th element of an array value.
func (v Value) Index(i int) (Value, bool) {
	if v.kind != Array || i < 0 || i >= len(v.arr) {
		return Value{}, false
	}
	return v.arr[i], true
}

// Text renders a scalar value the way it should appear inline in a resolved
// template. Arrays and objects render as compact JSON.
func (v Value) Text() string {
	switch v.kind {
	case Null:
		return "null"
	case String:
		return v.str
	case Bool:
		return strconv.FormatBool(v.b)
	case Number:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case Array, Object:
		b, err := json.Marshal(v.toAny())
		if err != nil {
			return ""
		}
		return string(b)
	}
	return ""
}

func (v Value) toAny() any {
	switch v.kind {
	case Null:
		return nil
	case String:
		return v.str
	case Number:
		return v.num
	case Bool:
		return v.b
	case Array:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.toAny()
		}
		return out
	case Object:
		out := make(map[string]any, len(v.obj))
		for k, e := range v.obj {
			out[k] = e.toAny()
		}
		return out
	}
	return nil
}
