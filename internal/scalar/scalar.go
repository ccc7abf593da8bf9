package scalar

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
)

// Kind enumerates the value variants carried across all layers.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindDate
	KindObject
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "boolean"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindDate:
		return "date"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Value is the tagged scalar shared by the schema registry, entity store,
// condition engine and process engine. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	t    time.Time
	obj  map[string]Value
	arr  []Value
}

func Null() Value                     { return Value{} }
func Bool(v bool) Value               { return Value{kind: KindBool, b: v} }
func Number(v float64) Value          { return Value{kind: KindNumber, n: v} }
func String(v string) Value           { return Value{kind: KindString, s: v} }
func Date(v time.Time) Value          { return Value{kind: KindDate, t: v.UTC()} }
func Object(v map[string]Value) Value { return Value{kind: KindObject, obj: v} }
func Array(v []Value) Value           { return Value{kind: KindArray, arr: v} }

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Bool() bool              { return v.b }
func (v Value) Number() float64         { return v.n }
func (v Value) Str() string             { return v.s }
func (v Value) Date() time.Time         { return v.t }
func (v Value) Obj() map[string]Value   { return v.obj }
func (v Value) Arr() []Value            { return v.arr }

// Equal reports structural equality. Values of different kinds are never equal.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindNumber:
		return a.n == b.n
	case KindString:
		return a.s == b.s
	case KindDate:
		return a.t.Equal(b.t)
	case KindObject:
		if len(a.obj) != len(b.obj) {
			return false
		}
		for k, av := range a.obj {
			bv, ok := b.obj[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// Compare orders two values of the same ordered kind (number or date).
// ok is false when the pair has no defined ordering.
func Compare(a, b Value) (cmp int, ok bool) {
	if a.kind != b.kind {
		return 0, false
	}
	switch a.kind {
	case KindNumber:
		switch {
		case a.n < b.n:
			return -1, true
		case a.n > b.n:
			return 1, true
		}
		return 0, true
	case KindDate:
		switch {
		case a.t.Before(b.t):
			return -1, true
		case a.t.After(b.t):
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

const dateTag = "$date"

// MarshalJSON encodes the wire representation. Dates are tagged as
// {"$date": "<RFC3339>"} to keep them distinguishable from plain strings.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	case KindDate:
		return json.Marshal(map[string]string{dateTag: v.t.UTC().Format(time.RFC3339Nano)})
	case KindObject:
		return json.Marshal(v.obj)
	case KindArray:
		if v.arr == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.arr)
	}
	return nil, fmt.Errorf("scalar: cannot marshal %s", v.kind)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// FromAny converts a decoded JSON value into a tagged Value, recognizing the
// {"$date": ...} tagging.
func FromAny(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(x), nil
	case float64:
		return Number(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("scalar: bad number %q: %w", x.String(), err)
		}
		return Number(f), nil
	case string:
		return String(x), nil
	case map[string]any:
		if len(x) == 1 {
			if tagged, ok := x[dateTag]; ok {
				s, ok := tagged.(string)
				if !ok {
					return Value{}, fmt.Errorf("scalar: %s tag must hold a string", dateTag)
				}
				t, err := time.Parse(time.RFC3339Nano, s)
				if err != nil {
					return Value{}, fmt.Errorf("scalar: bad %s value %q: %w", dateTag, s, err)
				}
				return Date(t), nil
			}
		}
		obj := make(map[string]Value, len(x))
		for k, item := range x {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			obj[k] = v
		}
		return Object(obj), nil
	case []any:
		arr := make([]Value, 0, len(x))
		for _, item := range x {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			arr = append(arr, v)
		}
		return Array(arr), nil
	}
	return Value{}, fmt.Errorf("scalar: unsupported value %T", raw)
}

// Schema describes a Value as any JSON value. The tagged date form and kind
// checks are enforced by UnmarshalJSON and the schema layer, not by OpenAPI.
func (Value) Schema(_ huma.Registry) *huma.Schema {
	return &huma.Schema{
		Description: `Any JSON value; dates use the tagged form {"$date": "RFC 3339"}.`,
	}
}

// String renders a short human-readable form for tables and logs.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindNumber:
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", v.n), "0"), ".")
	case KindString:
		return v.s
	case KindDate:
		return v.t.UTC().Format(time.RFC3339)
	case KindObject:
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+":"+v.obj[k].String())
		}
		return "{" + strings.Join(parts, ",") + "}"
	case KindArray:
		parts := make([]string, 0, len(v.arr))
		for _, item := range v.arr {
			parts = append(parts, item.String())
		}
		return "[" + strings.Join(parts, ",") + "]"
	}
	return ""
}
