package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// State is the ordered key/value mapping threaded through a run.
//
// A State value is never mutated in place: With, Without and Merge return a
// new State and leave the receiver untouched, so a node can hold on to the
// State it was given without observing later steps. The zero value is an
// empty State.
type State struct {
	m *orderedmap.OrderedMap[string, interface{}]
}

// NewState creates an empty State.
func NewState() State {
	return State{m: orderedmap.New[string, interface{}]()}
}

// FromMap builds a State from a plain map. Keys are inserted in sorted
// order since Go maps carry none.
func FromMap(values map[string]interface{}) State {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	s := NewState()
	for _, k := range keys {
		s.m.Set(k, values[k])
	}
	return s
}

// StateOf builds a State from alternating key/value arguments, keeping the
// argument order. It panics on an odd argument count or a non-string key.
func StateOf(kv ...interface{}) State {
	if len(kv)%2 != 0 {
		panic("types.StateOf: odd number of arguments")
	}
	s := NewState()
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("types.StateOf: key %v is not a string", kv[i]))
		}
		s.m.Set(key, kv[i+1])
	}
	return s
}

func (s State) clone() State {
	out := orderedmap.New[string, interface{}](s.Len())
	if s.m != nil {
		for pair := s.m.Oldest(); pair != nil; pair = pair.Next() {
			out.Set(pair.Key, pair.Value)
		}
	}
	return State{m: out}
}

// Len returns the number of keys.
func (s State) Len() int {
	if s.m == nil {
		return 0
	}
	return s.m.Len()
}

// IsEmpty reports whether the State has no keys.
func (s State) IsEmpty() bool {
	return s.Len() == 0
}

// Keys returns the keys in insertion order.
func (s State) Keys() []string {
	keys := make([]string, 0, s.Len())
	if s.m == nil {
		return keys
	}
	for pair := s.m.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Get returns the value stored under key.
func (s State) Get(key string) (interface{}, bool) {
	if s.m == nil {
		return nil, false
	}
	return s.m.Get(key)
}

// Has reports whether key is present.
func (s State) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// With returns a copy of the State with key set to value. An existing key
// keeps its position.
func (s State) With(key string, value interface{}) State {
	out := s.clone()
	out.m.Set(key, value)
	return out
}

// Without returns a copy of the State without key.
func (s State) Without(key string) State {
	out := s.clone()
	out.m.Delete(key)
	return out
}

// Merge returns a copy of the State with every key of other written over
// it. It ignores reducers; see channels.Registry for policy-aware merges.
func (s State) Merge(other State) State {
	out := s.clone()
	other.Range(func(key string, value interface{}) bool {
		out.m.Set(key, value)
		return true
	})
	return out
}

// Range calls fn for every key in insertion order until fn returns false.
func (s State) Range(fn func(key string, value interface{}) bool) {
	if s.m == nil {
		return
	}
	for pair := s.m.Oldest(); pair != nil; pair = pair.Next() {
		if !fn(pair.Key, pair.Value) {
			return
		}
	}
}

// ToMap returns the State as a plain map.
func (s State) ToMap() map[string]interface{} {
	out := make(map[string]interface{}, s.Len())
	s.Range(func(key string, value interface{}) bool {
		out[key] = value
		return true
	})
	return out
}

// Equal reports whether both States hold the same keys and values,
// regardless of key order.
func (s State) Equal(other State) bool {
	if s.Len() != other.Len() {
		return false
	}
	equal := true
	s.Range(func(key string, value interface{}) bool {
		ov, ok := other.Get(key)
		if !ok || !valuesEqual(value, ov) {
			equal = false
		}
		return equal
	})
	return equal
}

// valuesEqual is reflect.DeepEqual except that integers of different
// widths compare by value. Integers never equal floats.
func valuesEqual(a, b interface{}) bool {
	if isInteger(a) && isInteger(b) {
		return fmt.Sprint(a) == fmt.Sprint(b)
	}
	switch av := a.(type) {
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, item := range av {
			other, ok := bv[k]
			if !ok || !valuesEqual(item, other) {
				return false
			}
		}
		return true
	case State:
		bv, ok := b.(State)
		return ok && av.Equal(bv)
	}
	return reflect.DeepEqual(a, b)
}

func isInteger(v interface{}) bool {
	switch reflect.ValueOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

// GetString returns the string stored under key.
func (s State) GetString(key string) (string, bool) {
	v, ok := s.Get(key)
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// GetInt returns the integer stored under key. Integral floats and
// json.Number values are accepted.
func (s State) GetInt(key string) (int, bool) {
	v, ok := s.Get(key)
	if !ok {
		return 0, false
	}
	return ToInt(v)
}

// GetFloat returns the number stored under key as a float64.
func (s State) GetFloat(key string) (float64, bool) {
	v, ok := s.Get(key)
	if !ok {
		return 0, false
	}
	return ToFloat(v)
}

// GetBool returns the bool stored under key.
func (s State) GetBool(key string) (bool, bool) {
	v, ok := s.Get(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// GetList returns the list stored under key as []interface{}.
func (s State) GetList(key string) ([]interface{}, bool) {
	v, ok := s.Get(key)
	if !ok || v == nil {
		return nil, false
	}
	return ToList(v)
}

// GetStrings returns the list stored under key as []string. Non-string
// elements make it fail.
func (s State) GetStrings(key string) ([]string, bool) {
	list, ok := s.GetList(key)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		str, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, str)
	}
	return out, true
}

// Decode copies the State into out, a pointer to a struct or map. Struct
// fields are matched by their `state` tag, falling back to the field name.
func (s State) Decode(out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "state",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(s.ToMap())
}

// MarshalJSON encodes the State as a JSON object in key order. Integral
// floats are written with a fraction so they decode as floats again.
func (s State) MarshalJSON() ([]byte, error) {
	if s.m == nil {
		return []byte("{}"), nil
	}
	out := orderedmap.New[string, interface{}]()
	for pair := s.m.Oldest(); pair != nil; pair = pair.Next() {
		out.Set(pair.Key, encodeNumbers(pair.Value))
	}
	return out.MarshalJSON()
}

// UnmarshalJSON decodes a JSON object, keeping its key order. Integer
// literals decode to int (uint64 above the int64 range) and literals with a
// fraction or exponent to float64, so no precision is lost on the way.
func (s *State) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("state must be a JSON object, got %v", tok)
	}

	m := orderedmap.New[string, interface{}]()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("state key %v is not a string", tok)
		}
		var value interface{}
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("state key %q: %w", key, err)
		}
		m.Set(key, decodeNumbers(value))
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	s.m = m
	return nil
}

// String renders the State as JSON.
func (s State) String() string {
	data, err := s.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("State(%d keys)", s.Len())
	}
	return string(data)
}

func encodeNumbers(v interface{}) interface{} {
	switch val := v.(type) {
	case float64:
		return floatLiteral(val)
	case float32:
		return floatLiteral(float64(val))
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = encodeNumbers(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = encodeNumbers(item)
		}
		return out
	case nil, string, bool, json.Number, State, *State, []byte:
		return v
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if k := rv.Type().Elem().Kind(); k == reflect.Float32 || k == reflect.Float64 || k == reflect.Interface {
			list, _ := ToList(v)
			return encodeNumbers(list)
		}
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			out := make(map[string]interface{}, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				out[iter.Key().String()] = encodeNumbers(iter.Value().Interface())
			}
			return out
		}
	}
	return v
}

// floatLiteral spells f so that it cannot be read back as an integer.
func floatLiteral(f float64) interface{} {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		// encoding/json rejects these with an UnsupportedValueError.
		return f
	}
	text := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(text, ".eE") {
		text += ".0"
	}
	return json.Number(text)
}

func decodeNumbers(v interface{}) interface{} {
	switch val := v.(type) {
	case json.Number:
		return numberValue(val)
	case []interface{}:
		for i, item := range val {
			val[i] = decodeNumbers(item)
		}
		return val
	case map[string]interface{}:
		for k, item := range val {
			val[k] = decodeNumbers(item)
		}
		return val
	}
	return v
}

func numberValue(n json.Number) interface{} {
	text := n.String()
	if !strings.ContainsAny(text, ".eE") {
		if i, err := strconv.ParseInt(text, 10, 64); err == nil {
			if int64(int(i)) == i {
				return int(i)
			}
			return i
		}
		if u, err := strconv.ParseUint(text, 10, 64); err == nil {
			return u
		}
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		return f
	}
	return n
}

// ToFloat converts any numeric value to float64.
func ToFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	if i, ok := ToInt(v); ok {
		return float64(i), true
	}
	return 0, false
}

// ToInt converts integers, integral floats and json.Number values to int.
func ToInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n == math.Trunc(n) {
			return int(n), true
		}
	case float32:
		if float64(n) == math.Trunc(float64(n)) {
			return int(n), true
		}
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

// ToList converts any slice or array value to []interface{}.
func ToList(v interface{}) ([]interface{}, bool) {
	if list, ok := v.([]interface{}); ok {
		return list, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// Kind classifies state values for the type-stability check of merges.
type Kind string

const (
	KindNull   Kind = "null"
	KindText   Kind = "text"
	KindNumber Kind = "number"
	KindBool   Kind = "bool"
	KindList   Kind = "list"
	KindRecord Kind = "record"
)

// KindOf returns the Kind of a state value.
func KindOf(v interface{}) Kind {
	switch v.(type) {
	case nil:
		return KindNull
	case string:
		return KindText
	case bool:
		return KindBool
	case json.Number:
		return KindNumber
	case State, *State:
		return KindRecord
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return KindNumber
	case reflect.String:
		return KindText
	case reflect.Bool:
		return KindBool
	case reflect.Slice, reflect.Array:
		return KindList
	case reflect.Ptr:
		if rv.IsNil() {
			return KindNull
		}
		return KindOf(rv.Elem().Interface())
	}
	return KindRecord
}

// Builder batches several writes into one copy of a State.
type Builder struct {
	s State
}

// Edit returns a Builder over a copy of the State.
func (s State) Edit() *Builder {
	return &Builder{s: s.clone()}
}

// Set writes key. An existing key keeps its position.
func (b *Builder) Set(key string, value interface{}) *Builder {
	b.s.m.Set(key, value)
	return b
}

// State returns the built State. The Builder must not be used afterwards.
func (b *Builder) State() State {
	s := b.s
	b.s = State{}
	return s
}
